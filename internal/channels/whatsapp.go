// This file wraps the Whatsmeow client as the WhatsApp channel adapter.
package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/store"
)

// Constants for WhatsApp adapter configuration.
const (
	// DefaultWhatsAppDBPath is the default path for the whatsmeow SQLite database.
	DefaultWhatsAppDBPath = "/var/lib/mangwale/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppOpts holds configuration options for the WhatsApp adapter.
type WhatsAppOpts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// WhatsAppOption defines a configuration option for the WhatsApp adapter.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsAppDBDSN sets the whatsmeow database connection string.
func WithWhatsAppDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the specified path.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode uses a numeric login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppAdapter drives WhatsApp through a whatsmeow client: outbound
// text sends and an inbound event loop feeding the gateway.
type WhatsAppAdapter struct {
	waClient *whatsmeow.Client
}

// NewWhatsAppAdapter creates and connects the WhatsApp adapter,
// running the QR login flow when no stored device exists.
func NewWhatsAppAdapter(opts ...WhatsAppOption) (*WhatsAppAdapter, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultWhatsAppDBPath
	}
	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("WhatsApp SQLite DSN has no foreign keys flag; whatsmeow recommends '?_foreign_keys=on'", "dsn", dbDSN)
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp adapter connected")
	return &WhatsAppAdapter{waClient: waClient}, nil
}

// Channel returns the WhatsApp channel tag.
func (a *WhatsAppAdapter) Channel() models.Channel {
	return models.ChannelWhatsApp
}

// Send delivers a rendered reply as a plain text message. WhatsApp
// buttons are not available through whatsmeow text sends, so buttons
// degrade to enumerated options.
func (a *WhatsAppAdapter) Send(ctx context.Context, recipientID string, reply *models.Reply) error {
	if a.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	body := RenderText(reply)
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := types.NewJID(strings.TrimPrefix(recipientID, "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := a.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("WhatsApp send failed", "error", err, "to", recipientID)
		return fmt.Errorf("failed to send message to %s: %w", recipientID, err)
	}
	return nil
}

// Start registers the inbound event handler feeding the gateway.
func (a *WhatsAppAdapter) Start(ctx context.Context, inbound InboundFunc) error {
	if a.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	a.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		env, ok := whatsAppEnvelope(msg)
		if !ok {
			return
		}
		inbound(ctx, models.ChannelWhatsApp, env)
	})
	return nil
}

// Stop disconnects the whatsmeow client.
func (a *WhatsAppAdapter) Stop() error {
	if a.waClient != nil {
		a.waClient.Disconnect()
	}
	return nil
}

// whatsAppEnvelope normalizes one whatsmeow message event. Non-text
// messages without a location are skipped.
func whatsAppEnvelope(evt *events.Message) (models.Envelope, bool) {
	if evt.Message == nil {
		return models.Envelope{}, false
	}

	var text string
	var attachments *models.Attachments
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.LocationMessage != nil:
		loc := evt.Message.LocationMessage
		attachments = &models.Attachments{Location: &models.Location{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Label:     loc.GetName(),
		}}
	default:
		slog.Debug("WhatsApp ignoring non-text message", "from", evt.Info.Sender.String())
		return models.Envelope{}, false
	}

	from := evt.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}
	return models.Envelope{
		MessageID:   evt.Info.ID,
		RecipientID: from,
		Text:        text,
		Attachments: attachments,
		Time:        evt.Info.Timestamp.Unix(),
	}, true
}
