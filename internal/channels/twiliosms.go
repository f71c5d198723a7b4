// This file wraps the Twilio REST API as the SMS channel adapter.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// smsAPI is the slice of the Twilio client the adapter uses, kept as an
// interface so tests can substitute a mock.
type smsAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio SMS adapter.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio SMS adapter.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioSMSAdapter delivers replies as SMS through the Twilio REST API.
// SMS has no rich content at all, so buttons always degrade to
// enumerated text.
type TwilioSMSAdapter struct {
	api  smsAPI
	from string
}

// NewTwilioSMSAdapter creates the SMS adapter. Credentials fall back to
// the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables.
func NewTwilioSMSAdapter(opts ...TwilioOption) (*TwilioSMSAdapter, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMSAdapter{api: client.Api, from: cfg.FromNumber}, nil
}

// Channel returns the SMS channel tag.
func (a *TwilioSMSAdapter) Channel() models.Channel {
	return models.ChannelSMS
}

// Send delivers one rendered reply as an SMS.
func (a *TwilioSMSAdapter) Send(ctx context.Context, recipientID string, reply *models.Reply) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(recipientID)
	params.SetFrom(a.from)
	params.SetBody(RenderText(reply))

	if _, err := a.api.CreateMessage(params); err != nil {
		slog.Error("Twilio SMS send failed", "to", recipientID, "error", err)
		return fmt.Errorf("failed to send SMS to %s: %w", recipientID, err)
	}
	return nil
}
