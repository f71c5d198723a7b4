// This file wraps the Telegram Bot API as the Telegram channel adapter.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// TelegramOpts holds configuration options for the Telegram adapter.
type TelegramOpts struct {
	Token string
}

// TelegramOption defines a configuration option for the Telegram adapter.
type TelegramOption func(*TelegramOpts)

// WithTelegramToken sets the bot token.
func WithTelegramToken(token string) TelegramOption {
	return func(o *TelegramOpts) { o.Token = token }
}

// TelegramAdapter drives a Telegram bot: inline keyboards for buttons,
// long polling for inbound updates.
type TelegramAdapter struct {
	bot  *tgbotapi.BotAPI
	done chan struct{}
}

// NewTelegramAdapter creates the Telegram adapter. The token falls back
// to the TELEGRAM_BOT_TOKEN environment variable.
func NewTelegramAdapter(opts ...TelegramOption) (*TelegramAdapter, error) {
	var cfg TelegramOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token must be provided")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	slog.Info("Telegram adapter authorized", "bot", bot.Self.UserName)
	return &TelegramAdapter{bot: bot, done: make(chan struct{})}, nil
}

// Channel returns the Telegram channel tag.
func (a *TelegramAdapter) Channel() models.Channel {
	return models.ChannelTelegram
}

// Send delivers a reply, attaching buttons as an inline keyboard.
func (a *TelegramAdapter) Send(ctx context.Context, recipientID string, reply *models.Reply) error {
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", recipientID, err)
	}
	msg := tgbotapi.NewMessage(chatID, reply.Text)
	if len(reply.Buttons) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, btn := range reply.Buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.ID)))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := a.bot.Send(msg); err != nil {
		slog.Error("Telegram send failed", "chat", chatID, "error", err)
		return fmt.Errorf("failed to send telegram message to %d: %w", chatID, err)
	}
	return nil
}

// Start begins long polling for updates and feeds them to the gateway.
func (a *TelegramAdapter) Start(ctx context.Context, inbound InboundFunc) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := a.bot.GetUpdatesChan(cfg)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				env, ok := telegramEnvelope(update)
				if !ok {
					continue
				}
				inbound(ctx, models.ChannelTelegram, env)
			}
		}
	}()
	return nil
}

// Stop ends the polling loop.
func (a *TelegramAdapter) Stop() error {
	close(a.done)
	a.bot.StopReceivingUpdates()
	return nil
}

// telegramEnvelope normalizes one update: plain messages, locations,
// and inline keyboard callbacks.
func telegramEnvelope(update tgbotapi.Update) (models.Envelope, bool) {
	if cq := update.CallbackQuery; cq != nil && cq.Message != nil {
		return models.Envelope{
			MessageID:   "cb-" + cq.ID,
			RecipientID: strconv.FormatInt(cq.Message.Chat.ID, 10),
			Attachments: &models.Attachments{Selection: cq.Data},
			Time:        int64(cq.Message.Date),
		}, true
	}
	msg := update.Message
	if msg == nil {
		return models.Envelope{}, false
	}
	env := models.Envelope{
		MessageID:   strconv.Itoa(msg.MessageID),
		RecipientID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:        msg.Text,
		Time:        int64(msg.Date),
	}
	if msg.Location != nil {
		env.Attachments = &models.Attachments{Location: &models.Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
		}}
	}
	if env.Text == "" && env.Attachments == nil {
		return models.Envelope{}, false
	}
	return env, true
}
