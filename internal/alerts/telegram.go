// Package alerts pushes critical sync conditions to an operator Telegram
// chat. Delivery is best effort: an unreachable chat must never stall
// reconciliation.
package alerts

import (
	"context"
	"fmt"

	"taskbridge/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender is the slice of the bot API the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramAlerter struct {
	sender Sender
	chatID int64
	logger zerolog.Logger
}

// NewTelegramAlerter connects to the Bot API. Returns an error when the
// token is rejected so misconfiguration is caught at startup, not at the
// first incident.
func NewTelegramAlerter(cfg config.AlertsConfig, logger *zerolog.Logger) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return NewTelegramAlerterWithSender(bot, cfg.ChatID, logger), nil
}

// NewTelegramAlerterWithSender injects the sender, used by tests.
func NewTelegramAlerterWithSender(sender Sender, chatID int64, logger *zerolog.Logger) *TelegramAlerter {
	return &TelegramAlerter{
		sender: sender,
		chatID: chatID,
		logger: logger.With().Str("component", "alerts").Logger(),
	}
}

func (a *TelegramAlerter) Alert(ctx context.Context, subject, detail string) error {
	text := fmt.Sprintf("⚠️ taskbridge: %s\n%s", subject, detail)
	msg := tgbotapi.NewMessage(a.chatID, text)
	if _, err := a.sender.Send(msg); err != nil {
		a.logger.Error().Err(err).Str("subject", subject).Msg("alert delivery failed")
		return err
	}
	return nil
}
