package alerts

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestAlert(t *testing.T) {
	sender := &fakeSender{}
	logger := zerolog.Nop()
	alerter := NewTelegramAlerterWithSender(sender, 42, &logger)

	err := alerter.Alert(context.Background(), "state divergence", "task n-1 needs manual review")
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	msg, ok := sender.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Contains(t, msg.Text, "taskbridge")
	assert.Contains(t, msg.Text, "state divergence")
	assert.Contains(t, msg.Text, "task n-1 needs manual review")
}

func TestAlert_SendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("chat not found")}
	logger := zerolog.Nop()
	alerter := NewTelegramAlerterWithSender(sender, 42, &logger)

	err := alerter.Alert(context.Background(), "subject", "detail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}
