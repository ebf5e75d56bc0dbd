package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	fail  int
	calls int
	text  string
}

func (s *stubSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.calls++
	if s.calls <= s.fail {
		return tgbotapi.Message{}, errors.New("telegram unavailable")
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		s.text = msg.Text
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifier_RetriesUntilDelivered(t *testing.T) {
	bot := &stubSender{fail: 2}
	n := &TelegramNotifier{bot: bot, chatID: 42, maxRetries: 3, retryDelayBase: time.Millisecond}

	n.Notify(context.Background(), "settlement halted", "instance x")

	assert.Equal(t, 3, bot.calls)
	assert.Equal(t, "[settlement halted]\ninstance x", bot.text)
}

func TestTelegramNotifier_GivesUp(t *testing.T) {
	bot := &stubSender{fail: 10}
	n := &TelegramNotifier{bot: bot, chatID: 42, maxRetries: 2, retryDelayBase: time.Millisecond}

	n.Notify(context.Background(), "s", "m")
	assert.Equal(t, 2, bot.calls)
}

func TestNew_WithoutTokenLogsOnly(t *testing.T) {
	n := New("", "")
	_, ok := n.(LogNotifier)
	require.True(t, ok)
}
