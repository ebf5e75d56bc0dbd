// Package alert delivers operational alerts that need a human, such as a
// settlement halted by an invariant violation.
package alert

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, subject, message string)
}

// LogNotifier writes alerts to the structured log only.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, subject, message string) {
	zap.L().Error("operational alert", zap.String("subject", subject), zap.String("message", message))
}

// sender is the part of tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts alerts to a Telegram chat and logs them as well.
type TelegramNotifier struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

func NewTelegramNotifier(botToken, chatID string) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: id, maxRetries: 3, retryDelayBase: time.Second}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, subject, message string) {
	LogNotifier{}.Notify(ctx, subject, message)

	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf("[%s]\n%s", subject, message))
	var lastErr error
	for i := 0; i < n.maxRetries; i++ {
		_, err := n.bot.Send(msg)
		if err == nil {
			return
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.retryDelayBase * time.Duration(i+1)):
		}
	}
	zap.L().Warn("failed to deliver telegram alert", zap.Int("attempts", n.maxRetries), zap.Error(lastErr))
}

// New returns a TelegramNotifier when a token and chat are configured and
// a LogNotifier otherwise.
func New(botToken, chatID string) Notifier {
	if botToken == "" || chatID == "" {
		return LogNotifier{}
	}
	n, err := NewTelegramNotifier(botToken, chatID)
	if err != nil {
		zap.L().Warn("telegram alerts disabled", zap.Error(err))
		return LogNotifier{}
	}
	return n
}
