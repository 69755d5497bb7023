package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrNotConfigured is returned when Telegram credentials are missing.
var ErrNotConfigured = errors.New("telegram bot token and chat id are required")

// Notifier delivers rendered alert messages.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, text string) error
}

// =============================================================================
// Telegram
// =============================================================================

// botAPI is the subset of *tgbotapi.BotAPI used for delivery.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends HTML messages to a single chat.
type TelegramNotifier struct {
	bot    botAPI
	chatID int64
}

// NewTelegramNotifier authenticates the bot and returns a notifier for chatID.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, ErrNotConfigured
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegramNotifier(bot, chatID), nil
}

func newTelegramNotifier(bot botAPI, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatID: chatID}
}

// Name implements Notifier.
func (n *TelegramNotifier) Name() string {
	return "telegram"
}

// Notify sends text with HTML parse mode. The bot library has no context
// support, so a cancelled ctx abandons the in-flight request.
func (n *TelegramNotifier) Notify(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := n.bot.Send(msg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Log
// =============================================================================

// LogNotifier writes alerts to the log. It is used when no delivery channel
// is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "alerts")}
}

// Name implements Notifier.
func (n *LogNotifier) Name() string {
	return "log"
}

// Notify logs text at warn level.
func (n *LogNotifier) Notify(ctx context.Context, text string) error {
	n.logger.Warn("alert (no delivery channel configured)", "message", text)
	return nil
}
