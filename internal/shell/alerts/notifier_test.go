package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	sent  []tgbotapi.Chattable
	err   error
	delay time.Duration
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, b.err
}

func TestTelegramNotifier_SendsHTML(t *testing.T) {
	bot := &fakeBot{}
	n := newTelegramNotifier(bot, 123456)

	err := n.Notify(context.Background(), "<b>SERVER DOWN</b>")
	require.NoError(t, err)
	require.Len(t, bot.sent, 1)

	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(123456), msg.ChatID)
	assert.Equal(t, "<b>SERVER DOWN</b>", msg.Text)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.True(t, msg.DisableWebPagePreview)
	assert.Equal(t, "telegram", n.Name())
}

func TestTelegramNotifier_SendError(t *testing.T) {
	bot := &fakeBot{err: errors.New("Bad Request: chat not found")}
	n := newTelegramNotifier(bot, 1)

	err := n.Notify(context.Background(), "hello")
	assert.ErrorContains(t, err, "chat not found")
}

func TestTelegramNotifier_ContextDeadline(t *testing.T) {
	bot := &fakeBot{delay: 200 * time.Millisecond}
	n := newTelegramNotifier(bot, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := n.Notify(ctx, "hello")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewTelegramNotifier_RequiresCredentials(t *testing.T) {
	_, err := NewTelegramNotifier("", 42)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewTelegramNotifier("123:abc", 0)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
