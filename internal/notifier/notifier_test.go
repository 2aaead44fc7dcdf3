package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifierNotify(t *testing.T) {
	bot := &fakeSender{}
	n := newTelegramNotifier(bot)

	err := n.Notify(context.Background(), 42, "KEY-1\n\nKEY-2", []Attachment{{Name: "key.txt", Content: []byte("secret")}})
	require.NoError(t, err)
	require.Len(t, bot.sent, 2)

	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, "KEY-1\n\nKEY-2", msg.Text)

	doc, ok := bot.sent[1].(tgbotapi.DocumentConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), doc.ChatID)
	file, ok := doc.File.(tgbotapi.FileBytes)
	require.True(t, ok)
	assert.Equal(t, "key.txt", file.Name)
}

func TestTelegramNotifierButtons(t *testing.T) {
	bot := &fakeSender{}
	n := newTelegramNotifier(bot)

	err := n.NotifyWithButtons(context.Background(), 7, "Code: 1234", []Button{
		{Text: "Another code", Data: "lease:1:retry"},
		{Text: "Done", Data: "lease:1:complete"},
	})
	require.NoError(t, err)
	require.Len(t, bot.sent, 1)

	msg := bot.sent[0].(tgbotapi.MessageConfig)
	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, "lease:1:retry", *markup.InlineKeyboard[0][0].CallbackData)
}

func TestTelegramNotifierError(t *testing.T) {
	n := newTelegramNotifier(&fakeSender{err: errors.New("forbidden: bot was blocked by the user")})
	err := n.Notify(context.Background(), 1, "hi", nil)
	assert.Error(t, err)
}

func TestTelegramNotifierCancelledContext(t *testing.T) {
	bot := &fakeSender{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTelegramNotifier(bot).Notify(ctx, 1, "hi", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, bot.sent)
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"aaaa", "bbbb"}, splitMessage("aaaa\nbbbb", 6))
	assert.Equal(t, []string{"abcdef", "gh"}, splitMessage("abcdefgh", 6))

	// a multi-byte rune is never cut in half
	chunks := splitMessage(strings.Repeat("é", 5), 5)
	for _, c := range chunks {
		assert.True(t, len(c) <= 5)
		assert.Equal(t, 0, len(c)%2)
	}
	assert.Equal(t, strings.Repeat("é", 5), strings.Join(chunks, ""))
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier()
	assert.NoError(t, n.Notify(context.Background(), 1, "hi", []Attachment{{Name: "a"}}))
	assert.NoError(t, n.NotifyWithButtons(context.Background(), 1, "hi", nil))
}
