// Package notifier pushes delivery results to the buyer's chat.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"fulfillment-service/internal/util"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// maxMessageLen is the chat API's limit for one text message
const maxMessageLen = 4096

// Attachment is sent as a document
type Attachment struct {
	Name    string
	Content []byte
}

// Button is an inline action under a message. Data is echoed back to the
// bot when pressed.
type Button struct {
	Text string
	Data string
}

// Notifier delivers text, files and actions to a user
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string, files []Attachment) error
	NotifyWithButtons(ctx context.Context, userID int64, text string, buttons []Button) error
}

// sender is the part of tgbotapi.BotAPI the notifier uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends through the Telegram Bot API. The user id is the chat id.
type TelegramNotifier struct {
	bot    sender
	logger *zap.Logger
}

// NewTelegramNotifier creates a notifier from a bot token
func NewTelegramNotifier(token string) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegramNotifier(bot), nil
}

func newTelegramNotifier(bot sender) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, logger: util.GetLogger()}
}

// Notify sends text split into chunks the API accepts, then each file
func (n *TelegramNotifier) Notify(ctx context.Context, userID int64, text string, files []Attachment) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := n.bot.Send(tgbotapi.NewMessage(userID, chunk)); err != nil {
			return fmt.Errorf("failed to send message to %d: %w", userID, err)
		}
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := tgbotapi.NewDocument(userID, tgbotapi.FileBytes{Name: f.Name, Bytes: f.Content})
		if _, err := n.bot.Send(doc); err != nil {
			return fmt.Errorf("failed to send document %s to %d: %w", f.Name, userID, err)
		}
	}
	return nil
}

// NotifyWithButtons sends one message with an inline keyboard, one button per row
func (n *TelegramNotifier) NotifyWithButtons(ctx context.Context, userID int64, text string, buttons []Button) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(userID, truncateMessage(text, maxMessageLen))
	if len(buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for _, b := range buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data)))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}

	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send message to %d: %w", userID, err)
	}
	return nil
}

// LogNotifier only logs. It is used when no bot token is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a new log notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger()}
}

func (n *LogNotifier) Notify(_ context.Context, userID int64, text string, files []Attachment) error {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	n.logger.Info("Notification",
		zap.Int64("user_id", userID),
		zap.Int("text_len", len(text)),
		zap.Strings("files", names))
	return nil
}

func (n *LogNotifier) NotifyWithButtons(_ context.Context, userID int64, text string, buttons []Button) error {
	n.logger.Info("Notification with buttons",
		zap.Int64("user_id", userID),
		zap.Int("text_len", len(text)),
		zap.Int("buttons", len(buttons)))
	return nil
}

// splitMessage cuts text into pieces of at most limit bytes, preferring line
// breaks and never splitting a rune
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func truncateMessage(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
