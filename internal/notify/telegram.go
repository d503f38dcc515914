package notify

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMaxLength is the message limit of the Bot API.
const TelegramMaxLength = 4096

type Telegram struct {
	Bot    *tgbotapi.BotAPI
	ChatID int64
	Pause  time.Duration
}

func NewTelegram(token, chatID string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return newTelegram(bot, chatID)
}

// NewTelegramWithEndpoint talks to a Bot API server other than api.telegram.org.
// The endpoint is a format string such as "http://host/bot%s/%s".
func NewTelegramWithEndpoint(token, chatID, endpoint string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, err
	}
	return newTelegram(bot, chatID)
}

func newTelegram(bot *tgbotapi.BotAPI, chatID string) (*Telegram, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("invalid chat ID: %s", chatID)
	}
	log.Printf("Authorized on account %s", bot.Self.UserName)
	return &Telegram{Bot: bot, ChatID: id, Pause: time.Second}, nil
}

func (tg *Telegram) Name() string { return "telegram" }

func (tg *Telegram) Notify(ctx context.Context, title, body string) error {
	chunks := Chunk(compose(title, body), TelegramMaxLength)
	return sendChunks(ctx, chunks, tg.Pause, tg.send)
}

// send falls back to plain text when the Markdown parser rejects a chunk.
func (tg *Telegram) send(text string) error {
	msg := tgbotapi.NewMessage(tg.ChatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := tg.Bot.Send(msg); err == nil {
		return nil
	}
	msg.ParseMode = ""
	_, err := tg.Bot.Send(msg)
	return err
}
