// Package notify delivers human-facing alerts. Notifications are
// best-effort: a delivery failure is logged and never blocks trading.
package notify

import (
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends alerts to a chat. A nil *Telegram is a valid disabled
// notifier, so callers never need to branch on configuration.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram connects the bot. Returns nil (disabled) when the token
// is empty.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	log.Printf("telegram alerts enabled as @%s", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify sends one message, fire and forget.
func (t *Telegram) Notify(msg string) {
	if t == nil || t.bot == nil {
		return
	}
	go func() {
		if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, msg)); err != nil {
			log.Printf("WARN: telegram send: %v", err)
		}
	}()
}
