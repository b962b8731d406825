package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Telegram pushes critical and high alerts to the operator chat. Optional:
// nil when no token is configured. Failures are swallowed.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("Telegram notifier ready")
	return &Telegram{api: api, chatID: chatID}, nil
}

// Notify sends critical/high alerts; lower priorities are dropped here —
// email and webhooks carry them.
func (t *Telegram) Notify(prio Priority, event, text string) {
	if t == nil {
		return
	}
	if prio != PriorityCritical && prio != PriorityHigh {
		return
	}
	prefix := "⚠️"
	if prio == PriorityCritical {
		prefix = "🚨"
	}
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("%s %s\n%s", prefix, event, text))
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("Telegram send failed")
	}
}
