package notify

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel sends escalation messages to a single chat. Send-only:
// the bot never polls for updates.
type TelegramChannel struct {
	token    string
	chatID   int64
	endpoint string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram channel. The bot API client is
// initialized lazily on first send so a daemon with an unreachable
// Telegram endpoint still starts; a failed init is retried on the next
// send.
func NewTelegramChannel(token string, chatID int64) *TelegramChannel {
	return &TelegramChannel{token: token, chatID: chatID}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// client returns the bot API, initializing it under the lock. Send runs
// from multiple dispatcher workers, so the nil check and assignment must
// not race.
func (t *TelegramChannel) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	endpoint := t.endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, endpoint)
	if err != nil {
		return nil, err
	}
	t.bot = bot
	return bot, nil
}

func (t *TelegramChannel) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	bot, err := t.client()
	if err != nil {
		return TransientFailure, fmt.Errorf("telegram init failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return TransientFailure, err
	}

	text := fmt.Sprintf("%s pipeline %s (%s) escalated to tier %d\ntrigger: %s\ncase: %s",
		tierLabel(msg.Tier), msg.PipelineID, msg.DedupKey, msg.Tier, msg.TriggerKind, msg.CaseID)
	m := tgbotapi.NewMessage(t.chatID, text)
	if _, err := bot.Send(m); err != nil {
		return TransientFailure, fmt.Errorf("telegram send: %w", err)
	}
	return Delivered, nil
}
