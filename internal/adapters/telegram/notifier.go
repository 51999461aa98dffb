package telegram

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"helios/pkg/errors"
	"helios/pkg/logger"
)

// Notifier pushes operator alerts (kill switch, degraded tasks, feed
// trouble) to a fixed set of Telegram chats. Outbound only, no polling.
type Notifier struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
	limiter *rate.Limiter
	log     *logger.Logger
}

// Config contains Telegram notifier configuration
type Config struct {
	Token       string
	ChatIDs     []int64
	HTTPTimeout time.Duration
}

// NewNotifier creates a Telegram notifier
func NewNotifier(cfg Config, log *logger.Logger) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "telegram bot token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "at least one telegram chat id is required")
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}

	log = log.With("component", "telegram_notifier")
	log.Infof("Authorized on account %s", api.Self.UserName)

	// Telegram allows ~30 msg/sec; alerts are rare, stay conservative
	return &Notifier{
		api:     api,
		chatIDs: cfg.ChatIDs,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		log:     log,
	}, nil
}

// NotifyKillSwitch alerts that the kill switch flipped on
func (n *Notifier) NotifyKillSwitch(ctx context.Context, reason string, cumulativePnL decimal.Decimal) {
	text := fmt.Sprintf(
		"🛑 *KILL SWITCH ACTIVATED*\n\nReason: %s\nCumulative PnL: `%s`\n\nMutating tasks are halted until manual reset.",
		reason, cumulativePnL.StringFixed(2),
	)
	n.broadcast(ctx, text)
}

// NotifyKillSwitchReset alerts that trading resumed
func (n *Notifier) NotifyKillSwitchReset(ctx context.Context, downFor time.Duration) {
	text := fmt.Sprintf(
		"✅ *Kill switch reset*\n\nTrading resumed after %s.",
		humanize.RelTime(time.Now().Add(-downFor), time.Now(), "", ""),
	)
	n.broadcast(ctx, text)
}

// NotifyTaskDegraded alerts that a task keeps failing
func (n *Notifier) NotifyTaskDegraded(ctx context.Context, task string, consecutiveErrors int) {
	text := fmt.Sprintf(
		"⚠️ *Task degraded*\n\nTask `%s` failed %d times in a row. It stays scheduled but needs attention.",
		task, consecutiveErrors,
	)
	n.broadcast(ctx, text)
}

// NotifyFeedDown alerts that the trigger feed gave up reconnecting
func (n *Notifier) NotifyFeedDown(ctx context.Context, source string, lastEvent time.Time) {
	text := fmt.Sprintf(
		"⚠️ *Trigger feed down*\n\nSource `%s` stopped reconnecting. Last event %s.",
		source, humanize.Time(lastEvent),
	)
	n.broadcast(ctx, text)
}

// broadcast sends the text to every configured chat
func (n *Notifier) broadcast(ctx context.Context, text string) {
	for _, chatID := range n.chatIDs {
		if err := n.limiter.Wait(ctx); err != nil {
			n.log.Warnw("Alert rate limiter wait aborted", "error", err)
			return
		}

		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "Markdown"

		if _, err := n.api.Send(msg); err != nil {
			n.log.Errorw("Failed to send alert", "chat_id", chatID, "error", err)
			continue
		}
		n.log.Debugw("Alert sent", "chat_id", chatID)
	}
}
