// Package telegram delivers HTML messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/metrics"
)

// maxRetryAfter caps how long a flood-control reply may hold a send.
const maxRetryAfter = 30 * time.Second

// Throttle admits sends to a chat.
type Throttle interface {
	Wait(ctx context.Context, chatID int64) error
}

// Option customises the bot client.
type Option func(*options)

type options struct {
	endpoint string
	client   *http.Client
}

// WithEndpoint points the client at a different Bot API host. endpoint uses the
// tgbotapi format "https://host/bot%s/%s".
func WithEndpoint(endpoint string, client *http.Client) Option {
	return func(o *options) {
		o.endpoint = endpoint
		if client != nil {
			o.client = client
		}
	}
}

// Bot implements pipeline.Messenger.
type Bot struct {
	api      *tgbotapi.BotAPI
	throttle Throttle
	logger   *zap.Logger
}

// New authenticates the bot token and returns a Bot. throttle may be nil.
func New(token string, throttle Throttle, logger *zap.Logger, opts ...Option) (*Bot, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	o := options{endpoint: tgbotapi.APIEndpoint, client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, o.endpoint, o.client)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{api: api, throttle: throttle, logger: logger}, nil
}

// SendHTML sends text with HTML parse mode. A flood-control reply is honoured
// once before the error is returned.
func (b *Bot) SendHTML(ctx context.Context, chatID int64, text string) error {
	err := b.send(ctx, chatID, text)
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		wait := min(time.Duration(tgErr.RetryAfter)*time.Second, maxRetryAfter)
		b.logger.Warn("telegram flood control", zap.Int64("chat_id", chatID), zap.Duration("retry_after", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("send to chat %d: %w", chatID, ctx.Err())
		case <-timer.C:
		}
		err = b.send(ctx, chatID, text)
	}
	metrics.ObserveDelivery(err)
	if err != nil {
		return fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	return nil
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) error {
	if b.throttle != nil {
		if err := b.throttle.Wait(ctx, chatID); err != nil {
			return err
		}
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return err
	}
	return nil
}
