// Package ratelimit throttles outbound Telegram sends with token buckets: one
// shared bucket for the bot and one bucket per chat.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/linkedin-signals/internal/metrics"
)

// Limiter manages the global and per-chat send limits.
type Limiter struct {
	mu          sync.Mutex
	global      *rate.Limiter
	chats       map[int64]*rate.Limiter
	chatRate    rate.Limit
	chatBurst   int
	maxTracking int
}

// Config holds rate limiter configuration. Zero rates disable the bucket.
type Config struct {
	GlobalRPS   float64
	GlobalBurst int
	ChatRPS     float64
	ChatBurst   int
}

const maxTrackedChats = 10000

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		global:      rate.NewLimiter(limit(cfg.GlobalRPS), burst(cfg.GlobalBurst)),
		chats:       make(map[int64]*rate.Limiter),
		chatRate:    limit(cfg.ChatRPS),
		chatBurst:   burst(cfg.ChatBurst),
		maxTracking: maxTrackedChats,
	}
}

func limit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func burst(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}

// Wait blocks until both the chat and the global bucket admit a send.
func (l *Limiter) Wait(ctx context.Context, chatID int64) error {
	chat := l.chatLimiter(chatID)

	start := time.Now()
	if err := chat.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay("chat", d)
	}

	start = time.Now()
	if err := l.global.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay("global", d)
	}
	return nil
}

func (l *Limiter) chatLimiter(chatID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.chats[chatID]
	if !ok {
		// A full map is reset; a forgotten chat only regains its burst.
		if len(l.chats) >= l.maxTracking {
			l.chats = make(map[int64]*rate.Limiter)
		}
		limiter = rate.NewLimiter(l.chatRate, l.chatBurst)
		l.chats[chatID] = limiter
	}
	return limiter
}
