package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPerChat(t *testing.T) {
	// 10 RPS per chat = 100ms interval, burst 1.
	l := New(Config{ChatRPS: 10, ChatBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 1))

	// A different chat has its own bucket.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, 2))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	// The same chat waits for its next token.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, 1))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterWaitGlobal(t *testing.T) {
	l := New(Config{GlobalRPS: 10, GlobalBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 1))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, 2))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterWaitContextCanceled(t *testing.T) {
	l := New(Config{ChatRPS: 0.1, ChatBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.Wait(ctx, 7))
	cancel()
	require.Error(t, l.Wait(ctx, 7))
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	l := New(Config{})
	start := time.Now()
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), 42))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterResetsWhenTrackingIsFull(t *testing.T) {
	l := New(Config{ChatRPS: 1})
	l.maxTracking = 2
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, 1))
	require.NoError(t, l.Wait(ctx, 2))
	require.NoError(t, l.Wait(ctx, 3))
	require.Len(t, l.chats, 1)
}
