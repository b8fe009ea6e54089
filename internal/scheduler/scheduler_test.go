package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSignaler struct {
	n atomic.Int32
}

func (c *countingSignaler) Continue(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestNewRejectsBadSpec(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "every five minutes", &countingSignaler{}, nil)
	require.Error(t, err)
}

func TestNextIsUTC(t *testing.T) {
	t.Parallel()

	s, err := New(context.Background(), "0 4 * * *", &countingSignaler{}, nil)
	require.NoError(t, err)

	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 10, 15, 5, 0, 0, 0, loc) // 03:00 UTC
	assert.Equal(t, time.Date(2026, 10, 15, 4, 0, 0, 0, time.UTC), s.Next(now))
}

func TestRunTriggersUntilCanceled(t *testing.T) {
	t.Parallel()

	target := &countingSignaler{}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, "@every 1s", target, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return target.n.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
