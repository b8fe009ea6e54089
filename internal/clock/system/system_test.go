package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "expected %v between %v and %v", got, before, after)
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 15, 3, 59, 0, 0, time.UTC)
	clk := NewFixed(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(time.Minute)
	require.Equal(t, 4, clk.Now().Hour())

	clk.Set(start.Add(-time.Hour))
	require.Equal(t, start.Add(-time.Hour), clk.Now())
}

func TestStartOfDay(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*60*60)
	got := StartOfDay(time.Date(2026, 10, 15, 1, 30, 0, 0, loc))
	require.Equal(t, time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), got)
}
