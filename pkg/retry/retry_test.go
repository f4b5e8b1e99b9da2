package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelaySchedule(t *testing.T) {
	cfg := Config{Initial: 2 * time.Second, Multiplier: 2, Jitter: 0, Max: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.NextDelay(tt.attempt, 0.5))
		})
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	cfg := Config{Initial: 10 * time.Second, Multiplier: 2, Jitter: 0.2, Max: time.Minute}

	low := cfg.NextDelay(0, 0)    // rng 0 pulls the full negative jitter
	high := cfg.NextDelay(0, 0.999999)

	assert.Equal(t, 8*time.Second, low)
	assert.InDelta(t, float64(12*time.Second), float64(high), float64(50*time.Millisecond))
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{Initial: time.Millisecond, Multiplier: 2, Jitter: 0, Max: 5 * time.Millisecond}

	calls := 0
	err := Do(context.Background(), 3, cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnTerminal(t *testing.T) {
	cfg := Config{Initial: time.Millisecond, Multiplier: 2, Jitter: 0, Max: 5 * time.Millisecond}

	calls := 0
	err := Do(context.Background(), 5, cfg, func() error {
		calls++
		return &Terminal{Err: errors.New("bad request")}
	})

	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, 1, calls, "terminal errors must not be retried")
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{Initial: time.Millisecond, Multiplier: 2, Jitter: 0, Max: 5 * time.Millisecond}

	calls := 0
	sentinel := errors.New("still down")
	err := Do(context.Background(), 3, cfg, func() error {
		calls++
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	cfg := Config{Initial: time.Hour, Multiplier: 2, Jitter: 0, Max: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 5, cfg, func() error {
		calls++
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation during backoff must stop further attempts")
}

func TestTerminalUnwrap(t *testing.T) {
	inner := errors.New("inner")
	wrapped := fmt.Errorf("outer: %w", &Terminal{Err: inner})

	assert.True(t, IsTerminal(wrapped))
	assert.ErrorIs(t, wrapped, inner)
	assert.False(t, IsTerminal(errors.New("plain")))
}
