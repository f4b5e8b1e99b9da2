// Package retry provides bounded exponential backoff with jitter for
// transient upstream failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config tunes the backoff schedule.
type Config struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

// DefaultConfig is the schedule used by the upstream API clients.
func DefaultConfig() Config {
	return Config{
		Initial:    2 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		Max:        30 * time.Second,
	}
}

// NextDelay computes the delay before the given attempt (0-based). rng must
// be in [0, 1); it is a parameter so tests can pin the jitter.
func (cfg Config) NextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(2 * time.Second)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := cfg.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

// Terminal wraps an error to mark it as not retryable.
type Terminal struct {
	Err error
}

func (t *Terminal) Error() string { return t.Err.Error() }
func (t *Terminal) Unwrap() error { return t.Err }

// IsTerminal reports whether err is marked terminal.
func IsTerminal(err error) bool {
	var t *Terminal
	return errors.As(err, &t)
}

// Do runs fn up to maxAttempts times, sleeping per the schedule between
// attempts. Terminal errors and context cancellation stop the retries
// immediately. The last error is returned on exhaustion.
func Do(ctx context.Context, maxAttempts int, cfg Config, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.NextDelay(attempt-1, rand.Float64())
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsTerminal(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
