// Package backoff provides exponential backoff for retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s

	// Jitter is the fraction of each delay that is randomized, in [0, 1].
	// 0.5 yields delays uniformly spread over [d/2, d].
	Jitter float64
}

// Exponential calculates the backoff for a given attempt without jitter.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay := defaultInitial, defaultMax
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxDelay = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}

// Delay returns the backoff for attempt with the configured jitter applied.
func Delay(attempt int, cfg *Config) time.Duration {
	d := Exponential(attempt, cfg)
	if cfg == nil || cfg.Jitter <= 0 {
		return d
	}
	j := min(cfg.Jitter, 1)
	return d - time.Duration(float64(d)*j*rand.Float64())
}

// Sleep waits for the backoff of attempt or until ctx is done.
func Sleep(ctx context.Context, attempt int, cfg *Config) error {
	timer := time.NewTimer(Delay(attempt, cfg))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
