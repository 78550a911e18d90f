package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config for exponential backoff between retries of a peer request
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64 // Jitter factor (0.0 to 1.0)
}

// DefaultConfig returns default backoff configuration
func DefaultConfig() Config {
	return Config{
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1, // ±10% jitter
	}
}

// New builds a config from base and max delays with the default multiplier
// and jitter. Zero values keep the defaults.
func New(base, max time.Duration) Config {
	cfg := DefaultConfig()
	if base > 0 {
		cfg.BaseDelay = base
	}
	if max > 0 {
		cfg.MaxDelay = max
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return cfg
}

// Calculate computes the backoff delay before retry number attempt
// Formula: min(base * multiplier^(attempt-1), maxDelay) + jitter
func Calculate(cfg Config, attempt uint32) time.Duration {
	if attempt == 0 {
		return 0
	}

	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	// Add jitter (±jitter%)
	if cfg.Jitter > 0 {
		jitterRange := delay * cfg.Jitter
		jitterDelta := (rand.Float64()*2 - 1) * jitterRange // -jitterRange to +jitterRange
		delay += jitterDelta
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Wait sleeps for the delay of attempt or until ctx is done
func Wait(ctx context.Context, cfg Config, attempt uint32) error {
	delay := Calculate(cfg, attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
