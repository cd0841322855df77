package governance

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines reconnect delays.
type BackoffConfig struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial"`
	// Max caps the delay between attempts.
	Max time.Duration `yaml:"max"`
	// Multiplier is the factor by which the delay grows.
	Multiplier float64 `yaml:"multiplier"`
	// Jitter adds up to 25% random delay.
	Jitter bool `yaml:"jitter"`
}

// DefaultBackoffConfig returns the agent reconnect defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Backoff computes delays for successive attempts.
type Backoff struct {
	config BackoffConfig
}

// NewBackoff fills zero fields from the defaults.
func NewBackoff(config BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if config.Initial <= 0 {
		config.Initial = def.Initial
	}
	if config.Max <= 0 {
		config.Max = def.Max
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	return &Backoff{config: config}
}

// Delay returns the wait before attempt+1. attempt counts from zero.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(attempt)))
	if delay > b.config.Max || delay <= 0 {
		delay = b.config.Max
	}

	if b.config.Jitter && delay >= 4 {
		// #nosec G404 - jitter does not need a cryptographic source
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
	}
	return delay
}

// Retry calls fn until it succeeds, ctx ends, or stop reports the error as
// terminal. A nil stop retries every error. The attempt counter resets
// whenever fn reports progress through the reset callback.
func (b *Backoff) Retry(ctx context.Context, fn func(ctx context.Context, reset func()) error, stop func(error) bool) error {
	attempt := 0
	for {
		err := fn(ctx, func() { attempt = 0 })
		if err == nil {
			return nil
		}
		if stop != nil && stop(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}
