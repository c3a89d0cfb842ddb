// Package retry implements bounded retries with exponential backoff and
// jitter. The outbox relay uses it for broker publishes; anything wrapped
// in Permanent fails immediately.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Common errors
var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrContextCanceled    = errors.New("context canceled during retry")
)

// Config contains retry configuration
type Config struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries, just initial attempt)
	MaxRetries int
	// InitialInterval is the initial backoff interval (default: 1s)
	InitialInterval time.Duration
	// MaxInterval is the maximum backoff interval (default: 30s)
	MaxInterval time.Duration
	// Multiplier is the factor to multiply the interval by after each retry (default: 2.0)
	Multiplier float64
	// JitterFactor is the random jitter factor (0-1) applied to each interval (default: 0.1)
	JitterFactor float64
}

// DefaultConfig returns default retry configuration.
// Backoff sequence: 1s, 2s, 4s, 8s, 16s, 30s (capped).
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.1,
	}
}

// Operation is the function to be retried
type Operation func(ctx context.Context) error

// PermanentError wraps an error indicating it should NOT be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as permanent (not retryable)
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do executes the operation, retrying failures with exponential backoff
// until it succeeds, the retry budget is exhausted, a PermanentError is
// returned, or the context is canceled.
func Do(ctx context.Context, cfg *Config, op Operation) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return errors.Join(ErrContextCanceled, lastErr)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			return permErr.Err
		}

		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrContextCanceled, lastErr)
		case <-time.After(interval(cfg, attempt)):
		}
	}

	return errors.Join(ErrMaxRetriesExceeded, lastErr)
}

// interval computes the backoff for a given attempt with jitter applied.
func interval(cfg *Config, attempt int) time.Duration {
	ivl := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))

	if cfg.JitterFactor > 0 {
		jitter := ivl * cfg.JitterFactor
		ivl += (rand.Float64()*2 - 1) * jitter
	}

	if ivl > float64(cfg.MaxInterval) {
		ivl = float64(cfg.MaxInterval)
	}
	if ivl < 0 {
		ivl = float64(cfg.InitialInterval)
	}
	return time.Duration(ivl)
}
