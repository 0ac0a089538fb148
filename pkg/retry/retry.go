// Package retry runs an operation again after retryable failures with a
// quadratic backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first. Values
	// below 1 mean a single call.
	MaxAttempts int
	// BaseDelay scales the wait: BaseDelay * attempt².
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// ShouldRetry reports whether err is worth another attempt. Nil retries
	// every error.
	ShouldRetry func(err error) bool
	// OnRetry runs after failed attempt n (1-indexed), before the wait.
	OnRetry func(attempt int, err error)
}

// Backoff returns the wait after failed attempt n.
//
//	BaseDelay=50ms: 50ms, 200ms, 450ms, ...
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BaseDelay * time.Duration(attempt*attempt)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c Config) retryable(err error) bool {
	return c.ShouldRetry == nil || c.ShouldRetry(err)
}

// Do calls fn until it succeeds, fails with an error ShouldRetry rejects, or
// MaxAttempts is reached, and returns the last error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := Value(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	attempts := max(cfg.MaxAttempts, 1)

	var (
		zero T
		err  error
	)
	for attempt := 1; ; attempt++ {
		var v T
		if v, err = fn(); err == nil {
			return v, nil
		}
		if attempt >= attempts || !cfg.retryable(err) {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
}
