package resilience

import (
	"context"
	"math/rand"
	"time"
)

// Retry executes the function with automatic retries and backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn Executor) error {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return err != nil }
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; cfg.MaxAttempts <= 0 || attempt < cfg.MaxAttempts; attempt++ {
		// Check context before each attempt
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !cfg.RetryIf(err) {
			return err
		}

		// Don't sleep after the last attempt
		if cfg.MaxAttempts > 0 && attempt == cfg.MaxAttempts-1 {
			break
		}

		// Calculate backoff with jitter
		jitter := 1.0
		if cfg.Jitter > 0 {
			jitter = 1.0 + (rand.Float64()*2-1)*cfg.Jitter
		}
		sleepDuration := time.Duration(float64(backoff) * jitter)

		// Sleep with context cancellation support
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}

// WithTimeout wraps a function with a timeout.
func WithTimeout(timeout time.Duration, fn Executor) Executor {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(ctx)
	}
}
