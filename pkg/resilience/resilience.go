// Package resilience provides retry patterns for calls to the Platform.
//
// This package includes:
//   - Retry: Automatic retries with backoff
//   - FixedDelay: retry forever with a constant pause between attempts
package resilience

import (
	"context"
	"time"
)

// Executor represents something that can be executed with retry protection.
type Executor func(ctx context.Context) error

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Zero or negative means retry without an attempt limit.
	MaxAttempts int

	// InitialBackoff is the backoff duration for the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// Multiplier increases the backoff between retries. 1.0 keeps it fixed.
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd.
	Jitter float64

	// RetryIf determines if an error should be retried.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		RetryIf:        func(err error) bool { return err != nil },
	}
}

// FixedDelay returns a configuration that retries forever with a constant
// pause between attempts.
func FixedDelay(delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:    0,
		InitialBackoff: delay,
		MaxBackoff:     delay,
		Multiplier:     1.0,
		RetryIf:        func(err error) bool { return err != nil },
	}
}
