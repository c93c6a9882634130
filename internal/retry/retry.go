// Package retry retries an operation with exponential backoff.
//
// The persistence sinks use it to ride out transient write failures such as
// DuckDB transaction conflicts between concurrent inserts:
//
//	err := retry.Do(ctx, retry.StoreConfig(), func() error {
//	    _, err := db.ExecContext(ctx, query, args...)
//	    return err
//	}, isTransactionConflict)
//
// The backoff before attempt n (n >= 1, zero-based) is InitialBackoff * 2^(n-1),
// capped at MaxBackoff, plus a jitter share that grows with the attempt number.
// Cancelling the context aborts the wait and returns the context error.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the total number of attempts, including the first one.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter is the fraction (0.0 to 1.0) of the backoff added on the last attempt.
	// Earlier attempts get a proportionally smaller share.
	Jitter float64
}

// StoreConfig is the policy used for record inserts.
func StoreConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		Jitter:         0.1,
	}
}

// ShouldRetryFunc reports whether err is transient.
// A nil ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. Exhaustion wraps the last error.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

// backoff computes the wait before the given attempt.
func backoff(cfg Config, attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt-1)) * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
		wait = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 && cfg.MaxRetries > 0 {
		wait += time.Duration(float64(wait) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries))
	}

	return wait
}
