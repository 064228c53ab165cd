package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	// Defaults to 5 if zero.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure. It doubles on each
	// further failure up to MaxBackoff. Defaults to 1s if zero.
	InitialBackoff time.Duration

	// MaxBackoff is the upper limit on the backoff duration. Defaults to 30s
	// if zero.
	MaxBackoff time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Retry runs op until it succeeds, op returns an error retryable rejects,
// the attempt budget is exhausted, or ctx is cancelled. A nil retryable
// retries every error. The last error is returned wrapped, so callers can
// still match it with errors.Is / errors.As.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error, retryable func(error) bool) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, retryable)
	return err
}

// RetryWithResult is [Retry] for operations that produce a value. This is a
// package-level function because Go does not support method-level type
// parameters.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error), retryable func(error) bool) (T, error) {
	cfg = cfg.withDefaults()

	var (
		zero    T
		lastErr error
	)
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, fmt.Errorf("retry: non-retryable error on attempt %d: %w", attempt, err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("attempt failed, backing off",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return zero, fmt.Errorf("retry: gave up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
