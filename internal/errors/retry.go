package errors

import (
	"context"
	"fmt"
	"time"

	"bbsfleet/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int                                 // retries after the first attempt (default: 3)
	Backoff     func(attempt int, err error) time.Duration // delay before retry n (0-based)
}

// DefaultRetryConfig returns the policy used for LLM traffic: up to three
// retries, attempt×5s after a 429, a flat 2s for other transient failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     LLMBackoff,
	}
}

// LLMBackoff implements the rate-limit-aware delay schedule.
func LLMBackoff(attempt int, err error) time.Duration {
	if StatusCode(err) == 429 {
		if after := RetryAfter(err); after > 0 {
			return time.Duration(after) * time.Second
		}
		return time.Duration(attempt+1) * 5 * time.Second
	}
	return 2 * time.Second
}

// RetryWithResult executes fn with retry logic, stopping on permanent errors
// or context cancellation.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	backoff := config.Backoff
	if backoff == nil {
		backoff = LLMBackoff
	}

	var lastErr error
	var zero T

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded on attempt %d", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("attempt %d/%d failed: %v", attempt+1, config.MaxAttempts+1, err)

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoff(attempt, err)
		logger.Debug("waiting %v before retry", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Retry executes fn with retry logic and no result value.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error, logger logging.Logger) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}
