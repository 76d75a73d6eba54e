// Package retry provides bounded retry with exponential backoff for
// external collaborator calls.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cati-dispatcher/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns a default retry configuration.
// Pattern: 200ms, 400ms, capped at 2s. Collaborator calls degrade
// quickly rather than blocking a completion.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithExponentialBackoff executes a function with exponential backoff.
// Returns the last error when all attempts fail.
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	logger := logging.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if attempt >= config.MaxAttempts {
			break
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := calculateDelay(config, attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Warn("Operation failed, retrying with exponential backoff")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// WithRetry is a simpler retry function that uses default configuration
func WithRetry(ctx context.Context, fn RetryFunc) error {
	return WithExponentialBackoff(ctx, DefaultRetryConfig(), fn)
}

// calculateDelay calculates the delay for the next retry attempt
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}
