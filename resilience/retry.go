package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

// RetryConfig configures retry behavior for Retry.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes fn with exponential backoff and jitter, using
// cenkalti/backoff/v5 for the delay schedule instead of a hand-rolled loop.
// ctx cancellation aborts the retry loop immediately.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialDelay
	b.MaxInterval = config.MaxDelay
	b.Multiplier = config.BackoffFactor
	if !config.JitterEnabled {
		b.RandomizationFactor = 0
	}

	var lastErr error
	operation := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(config.MaxAttempts)),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return fmt.Errorf("retry stopped after %d attempt(s): %w: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitOpen
		}

		err := fn()
		if err != nil {
			// As in Execute, an error the breaker's classifier does not
			// count (a stage refusal, say) leaves the failure window alone.
			if cb.config.ErrorClassifier == nil || cb.config.ErrorClassifier(err) {
				cb.RecordFailure()
			}
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}
