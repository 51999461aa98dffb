package resilience

import (
	"context"
	"time"

	"helios/pkg/errors"
	"helios/pkg/logger"
	"helios/pkg/reconnect"
)

// RetryPolicy retries a whole operation with jittered exponential backoff.
//
// It sits around the router, not inside it: the router reports
// ErrProvidersExhausted and the policy decides whether to go again. Only
// idempotent operations (inference, data fetches) should be wrapped; order
// placement is never retried here.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	log *logger.Logger
}

// NewRetryPolicy creates a retry policy with defaults filled in
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, log *logger.Logger) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		log:         log,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts
// run out. Only ErrProvidersExhausted is considered retryable.
func (p *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !errors.Is(lastErr, errors.ErrProvidersExhausted) {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		wait := reconnect.CalculateJitter(delay, 0.3)
		p.log.Warnw("All providers exhausted, backing off",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"backoff", wait,
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retry cancelled")
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return errors.Wrapf(lastErr, "giving up after %d attempts", p.MaxAttempts)
}
