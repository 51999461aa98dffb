package ai

import (
	"context"

	"golang.org/x/time/rate"

	"helios/pkg/errors"
)

// Limiter rate limits outbound calls to a single provider
type Limiter struct {
	limiter *rate.Limiter
	name    string
}

// NewLimiter creates a rate limiter allowing reqPerMinute requests per minute.
// reqPerMinute <= 0 means unlimited.
func NewLimiter(name string, reqPerMinute int) *Limiter {
	if reqPerMinute <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1), name: name}
	}

	rps := float64(reqPerMinute) / 60.0

	// Allow burst of 10% of per-minute limit
	burst := reqPerMinute / 10
	if burst < 1 {
		burst = 1
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		name:    name,
	}
}

// Wait blocks until the rate limiter allows the request
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(errors.ErrRateLimitExceeded, "rate limiter %s: %v", l.name, err)
	}
	return nil
}

// Allow checks if a request is allowed without blocking
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
