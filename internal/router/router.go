package router

import (
	"context"
	"time"

	"helios/internal/adapters/ai"
	"helios/internal/metrics"
	"helios/internal/resilience"
	"helios/pkg/errors"
	"helios/pkg/logger"
)

// Router tries providers in priority order and returns the first healthy
// response. Providers with an open circuit are skipped without a network
// call; every attempt reports its outcome to that provider's breaker.
//
// The order is fixed per call: always highest priority first, never sticky
// to the last success, so a recovered provider resumes use as soon as its
// circuit closes. Fallback only happens between whole responses; adapters
// never surface partial results, so no hybrid answer can be produced.
type Router struct {
	providers []ai.Provider
	breakers  *resilience.Registry
	timeout   time.Duration
	log       *logger.Logger
}

// New creates a router over providers listed highest-priority first
func New(providers []ai.Provider, breakers *resilience.Registry, perCallTimeout time.Duration, log *logger.Logger) *Router {
	if perCallTimeout == 0 {
		perCallTimeout = 60 * time.Second
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
		timeout:   perCallTimeout,
		log:       log.With("component", "router"),
	}
}

// Infer returns a response from the first healthy provider in priority order.
// When every provider is open or failed it returns ErrProvidersExhausted;
// the caller decides whether to retry (see resilience.RetryPolicy).
func (r *Router) Infer(ctx context.Context, req ai.Request) (*ai.Response, error) {
	if len(r.providers) == 0 {
		return nil, errors.Wrap(errors.ErrProvidersExhausted, "no providers registered")
	}

	var attempted int
	for _, provider := range r.providers {
		name := provider.Name()
		breaker := r.breakers.Get(name)

		if err := breaker.Allow(); err != nil {
			metrics.ProviderAttempts.WithLabelValues(name, "skipped_open").Inc()
			r.log.Debugw("Skipping provider, circuit not closed", "provider", name, "reason", err)
			continue
		}

		attempted++
		start := time.Now()

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		resp, err := provider.Complete(callCtx, req)
		cancel()

		metrics.ProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if err != nil {
			if errors.Is(err, errors.ErrRateLimitExceeded) {
				// Local throttle, not provider health: no circuit accounting.
				// If this call held the half-open probe slot, hand it back so
				// the provider is not shed forever.
				breaker.ReleaseProbe()
				metrics.ProviderAttempts.WithLabelValues(name, "rate_limited").Inc()
				r.log.Warnw("Provider rate limited, trying next", "provider", name)
				continue
			}

			breaker.RecordFailure()
			metrics.ProviderAttempts.WithLabelValues(name, "error").Inc()
			r.log.Warnw("Provider call failed, falling back",
				"provider", name,
				"error", err,
				"duration", time.Since(start),
			)

			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "infer cancelled")
			}
			continue
		}

		breaker.RecordSuccess()
		metrics.ProviderAttempts.WithLabelValues(name, "success").Inc()
		metrics.ProviderTokens.WithLabelValues(name, "input").Add(float64(resp.Usage.InputTokens))
		metrics.ProviderTokens.WithLabelValues(name, "output").Add(float64(resp.Usage.OutputTokens))

		r.log.Debugw("Inference completed",
			"provider", name,
			"model", resp.Model,
			"tokens", resp.Usage.TotalTokens(),
			"duration", time.Since(start),
		)
		return resp, nil
	}

	return nil, errors.Wrapf(errors.ErrProvidersExhausted,
		"%d/%d providers attempted", attempted, len(r.providers))
}

// Providers returns the configured priority order (for status queries)
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}
