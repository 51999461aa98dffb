package resilience

import (
	"sync"
	"time"

	"helios/internal/metrics"
	"helios/pkg/errors"
	"helios/pkg/logger"
)

// State is the circuit state for a single provider
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures within Window before opening
	Window           time.Duration // Failure counting window
	Cooldown         time.Duration // Initial open duration before a half-open probe
	MaxCooldown      time.Duration // Cap for the doubling cooldown
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Window == 0 {
		c.Window = 10 * time.Second
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown == 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	return c
}

// Breaker is a per-provider circuit breaker.
//
// Transitions: Closed -> Open (failure threshold breached within window),
// Open -> HalfOpen (cooldown elapsed), HalfOpen -> Closed (probe succeeds),
// HalfOpen -> Open (probe fails, cooldown doubles up to MaxCooldown).
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	windowStart time.Time
	lastFailure time.Time
	openedAt    time.Time
	cooldown    time.Duration
	probing     bool // a half-open probe is outstanding

	log *logger.Logger
}

// NewBreaker creates a circuit breaker for the named provider
func NewBreaker(name string, cfg BreakerConfig, log *logger.Logger) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		log:      log.With("breaker", name),
	}
	metrics.CircuitState.WithLabelValues(name).Set(0)
	return b
}

// Name returns the provider name this breaker guards
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed right now.
//
// Open circuits reject immediately until the cooldown elapses, at which point
// the breaker moves to HalfOpen and admits exactly one probe. Concurrent
// callers during the probe are rejected with ErrProbeInFlight so the
// single-probe rule holds.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return errors.Wrapf(errors.ErrCircuitOpen, "provider %s", b.name)
		}
		b.transition(StateHalfOpen)
		b.probing = true
		b.log.Infow("Circuit half-open, admitting probe", "cooldown_was", b.cooldown)
		return nil

	case StateHalfOpen:
		if b.probing {
			return errors.Wrapf(errors.ErrProbeInFlight, "provider %s", b.name)
		}
		b.probing = true
		return nil

	default:
		return errors.Wrapf(errors.ErrInternal, "unknown circuit state %d", b.state)
	}
}

// ReleaseProbe abandons an outstanding half-open probe without a health
// verdict. The breaker stays HalfOpen and the next Allow admits a fresh
// probe. Needed when an admitted probe never reached the provider, e.g. the
// local rate limiter fired: that says nothing about provider health, but the
// probe slot must not stay claimed forever.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probing {
		b.probing = false
		b.log.Debugw("Half-open probe released without verdict")
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.probing = false
		b.failures = 0
		b.cooldown = b.cfg.Cooldown
		b.transition(StateClosed)
		b.log.Infow("Circuit closed, probe succeeded")
	}
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		// Failures only count within the rolling window
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		b.lastFailure = now

		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(StateOpen)
			b.log.Warnw("Circuit opened",
				"failures", b.failures,
				"window", b.cfg.Window,
				"cooldown", b.cooldown,
			)
		}

	case StateHalfOpen:
		b.probing = false
		b.lastFailure = now
		b.openedAt = now

		// Bounded exponential backoff on repeated probe failures
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.transition(StateOpen)
		b.log.Warnw("Circuit reopened, probe failed", "next_cooldown", b.cooldown)
	}
}

// State returns the current circuit state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Report HalfOpen once the cooldown has elapsed even if no probe has
	// been admitted yet, so status queries reflect reality.
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot contains a point-in-time view of breaker state for status queries
type Snapshot struct {
	Name        string
	State       string
	Failures    int
	LastFailure time.Time
	OpenedAt    time.Time
	Cooldown    time.Duration
}

// GetSnapshot returns the current breaker state for health reporting
func (b *Breaker) GetSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
		Cooldown:    b.cooldown,
	}
}

// transition updates state and the exported gauge. Caller holds b.mu.
func (b *Breaker) transition(next State) {
	b.state = next

	var v float64
	switch next {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.CircuitState.WithLabelValues(b.name).Set(v)
}

// Registry stores breakers per provider name
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
	log      *logger.Logger
}

// NewRegistry creates a breaker registry that stamps out breakers with cfg
func NewRegistry(cfg BreakerConfig, log *logger.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		log:      log,
	}
}

// Get returns the breaker for a provider, creating it on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.cfg, r.log)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every registered breaker
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.GetSnapshot())
	}
	return out
}
