package safety

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"helios/internal/metrics"
	"helios/pkg/logger"
)

const killSwitchKey = "killswitch:global"

// RedisClient is the narrow persistence surface the safety state needs.
// Optional: with a nil client the kill switch is process-local only.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// killSwitchRecord is the persisted kill switch payload
type killSwitchRecord struct {
	ActivatedAt time.Time `json:"activated_at"`
	Reason      string    `json:"reason"`
}

// State tracks cumulative realized loss/gain across every agent task and
// owns the global kill switch. It is the single shared-global resource in
// the orchestrator; the lock is held only for the read-check-and-maybe-flip,
// never across a network call.
type State struct {
	mu            sync.Mutex
	cumulativePnL decimal.Decimal
	maxLoss       decimal.Decimal
	killSwitch    bool
	trippedAt     time.Time
	tripReason    string

	redis   RedisClient
	killTTL time.Duration
	onTrip  func(reason string)

	log *logger.Logger
}

// Config configures the safety state
type Config struct {
	MaxCumulativeLoss decimal.Decimal // Kill switch trips when cumulative loss exceeds this
	KillSwitchTTL     time.Duration   // TTL for the persisted kill switch flag
}

// New creates a safety state. redis may be nil.
func New(cfg Config, redis RedisClient, log *logger.Logger) *State {
	if cfg.KillSwitchTTL == 0 {
		cfg.KillSwitchTTL = 24 * time.Hour
	}
	return &State{
		cumulativePnL: decimal.Zero,
		maxLoss:       cfg.MaxCumulativeLoss,
		redis:         redis,
		killTTL:       cfg.KillSwitchTTL,
		log:           log.With("component", "safety"),
	}
}

// SetOnTrip registers a callback invoked (outside the lock) when the kill
// switch flips on. Used to push operator alerts.
func (s *State) SetOnTrip(fn func(reason string)) {
	s.mu.Lock()
	s.onTrip = fn
	s.mu.Unlock()
}

// RecordPnL folds a realized profit (positive) or loss (negative) into the
// cumulative total and trips the kill switch once the loss limit is breached.
func (s *State) RecordPnL(ctx context.Context, delta decimal.Decimal) {
	s.mu.Lock()
	s.cumulativePnL = s.cumulativePnL.Add(delta)
	pnl, _ := s.cumulativePnL.Float64()
	metrics.CumulativePnL.Set(pnl)

	breached := !s.killSwitch &&
		s.maxLoss.IsPositive() &&
		s.cumulativePnL.IsNegative() &&
		s.cumulativePnL.Neg().GreaterThanOrEqual(s.maxLoss)

	var reason string
	var notify func(string)
	if breached {
		reason = "cumulative loss limit exceeded: " + s.cumulativePnL.StringFixed(2)
		s.flip(reason)
		notify = s.onTrip
	}
	s.mu.Unlock()

	if breached {
		s.persist(ctx, reason)
		if notify != nil {
			notify(reason)
		}
	}
}

// Trip manually activates the kill switch
func (s *State) Trip(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.killSwitch {
		s.mu.Unlock()
		return
	}
	s.flip(reason)
	notify := s.onTrip
	s.mu.Unlock()

	s.persist(ctx, reason)
	if notify != nil {
		notify(reason)
	}
}

// Reset manually deactivates the kill switch; the PnL counter is kept
func (s *State) Reset(ctx context.Context) {
	s.mu.Lock()
	s.killSwitch = false
	s.trippedAt = time.Time{}
	s.tripReason = ""
	s.mu.Unlock()

	metrics.KillSwitchActive.Set(0)
	s.log.Infow("Kill switch reset")

	if s.redis != nil {
		if err := s.redis.Delete(ctx, killSwitchKey); err != nil {
			s.log.Errorw("Failed to delete kill switch flag from Redis", "error", err)
		}
	}
}

// KillSwitchActive reports whether mutating tasks must be blocked
func (s *State) KillSwitchActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killSwitch
}

// Restore loads a persisted kill switch flag after a restart
func (s *State) Restore(ctx context.Context) {
	if s.redis == nil {
		return
	}

	active, err := s.redis.Exists(ctx, killSwitchKey)
	if err != nil {
		s.log.Errorw("Failed to check persisted kill switch", "error", err)
		return
	}
	if !active {
		return
	}

	reason := "restored from persisted state"
	var record killSwitchRecord
	if err := s.redis.Get(ctx, killSwitchKey, &record); err != nil {
		s.log.Errorw("Failed to read persisted kill switch record", "error", err)
	} else if record.Reason != "" {
		reason = record.Reason
	}

	s.mu.Lock()
	s.flip(reason)
	if !record.ActivatedAt.IsZero() {
		s.trippedAt = record.ActivatedAt
	}
	s.mu.Unlock()
	s.log.Warnw("Kill switch restored from previous run", "reason", reason)
}

// Snapshot is a point-in-time view for status reporting
type Snapshot struct {
	CumulativePnL decimal.Decimal
	KillSwitch    bool
	TrippedAt     time.Time
	TripReason    string
}

// GetSnapshot returns the current safety state
func (s *State) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CumulativePnL: s.cumulativePnL,
		KillSwitch:    s.killSwitch,
		TrippedAt:     s.trippedAt,
		TripReason:    s.tripReason,
	}
}

// flip turns the kill switch on. Caller holds s.mu.
func (s *State) flip(reason string) {
	s.killSwitch = true
	s.trippedAt = time.Now()
	s.tripReason = reason
	metrics.KillSwitchActive.Set(1)
	s.log.Warnw("Kill switch ACTIVATED", "reason", reason)
}

// persist stores the flag in redis outside the critical section
func (s *State) persist(ctx context.Context, reason string) {
	if s.redis == nil {
		return
	}

	record := killSwitchRecord{ActivatedAt: time.Now(), Reason: reason}
	if err := s.redis.Set(ctx, killSwitchKey, record, s.killTTL); err != nil {
		s.log.Errorw("Failed to persist kill switch flag", "error", err)
	}
}
