package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"helios/internal/cache"
	"helios/internal/resilience"
	"helios/internal/safety"
	"helios/internal/scheduler"
	"helios/pkg/logger"
)

const resetLockKey = "killswitch:reset"

// Locker serializes operator commands across replicas; satisfied by the
// redis client. Optional: with a nil locker, commands are process-local.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Alerter pushes operator notifications; satisfied by the Telegram notifier
type Alerter interface {
	NotifyKillSwitchReset(ctx context.Context, downFor time.Duration)
}

// HealthCheck is a named dependency probe run by /healthz
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server exposes the operator surface: status queries, dependency health
// and manual kill switch control.
type Server struct {
	safety   *safety.State
	sched    *scheduler.Scheduler
	breakers *resilience.Registry
	cache    *cache.Cache
	locker   Locker
	alerts   Alerter
	checks   []HealthCheck

	log *logger.Logger
}

// NewServer creates the admin server. locker and alerts may be nil.
func NewServer(
	safetyState *safety.State,
	sched *scheduler.Scheduler,
	breakers *resilience.Registry,
	decisionCache *cache.Cache,
	locker Locker,
	alerts Alerter,
	checks []HealthCheck,
	log *logger.Logger,
) *Server {
	return &Server{
		safety:   safetyState,
		sched:    sched,
		breakers: breakers,
		cache:    decisionCache,
		locker:   locker,
		alerts:   alerts,
		checks:   checks,
		log:      log.With("component", "ops"),
	}
}

// Handler returns the admin route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/killswitch/trip", s.handleTrip)
	mux.HandleFunc("/killswitch/reset", s.handleReset)
	return mux
}

// Serve starts the admin HTTP server
func (s *Server) Serve(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	results := make(map[string]string, len(s.checks))
	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			healthy = false
			results[check.Name] = err.Error()
			continue
		}
		results[check.Name] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, results)
}

type safetyStatus struct {
	CumulativePnL decimal.Decimal `json:"cumulative_pnl"`
	KillSwitch    bool            `json:"kill_switch"`
	TrippedAt     *time.Time      `json:"tripped_at,omitempty"`
	TripReason    string          `json:"trip_reason,omitempty"`
}

type taskStatus struct {
	Name              string `json:"name"`
	Mutating          bool   `json:"mutating"`
	Running           bool   `json:"running"`
	Degraded          bool   `json:"degraded"`
	LastRun           string `json:"last_run,omitempty"`
	LastOutcome       string `json:"last_outcome,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
}

type circuitStatus struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

type statusResponse struct {
	Safety   safetyStatus    `json:"safety"`
	Tasks    []taskStatus    `json:"tasks"`
	Circuits []circuitStatus `json:"circuits"`
	Cache    cache.Stats     `json:"cache"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.safety.GetSnapshot()
	status := statusResponse{
		Safety: safetyStatus{
			CumulativePnL: snap.CumulativePnL,
			KillSwitch:    snap.KillSwitch,
			TripReason:    snap.TripReason,
		},
		Cache: s.cache.GetStats(),
	}
	if !snap.TrippedAt.IsZero() {
		trippedAt := snap.TrippedAt
		status.Safety.TrippedAt = &trippedAt
	}

	for _, task := range s.sched.GetSnapshots() {
		ts := taskStatus{
			Name:              task.Name,
			Mutating:          task.Mutating,
			Running:           task.Running,
			Degraded:          task.Degraded,
			LastOutcome:       string(task.LastOutcome),
			ConsecutiveErrors: task.ConsecutiveErrors,
		}
		if !task.LastRun.IsZero() {
			ts.LastRun = task.LastRun.Format(time.RFC3339)
		}
		status.Tasks = append(status.Tasks, ts)
	}

	for _, b := range s.breakers.Snapshots() {
		status.Circuits = append(status.Circuits, circuitStatus{
			Provider: b.Name,
			State:    b.State,
			Failures: b.Failures,
		})
	}

	writeJSON(w, http.StatusOK, status)
}

type tripRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req tripRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual trip via admin API"
	}

	s.safety.Trip(r.Context(), req.Reason)
	s.log.Warnw("Kill switch tripped via admin API", "reason", req.Reason)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kill_switch": true,
		"reason":      req.Reason,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	snap := s.safety.GetSnapshot()
	if !snap.KillSwitch {
		writeError(w, http.StatusConflict, "kill switch is not active")
		return
	}

	// One operator reset at a time across replicas
	if s.locker != nil {
		acquired, err := s.locker.AcquireLock(r.Context(), resetLockKey, 10*time.Second)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "reset lock: "+err.Error())
			return
		}
		if !acquired {
			writeError(w, http.StatusConflict, "a reset is already in progress")
			return
		}
		defer func() {
			if err := s.locker.ReleaseLock(r.Context(), resetLockKey); err != nil {
				s.log.Warnw("Failed to release reset lock", "error", err)
			}
		}()
	}

	downFor := time.Duration(0)
	if !snap.TrippedAt.IsZero() {
		downFor = time.Since(snap.TrippedAt)
	}

	s.safety.Reset(r.Context())
	s.log.Warnw("Kill switch reset via admin API", "down_for", downFor)

	if s.alerts != nil {
		s.alerts.NotifyKillSwitchReset(r.Context(), downFor)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kill_switch":  false,
		"down_for":     downFor.String(),
		"previous_pnl": snap.CumulativePnL,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
