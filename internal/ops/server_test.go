package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helios/internal/cache"
	"helios/internal/resilience"
	"helios/internal/safety"
	"helios/internal/scheduler"
	"helios/pkg/logger"
)

func newTestLogger() *logger.Logger {
	zapLog, _ := zap.NewDevelopment()
	return &logger.Logger{SugaredLogger: zapLog.Sugar()}
}

// fakeLocker scripts lock acquisition outcomes
type fakeLocker struct {
	allow    bool
	acquired []string
	released []string
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !f.allow {
		return false, nil
	}
	f.acquired = append(f.acquired, key)
	return true, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key string) error {
	f.released = append(f.released, key)
	return nil
}

// fakeAlerter records reset notifications
type fakeAlerter struct {
	resets []time.Duration
}

func (f *fakeAlerter) NotifyKillSwitchReset(ctx context.Context, downFor time.Duration) {
	f.resets = append(f.resets, downFor)
}

type fixture struct {
	server   *Server
	safety   *safety.State
	breakers *resilience.Registry
	locker   *fakeLocker
	alerter  *fakeAlerter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger()

	safetyState := safety.New(safety.Config{
		MaxCumulativeLoss: decimal.RequireFromString("1000"),
	}, nil, log)
	sched := scheduler.New(scheduler.Config{TickInterval: time.Hour}, safetyState, log)
	require.NoError(t, sched.Register(scheduler.Task{
		Name:     "trader:btcusdt",
		Interval: time.Minute,
		Mutating: true,
		Decide: func(ctx context.Context, trigger scheduler.Trigger) (scheduler.Decision, error) {
			return scheduler.Hold(), nil
		},
	}))

	breakers := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 2}, log)
	locker := &fakeLocker{allow: true}
	alerter := &fakeAlerter{}

	server := NewServer(safetyState, sched, breakers, cache.New(time.Minute, log), locker, alerter, nil, log)
	return &fixture{
		server:   server,
		safety:   safetyState,
		breakers: breakers,
		locker:   locker,
		alerter:  alerter,
	}
}

func do(t *testing.T, handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_StatusReportsState(t *testing.T) {
	f := newFixture(t)
	f.breakers.Get("openai").RecordFailure()
	f.breakers.Get("openai").RecordFailure()

	rec := do(t, f.server.Handler(), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	assert.False(t, status.Safety.KillSwitch)
	require.Len(t, status.Tasks, 1)
	assert.Equal(t, "trader:btcusdt", status.Tasks[0].Name)
	assert.True(t, status.Tasks[0].Mutating)
	require.Len(t, status.Circuits, 1)
	assert.Equal(t, "openai", status.Circuits[0].Provider)
	assert.Equal(t, "open", status.Circuits[0].State)
}

func TestServer_TripThenReset(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.server.Handler(), http.MethodPost, "/killswitch/trip", []byte(`{"reason":"fat finger"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, f.safety.KillSwitchActive())
	assert.Equal(t, "fat finger", f.safety.GetSnapshot().TripReason)

	rec = do(t, f.server.Handler(), http.MethodPost, "/killswitch/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.safety.KillSwitchActive())

	// The reset held the distributed lock and pushed the operator alert
	assert.Equal(t, []string{resetLockKey}, f.locker.acquired)
	assert.Equal(t, []string{resetLockKey}, f.locker.released)
	require.Len(t, f.alerter.resets, 1)
}

func TestServer_ResetRequiresActiveKillSwitch(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.server.Handler(), http.MethodPost, "/killswitch/reset", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.locker.acquired)
}

func TestServer_ResetLockContention(t *testing.T) {
	f := newFixture(t)
	f.locker.allow = false
	f.safety.Trip(context.Background(), "halt")

	rec := do(t, f.server.Handler(), http.MethodPost, "/killswitch/reset", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, f.safety.KillSwitchActive(), "contended reset must not flip the switch")
	assert.Empty(t, f.alerter.resets)
}

func TestServer_KillSwitchCommandsArePostOnly(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.server.Handler(), http.MethodGet, "/killswitch/trip", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.False(t, f.safety.KillSwitchActive())

	rec = do(t, f.server.Handler(), http.MethodGet, "/killswitch/reset", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_HealthzAggregatesChecks(t *testing.T) {
	f := newFixture(t)
	f.server.checks = []HealthCheck{
		{Name: "redis", Check: func(ctx context.Context) error { return nil }},
		{Name: "journal", Check: func(ctx context.Context) error { return assert.AnError }},
	}

	rec := do(t, f.server.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var results map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Equal(t, "ok", results["redis"])
	assert.NotEqual(t, "ok", results["journal"])
}
