package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helios/pkg/errors"
	"helios/pkg/logger"
)

func newTestLogger() *logger.Logger {
	zapLog, _ := zap.NewDevelopment()
	return &logger.Logger{SugaredLogger: zapLog.Sugar()}
}

func newTestBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	return NewBreaker("test-provider", BreakerConfig{
		FailureThreshold: threshold,
		Window:           window,
		Cooldown:         cooldown,
		MaxCooldown:      8 * cooldown,
	}, newTestLogger())
}

func TestBreaker_OpensAtThresholdWithinWindow(t *testing.T) {
	b := newTestBreaker(5, 10*time.Second, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
		require.NoError(t, b.Allow())
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
}

func TestBreaker_WindowExpiryResetsCounter(t *testing.T) {
	b := newTestBreaker(3, 50*time.Millisecond, time.Minute)

	b.RecordFailure()
	b.RecordFailure()

	// Let the window lapse; old failures no longer count
	time.Sleep(80 * time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsClosedCounter(t *testing.T) {
	b := newTestBreaker(3, time.Minute, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker(1, time.Minute, time.Minute)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// Force the cooldown to have elapsed
	b.mu.Lock()
	b.openedAt = time.Now().Add(-2 * time.Minute)
	b.mu.Unlock()

	assert.Equal(t, StateHalfOpen, b.State())

	// First caller becomes the probe
	require.NoError(t, b.Allow())

	// Concurrent caller is rejected while the probe is outstanding
	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProbeInFlight))

	// Probe succeeds: circuit closes, cooldown resets
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_ProbeFailureDoublesCooldown(t *testing.T) {
	b := newTestBreaker(1, time.Minute, 10*time.Second)

	b.RecordFailure()
	b.mu.Lock()
	b.openedAt = time.Now().Add(-time.Minute)
	b.mu.Unlock()

	require.NoError(t, b.Allow()) // probe admitted
	b.RecordFailure()             // probe fails

	snap := b.GetSnapshot()
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 20*time.Second, snap.Cooldown)

	// Second failed probe doubles again
	b.mu.Lock()
	b.openedAt = time.Now().Add(-time.Minute)
	b.mu.Unlock()
	require.NoError(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, 40*time.Second, b.GetSnapshot().Cooldown)
}

func TestBreaker_CooldownCapped(t *testing.T) {
	b := NewBreaker("capped", BreakerConfig{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         10 * time.Second,
		MaxCooldown:      15 * time.Second,
	}, newTestLogger())

	b.RecordFailure()
	b.mu.Lock()
	b.openedAt = time.Now().Add(-time.Minute)
	b.mu.Unlock()
	require.NoError(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, 15*time.Second, b.GetSnapshot().Cooldown)
}

func TestRegistry_CreatesOnFirstUse(t *testing.T) {
	r := NewRegistry(BreakerConfig{FailureThreshold: 2}, newTestLogger())

	b1 := r.Get("p1")
	b2 := r.Get("p1")
	assert.Same(t, b1, b2)

	r.Get("p2")
	assert.Len(t, r.Snapshots(), 2)
}

func TestBreaker_ReleasedProbeAdmitsTheNextCaller(t *testing.T) {
	b := newTestBreaker(1, 10*time.Second, 10*time.Millisecond)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	time.Sleep(15 * time.Millisecond)

	// Probe admitted, then abandoned without reaching the provider
	require.NoError(t, b.Allow())
	b.ReleaseProbe()

	// The probe slot must be free again, not stuck on ErrProbeInFlight
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ReleaseProbeIsNoOpOutsideHalfOpen(t *testing.T) {
	b := newTestBreaker(2, 10*time.Second, 30*time.Second)

	b.ReleaseProbe()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())

	b.RecordFailure()
	b.RecordFailure()
	b.ReleaseProbe()
	assert.Equal(t, StateOpen, b.State())
}
