package safety

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helios/pkg/logger"
)

func newTestLogger() *logger.Logger {
	zapLog, _ := zap.NewDevelopment()
	return &logger.Logger{SugaredLogger: zapLog.Sugar()}
}

func newTestState(maxLoss string) *State {
	return New(Config{MaxCumulativeLoss: decimal.RequireFromString(maxLoss)}, nil, newTestLogger())
}

func TestState_PnLAccumulates(t *testing.T) {
	s := newTestState("1000")

	s.RecordPnL(context.Background(), decimal.RequireFromString("150.25"))
	s.RecordPnL(context.Background(), decimal.RequireFromString("-50.25"))

	snap := s.GetSnapshot()
	assert.True(t, snap.CumulativePnL.Equal(decimal.RequireFromString("100")))
	assert.False(t, snap.KillSwitch)
}

func TestState_TripsAtLossLimit(t *testing.T) {
	s := newTestState("500")

	s.RecordPnL(context.Background(), decimal.RequireFromString("-499.99"))
	assert.False(t, s.KillSwitchActive())

	s.RecordPnL(context.Background(), decimal.RequireFromString("-0.01"))
	assert.True(t, s.KillSwitchActive())

	snap := s.GetSnapshot()
	assert.Contains(t, snap.TripReason, "loss limit")
	assert.False(t, snap.TrippedAt.IsZero())
}

func TestState_ProfitOffsetsLoss(t *testing.T) {
	s := newTestState("500")

	s.RecordPnL(context.Background(), decimal.RequireFromString("400"))
	s.RecordPnL(context.Background(), decimal.RequireFromString("-700"))

	// Net -300, still inside the limit
	assert.False(t, s.KillSwitchActive())
}

func TestState_ManualTripAndReset(t *testing.T) {
	s := newTestState("1000")

	s.Trip(context.Background(), "operator requested halt")
	require.True(t, s.KillSwitchActive())
	assert.Equal(t, "operator requested halt", s.GetSnapshot().TripReason)

	// A second trip must not overwrite the original reason
	s.Trip(context.Background(), "something else")
	assert.Equal(t, "operator requested halt", s.GetSnapshot().TripReason)

	s.Reset(context.Background())
	assert.False(t, s.KillSwitchActive())
	assert.Empty(t, s.GetSnapshot().TripReason)
}

func TestState_ResetKeepsPnL(t *testing.T) {
	s := newTestState("100")

	s.RecordPnL(context.Background(), decimal.RequireFromString("-150"))
	require.True(t, s.KillSwitchActive())

	s.Reset(context.Background())
	snap := s.GetSnapshot()
	assert.True(t, snap.CumulativePnL.Equal(decimal.RequireFromString("-150")))
}

func TestState_OnTripCallback(t *testing.T) {
	s := newTestState("100")

	fired := make(chan string, 1)
	s.SetOnTrip(func(reason string) { fired <- reason })

	s.RecordPnL(context.Background(), decimal.RequireFromString("-200"))

	select {
	case reason := <-fired:
		assert.Contains(t, reason, "loss limit")
	case <-time.After(time.Second):
		t.Fatal("trip callback never fired")
	}
}

func TestState_ZeroLimitNeverTrips(t *testing.T) {
	s := newTestState("0")

	s.RecordPnL(context.Background(), decimal.RequireFromString("-1000000"))
	assert.False(t, s.KillSwitchActive())
}

// fakeRedis is an in-memory stand-in for the persistence surface
type fakeRedis struct {
	values map[string]interface{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]interface{})}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.values[key] = value
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string, dest interface{}) error {
	value, ok := f.values[key]
	if !ok {
		return assert.AnError
	}
	*dest.(*killSwitchRecord) = value.(killSwitchRecord)
	return nil
}

func (f *fakeRedis) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.values[key]
	return ok, nil
}

func (f *fakeRedis) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.values, key)
	}
	return nil
}

func TestState_RestoreRecoversTripReason(t *testing.T) {
	store := newFakeRedis()
	log := newTestLogger()

	first := New(Config{MaxCumulativeLoss: decimal.RequireFromString("1000")}, store, log)
	first.Trip(context.Background(), "flash crash")

	// A fresh process restores the flag and the original reason
	second := New(Config{MaxCumulativeLoss: decimal.RequireFromString("1000")}, store, log)
	second.Restore(context.Background())

	snap := second.GetSnapshot()
	require.True(t, snap.KillSwitch)
	assert.Equal(t, "flash crash", snap.TripReason)
	assert.False(t, snap.TrippedAt.IsZero())
}

func TestState_ResetClearsPersistedFlag(t *testing.T) {
	store := newFakeRedis()
	s := New(Config{MaxCumulativeLoss: decimal.RequireFromString("1000")}, store, newTestLogger())

	s.Trip(context.Background(), "manual halt")
	exists, err := store.Exists(context.Background(), killSwitchKey)
	require.NoError(t, err)
	require.True(t, exists)

	s.Reset(context.Background())
	exists, err = store.Exists(context.Background(), killSwitchKey)
	require.NoError(t, err)
	assert.False(t, exists)

	restored := New(Config{MaxCumulativeLoss: decimal.RequireFromString("1000")}, store, newTestLogger())
	restored.Restore(context.Background())
	assert.False(t, restored.KillSwitchActive())
}
