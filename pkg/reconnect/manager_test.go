package reconnect

import (
	"context"
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

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{}, newTestLogger())

	assert.Equal(t, 1*time.Second, m.minBackoff)
	assert.Equal(t, 5*time.Minute, m.maxBackoff)
	assert.Equal(t, 2.0, m.backoffMultiplier)
	assert.Equal(t, 10, m.maxRetries)
	assert.Equal(t, 60*time.Second, m.heartbeatTimeout)
	assert.Equal(t, 5*time.Minute, m.circuitResetAfter)
	assert.Equal(t, 1*time.Second, m.currentBackoff)
	assert.False(t, m.circuitOpen)
}

func TestManager_BackoffGrowsAndCaps(t *testing.T) {
	m := NewManager(Config{
		MinBackoff:        1 * time.Second,
		MaxBackoff:        4 * time.Second,
		BackoffMultiplier: 2.0,
		MaxRetries:        10,
	}, newTestLogger())

	m.RecordFailure()
	assert.Equal(t, 2*time.Second, m.GetBackoff())

	m.RecordFailure()
	assert.Equal(t, 4*time.Second, m.GetBackoff())

	// Capped at max
	m.RecordFailure()
	assert.Equal(t, 4*time.Second, m.GetBackoff())

	m.RecordSuccess()
	assert.Equal(t, 1*time.Second, m.GetBackoff())
}

func TestManager_CircuitOpensAfterMaxRetries(t *testing.T) {
	m := NewManager(Config{MaxRetries: 3}, newTestLogger())

	for i := 0; i < 3; i++ {
		assert.True(t, m.ShouldRetry())
		m.RecordFailure()
	}

	stats := m.GetStats()
	assert.True(t, stats.CircuitOpen)
	assert.False(t, m.ShouldRetry())
	assert.False(t, m.IsHealthy())

	// Success closes the circuit
	m.RecordSuccess()
	stats = m.GetStats()
	assert.False(t, stats.CircuitOpen)
	assert.True(t, m.ShouldRetry())
}

func TestManager_HeartbeatTimeout(t *testing.T) {
	m := NewManager(Config{HeartbeatTimeout: 1 * time.Second}, newTestLogger())

	// No events yet: healthy
	assert.True(t, m.IsHealthy())

	m.RecordEventReceived()
	assert.True(t, m.IsHealthy())

	// Simulate a stale feed
	m.lastEventTime.Store(time.Now().Add(-2 * time.Second).Unix())
	assert.False(t, m.IsHealthy())
}

func TestManager_ReconnectWithBackoff(t *testing.T) {
	m := NewManager(Config{
		MinBackoff: 1 * time.Millisecond,
		MaxRetries: 2,
	}, newTestLogger())

	attempts := 0
	fail := func(ctx context.Context) error {
		attempts++
		return errors.New("dial refused")
	}

	require.Error(t, m.ReconnectWithBackoff(context.Background(), fail))
	require.Error(t, m.ReconnectWithBackoff(context.Background(), fail))
	assert.Equal(t, 2, attempts)

	// Circuit now open: function must not be called again
	err := m.ReconnectWithBackoff(context.Background(), fail)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFeedReconnectFailed))
	assert.Equal(t, 2, attempts)
}

func TestCalculateJitter(t *testing.T) {
	base := 100 * time.Millisecond

	for i := 0; i < 20; i++ {
		d := CalculateJitter(base, 0.5)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+50*time.Millisecond)
	}

	// Out-of-range jitter leaves the duration untouched
	assert.Equal(t, base, CalculateJitter(base, 0))
	assert.Equal(t, base, CalculateJitter(base, 1.5))
}
