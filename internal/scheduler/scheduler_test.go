package scheduler

import (
	"context"
	"sync/atomic"
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

type fakeGate struct {
	active atomic.Bool
}

func (g *fakeGate) KillSwitchActive() bool { return g.active.Load() }

// newStartedScheduler returns a scheduler whose internal tick loop is parked
// far in the future so tests can drive Tick and OnEvent directly.
func newStartedScheduler(t *testing.T, gate SafetyGate) *Scheduler {
	t.Helper()
	s := New(Config{TickInterval: time.Hour, DegradedAfter: 3}, gate, newTestLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(5 * time.Second) })
	return s
}

func holdTask(name string, interval time.Duration, ran chan<- Trigger) Task {
	return Task{
		Name:     name,
		Interval: interval,
		Decide: func(ctx context.Context, trigger Trigger) (Decision, error) {
			ran <- trigger
			return Hold(), nil
		},
	}
}

func waitRun(t *testing.T, ran <-chan Trigger) Trigger {
	t.Helper()
	select {
	case trigger := <-ran:
		return trigger
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
		return Trigger{}
	}
}

// waitIdle blocks until the named task has released its dispatch guard, so
// a following Tick is not coalesced against the previous run.
func waitIdle(t *testing.T, s *Scheduler, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, snap := range s.GetSnapshots() {
			if snap.Name == name {
				return !snap.Running
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func assertNoRun(t *testing.T, ran <-chan Trigger) {
	t.Helper()
	select {
	case <-ran:
		t.Fatal("unexpected task run")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScheduler_RegisterDuplicate(t *testing.T) {
	s := New(Config{}, nil, newTestLogger())

	task := Task{Name: "alpha", Interval: time.Minute, Decide: func(ctx context.Context, trigger Trigger) (Decision, error) {
		return Hold(), nil
	}}
	require.NoError(t, s.Register(task))

	err := s.Register(task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateTask))
}

func TestScheduler_TickIdempotentForSameNow(t *testing.T) {
	s := newStartedScheduler(t, nil)

	ran := make(chan Trigger, 10)
	require.NoError(t, s.Register(holdTask("alpha", time.Minute, ran)))

	now := time.Now()
	s.Tick(now)
	waitRun(t, ran)
	waitIdle(t, s, "alpha")

	// Same instant again: nothing is due
	s.Tick(now)
	assertNoRun(t, ran)

	// One interval later the task is due again, exactly once
	s.Tick(now.Add(time.Minute))
	waitRun(t, ran)
	assertNoRun(t, ran)
}

func TestScheduler_MissedIntervalsAreSkippedNotQueued(t *testing.T) {
	s := newStartedScheduler(t, nil)

	ran := make(chan Trigger, 10)
	require.NoError(t, s.Register(holdTask("alpha", time.Minute, ran)))

	now := time.Now()
	s.Tick(now)
	waitRun(t, ran)
	waitIdle(t, s, "alpha")

	// Ten intervals elapsed without a tick: the next tick dispatches once
	s.Tick(now.Add(10 * time.Minute))
	waitRun(t, ran)
	assertNoRun(t, ran)
}

func TestScheduler_AtMostOneConcurrentRun(t *testing.T) {
	s := newStartedScheduler(t, nil)

	var running atomic.Int32
	var maxSeen atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	require.NoError(t, s.Register(Task{
		Name:     "slow",
		Interval: time.Minute,
		EventKey: "price.change",
		Decide: func(ctx context.Context, trigger Trigger) (Decision, error) {
			cur := running.Add(1)
			if cur > maxSeen.Load() {
				maxSeen.Store(cur)
			}
			started <- struct{}{}
			<-release
			running.Add(-1)
			return Hold(), nil
		},
	}))

	now := time.Now()
	s.Tick(now)
	<-started

	// Tick and event triggers racing against the in-flight run are dropped
	s.Tick(now.Add(time.Minute))
	dispatched := s.OnEvent("price.change", nil)
	assert.Equal(t, 0, dispatched, "event during a run must be coalesced")

	close(release)

	require.Eventually(t, func() bool {
		for _, snap := range s.GetSnapshots() {
			if snap.Name == "slow" {
				return !snap.Running
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestScheduler_EventPreemptsBetweenTicks(t *testing.T) {
	s := newStartedScheduler(t, nil)

	ran := make(chan Trigger, 10)
	task := holdTask("alpha", time.Hour, ran)
	task.EventKey = "news.flash"
	require.NoError(t, s.Register(task))

	dispatched := s.OnEvent("news.flash", map[string]string{"headline": "rate cut"})
	assert.Equal(t, 1, dispatched)

	trigger := waitRun(t, ran)
	assert.Equal(t, TriggerEvent, trigger.Kind)
	assert.Equal(t, "news.flash", trigger.Key)
	require.NotNil(t, trigger.Payload)

	// Unmatched key reaches nobody
	assert.Equal(t, 0, s.OnEvent("weather.update", nil))
}

func TestScheduler_KillSwitchGatesMutatingTasksOnly(t *testing.T) {
	gate := &fakeGate{}
	gate.active.Store(true)
	s := newStartedScheduler(t, gate)

	mutatingRan := make(chan Trigger, 10)
	readOnlyRan := make(chan Trigger, 10)

	trader := holdTask("trader", time.Minute, mutatingRan)
	trader.Mutating = true
	require.NoError(t, s.Register(trader))
	require.NoError(t, s.Register(holdTask("risk-monitor", time.Minute, readOnlyRan)))

	s.Tick(time.Now())

	waitRun(t, readOnlyRan)
	assertNoRun(t, mutatingRan)
	waitIdle(t, s, "risk-monitor")

	// Switch off: the mutating task is dispatched again on its next due tick
	gate.active.Store(false)
	s.Tick(time.Now().Add(2 * time.Minute))
	waitRun(t, mutatingRan)
}

func TestScheduler_DegradedAfterConsecutiveErrors(t *testing.T) {
	s := newStartedScheduler(t, nil)

	var degradedTask string
	var degradedErrs int
	notified := make(chan struct{}, 1)
	s.SetOnDegraded(func(task string, consecutiveErrors int) {
		degradedTask = task
		degradedErrs = consecutiveErrors
		notified <- struct{}{}
	})

	var fail atomic.Bool
	fail.Store(true)
	ran := make(chan Trigger, 10)
	require.NoError(t, s.Register(Task{
		Name:     "flaky",
		Interval: time.Minute,
		Decide: func(ctx context.Context, trigger Trigger) (Decision, error) {
			defer func() { ran <- trigger }()
			if fail.Load() {
				return Decision{}, errors.New("upstream down")
			}
			return Hold(), nil
		},
	}))

	now := time.Now()
	for i := 0; i < 3; i++ {
		s.Tick(now.Add(time.Duration(i) * time.Minute))
		waitRun(t, ran)
		waitIdle(t, s, "flaky")
	}

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("degraded callback never fired")
	}
	assert.Equal(t, "flaky", degradedTask)
	assert.Equal(t, 3, degradedErrs)

	// Still scheduled while degraded; one success clears the flag
	fail.Store(false)
	waitIdle(t, s, "flaky")
	s.Tick(now.Add(10 * time.Minute))
	waitRun(t, ran)

	require.Eventually(t, func() bool {
		return !s.GetSnapshots()[0].Degraded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.GetSnapshots()[0].ConsecutiveErrors)
}

func TestScheduler_PanicCaughtAtDispatchBoundary(t *testing.T) {
	s := newStartedScheduler(t, nil)

	ran := make(chan Trigger, 10)
	require.NoError(t, s.Register(Task{
		Name:     "bomb",
		Interval: time.Minute,
		Decide: func(ctx context.Context, trigger Trigger) (Decision, error) {
			panic("nil map write")
		},
	}))
	require.NoError(t, s.Register(holdTask("steady", time.Minute, ran)))

	now := time.Now()
	s.Tick(now)
	waitRun(t, ran)

	require.Eventually(t, func() bool {
		return s.GetSnapshots()[0].LastOutcome == DecisionError
	}, 2*time.Second, 10*time.Millisecond)

	// The scheduler keeps running both tasks after the panic
	waitIdle(t, s, "steady")
	s.Tick(now.Add(time.Minute))
	waitRun(t, ran)
}

func TestScheduler_ShutdownReportsStragglers(t *testing.T) {
	s := New(Config{TickInterval: time.Hour}, nil, newTestLogger())
	require.NoError(t, s.Start(context.Background()))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register(Task{
		Name:     "stuck",
		Interval: time.Minute,
		Decide: func(ctx context.Context, trigger Trigger) (Decision, error) {
			close(started)
			<-release
			return Hold(), nil
		},
	}))

	s.Tick(time.Now())
	<-started

	err := s.Shutdown(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrShutdownTimeout))
	assert.Contains(t, err.Error(), "stuck")

	close(release)
}

func TestScheduler_NoDispatchAfterShutdown(t *testing.T) {
	s := New(Config{TickInterval: time.Hour}, nil, newTestLogger())
	require.NoError(t, s.Start(context.Background()))

	ran := make(chan Trigger, 10)
	task := holdTask("alpha", time.Minute, ran)
	task.EventKey = "price.change"
	require.NoError(t, s.Register(task))

	require.NoError(t, s.Shutdown(time.Second))

	s.Tick(time.Now())
	assert.Equal(t, 0, s.OnEvent("price.change", nil))
	assertNoRun(t, ran)
}
