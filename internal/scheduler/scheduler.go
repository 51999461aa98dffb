package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"helios/internal/metrics"
	"helios/pkg/errors"
	"helios/pkg/logger"
)

// SafetyGate is consulted before every dispatch of a mutating task
type SafetyGate interface {
	KillSwitchActive() bool
}

// Config configures the scheduler
type Config struct {
	TickInterval  time.Duration // cadence of the internal tick loop
	DegradedAfter int           // consecutive error outcomes before a task is flagged
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.DegradedAfter == 0 {
		c.DegradedAfter = 3
	}
	return c
}

// taskState is the scheduler-owned runtime state around a Task.
// running is the per-task dispatch guard; everything else is guarded by
// the scheduler mutex and only mutated between runs.
type taskState struct {
	task    Task
	running atomic.Bool

	lastScheduled     time.Time
	lastRun           time.Time
	lastOutcome       DecisionKind
	consecutiveErrors int
	degraded          bool
}

// Scheduler owns the task registry and drives tasks to completion: fixed
// intervals via Tick, preemptive dispatch via OnEvent, at most one concurrent
// execution per task, and a kill-switch gate in front of mutating tasks.
type Scheduler struct {
	mu    sync.RWMutex
	tasks map[string]*taskState
	order []string

	cfg    Config
	safety SafetyGate

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	accepting atomic.Bool
	started   bool

	onDegraded func(task string, consecutiveErrors int)

	log *logger.Logger
}

// New creates a scheduler. safety may be nil, in which case mutating tasks
// are never gated.
func New(cfg Config, safety SafetyGate, log *logger.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*taskState),
		cfg:    cfg.withDefaults(),
		safety: safety,
		log:    log.With("component", "scheduler"),
	}
}

// SetOnDegraded registers a callback invoked (outside the lock) when a task
// crosses the degraded threshold. Used to push operator alerts.
func (s *Scheduler) SetOnDegraded(fn func(task string, consecutiveErrors int)) {
	s.mu.Lock()
	s.onDegraded = fn
	s.mu.Unlock()
}

// Register adds a task to the registry
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" {
		return errors.Wrapf(errors.ErrInvalidInput, "task name is required")
	}
	if task.Decide == nil {
		return errors.Wrapf(errors.ErrInvalidInput, "task %s has no decision function", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return errors.Wrapf(errors.ErrDuplicateTask, "task %s already registered", task.Name)
	}

	s.tasks[task.Name] = &taskState{task: task}
	s.order = append(s.order, task.Name)
	s.log.Infow("Task registered",
		"task", task.Name,
		"interval", task.Interval,
		"event_key", task.EventKey,
		"mutating", task.Mutating,
	)
	return nil
}

// Unregister removes a task from the registry. A run already in flight is
// allowed to finish.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; !exists {
		return errors.Wrapf(errors.ErrNotFound, "task %s not registered", name)
	}

	delete(s.tasks, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log.Infow("Task unregistered", "task", name)
	return nil
}

// Start arms dispatching and runs the tick loop until Shutdown
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Wrapf(errors.ErrInternal, "scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.accepting.Store(true)
	s.log.Infow("Scheduler started", "tasks", len(s.order), "tick_interval", s.cfg.TickInterval)

	s.wg.Add(1)
	go s.tickLoop()
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick dispatches every task whose interval has elapsed since its last
// scheduled run. Missed intervals are skipped, never queued: a task that was
// due three times over gets one dispatch.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var due []*taskState
	for _, name := range s.order {
		ts := s.tasks[name]
		if ts.task.Interval <= 0 {
			continue
		}
		if now.Sub(ts.lastScheduled) < ts.task.Interval && !ts.lastScheduled.IsZero() {
			continue
		}
		ts.lastScheduled = now
		due = append(due, ts)
	}
	s.mu.Unlock()

	for _, ts := range due {
		s.dispatch(ts, Trigger{Kind: TriggerInterval, At: now})
	}
}

// OnEvent immediately dispatches every task subscribed to key, between
// scheduled ticks. If a matching task is mid-run the event is dropped, not
// queued. Returns the number of dispatches actually started.
func (s *Scheduler) OnEvent(key string, payload interface{}) int {
	s.mu.RLock()
	var matched []*taskState
	for _, name := range s.order {
		ts := s.tasks[name]
		if ts.task.EventKey == key {
			matched = append(matched, ts)
		}
	}
	s.mu.RUnlock()

	if len(matched) == 0 {
		s.log.Debugw("No task subscribed to event", "key", key)
		return 0
	}

	dispatched := 0
	for _, ts := range matched {
		if s.dispatch(ts, Trigger{Kind: TriggerEvent, Key: key, Payload: payload, At: time.Now()}) {
			dispatched++
		}
	}
	return dispatched
}

// dispatch runs the gate checks and, if they pass, launches one execution.
// Reports whether an execution was started.
func (s *Scheduler) dispatch(ts *taskState, trigger Trigger) bool {
	if !s.accepting.Load() {
		return false
	}

	if ts.task.Mutating && s.safety != nil && s.safety.KillSwitchActive() {
		s.log.Warnw("Skipping mutating task: kill switch active", "task", ts.task.Name)
		metrics.TaskDispatches.WithLabelValues(ts.task.Name, "skipped").Inc()
		return false
	}

	if !ts.running.CompareAndSwap(false, true) {
		s.log.Debugw("Dropping trigger: task already running",
			"task", ts.task.Name,
			"trigger", trigger.Kind,
		)
		metrics.TaskDispatches.WithLabelValues(ts.task.Name, "coalesced").Inc()
		return false
	}

	s.wg.Add(1)
	go s.execute(ts, trigger)
	return true
}

// execute runs one task body and records the outcome
func (s *Scheduler) execute(ts *taskState, trigger Trigger) {
	defer s.wg.Done()
	defer ts.running.Store(false)

	runID := uuid.NewString()
	start := time.Now()
	log := s.log.With("task", ts.task.Name, "run_id", runID, "trigger", trigger.Kind)

	decision, err := s.safeDecide(ts, trigger)
	if err != nil {
		decision = Errored(err.Error())
	}

	duration := time.Since(start)
	metrics.TaskDuration.WithLabelValues(ts.task.Name).Observe(duration.Seconds())
	metrics.TaskLastRun.WithLabelValues(ts.task.Name).SetToCurrentTime()

	outcome := string(decision.Kind)
	if err != nil && errors.Is(err, errors.ErrTaskPanic) {
		outcome = "panic"
	}
	metrics.TaskDispatches.WithLabelValues(ts.task.Name, outcome).Inc()

	switch {
	case err != nil:
		log.Errorw("Task run failed", "error", err, "duration", duration)
	case decision.Kind == DecisionError:
		log.Warnw("Task reported error decision", "reason", decision.Reason, "duration", duration)
	default:
		log.Debugw("Task run completed", "decision", decision.Kind, "duration", duration)
	}

	s.recordOutcome(ts, decision)
}

// safeDecide calls the decision function with panic recovery at the
// dispatch boundary
func (s *Scheduler) safeDecide(ts *taskState, trigger Trigger) (decision Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(errors.ErrTaskPanic, "task %s panicked: %v", ts.task.Name, r)
		}
	}()
	return ts.task.Decide(s.ctx, trigger)
}

// recordOutcome updates per-task bookkeeping and flips the degraded flag
// after enough consecutive error outcomes
func (s *Scheduler) recordOutcome(ts *taskState, decision Decision) {
	s.mu.Lock()
	ts.lastRun = time.Now()
	ts.lastOutcome = decision.Kind

	var notify func(string, int)
	var errCount int
	if decision.Kind == DecisionError {
		ts.consecutiveErrors++
		errCount = ts.consecutiveErrors
		if !ts.degraded && ts.consecutiveErrors >= s.cfg.DegradedAfter {
			ts.degraded = true
			metrics.TaskDegraded.WithLabelValues(ts.task.Name).Set(1)
			notify = s.onDegraded
		}
	} else {
		ts.consecutiveErrors = 0
		if ts.degraded {
			ts.degraded = false
			metrics.TaskDegraded.WithLabelValues(ts.task.Name).Set(0)
			s.log.Infow("Task recovered from degraded state", "task", ts.task.Name)
		}
	}
	name := ts.task.Name
	s.mu.Unlock()

	if notify != nil {
		s.log.Warnw("Task marked degraded", "task", name, "consecutive_errors", errCount)
		notify(name, errCount)
	}
}

// Shutdown stops accepting new dispatches, cancels in-flight task contexts,
// and waits up to timeout. On timeout it reports which tasks did not finish.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.Wrapf(errors.ErrSchedulerStopped, "scheduler not started")
	}
	s.started = false
	s.mu.Unlock()

	s.accepting.Store(false)
	s.cancel()
	s.log.Infow("Scheduler shutting down", "timeout", timeout)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Infow("All tasks finished cleanly")
		return nil
	case <-time.After(timeout):
		stragglers := s.runningTasks()
		s.log.Errorw("Shutdown timed out with tasks still running", "tasks", stragglers)
		return errors.Wrapf(errors.ErrShutdownTimeout, "tasks did not finish: %v", stragglers)
	}
}

// runningTasks returns the names of tasks currently mid-run
func (s *Scheduler) runningTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var running []string
	for _, name := range s.order {
		if s.tasks[name].running.Load() {
			running = append(running, name)
		}
	}
	return running
}

// GetSnapshots returns a point-in-time view of every task in registration order
func (s *Scheduler) GetSnapshots() []TaskSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := make([]TaskSnapshot, 0, len(s.order))
	for _, name := range s.order {
		ts := s.tasks[name]
		snapshots = append(snapshots, TaskSnapshot{
			Name:              ts.task.Name,
			Interval:          ts.task.Interval,
			EventKey:          ts.task.EventKey,
			Mutating:          ts.task.Mutating,
			Running:           ts.running.Load(),
			Degraded:          ts.degraded,
			LastRun:           ts.lastRun,
			LastOutcome:       ts.lastOutcome,
			ConsecutiveErrors: ts.consecutiveErrors,
		})
	}
	return snapshots
}
