package scheduler

import (
	"context"
	"time"
)

// TriggerKind tells a task why it is being run
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerEvent    TriggerKind = "event"
)

// Trigger carries the cause of a dispatch into the decision function.
// Payload is only set for event-driven dispatches.
type Trigger struct {
	Kind    TriggerKind
	Key     string
	Payload interface{}
	At      time.Time
}

// DecisionKind tags the outcome of a decision function
type DecisionKind string

const (
	DecisionHold  DecisionKind = "hold"
	DecisionAct   DecisionKind = "act"
	DecisionError DecisionKind = "error"
)

// Decision is the result of one task run. Immutable once produced.
type Decision struct {
	Kind    DecisionKind
	Payload interface{} // set for Act
	Reason  string      // set for Error
}

// Hold returns a do-nothing decision
func Hold() Decision {
	return Decision{Kind: DecisionHold}
}

// Act returns a decision carrying an action payload
func Act(payload interface{}) Decision {
	return Decision{Kind: DecisionAct, Payload: payload}
}

// Errored returns an error decision
func Errored(reason string) Decision {
	return Decision{Kind: DecisionError, Reason: reason}
}

// DecisionFunc is the body of a task. A returned error (or a panic, which is
// recovered at the dispatch boundary) is recorded as an Error outcome.
type DecisionFunc func(ctx context.Context, trigger Trigger) (Decision, error)

// Task describes a schedulable unit of agent work
type Task struct {
	Name     string
	Interval time.Duration // fixed cadence; 0 means event-driven only
	EventKey string        // optional trigger subscription
	Mutating bool          // blocked while the kill switch is active
	Decide   DecisionFunc
}

// TaskSnapshot is a point-in-time view of a task for status reporting
type TaskSnapshot struct {
	Name              string
	Interval          time.Duration
	EventKey          string
	Mutating          bool
	Running           bool
	Degraded          bool
	LastRun           time.Time
	LastOutcome       DecisionKind
	ConsecutiveErrors int
}
