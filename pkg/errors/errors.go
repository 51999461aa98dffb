package errors

import (
	"errors"
	"fmt"
)

// Domain error types for business logic

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a service is unavailable
	ErrUnavailable = errors.New("service unavailable")
)

// Orchestration errors

var (
	// ErrDuplicateTask indicates a task with the same name is already registered
	ErrDuplicateTask = errors.New("task already registered")

	// ErrTaskPanic indicates a task body panicked and was recovered at the dispatch boundary
	ErrTaskPanic = errors.New("task panicked")

	// ErrTaskRunning indicates a dispatch was skipped because the task is already running
	ErrTaskRunning = errors.New("task already running")

	// ErrSchedulerStopped indicates the scheduler no longer accepts dispatches
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrShutdownTimeout indicates in-flight tasks did not finish within the shutdown deadline
	ErrShutdownTimeout = errors.New("shutdown timeout")
)

// Provider and resilience errors

var (
	// ErrProviderUnavailable indicates a single provider call failed (transient)
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProvidersExhausted indicates every provider was open or failed
	ErrProvidersExhausted = errors.New("all providers exhausted")

	// ErrCircuitOpen indicates the provider circuit is open and calls are shed
	ErrCircuitOpen = errors.New("circuit open")

	// ErrProbeInFlight indicates a half-open probe is already outstanding
	ErrProbeInFlight = errors.New("half-open probe in flight")

	// ErrRateLimitExceeded indicates the provider rate limit was hit
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrMalformedResponse indicates a provider returned an unusable response
	ErrMalformedResponse = errors.New("malformed provider response")
)

// Cache errors

var (
	// ErrCacheCompute wraps the underlying compute failure; never cached
	ErrCacheCompute = errors.New("cache compute failed")

	// ErrCacheMiss indicates no live entry exists for a key
	ErrCacheMiss = errors.New("cache miss")
)

// Safety errors

var (
	// ErrKillSwitchActive indicates the global kill switch halts mutating actions
	ErrKillSwitchActive = errors.New("kill switch is active")

	// ErrLossLimitExceeded indicates the cumulative loss limit was breached
	ErrLossLimitExceeded = errors.New("loss limit exceeded")

	// ErrOrderRejected indicates the execution collaborator rejected an order
	ErrOrderRejected = errors.New("order rejected")
)

// Trigger feed errors

var (
	// ErrFeedNotConnected indicates the trigger feed is not connected
	ErrFeedNotConnected = errors.New("trigger feed not connected")

	// ErrFeedReconnectFailed indicates trigger feed reconnection failed
	ErrFeedReconnectFailed = errors.New("trigger feed reconnection failed")
)

// DomainError wraps an error with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MultiError wraps multiple errors
type MultiError struct {
	Errors []error
}

// Error implements the error interface
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(m.Errors), m.Errors[0])
}

// Add adds an error to the list
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ToError returns the MultiError as an error, or nil if no errors
func (m *MultiError) ToError() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
