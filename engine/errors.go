package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSuspended unwinds a task handler when a durable operation cannot
	// proceed yet (pending sleep or signal wait). It is control flow, not a
	// failure: the execution manager marks the execution sleeping and a timer
	// or signal delivery resumes it later. Handlers must return it unchanged;
	// it is never surfaced to external callers.
	ErrSuspended = errors.New("execution suspended")

	// ErrCompensationFailed unwinds a handler after Rollback hit a failing
	// compensation. The context has already transitioned the execution to
	// compensation_failed; the execution manager treats this as handled.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrCancelled unwinds a handler when a cancellation request is observed
	// at a step boundary.
	ErrCancelled = errors.New("execution cancelled")

	// ErrNotFound indicates a missing execution, schedule, or timer.
	ErrNotFound = errors.New("not found")

	// ErrLockContention indicates an advisory lock (signal or schedule scoped)
	// is held elsewhere. The engine never retries these; retrying is caller
	// policy.
	ErrLockContention = errors.New("lock contention")

	// ErrSignalTimeout indicates a signal wait elapsed before delivery.
	ErrSignalTimeout = errors.New("signal wait timed out")

	// ErrTooManySignalSlots indicates overflow buffering exceeded the slot cap.
	ErrTooManySignalSlots = errors.New("too many signal slots")

	// ErrInvalidSignalState indicates a signal slot holds an unrecognizable
	// payload shape.
	ErrInvalidSignalState = errors.New("invalid signal step state")
)

type (
	// ExecutionError is the client-observable failure of a waited-on
	// execution: it wraps a failed, cancelled, or missing execution.
	ExecutionError struct {
		// ExecutionID identifies the execution. Always set.
		ExecutionID string
		// TaskID names the task, or "unknown" when the execution is missing.
		TaskID string
		// Attempt is the final attempt count, or 0 when unknown.
		Attempt int
		// Cause describes the underlying failure.
		Cause ErrorInfo
	}

	// ValidationError reports invalid configuration: unknown task ids, blank
	// namespaces, schedules without cron or interval, rebinding attempts.
	ValidationError struct {
		Message string
	}
)

// Error returns the wrapped failure message with execution context.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s (task %s, attempt %d): %s", e.ExecutionID, e.TaskID, e.Attempt, e.Cause.Message)
}

// Error returns the validation message.
func (e *ValidationError) Error() string { return e.Message }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NormalizeError converts any error into an ErrorInfo. Plain errors carry no
// stack; values recovered from panics should be wrapped by the caller before
// normalization.
func NormalizeError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Message: err.Error()}
}
