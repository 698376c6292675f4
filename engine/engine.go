// Package engine defines the persistent model and backend contracts for
// durable workflow execution. It provides pluggable interfaces so the runtime
// can target in-memory, Redis, or custom backends without modification.
//
// # Core Abstractions
//
// The package defines three backend contracts:
//
//   - Store: Persistence of executions, step results, timers, schedules,
//     audit entries, and advisory locks. The store is the single source of
//     truth; every other component holds transient in-memory handles.
//
//   - Queue: At-least-once delivery of execute/resume messages to workers.
//     Optional. When no queue is configured the runtime performs kickoff and
//     resume inline on the caller's goroutine.
//
//   - Bus: Publish/subscribe used to notify waiters of execution completion
//     and to deliver workflow-emitted events. Optional and best-effort;
//     consumers always keep a polling fallback.
//
// # Durability Model
//
// An Execution records one run of one task. Each attempt re-runs the task
// handler from the top; completed steps are memoized as StepResult rows so
// replayed attempts return prior results without re-executing user code.
// Sleeps, retries, signal timeouts, and schedules are persisted as Timer
// rows that workers claim and fire through the store's lease primitive.
//
// Multiple workers may share one store. Coordination is limited to advisory
// locks and timer claims; there is no consensus protocol. The engine
// guarantees at-least-once execution of workflows with effectively
// at-most-once execution of each successfully completed step.
package engine

import (
	"encoding/json"
	"time"
)

type (
	// Status represents the lifecycle state of an execution.
	Status string

	// ErrorInfo captures a failure in a serializable form. Stack is optional
	// and omitted for errors that carry no trace (e.g., normalized panics of
	// non-error values).
	ErrorInfo struct {
		// Message is the human-readable failure description.
		Message string `json:"message"`
		// Stack holds the stack trace when one was captured.
		Stack string `json:"stack,omitempty"`
	}

	// Execution records one run of one task. It is created pending, driven
	// through attempts by the execution manager, and ends in exactly one
	// terminal state (completed, failed, or cancelled). The
	// compensation_failed status is non-terminal but stuck: it requires an
	// operator action (RetryRollback or ForceFail) to move on.
	Execution struct {
		// ID uniquely identifies the execution.
		ID string `json:"id"`
		// TaskID names the registered task this execution runs.
		TaskID string `json:"task_id"`
		// Input is the opaque serialized task input.
		Input json.RawMessage `json:"input,omitempty"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// Result is set if and only if Status is StatusCompleted.
		Result json.RawMessage `json:"result,omitempty"`
		// Error is set while failed, retrying, compensation_failed, or cancelled.
		Error *ErrorInfo `json:"error,omitempty"`
		// Attempt counts attempts starting at 1.
		Attempt int `json:"attempt"`
		// MaxAttempts caps Attempt while the execution is not terminal.
		MaxAttempts int `json:"max_attempts"`
		// Timeout bounds the wall-clock budget across all attempts. Zero
		// means unbounded.
		Timeout time.Duration `json:"timeout,omitempty"`
		// CreatedAt records when the execution was accepted.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last mutation.
		UpdatedAt time.Time `json:"updated_at"`
		// CompletedAt is set on any terminal transition.
		CompletedAt *time.Time `json:"completed_at,omitempty"`
		// CancelledAt is set when the execution reaches StatusCancelled.
		CancelledAt *time.Time `json:"cancelled_at,omitempty"`
		// CancelRequestedAt is set by CancelExecution; the execution manager
		// honors it cooperatively at step boundaries.
		CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	}

	// ExecutionPatch mutates a subset of execution fields. Nil pointer fields
	// are left untouched. Stores set UpdatedAt on every patch.
	ExecutionPatch struct {
		Status            *Status
		Result            json.RawMessage
		Error             *ErrorInfo
		ClearError        bool
		Attempt           *int
		CompletedAt       *time.Time
		CancelledAt       *time.Time
		CancelRequestedAt *time.Time
	}

	// ExecutionFilter selects executions for listing.
	ExecutionFilter struct {
		// Statuses restricts results to the given states. Empty means all.
		Statuses []Status
		// TaskID restricts results to one task when non-empty.
		TaskID string
		// Limit caps the number of results. Zero means no cap.
		Limit int
		// Offset skips the first N matches.
		Offset int
	}

	// Page bounds a listing of audit entries.
	Page struct {
		Offset int
		Limit  int
	}
)

const (
	// StatusPending indicates the execution has been accepted but no worker
	// has run it yet.
	StatusPending Status = "pending"
	// StatusRunning indicates an attempt is actively executing.
	StatusRunning Status = "running"
	// StatusRetrying indicates the last attempt failed and a retry timer is
	// pending.
	StatusRetrying Status = "retrying"
	// StatusSleeping indicates the execution suspended on a sleep or signal
	// wait and a wake-up timer or signal delivery will resume it.
	StatusSleeping Status = "sleeping"
	// StatusCompleted indicates the execution finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the execution exhausted its attempts. Terminal.
	StatusFailed Status = "failed"
	// StatusCompensationFailed indicates a compensation handler failed during
	// rollback. Not terminal: an operator must resolve it.
	StatusCompensationFailed Status = "compensation_failed"
	// StatusCancelled indicates the execution was cancelled externally. Terminal.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state. Note that
// StatusCompensationFailed is not terminal: it is stuck pending operator
// action.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
