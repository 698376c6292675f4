package engine

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Store persists the canonical state of the engine. Implementations may
	// be eventually consistent across keys but must provide per-key
	// linearizability; ClaimTimer and AcquireLock are the worker-coordination
	// primitives and must grant each lease to at most one caller.
	Store interface {
		// SaveExecution persists a new execution row.
		SaveExecution(ctx context.Context, e *Execution) error
		// LoadExecution returns the execution or ErrNotFound.
		LoadExecution(ctx context.Context, id string) (*Execution, error)
		// UpdateExecution applies the patch and returns the updated row.
		UpdateExecution(ctx context.Context, id string, patch ExecutionPatch) (*Execution, error)
		// ListIncomplete returns executions that are not in a terminal state.
		ListIncomplete(ctx context.Context) ([]*Execution, error)
		// ListStuck returns executions in compensation_failed.
		ListStuck(ctx context.Context) ([]*Execution, error)
		// ListExecutions returns executions matching the filter, newest first.
		ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

		// LoadStepResult returns the memoized result for (executionID,
		// stepID), or (nil, nil) when no result exists. Absence is the normal
		// case on first execution of a step, not an error.
		LoadStepResult(ctx context.Context, executionID, stepID string) (*StepResult, error)
		// SaveStepResult persists a step result, overwriting any prior value
		// for the same (executionID, stepID).
		SaveStepResult(ctx context.Context, r *StepResult) error
		// ListStepResults returns all step results of an execution ordered by
		// CompletedAt ascending, ties broken by StepID.
		ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error)

		// CreateTimer persists a pending timer, replacing any existing timer
		// with the same id. Deterministic ids keep re-arming idempotent.
		CreateTimer(ctx context.Context, t *Timer) error
		// ReadyTimers returns pending timers with FireAt <= now, ordered by
		// FireAt ascending with ties broken by id.
		ReadyTimers(ctx context.Context, now time.Time) ([]*Timer, error)
		// MarkTimerFired marks the timer fired. Idempotent.
		MarkTimerFired(ctx context.Context, id string) error
		// DeleteTimer removes the timer. Deleting a missing timer is a no-op.
		DeleteTimer(ctx context.Context, id string) error
		// ClaimTimer takes a short lease on the timer for the given worker.
		// It returns true iff this caller now holds the lease; concurrent
		// pollers racing on the same timer see at most one true.
		ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error)

		// CreateSchedule persists a new schedule.
		CreateSchedule(ctx context.Context, s *Schedule) error
		// LoadSchedule returns the schedule or ErrNotFound.
		LoadSchedule(ctx context.Context, id string) (*Schedule, error)
		// UpdateSchedule applies the patch and returns the updated schedule.
		UpdateSchedule(ctx context.Context, id string, patch SchedulePatch) (*Schedule, error)
		// DeleteSchedule removes the schedule. Missing schedules are a no-op.
		DeleteSchedule(ctx context.Context, id string) error
		// ListSchedules returns all schedules.
		ListSchedules(ctx context.Context) ([]*Schedule, error)
		// ListActiveSchedules returns schedules with status active.
		ListActiveSchedules(ctx context.Context) ([]*Schedule, error)

		// AppendAuditEntry persists an audit entry. Append-only.
		AppendAuditEntry(ctx context.Context, e *AuditEntry) error
		// ListAuditEntries returns entries of an execution ordered by At
		// ascending, ties broken by ID.
		ListAuditEntries(ctx context.Context, executionID string, page Page) ([]*AuditEntry, error)

		// AcquireLock takes an advisory lease on the resource and returns an
		// opaque lock id, or "" when the lock is held elsewhere.
		AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error)
		// ReleaseLock releases the lease if lockID still holds it. Releasing
		// a lock held by someone else is a no-op.
		ReleaseLock(ctx context.Context, resource, lockID string) error

		// RetryRollback resets a compensation_failed execution to pending and
		// clears its error so workers pick it up again.
		RetryRollback(ctx context.Context, executionID string) error
		// ForceFail transitions an execution to failed with the given cause.
		ForceFail(ctx context.Context, executionID string, cause *ErrorInfo) error
		// SkipStep writes a null result for the step so replay passes over it.
		SkipStep(ctx context.Context, executionID, stepID string) error
		// EditStepResult overwrites the memoized value of a step.
		EditStepResult(ctx context.Context, executionID, stepID string, value json.RawMessage) error
	}

	// IdempotencyStore is an optional store extension that deduplicates
	// starts by (taskID, key).
	IdempotencyStore interface {
		// ExecutionIDByIdempotencyKey returns the execution previously bound
		// to the key, or "" when the key is unused.
		ExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error)
		// SetExecutionIDByIdempotencyKey binds the key to the execution with
		// set-if-absent semantics and returns the winning execution id.
		SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (string, error)
	}

	// MessageType distinguishes queue messages.
	MessageType string

	// Message is the unit of work delivered through the Queue.
	Message struct {
		// ID uniquely identifies the message.
		ID string `json:"id"`
		// Type is execute or resume.
		Type MessageType `json:"type"`
		// ExecutionID identifies the execution to run.
		ExecutionID string `json:"execution_id"`
		// Attempts counts deliveries; consumers increment it before handing
		// the message to the handler.
		Attempts int `json:"attempts"`
		// MaxAttempts caps redeliveries before the message is dropped (or
		// dead-lettered, backend permitting).
		MaxAttempts int `json:"max_attempts"`
		// CreatedAt records when the message was first enqueued.
		CreatedAt time.Time `json:"created_at"`
	}

	// Handler processes one queue message. A nil return acknowledges the
	// message; an error requests redelivery.
	Handler func(ctx context.Context, m *Message) error

	// Queue delivers execute/resume messages to workers with at-least-once
	// semantics: each message reaches exactly one consumer, and unhandled
	// messages are redelivered.
	Queue interface {
		// Enqueue publishes a message for worker pickup.
		Enqueue(ctx context.Context, m *Message) error
		// Consume registers the handler and starts consuming. The returned
		// stop function halts consumption and waits for the in-flight
		// handler, if any.
		Consume(ctx context.Context, h Handler) (stop func(), err error)
	}

	// Bus is a best-effort publish/subscribe transport. Waiters always keep
	// a polling fallback; bus delivery only accelerates them.
	Bus interface {
		// Publish sends the payload to all current subscribers of the channel.
		Publish(ctx context.Context, channel string, payload []byte) error
		// Subscribe returns a channel of payloads published after the call.
		// cancel releases the subscription and closes the channel.
		Subscribe(ctx context.Context, channel string) (events <-chan []byte, cancel func(), err error)
	}

	// FinishedEvent is the envelope published on an execution's channel when
	// it reaches a terminal state.
	FinishedEvent struct {
		Type      string     `json:"type"`
		Payload   *Execution `json:"payload"`
		Timestamp time.Time  `json:"timestamp"`
	}
)

const (
	// MessageExecute kicks off the first attempt of an execution.
	MessageExecute MessageType = "execute"
	// MessageResume re-runs an execution after a timer fire or signal.
	MessageResume MessageType = "resume"
)

// EncodeFinished builds the terminal notification payload for an execution.
func EncodeFinished(e *Execution, at time.Time) []byte {
	b, _ := json.Marshal(&FinishedEvent{Type: "finished", Payload: e, Timestamp: at})
	return b
}

// DecodeFinished parses a terminal notification payload.
func DecodeFinished(payload []byte) (*FinishedEvent, error) {
	var ev FinishedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
