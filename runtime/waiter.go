package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Waiter blocks external callers until an execution reaches a terminal
	// state. When a bus is configured the waiter subscribes to the
	// execution's channel to wake promptly; a polling fallback always runs so
	// missed or dropped notifications only delay the result.
	Waiter struct {
		store  engine.Store
		bus    engine.Bus
		logger telemetry.Logger
		clock  func() time.Time
	}

	// WaitOptions bounds one Wait call.
	WaitOptions struct {
		// Timeout caps the wait; zero waits until ctx is done.
		Timeout time.Duration
		// PollInterval is the fallback re-check cadence. Defaults to 500ms.
		PollInterval time.Duration
	}
)

const defaultPollInterval = 500 * time.Millisecond

func newWaiter(store engine.Store, bus engine.Bus, logger telemetry.Logger, clock func() time.Time) *Waiter {
	return &Waiter{store: store, bus: bus, logger: logger, clock: clock}
}

// Wait blocks until the execution terminates, the timeout elapses, or ctx is
// done. Completed executions yield their result; failed, cancelled, and
// missing executions yield an *engine.ExecutionError.
func (w *Waiter) Wait(ctx context.Context, executionID string, opts WaitOptions) (json.RawMessage, error) {
	start := w.clock()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	if result, done, err := w.check(ctx, executionID); done {
		return result, err
	}

	var events <-chan []byte
	if w.bus != nil {
		ch, cancel, err := w.bus.Subscribe(ctx, engine.ExecutionChannel(executionID))
		if err != nil {
			w.logger.Warn(ctx, "wait subscribe failed, polling only",
				"execution_id", executionID, "err", err.Error())
		} else {
			defer cancel()
			events = ch
		}
	}

	// Re-check after subscribing: the terminal publish may have landed in the
	// window between the initial check and the subscription.
	if result, done, err := w.check(ctx, executionID); done {
		return result, err
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		remaining := opts.Timeout - w.clock().Sub(start)
		if remaining <= 0 {
			return nil, w.timeoutError(ctx, executionID)
		}
		t := time.NewTimer(remaining)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, w.timeoutError(ctx, executionID)
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		}
		if result, done, err := w.check(ctx, executionID); done {
			return result, err
		}
	}
}

// check loads the execution and resolves terminal states. done is false while
// the execution is still in flight.
func (w *Waiter) check(ctx context.Context, executionID string) (json.RawMessage, bool, error) {
	exec, err := w.store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, true, &engine.ExecutionError{
				ExecutionID: executionID, TaskID: "unknown",
				Cause: engine.ErrorInfo{Message: "execution not found"},
			}
		}
		return nil, true, err
	}
	switch exec.Status {
	case engine.StatusCompleted:
		return exec.Result, true, nil
	case engine.StatusFailed, engine.StatusCancelled:
		cause := engine.ErrorInfo{Message: "execution " + string(exec.Status)}
		if exec.Error != nil {
			cause = *exec.Error
		}
		return nil, true, &engine.ExecutionError{
			ExecutionID: exec.ID, TaskID: exec.TaskID, Attempt: exec.Attempt, Cause: cause,
		}
	default:
		return nil, false, nil
	}
}

// timeoutError builds the wait-timeout failure, tolerating store errors on
// the final fetch.
func (w *Waiter) timeoutError(ctx context.Context, executionID string) error {
	taskID, attempt := "unknown", 0
	if exec, err := w.store.LoadExecution(ctx, executionID); err == nil {
		taskID, attempt = exec.TaskID, exec.Attempt
	}
	return &engine.ExecutionError{
		ExecutionID: executionID, TaskID: taskID, Attempt: attempt,
		Cause: engine.ErrorInfo{Message: "wait timed out"},
	}
}
