package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Executor drives single attempts of executions: it claims the
	// per-execution advisory lock, runs the workflow function against a
	// durable Context, and interprets the outcome into a state transition.
	Executor struct {
		store    engine.Store
		bus      engine.Bus
		registry *Registry
		audit    *Auditor
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		clock    func() time.Time

		lockTTL   time.Duration
		retryBase time.Duration
	}
)

func newExecutor(store engine.Store, bus engine.Bus, registry *Registry, audit *Auditor, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, clock func() time.Time, lockTTL, retryBase time.Duration) *Executor {
	return &Executor{
		store:     store,
		bus:       bus,
		registry:  registry,
		audit:     audit,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		clock:     clock,
		lockTTL:   lockTTL,
		retryBase: retryBase,
	}
}

// Execute runs one attempt of the execution. When another worker holds the
// execution lock it returns engine.ErrLockContention so callers reschedule
// the attempt instead of dropping it; infrastructure failures (store errors)
// are returned as-is.
func (x *Executor) Execute(ctx context.Context, executionID string) error {
	lockID, err := x.store.AcquireLock(ctx, engine.ExecutionLockResource(executionID), x.lockTTL)
	if err != nil {
		return err
	}
	if lockID == "" {
		x.logger.Debug(ctx, "execution locked elsewhere", "execution_id", executionID)
		return engine.ErrLockContention
	}
	defer func() {
		if rerr := x.store.ReleaseLock(context.WithoutCancel(ctx), engine.ExecutionLockResource(executionID), lockID); rerr != nil {
			x.logger.Warn(ctx, "lock release failed", "execution_id", executionID, "err", rerr.Error())
		}
	}()

	exec, err := x.store.LoadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() || exec.Status == engine.StatusCompensationFailed {
		return nil
	}
	now := x.clock()
	if exec.CancelRequestedAt != nil {
		return x.finishCancelled(ctx, exec, nil)
	}
	if exec.Timeout > 0 && now.Sub(exec.CreatedAt) >= exec.Timeout {
		return x.finishFailed(ctx, exec, &engine.ErrorInfo{
			Message: fmt.Sprintf("execution timed out after %s", exec.Timeout),
		})
	}

	ctx, span := x.tracer.Start(ctx, "durable.execute")
	defer span.End()

	running := engine.StatusRunning
	exec, err = x.store.UpdateExecution(ctx, exec.ID, engine.ExecutionPatch{Status: &running})
	if err != nil {
		return err
	}
	if exec.Attempt == 1 {
		x.audit.Append(ctx, &engine.AuditEntry{
			ExecutionID: exec.ID, Attempt: exec.Attempt, Kind: engine.AuditExecutionStarted,
		})
	}
	x.metrics.IncCounter(telemetry.MetricExecutionsStarted, 1, "task", exec.TaskID)

	task, err := x.registry.Lookup(exec.TaskID)
	if err != nil {
		return x.finishFailed(ctx, exec, engine.NormalizeError(err))
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if exec.Timeout > 0 {
		if remaining := exec.Timeout - now.Sub(exec.CreatedAt); remaining > 0 {
			runCtx, cancel = context.WithTimeout(ctx, remaining)
			defer cancel()
		}
	}

	wf := newCtx(x.store, x.bus, x.audit, x.logger, x.clock, exec)
	start := x.clock()
	result, herr := x.invoke(runCtx, task, wf, exec)
	x.metrics.RecordTimer(telemetry.MetricExecutionDuration, x.clock().Sub(start), "task", exec.TaskID)

	switch {
	case herr == nil:
		return x.finishCompleted(ctx, exec, result)
	case errors.Is(herr, engine.ErrSuspended):
		sleeping := engine.StatusSleeping
		_, err := x.store.UpdateExecution(ctx, exec.ID, engine.ExecutionPatch{Status: &sleeping})
		return err
	case errors.Is(herr, engine.ErrCompensationFailed):
		// The context already transitioned the execution.
		return nil
	case errors.Is(herr, engine.ErrCancelled):
		return x.finishCancelled(ctx, exec, wf)
	default:
		return x.failOrRetry(ctx, exec, herr)
	}
}

// invoke runs the workflow function with panic containment. Panics become
// failures carrying the stack; they are never allowed to kill the worker.
func (x *Executor) invoke(ctx context.Context, task *Task, wf *Ctx, exec *engine.Execution) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return task.Handler(ctx, wf, exec.Input)
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func (x *Executor) finishCompleted(ctx context.Context, exec *engine.Execution, result []byte) error {
	now := x.clock()
	completed := engine.StatusCompleted
	if result == nil {
		result = []byte("null")
	}
	updated, err := x.store.UpdateExecution(ctx, exec.ID, engine.ExecutionPatch{
		Status: &completed, Result: result, ClearError: true, CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	x.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: exec.ID, Attempt: exec.Attempt, Kind: engine.AuditExecutionCompleted,
	})
	x.metrics.IncCounter(telemetry.MetricExecutionsFinished, 1, "task", exec.TaskID, "status", string(completed))
	x.publishFinished(ctx, updated)
	return nil
}

func (x *Executor) finishFailed(ctx context.Context, exec *engine.Execution, cause *engine.ErrorInfo) error {
	now := x.clock()
	failed := engine.StatusFailed
	updated, err := x.store.UpdateExecution(ctx, exec.ID, engine.ExecutionPatch{
		Status: &failed, Error: cause, CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	x.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: exec.ID, Attempt: exec.Attempt, Kind: engine.AuditExecutionFailed, Error: cause,
	})
	x.metrics.IncCounter(telemetry.MetricExecutionsFinished, 1, "task", exec.TaskID, "status", string(failed))
	x.publishFinished(ctx, updated)
	return nil
}

// finishCancelled terminates a cancelled execution. When the attempt built a
// compensation stack (wf non-nil) completed steps are undone best-effort
// before the terminal transition.
func (x *Executor) finishCancelled(ctx context.Context, exec *engine.Execution, wf *Ctx) error {
	if wf != nil {
		wf.compensateBestEffort(ctx)
	}
	now := x.clock()
	cancelled := engine.StatusCancelled
	updated, err := x.store.UpdateExecution(ctx, exec.ID, engine.ExecutionPatch{
		Status: &cancelled, CancelledAt: &now, CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	x.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: exec.ID, Attempt: exec.Attempt, Kind: engine.AuditExecutionCancelled,
	})
	x.metrics.IncCounter(telemetry.MetricExecutionsFinished, 1, "task", exec.TaskID, "status", string(cancelled))
	x.publishFinished(ctx, updated)
	return nil
}

// failOrRetry arms the next retry when attempts remain, otherwise fails
// terminally. Backoff is base * 2^(attempt-1).
func (x *Executor) failOrRetry(ctx context.Context, exec *engine.Execution, herr error) error {
	cause := engine.NormalizeError(herr)
	var perr *panicError
	if errors.As(herr, &perr) {
		cause.Stack = perr.stack
	}
	if exec.Attempt >= exec.MaxAttempts {
		return x.finishFailed(ctx, exec, cause)
	}

	delay := x.retryBase << (exec.Attempt - 1)
	timerID := engine.RetryTimerID(exec.ID, exec.Attempt)
	fireAt := x.clock().Add(delay)
	if err := x.store.CreateTimer(ctx, &engine.Timer{
		ID:          timerID,
		Type:        engine.TimerRetry,
		FireAt:      fireAt,
		Status:      engine.TimerPending,
		ExecutionID: exec.ID,
	}); err != nil {
		return err
	}
	retrying := engine.StatusRetrying
	next := exec.Attempt + 1
	if _, err := x.store.UpdateExecution(ctx, exec.ID, engine.ExecutionPatch{
		Status: &retrying, Attempt: &next, Error: cause,
	}); err != nil {
		return err
	}
	x.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: exec.ID, Attempt: exec.Attempt,
		Kind: engine.AuditRetryScheduled, TimerID: timerID, Error: cause,
	})
	x.logger.Info(ctx, "retry scheduled",
		"execution_id", exec.ID, "task", exec.TaskID, "attempt", next, "fire_at", fireAt)
	return nil
}

// publishFinished notifies waiters on the execution channel. Best-effort.
func (x *Executor) publishFinished(ctx context.Context, exec *engine.Execution) {
	if x.bus == nil {
		return
	}
	payload := engine.EncodeFinished(exec, x.clock())
	if err := x.bus.Publish(ctx, engine.ExecutionChannel(exec.ID), payload); err != nil {
		x.logger.Warn(ctx, "finished publish failed", "execution_id", exec.ID, "err", err.Error())
	}
}
