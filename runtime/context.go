package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Context is the per-execution API handed to workflow functions. All
	// durable operations are memoized through the store: a replayed attempt
	// returns prior results without re-running user code, and the first
	// non-memoized sleep or wait suspends the attempt by returning
	// engine.ErrSuspended up the call stack.
	Context interface {
		// ExecutionID returns the id of the running execution.
		ExecutionID() string
		// TaskID returns the id of the task being executed.
		TaskID() string
		// Attempt returns the current attempt number, starting at 1.
		Attempt() int

		// Step runs fn at most once and memoizes its result under stepID.
		// Replays return the memoized value without invoking fn. A
		// compensation declared with WithCompensation joins the in-memory
		// rollback stack whether the step ran or replayed.
		Step(ctx context.Context, stepID string, fn StepFunc, opts ...StepOption) (json.RawMessage, error)
		// Sleep suspends the execution for the given duration. Completed
		// sleeps replay as no-ops.
		Sleep(ctx context.Context, d time.Duration, opts ...WaitOption) error
		// WaitForSignal suspends until a matching signal is delivered,
		// returning its payload. With WithTimeout the wait fails with
		// engine.ErrSignalTimeout when the timer fires first.
		WaitForSignal(ctx context.Context, signal string, opts ...WaitOption) (json.RawMessage, error)
		// Emit publishes payload on the bus channel event:<event>, memoized
		// so replays do not re-publish.
		Emit(ctx context.Context, event string, payload any, opts ...WaitOption) error
		// Switch memoizes a branch choice: selector picks a branch id, the
		// branch function runs as a step, and both are persisted so replays
		// take the same path.
		Switch(ctx context.Context, stepID string, selector func(context.Context) (string, error), branches map[string]StepFunc, defaultBranch StepFunc) (json.RawMessage, error)
		// Note appends a free-form audit entry. Best-effort.
		Note(ctx context.Context, message string, meta map[string]any)
		// Rollback runs registered compensations in reverse order. A failing
		// compensation marks the execution compensation_failed and returns
		// engine.ErrCompensationFailed; remaining compensations do not run.
		Rollback(ctx context.Context) error
	}

	// StepFunc is the body of one step. Its return value is serialized to
	// JSON and memoized.
	StepFunc func(ctx context.Context) (any, error)

	// CompensationFunc undoes a completed step during rollback.
	CompensationFunc func(ctx context.Context) error

	// StepOption customizes a Step call.
	StepOption func(*stepOptions)

	// WaitOption customizes Sleep, WaitForSignal, and Emit calls.
	WaitOption func(*waitOptions)

	stepOptions struct {
		compensation CompensationFunc
	}

	waitOptions struct {
		stepID  string
		timeout time.Duration
	}

	compensation struct {
		stepID string
		fn     CompensationFunc
	}

	// Ctx is the store-backed Context implementation built by the executor
	// for each attempt. Not safe for concurrent use; workflow functions are
	// single-goroutine by contract.
	Ctx struct {
		store   engine.Store
		bus     engine.Bus
		audit   *Auditor
		logger  telemetry.Logger
		clock   func() time.Time
		exec    *engine.Execution
		attempt int

		sleepSeq  int
		emitSeq   int
		signalSeq map[string]int
		comps     []compensation
	}
)

// WithCompensation declares the undo handler for a step.
func WithCompensation(fn CompensationFunc) StepOption {
	return func(o *stepOptions) { o.compensation = fn }
}

// WithStepID overrides the derived step id of a sleep, wait, or emit.
func WithStepID(id string) WaitOption {
	return func(o *waitOptions) { o.stepID = id }
}

// WithTimeout bounds a WaitForSignal; zero means wait forever.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

func newCtx(store engine.Store, bus engine.Bus, audit *Auditor, logger telemetry.Logger, clock func() time.Time, exec *engine.Execution) *Ctx {
	return &Ctx{
		store:     store,
		bus:       bus,
		audit:     audit,
		logger:    logger,
		clock:     clock,
		exec:      exec,
		attempt:   exec.Attempt,
		signalSeq: make(map[string]int),
	}
}

// ExecutionID returns the id of the running execution.
func (c *Ctx) ExecutionID() string { return c.exec.ID }

// TaskID returns the id of the task being executed.
func (c *Ctx) TaskID() string { return c.exec.TaskID }

// Attempt returns the current attempt number.
func (c *Ctx) Attempt() int { return c.attempt }

// Step implements Context.
func (c *Ctx) Step(ctx context.Context, stepID string, fn StepFunc, opts ...StepOption) (json.RawMessage, error) {
	var o stepOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := c.checkCancelled(ctx); err != nil {
		return nil, err
	}
	if prior, err := c.store.LoadStepResult(ctx, c.exec.ID, stepID); err != nil {
		return nil, err
	} else if prior != nil {
		c.pushCompensation(stepID, o.compensation)
		return prior.Result, nil
	}
	out, err := fn(ctx)
	if err != nil {
		c.audit.Append(ctx, &engine.AuditEntry{
			ExecutionID: c.exec.ID, Attempt: c.attempt,
			Kind: engine.AuditStepFailed, StepID: stepID,
			Error: engine.NormalizeError(err),
		})
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("step %s: encode result: %w", stepID, err)
	}
	if err := c.store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: c.exec.ID, StepID: stepID, Result: raw, CompletedAt: c.clock(),
	}); err != nil {
		return nil, err
	}
	c.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: c.exec.ID, Attempt: c.attempt,
		Kind: engine.AuditStepCompleted, StepID: stepID,
	})
	c.pushCompensation(stepID, o.compensation)
	if err := c.checkCancelled(ctx); err != nil {
		return nil, err
	}
	return raw, nil
}

// Sleep implements Context. Derived ids are sleep:<n> where n counts Sleep
// calls within the workflow, so replay re-derives the same id.
func (c *Ctx) Sleep(ctx context.Context, d time.Duration, opts ...WaitOption) error {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	stepID := o.stepID
	if stepID == "" {
		stepID = fmt.Sprintf("sleep:%d", c.sleepSeq)
	}
	c.sleepSeq++

	prior, err := c.store.LoadStepResult(ctx, c.exec.ID, stepID)
	if err != nil {
		return err
	}
	if prior != nil {
		slot, err := engine.DecodeSlot(prior.Result)
		if err != nil {
			return err
		}
		if slot.State == engine.SlotCompleted {
			return nil
		}
		// Still waiting: the wake-up timer is already armed.
		return engine.ErrSuspended
	}

	now := c.clock()
	timerID := engine.SleepTimerID(c.exec.ID, stepID)
	if err := c.store.CreateTimer(ctx, &engine.Timer{
		ID:          timerID,
		Type:        engine.TimerSleep,
		FireAt:      now.Add(d),
		Status:      engine.TimerPending,
		ExecutionID: c.exec.ID,
		StepID:      stepID,
	}); err != nil {
		return err
	}
	if err := c.store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: c.exec.ID, StepID: stepID,
		Result:      engine.EncodeSlot(&engine.SignalSlot{State: engine.SlotWaiting, TimerID: timerID}),
		CompletedAt: now,
	}); err != nil {
		return err
	}
	c.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: c.exec.ID, Attempt: c.attempt,
		Kind: engine.AuditSleepStarted, StepID: stepID, TimerID: timerID,
	})
	return engine.ErrSuspended
}

// WaitForSignal implements Context. The n-th derived wait on a signal maps to
// the base slot for n = 0 and overflow slot :n beyond, matching the buffering
// order of signal delivery so earlier waiters consume earlier payloads. Waits
// named via WithStepID use their own slot and do not advance the sequence.
func (c *Ctx) WaitForSignal(ctx context.Context, signal string, opts ...WaitOption) (json.RawMessage, error) {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	var stepID string
	if o.stepID != "" {
		stepID = engine.SignalSlotID(o.stepID)
	} else {
		n := c.signalSeq[signal]
		if n == 0 {
			stepID = engine.SignalSlotID(signal)
		} else {
			stepID = engine.SignalSlotN(signal, n)
		}
		c.signalSeq[signal]++
	}

	prior, err := c.store.LoadStepResult(ctx, c.exec.ID, stepID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		slot, err := engine.DecodeSlot(prior.Result)
		if err != nil {
			return nil, err
		}
		switch slot.State {
		case engine.SlotCompleted:
			return slot.Payload, nil
		case engine.SlotTimedOut:
			return nil, engine.ErrSignalTimeout
		default:
			return nil, engine.ErrSuspended
		}
	}

	now := c.clock()
	slot := &engine.SignalSlot{State: engine.SlotWaiting, SignalID: signal}
	if o.timeout > 0 {
		slot.TimerID = engine.SignalTimeoutTimerID(c.exec.ID, stepID)
		if err := c.store.CreateTimer(ctx, &engine.Timer{
			ID:          slot.TimerID,
			Type:        engine.TimerSignalTimeout,
			FireAt:      now.Add(o.timeout),
			Status:      engine.TimerPending,
			ExecutionID: c.exec.ID,
			StepID:      stepID,
		}); err != nil {
			return nil, err
		}
	}
	if err := c.store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: c.exec.ID, StepID: stepID,
		Result:      engine.EncodeSlot(slot),
		CompletedAt: now,
	}); err != nil {
		return nil, err
	}
	c.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: c.exec.ID, Attempt: c.attempt,
		Kind: engine.AuditSignalWaiting, StepID: stepID, SignalID: signal, TimerID: slot.TimerID,
	})
	return nil, engine.ErrSuspended
}

// Emit implements Context. Derived ids are emit:<event>:<n>.
func (c *Ctx) Emit(ctx context.Context, event string, payload any, opts ...WaitOption) error {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	stepID := o.stepID
	if stepID == "" {
		stepID = fmt.Sprintf("emit:%s:%d", event, c.emitSeq)
	}
	c.emitSeq++

	if prior, err := c.store.LoadStepResult(ctx, c.exec.ID, stepID); err != nil {
		return err
	} else if prior != nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: encode payload: %w", event, err)
	}
	if c.bus != nil {
		if err := c.bus.Publish(ctx, engine.EventChannel(event), raw); err != nil {
			return err
		}
	}
	if err := c.store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: c.exec.ID, StepID: stepID, Result: raw, CompletedAt: c.clock(),
	}); err != nil {
		return err
	}
	c.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: c.exec.ID, Attempt: c.attempt,
		Kind: engine.AuditEventEmitted, StepID: stepID, Message: event,
	})
	return nil
}

// switchRecord is the memoized value of a Switch step.
type switchRecord struct {
	Branch string          `json:"branch"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Switch implements Context.
func (c *Ctx) Switch(ctx context.Context, stepID string, selector func(context.Context) (string, error), branches map[string]StepFunc, defaultBranch StepFunc) (json.RawMessage, error) {
	raw, err := c.Step(ctx, stepID, func(ctx context.Context) (any, error) {
		branch, err := selector(ctx)
		if err != nil {
			return nil, err
		}
		fn, ok := branches[branch]
		if !ok {
			if defaultBranch == nil {
				return nil, engine.Validationf("switch %s: no branch %q and no default", stepID, branch)
			}
			fn = defaultBranch
		}
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		res, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return &switchRecord{Branch: branch, Result: res}, nil
	})
	if err != nil {
		return nil, err
	}
	var rec switchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec.Result, nil
}

// Note implements Context.
func (c *Ctx) Note(ctx context.Context, message string, meta map[string]any) {
	c.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: c.exec.ID, Attempt: c.attempt,
		Kind: engine.AuditNote, Message: message, Meta: meta,
	})
}

// Rollback implements Context.
func (c *Ctx) Rollback(ctx context.Context) error {
	c.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: c.exec.ID, Attempt: c.attempt, Kind: engine.AuditRollbackStarted,
	})
	for i := len(c.comps) - 1; i >= 0; i-- {
		comp := c.comps[i]
		if err := comp.fn(ctx); err != nil {
			status := engine.StatusCompensationFailed
			info := engine.NormalizeError(err)
			if _, uerr := c.store.UpdateExecution(ctx, c.exec.ID, engine.ExecutionPatch{
				Status: &status, Error: info,
			}); uerr != nil {
				return uerr
			}
			c.audit.Append(ctx, &engine.AuditEntry{
				ExecutionID: c.exec.ID, Attempt: c.attempt,
				Kind: engine.AuditRollbackFailed, StepID: comp.stepID, Error: info,
			})
			return engine.ErrCompensationFailed
		}
		c.audit.Append(ctx, &engine.AuditEntry{
			ExecutionID: c.exec.ID, Attempt: c.attempt,
			Kind: engine.AuditStepCompensated, StepID: comp.stepID,
		})
	}
	c.comps = nil
	return nil
}

// compensateBestEffort unwinds the compensation stack ignoring failures. Used
// on cancellation where progress matters more than a clean undo.
func (c *Ctx) compensateBestEffort(ctx context.Context) {
	for i := len(c.comps) - 1; i >= 0; i-- {
		comp := c.comps[i]
		if err := comp.fn(ctx); err != nil {
			c.logger.Warn(ctx, "compensation failed during cancel",
				"execution_id", c.exec.ID, "step_id", comp.stepID, "err", err.Error())
			continue
		}
		c.audit.Append(ctx, &engine.AuditEntry{
			ExecutionID: c.exec.ID, Attempt: c.attempt,
			Kind: engine.AuditStepCompensated, StepID: comp.stepID,
		})
	}
	c.comps = nil
}

func (c *Ctx) pushCompensation(stepID string, fn CompensationFunc) {
	if fn != nil {
		c.comps = append(c.comps, compensation{stepID: stepID, fn: fn})
	}
}

// checkCancelled reloads the execution row and honors a pending cancellation
// request. Cancellation is cooperative: running step functions are never
// force-stopped, the check happens at step boundaries.
func (c *Ctx) checkCancelled(ctx context.Context) error {
	e, err := c.store.LoadExecution(ctx, c.exec.ID)
	if err != nil {
		return err
	}
	if e.CancelRequestedAt != nil || e.Status == engine.StatusCancelled {
		return engine.ErrCancelled
	}
	return nil
}

// StepAs decodes a Step result into T. It passes errors through so calls
// compose: v, err := runtime.StepAs[int](wf.Step(ctx, "count", fn)).
func StepAs[T any](raw json.RawMessage, err error) (T, error) {
	var v T
	if err != nil {
		return v, err
	}
	if len(raw) == 0 {
		return v, nil
	}
	if uerr := json.Unmarshal(raw, &v); uerr != nil {
		return v, uerr
	}
	return v, nil
}
