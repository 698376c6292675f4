package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

// maxSignalSlots caps the overflow scan so a runaway producer cannot grow an
// execution's slot set without bound.
const maxSignalSlots = 10000

type (
	// Signals delivers external signals into waiting slots and buffers
	// overflow, serialized per execution by the signal advisory lock.
	Signals struct {
		store   engine.Store
		audit   *Auditor
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time
		resume  func(ctx context.Context, executionID string) error

		lockTTL time.Duration
	}

	// slotRef pairs a slot's step id with its decoded state during candidate
	// selection.
	slotRef struct {
		stepID string
		index  int
		custom bool
		slot   *engine.SignalSlot
	}
)

func newSignals(store engine.Store, audit *Auditor, logger telemetry.Logger, metrics telemetry.Metrics, clock func() time.Time, resume func(context.Context, string) error, lockTTL time.Duration) *Signals {
	return &Signals{
		store:   store,
		audit:   audit,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
		resume:  resume,
		lockTTL: lockTTL,
	}
}

// Deliver routes one signal to the execution. The best waiting slot receives
// the payload; with no waiter the payload is buffered into the next numeric
// overflow slot for a future WaitForSignal to consume. Signals to missing
// executions write the slot but trigger no resume.
func (s *Signals) Deliver(ctx context.Context, executionID, signal string, payload json.RawMessage) error {
	lockID, err := s.store.AcquireLock(ctx, engine.SignalLockResource(executionID), s.lockTTL)
	if err != nil {
		return err
	}
	if lockID == "" {
		return engine.ErrLockContention
	}
	defer func() {
		if rerr := s.store.ReleaseLock(context.WithoutCancel(ctx), engine.SignalLockResource(executionID), lockID); rerr != nil {
			s.logger.Warn(ctx, "signal lock release failed", "execution_id", executionID, "err", rerr.Error())
		}
	}()

	candidates, err := s.candidateSlots(ctx, executionID, signal)
	if err != nil {
		return err
	}

	if best := pickWaiting(candidates); best != nil {
		if err := s.completeSlot(ctx, executionID, signal, best, payload); err != nil {
			return err
		}
	} else {
		if err := s.bufferOverflow(ctx, executionID, signal, candidates, payload); err != nil {
			return err
		}
	}

	exec, err := s.store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil
		}
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	return s.resume(ctx, executionID)
}

// candidateSlots enumerates the execution's slots belonging to the signal:
// the base slot, numeric overflow slots, and custom-named waiting slots
// tagged with the signal id.
func (s *Signals) candidateSlots(ctx context.Context, executionID, signal string) ([]*slotRef, error) {
	results, err := s.store.ListStepResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var refs []*slotRef
	for _, r := range results {
		if !engine.IsSignalSlot(r.StepID) {
			continue
		}
		slot, derr := engine.DecodeSlot(r.Result)
		if n, ok := engine.SignalSlotIndex(r.StepID, signal); ok {
			if derr != nil {
				return nil, derr
			}
			refs = append(refs, &slotRef{stepID: r.StepID, index: n, slot: slot})
			continue
		}
		// Custom-named slots match by the signal id recorded in the slot.
		if derr != nil {
			return nil, derr
		}
		if slot.SignalID == signal {
			refs = append(refs, &slotRef{stepID: r.StepID, custom: true, slot: slot})
		}
	}
	return refs, nil
}

// pickWaiting selects the best waiting slot: the base slot first, then the
// smallest numeric overflow index, then the lexicographically smallest custom
// step id.
func pickWaiting(refs []*slotRef) *slotRef {
	var waiting []*slotRef
	for _, r := range refs {
		if r.slot.State == engine.SlotWaiting {
			waiting = append(waiting, r)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	sort.Slice(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		if a.custom != b.custom {
			return !a.custom
		}
		if a.custom {
			return a.stepID < b.stepID
		}
		return a.index < b.index
	})
	return waiting[0]
}

func (s *Signals) completeSlot(ctx context.Context, executionID, signal string, ref *slotRef, payload json.RawMessage) error {
	if err := s.store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: executionID,
		StepID:      ref.stepID,
		Result: engine.EncodeSlot(&engine.SignalSlot{
			State: engine.SlotCompleted, SignalID: signal, Payload: payload,
		}),
		CompletedAt: s.clock(),
	}); err != nil {
		return err
	}
	if ref.slot.TimerID != "" {
		if err := s.store.DeleteTimer(ctx, ref.slot.TimerID); err != nil {
			return err
		}
	}
	s.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: executionID, Kind: engine.AuditSignalDelivered,
		SignalID: signal, StepID: ref.stepID,
	})
	s.metrics.IncCounter(telemetry.MetricSignalsDelivered, 1, "outcome", "delivered")
	return nil
}

// bufferOverflow writes the payload into the first free numeric slot:
// base, :1, :2, ... up to the safety cap.
func (s *Signals) bufferOverflow(ctx context.Context, executionID, signal string, refs []*slotRef, payload json.RawMessage) error {
	occupied := make(map[int]bool)
	for _, r := range refs {
		if !r.custom {
			occupied[r.index] = true
		}
	}
	target := -1
	for n := 0; n < maxSignalSlots; n++ {
		if !occupied[n] {
			target = n
			break
		}
	}
	if target < 0 {
		return engine.ErrTooManySignalSlots
	}
	stepID := engine.SignalSlotID(signal)
	if target > 0 {
		stepID = engine.SignalSlotN(signal, target)
	}
	if err := s.store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result: engine.EncodeSlot(&engine.SignalSlot{
			State: engine.SlotCompleted, SignalID: signal, Payload: payload,
		}),
		CompletedAt: s.clock(),
	}); err != nil {
		return err
	}
	s.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: executionID, Kind: engine.AuditSignalBuffered,
		SignalID: signal, StepID: stepID,
	})
	s.metrics.IncCounter(telemetry.MetricSignalsDelivered, 1, "outcome", "buffered")
	return nil
}

// TimeOut expires a still-waiting slot after its timeout timer fired. The
// poller calls this for signal_timeout timers; delivered slots are left
// untouched.
func (s *Signals) TimeOut(ctx context.Context, executionID, stepID string) (bool, error) {
	prior, err := s.store.LoadStepResult(ctx, executionID, stepID)
	if err != nil {
		return false, err
	}
	if prior == nil {
		return false, nil
	}
	slot, err := engine.DecodeSlot(prior.Result)
	if err != nil {
		return false, err
	}
	if slot.State != engine.SlotWaiting {
		return false, nil
	}
	if err := s.store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result: engine.EncodeSlot(&engine.SignalSlot{
			State: engine.SlotTimedOut, SignalID: slot.SignalID,
		}),
		CompletedAt: s.clock(),
	}); err != nil {
		return false, err
	}
	s.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: executionID, Kind: engine.AuditSignalTimedOut,
		SignalID: slot.SignalID, StepID: stepID,
	})
	s.metrics.IncCounter(telemetry.MetricSignalsDelivered, 1, "outcome", "timed_out")
	return true, nil
}
