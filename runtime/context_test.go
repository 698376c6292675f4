package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durable/engine"
	"goa.design/durable/engine/inmem"
	"goa.design/durable/telemetry"
)

func newTestCtx(t *testing.T, store engine.Store, bus engine.Bus) *Ctx {
	t.Helper()
	now := time.Now().UTC()
	exec := &engine.Execution{
		ID: "e1", TaskID: "t", Status: engine.StatusRunning,
		Attempt: 1, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveExecution(context.Background(), exec))
	logger := telemetry.NewNoopLogger()
	return newCtx(store, bus, NewAuditor(store, logger, time.Now), logger, time.Now, exec)
}

func TestStepMemoization(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	runs := 0
	fn := func(context.Context) (any, error) {
		runs++
		return map[string]int{"n": runs}, nil
	}

	first, err := wf.Step(ctx, "compute", fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(first))

	// Same step id replays the memoized value; fn does not run again.
	second, err := wf.Step(ctx, "compute", fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(second))
	assert.Equal(t, 1, runs)

	// A different id runs fresh.
	third, err := wf.Step(ctx, "compute-again", fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(third))
}

func TestStepFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	_, err := wf.Step(ctx, "broken", func(context.Context) (any, error) {
		return nil, errors.New("nope")
	})
	require.EqualError(t, err, "nope")

	r, err := store.LoadStepResult(ctx, "e1", "broken")
	require.NoError(t, err)
	assert.Nil(t, r)

	// The step can succeed on a later attempt.
	out, err := wf.Step(ctx, "broken", func(context.Context) (any, error) {
		return "fixed", nil
	})
	require.NoError(t, err)
	assert.Equal(t, `"fixed"`, string(out))
}

func TestRollbackReverseOrder(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	var undone []string
	undo := func(name string) CompensationFunc {
		return func(context.Context) error {
			undone = append(undone, name)
			return nil
		}
	}
	for _, name := range []string{"a", "b", "c"} {
		_, err := wf.Step(ctx, name, func(context.Context) (any, error) {
			return name, nil
		}, WithCompensation(undo(name)))
		require.NoError(t, err)
	}

	require.NoError(t, wf.Rollback(ctx))
	assert.Equal(t, []string{"c", "b", "a"}, undone)
}

func TestRollbackStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	var undone []string
	steps := []struct {
		name string
		comp CompensationFunc
	}{
		{"a", func(context.Context) error { undone = append(undone, "a"); return nil }},
		{"b", func(context.Context) error { return errors.New("undo b failed") }},
		{"c", func(context.Context) error { undone = append(undone, "c"); return nil }},
	}
	for _, s := range steps {
		_, err := wf.Step(ctx, s.name, func(context.Context) (any, error) { return s.name, nil },
			WithCompensation(s.comp))
		require.NoError(t, err)
	}

	err := wf.Rollback(ctx)
	assert.ErrorIs(t, err, engine.ErrCompensationFailed)
	// c ran first (reverse order), b failed, a never ran.
	assert.Equal(t, []string{"c"}, undone)

	exec, lerr := store.LoadExecution(ctx, "e1")
	require.NoError(t, lerr)
	assert.Equal(t, engine.StatusCompensationFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "undo b failed", exec.Error.Message)
}

func TestCompensationRegisteredOnReplay(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()

	// First attempt completes the step.
	wf := newTestCtx(t, store, nil)
	var undone bool
	comp := func(context.Context) error { undone = true; return nil }
	_, err := wf.Step(ctx, "reserve", func(context.Context) (any, error) { return "r", nil },
		WithCompensation(comp))
	require.NoError(t, err)

	// A replayed attempt still registers the compensation for memoized steps.
	replay := newCtx(store, nil, NewAuditor(store, telemetry.NewNoopLogger(), time.Now), telemetry.NewNoopLogger(), time.Now, wf.exec)
	_, err = replay.Step(ctx, "reserve", func(context.Context) (any, error) {
		t.Fatal("memoized step must not run")
		return nil, nil
	}, WithCompensation(comp))
	require.NoError(t, err)
	require.NoError(t, replay.Rollback(ctx))
	assert.True(t, undone)
}

func TestSwitchMemoizesBranch(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	var selectorRuns, branchRuns int
	selector := func(context.Context) (string, error) {
		selectorRuns++
		return "premium", nil
	}
	branches := map[string]StepFunc{
		"premium": func(context.Context) (any, error) { branchRuns++; return "gold", nil },
		"basic":   func(context.Context) (any, error) { t.Fatal("wrong branch"); return nil, nil },
	}

	out, err := wf.Switch(ctx, "tier", selector, branches, nil)
	require.NoError(t, err)
	assert.Equal(t, `"gold"`, string(out))

	out, err = wf.Switch(ctx, "tier", selector, branches, nil)
	require.NoError(t, err)
	assert.Equal(t, `"gold"`, string(out))
	assert.Equal(t, 1, selectorRuns)
	assert.Equal(t, 1, branchRuns)
}

func TestSwitchDefaultBranch(t *testing.T) {
	ctx := context.Background()
	wf := newTestCtx(t, inmem.NewStore(), nil)

	out, err := wf.Switch(ctx, "tier",
		func(context.Context) (string, error) { return "unmapped", nil },
		map[string]StepFunc{},
		func(context.Context) (any, error) { return "fallback", nil })
	require.NoError(t, err)
	assert.Equal(t, `"fallback"`, string(out))

	var verr *engine.ValidationError
	_, err = wf.Switch(ctx, "tier2",
		func(context.Context) (string, error) { return "unmapped", nil },
		map[string]StepFunc{}, nil)
	assert.ErrorAs(t, err, &verr)
}

func TestEmitMemoized(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	bus := inmem.NewBus()
	wf := newTestCtx(t, store, bus)

	events, cancel, err := bus.Subscribe(ctx, engine.EventChannel("order.placed"))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, wf.Emit(ctx, "order.placed", map[string]int{"id": 7}, WithStepID("emit-placed")))
	select {
	case p := <-events:
		assert.JSONEq(t, `{"id":7}`, string(p))
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}

	// Replay with the same step id publishes nothing.
	replay := newCtx(store, bus, NewAuditor(store, telemetry.NewNoopLogger(), time.Now), telemetry.NewNoopLogger(), time.Now, wf.exec)
	require.NoError(t, replay.Emit(ctx, "order.placed", map[string]int{"id": 7}, WithStepID("emit-placed")))
	select {
	case <-events:
		t.Fatal("memoized emit re-published")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNoteAppendsAudit(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	wf.Note(ctx, "checkpoint reached", map[string]any{"zone": "eu"})

	entries, err := store.ListAuditEntries(ctx, "e1", engine.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, engine.AuditNote, entries[0].Kind)
	assert.Equal(t, "checkpoint reached", entries[0].Message)
	assert.Equal(t, "eu", entries[0].Meta["zone"])
}

func TestSleepDerivedIDsAreStable(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	err := wf.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, engine.ErrSuspended)

	r, err := store.LoadStepResult(ctx, "e1", "sleep:0")
	require.NoError(t, err)
	require.NotNil(t, r)
	slot, err := engine.DecodeSlot(r.Result)
	require.NoError(t, err)
	assert.Equal(t, engine.SlotWaiting, slot.State)
	assert.Equal(t, engine.SleepTimerID("e1", "sleep:0"), slot.TimerID)

	// Replay derives the same id and finds the waiting slot.
	replay := newCtx(store, nil, NewAuditor(store, telemetry.NewNoopLogger(), time.Now), telemetry.NewNoopLogger(), time.Now, wf.exec)
	assert.ErrorIs(t, replay.Sleep(ctx, time.Hour), engine.ErrSuspended)

	// Exactly one sleep timer exists despite the replay.
	ready, err := store.ReadyTimers(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestWaitForSignalSequenceMapping(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	// Two buffered payloads wait in slot order.
	saveSlot(t, store, "e1", engine.SignalSlotID("paid"), &engine.SignalSlot{
		State: engine.SlotCompleted, SignalID: "paid", Payload: json.RawMessage(`1`),
	})
	saveSlot(t, store, "e1", engine.SignalSlotN("paid", 1), &engine.SignalSlot{
		State: engine.SlotCompleted, SignalID: "paid", Payload: json.RawMessage(`2`),
	})

	first, err := wf.WaitForSignal(ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, `1`, string(first))

	second, err := wf.WaitForSignal(ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, `2`, string(second))

	// The third wait finds no slot and suspends.
	_, err = wf.WaitForSignal(ctx, "paid")
	assert.ErrorIs(t, err, engine.ErrSuspended)
}

func TestWaitForSignalCustomIDKeepsSequence(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	wf := newTestCtx(t, store, nil)

	saveSlot(t, store, "e1", engine.SignalSlotID("paid"), &engine.SignalSlot{
		State: engine.SlotCompleted, SignalID: "paid", Payload: json.RawMessage(`1`),
	})
	saveSlot(t, store, "e1", engine.SignalSlotID("receipt"), &engine.SignalSlot{
		State: engine.SlotCompleted, SignalID: "paid", Payload: json.RawMessage(`2`),
	})

	// A custom-named wait consumes its own slot and leaves the derived
	// sequence untouched.
	custom, err := wf.WaitForSignal(ctx, "paid", WithStepID("receipt"))
	require.NoError(t, err)
	assert.Equal(t, `2`, string(custom))

	// The next derived wait still maps to the base slot, not :1.
	base, err := wf.WaitForSignal(ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, `1`, string(base))
}

func TestStepAsDecodes(t *testing.T) {
	v, err := StepAs[int](json.RawMessage(`42`), nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = StepAs[int](nil, errors.New("upstream"))
	assert.EqualError(t, err, "upstream")

	zero, err := StepAs[string](nil, nil)
	require.NoError(t, err)
	assert.Empty(t, zero)
}
