package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durable/engine"
	"goa.design/durable/engine/inmem"
	"goa.design/durable/telemetry"
)

func newTestWaiter(store engine.Store, bus engine.Bus) *Waiter {
	return newWaiter(store, bus, telemetry.NewNoopLogger(), time.Now)
}

func saveExec(t *testing.T, store engine.Store, e *engine.Execution) {
	t.Helper()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, store.SaveExecution(context.Background(), e))
}

func TestWaitAlreadyCompleted(t *testing.T) {
	store := inmem.NewStore()
	saveExec(t, store, &engine.Execution{
		ID: "e1", TaskID: "t", Status: engine.StatusCompleted,
		Result: json.RawMessage(`{"ok":true}`), Attempt: 1,
	})

	result, err := newTestWaiter(store, nil).Wait(context.Background(), "e1", WaitOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestWaitFailedExecution(t *testing.T) {
	store := inmem.NewStore()
	saveExec(t, store, &engine.Execution{
		ID: "e1", TaskID: "t", Status: engine.StatusFailed,
		Error: &engine.ErrorInfo{Message: "boom"}, Attempt: 3,
	})

	_, err := newTestWaiter(store, nil).Wait(context.Background(), "e1", WaitOptions{})
	var xerr *engine.ExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, "e1", xerr.ExecutionID)
	assert.Equal(t, "t", xerr.TaskID)
	assert.Equal(t, 3, xerr.Attempt)
	assert.Equal(t, "boom", xerr.Cause.Message)
}

func TestWaitMissingExecution(t *testing.T) {
	store := inmem.NewStore()
	_, err := newTestWaiter(store, nil).Wait(context.Background(), "ghost", WaitOptions{})
	var xerr *engine.ExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, "unknown", xerr.TaskID)
	assert.Equal(t, 0, xerr.Attempt)
}

func TestWaitTimeout(t *testing.T) {
	store := inmem.NewStore()
	saveExec(t, store, &engine.Execution{
		ID: "e1", TaskID: "t", Status: engine.StatusRunning, Attempt: 1,
	})

	start := time.Now()
	_, err := newTestWaiter(store, nil).Wait(context.Background(), "e1", WaitOptions{
		Timeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond,
	})
	var xerr *engine.ExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, "wait timed out", xerr.Cause.Message)
	assert.Equal(t, "t", xerr.TaskID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitPollingResolves(t *testing.T) {
	store := inmem.NewStore()
	saveExec(t, store, &engine.Execution{
		ID: "e1", TaskID: "t", Status: engine.StatusRunning, Attempt: 1,
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		completed := engine.StatusCompleted
		_, _ = store.UpdateExecution(context.Background(), "e1", engine.ExecutionPatch{
			Status: &completed, Result: json.RawMessage(`"late"`),
		})
	}()

	result, err := newTestWaiter(store, nil).Wait(context.Background(), "e1", WaitOptions{
		Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, `"late"`, string(result))
}

func TestWaitWakesOnBusPublish(t *testing.T) {
	store := inmem.NewStore()
	bus := inmem.NewBus()
	saveExec(t, store, &engine.Execution{
		ID: "e1", TaskID: "t", Status: engine.StatusRunning, Attempt: 1,
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		completed := engine.StatusCompleted
		exec, _ := store.UpdateExecution(context.Background(), "e1", engine.ExecutionPatch{
			Status: &completed, Result: json.RawMessage(`"notified"`),
		})
		_ = bus.Publish(context.Background(), engine.ExecutionChannel("e1"), engine.EncodeFinished(exec, time.Now()))
	}()

	// Long poll interval: only the bus notification can resolve this fast.
	start := time.Now()
	result, err := newTestWaiter(store, bus).Wait(context.Background(), "e1", WaitOptions{
		Timeout: 5 * time.Second, PollInterval: 3 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, `"notified"`, string(result))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitContextCancelled(t *testing.T) {
	store := inmem.NewStore()
	saveExec(t, store, &engine.Execution{
		ID: "e1", TaskID: "t", Status: engine.StatusRunning, Attempt: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := newTestWaiter(store, nil).Wait(ctx, "e1", WaitOptions{PollInterval: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}
