package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durable/engine"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := New(Options{Redis: client, Namespace: "test"})
	require.NoError(t, err)
	return store, mr
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	assert.EqualError(t, err, "redis client is required")

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	var verr *engine.ValidationError
	_, err = New(Options{Redis: client, Namespace: "  "})
	assert.ErrorAs(t, err, &verr)
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	exec := &engine.Execution{
		ID: "e1", TaskID: "order", Status: engine.StatusPending,
		Input: json.RawMessage(`{"n":1}`), Attempt: 1, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.LoadExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPending, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Input))

	running := engine.StatusRunning
	got, err = store.UpdateExecution(ctx, "e1", engine.ExecutionPatch{Status: &running})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRunning, got.Status)

	completed := engine.StatusCompleted
	done := time.Now().UTC()
	got, err = store.UpdateExecution(ctx, "e1", engine.ExecutionPatch{
		Status: &completed, Result: json.RawMessage(`"ok"`), CompletedAt: &done, ClearError: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(got.Result))
	require.NotNil(t, got.CompletedAt)

	_, err = store.LoadExecution(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = store.UpdateExecution(ctx, "missing", engine.ExecutionPatch{})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestListExecutions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, spec := range []struct {
		id     string
		task   string
		status engine.Status
	}{
		{"e1", "a", engine.StatusCompleted},
		{"e2", "a", engine.StatusRunning},
		{"e3", "b", engine.StatusCompensationFailed},
		{"e4", "b", engine.StatusSleeping},
	} {
		require.NoError(t, store.SaveExecution(ctx, &engine.Execution{
			ID: spec.id, TaskID: spec.task, Status: spec.status,
			Attempt: 1, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	incomplete, err := store.ListIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 3)
	assert.Equal(t, "e2", incomplete[0].ID)

	stuck, err := store.ListStuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "e3", stuck[0].ID)

	// Newest first, filtered by task.
	byTask, err := store.ListExecutions(ctx, engine.ExecutionFilter{TaskID: "b"})
	require.NoError(t, err)
	require.Len(t, byTask, 2)
	assert.Equal(t, "e4", byTask[0].ID)

	byStatus, err := store.ListExecutions(ctx, engine.ExecutionFilter{
		Statuses: []engine.Status{engine.StatusRunning, engine.StatusSleeping}, Limit: 1, Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "e2", byStatus[0].ID)
}

func TestStepResults(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	r, err := store.LoadStepResult(ctx, "e1", "missing")
	require.NoError(t, err)
	assert.Nil(t, r)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"charge", "reserve", "notify"} {
		require.NoError(t, store.SaveStepResult(ctx, &engine.StepResult{
			ExecutionID: "e1", StepID: id,
			Result:      json.RawMessage(`"` + id + `"`),
			CompletedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	r, err = store.LoadStepResult(ctx, "e1", "reserve")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, `"reserve"`, string(r.Result))

	all, err := store.ListStepResults(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "charge", all[0].StepID)
	assert.Equal(t, "notify", all[2].StepID)

	// Overwrite keeps a single row.
	require.NoError(t, store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: "e1", StepID: "charge",
		Result: json.RawMessage(`"charged-again"`), CompletedAt: base,
	}))
	all, err = store.ListStepResults(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTimers(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.CreateTimer(ctx, &engine.Timer{
		ID: "t2", Type: engine.TimerSleep, FireAt: now.Add(2 * time.Millisecond), ExecutionID: "e1",
	}))
	require.NoError(t, store.CreateTimer(ctx, &engine.Timer{
		ID: "t1", Type: engine.TimerRetry, FireAt: now.Add(time.Millisecond), ExecutionID: "e1",
	}))
	require.NoError(t, store.CreateTimer(ctx, &engine.Timer{
		ID: "later", Type: engine.TimerSleep, FireAt: now.Add(time.Hour), ExecutionID: "e1",
	}))

	ready, err := store.ReadyTimers(ctx, now.Add(10*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "t1", ready[0].ID)
	assert.Equal(t, "t2", ready[1].ID)
	assert.Equal(t, engine.TimerPending, ready[0].Status)

	// Replacement moves the fire time.
	require.NoError(t, store.CreateTimer(ctx, &engine.Timer{
		ID: "t1", Type: engine.TimerRetry, FireAt: now.Add(time.Hour), ExecutionID: "e1",
	}))
	ready, err = store.ReadyTimers(ctx, now.Add(10*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "t2", ready[0].ID)

	require.NoError(t, store.MarkTimerFired(ctx, "t2"))
	ready, err = store.ReadyTimers(ctx, now.Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, store.DeleteTimer(ctx, "t2"))
	require.NoError(t, store.DeleteTimer(ctx, "t2"))
	require.NoError(t, store.MarkTimerFired(ctx, "never-created"))
}

func TestClaimTimer(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	ok, err := store.ClaimTimer(ctx, "t1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A rival worker loses; the holder renews.
	ok, err = store.ClaimTimer(ctx, "t1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.ClaimTimer(ctx, "t1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// After expiry anyone can claim.
	mr.FastForward(2 * time.Minute)
	ok, err = store.ClaimTimer(ctx, "t1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSchedules(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.CreateSchedule(ctx, &engine.Schedule{
		ID: "s1", TaskID: "report", Type: engine.ScheduleCron, Pattern: "0 9 * * *",
		Status: engine.ScheduleActive, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.CreateSchedule(ctx, &engine.Schedule{
		ID: "s2", TaskID: "cleanup", Type: engine.ScheduleInterval, Pattern: "60000",
		Status: engine.SchedulePaused, CreatedAt: now, UpdatedAt: now,
	}))

	sc, err := store.LoadSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", sc.Pattern)

	pattern := "30 9 * * *"
	lastRun := now.Add(time.Minute)
	sc, err = store.UpdateSchedule(ctx, "s1", engine.SchedulePatch{
		Pattern: &pattern, LastRun: &lastRun, Input: json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, pattern, sc.Pattern)
	require.NotNil(t, sc.LastRun)
	assert.JSONEq(t, `{"v":1}`, string(sc.Input))

	all, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s1", all[0].ID)

	active, err := store.ListActiveSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s1", active[0].ID)

	require.NoError(t, store.DeleteSchedule(ctx, "s2"))
	_, err = store.LoadSchedule(ctx, "s2")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = store.UpdateSchedule(ctx, "s2", engine.SchedulePatch{})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestAuditEntries(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	kinds := []engine.AuditKind{engine.AuditExecutionStarted, engine.AuditStepCompleted, engine.AuditExecutionCompleted}
	for i, kind := range kinds {
		at := base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, store.AppendAuditEntry(ctx, &engine.AuditEntry{
			ID: engine.NewAuditID(at), ExecutionID: "e1", Attempt: 1, At: at, Kind: kind,
		}))
	}

	entries, err := store.ListAuditEntries(ctx, "e1", engine.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, engine.AuditExecutionStarted, entries[0].Kind)
	assert.Equal(t, engine.AuditExecutionCompleted, entries[2].Kind)

	page, err := store.ListAuditEntries(ctx, "e1", engine.Page{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, engine.AuditStepCompleted, page[0].Kind)
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	lockID, err := store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, lockID)

	second, err := store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	// Release with the wrong id is a no-op.
	require.NoError(t, store.ReleaseLock(ctx, "execution:e1", "bogus"))
	second, err = store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, store.ReleaseLock(ctx, "execution:e1", lockID))
	third, err := store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, third)

	// Expired locks free themselves.
	mr.FastForward(2 * time.Minute)
	fourth, err := store.AcquireLock(ctx, "execution:e1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, fourth)
}

func TestOperatorActions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.SaveExecution(ctx, &engine.Execution{
		ID: "e1", TaskID: "order", Status: engine.StatusCompensationFailed,
		Error: &engine.ErrorInfo{Message: "undo failed"}, Attempt: 2, CreatedAt: now,
	}))

	require.NoError(t, store.RetryRollback(ctx, "e1"))
	got, err := store.LoadExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPending, got.Status)
	assert.Nil(t, got.Error)

	// RetryRollback only applies to compensation_failed.
	var verr *engine.ValidationError
	assert.ErrorAs(t, store.RetryRollback(ctx, "e1"), &verr)
	assert.ErrorIs(t, store.RetryRollback(ctx, "missing"), engine.ErrNotFound)

	require.NoError(t, store.ForceFail(ctx, "e1", &engine.ErrorInfo{Message: "operator gave up"}))
	got, err = store.LoadExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, store.SkipStep(ctx, "e1", "charge"))
	r, err := store.LoadStepResult(ctx, "e1", "charge")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "null", string(r.Result))

	require.NoError(t, store.EditStepResult(ctx, "e1", "charge", json.RawMessage(`{"fixed":true}`)))
	r, err = store.LoadStepResult(ctx, "e1", "charge")
	require.NoError(t, err)
	assert.JSONEq(t, `{"fixed":true}`, string(r.Result))
}

func TestIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	got, err := store.ExecutionIDByIdempotencyKey(ctx, "order", "key-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	winner, err := store.SetExecutionIDByIdempotencyKey(ctx, "order", "key-1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", winner)

	// The losing write observes the winner.
	winner, err = store.SetExecutionIDByIdempotencyKey(ctx, "order", "key-1", "e2")
	require.NoError(t, err)
	assert.Equal(t, "e1", winner)

	// Keys are scoped per task.
	winner, err = store.SetExecutionIDByIdempotencyKey(ctx, "refund", "key-1", "e3")
	require.NoError(t, err)
	assert.Equal(t, "e3", winner)
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	a, err := New(Options{Redis: client, Namespace: "tenant-a"})
	require.NoError(t, err)
	b, err := New(Options{Redis: client, Namespace: "tenant-b"})
	require.NoError(t, err)

	require.NoError(t, a.SaveExecution(ctx, &engine.Execution{
		ID: "e1", TaskID: "t", Status: engine.StatusPending, CreatedAt: time.Now().UTC(),
	}))

	_, err = b.LoadExecution(ctx, "e1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
