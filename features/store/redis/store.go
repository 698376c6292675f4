// Package redis provides a Redis-backed engine.Store so multiple workers can
// share executions, timers, schedules, and locks through one Redis instance.
// Callers build a Redis client, pass it to New, and receive a store that
// implements engine.Store and engine.IdempotencyStore.
//
// All keys live under the "durable:<namespace>:" prefix. Namespaces isolate
// tenants sharing a Redis instance; two stores with different namespaces never
// observe each other's state.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"goa.design/durable/engine"
)

type (
	// Options configures the store.
	Options struct {
		// Redis is the Redis connection backing the store. Required.
		Redis *goredis.Client
		// Namespace isolates this store's keys from other tenants. Defaults
		// to "default".
		Namespace string
		// Clock overrides the time source. Defaults to time.Now.
		Clock func() time.Time
	}

	// Store implements engine.Store and engine.IdempotencyStore on Redis.
	Store struct {
		rdb    *goredis.Client
		prefix string
		clock  func() time.Time
	}
)

// claimScript grants or renews a timer lease: SET NX PX for a fresh claim,
// PEXPIRE when the caller already holds it.
var claimScript = goredis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the lock key only while the caller still holds it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// New constructs a Redis store. The Redis field in opts is required.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "default"
	}
	ns, err := engine.Namespace(namespace)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{rdb: opts.Redis, prefix: "durable:" + ns + ":", clock: clock}, nil
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) execKey(id string) string        { return s.key("exec", id) }
func (s *Store) execIndexKey() string            { return s.key("execs") }
func (s *Store) stepKey(eid, sid string) string  { return s.key("step", eid, sid) }
func (s *Store) stepIndexKey(eid string) string  { return s.key("steps", eid) }
func (s *Store) timerKey(id string) string       { return s.key("timer", id) }
func (s *Store) timerIndexKey() string           { return s.key("timers") }
func (s *Store) claimKey(id string) string       { return s.key("claim", id) }
func (s *Store) scheduleKey(id string) string    { return s.key("sched", id) }
func (s *Store) scheduleIndexKey() string        { return s.key("scheds") }
func (s *Store) auditKey(eid string) string      { return s.key("audit", eid) }
func (s *Store) lockKey(resource string) string  { return s.key("lock", resource) }
func (s *Store) idemKey(task, key string) string { return s.key("idem", task, key) }

// SaveExecution persists a new execution row and indexes it by creation time.
func (s *Store) SaveExecution(ctx context.Context, e *engine.Execution) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.execKey(e.ID), b, 0)
	pipe.ZAdd(ctx, s.execIndexKey(), goredis.Z{Score: float64(e.CreatedAt.UnixMilli()), Member: e.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// LoadExecution returns the execution or engine.ErrNotFound.
func (s *Store) LoadExecution(ctx context.Context, id string) (*engine.Execution, error) {
	b, err := s.rdb.Get(ctx, s.execKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e engine.Execution
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExecution applies the patch under an optimistic transaction and
// returns the updated row. Concurrent patches retry until the write lands on
// an unmodified key.
func (s *Store) UpdateExecution(ctx context.Context, id string, patch engine.ExecutionPatch) (*engine.Execution, error) {
	var updated *engine.Execution
	err := s.withExecution(ctx, id, func(e *engine.Execution) error {
		applyExecutionPatch(e, patch, s.clock())
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// withExecution runs a read-modify-write cycle on one execution row guarded by
// WATCH, retrying on conflicting concurrent writes.
func (s *Store) withExecution(ctx context.Context, id string, mutate func(*engine.Execution) error) error {
	key := s.execKey(id)
	for {
		err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			b, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				return engine.ErrNotFound
			}
			if err != nil {
				return err
			}
			var e engine.Execution
			if err := json.Unmarshal(b, &e); err != nil {
				return err
			}
			if err := mutate(&e); err != nil {
				return err
			}
			out, err := json.Marshal(&e)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
}

// ListIncomplete returns executions that are not in a terminal state, oldest
// first.
func (s *Store) ListIncomplete(ctx context.Context) ([]*engine.Execution, error) {
	all, err := s.loadAllExecutions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*engine.Execution
	for _, e := range all {
		if !e.Status.Terminal() {
			out = append(out, e)
		}
	}
	sortExecutionsAsc(out)
	return out, nil
}

// ListStuck returns executions in compensation_failed, oldest first.
func (s *Store) ListStuck(ctx context.Context) ([]*engine.Execution, error) {
	all, err := s.loadAllExecutions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*engine.Execution
	for _, e := range all {
		if e.Status == engine.StatusCompensationFailed {
			out = append(out, e)
		}
	}
	sortExecutionsAsc(out)
	return out, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter engine.ExecutionFilter) ([]*engine.Execution, error) {
	all, err := s.loadAllExecutions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*engine.Execution
	for _, e := range all {
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *Store) loadAllExecutions(ctx context.Context) ([]*engine.Execution, error) {
	ids, err := s.rdb.ZRange(ctx, s.execIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*engine.Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.LoadExecution(ctx, id)
		if errors.Is(err, engine.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LoadStepResult returns the memoized result or (nil, nil) when absent.
func (s *Store) LoadStepResult(ctx context.Context, executionID, stepID string) (*engine.StepResult, error) {
	b, err := s.rdb.Get(ctx, s.stepKey(executionID, stepID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r engine.StepResult
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveStepResult persists a step result, overwriting any prior value.
func (s *Store) SaveStepResult(ctx context.Context, r *engine.StepResult) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.stepKey(r.ExecutionID, r.StepID), b, 0)
	pipe.SAdd(ctx, s.stepIndexKey(r.ExecutionID), r.StepID)
	_, err = pipe.Exec(ctx)
	return err
}

// ListStepResults returns step results ordered by CompletedAt, then StepID.
func (s *Store) ListStepResults(ctx context.Context, executionID string) ([]*engine.StepResult, error) {
	ids, err := s.rdb.SMembers(ctx, s.stepIndexKey(executionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*engine.StepResult, 0, len(ids))
	for _, id := range ids {
		r, err := s.LoadStepResult(ctx, executionID, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.Before(out[j].CompletedAt)
		}
		return out[i].StepID < out[j].StepID
	})
	return out, nil
}

// CreateTimer persists a pending timer, replacing any timer with the same id.
func (s *Store) CreateTimer(ctx context.Context, t *engine.Timer) error {
	ct := *t
	if ct.Status == "" {
		ct.Status = engine.TimerPending
	}
	b, err := json.Marshal(&ct)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.timerKey(ct.ID), b, 0)
	pipe.ZAdd(ctx, s.timerIndexKey(), goredis.Z{Score: float64(ct.FireAt.UnixMilli()), Member: ct.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// ReadyTimers returns pending timers due at or before now, ordered by FireAt
// ascending with ties broken by id.
func (s *Store) ReadyTimers(ctx context.Context, now time.Time) ([]*engine.Timer, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.timerIndexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*engine.Timer, 0, len(ids))
	for _, id := range ids {
		b, err := s.rdb.Get(ctx, s.timerKey(id)).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var t engine.Timer
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, err
		}
		if t.Status == engine.TimerPending {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkTimerFired marks the timer fired. Idempotent; missing timers are a no-op.
func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	key := s.timerKey(id)
	for {
		err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			b, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			var t engine.Timer
			if err := json.Unmarshal(b, &t); err != nil {
				return err
			}
			t.Status = engine.TimerFired
			out, err := json.Marshal(&t)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
}

// DeleteTimer removes the timer, its index entry, and any claim on it.
func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.timerKey(id))
	pipe.ZRem(ctx, s.timerIndexKey(), id)
	pipe.Del(ctx, s.claimKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// ClaimTimer takes a lease on the timer for the worker via SET NX PX.
// Re-claims by the holder renew the lease.
func (s *Store) ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	res, err := claimScript.Run(ctx, s.rdb, []string{s.claimKey(id)}, workerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// CreateSchedule persists a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc *engine.Schedule) error {
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.scheduleKey(sc.ID), b, 0)
	pipe.SAdd(ctx, s.scheduleIndexKey(), sc.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadSchedule returns the schedule or engine.ErrNotFound.
func (s *Store) LoadSchedule(ctx context.Context, id string) (*engine.Schedule, error) {
	b, err := s.rdb.Get(ctx, s.scheduleKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sc engine.Schedule
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// UpdateSchedule applies the patch and returns the updated schedule.
func (s *Store) UpdateSchedule(ctx context.Context, id string, patch engine.SchedulePatch) (*engine.Schedule, error) {
	key := s.scheduleKey(id)
	var updated *engine.Schedule
	for {
		err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			b, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				return engine.ErrNotFound
			}
			if err != nil {
				return err
			}
			var sc engine.Schedule
			if err := json.Unmarshal(b, &sc); err != nil {
				return err
			}
			applySchedulePatch(&sc, patch, s.clock())
			out, err := json.Marshal(&sc)
			if err != nil {
				return err
			}
			updated = &sc
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// DeleteSchedule removes the schedule. Missing schedules are a no-op.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.scheduleKey(id))
	pipe.SRem(ctx, s.scheduleIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// ListSchedules returns all schedules ordered by id.
func (s *Store) ListSchedules(ctx context.Context) ([]*engine.Schedule, error) {
	ids, err := s.rdb.SMembers(ctx, s.scheduleIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*engine.Schedule, 0, len(ids))
	for _, id := range ids {
		sc, err := s.LoadSchedule(ctx, id)
		if errors.Is(err, engine.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// ListActiveSchedules returns schedules with status active ordered by id.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*engine.Schedule, error) {
	all, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	var out []*engine.Schedule
	for _, sc := range all {
		if sc.Status == engine.ScheduleActive {
			out = append(out, sc)
		}
	}
	return out, nil
}

// AppendAuditEntry persists an audit entry in a sorted set scored by its
// instant. Members embed the timestamp-prefixed entry id, so ties on the score
// order lexically by id.
func (s *Store) AppendAuditEntry(ctx context.Context, e *engine.AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.auditKey(e.ExecutionID), goredis.Z{
		Score:  float64(e.At.UnixMilli()),
		Member: string(b),
	}).Err()
}

// ListAuditEntries returns entries ordered by At ascending, ties by ID.
func (s *Store) ListAuditEntries(ctx context.Context, executionID string, page engine.Page) ([]*engine.AuditEntry, error) {
	members, err := s.rdb.ZRange(ctx, s.auditKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*engine.AuditEntry, 0, len(members))
	for _, m := range members {
		var e engine.AuditEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, page.Offset, page.Limit), nil
}

// AcquireLock takes an advisory lease via SET NX PX, returning the opaque lock
// id or "" when the lock is held elsewhere.
func (s *Store) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, s.lockKey(resource), id, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return id, nil
}

// ReleaseLock releases the lease if lockID still holds it. The compare and
// delete run atomically so an expired-and-reacquired lock is never released by
// its previous holder.
func (s *Store) ReleaseLock(ctx context.Context, resource, lockID string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.lockKey(resource)}, lockID).Err()
}

// RetryRollback resets a compensation_failed execution to pending and clears
// its error.
func (s *Store) RetryRollback(ctx context.Context, executionID string) error {
	return s.withExecution(ctx, executionID, func(e *engine.Execution) error {
		if e.Status != engine.StatusCompensationFailed {
			return engine.Validationf("execution %s is not compensation_failed", executionID)
		}
		e.Status = engine.StatusPending
		e.Error = nil
		e.UpdatedAt = s.clock()
		return nil
	})
}

// ForceFail transitions the execution to failed with the given cause.
func (s *Store) ForceFail(ctx context.Context, executionID string, cause *engine.ErrorInfo) error {
	return s.withExecution(ctx, executionID, func(e *engine.Execution) error {
		now := s.clock()
		e.Status = engine.StatusFailed
		e.Error = cause
		e.CompletedAt = &now
		e.UpdatedAt = now
		return nil
	})
}

// SkipStep writes a null result so replay passes over the step.
func (s *Store) SkipStep(ctx context.Context, executionID, stepID string) error {
	return s.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result:      json.RawMessage("null"),
		CompletedAt: s.clock(),
	})
}

// EditStepResult overwrites the memoized value of a step.
func (s *Store) EditStepResult(ctx context.Context, executionID, stepID string, value json.RawMessage) error {
	return s.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result:      value,
		CompletedAt: s.clock(),
	})
}

// ExecutionIDByIdempotencyKey returns the execution bound to the key or "".
func (s *Store) ExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.idemKey(taskID, key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetExecutionIDByIdempotencyKey binds the key with SET NX semantics and
// returns the winning execution id.
func (s *Store) SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (string, error) {
	k := s.idemKey(taskID, key)
	ok, err := s.rdb.SetNX(ctx, k, executionID, 0).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return executionID, nil
	}
	return s.rdb.Get(ctx, k).Result()
}

func applyExecutionPatch(e *engine.Execution, patch engine.ExecutionPatch, now time.Time) {
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.Result != nil {
		e.Result = append(json.RawMessage(nil), patch.Result...)
	}
	if patch.Error != nil {
		cp := *patch.Error
		e.Error = &cp
	}
	if patch.ClearError {
		e.Error = nil
	}
	if patch.Attempt != nil {
		e.Attempt = *patch.Attempt
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		e.CompletedAt = &t
	}
	if patch.CancelledAt != nil {
		t := *patch.CancelledAt
		e.CancelledAt = &t
	}
	if patch.CancelRequestedAt != nil {
		t := *patch.CancelRequestedAt
		e.CancelRequestedAt = &t
	}
	e.UpdatedAt = now
}

func applySchedulePatch(sc *engine.Schedule, patch engine.SchedulePatch, now time.Time) {
	if patch.Type != nil {
		sc.Type = *patch.Type
	}
	if patch.Pattern != nil {
		sc.Pattern = *patch.Pattern
	}
	if patch.Input != nil {
		sc.Input = append(json.RawMessage(nil), patch.Input...)
	}
	if patch.Status != nil {
		sc.Status = *patch.Status
	}
	if patch.LastRun != nil {
		t := *patch.LastRun
		sc.LastRun = &t
	}
	if patch.NextRun != nil {
		t := *patch.NextRun
		sc.NextRun = &t
	}
	sc.UpdatedAt = now
}

func containsStatus(statuses []engine.Status, s engine.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func sortExecutionsAsc(out []*engine.Execution) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
