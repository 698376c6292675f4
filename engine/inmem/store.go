// Package inmem provides in-memory implementations of the engine backends
// for testing and single-process use. The store keeps everything in maps
// guarded by one mutex; leases (timer claims and advisory locks) are records
// with expiry timestamps checked at read time. No durability across process
// restarts is provided, but several Service instances may share one Store to
// exercise multi-worker coordination in tests.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/engine"
)

type (
	// Store implements engine.Store and engine.IdempotencyStore in memory.
	Store struct {
		mu sync.Mutex

		executions map[string]*engine.Execution
		steps      map[string]map[string]*engine.StepResult
		timers     map[string]*engine.Timer
		claims     map[string]lease
		schedules  map[string]*engine.Schedule
		audit      map[string][]*engine.AuditEntry
		locks      map[string]lease
		idem       map[string]string

		clock func() time.Time
	}

	lease struct {
		holder    string
		expiresAt time.Time
	}

	// StoreOption customizes a Store.
	StoreOption func(*Store)
)

// WithClock overrides the time source, letting tests control lease expiry and
// timer readiness.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore returns an empty in-memory store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		executions: make(map[string]*engine.Execution),
		steps:      make(map[string]map[string]*engine.StepResult),
		timers:     make(map[string]*engine.Timer),
		claims:     make(map[string]lease),
		schedules:  make(map[string]*engine.Schedule),
		audit:      make(map[string][]*engine.AuditEntry),
		locks:      make(map[string]lease),
		idem:       make(map[string]string),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveExecution persists a new execution row.
func (s *Store) SaveExecution(_ context.Context, e *engine.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

// LoadExecution returns the execution or engine.ErrNotFound.
func (s *Store) LoadExecution(_ context.Context, id string) (*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneExecution(e), nil
}

// UpdateExecution applies the patch and returns the updated row.
func (s *Store) UpdateExecution(_ context.Context, id string, patch engine.ExecutionPatch) (*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	applyExecutionPatch(e, patch, s.clock())
	return cloneExecution(e), nil
}

// ListIncomplete returns executions that are not in a terminal state.
func (s *Store) ListIncomplete(_ context.Context) ([]*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Execution
	for _, e := range s.executions {
		if !e.Status.Terminal() {
			out = append(out, cloneExecution(e))
		}
	}
	sortExecutions(out)
	return out, nil
}

// ListStuck returns executions in compensation_failed.
func (s *Store) ListStuck(_ context.Context) ([]*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Execution
	for _, e := range s.executions {
		if e.Status == engine.StatusCompensationFailed {
			out = append(out, cloneExecution(e))
		}
	}
	sortExecutions(out)
	return out, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(_ context.Context, filter engine.ExecutionFilter) ([]*engine.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Execution
	for _, e := range s.executions {
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

// LoadStepResult returns the memoized result or (nil, nil) when absent.
func (s *Store) LoadStepResult(_ context.Context, executionID, stepID string) (*engine.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.steps[executionID][stepID]
	if !ok {
		return nil, nil
	}
	return cloneStepResult(r), nil
}

// SaveStepResult persists a step result, overwriting any prior value.
func (s *Store) SaveStepResult(_ context.Context, r *engine.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.steps[r.ExecutionID]
	if m == nil {
		m = make(map[string]*engine.StepResult)
		s.steps[r.ExecutionID] = m
	}
	m[r.StepID] = cloneStepResult(r)
	return nil
}

// ListStepResults returns step results ordered by CompletedAt, then StepID.
func (s *Store) ListStepResults(_ context.Context, executionID string) ([]*engine.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.StepResult
	for _, r := range s.steps[executionID] {
		out = append(out, cloneStepResult(r))
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
func (s *Store) CreateTimer(_ context.Context, t *engine.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct := cloneTimer(t)
	if ct.Status == "" {
		ct.Status = engine.TimerPending
	}
	s.timers[ct.ID] = ct
	return nil
}

// ReadyTimers returns pending timers due at or before now, ordered by FireAt
// ascending with ties broken by id.
func (s *Store) ReadyTimers(_ context.Context, now time.Time) ([]*engine.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Timer
	for _, t := range s.timers {
		if t.Status == engine.TimerPending && !t.FireAt.After(now) {
			out = append(out, cloneTimer(t))
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
func (s *Store) MarkTimerFired(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Status = engine.TimerFired
	}
	return nil
}

// DeleteTimer removes the timer and any claim on it.
func (s *Store) DeleteTimer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	delete(s.claims, id)
	return nil
}

// ClaimTimer takes a lease on the timer for the worker. Expired leases are
// reaped at read; re-claims by the holder succeed.
func (s *Store) ClaimTimer(_ context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if c, ok := s.claims[id]; ok && c.expiresAt.After(now) && c.holder != workerID {
		return false, nil
	}
	s.claims[id] = lease{holder: workerID, expiresAt: now.Add(ttl)}
	return true, nil
}

// CreateSchedule persists a new schedule.
func (s *Store) CreateSchedule(_ context.Context, sc *engine.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

// LoadSchedule returns the schedule or engine.ErrNotFound.
func (s *Store) LoadSchedule(_ context.Context, id string) (*engine.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneSchedule(sc), nil
}

// UpdateSchedule applies the patch and returns the updated schedule.
func (s *Store) UpdateSchedule(_ context.Context, id string, patch engine.SchedulePatch) (*engine.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
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
	sc.UpdatedAt = s.clock()
	return cloneSchedule(sc), nil
}

// DeleteSchedule removes the schedule. Missing schedules are a no-op.
func (s *Store) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

// ListSchedules returns all schedules ordered by id.
func (s *Store) ListSchedules(_ context.Context) ([]*engine.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Schedule
	for _, sc := range s.schedules {
		out = append(out, cloneSchedule(sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
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

// AppendAuditEntry persists an audit entry.
func (s *Store) AppendAuditEntry(_ context.Context, e *engine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[e.ExecutionID] = append(s.audit[e.ExecutionID], cloneAudit(e))
	return nil
}

// ListAuditEntries returns entries ordered by At ascending, ties by ID.
func (s *Store) ListAuditEntries(_ context.Context, executionID string, page engine.Page) ([]*engine.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.audit[executionID]
	out := make([]*engine.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneAudit(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, page.Offset, page.Limit), nil
}

// AcquireLock takes an advisory lease on the resource, returning the opaque
// lock id or "" when the lock is held elsewhere.
func (s *Store) AcquireLock(_ context.Context, resource string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if l, ok := s.locks[resource]; ok && l.expiresAt.After(now) {
		return "", nil
	}
	id := uuid.NewString()
	s.locks[resource] = lease{holder: id, expiresAt: now.Add(ttl)}
	return id, nil
}

// ReleaseLock releases the lease if lockID still holds it.
func (s *Store) ReleaseLock(_ context.Context, resource, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[resource]; ok && l.holder == lockID {
		delete(s.locks, resource)
	}
	return nil
}

// RetryRollback resets a compensation_failed execution to pending and clears
// its error.
func (s *Store) RetryRollback(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return engine.ErrNotFound
	}
	if e.Status != engine.StatusCompensationFailed {
		return engine.Validationf("execution %s is not compensation_failed", executionID)
	}
	e.Status = engine.StatusPending
	e.Error = nil
	e.UpdatedAt = s.clock()
	return nil
}

// ForceFail transitions the execution to failed with the given cause.
func (s *Store) ForceFail(_ context.Context, executionID string, cause *engine.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return engine.ErrNotFound
	}
	now := s.clock()
	e.Status = engine.StatusFailed
	e.Error = cause
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
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
func (s *Store) ExecutionIDByIdempotencyKey(_ context.Context, taskID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idem[idemKey(taskID, key)], nil
}

// SetExecutionIDByIdempotencyKey binds the key with set-if-absent semantics
// and returns the winning execution id.
func (s *Store) SetExecutionIDByIdempotencyKey(_ context.Context, taskID, key, executionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(taskID, key)
	if winner, ok := s.idem[k]; ok {
		return winner, nil
	}
	s.idem[k] = executionID
	return executionID, nil
}

func idemKey(taskID, key string) string {
	return taskID + "\x00" + key
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

func sortExecutions(out []*engine.Execution) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
}

func cloneExecution(e *engine.Execution) *engine.Execution {
	cp := *e
	cp.Input = append(json.RawMessage(nil), e.Input...)
	cp.Result = append(json.RawMessage(nil), e.Result...)
	if e.Error != nil {
		errCp := *e.Error
		cp.Error = &errCp
	}
	cp.CompletedAt = cloneTime(e.CompletedAt)
	cp.CancelledAt = cloneTime(e.CancelledAt)
	cp.CancelRequestedAt = cloneTime(e.CancelRequestedAt)
	return &cp
}

func cloneStepResult(r *engine.StepResult) *engine.StepResult {
	cp := *r
	cp.Result = append(json.RawMessage(nil), r.Result...)
	return &cp
}

func cloneTimer(t *engine.Timer) *engine.Timer {
	cp := *t
	cp.Input = append(json.RawMessage(nil), t.Input...)
	return &cp
}

func cloneSchedule(sc *engine.Schedule) *engine.Schedule {
	cp := *sc
	cp.Input = append(json.RawMessage(nil), sc.Input...)
	cp.LastRun = cloneTime(sc.LastRun)
	cp.NextRun = cloneTime(sc.NextRun)
	return &cp
}

func cloneAudit(e *engine.AuditEntry) *engine.AuditEntry {
	cp := *e
	if e.Error != nil {
		errCp := *e.Error
		cp.Error = &errCp
	}
	if e.Meta != nil {
		cp.Meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
