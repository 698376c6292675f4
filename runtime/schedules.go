package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Schedules manages recurring and one-off triggers. Recurring schedules
	// keep the invariant that an active schedule always has exactly one
	// pending timer with id sched:<id>; ensure and update are serialized by a
	// schedule-scoped advisory lock.
	Schedules struct {
		store    engine.Store
		registry *Registry
		logger   telemetry.Logger
		clock    func() time.Time
		kickoff  func(ctx context.Context, taskID string, input json.RawMessage) (string, error)

		lockTTL time.Duration
	}

	// ScheduleOptions selects between a one-off trigger (Delay or At) and a
	// recurring schedule (Cron or Interval, with an optional stable ID).
	ScheduleOptions struct {
		// ID names a recurring schedule. Generated when blank; required for
		// EnsureSchedule.
		ID string
		// Cron is a 5-field cron expression.
		Cron string
		// Interval fires every fixed duration.
		Interval time.Duration
		// Delay arms a one-off trigger after the given duration.
		Delay time.Duration
		// At arms a one-off trigger at the given instant.
		At time.Time
	}

	// ScheduleUpdate patches a recurring schedule's trigger or input.
	ScheduleUpdate struct {
		Cron     string
		Interval time.Duration
		Input    json.RawMessage
	}
)

func newSchedules(store engine.Store, registry *Registry, logger telemetry.Logger, clock func() time.Time, kickoff func(context.Context, string, json.RawMessage) (string, error), lockTTL time.Duration) *Schedules {
	return &Schedules{
		store:    store,
		registry: registry,
		logger:   logger,
		clock:    clock,
		kickoff:  kickoff,
		lockTTL:  lockTTL,
	}
}

// Schedule creates a one-off or recurring trigger for the task and returns
// its id: a fresh once-id for one-offs, the schedule id for recurring.
func (s *Schedules) Schedule(ctx context.Context, taskID string, input json.RawMessage, opts ScheduleOptions) (string, error) {
	if _, err := s.registry.Lookup(taskID); err != nil {
		return "", err
	}
	if opts.Delay > 0 || !opts.At.IsZero() {
		return s.scheduleOnce(ctx, taskID, input, opts)
	}
	typ, pattern, err := trigger(opts.Cron, opts.Interval)
	if err != nil {
		return "", err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.clock()
	sc := &engine.Schedule{
		ID:        id,
		TaskID:    taskID,
		Type:      typ,
		Pattern:   pattern,
		Input:     input,
		Status:    engine.ScheduleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return "", err
	}
	if err := s.arm(ctx, sc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Schedules) scheduleOnce(ctx context.Context, taskID string, input json.RawMessage, opts ScheduleOptions) (string, error) {
	fireAt := opts.At
	if fireAt.IsZero() {
		fireAt = s.clock().Add(opts.Delay)
	}
	id := uuid.NewString()
	if err := s.store.CreateTimer(ctx, &engine.Timer{
		ID:     engine.OnceTimerID(id),
		Type:   engine.TimerScheduled,
		FireAt: fireAt,
		Status: engine.TimerPending,
		TaskID: taskID,
		Input:  input,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// EnsureSchedule creates the schedule or updates its trigger and input in
// place. Ensuring an id bound to a different task fails; the schedule's task
// never changes.
func (s *Schedules) EnsureSchedule(ctx context.Context, taskID string, input json.RawMessage, opts ScheduleOptions) (string, error) {
	if opts.ID == "" {
		return "", engine.Validationf("ensure schedule requires an id")
	}
	if _, err := s.registry.Lookup(taskID); err != nil {
		return "", err
	}
	typ, pattern, err := trigger(opts.Cron, opts.Interval)
	if err != nil {
		return "", err
	}

	unlock, err := s.lock(ctx, opts.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	existing, err := s.store.LoadSchedule(ctx, opts.ID)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		now := s.clock()
		sc := &engine.Schedule{
			ID:        opts.ID,
			TaskID:    taskID,
			Type:      typ,
			Pattern:   pattern,
			Input:     input,
			Status:    engine.ScheduleActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateSchedule(ctx, sc); err != nil {
			return "", err
		}
		if err := s.arm(ctx, sc); err != nil {
			return "", err
		}
		return opts.ID, nil
	case err != nil:
		return "", err
	}

	if existing.TaskID != taskID {
		return "", engine.Validationf("cannot rebind schedule %s from task %s to task %s", opts.ID, existing.TaskID, taskID)
	}
	sc, err := s.store.UpdateSchedule(ctx, opts.ID, engine.SchedulePatch{
		Type: &typ, Pattern: &pattern, Input: input,
	})
	if err != nil {
		return "", err
	}
	if sc.Status == engine.ScheduleActive {
		if err := s.arm(ctx, sc); err != nil {
			return "", err
		}
	}
	return opts.ID, nil
}

// Pause stops future fires. The pending timer is removed so no fire lands
// while paused.
func (s *Schedules) Pause(ctx context.Context, id string) error {
	paused := engine.SchedulePaused
	if _, err := s.store.UpdateSchedule(ctx, id, engine.SchedulePatch{Status: &paused}); err != nil {
		return err
	}
	return s.store.DeleteTimer(ctx, engine.ScheduleTimerID(id))
}

// Resume reactivates the schedule and re-arms its timer.
func (s *Schedules) Resume(ctx context.Context, id string) error {
	active := engine.ScheduleActive
	sc, err := s.store.UpdateSchedule(ctx, id, engine.SchedulePatch{Status: &active})
	if err != nil {
		return err
	}
	return s.arm(ctx, sc)
}

// Update patches the schedule's trigger and input and re-arms the timer.
func (s *Schedules) Update(ctx context.Context, id string, upd ScheduleUpdate) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	patch := engine.SchedulePatch{Input: upd.Input}
	if upd.Cron != "" || upd.Interval > 0 {
		typ, pattern, err := trigger(upd.Cron, upd.Interval)
		if err != nil {
			return err
		}
		patch.Type, patch.Pattern = &typ, &pattern
	}
	sc, err := s.store.UpdateSchedule(ctx, id, patch)
	if err != nil {
		return err
	}
	if sc.Status == engine.ScheduleActive {
		return s.arm(ctx, sc)
	}
	return nil
}

// Remove deletes the schedule and its pending timer.
func (s *Schedules) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteTimer(ctx, engine.ScheduleTimerID(id)); err != nil {
		return err
	}
	return s.store.DeleteSchedule(ctx, id)
}

// Get returns the schedule.
func (s *Schedules) Get(ctx context.Context, id string) (*engine.Schedule, error) {
	return s.store.LoadSchedule(ctx, id)
}

// List returns all schedules.
func (s *Schedules) List(ctx context.Context) ([]*engine.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// OnFire handles a fired scheduled timer: it starts a new execution and, for
// recurring schedules, advances last/next run and re-arms the timer. Because
// the next occurrence reuses the fired timer's id, re-arming replaces the row
// in place; the returned flag tells the poller the row was replaced and must
// not be finalized.
func (s *Schedules) OnFire(ctx context.Context, t *engine.Timer) (bool, error) {
	if t.ScheduleID == "" {
		// One-off: the timer itself carries the task binding.
		_, err := s.kickoff(ctx, t.TaskID, t.Input)
		return false, err
	}
	sc, err := s.store.LoadSchedule(ctx, t.ScheduleID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if sc.Status != engine.ScheduleActive {
		return false, nil
	}
	if _, err := s.kickoff(ctx, sc.TaskID, sc.Input); err != nil {
		return false, err
	}
	now := s.clock()
	next, err := NextRun(sc.Type, sc.Pattern, now)
	if err != nil {
		return false, err
	}
	if _, err := s.store.UpdateSchedule(ctx, sc.ID, engine.SchedulePatch{
		LastRun: &now, NextRun: &next,
	}); err != nil {
		return false, err
	}
	if err := s.store.CreateTimer(ctx, &engine.Timer{
		ID:         engine.ScheduleTimerID(sc.ID),
		Type:       engine.TimerScheduled,
		FireAt:     next,
		Status:     engine.TimerPending,
		ScheduleID: sc.ID,
		TaskID:     sc.TaskID,
		Input:      sc.Input,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// arm computes the next fire and (re)creates the schedule's timer.
func (s *Schedules) arm(ctx context.Context, sc *engine.Schedule) error {
	next, err := NextRun(sc.Type, sc.Pattern, s.clock())
	if err != nil {
		return err
	}
	if err := s.store.CreateTimer(ctx, &engine.Timer{
		ID:         engine.ScheduleTimerID(sc.ID),
		Type:       engine.TimerScheduled,
		FireAt:     next,
		Status:     engine.TimerPending,
		ScheduleID: sc.ID,
		TaskID:     sc.TaskID,
		Input:      sc.Input,
	}); err != nil {
		return err
	}
	_, err = s.store.UpdateSchedule(ctx, sc.ID, engine.SchedulePatch{NextRun: &next})
	return err
}

func (s *Schedules) lock(ctx context.Context, id string) (func(), error) {
	resource := engine.ScheduleLockResource(id)
	lockID, err := s.store.AcquireLock(ctx, resource, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if lockID == "" {
		return nil, engine.ErrLockContention
	}
	return func() {
		if rerr := s.store.ReleaseLock(context.WithoutCancel(ctx), resource, lockID); rerr != nil {
			s.logger.Warn(ctx, "schedule lock release failed", "schedule_id", id, "err", rerr.Error())
		}
	}, nil
}

// trigger validates that exactly one of cron and interval is set and returns
// the schedule type and stored pattern.
func trigger(cronExpr string, interval time.Duration) (engine.ScheduleType, string, error) {
	switch {
	case cronExpr != "" && interval > 0:
		return "", "", engine.Validationf("schedule requires cron or interval, not both")
	case cronExpr != "":
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return "", "", engine.Validationf("invalid cron pattern %q: %s", cronExpr, err)
		}
		return engine.ScheduleCron, cronExpr, nil
	case interval > 0:
		return engine.ScheduleInterval, strconv.FormatInt(interval.Milliseconds(), 10), nil
	default:
		return "", "", engine.Validationf("schedule requires cron or interval")
	}
}
