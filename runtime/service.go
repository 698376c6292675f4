// Package runtime implements the durable workflow engine: the task registry,
// the per-execution durable context, the execution state machine, signal
// delivery, schedules, the timer poll loop, and the public service facade.
//
// A Service is constructed over pluggable engine backends (store, optional
// queue, optional bus) and drives workflows registered as Tasks. Workflows
// survive process crashes: every step result, timer, and signal slot is
// persisted through the store, and any worker sharing the store can resume an
// execution where it left off.
//
//	svc, err := runtime.New(runtime.Options{Store: inmem.NewStore()})
//	if err != nil { ... }
//	svc.Register(runtime.NewTask("order", handleOrder))
//	svc.StartPolling(ctx)
//	defer svc.StopPolling()
//	id, err := svc.Start(ctx, "order", orderInput, runtime.StartOptions{})
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Service is the engine facade. It wires the managers together and
	// exposes the public API. All methods are safe for concurrent use.
	Service struct {
		opts      Options
		registry  *Registry
		audit     *Auditor
		executor  *Executor
		signals   *Signals
		waiter    *Waiter
		schedules *Schedules
		poller    *Poller

		mu        sync.Mutex
		queueStop func()
	}

	// Options configures a Service. Store is required; Queue and Bus are
	// optional. With no Queue, kickoff and resume run inline on the calling
	// goroutine. With no Bus, waiters rely on polling alone.
	Options struct {
		// Store persists all engine state.
		Store engine.Store
		// Queue delivers execute/resume messages to workers.
		Queue engine.Queue
		// Bus notifies waiters of execution completion.
		Bus engine.Bus
		// Logger defaults to the Clue logger.
		Logger telemetry.Logger
		// Metrics defaults to OTEL metrics.
		Metrics telemetry.Metrics
		// Tracer defaults to OTEL tracing.
		Tracer telemetry.Tracer
		// WorkerID identifies this worker in timer claims. Defaults to a
		// fresh UUID.
		WorkerID string
		// PollInterval is the timer scan cadence. Defaults to 1s.
		PollInterval time.Duration
		// ClaimTTL is the timer claim lease. Defaults to 30s.
		ClaimTTL time.Duration
		// LockTTL is the advisory lock lease for executions, signals, and
		// schedules. Defaults to 30s.
		LockTTL time.Duration
		// RetryBase is the first retry delay; attempt n waits
		// RetryBase * 2^(n-1). Defaults to 1s.
		RetryBase time.Duration
		// DefaultMaxAttempts applies when neither the task nor the start
		// options set one. Defaults to 3.
		DefaultMaxAttempts int
		// KickoffDelay is the fire-at offset of the enqueue failsafe timer.
		// Defaults to 30s.
		KickoffDelay time.Duration
		// QueueMaxAttempts caps queue redeliveries per message. Defaults to 5.
		QueueMaxAttempts int
		// Clock overrides the time source. Defaults to time.Now.
		Clock func() time.Time
	}

	// StartOptions customizes one execution.
	StartOptions struct {
		// Timeout bounds total wall clock across all attempts. Zero is
		// unbounded.
		Timeout time.Duration
		// MaxAttempts overrides the task and service defaults when positive.
		MaxAttempts int
		// IdempotencyKey deduplicates starts per task: a second start with
		// the same key returns the first execution's id.
		IdempotencyKey string
		// WaitPollInterval tunes the polling fallback of StartAndWait.
		WaitPollInterval time.Duration
	}
)

// New validates the options and builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, engine.Validationf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewClueLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewClueMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewClueTracer()
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.KickoffDelay <= 0 {
		opts.KickoffDelay = 30 * time.Second
	}
	if opts.QueueMaxAttempts <= 0 {
		opts.QueueMaxAttempts = 5
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Service{opts: opts, registry: NewRegistry()}
	s.audit = NewAuditor(opts.Store, opts.Logger, opts.Clock)
	s.executor = newExecutor(opts.Store, opts.Bus, s.registry, s.audit, opts.Logger, opts.Metrics, opts.Tracer, opts.Clock, opts.LockTTL, opts.RetryBase)
	s.signals = newSignals(opts.Store, s.audit, opts.Logger, opts.Metrics, opts.Clock, s.resume, opts.LockTTL)
	s.waiter = newWaiter(opts.Store, opts.Bus, opts.Logger, opts.Clock)
	s.schedules = newSchedules(opts.Store, s.registry, opts.Logger, opts.Clock, s.startRaw, opts.LockTTL)
	s.poller = newPoller(opts.Store, s.signals, s.schedules, s.resumeFromTimer, s.audit, opts.Logger, opts.Metrics, opts.Clock, opts.WorkerID, opts.PollInterval, opts.ClaimTTL)
	return s, nil
}

// Register adds a task to the service registry.
func (s *Service) Register(t *Task) error {
	return s.registry.Register(t)
}

// Start creates an execution of the task and kicks it off. With no queue the
// first attempt runs inline before Start returns; with a queue the attempt
// runs on whichever worker consumes the execute message.
func (s *Service) Start(ctx context.Context, taskID string, input any, opts StartOptions) (string, error) {
	task, err := s.registry.Lookup(taskID)
	if err != nil {
		return "", err
	}
	raw, err := marshalInput(input)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if opts.IdempotencyKey != "" {
		idem, ok := s.opts.Store.(engine.IdempotencyStore)
		if !ok {
			return "", engine.Validationf("store does not support idempotency keys")
		}
		winner, err := idem.SetExecutionIDByIdempotencyKey(ctx, taskID, opts.IdempotencyKey, id)
		if err != nil {
			return "", err
		}
		if winner != id {
			return winner, nil
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = task.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = s.opts.DefaultMaxAttempts
	}
	now := s.opts.Clock()
	if err := s.opts.Store.SaveExecution(ctx, &engine.Execution{
		ID:          id,
		TaskID:      taskID,
		Input:       raw,
		Status:      engine.StatusPending,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		Timeout:     opts.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return "", err
	}
	if err := s.kickoff(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// StartAndWait starts an execution and blocks until it terminates.
func (s *Service) StartAndWait(ctx context.Context, taskID string, input any, opts StartOptions) (json.RawMessage, error) {
	id, err := s.Start(ctx, taskID, input, opts)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, id, WaitOptions{Timeout: opts.Timeout, PollInterval: opts.WaitPollInterval})
}

// Wait blocks until the execution terminates. See Waiter.Wait.
func (s *Service) Wait(ctx context.Context, executionID string, opts WaitOptions) (json.RawMessage, error) {
	return s.waiter.Wait(ctx, executionID, opts)
}

// Signal delivers an external signal to the execution. See Signals.Deliver.
func (s *Service) Signal(ctx context.Context, executionID, signal string, payload any) error {
	raw, err := marshalInput(payload)
	if err != nil {
		return err
	}
	return s.signals.Deliver(ctx, executionID, signal, raw)
}

// CancelExecution requests cooperative cancellation. Executions that are not
// actively running terminate immediately; a running attempt observes the
// request at its next step boundary. Compensations run only when the request
// is observed mid-attempt, where the attempt's compensation stack exists.
func (s *Service) CancelExecution(ctx context.Context, executionID, reason string) error {
	exec, err := s.opts.Store.LoadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	now := s.opts.Clock()
	patch := engine.ExecutionPatch{CancelRequestedAt: &now}
	if reason != "" {
		patch.Error = &engine.ErrorInfo{Message: reason}
	}
	exec, err = s.opts.Store.UpdateExecution(ctx, executionID, patch)
	if err != nil {
		return err
	}
	if exec.Status == engine.StatusRunning {
		return nil
	}
	return s.executor.finishCancelled(ctx, exec, nil)
}

// Recover re-kickoffs executions that were in flight when a worker died:
// pending, running, and sleeping executions are resumed. Retrying executions
// are left to their pending retry timer and compensation_failed ones to the
// operator. Safe to call repeatedly.
func (s *Service) Recover(ctx context.Context) error {
	incomplete, err := s.opts.Store.ListIncomplete(ctx)
	if err != nil {
		return err
	}
	for _, exec := range incomplete {
		switch exec.Status {
		case engine.StatusPending, engine.StatusRunning, engine.StatusSleeping:
			if err := s.resume(ctx, exec.ID); err != nil {
				s.opts.Logger.Warn(ctx, "recover resume failed", "execution_id", exec.ID, "err", err.Error())
			}
		}
	}
	return nil
}

// Schedule creates a one-off or recurring trigger. See Schedules.Schedule.
func (s *Service) Schedule(ctx context.Context, taskID string, input any, opts ScheduleOptions) (string, error) {
	raw, err := marshalInput(input)
	if err != nil {
		return "", err
	}
	return s.schedules.Schedule(ctx, taskID, raw, opts)
}

// EnsureSchedule idempotently creates or updates a recurring schedule. See
// Schedules.EnsureSchedule.
func (s *Service) EnsureSchedule(ctx context.Context, taskID string, input any, opts ScheduleOptions) (string, error) {
	raw, err := marshalInput(input)
	if err != nil {
		return "", err
	}
	return s.schedules.EnsureSchedule(ctx, taskID, raw, opts)
}

// PauseSchedule stops future fires of the schedule.
func (s *Service) PauseSchedule(ctx context.Context, id string) error {
	return s.schedules.Pause(ctx, id)
}

// ResumeSchedule reactivates a paused schedule.
func (s *Service) ResumeSchedule(ctx context.Context, id string) error {
	return s.schedules.Resume(ctx, id)
}

// GetSchedule returns the schedule.
func (s *Service) GetSchedule(ctx context.Context, id string) (*engine.Schedule, error) {
	return s.schedules.Get(ctx, id)
}

// ListSchedules returns all schedules.
func (s *Service) ListSchedules(ctx context.Context) ([]*engine.Schedule, error) {
	return s.schedules.List(ctx)
}

// UpdateSchedule patches the schedule's trigger or input.
func (s *Service) UpdateSchedule(ctx context.Context, id string, upd ScheduleUpdate) error {
	return s.schedules.Update(ctx, id, upd)
}

// RemoveSchedule deletes the schedule and its pending timer.
func (s *Service) RemoveSchedule(ctx context.Context, id string) error {
	return s.schedules.Remove(ctx, id)
}

// StartPolling launches the timer loop and, when a queue is configured, the
// queue consumer. Idempotent.
func (s *Service) StartPolling(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Queue != nil && s.queueStop == nil {
		stop, err := s.opts.Queue.Consume(ctx, func(ctx context.Context, m *engine.Message) error {
			err := s.executor.Execute(ctx, m.ExecutionID)
			if errors.Is(err, engine.ErrLockContention) {
				// The holder may be mid-transition; park the attempt on a
				// timer so the poller re-dispatches it, then ack.
				return s.deferResume(ctx, m.ExecutionID)
			}
			return err
		})
		if err != nil {
			return err
		}
		s.queueStop = stop
	}
	s.poller.Start(ctx)
	return nil
}

// StopPolling halts the timer loop and queue consumer, waiting for in-flight
// work. Idempotent.
func (s *Service) StopPolling() {
	s.poller.Stop()
	s.mu.Lock()
	stop := s.queueStop
	s.queueStop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// PollOnce runs one timer poll cycle on the calling goroutine.
func (s *Service) PollOnce(ctx context.Context) error {
	return s.poller.PollOnce(ctx)
}

// HandleTimer dispatches one claimed timer. Exposed for hosts that drive the
// timer loop themselves.
func (s *Service) HandleTimer(ctx context.Context, t *engine.Timer) error {
	return s.poller.HandleTimer(ctx, t)
}

// GetExecution returns the execution row.
func (s *Service) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	return s.opts.Store.LoadExecution(ctx, id)
}

// ListExecutions returns executions matching the filter.
func (s *Service) ListExecutions(ctx context.Context, filter engine.ExecutionFilter) ([]*engine.Execution, error) {
	return s.opts.Store.ListExecutions(ctx, filter)
}

// ListStuck returns executions requiring operator attention.
func (s *Service) ListStuck(ctx context.Context) ([]*engine.Execution, error) {
	return s.opts.Store.ListStuck(ctx)
}

// AuditTrail returns the execution's audit entries in order.
func (s *Service) AuditTrail(ctx context.Context, executionID string, page engine.Page) ([]*engine.AuditEntry, error) {
	return s.opts.Store.ListAuditEntries(ctx, executionID, page)
}

// RetryRollback resets a compensation_failed execution and re-runs it.
func (s *Service) RetryRollback(ctx context.Context, executionID string) error {
	if err := s.opts.Store.RetryRollback(ctx, executionID); err != nil {
		return err
	}
	return s.resume(ctx, executionID)
}

// ForceFail terminally fails a stuck execution.
func (s *Service) ForceFail(ctx context.Context, executionID, reason string) error {
	cause := &engine.ErrorInfo{Message: reason}
	if err := s.opts.Store.ForceFail(ctx, executionID, cause); err != nil {
		return err
	}
	exec, err := s.opts.Store.LoadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	s.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: executionID, Attempt: exec.Attempt,
		Kind: engine.AuditExecutionFailed, Error: cause,
	})
	s.executor.publishFinished(ctx, exec)
	return nil
}

// SkipStep memoizes a null result so replay passes over the step.
func (s *Service) SkipStep(ctx context.Context, executionID, stepID string) error {
	return s.opts.Store.SkipStep(ctx, executionID, stepID)
}

// EditStepResult overwrites a step's memoized value.
func (s *Service) EditStepResult(ctx context.Context, executionID, stepID string, value json.RawMessage) error {
	return s.opts.Store.EditStepResult(ctx, executionID, stepID, value)
}

// startRaw starts an execution from an already-serialized input. Used by the
// schedule manager.
func (s *Service) startRaw(ctx context.Context, taskID string, input json.RawMessage) (string, error) {
	return s.Start(ctx, taskID, input, StartOptions{})
}

// kickoff hands a pending execution to a worker. With a queue, a failsafe
// timer guards the enqueue: if the execute message is lost the poller
// re-kickoffs from storage when the timer fires.
func (s *Service) kickoff(ctx context.Context, executionID string) error {
	if s.opts.Queue == nil {
		return s.executeInline(ctx, executionID)
	}
	now := s.opts.Clock()
	if err := s.opts.Store.CreateTimer(ctx, &engine.Timer{
		ID:          engine.KickoffTimerID(executionID),
		Type:        engine.TimerKickoff,
		FireAt:      now.Add(s.opts.KickoffDelay),
		Status:      engine.TimerPending,
		ExecutionID: executionID,
	}); err != nil {
		return err
	}
	if err := s.enqueue(ctx, engine.MessageExecute, executionID); err != nil {
		s.opts.Logger.Warn(ctx, "kickoff enqueue failed, failsafe timer armed",
			"execution_id", executionID, "err", err.Error())
		return nil
	}
	return s.opts.Store.DeleteTimer(ctx, engine.KickoffTimerID(executionID))
}

// resume re-runs an execution: enqueue with a queue, inline without one.
func (s *Service) resume(ctx context.Context, executionID string) error {
	if s.opts.Queue == nil {
		return s.executeInline(ctx, executionID)
	}
	return s.enqueue(ctx, engine.MessageResume, executionID)
}

// resumeFromTimer is the poller's resume. Lock contention propagates: the
// fired timer is left un-finalized, its claim lapses, and a later cycle
// retries the dispatch.
func (s *Service) resumeFromTimer(ctx context.Context, executionID string) error {
	if s.opts.Queue == nil {
		return s.executor.Execute(ctx, executionID)
	}
	return s.enqueue(ctx, engine.MessageResume, executionID)
}

// executeInline runs the attempt on the calling goroutine. When another
// worker holds the execution lock the attempt is parked on a kickoff timer
// rather than dropped: the poller re-dispatches once the holder releases.
func (s *Service) executeInline(ctx context.Context, executionID string) error {
	err := s.executor.Execute(ctx, executionID)
	if errors.Is(err, engine.ErrLockContention) {
		return s.deferResume(ctx, executionID)
	}
	return err
}

// deferResume arms a kickoff timer one poll interval out for the execution.
func (s *Service) deferResume(ctx context.Context, executionID string) error {
	return s.opts.Store.CreateTimer(ctx, &engine.Timer{
		ID:          engine.KickoffTimerID(executionID),
		Type:        engine.TimerKickoff,
		FireAt:      s.opts.Clock().Add(s.opts.PollInterval),
		Status:      engine.TimerPending,
		ExecutionID: executionID,
	})
}

func (s *Service) enqueue(ctx context.Context, typ engine.MessageType, executionID string) error {
	return s.opts.Queue.Enqueue(ctx, &engine.Message{
		ID:          uuid.NewString(),
		Type:        typ,
		ExecutionID: executionID,
		MaxAttempts: s.opts.QueueMaxAttempts,
		CreatedAt:   s.opts.Clock(),
	})
}

func marshalInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(input)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
