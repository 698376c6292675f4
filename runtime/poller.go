package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Poller is the timer loop of one worker. Each cycle scans ready timers,
	// claims them through the store lease, and dispatches by type. Timers are
	// deleted only after successful dispatch; a failed dispatch leaves the
	// claim to expire so another cycle or worker retries.
	Poller struct {
		store     engine.Store
		signals   *Signals
		schedules *Schedules
		resume    func(ctx context.Context, executionID string) error
		audit     *Auditor
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		clock     func() time.Time

		workerID string
		interval time.Duration
		claimTTL time.Duration

		mu      sync.Mutex
		cancel  context.CancelFunc
		stopped chan struct{}
	}
)

func newPoller(store engine.Store, signals *Signals, schedules *Schedules, resume func(context.Context, string) error, audit *Auditor, logger telemetry.Logger, metrics telemetry.Metrics, clock func() time.Time, workerID string, interval, claimTTL time.Duration) *Poller {
	return &Poller{
		store:     store,
		signals:   signals,
		schedules: schedules,
		resume:    resume,
		audit:     audit,
		logger:    logger,
		metrics:   metrics,
		clock:     clock,
		workerID:  workerID,
		interval:  interval,
		claimTTL:  claimTTL,
	}
}

// Start launches the poll loop. Idempotent: calls while running are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go p.loop(loopCtx)
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
// Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error(ctx, "poll cycle failed", "err", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs one poll cycle: scan, claim, dispatch. Dispatch errors are
// logged per timer and do not stop the cycle.
func (p *Poller) PollOnce(ctx context.Context) error {
	ready, err := p.store.ReadyTimers(ctx, p.clock())
	if err != nil {
		return err
	}
	for _, t := range ready {
		claimed, err := p.store.ClaimTimer(ctx, t.ID, p.workerID, p.claimTTL)
		if err != nil {
			p.logger.Warn(ctx, "timer claim failed", "timer_id", t.ID, "err", err.Error())
			continue
		}
		if !claimed {
			continue
		}
		if err := p.HandleTimer(ctx, t); err != nil {
			p.logger.Error(ctx, "timer dispatch failed",
				"timer_id", t.ID, "type", string(t.Type), "err", err.Error())
		}
	}
	return nil
}

// HandleTimer dispatches one claimed timer and finalizes it (mark fired,
// delete) on success. A recurring schedule fire replaces its own timer row
// with the next occurrence under the same id; that replacement is the
// finalization, so the row must not be fire-marked or deleted here.
func (p *Poller) HandleTimer(ctx context.Context, t *engine.Timer) error {
	rearmed, err := p.dispatch(ctx, t)
	if err != nil {
		return err
	}
	if !rearmed {
		if err := p.store.MarkTimerFired(ctx, t.ID); err != nil {
			return err
		}
		if err := p.store.DeleteTimer(ctx, t.ID); err != nil {
			return err
		}
	}
	p.metrics.IncCounter(telemetry.MetricTimersFired, 1, "type", string(t.Type))
	p.metrics.RecordTimer(telemetry.MetricTimerLag, p.clock().Sub(t.FireAt), "type", string(t.Type))
	return nil
}

// dispatch routes the timer by type. The returned flag reports that dispatch
// replaced the timer row with a new pending occurrence.
func (p *Poller) dispatch(ctx context.Context, t *engine.Timer) (bool, error) {
	switch t.Type {
	case engine.TimerSleep:
		return false, p.fireSleep(ctx, t)
	case engine.TimerRetry:
		return false, p.resume(ctx, t.ExecutionID)
	case engine.TimerSignalTimeout:
		timedOut, err := p.signals.TimeOut(ctx, t.ExecutionID, t.StepID)
		if err != nil {
			return false, err
		}
		if !timedOut {
			return false, nil
		}
		return false, p.resume(ctx, t.ExecutionID)
	case engine.TimerScheduled:
		return p.schedules.OnFire(ctx, t)
	case engine.TimerTimeout, engine.TimerKickoff:
		return false, p.resumeIfLive(ctx, t.ExecutionID)
	default:
		p.logger.Warn(ctx, "unknown timer type", "timer_id", t.ID, "type", string(t.Type))
		return false, nil
	}
}

// fireSleep completes the sleep slot and resumes the execution.
func (p *Poller) fireSleep(ctx context.Context, t *engine.Timer) error {
	if t.ExecutionID == "" || t.StepID == "" {
		return nil
	}
	if err := p.store.SaveStepResult(ctx, &engine.StepResult{
		ExecutionID: t.ExecutionID,
		StepID:      t.StepID,
		Result:      engine.EncodeSlot(&engine.SignalSlot{State: engine.SlotCompleted}),
		CompletedAt: p.clock(),
	}); err != nil {
		return err
	}
	p.audit.Append(ctx, &engine.AuditEntry{
		ExecutionID: t.ExecutionID, Kind: engine.AuditSleepCompleted,
		StepID: t.StepID, TimerID: t.ID,
	})
	return p.resume(ctx, t.ExecutionID)
}

// resumeIfLive resumes the execution unless it already terminated. Missing
// executions are ignored.
func (p *Poller) resumeIfLive(ctx context.Context, executionID string) error {
	exec, err := p.store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil
		}
		return err
	}
	if exec.Status.Terminal() || exec.Status == engine.StatusCompensationFailed {
		return nil
	}
	return p.resume(ctx, executionID)
}
