package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// TimerType classifies a future wake-up event.
	TimerType string

	// TimerStatus tracks whether a timer has fired.
	TimerStatus string

	// Timer is a persisted future wake-up. Timer ids are deterministic where
	// memoization matters (see the *TimerID helpers) so crashed attempts never
	// arm duplicates: at most one non-fired timer exists per id.
	Timer struct {
		// ID uniquely identifies the timer.
		ID string `json:"id"`
		// Type selects the dispatch path when the timer fires.
		Type TimerType `json:"type"`
		// FireAt is the instant at or after which the timer is ready.
		FireAt time.Time `json:"fire_at"`
		// Status is pending until a worker fires the timer.
		Status TimerStatus `json:"status"`
		// ExecutionID references the execution to resume, when applicable.
		ExecutionID string `json:"execution_id,omitempty"`
		// StepID references the sleep or signal slot to complete, when applicable.
		StepID string `json:"step_id,omitempty"`
		// ScheduleID references the recurring schedule to re-arm, when applicable.
		ScheduleID string `json:"schedule_id,omitempty"`
		// TaskID names the task to start for scheduled timers.
		TaskID string `json:"task_id,omitempty"`
		// Input is the task input for scheduled timers.
		Input json.RawMessage `json:"input,omitempty"`
	}
)

const (
	// TimerSleep wakes a sleeping execution.
	TimerSleep TimerType = "sleep"
	// TimerRetry re-runs a failed attempt after backoff.
	TimerRetry TimerType = "retry"
	// TimerScheduled starts a new execution for a schedule or one-off.
	TimerScheduled TimerType = "scheduled"
	// TimerSignalTimeout expires a pending signal wait.
	TimerSignalTimeout TimerType = "signal_timeout"
	// TimerTimeout re-checks an execution against its total wall-clock budget.
	TimerTimeout TimerType = "timeout"
	// TimerKickoff is the enqueue failsafe: it resumes an execution whose
	// execute message may never have reached the queue.
	TimerKickoff TimerType = "kickoff"
)

const (
	// TimerPending marks a timer that has not fired.
	TimerPending TimerStatus = "pending"
	// TimerFired marks a consumed timer.
	TimerFired TimerStatus = "fired"
)

// RetryTimerID returns the deterministic id for the retry of the given attempt.
func RetryTimerID(executionID string, attempt int) string {
	return fmt.Sprintf("retry:%s:%d", executionID, attempt)
}

// SleepTimerID returns the deterministic id for a sleep step's wake-up.
func SleepTimerID(executionID, stepID string) string {
	return fmt.Sprintf("sleep:%s:%s", executionID, stepID)
}

// SignalTimeoutTimerID returns the deterministic id for a signal wait timeout.
func SignalTimeoutTimerID(executionID, stepID string) string {
	return fmt.Sprintf("signal_timeout:%s:%s", executionID, stepID)
}

// ScheduleTimerID returns the deterministic id for a schedule's next fire.
func ScheduleTimerID(scheduleID string) string {
	return "sched:" + scheduleID
}

// OnceTimerID returns the id for a one-off scheduled run.
func OnceTimerID(onceID string) string {
	return "once:" + onceID
}

// KickoffTimerID returns the deterministic id of the enqueue failsafe timer.
func KickoffTimerID(executionID string) string {
	return "kickoff:" + executionID
}
