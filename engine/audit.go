package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type (
	// AuditKind classifies an audit entry.
	AuditKind string

	// AuditEntry is a structured, append-only event describing execution
	// progress. Entries order by At ascending with ties broken by ID; ids are
	// timestamp-prefixed so ordering holds across nodes with roughly
	// synchronized clocks.
	AuditEntry struct {
		// ID is "<epochMs>:<rand>".
		ID string `json:"id"`
		// ExecutionID identifies the execution the entry belongs to.
		ExecutionID string `json:"execution_id"`
		// Attempt is the attempt during which the event occurred.
		Attempt int `json:"attempt"`
		// At is the event instant.
		At time.Time `json:"at"`
		// Kind classifies the event.
		Kind AuditKind `json:"kind"`
		// Message carries free text for note entries.
		Message string `json:"message,omitempty"`
		// StepID references the step involved, if any.
		StepID string `json:"step_id,omitempty"`
		// SignalID references the signal involved, if any.
		SignalID string `json:"signal_id,omitempty"`
		// TimerID references the timer involved, if any.
		TimerID string `json:"timer_id,omitempty"`
		// Error captures the failure for failure-kind entries.
		Error *ErrorInfo `json:"error,omitempty"`
		// Meta carries caller-provided structured context for note entries.
		Meta map[string]any `json:"meta,omitempty"`
	}
)

const (
	AuditNote               AuditKind = "note"
	AuditStepCompleted      AuditKind = "step_completed"
	AuditStepFailed         AuditKind = "step_failed"
	AuditStepCompensated    AuditKind = "step_compensated"
	AuditSleepStarted       AuditKind = "sleep_started"
	AuditSleepCompleted     AuditKind = "sleep_completed"
	AuditSignalWaiting      AuditKind = "signal_waiting"
	AuditSignalDelivered    AuditKind = "signal_delivered"
	AuditSignalBuffered     AuditKind = "signal_buffered"
	AuditSignalTimedOut     AuditKind = "signal_timed_out"
	AuditRetryScheduled     AuditKind = "retry_scheduled"
	AuditEventEmitted       AuditKind = "event_emitted"
	AuditExecutionStarted   AuditKind = "execution_started"
	AuditExecutionCompleted AuditKind = "execution_completed"
	AuditExecutionFailed    AuditKind = "execution_failed"
	AuditExecutionCancelled AuditKind = "execution_cancelled"
	AuditRollbackStarted    AuditKind = "rollback_started"
	AuditRollbackFailed     AuditKind = "rollback_failed"
)

// NewAuditID builds a timestamp-prefixed identifier for an audit entry
// recorded at the given instant.
func NewAuditID(at time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d:%s", at.UnixMilli(), hex.EncodeToString(b[:]))
}
