package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// StepResult memoizes the output of one named step inside an execution.
	// Rows are unique by (ExecutionID, StepID) and write-once under normal
	// flow; only operator actions (SkipStep, EditStepResult) rewrite them.
	StepResult struct {
		// ExecutionID identifies the owning execution.
		ExecutionID string `json:"execution_id"`
		// StepID is the step name, unique within the execution. Signal slots
		// use the reserved "__signal:" prefix and sleeps the "sleep:" prefix.
		StepID string `json:"step_id"`
		// Result is the opaque memoized value. For signal and sleep slots it
		// holds an encoded SignalSlot.
		Result json.RawMessage `json:"result,omitempty"`
		// CompletedAt orders step results for deterministic replay.
		CompletedAt time.Time `json:"completed_at"`
	}

	// SlotState tags the lifecycle of a signal or sleep slot.
	SlotState string

	// SignalSlot is the tagged record stored as the step result of a sleep,
	// signal wait, or buffered signal delivery.
	SignalSlot struct {
		// State is waiting, completed, or timed_out.
		State SlotState `json:"state"`
		// SignalID names the awaited signal. Set on waiting slots so custom
		// step ids can still be matched by signal name.
		SignalID string `json:"signal_id,omitempty"`
		// TimerID references the pending timeout or wake-up timer, if any.
		TimerID string `json:"timer_id,omitempty"`
		// Payload carries the delivered signal payload once completed.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

const (
	// SlotWaiting marks a slot whose execution is suspended on delivery.
	SlotWaiting SlotState = "waiting"
	// SlotCompleted marks a delivered (or elapsed) slot.
	SlotCompleted SlotState = "completed"
	// SlotTimedOut marks a wait whose timeout timer fired first.
	SlotTimedOut SlotState = "timed_out"
)

// signalPrefix is the reserved step-id namespace for signal slots.
const signalPrefix = "__signal:"

// SignalSlotID returns the base slot id for a signal: "__signal:<signal>".
// The same form addresses custom waiting slots by their step id.
func SignalSlotID(signal string) string {
	return signalPrefix + signal
}

// SignalSlotN returns the N-th overflow slot id, N starting at 1.
func SignalSlotN(signal string, n int) string {
	return fmt.Sprintf("%s%s:%d", signalPrefix, signal, n)
}

// IsSignalSlot reports whether the step id lives in the signal namespace.
func IsSignalSlot(stepID string) bool {
	return strings.HasPrefix(stepID, signalPrefix)
}

// SignalSlotIndex parses a slot id of the form "__signal:<signal>[:<N>]" and
// returns the overflow index. The base slot has index 0. ok is false when the
// id does not belong to the given signal.
func SignalSlotIndex(stepID, signal string) (n int, ok bool) {
	base := SignalSlotID(signal)
	if stepID == base {
		return 0, true
	}
	rest, found := strings.CutPrefix(stepID, base+":")
	if !found {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 1 {
		return 0, false
	}
	return idx, true
}

// EncodeSlot serializes a signal slot into a step result value.
func EncodeSlot(slot *SignalSlot) json.RawMessage {
	b, _ := json.Marshal(slot)
	return b
}

// DecodeSlot parses a step result value as a signal slot. It returns
// ErrInvalidSignalState when the payload does not carry a recognizable state
// tag.
func DecodeSlot(raw json.RawMessage) (*SignalSlot, error) {
	var slot SignalSlot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, ErrInvalidSignalState
	}
	switch slot.State {
	case SlotWaiting, SlotCompleted, SlotTimedOut:
		return &slot, nil
	default:
		return nil, ErrInvalidSignalState
	}
}
