package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type (
	// ShapeOp is one durable operation recorded by FlowShape.
	ShapeOp struct {
		// Kind is step, sleep, wait_for_signal, emit, switch, note, or
		// rollback.
		Kind string `json:"kind"`
		// StepID is the derived or explicit step id, when the operation has
		// one.
		StepID string `json:"step_id,omitempty"`
		// Signal names the awaited signal for wait_for_signal operations.
		Signal string `json:"signal,omitempty"`
		// Event names the emitted event for emit operations.
		Event string `json:"event,omitempty"`
		// Branches lists the branch ids of a switch operation.
		Branches []string `json:"branches,omitempty"`
	}

	// shapeRecorder is a Context that records durable operations without
	// executing user work. Step bodies, selectors, and compensations never
	// run; every operation yields a zero value so the walk continues to the
	// end of the function.
	shapeRecorder struct {
		ops       []ShapeOp
		sleepSeq  int
		emitSeq   int
		signalSeq map[string]int
	}
)

// FlowShape runs the task's function against a recording context and returns
// the list of durable operations it performs. Because step results are zero
// values, functions that branch on step outputs report the shape of the
// zero-value path. Used by documentation and dashboards.
func FlowShape(ctx context.Context, task *Task, input json.RawMessage) ([]ShapeOp, error) {
	rec := &shapeRecorder{signalSeq: make(map[string]int)}
	if _, err := task.Handler(ctx, rec, input); err != nil {
		return rec.ops, err
	}
	return rec.ops, nil
}

func (r *shapeRecorder) ExecutionID() string { return "shape" }
func (r *shapeRecorder) TaskID() string      { return "shape" }
func (r *shapeRecorder) Attempt() int        { return 1 }

func (r *shapeRecorder) Step(_ context.Context, stepID string, _ StepFunc, _ ...StepOption) (json.RawMessage, error) {
	r.ops = append(r.ops, ShapeOp{Kind: "step", StepID: stepID})
	return json.RawMessage("null"), nil
}

func (r *shapeRecorder) Sleep(_ context.Context, _ time.Duration, opts ...WaitOption) error {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	stepID := o.stepID
	if stepID == "" {
		stepID = fmt.Sprintf("sleep:%d", r.sleepSeq)
	}
	r.sleepSeq++
	r.ops = append(r.ops, ShapeOp{Kind: "sleep", StepID: stepID})
	return nil
}

func (r *shapeRecorder) WaitForSignal(_ context.Context, signal string, opts ...WaitOption) (json.RawMessage, error) {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	r.signalSeq[signal]++
	r.ops = append(r.ops, ShapeOp{Kind: "wait_for_signal", StepID: o.stepID, Signal: signal})
	return json.RawMessage("null"), nil
}

func (r *shapeRecorder) Emit(_ context.Context, event string, _ any, opts ...WaitOption) error {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	r.emitSeq++
	r.ops = append(r.ops, ShapeOp{Kind: "emit", StepID: o.stepID, Event: event})
	return nil
}

func (r *shapeRecorder) Switch(_ context.Context, stepID string, _ func(context.Context) (string, error), branches map[string]StepFunc, _ StepFunc) (json.RawMessage, error) {
	ids := make([]string, 0, len(branches))
	for id := range branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.ops = append(r.ops, ShapeOp{Kind: "switch", StepID: stepID, Branches: ids})
	return json.RawMessage("null"), nil
}

func (r *shapeRecorder) Note(_ context.Context, _ string, _ map[string]any) {
	r.ops = append(r.ops, ShapeOp{Kind: "note"})
}

func (r *shapeRecorder) Rollback(context.Context) error {
	r.ops = append(r.ops, ShapeOp{Kind: "rollback"})
	return nil
}
