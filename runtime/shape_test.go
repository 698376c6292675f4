package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowShapeRecordsOperations(t *testing.T) {
	task := &Task{
		ID: "order",
		Handler: func(ctx context.Context, wf Context, _ json.RawMessage) (json.RawMessage, error) {
			if _, err := wf.Step(ctx, "reserve", func(context.Context) (any, error) {
				t.Fatal("step body must not run during shape walk")
				return nil, nil
			}); err != nil {
				return nil, err
			}
			if err := wf.Sleep(ctx, time.Hour); err != nil {
				return nil, err
			}
			if _, err := wf.WaitForSignal(ctx, "paid"); err != nil {
				return nil, err
			}
			if err := wf.Emit(ctx, "order.confirmed", nil); err != nil {
				return nil, err
			}
			if _, err := wf.Switch(ctx, "route",
				func(context.Context) (string, error) {
					t.Fatal("selector must not run during shape walk")
					return "", nil
				},
				map[string]StepFunc{
					"express":  func(context.Context) (any, error) { return nil, nil },
					"standard": func(context.Context) (any, error) { return nil, nil },
				}, nil); err != nil {
				return nil, err
			}
			wf.Note(ctx, "done", nil)
			return json.RawMessage(`null`), nil
		},
	}

	ops, err := FlowShape(context.Background(), task, nil)
	require.NoError(t, err)
	require.Len(t, ops, 6)

	assert.Equal(t, ShapeOp{Kind: "step", StepID: "reserve"}, ops[0])
	assert.Equal(t, ShapeOp{Kind: "sleep", StepID: "sleep:0"}, ops[1])
	assert.Equal(t, ShapeOp{Kind: "wait_for_signal", Signal: "paid"}, ops[2])
	assert.Equal(t, ShapeOp{Kind: "emit", Event: "order.confirmed"}, ops[3])
	assert.Equal(t, ShapeOp{Kind: "switch", StepID: "route", Branches: []string{"express", "standard"}}, ops[4])
	assert.Equal(t, ShapeOp{Kind: "note"}, ops[5])
}

func TestFlowShapeDerivedSequences(t *testing.T) {
	task := &Task{
		ID: "seq",
		Handler: func(ctx context.Context, wf Context, _ json.RawMessage) (json.RawMessage, error) {
			_ = wf.Sleep(ctx, time.Second)
			_ = wf.Sleep(ctx, time.Second)
			_ = wf.Sleep(ctx, time.Second, WithStepID("nap"))
			return nil, nil
		},
	}

	ops, err := FlowShape(context.Background(), task, nil)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "sleep:0", ops[0].StepID)
	assert.Equal(t, "sleep:1", ops[1].StepID)
	assert.Equal(t, "nap", ops[2].StepID)
}

func TestFlowShapePartialOnError(t *testing.T) {
	task := &Task{
		ID: "partial",
		Handler: func(ctx context.Context, wf Context, _ json.RawMessage) (json.RawMessage, error) {
			if _, err := wf.Step(ctx, "first", func(context.Context) (any, error) { return nil, nil }); err != nil {
				return nil, err
			}
			return nil, errors.New("handler gave up")
		},
	}

	ops, err := FlowShape(context.Background(), task, nil)
	require.EqualError(t, err, "handler gave up")
	require.Len(t, ops, 1)
	assert.Equal(t, "first", ops[0].StepID)
}
