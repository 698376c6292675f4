package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"goa.design/durable/engine"
)

type (
	// TaskFunc is the body of a durable workflow. Each attempt re-runs the
	// function from the top against a Context that replays memoized steps, so
	// the function must derive the same step ids in the same order on every
	// run. Returning engine.ErrSuspended (as produced by Context.Sleep and
	// Context.WaitForSignal) suspends the attempt without failing it.
	TaskFunc func(ctx context.Context, wf Context, input json.RawMessage) (json.RawMessage, error)

	// Task binds a stable id to a workflow function and its defaults.
	Task struct {
		// ID uniquely identifies the task across all registered tasks.
		ID string
		// Handler is the workflow function.
		Handler TaskFunc
		// MaxAttempts overrides the service default when positive.
		MaxAttempts int
	}

	// Registry maps task ids to their registered tasks. Safe for concurrent
	// use.
	Registry struct {
		mu    sync.RWMutex
		tasks map[string]*Task
	}
)

// NewRegistry returns an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds the task. Registering a blank or duplicate id fails.
func (r *Registry) Register(t *Task) error {
	if t == nil || t.ID == "" {
		return engine.Validationf("task id must not be blank")
	}
	if t.Handler == nil {
		return engine.Validationf("task %s has no handler", t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return engine.Validationf("task %s already registered", t.ID)
	}
	r.tasks[t.ID] = t
	return nil
}

// Lookup returns the task or a validation error for unknown ids.
func (r *Registry) Lookup(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, engine.Validationf("unknown task %s", id)
	}
	return t, nil
}

// NewTask builds a Task from a typed workflow function. Input and result are
// carried through JSON so executions survive process restarts.
func NewTask[I, O any](id string, fn func(ctx context.Context, wf Context, input I) (O, error)) *Task {
	return &Task{
		ID: id,
		Handler: func(ctx context.Context, wf Context, raw json.RawMessage) (json.RawMessage, error) {
			var input I
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &input); err != nil {
					return nil, engine.Validationf("task %s: decode input: %s", id, err)
				}
			}
			out, err := fn(ctx, wf, input)
			if err != nil {
				return nil, err
			}
			b, err := json.Marshal(out)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	}
}
