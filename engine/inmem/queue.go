package inmem

import (
	"context"
	"sync"

	"goa.design/durable/engine"
)

type (
	// Queue implements engine.Queue with an in-process buffer. Messages
	// enqueued before a consumer attaches are held until Consume is called.
	// Handler errors redeliver the message until Attempts reaches MaxAttempts,
	// after which the message is dropped.
	Queue struct {
		mu      sync.Mutex
		pending []*engine.Message
		wake    chan struct{}
		closed  bool
	}
)

// NewQueue returns an empty in-memory queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue buffers the message for delivery.
func (q *Queue) Enqueue(_ context.Context, m *engine.Message) error {
	q.mu.Lock()
	cp := *m
	q.pending = append(q.pending, &cp)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Consume starts a goroutine that delivers buffered messages to h one at a
// time. The returned stop function halts delivery and waits for the in-flight
// handler to return.
func (q *Queue) Consume(ctx context.Context, h engine.Handler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			m := q.pop()
			if m == nil {
				select {
				case <-ctx.Done():
					return
				case <-q.wake:
					continue
				}
			}
			m.Attempts++
			if err := h(ctx, m); err != nil && m.Attempts < m.MaxAttempts {
				if err := q.Enqueue(ctx, m); err != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return func() {
		cancel()
		select {
		case q.wake <- struct{}{}:
		default:
		}
		wg.Wait()
	}, nil
}

func (q *Queue) pop() *engine.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	return m
}
