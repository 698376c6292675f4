// Package pulse provides a Pulse-backed engine.Queue. Execute and resume
// messages travel through one Pulse stream with a shared consumer group, so
// each message reaches exactly one worker and unacknowledged messages are
// redelivered.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Options configures the queue.
	Options struct {
		// Redis is the Redis connection backing the Pulse stream. Required
		// unless Stream is provided.
		Redis *goredis.Client
		// Namespace isolates this queue's stream from other tenants. Defaults
		// to "default".
		Namespace string
		// SinkName identifies the consumer group shared by all workers.
		// Defaults to "workers".
		SinkName string
		// StreamMaxLen bounds the number of entries kept in the stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// Logger receives drop and redelivery logs. Defaults to a no-op.
		Logger telemetry.Logger
		// Stream overrides the Pulse stream, mainly for tests.
		Stream Stream
	}

	// Stream is the subset of Pulse stream operations the queue needs.
	Stream interface {
		// Add publishes a payload and returns the Redis-assigned event id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink mirrors the subset of Pulse sinks required by the consumer.
	Sink interface {
		// Subscribe returns the channel of incoming events.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}

	// Queue implements engine.Queue on a Pulse stream.
	Queue struct {
		stream   Stream
		sinkName string
		logger   telemetry.Logger
	}

	// streamAdapter wraps a Pulse stream behind the Stream interface.
	streamAdapter struct {
		stream *streaming.Stream
	}

	// sinkAdapter narrows Close to the Sink signature.
	sinkAdapter struct {
		*streaming.Sink
	}
)

// New constructs a Pulse-backed queue. When Stream is not provided the queue
// opens the stream "durable:<namespace>:work" on the given Redis connection.
func New(opts Options) (*Queue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "workers"
	}
	stream := opts.Stream
	if stream == nil {
		if opts.Redis == nil {
			return nil, errors.New("redis client is required")
		}
		namespace := opts.Namespace
		if namespace == "" {
			namespace = "default"
		}
		ns, err := engine.Namespace(namespace)
		if err != nil {
			return nil, err
		}
		var streamOptions []streamopts.Stream
		if opts.StreamMaxLen > 0 {
			streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
		}
		str, err := streaming.NewStream("durable:"+ns+":work", opts.Redis, streamOptions...)
		if err != nil {
			return nil, fmt.Errorf("create pulse stream: %w", err)
		}
		stream = &streamAdapter{stream: str}
	}
	return &Queue{stream: stream, sinkName: sinkName, logger: logger}, nil
}

// Enqueue publishes a message for worker pickup. The event name carries the
// message type for observability; consumers decode the payload regardless.
func (q *Queue) Enqueue(ctx context.Context, m *engine.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := q.stream.Add(ctx, string(m.Type), b); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// Consume opens the consumer group and dispatches messages to h until stop is
// called. Redelivery is explicit: a failed message is re-added with its
// incremented attempt count and the original acked, so attempts survive worker
// crashes between deliveries. Messages that exhaust their attempts are
// dropped with a log.
func (q *Queue) Consume(ctx context.Context, h engine.Handler) (func(), error) {
	sink, err := q.stream.NewSink(ctx, q.sinkName)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.consume(runCtx, sink, h)
	}()
	stop := func() {
		cancel()
		wg.Wait()
		sink.Close(context.Background())
	}
	return stop, nil
}

func (q *Queue) consume(ctx context.Context, sink Sink, h engine.Handler) {
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			q.handle(ctx, sink, ev, h)
		}
	}
}

func (q *Queue) handle(ctx context.Context, sink Sink, ev *streaming.Event, h engine.Handler) {
	var m engine.Message
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		q.logger.Warn(ctx, "dropping undecodable queue message", "event_id", ev.ID, "err", err.Error())
		q.ack(ctx, sink, ev)
		return
	}
	m.Attempts++
	if err := h(ctx, &m); err != nil {
		if m.Attempts < m.MaxAttempts {
			q.logger.Info(ctx, "requeueing failed message",
				"message_id", m.ID, "execution_id", m.ExecutionID, "attempts", m.Attempts, "err", err.Error())
			if b, merr := json.Marshal(&m); merr == nil {
				if _, aerr := q.stream.Add(ctx, string(m.Type), b); aerr != nil {
					// Leave the original unacked so Pulse redelivers it.
					q.logger.Warn(ctx, "requeue failed, leaving message pending",
						"message_id", m.ID, "err", aerr.Error())
					return
				}
			}
		} else {
			q.logger.Warn(ctx, "dropping message after max attempts",
				"message_id", m.ID, "execution_id", m.ExecutionID, "attempts", m.Attempts, "err", err.Error())
		}
	}
	q.ack(ctx, sink, ev)
}

func (q *Queue) ack(ctx context.Context, sink Sink, ev *streaming.Event) {
	if err := sink.Ack(ctx, ev); err != nil {
		q.logger.Warn(ctx, "pulse ack failed", "event_id", ev.ID, "err", err.Error())
	}
}

// Add implements Stream.
func (a *streamAdapter) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return a.stream.Add(ctx, event, payload)
}

// NewSink implements Stream.
func (a *streamAdapter) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := a.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

// Close narrows the Pulse sink Close to the Sink interface.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
