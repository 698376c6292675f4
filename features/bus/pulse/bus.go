// Package pulse provides a Pulse-backed engine.Bus. Each logical channel maps
// to one Pulse stream; every subscriber opens its own uniquely named sink
// (consumer group), so all subscribers see every payload. Delivery is
// best-effort by contract: bus consumers always keep a polling fallback.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Options configures the bus.
	Options struct {
		// Redis is the Redis connection backing the Pulse streams. Required
		// unless Opener is provided.
		Redis *goredis.Client
		// Namespace isolates this bus's streams from other tenants. Defaults
		// to "default".
		Namespace string
		// StreamMaxLen bounds the number of entries kept per channel stream.
		// Zero uses Pulse defaults.
		StreamMaxLen int
		// Buffer is the subscriber channel capacity. Defaults to 64.
		Buffer int
		// Logger receives ack and decode warnings. Defaults to a no-op.
		Logger telemetry.Logger
		// Opener overrides stream construction, mainly for tests.
		Opener Opener
	}

	// Opener creates or opens the stream backing one channel.
	Opener func(channel string) (Stream, error)

	// Stream is the subset of Pulse stream operations the bus needs.
	Stream interface {
		// Add publishes a payload and returns the Redis-assigned event id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink mirrors the subset of Pulse sinks required by subscribers.
	Sink interface {
		// Subscribe returns the channel of incoming events.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}

	// Bus implements engine.Bus on Pulse streams.
	Bus struct {
		open   Opener
		buffer int
		logger telemetry.Logger

		mu      sync.Mutex
		streams map[string]Stream
	}

	streamAdapter struct {
		stream *streaming.Stream
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New constructs a Pulse-backed bus. When Opener is not provided the bus opens
// one stream per channel named "durable:<namespace>:chan:<channel>" on the
// given Redis connection.
func New(opts Options) (*Bus, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	open := opts.Opener
	if open == nil {
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
		rdb := opts.Redis
		maxLen := opts.StreamMaxLen
		open = func(channel string) (Stream, error) {
			var streamOptions []streamopts.Stream
			if maxLen > 0 {
				streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(maxLen))
			}
			str, err := streaming.NewStream("durable:"+ns+":chan:"+channel, rdb, streamOptions...)
			if err != nil {
				return nil, fmt.Errorf("create pulse stream: %w", err)
			}
			return &streamAdapter{stream: str}, nil
		}
	}
	return &Bus{open: open, buffer: buffer, logger: logger, streams: make(map[string]Stream)}, nil
}

// Publish sends the payload to all current subscribers of the channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	stream, err := b.streamFor(channel)
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, "event", payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// Subscribe opens a uniquely named sink on the channel's stream so this
// subscriber receives every payload published after the call. cancel stops
// the forwarding goroutine, closes the sink, and closes the events channel.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	stream, err := b.streamFor(channel)
	if err != nil {
		return nil, nil, err
	}
	sink, err := stream.NewSink(ctx, "sub-"+uuid.NewString())
	if err != nil {
		return nil, nil, err
	}
	out := make(chan []byte, b.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		b.forward(runCtx, sink, out)
	}()
	var once sync.Once
	cancelFunc := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			sink.Close(context.Background())
		})
	}
	return out, cancelFunc, nil
}

func (b *Bus) forward(ctx context.Context, sink Sink, out chan<- []byte) {
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case out <- ev.Payload:
			default:
				// Slow subscriber: drop rather than block the forwarder.
			}
			if err := sink.Ack(ctx, ev); err != nil {
				b.logger.Warn(ctx, "pulse ack failed", "event_id", ev.ID, "err", err.Error())
			}
		}
	}
}

func (b *Bus) streamFor(channel string) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[channel]; ok {
		return s, nil
	}
	s, err := b.open(channel)
	if err != nil {
		return nil, err
	}
	b.streams[channel] = s
	return s, nil
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
