package pulse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// fakeStream fans events out to every sink created on it, mimicking
	// independent consumer groups.
	fakeStream struct {
		mu    sync.Mutex
		sinks []*fakeSink
		seq   int
	}

	fakeSink struct {
		mu     sync.Mutex
		events chan *streaming.Event
		acked  int
		closed bool
	}
)

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ev := &streaming.Event{ID: time.Now().Format("150405.000"), EventName: event, Payload: payload}
	for _, s := range f.sinks {
		s.events <- ev
	}
	return ev.ID, nil
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSink{events: make(chan *streaming.Event, 16)}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(context.Context, *streaming.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked++
	return nil
}

func (f *fakeSink) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newTestBus(t *testing.T) (*Bus, map[string]*fakeStream) {
	t.Helper()
	streams := make(map[string]*fakeStream)
	var mu sync.Mutex
	bus, err := New(Options{Opener: func(channel string) (Stream, error) {
		mu.Lock()
		defer mu.Unlock()
		s, ok := streams[channel]
		if !ok {
			s = &fakeStream{}
			streams[channel] = s
		}
		return s, nil
	}})
	require.NoError(t, err)
	return bus, streams
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(Options{})
	assert.EqualError(t, err, "redis client is required")
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	a, cancelA, err := bus.Subscribe(ctx, "execution:e1")
	require.NoError(t, err)
	defer cancelA()
	b, cancelB, err := bus.Subscribe(ctx, "execution:e1")
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, bus.Publish(ctx, "execution:e1", []byte(`"done"`)))

	for _, ch := range []<-chan []byte{a, b} {
		select {
		case p := <-ch:
			assert.Equal(t, `"done"`, string(p))
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the publish")
		}
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	events, cancel, err := bus.Subscribe(ctx, "event:order.placed")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, "event:order.shipped", []byte(`{}`)))

	select {
	case <-events:
		t.Fatal("received a payload from another channel")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelClosesSinkAndChannel(t *testing.T) {
	ctx := context.Background()
	bus, streams := newTestBus(t)

	events, cancel, err := bus.Subscribe(ctx, "execution:e1")
	require.NoError(t, err)

	cancel()
	// Cancel is idempotent.
	cancel()

	_, open := <-events
	assert.False(t, open)

	stream := streams["execution:e1"]
	stream.mu.Lock()
	sink := stream.sinks[0]
	stream.mu.Unlock()
	sink.mu.Lock()
	assert.True(t, sink.closed)
	sink.mu.Unlock()
}

func TestPublishWithoutSubscribers(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)
	assert.NoError(t, bus.Publish(ctx, "execution:e9", []byte(`{}`)))
}
