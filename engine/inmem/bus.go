package inmem

import (
	"context"
	"sync"
)

// subscriber buffers payloads for one Subscribe call. Sends never block:
// when the buffer is full the payload is dropped, matching the best-effort
// contract of engine.Bus.
type subscriber struct {
	ch chan []byte
}

const subscriberBuffer = 64

type (
	// Bus implements engine.Bus with in-process fan-out.
	Bus struct {
		mu   sync.Mutex
		subs map[string]map[*subscriber]struct{}
	}
)

// NewBus returns an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers the payload to every current subscriber of the channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber on the channel. cancel removes the
// subscription and closes the returned channel; it is safe to call twice.
func (b *Bus) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	b.mu.Lock()
	m := b.subs[channel]
	if m == nil {
		m = make(map[*subscriber]struct{})
		b.subs[channel] = m
	}
	m[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], sub)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}
