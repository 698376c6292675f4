package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	ctx := context.Background()
	b := NewBus()

	ch1, cancel1, err := b.Subscribe(ctx, "event:order.placed")
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(ctx, "event:order.placed")
	require.NoError(t, err)
	defer cancel2()
	other, cancelOther, err := b.Subscribe(ctx, "event:order.shipped")
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, b.Publish(ctx, "event:order.placed", []byte(`{"id":1}`)))

	for _, ch := range []<-chan []byte{ch1, ch2} {
		select {
		case p := <-ch:
			assert.Equal(t, []byte(`{"id":1}`), p)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive payload")
		}
	}
	select {
	case <-other:
		t.Fatal("payload leaked across channels")
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	ctx := context.Background()
	b := NewBus()

	ch, cancel, err := b.Subscribe(ctx, "execution:e1")
	require.NoError(t, err)
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing to a channel with no subscribers succeeds.
	require.NoError(t, b.Publish(ctx, "execution:e1", []byte("x")))
}
