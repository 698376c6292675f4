package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"
)

func TestLogFields(t *testing.T) {
	fields := logFields("timer fired", []any{"timer_id", "t1", "attempt", 2})
	require.Len(t, fields, 3)
	assert.Equal(t, log.KV{K: "msg", V: "timer fired"}, fields[0])
	assert.Equal(t, log.KV{K: "timer_id", V: "t1"}, fields[1])
	assert.Equal(t, log.KV{K: "attempt", V: 2}, fields[2])

	// Non-string keys and a trailing key without a value are dropped.
	fields = logFields("m", []any{42, "v", "dangling"})
	require.Len(t, fields, 1)
	assert.Equal(t, log.KV{K: "msg", V: "m"}, fields[0])
}

func TestTagAttrs(t *testing.T) {
	attrs := tagAttrs([]string{"task", "order", "status", "completed"})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("task", "order"),
		attribute.String("status", "completed"),
	}, attrs)

	attrs = tagAttrs([]string{"dangling"})
	assert.Equal(t, []attribute.KeyValue{attribute.String("dangling", "")}, attrs)
}

func TestKVAttrs(t *testing.T) {
	attrs := kvAttrs([]any{"s", "v", "n", 7, "f", 1.5, "b", true, "x", struct{}{}})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("s", "v"),
		attribute.Int("n", 7),
		attribute.Float64("f", 1.5),
		attribute.Bool("b", true),
		attribute.String("x", ""),
	}, attrs)
}
