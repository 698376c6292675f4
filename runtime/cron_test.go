package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durable/engine"
)

func TestNextRunCron(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 30, 15, 0, time.UTC)

	cases := []struct {
		name    string
		pattern string
		want    time.Time
	}{
		{"every minute", "* * * * *", time.Date(2025, 3, 10, 8, 31, 0, 0, time.UTC)},
		{"daily at nine", "0 9 * * *", time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		{"already past today", "0 8 * * *", time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC)},
		{"every fifteen minutes", "*/15 * * * *", time.Date(2025, 3, 10, 8, 45, 0, 0, time.UTC)},
		{"weekday mornings", "0 6 * * 1-5", time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC)},
		{"first of month", "0 0 1 * *", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"minute list", "10,50 * * * *", time.Date(2025, 3, 10, 8, 50, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextRun(engine.ScheduleCron, tc.pattern, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	got, err := NextRun(engine.ScheduleInterval, "1500", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(1500*time.Millisecond), got)
}

func TestNextRunInvalid(t *testing.T) {
	now := time.Now()
	var verr *engine.ValidationError

	_, err := NextRun(engine.ScheduleCron, "not a cron", now)
	assert.ErrorAs(t, err, &verr)

	_, err = NextRun(engine.ScheduleInterval, "zero", now)
	assert.ErrorAs(t, err, &verr)

	_, err = NextRun(engine.ScheduleInterval, "-5", now)
	assert.ErrorAs(t, err, &verr)

	_, err = NextRun(engine.ScheduleType("weekly"), "x", now)
	assert.ErrorAs(t, err, &verr)
}
