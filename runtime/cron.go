package runtime

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"goa.design/durable/engine"
)

// cronParser accepts the classic 5-field form: minute, hour, day-of-month,
// month, day-of-week with *, ",", "-", and "/" syntax. Times are evaluated in
// the location of the reference instant; around DST transitions the library's
// wall-clock arithmetic applies.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the least fire instant strictly after now for the given
// schedule type and pattern. Cron patterns are 5-field expressions; interval
// patterns are a millisecond count as a decimal string.
func NextRun(typ engine.ScheduleType, pattern string, now time.Time) (time.Time, error) {
	switch typ {
	case engine.ScheduleCron:
		sched, err := cronParser.Parse(pattern)
		if err != nil {
			return time.Time{}, engine.Validationf("invalid cron pattern %q: %s", pattern, err)
		}
		return sched.Next(now), nil
	case engine.ScheduleInterval:
		ms, err := strconv.ParseInt(pattern, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, engine.Validationf("invalid interval pattern %q", pattern)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	default:
		return time.Time{}, engine.Validationf("unknown schedule type %q", typ)
	}
}
