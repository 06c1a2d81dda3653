package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/model"
)

// FirstRun computes a new task's initial firing time. Malformed schedule
// values are rejected here, at creation, never at run time.
func FirstRun(scheduleType model.ScheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	switch scheduleType {
	case model.ScheduleTypeCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return sched.Next(now.In(loc)), nil
	case model.ScheduleTypeInterval:
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q", value)
		}
		return now.Add(d), nil
	case model.ScheduleTypeOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// Recompute produces the firing time after a run. One-shot tasks complete
// instead of rescheduling.
func Recompute(scheduleType model.ScheduleType, value string, now time.Time, loc *time.Location) (next time.Time, completed bool, err error) {
	if scheduleType == model.ScheduleTypeOnce {
		return time.Time{}, true, nil
	}
	next, err = FirstRun(scheduleType, value, now, loc)
	return next, false, err
}
