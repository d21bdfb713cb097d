package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kaelstrand/g2host/internal/store"
)

// NextRun computes the next occurrence for a task's schedule type/value,
// per SPEC_FULL §4.9a. loc is the configured timezone, falling back to
// UTC on an invalid TZ value — callers resolve that fallback once at
// startup and pass the result in.
func NextRun(scheduleType store.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		schedule, err := cron.ParseStandard(value)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", value, err)
		}
		next := schedule.Next(now.In(loc))
		return &next, nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid interval value %q: %w", value, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil

	case store.ScheduleOnce:
		// Once tasks have no further occurrence after firing.
		return nil, nil

	default:
		return nil, fmt.Errorf("scheduler: unknown schedule type %q", scheduleType)
	}
}

// FirstRun computes the initial next_run at task creation time, which for
// "once" is the parsed instant itself rather than nil.
func FirstRun(scheduleType store.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	if scheduleType == store.ScheduleOnce {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid once value %q: %w", value, err)
		}
		return &t, nil
	}
	return NextRun(scheduleType, value, now, loc)
}

// ResolveLocation loads the named timezone, falling back to UTC (and
// logging is left to the caller) when the name is empty or invalid.
func ResolveLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
