package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/fleetward/fleetward/control_plane/store"
)

// ErrMisconfigured marks a task whose required recurrence fields are absent
// or invalid. The evaluator fails closed (not due) but callers log these
// distinctly from an ordinary "not due".
var ErrMisconfigured = errors.New("task recurrence misconfigured")

// IsDue reports whether the task's recurrence matches the current minute in
// the agent's timezone. All matching is local-time at minute granularity:
// a true result holds for the full 60-second window, so callers must pair
// this with an idempotent claim before dispatching.
//
// Manual, check-failure and onboarding tasks are never time-matched here;
// run-once matches on every tick of its minute, and the caller owns the "has
// it ever completed" bookkeeping.
func IsDue(t *store.Task, loc *time.Location, nowUTC time.Time) (bool, error) {
	now := nowUTC.In(loc)

	switch t.Type {
	case store.TaskDaily:
		hour, min, err := parseRunTime(t.RunTime)
		if err != nil {
			return false, err
		}
		return now.Hour() == hour && now.Minute() == min, nil

	case store.TaskWeekly:
		hour, min, err := parseRunTime(t.RunTime)
		if err != nil {
			return false, err
		}
		if t.WeekdayMask == 0 {
			return false, fmt.Errorf("%w: weekly task %s has empty weekday mask", ErrMisconfigured, t.ID)
		}
		return WeekdayInMask(now.Weekday(), t.WeekdayMask) &&
			now.Hour() == hour && now.Minute() == min, nil

	case store.TaskMonthly:
		hour, min, err := parseRunTime(t.RunTime)
		if err != nil {
			return false, err
		}
		if t.MonthMask == 0 || t.MonthDayMask == 0 {
			return false, fmt.Errorf("%w: monthly task %s has empty month or day mask", ErrMisconfigured, t.ID)
		}
		if !MonthInMask(now.Month(), t.MonthMask) {
			return false, nil
		}
		if now.Hour() != hour || now.Minute() != min {
			return false, nil
		}
		lastDay := DaysInMonth(now.Year(), now.Month())
		if DayInMask(now.Day(), t.MonthDayMask&^LastDayBit) {
			return true, nil
		}
		return now.Day() == lastDay && t.MonthDayMask&LastDayBit != 0, nil

	case store.TaskMonthlyDOW:
		hour, min, err := parseRunTime(t.RunTime)
		if err != nil {
			return false, err
		}
		if t.MonthMask == 0 || t.WeekdayMask == 0 || t.WeekOfMonthMask == 0 {
			return false, fmt.Errorf("%w: monthly-by-weekday task %s has an empty mask", ErrMisconfigured, t.ID)
		}
		if !MonthInMask(now.Month(), t.MonthMask) || !WeekdayInMask(now.Weekday(), t.WeekdayMask) {
			return false, nil
		}
		week := WeekOfMonth(now.Day(), DaysInMonth(now.Year(), now.Month()))
		return WeekInMask(week, t.WeekOfMonthMask) &&
			now.Hour() == hour && now.Minute() == min, nil

	case store.TaskRunOnce:
		if t.RunAt == nil {
			return false, fmt.Errorf("%w: run-once task %s has no run_at", ErrMisconfigured, t.ID)
		}
		// RunAt carries agent-local wall-clock fields; rebuild it in loc so a
		// task entered as "2025-03-01 09:00" fires at 09:00 in every zone.
		ra := *t.RunAt
		want := time.Date(ra.Year(), ra.Month(), ra.Day(), ra.Hour(), ra.Minute(), 0, 0, loc)
		cur := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, loc)
		return want.Equal(cur), nil

	default:
		// manual / checkfailure / onboarding: never auto-scheduled by time.
		return false, nil
	}
}

func parseRunTime(s string) (hour, min int, err error) {
	if s == "" {
		return 0, 0, fmt.Errorf("%w: missing run_time", ErrMisconfigured)
	}
	tm, perr := time.Parse("15:04", s)
	if perr != nil {
		return 0, 0, fmt.Errorf("%w: bad run_time %q", ErrMisconfigured, s)
	}
	return tm.Hour(), tm.Minute(), nil
}
