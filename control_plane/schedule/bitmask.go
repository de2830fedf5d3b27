// Package schedule holds the pure recurrence matching logic: bitmask
// calendar helpers and the due-evaluator. No storage, no clocks of its own.
package schedule

import (
	"time"
)

// MonthWeek is the "week bucket" a calendar day falls into.
type MonthWeek int

const (
	Week1 MonthWeek = iota + 1
	Week2
	Week3
	Week4
	// LastWeek is the final 1..7-day window of the month. It wins over a
	// numeric week-4 classification whenever the day falls inside that
	// window, so a 31-day month buckets days 29-31 as LastWeek, never as a
	// partial week 5.
	LastWeek
)

// LastDayBit is the special bit in a task's month-day mask meaning "the last
// calendar day of the month", whatever its number.
const LastDayBit uint32 = 1 << 31

// WeekdayInMask reports whether wd is set in mask. Bit 0 is Sunday, matching
// time.Weekday.
func WeekdayInMask(wd time.Weekday, mask uint32) bool {
	return mask&(1<<uint(wd)) != 0
}

// MonthInMask reports whether m is set in mask. Bit 0 is January.
func MonthInMask(m time.Month, mask uint32) bool {
	return mask&(1<<uint(m-1)) != 0
}

// DayInMask reports whether the calendar day (1-31) is set in mask. Bit 0 is
// day 1. The LastDayBit is not consulted here; callers test it directly.
func DayInMask(day int, mask uint32) bool {
	return mask&(1<<uint(day-1)) != 0
}

// WeekInMask reports whether the week bucket is set in mask. Bits 0..3 are
// weeks 1..4, bit 4 is LastWeek.
func WeekInMask(w MonthWeek, mask uint32) bool {
	return mask&(1<<uint(w-1)) != 0
}

// WeekOfMonth buckets a calendar day: days 1-7 are week 1, 8-14 week 2,
// 15-21 week 3, 22-28 week 4. The final 1..7-day window of the month is
// always LastWeek, determined by proximity to month-end rather than a fixed
// day count.
func WeekOfMonth(day, daysInMonth int) MonthWeek {
	if day > daysInMonth-7 {
		return LastWeek
	}
	return MonthWeek((day-1)/7 + 1)
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
