package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeekOfMonthBuckets(t *testing.T) {
	// Days 1-21 bucket numerically regardless of month length.
	for _, dim := range []int{28, 29, 30, 31} {
		assert.Equal(t, Week1, WeekOfMonth(1, dim))
		assert.Equal(t, Week1, WeekOfMonth(7, dim))
		assert.Equal(t, Week2, WeekOfMonth(8, dim))
		assert.Equal(t, Week2, WeekOfMonth(14, dim))
		assert.Equal(t, Week3, WeekOfMonth(15, dim))
		assert.Equal(t, Week3, WeekOfMonth(21, dim))
	}
}

func TestWeekOfMonthLastWindow(t *testing.T) {
	// The final 1..7-day window is always LAST, overriding week 4.
	assert.Equal(t, LastWeek, WeekOfMonth(22, 28))
	assert.Equal(t, LastWeek, WeekOfMonth(28, 28))

	assert.Equal(t, Week4, WeekOfMonth(22, 29))
	assert.Equal(t, LastWeek, WeekOfMonth(23, 29))

	assert.Equal(t, Week4, WeekOfMonth(23, 30))
	assert.Equal(t, LastWeek, WeekOfMonth(24, 30))
	assert.Equal(t, LastWeek, WeekOfMonth(30, 30))

	assert.Equal(t, Week4, WeekOfMonth(24, 31))
	assert.Equal(t, LastWeek, WeekOfMonth(25, 31))
	assert.Equal(t, LastWeek, WeekOfMonth(29, 31))
	assert.Equal(t, LastWeek, WeekOfMonth(31, 31))
}

func TestWeekdayInMask(t *testing.T) {
	mask := uint32(1 << uint(time.Tuesday))
	assert.True(t, WeekdayInMask(time.Tuesday, mask))
	assert.False(t, WeekdayInMask(time.Wednesday, mask))
	assert.False(t, WeekdayInMask(time.Sunday, mask))

	all := uint32(0x7F)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		assert.True(t, WeekdayInMask(wd, all))
	}
}

func TestMonthInMask(t *testing.T) {
	feb := uint32(1 << 1)
	assert.True(t, MonthInMask(time.February, feb))
	assert.False(t, MonthInMask(time.January, feb))
	assert.False(t, MonthInMask(time.December, feb))
}

func TestDayInMask(t *testing.T) {
	mask := uint32(1<<0 | 1<<14) // days 1 and 15
	assert.True(t, DayInMask(1, mask))
	assert.True(t, DayInMask(15, mask))
	assert.False(t, DayInMask(2, mask))

	// LastDayBit lives outside the numeric day range.
	assert.False(t, DayInMask(31, LastDayBit))
}

func TestDaysInMonth(t *testing.T) {
	assert.Equal(t, 28, DaysInMonth(2025, time.February))
	assert.Equal(t, 29, DaysInMonth(2024, time.February))
	assert.Equal(t, 30, DaysInMonth(2025, time.April))
	assert.Equal(t, 31, DaysInMonth(2025, time.March))
	assert.Equal(t, 31, DaysInMonth(2025, time.December))
}
