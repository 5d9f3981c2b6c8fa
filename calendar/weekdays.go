package calendar

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// WEEKDAYS - 7-bit day-of-week set
// =============================================================================

// Weekdays is a set of days of the week stored as a 7-bit mask.
// Bit i is set when time.Weekday(i) is allowed, so bit 0 is Sunday and
// bit 6 is Saturday. Always persist and transmit it as this integer.
type Weekdays uint8

const (
	Sunday    Weekdays = 1 << time.Sunday
	Monday    Weekdays = 1 << time.Monday
	Tuesday   Weekdays = 1 << time.Tuesday
	Wednesday Weekdays = 1 << time.Wednesday
	Thursday  Weekdays = 1 << time.Thursday
	Friday    Weekdays = 1 << time.Friday
	Saturday  Weekdays = 1 << time.Saturday

	NoDays   Weekdays = 0
	Weekend           = Saturday | Sunday
	WorkWeek          = Monday | Tuesday | Wednesday | Thursday | Friday
	AllDays           = WorkWeek | Weekend
)

// WeekdaysOf builds a set from individual days.
func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << d
	}
	return w
}

// ParseWeekdays validates a raw mask read from storage or the wire.
func ParseWeekdays(mask int) (Weekdays, error) {
	if mask < 0 || mask > int(AllDays) {
		return NoDays, fmt.Errorf("weekly_days %d out of range 0..%d", mask, AllDays)
	}
	return Weekdays(mask), nil
}

func (w Weekdays) Has(d time.Weekday) bool { return w&(1<<d) != 0 }
func (w Weekdays) IsEmpty() bool           { return w&AllDays == 0 }
func (w Weekdays) Int() int                { return int(w & AllDays) }

// Count returns how many days are in the set.
func (w Weekdays) Count() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			n++
		}
	}
	return n
}

// Days lists the members in Sunday-first order.
func (w Weekdays) Days() []time.Weekday {
	var days []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			days = append(days, d)
		}
	}
	return days
}

func (w Weekdays) String() string {
	if w.IsEmpty() {
		return "none"
	}
	names := make([]string, 0, 7)
	for _, d := range w.Days() {
		names = append(names, d.String()[:3])
	}
	return strings.Join(names, ",")
}

// ISOWeekday maps a time.Weekday onto 1=Monday … 7=Sunday.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// FromISOWeekday is the inverse of ISOWeekday.
func FromISOWeekday(n int) (time.Weekday, error) {
	if n < 1 || n > 7 {
		return time.Sunday, fmt.Errorf("iso weekday %d out of range 1..7", n)
	}
	return time.Weekday(n % 7), nil
}
