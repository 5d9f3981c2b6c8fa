/*
Package calendar provides the date arithmetic behind recurring visit plans.

PURPOSE:
  Everything the scheduling engine knows about calendars lives here:
  plan months, civil dates, time-of-day windows, the weekly-day bitmask and
  the expansion of a bitmask into the matching dates of a month.

KEY CONCEPTS:
  - Month:    A plan month (year + month), e.g. 2025-10
  - Date:     A civil date with no time-of-day or zone
  - Clock:    A time-of-day (HH:MM)
  - Window:   A preferred [start, end) time-of-day window
  - Weekdays: 7-bit mask, bit 0 = Sunday … bit 6 = Saturday
  - Bucket:   The matching dates of one Monday-start week (expand.go)

WEEK CONVENTION:
  Buckets use ISO-style weeks starting on Monday. A week that straddles a
  month boundary still forms one bucket, but only the dates inside the
  target month are kept.

SEE ALSO:
  - expand.go:   Month expansion into week buckets
  - weekdays.go: The Weekdays bitmask
*/
package calendar

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Plan month
// =============================================================================

type Month struct {
	Year  int
	Month time.Month
}

func NewMonth(year int, month time.Month) Month { return Month{Year: year, Month: month} }

// MonthOf returns the month containing t, read in t's own location.
func MonthOf(t time.Time) Month { return Month{Year: t.Year(), Month: t.Month()} }

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid plan month %q (use YYYY-MM): %w", s, err)
	}
	return MonthOf(t), nil
}

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }
func (m Month) IsZero() bool   { return m.Year == 0 && m.Month == 0 }

func (m Month) First() Date { return Date{Year: m.Year, Month: m.Month, Day: 1} }
func (m Month) Last() Date  { return Date{Year: m.Year, Month: m.Month, Day: m.Days()} }

// Days returns the number of days in the month.
func (m Month) Days() int {
	return time.Date(m.Year, m.Month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (m Month) Next() Month { return m.AddMonths(1) }
func (m Month) Prev() Month { return m.AddMonths(-1) }

func (m Month) AddMonths(n int) Month {
	t := time.Date(m.Year, m.Month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return MonthOf(t)
}

func (m Month) Before(o Month) bool {
	return m.Year < o.Year || (m.Year == o.Year && m.Month < o.Month)
}

func (m Month) Contains(d Date) bool { return d.Year == m.Year && d.Month == m.Month }

// ClipDay clamps a day-of-month into the month, used to rebuild
// monthly_day plans in shorter months (31 → 30, 29 → 28 …).
func (m Month) ClipDay(day int) Date {
	if day < 1 {
		day = 1
	}
	if n := m.Days(); day > n {
		day = n
	}
	return Date{Year: m.Year, Month: m.Month, Day: day}
}

// NthWeekday returns the n-th (1-based) occurrence of wd in the month.
// When the month has fewer occurrences the last one is returned.
func (m Month) NthWeekday(n int, wd time.Weekday) Date {
	if n < 1 {
		n = 1
	}
	first := m.First()
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	day := 1 + offset + (n-1)*7
	for day > m.Days() {
		day -= 7
	}
	return Date{Year: m.Year, Month: m.Month, Day: day}
}

// =============================================================================
// DATE - Civil date
// =============================================================================

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the civil date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) utc() time.Time { return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC) }

func (d Date) String() string        { return d.utc().Format(time.DateOnly) }
func (d Date) IsZero() bool          { return d.Year == 0 && d.Month == 0 && d.Day == 0 }
func (d Date) Weekday() time.Weekday { return d.utc().Weekday() }
func (d Date) YearMonth() Month      { return Month{Year: d.Year, Month: d.Month} }
func (d Date) AddDays(n int) Date    { return DateOf(d.utc().AddDate(0, 0, n)) }
func (d Date) Before(o Date) bool    { return d.utc().Before(o.utc()) }
func (d Date) After(o Date) bool     { return d.utc().After(o.utc()) }
func (d Date) Equal(o Date) bool     { return d == o }
func (d Date) DaysUntil(o Date) int  { return int(o.utc().Sub(d.utc()).Hours() / 24) }
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// WeekStart returns the Monday that opens d's week.
func (d Date) WeekStart() Date {
	back := (int(d.Weekday()) + 6) % 7
	return d.AddDays(-back)
}

// WeekOfMonth returns 1..5: which occurrence of its weekday d is.
func (d Date) WeekOfMonth() int { return (d.Day-1)/7 + 1 }

// At combines the date with a clock time in loc.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, loc)
}

// =============================================================================
// CLOCK + WINDOW - Time of day
// =============================================================================

type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q (use HH:MM): %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// ClockOf returns the time-of-day of t in t's location.
func ClockOf(t time.Time) Clock { return Clock{Hour: t.Hour(), Minute: t.Minute()} }

func (c Clock) String() string      { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }
func (c Clock) Minutes() int        { return c.Hour*60 + c.Minute }
func (c Clock) Before(o Clock) bool { return c.Minutes() < o.Minutes() }

// Window is a preferred time-of-day range. End must be after Start.
type Window struct {
	Start Clock
	End   Clock
}

func (w Window) Validate() error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("window end %s must be after start %s", w.End, w.Start)
	}
	return nil
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// On resolves the window on a date in loc.
func (w Window) On(d Date, loc *time.Location) (start, end time.Time) {
	return d.At(w.Start, loc), d.At(w.End, loc)
}
