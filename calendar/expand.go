package calendar

import "iter"

// =============================================================================
// EXPANSION - Weekly bitmask → dates of a month → week buckets
// =============================================================================

// Bucket holds the matching dates of one Monday-start week that fall
// inside the expanded month, in ascending order.
type Bucket struct {
	WeekStart Date
	Dates     []Date
}

// WeekEnd returns the Sunday closing the bucket's week.
func (b Bucket) WeekEnd() Date { return b.WeekStart.AddDays(6) }

// Dates yields every date of m whose weekday is in days, ascending.
// An empty set yields nothing.
func Dates(m Month, days Weekdays) iter.Seq[Date] {
	return func(yield func(Date) bool) {
		if days.IsEmpty() {
			return
		}
		n := m.Days()
		for day := 1; day <= n; day++ {
			d := Date{Year: m.Year, Month: m.Month, Day: day}
			if !days.Has(d.Weekday()) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

// Buckets groups Dates(m, days) by Monday-start week. Weeks with no
// matching date inside m are not yielded.
func Buckets(m Month, days Weekdays) iter.Seq[Bucket] {
	return func(yield func(Bucket) bool) {
		var cur Bucket
		for d := range Dates(m, days) {
			ws := d.WeekStart()
			if len(cur.Dates) > 0 && ws != cur.WeekStart {
				if !yield(cur) {
					return
				}
				cur = Bucket{}
			}
			cur.WeekStart = ws
			cur.Dates = append(cur.Dates, d)
		}
		if len(cur.Dates) > 0 {
			yield(cur)
		}
	}
}

// Expand materializes Buckets into a slice.
func Expand(m Month, days Weekdays) []Bucket {
	var out []Bucket
	for b := range Buckets(m, days) {
		out = append(out, b)
	}
	return out
}

// WeeksTouching counts the Monday-start weeks that overlap m.
func WeeksTouching(m Month) int {
	first := m.First().WeekStart()
	last := m.Last().WeekStart()
	return first.DaysUntil(last)/7 + 1
}
