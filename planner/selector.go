package planner

import (
	"iter"
	"time"

	"github.com/warp/visit-engine/calendar"
)

// CandidateSlot is a date chosen for a visit, with the preferred window
// resolved on it.
type CandidateSlot struct {
	Date      calendar.Date
	WeekStart calendar.Date
	Start     time.Time
	End       time.Time
}

// SelectSlots keeps at most weeklyCap dates per week bucket, chosen by tb,
// and pairs each with window in loc. Output is ascending by date. It does
// no I/O.
func SelectSlots(buckets iter.Seq[calendar.Bucket], weeklyCap int, window calendar.Window, tb TieBreak, loc *time.Location) []CandidateSlot {
	return SelectSlotsCapped(buckets, func(calendar.Bucket) int { return weeklyCap }, window, tb, loc)
}

// SelectSlotsCapped is SelectSlots with a cap per bucket. Buckets whose
// cap is zero or negative are skipped.
func SelectSlotsCapped(buckets iter.Seq[calendar.Bucket], capOf func(calendar.Bucket) int, window calendar.Window, tb TieBreak, loc *time.Location) []CandidateSlot {
	var out []CandidateSlot
	for b := range buckets {
		k := capOf(b)
		if k <= 0 {
			continue
		}
		for _, d := range pick(b.Dates, k, tb) {
			start, end := window.On(d, loc)
			out = append(out, CandidateSlot{Date: d, WeekStart: b.WeekStart, Start: start, End: end})
		}
	}
	return out
}

// pick returns k of the ascending dates, still ascending.
func pick(dates []calendar.Date, k int, tb TieBreak) []calendar.Date {
	n := len(dates)
	if n <= k {
		return dates
	}
	switch tb {
	case TieBreakLatest:
		return dates[n-k:]
	case TieBreakSpread:
		if k == 1 {
			return dates[:1]
		}
		out := make([]calendar.Date, k)
		for i := range k {
			// Strictly increasing because n > k.
			out[i] = dates[i*(n-1)/(k-1)]
		}
		return out
	default:
		return dates[:k]
	}
}

// fromDate drops dates before from and buckets left empty.
func fromDate(buckets iter.Seq[calendar.Bucket], from calendar.Date) iter.Seq[calendar.Bucket] {
	return func(yield func(calendar.Bucket) bool) {
		for b := range buckets {
			kept := b.Dates[:0:0]
			for _, d := range b.Dates {
				if !d.Before(from) {
					kept = append(kept, d)
				}
			}
			if len(kept) == 0 {
				continue
			}
			if !yield(calendar.Bucket{WeekStart: b.WeekStart, Dates: kept}) {
				return
			}
		}
	}
}
