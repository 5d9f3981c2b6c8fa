/*
Package planner turns donor preferences into proposed visits and manages
changes to them.

PURPOSE:
  Orchestrates the scheduling pipeline and the operations on single visits:

    Trigger → Generator → calendar.Buckets → SelectSlots → Materializer → store
    Trigger → Coordinator → store (one visit, one transaction)

KEY CONCEPTS:
  Policy:       Tunables (tie-break, cutoff, concurrency, timezone)
  CandidateSlot: A selected date with the preferred window attached
  Materializer: Claims the plan and writes slots, isolating failures
  Generator:    Resolves target months and aggregates the result
  Coordinator:  Reschedule / cancel / skip / advance / complete
  Dispatcher:   Command messages in, generator and coordinator calls out

CONCURRENCY:
  The duplicate-plan guard lives in the store (visit.Store.ClaimPlan).
  Slot writes fan out through a bounded errgroup; each slot is its own
  transaction. Coordinator operations re-check the weekly cap inside the
  same transaction as their write.

SEE ALSO:
  - calendar/: Month expansion and week buckets
  - visit/:    Domain model, state machine and errors
*/
package planner

import (
	"fmt"
	"time"

	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// TIE-BREAK
// =============================================================================

// TieBreak picks which dates of an over-full week are kept.
type TieBreak string

const (
	TieBreakEarliest TieBreak = "earliest" // first N dates of the week
	TieBreakLatest   TieBreak = "latest"   // last N dates of the week
	TieBreakSpread   TieBreak = "spread"   // N dates spaced across the week
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch tb := TieBreak(s); tb {
	case TieBreakEarliest, TieBreakLatest, TieBreakSpread:
		return tb, nil
	case "":
		return TieBreakEarliest, nil
	}
	return "", fmt.Errorf("unknown tie-break %q", s)
}

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the generator's tunables.
type Policy struct {
	TieBreak TieBreak

	// CutoffDays: when fewer days than this remain in the current month
	// (today included), the following month is planned as well.
	CutoffDays int

	// DefaultMaxPerWeek replaces a non-positive max_visits_per_week.
	DefaultMaxPerWeek int

	// SlotConcurrency bounds parallel slot writes.
	SlotConcurrency int

	// Location is the facility timezone dates and windows resolve in.
	Location *time.Location

	// ClaimTimeout is how long a running plan run holds its donor-month.
	// After it, a run that wrote no visits (its finish was lost) can be
	// superseded by a new claim.
	ClaimTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		TieBreak:          TieBreakEarliest,
		CutoffDays:        7,
		DefaultMaxPerWeek: visit.DefaultMaxVisitsPerWeek,
		SlotConcurrency:   4,
		Location:          time.UTC,
		ClaimTimeout:      10 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.TieBreak == "" {
		p.TieBreak = d.TieBreak
	}
	if p.DefaultMaxPerWeek <= 0 {
		p.DefaultMaxPerWeek = d.DefaultMaxPerWeek
	}
	if p.SlotConcurrency <= 0 {
		p.SlotConcurrency = d.SlotConcurrency
	}
	if p.Location == nil {
		p.Location = d.Location
	}
	if p.ClaimTimeout <= 0 {
		p.ClaimTimeout = d.ClaimTimeout
	}
	return p
}
