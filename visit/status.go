package visit

// =============================================================================
// STATUS - Visit state machine
// =============================================================================
//
//   proposed ──▶ scheduled ──▶ confirmed ──▶ completed
//      │  │          │  │          │
//      │  └──────────┼──┴──────────┴────▶ cancelled
//      └─────────────┴─────────────────▶ skipped
//
// completed, cancelled and skipped are terminal.

type Status string

const (
	StatusProposed  Status = "proposed"
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

var transitions = map[Status][]Status{
	StatusProposed:  {StatusScheduled, StatusCancelled, StatusSkipped},
	StatusScheduled: {StatusConfirmed, StatusCancelled, StatusSkipped},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

func (s Status) IsValid() bool {
	switch s {
	case StatusProposed, StatusScheduled, StatusConfirmed,
		StatusSkipped, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusSkipped
}

// CanTransitionTo reports whether s → to is an edge of the state machine.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Reschedulable reports whether the visit's time may still be moved.
func (s Status) Reschedulable() bool {
	return s == StatusProposed || s == StatusScheduled
}

// CountsTowardCap reports whether a visit in this status occupies a slot
// in its week. Only cancelled visits free their slot.
func (s Status) CountsTowardCap() bool { return s != StatusCancelled }
