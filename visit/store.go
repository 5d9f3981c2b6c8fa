/*
store.go - Persistence interfaces for donors and visits

PURPOSE:
  Defines the boundary between the scheduling engine and its storage.
  The engine never reaches a database directly; the generator and the
  coordinator receive these interfaces at construction.

KEY INTERFACES:
  DonorStore:  Read-only donor approval state and preferences
  DonorWriter: Seeding donors for demos and tests
  Store:       Visit, schedule, plan-run and audit persistence
  TxStore:     Store plus WithTx for check-and-write units

DUPLICATE-PLAN GUARD:
  ClaimPlan is the only concurrency-safety mechanism for generation. It
  must be an atomic check-and-insert: it fails with a *DuplicatePlanError
  when a non-cancelled planned visit exists for the donor and month, or
  when another run for that month is still running. A plain read followed
  by a write is not enough under concurrent triggers.

NO DELETES:
  Visits are never removed. Cancellation is a status change.

IMPLEMENTATIONS:
  - visit/store/memory.go:   In-memory, for tests and demos
  - store/sqlite/sqlite.go:  SQLite with a unique partial index on plan runs
*/
package visit

import (
	"context"
	"time"

	"github.com/warp/visit-engine/calendar"
)

// =============================================================================
// DONOR STORE - Read-only inputs
// =============================================================================

type DonorStore interface {
	// GetDonor returns ErrDonorNotFound for unknown donors.
	GetDonor(ctx context.Context, id DonorID) (*Donor, error)

	// GetPreference returns ErrNoPreference when the donor has none.
	GetPreference(ctx context.Context, id DonorID) (*Preference, error)

	// ListEligibleDonors returns donors that pass Donor.Eligible.
	ListEligibleDonors(ctx context.Context) ([]DonorID, error)
}

// DonorWriter is implemented by stores that can be seeded with donors,
// which the demo scenario loader and tests do. The engine never writes
// donor records itself.
type DonorWriter interface {
	SaveDonor(ctx context.Context, d Donor) error
	SavePreference(ctx context.Context, p Preference) error
	Reset(ctx context.Context) error
}

// =============================================================================
// VISIT STORE
// =============================================================================

// PlanClaim describes a generation attempt for one donor and month.
type PlanClaim struct {
	RunID         PlanRunID
	DonorID       DonorID
	PlanMonth     calendar.Month
	TriggerReason string
	StartedAt     time.Time

	// StaleBefore expires the lease of a running run that started before
	// it. An expired run with no non-cancelled visits is superseded; zero
	// means running runs never expire.
	StaleBefore time.Time
}

// WeekQuery selects the donor's visits whose scheduled start falls in
// [From, To).
type WeekQuery struct {
	DonorID DonorID
	From    time.Time
	To      time.Time
}

type Store interface {
	// ClaimPlan atomically checks the duplicate-plan guard and records a
	// running PlanRun. A finished run whose visits were all cancelled (or
	// that created none) is superseded by the new claim.
	ClaimPlan(ctx context.Context, claim PlanClaim) (*PlanRun, error)

	// FinishPlan records the outcome of a claimed run.
	FinishPlan(ctx context.Context, run PlanRun) error

	// CreateVisit writes a Visit and its optional Schedule as one unit.
	CreateVisit(ctx context.Context, s Scheduled) error

	// GetVisit returns ErrVisitNotFound for unknown visits.
	GetVisit(ctx context.Context, id VisitID) (*Scheduled, error)

	// UpdateVisit overwrites the mutable visit columns (schedule times,
	// status, cancel reason, completion) and, when s.Schedule is set, the
	// schedule's reschedule_count and proposed_by.
	UpdateVisit(ctx context.Context, s Scheduled) error

	// ListVisits returns a donor's visits in a plan month, by start time.
	ListVisits(ctx context.Context, donorID DonorID, month calendar.Month) ([]Scheduled, error)

	// ListVisitsInRange returns a donor's visits starting in [From, To).
	ListVisitsInRange(ctx context.Context, q WeekQuery) ([]Visit, error)

	// ListPlanRuns returns a donor's plan runs, newest first.
	ListPlanRuns(ctx context.Context, donorID DonorID) ([]PlanRun, error)

	// AppendAudit records an audit entry. Append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// ListAudit returns a visit's audit trail, oldest first.
	ListAudit(ctx context.Context, visitID VisitID) ([]AuditEntry, error)
}

// TxStore runs fn inside a transaction. If fn returns an error nothing fn
// wrote is kept.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
