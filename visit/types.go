/*
Package visit holds the domain model of the recurring visit-scheduling engine.

PURPOSE:
  This package contains the records the engine reads (donors and their
  standing preferences) and writes (visits, their schedules, plan runs and
  audit entries), the visit state machine, the error taxonomy, and the
  store interfaces that persistence implementations satisfy.

KEY CONCEPTS IN THIS FILE (types.go):
  - Donor / Preference: Read-only inputs, owned by the donor profile system
  - Visit:              One donation visit, never physically deleted
  - Schedule:           The plan metadata owning exactly one generated Visit
  - RuleSnapshot:       Immutable copy of the preference used at generation
  - PlanRun:            The donor+month claim guarding against duplicate plans

OWNERSHIP:
  The generator creates Visit+Schedule pairs. The reschedule coordinator is
  the only other writer, and it touches scheduled_start/end, status,
  reschedule_count and proposed_by only.

SEE ALSO:
  - status.go: Visit state machine
  - errors.go: Error taxonomy
  - store.go:  Persistence interfaces
*/
package visit

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/visit-engine/calendar"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DonorID string
type VisitID string
type FacilityID string
type PlanRunID string

// SystemActor is the proposed_by identity of generated visits.
const SystemActor = "system"

// DefaultMaxVisitsPerWeek applies when a preference leaves the cap unset.
const DefaultMaxVisitsPerWeek = 2

// =============================================================================
// DONOR + PREFERENCE - Read-only inputs
// =============================================================================

type DonorStatus string

const (
	DonorPending    DonorStatus = "pending"
	DonorInProgress DonorStatus = "in_progress" // accepted as approved (demo state)
	DonorApproved   DonorStatus = "approved"
	DonorSuspended  DonorStatus = "suspended"
	DonorWithdrawn  DonorStatus = "withdrawn"
)

type Donor struct {
	ID                DonorID
	Name              string
	ScreeningApproved bool
	DirectorApproved  bool
	Status            DonorStatus
}

// Eligible reports whether recurring visits may be generated for the donor.
func (d Donor) Eligible() bool {
	if !d.ScreeningApproved || !d.DirectorApproved {
		return false
	}
	return d.Status == DonorApproved || d.Status == DonorInProgress
}

// Preference is a donor's standing scheduling preference.
type Preference struct {
	DonorID          DonorID
	HomeFacilityID   FacilityID
	WeeklyDays       calendar.Weekdays
	PreferredStart   calendar.Clock
	PreferredEnd     calendar.Clock
	MaxVisitsPerWeek int
}

func (p Preference) Window() calendar.Window {
	return calendar.Window{Start: p.PreferredStart, End: p.PreferredEnd}
}

// WeeklyCap returns MaxVisitsPerWeek, defaulting non-positive values.
func (p Preference) WeeklyCap() int {
	if p.MaxVisitsPerWeek <= 0 {
		return DefaultMaxVisitsPerWeek
	}
	return p.MaxVisitsPerWeek
}

// Snapshot freezes the fields used for generation.
func (p Preference) Snapshot() RuleSnapshot {
	return RuleSnapshot{
		WeeklyDays:       p.WeeklyDays.Int(),
		PreferredStart:   p.PreferredStart.String(),
		PreferredEnd:     p.PreferredEnd.String(),
		MaxVisitsPerWeek: p.WeeklyCap(),
		HomeFacilityID:   string(p.HomeFacilityID),
	}
}

// RuleSnapshot is stored as JSON alongside each generated schedule and is
// never re-derived from the current preference.
type RuleSnapshot struct {
	WeeklyDays       int    `json:"weekly_days"`
	PreferredStart   string `json:"preferred_start"`
	PreferredEnd     string `json:"preferred_end"`
	MaxVisitsPerWeek int    `json:"max_visits_per_week"`
	HomeFacilityID   string `json:"home_facility_id"`
}

// =============================================================================
// VISIT
// =============================================================================

type Origin string

const (
	OriginSystem Origin = "system"
	OriginUser   Origin = "user"
	OriginStaff  Origin = "staff"
)

type Visit struct {
	ID             VisitID
	DonorID        DonorID
	FacilityID     FacilityID
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	Origin         Origin
	Status         Status
	CancelReason   string

	// Set only once Status is completed.
	Completion *Completion

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Completion carries the post-completion fields of a visit.
type Completion struct {
	HealthStatus   string
	Volume         decimal.Decimal // millilitres
	ContainerCount int
	PointsAwarded  decimal.Decimal
	RecordedBy     string
}

// Date returns the civil date the visit currently sits on, in loc.
func (v Visit) Date(loc *time.Location) (calendar.Date, bool) {
	if v.ScheduledStart == nil {
		return calendar.Date{}, false
	}
	return calendar.DateOf(v.ScheduledStart.In(loc)), true
}

// =============================================================================
// SCHEDULE - Plan metadata, 1:1 with a generated Visit
// =============================================================================

type PlanType string

const (
	PlanMonthlyDay        PlanType = "monthly_day"
	PlanMonthlyNthWeekday PlanType = "monthly_nth_weekday"
	PlanAdHoc             PlanType = "ad_hoc"
)

type Schedule struct {
	VisitID   VisitID
	PlanRunID PlanRunID
	PlanMonth calendar.Month
	PlanType  PlanType

	DayOfMonth  int // monthly_day only
	WeekOfMonth int // monthly_nth_weekday only, 1..5
	Weekday     int // monthly_nth_weekday only, 1=Mon … 7=Sun

	WindowStart time.Time
	WindowEnd   time.Time

	ProposedOn      time.Time
	ProposedBy      string
	RescheduleCount int
	RuleSnapshot    RuleSnapshot
}

// PlannedDate rebuilds the planned date from the plan rule. monthly_day
// clips to the month length; ad_hoc falls back to the window start.
func (s Schedule) PlannedDate(loc *time.Location) calendar.Date {
	switch s.PlanType {
	case PlanMonthlyDay:
		return s.PlanMonth.ClipDay(s.DayOfMonth)
	case PlanMonthlyNthWeekday:
		wd, err := calendar.FromISOWeekday(s.Weekday)
		if err != nil {
			break
		}
		return s.PlanMonth.NthWeekday(s.WeekOfMonth, wd)
	}
	return calendar.DateOf(s.WindowStart.In(loc))
}

// Scheduled pairs a Visit with its Schedule. Schedule is nil for ad-hoc
// visits created outside the engine.
type Scheduled struct {
	Visit    Visit
	Schedule *Schedule
}

// =============================================================================
// PLAN RUN - Duplicate-plan guard and generation audit
// =============================================================================

type PlanRunStatus string

const (
	PlanRunRunning    PlanRunStatus = "running"
	PlanRunCompleted  PlanRunStatus = "completed"
	PlanRunFailed     PlanRunStatus = "failed"
	PlanRunSuperseded PlanRunStatus = "superseded"
)

type PlanRun struct {
	ID            PlanRunID
	DonorID       DonorID
	PlanMonth     calendar.Month
	TriggerReason string
	Status        PlanRunStatus
	CreatedCount  int
	FailedCount   int
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditGenerated     AuditAction = "generated"
	AuditRescheduled   AuditAction = "rescheduled"
	AuditStatusChanged AuditAction = "status_changed"
	AuditCancelled     AuditAction = "cancelled"
	AuditSkipped       AuditAction = "skipped"
	AuditCompleted     AuditAction = "completed"
)

type AuditEntry struct {
	ID        string
	VisitID   VisitID
	DonorID   DonorID
	Action    AuditAction
	ActorID   string
	Payload   map[string]any
	Timestamp time.Time
}
