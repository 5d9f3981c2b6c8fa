/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in visit/ from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMATS:
  - Dates:       "2006-01-02"
  - Clock times: "15:04"
  - Months:      "2006-01"
  - Instants:    RFC 3339
  - weekly_days: 7-bit integer, bit 0 = Sunday
  - Volume and points: decimal strings

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/visit-engine/planner"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// RESPONSES
// =============================================================================

// VisitDTO represents a visit and, for generated visits, its schedule.
type VisitDTO struct {
	ID             string         `json:"id"`
	DonorID        string         `json:"donor_id"`
	FacilityID     string         `json:"facility_id,omitempty"`
	ScheduledStart *time.Time     `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time     `json:"scheduled_end,omitempty"`
	Origin         string         `json:"origin"`
	Status         string         `json:"status"`
	CancelReason   string         `json:"cancel_reason,omitempty"`
	Completion     *CompletionDTO `json:"completion,omitempty"`
	Schedule       *ScheduleDTO   `json:"schedule,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type CompletionDTO struct {
	HealthStatus   string          `json:"health_status"`
	Volume         decimal.Decimal `json:"volume"`
	ContainerCount int             `json:"container_count"`
	PointsAwarded  decimal.Decimal `json:"points_awarded"`
	RecordedBy     string          `json:"recorded_by"`
}

type ScheduleDTO struct {
	PlanRunID       string             `json:"plan_run_id,omitempty"`
	PlanMonth       string             `json:"plan_month"`
	PlanType        string             `json:"plan_type"`
	DayOfMonth      int                `json:"day_of_month,omitempty"`
	WeekOfMonth     int                `json:"week_of_month,omitempty"`
	Weekday         int                `json:"weekday,omitempty"`
	WindowStart     time.Time          `json:"window_start"`
	WindowEnd       time.Time          `json:"window_end"`
	ProposedOn      time.Time          `json:"proposed_on"`
	ProposedBy      string             `json:"proposed_by"`
	RescheduleCount int                `json:"reschedule_count"`
	RuleSnapshot    visit.RuleSnapshot `json:"rule_snapshot"`
}

// PlanResultDTO is returned by approve and regenerate.
type PlanResultDTO struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Duplicate bool           `json:"duplicate"`
	Months    []PlanMonthDTO `json:"months"`
	Visits    []VisitDTO     `json:"visits"`
}

type PlanMonthDTO struct {
	PlanMonth string `json:"plan_month"`
	RunID     string `json:"run_id,omitempty"`
	Created   int    `json:"created"`
	Failed    int    `json:"failed"`
	Duplicate bool   `json:"duplicate"`
}

type PlanRunDTO struct {
	ID            string     `json:"id"`
	DonorID       string     `json:"donor_id"`
	PlanMonth     string     `json:"plan_month"`
	TriggerReason string     `json:"trigger_reason"`
	Status        string     `json:"status"`
	CreatedCount  int        `json:"created_count"`
	FailedCount   int        `json:"failed_count"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type AuditDTO struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type RolloverDTO struct {
	At         time.Time         `json:"at"`
	Donors     int               `json:"donors"`
	Generated  int               `json:"generated"`
	Visits     int               `json:"visits"`
	Duplicates int               `json:"duplicates"`
	Empty      int               `json:"empty"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type RescheduleRequest struct {
	Date   string `json:"date"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Actor  string `json:"actor"`
	Status string `json:"status,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type ActorRequest struct {
	Actor string `json:"actor"`
}

type AdvanceRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

type CompleteRequest struct {
	HealthStatus   string          `json:"health_status"`
	Volume         decimal.Decimal `json:"volume"`
	ContainerCount int             `json:"container_count"`
	RecordedBy     string          `json:"recorded_by"`
}

// RolloverRequest optionally pins the rollover instant; empty means now.
type RolloverRequest struct {
	At string `json:"at,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toVisitDTO(sv visit.Scheduled) VisitDTO {
	v := sv.Visit
	dto := VisitDTO{
		ID:             string(v.ID),
		DonorID:        string(v.DonorID),
		FacilityID:     string(v.FacilityID),
		ScheduledStart: v.ScheduledStart,
		ScheduledEnd:   v.ScheduledEnd,
		Origin:         string(v.Origin),
		Status:         string(v.Status),
		CancelReason:   v.CancelReason,
		CreatedAt:      v.CreatedAt,
		UpdatedAt:      v.UpdatedAt,
	}
	if c := v.Completion; c != nil {
		dto.Completion = &CompletionDTO{
			HealthStatus:   c.HealthStatus,
			Volume:         c.Volume,
			ContainerCount: c.ContainerCount,
			PointsAwarded:  c.PointsAwarded,
			RecordedBy:     c.RecordedBy,
		}
	}
	if s := sv.Schedule; s != nil {
		dto.Schedule = &ScheduleDTO{
			PlanRunID:       string(s.PlanRunID),
			PlanMonth:       s.PlanMonth.String(),
			PlanType:        string(s.PlanType),
			DayOfMonth:      s.DayOfMonth,
			WeekOfMonth:     s.WeekOfMonth,
			Weekday:         s.Weekday,
			WindowStart:     s.WindowStart,
			WindowEnd:       s.WindowEnd,
			ProposedOn:      s.ProposedOn,
			ProposedBy:      s.ProposedBy,
			RescheduleCount: s.RescheduleCount,
			RuleSnapshot:    s.RuleSnapshot,
		}
	}
	return dto
}

func toVisitDTOs(svs []visit.Scheduled) []VisitDTO {
	dtos := make([]VisitDTO, len(svs))
	for i, sv := range svs {
		dtos[i] = toVisitDTO(sv)
	}
	return dtos
}

func toPlanResultDTO(res *planner.Result, duplicate bool) PlanResultDTO {
	dto := PlanResultDTO{Duplicate: duplicate, Months: []PlanMonthDTO{}, Visits: []VisitDTO{}}
	if res == nil {
		return dto
	}
	dto.Success = res.Success
	dto.Message = res.Message
	dto.Visits = toVisitDTOs(res.Visits)
	for _, m := range res.Months {
		dto.Months = append(dto.Months, PlanMonthDTO{
			PlanMonth: m.PlanMonth.String(),
			RunID:     string(m.RunID),
			Created:   len(m.Created),
			Failed:    len(m.Failed),
			Duplicate: m.Duplicate != nil,
		})
	}
	return dto
}

func toPlanRunDTO(r visit.PlanRun) PlanRunDTO {
	return PlanRunDTO{
		ID:            string(r.ID),
		DonorID:       string(r.DonorID),
		PlanMonth:     r.PlanMonth.String(),
		TriggerReason: r.TriggerReason,
		Status:        string(r.Status),
		CreatedCount:  r.CreatedCount,
		FailedCount:   r.FailedCount,
		Error:         r.Error,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func toAuditDTO(e visit.AuditEntry) AuditDTO {
	return AuditDTO{
		ID:        e.ID,
		Action:    string(e.Action),
		ActorID:   e.ActorID,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}

func toRolloverDTO(r *planner.RolloverReport) RolloverDTO {
	dto := RolloverDTO{
		At:         r.At,
		Donors:     r.Donors,
		Generated:  r.Generated,
		Visits:     r.Visits,
		Duplicates: r.Duplicates,
		Empty:      r.Empty,
		Failed:     r.Failed,
	}
	if len(r.Errors) > 0 {
		dto.Errors = make(map[string]string, len(r.Errors))
		for id, msg := range r.Errors {
			dto.Errors[string(id)] = msg
		}
	}
	return dto
}
