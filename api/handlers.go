/*
handlers.go - HTTP API handlers for the visit scheduling engine

PURPOSE:
  Exposes plan generation and visit operations via REST API. Handles HTTP
  request/response and JSON serialization, and delegates to the planner.

ENDPOINTS:
  Donors:
    POST   /api/donors/{id}/approve          Generate the donor's plan
    POST   /api/donors/{id}/plans/{month}    Regenerate one month
    GET    /api/donors/{id}/visits?month=    Visits of a plan month

  Visits:
    GET    /api/visits/{id}                  Visit with schedule
    GET    /api/visits/{id}/audit            Audit trail
    POST   /api/visits/{id}/reschedule       Move to a new date/window
    POST   /api/visits/{id}/cancel           Cancel
    POST   /api/visits/{id}/skip             Skip
    POST   /api/visits/{id}/advance          proposed → scheduled → confirmed
    POST   /api/visits/{id}/complete         Record completion and points

  Plan runs:
    GET    /api/plan-runs?donor_id=          Generation history

  Admin:
    POST   /api/admin/rollover               Run the monthly rollover now

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Dispatch a planner command or call the coordinator
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid window or month
  - 404: Visit or donor not found
  - 409: Duplicate plan, weekly cap exceeded, invalid state transition
  - 422: Donor not approved for scheduling
  - 503: Store failure (safe to retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Actor IDs are taken from the body.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo donor seeding
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/planner"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the collaborators a Handler needs.
type Deps struct {
	Store       visit.TxStore
	Seeder      visit.DonorWriter
	Dispatcher  *planner.Dispatcher
	Coordinator *planner.Coordinator
	Logger      *zap.Logger
	Location    *time.Location
	Now         func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store       visit.TxStore
	seeder      visit.DonorWriter
	dispatcher  *planner.Dispatcher
	coordinator *planner.Coordinator
	logger      *zap.Logger
	loc         *time.Location
	now         func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		store:       d.Store,
		seeder:      d.Seeder,
		dispatcher:  d.Dispatcher,
		coordinator: d.Coordinator,
		logger:      d.Logger,
		loc:         d.Location,
		now:         d.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.loc == nil {
		h.loc = time.UTC
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// =============================================================================
// DONOR ENDPOINTS
// =============================================================================

// ApproveDonor generates the donor's plan for the target months.
// POST /api/donors/{id}/approve
func (h *Handler) ApproveDonor(w http.ResponseWriter, r *http.Request) {
	donorID := visit.DonorID(chi.URLParam(r, "id"))
	out, err := h.dispatcher.Dispatch(r.Context(), planner.DonorApproved{DonorID: donorID})
	if err != nil {
		h.writeDomainError(w, "Failed to generate plan", err)
		return
	}
	h.writePlanOutcome(w, out)
}

// RegeneratePlan re-runs generation for one month.
// POST /api/donors/{id}/plans/{month}
func (h *Handler) RegeneratePlan(w http.ResponseWriter, r *http.Request) {
	donorID := visit.DonorID(chi.URLParam(r, "id"))
	month, err := calendar.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return
	}
	out, err := h.dispatcher.Dispatch(r.Context(), planner.RegenerateRequested{DonorID: donorID, PlanMonth: month})
	if err != nil {
		h.writeDomainError(w, "Failed to regenerate plan", err)
		return
	}
	h.writePlanOutcome(w, out)
}

func (h *Handler) writePlanOutcome(w http.ResponseWriter, out *planner.Outcome) {
	status := http.StatusCreated
	if out.Duplicate || out.Result == nil || len(out.Result.Visits) == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, toPlanResultDTO(out.Result, out.Duplicate))
}

// ListDonorVisits returns a donor's visits for a plan month, defaulting
// to the current month.
// GET /api/donors/{id}/visits?month=YYYY-MM
func (h *Handler) ListDonorVisits(w http.ResponseWriter, r *http.Request) {
	donorID := visit.DonorID(chi.URLParam(r, "id"))
	month := calendar.MonthOf(h.now().In(h.loc))
	if q := r.URL.Query().Get("month"); q != "" {
		m, err := calendar.ParseMonth(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
			return
		}
		month = m
	}

	visits, err := h.store.ListVisits(r.Context(), donorID, month)
	if err != nil {
		h.writeDomainError(w, "Failed to list visits", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTOs(visits))
}

// ListPlanRuns returns a donor's plan runs, newest first.
// GET /api/plan-runs?donor_id=
func (h *Handler) ListPlanRuns(w http.ResponseWriter, r *http.Request) {
	donorID := r.URL.Query().Get("donor_id")
	if donorID == "" {
		writeError(w, http.StatusBadRequest, "donor_id is required", nil)
		return
	}
	runs, err := h.store.ListPlanRuns(r.Context(), visit.DonorID(donorID))
	if err != nil {
		h.writeDomainError(w, "Failed to list plan runs", err)
		return
	}
	dtos := make([]PlanRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toPlanRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// VISIT ENDPOINTS
// =============================================================================

// GetVisit returns a visit with its schedule.
// GET /api/visits/{id}
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	sv, err := h.store.GetVisit(r.Context(), visit.VisitID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*sv))
}

// GetVisitAudit returns the audit trail of a visit, oldest first.
// GET /api/visits/{id}/audit
func (h *Handler) GetVisitAudit(w http.ResponseWriter, r *http.Request) {
	id := visit.VisitID(chi.URLParam(r, "id"))
	if _, err := h.store.GetVisit(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get visit", err)
		return
	}
	entries, err := h.store.ListAudit(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get audit trail", err)
		return
	}
	dtos := make([]AuditDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RescheduleVisit moves a visit to a new date and window.
// POST /api/visits/{id}/reschedule
func (h *Handler) RescheduleVisit(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := calendar.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	start, err := calendar.ParseClock(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start (use HH:MM)", err)
		return
	}
	end, err := calendar.ParseClock(req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end (use HH:MM)", err)
		return
	}
	out, err := h.dispatcher.Dispatch(r.Context(), planner.RescheduleRequested{
		VisitID:   visit.VisitID(chi.URLParam(r, "id")),
		NewDate:   date,
		NewWindow: calendar.Window{Start: start, End: end},
		Actor:     req.Actor,
		Status:    visit.Status(req.Status),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to reschedule visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*out.Visit))
}

// CancelVisit cancels a visit. Cancelling twice is not an error.
// POST /api/visits/{id}/cancel
func (h *Handler) CancelVisit(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	out, err := h.dispatcher.Dispatch(r.Context(), planner.CancelRequested{
		VisitID: visit.VisitID(chi.URLParam(r, "id")),
		Reason:  req.Reason,
		Actor:   req.Actor,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to cancel visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*out.Visit))
}

// SkipVisit marks a visit as skipped.
// POST /api/visits/{id}/skip
func (h *Handler) SkipVisit(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	out, err := h.dispatcher.Dispatch(r.Context(), planner.SkipRequested{
		VisitID: visit.VisitID(chi.URLParam(r, "id")),
		Actor:   req.Actor,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to skip visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*out.Visit))
}

// AdvanceVisit moves a visit to scheduled or confirmed.
// POST /api/visits/{id}/advance
func (h *Handler) AdvanceVisit(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	to := visit.Status(req.Status)
	if !to.IsValid() {
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}
	sv, err := h.coordinator.Advance(r.Context(), visit.VisitID(chi.URLParam(r, "id")), to, req.Actor)
	if err != nil {
		h.writeDomainError(w, "Failed to advance visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*sv))
}

// CompleteVisit records a completed donation.
// POST /api/visits/{id}/complete
func (h *Handler) CompleteVisit(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.RecordedBy == "" {
		writeError(w, http.StatusBadRequest, "recorded_by is required", nil)
		return
	}
	if req.ContainerCount < 0 || req.Volume.IsNegative() {
		writeError(w, http.StatusBadRequest, "volume and container_count must not be negative", nil)
		return
	}

	sv, err := h.coordinator.Complete(r.Context(), visit.VisitID(chi.URLParam(r, "id")), planner.CompletionRecord{
		HealthStatus:   req.HealthStatus,
		Volume:         req.Volume,
		ContainerCount: req.ContainerCount,
		RecordedBy:     req.RecordedBy,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to complete visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(*sv))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerRollover runs the monthly rollover for every eligible donor.
// POST /api/admin/rollover
func (h *Handler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	var req RolloverRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	at := h.now()
	if req.At != "" {
		t, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at (use RFC 3339)", err)
			return
		}
		at = t
	}

	out, err := h.dispatcher.Dispatch(r.Context(), planner.MonthRollover{At: at})
	if err != nil {
		h.writeDomainError(w, "Rollover failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRolloverDTO(out.Rollover))
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case visit.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, visit.ErrDuplicatePlan):
		return http.StatusConflict, "duplicate_plan"
	case errors.Is(err, visit.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded"
	case errors.Is(err, visit.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, visit.ErrDonorNotEligible):
		return http.StatusUnprocessableEntity, "donor_not_eligible"
	case errors.Is(err, visit.ErrInvalidWindow):
		return http.StatusBadRequest, "invalid_window"
	case errors.Is(err, visit.ErrInvalidMonth):
		return http.StatusBadRequest, "invalid_month"
	case errors.Is(err, visit.ErrMissingActor):
		return http.StatusBadRequest, "missing_actor"
	case visit.IsRetryable(err):
		return http.StatusServiceUnavailable, "persistence"
	}
	return http.StatusInternalServerError, "internal"
}
