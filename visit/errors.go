/*
errors.go - Error taxonomy of the scheduling engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is on the
  sentinels; the structured types carry the context for logs and API
  responses and unwrap to their sentinel.

ERROR CATEGORIES:
  1. No-op outcomes      - ErrNoPreference (zero visits is a valid result)
  2. Guard violations    - ErrDuplicatePlan, ErrCapacityExceeded
  3. State violations    - ErrInvalidState, ErrDonorNotEligible
  4. Input errors        - ErrInvalidWindow, ErrInvalidMonth, ErrMissingActor
  5. Lookups             - ErrVisitNotFound, ErrDonorNotFound
  6. Persistence         - ErrPersistence (transient, safe to retry)

RETRY POLICY:
  Only persistence failures are retryable. Generate and Reschedule are safe
  to re-run after one because the duplicate-plan guard and the weekly cap
  are enforced inside store transactions.
*/
package visit

import (
	"errors"
	"fmt"

	"github.com/warp/visit-engine/calendar"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoPreference means the donor has no preference record. Generation
	// treats it as success with zero visits.
	ErrNoPreference = errors.New("donor has no scheduling preference")

	// ErrDuplicatePlan means a plan for the donor and month already exists.
	ErrDuplicatePlan = errors.New("plan already generated for donor and month")

	// ErrInvalidState means the visit's status does not allow the operation.
	ErrInvalidState = errors.New("invalid visit state for operation")

	// ErrCapacityExceeded means the move would break the weekly cap.
	ErrCapacityExceeded = errors.New("weekly visit cap exceeded")

	// ErrPersistence wraps store failures.
	ErrPersistence = errors.New("persistence failure")

	ErrVisitNotFound    = errors.New("visit not found")
	ErrDonorNotFound    = errors.New("donor not found")
	ErrDonorNotEligible = errors.New("donor is not approved for scheduling")
	ErrInvalidWindow    = errors.New("invalid time window")
	ErrInvalidMonth     = errors.New("invalid plan month")

	// ErrMissingActor means a visit change named nobody to audit it under.
	ErrMissingActor = errors.New("actor is required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicatePlanError reports which plan blocked generation.
type DuplicatePlanError struct {
	DonorID       DonorID
	PlanMonth     calendar.Month
	ExistingRunID PlanRunID
	InFlight      bool // another run for the same month has not finished yet
}

func (e *DuplicatePlanError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("plan for donor %s month %s is already being generated (run %s)",
			e.DonorID, e.PlanMonth, e.ExistingRunID)
	}
	return fmt.Sprintf("plan for donor %s month %s already exists (run %s)",
		e.DonorID, e.PlanMonth, e.ExistingRunID)
}

func (e *DuplicatePlanError) Unwrap() error { return ErrDuplicatePlan }

// InvalidStateError reports an operation refused by the state machine.
type InvalidStateError struct {
	VisitID   VisitID
	Operation string
	Current   Status
	Requested Status // empty when the operation is not a plain transition
}

func (e *InvalidStateError) Error() string {
	if e.Requested != "" {
		return fmt.Sprintf("visit %s: cannot %s from %s to %s", e.VisitID, e.Operation, e.Current, e.Requested)
	}
	return fmt.Sprintf("visit %s: cannot %s while %s", e.VisitID, e.Operation, e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// CapacityExceededError reports the week that is already full.
type CapacityExceededError struct {
	DonorID   DonorID
	WeekStart calendar.Date
	Cap       int
	Existing  int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("donor %s already has %d of %d visits in week of %s",
		e.DonorID, e.Existing, e.Cap, e.WeekStart)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

// PersistenceError wraps a store failure. It matches both ErrPersistence
// and the underlying driver error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error        { return e.Err }
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err unless it is nil or already a domain error.
func Persistence(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the request itself was refused.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicatePlan) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrDonorNotEligible) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrInvalidMonth) ||
		errors.Is(err, ErrMissingActor)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVisitNotFound) ||
		errors.Is(err, ErrDonorNotFound)
}

func isDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err) ||
		errors.Is(err, ErrNoPreference) || errors.Is(err, ErrPersistence)
}
