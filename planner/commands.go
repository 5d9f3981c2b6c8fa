package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// COMMANDS - Inbound trigger messages
// =============================================================================

// Command is an inbound trigger. Commands may be delivered more than once;
// dispatching a duplicate has no further effect.
type Command interface {
	CommandName() string
}

// DonorApproved fires when a donor passes screening and director approval.
type DonorApproved struct {
	DonorID visit.DonorID
}

// MonthRollover fires once per calendar month.
type MonthRollover struct {
	At time.Time
}

type RescheduleRequested struct {
	VisitID   visit.VisitID
	NewDate   calendar.Date
	NewWindow calendar.Window
	Actor     string
	Status    visit.Status
}

type CancelRequested struct {
	VisitID visit.VisitID
	Reason  string
	Actor   string
}

type RegenerateRequested struct {
	DonorID   visit.DonorID
	PlanMonth calendar.Month
}

type SkipRequested struct {
	VisitID visit.VisitID
	Actor   string
}

func (DonorApproved) CommandName() string       { return "donor_approved" }
func (MonthRollover) CommandName() string       { return "month_rollover" }
func (RescheduleRequested) CommandName() string { return "reschedule_requested" }
func (CancelRequested) CommandName() string     { return "cancel_requested" }
func (RegenerateRequested) CommandName() string { return "regenerate_requested" }
func (SkipRequested) CommandName() string       { return "skip_requested" }

// Outcome carries whichever result the command produced.
type Outcome struct {
	Result   *Result
	Visit    *visit.Scheduled
	Rollover *RolloverReport

	// Duplicate is set when a plan command found the plan already in place.
	Duplicate bool
}

// =============================================================================
// DISPATCHER
// =============================================================================

type Dispatcher struct {
	generator   *Generator
	coordinator *Coordinator
	logger      *zap.Logger
}

func NewDispatcher(g *Generator, c *Coordinator, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{generator: g, coordinator: c, logger: logger}
}

// Dispatch routes cmd to the generator or the coordinator. A duplicate plan
// is reported through Outcome.Duplicate rather than as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Outcome, error) {
	d.logger.Debug("dispatching command", zap.String("command", cmd.CommandName()))

	switch c := cmd.(type) {
	case DonorApproved:
		res, err := d.generator.Generate(ctx, c.DonorID, ReasonDonorApproved)
		return d.planOutcome(res, err)

	case RegenerateRequested:
		res, err := d.generator.RegenerateForMonth(ctx, c.DonorID, c.PlanMonth)
		return d.planOutcome(res, err)

	case MonthRollover:
		at := c.At
		if at.IsZero() {
			at = d.generator.now()
		}
		report, err := d.generator.Rollover(ctx, at)
		if err != nil {
			return nil, err
		}
		return &Outcome{Rollover: report}, nil

	case RescheduleRequested:
		sv, err := d.coordinator.Reschedule(ctx, RescheduleRequest(c))
		if err != nil {
			return nil, err
		}
		return &Outcome{Visit: sv}, nil

	case CancelRequested:
		sv, err := d.coordinator.Cancel(ctx, c.VisitID, c.Reason, c.Actor)
		if err != nil {
			return nil, err
		}
		return &Outcome{Visit: sv}, nil

	case SkipRequested:
		sv, err := d.coordinator.Skip(ctx, c.VisitID, c.Actor)
		if err != nil {
			return nil, err
		}
		return &Outcome{Visit: sv}, nil
	}
	return nil, fmt.Errorf("unknown command %q", cmd.CommandName())
}

func (d *Dispatcher) planOutcome(res *Result, err error) (*Outcome, error) {
	if errors.Is(err, visit.ErrDuplicatePlan) {
		return &Outcome{Result: res, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: res}, nil
}
