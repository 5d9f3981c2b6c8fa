package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/notify"
	"github.com/warp/visit-engine/rewards"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// COORDINATOR - Operations on one existing visit
// =============================================================================
//
// Every operation reads the visit, checks the state machine (and for
// Reschedule the weekly cap) and writes inside one store transaction. A
// refused operation writes nothing. Notifications go out after commit.

// RescheduleRequest moves a visit to a new date and window. Status, when
// set, must be scheduled or confirmed and reachable from the current status.
type RescheduleRequest struct {
	VisitID   visit.VisitID
	NewDate   calendar.Date
	NewWindow calendar.Window
	Actor     string
	Status    visit.Status
}

// CompletionRecord carries the facts recorded when a visit completes.
type CompletionRecord struct {
	HealthStatus   string
	Volume         decimal.Decimal
	ContainerCount int
	RecordedBy     string
}

type Coordinator struct {
	store    visit.TxStore
	rewards  rewards.Calculator
	notifier notify.Notifier
	logger   *zap.Logger
	loc      *time.Location
	now      func() time.Time
}

type CoordinatorOption func(*Coordinator)

func WithRewards(r rewards.Calculator) CoordinatorOption {
	return func(c *Coordinator) { c.rewards = r }
}

func WithCoordinatorNotifier(n notify.Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithLocation sets the timezone reschedule dates and windows resolve in.
func WithLocation(loc *time.Location) CoordinatorOption {
	return func(c *Coordinator) { c.loc = loc }
}

func NewCoordinator(store visit.TxStore, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		rewards:  rewards.None,
		notifier: notify.Nop{},
		logger:   logger,
		loc:      time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// requireActor rejects changes that would write an audit row with no actor.
func requireActor(op string, id visit.VisitID, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%s visit %s: %w", op, id, visit.ErrMissingActor)
	}
	return nil
}

// change describes a write the coordinator is about to commit.
type change struct {
	action  visit.AuditAction
	event   notify.EventType
	actor   string
	payload map[string]any
}

// mutate runs fn on the visit inside a transaction. fn edits sv in place
// and returns the change to record, or nil for an idempotent no-op.
func (c *Coordinator) mutate(ctx context.Context, id visit.VisitID, op string, fn func(tx visit.Store, sv *visit.Scheduled) (*change, error)) (*visit.Scheduled, error) {
	var (
		result *visit.Scheduled
		ch     *change
	)
	err := c.store.WithTx(ctx, func(tx visit.Store) error {
		sv, err := tx.GetVisit(ctx, id)
		if err != nil {
			return err
		}
		if ch, err = fn(tx, sv); err != nil {
			return err
		}
		result = sv
		if ch == nil {
			return nil
		}

		now := c.now()
		sv.Visit.UpdatedAt = now
		if err := tx.UpdateVisit(ctx, *sv); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, visit.AuditEntry{
			ID:        uuid.NewString(),
			VisitID:   sv.Visit.ID,
			DonorID:   sv.Visit.DonorID,
			Action:    ch.action,
			ActorID:   ch.actor,
			Payload:   ch.payload,
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s visit %s: %w", op, id, err)
	}
	if ch == nil {
		return result, nil
	}

	c.logger.Info("visit updated",
		zap.String("op", op),
		zap.String("visit_id", string(id)),
		zap.String("donor_id", string(result.Visit.DonorID)),
		zap.String("status", string(result.Visit.Status)),
		zap.String("actor", ch.actor),
	)
	e := notify.Event{
		Type:    ch.event,
		DonorID: string(result.Visit.DonorID),
		VisitID: string(id),
		Actor:   ch.actor,
		At:      c.now(),
		Data:    ch.payload,
	}
	if result.Schedule != nil {
		e.PlanMonth = result.Schedule.PlanMonth.String()
	}
	if err := c.notifier.Notify(ctx, e); err != nil {
		c.logger.Warn("notification failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
	return result, nil
}

// Reschedule moves a proposed or scheduled visit. The donor's other
// non-cancelled visits in the target Monday-start week must stay below the
// weekly cap from the visit's rule snapshot.
func (c *Coordinator) Reschedule(ctx context.Context, req RescheduleRequest) (*visit.Scheduled, error) {
	if err := requireActor("reschedule", req.VisitID, req.Actor); err != nil {
		return nil, err
	}
	if err := req.NewWindow.Validate(); err != nil {
		return nil, fmt.Errorf("reschedule visit %s: %v: %w", req.VisitID, err, visit.ErrInvalidWindow)
	}
	if req.NewDate.IsZero() {
		return nil, fmt.Errorf("reschedule visit %s: missing date: %w", req.VisitID, visit.ErrInvalidWindow)
	}
	if req.Status != "" && req.Status != visit.StatusScheduled && req.Status != visit.StatusConfirmed {
		return nil, &visit.InvalidStateError{VisitID: req.VisitID, Operation: "reschedule", Requested: req.Status}
	}

	start, end := req.NewWindow.On(req.NewDate, c.loc)

	return c.mutate(ctx, req.VisitID, "reschedule", func(tx visit.Store, sv *visit.Scheduled) (*change, error) {
		v := &sv.Visit
		if !v.Status.Reschedulable() {
			return nil, &visit.InvalidStateError{VisitID: v.ID, Operation: "reschedule", Current: v.Status, Requested: req.Status}
		}
		target := v.Status
		if req.Status != "" && req.Status != v.Status {
			if !v.Status.CanTransitionTo(req.Status) {
				return nil, &visit.InvalidStateError{VisitID: v.ID, Operation: "reschedule", Current: v.Status, Requested: req.Status}
			}
			target = req.Status
		}

		// Duplicate delivery of the same move.
		if v.ScheduledStart != nil && v.ScheduledEnd != nil &&
			v.ScheduledStart.Equal(start) && v.ScheduledEnd.Equal(end) && target == v.Status {
			return nil, nil
		}

		if err := c.checkCap(ctx, tx, sv, req.NewDate); err != nil {
			return nil, err
		}

		payload := map[string]any{
			"to_start": start.Format(time.RFC3339),
			"to_end":   end.Format(time.RFC3339),
		}
		if v.ScheduledStart != nil {
			payload["from_start"] = v.ScheduledStart.Format(time.RFC3339)
		}
		if target != v.Status {
			payload["from_status"] = string(v.Status)
			payload["to_status"] = string(target)
		}

		v.ScheduledStart, v.ScheduledEnd = &start, &end
		v.Status = target
		if sv.Schedule != nil {
			sv.Schedule.RescheduleCount++
			sv.Schedule.ProposedBy = req.Actor
		}
		return &change{action: visit.AuditRescheduled, event: notify.VisitRescheduled, actor: req.Actor, payload: payload}, nil
	})
}

// checkCap counts the donor's non-cancelled visits in the week of date,
// excluding the visit being moved.
func (c *Coordinator) checkCap(ctx context.Context, tx visit.Store, sv *visit.Scheduled, date calendar.Date) error {
	weekCap := visit.DefaultMaxVisitsPerWeek
	if sv.Schedule != nil && sv.Schedule.RuleSnapshot.MaxVisitsPerWeek > 0 {
		weekCap = sv.Schedule.RuleSnapshot.MaxVisitsPerWeek
	}

	weekStart := date.WeekStart()
	others, err := tx.ListVisitsInRange(ctx, visit.WeekQuery{
		DonorID: sv.Visit.DonorID,
		From:    weekStart.In(c.loc),
		To:      weekStart.AddDays(7).In(c.loc),
	})
	if err != nil {
		return err
	}

	existing := 0
	for _, o := range others {
		if o.ID != sv.Visit.ID && o.Status.CountsTowardCap() {
			existing++
		}
	}
	if existing >= weekCap {
		return &visit.CapacityExceededError{DonorID: sv.Visit.DonorID, WeekStart: weekStart, Cap: weekCap, Existing: existing}
	}
	return nil
}

// Cancel moves a visit to cancelled. Cancelling a cancelled visit is a
// no-op; completed and skipped visits cannot be cancelled.
func (c *Coordinator) Cancel(ctx context.Context, id visit.VisitID, reason, actor string) (*visit.Scheduled, error) {
	if err := requireActor("cancel", id, actor); err != nil {
		return nil, err
	}
	return c.mutate(ctx, id, "cancel", func(_ visit.Store, sv *visit.Scheduled) (*change, error) {
		v := &sv.Visit
		if v.Status == visit.StatusCancelled {
			return nil, nil
		}
		if !v.Status.CanTransitionTo(visit.StatusCancelled) {
			return nil, &visit.InvalidStateError{VisitID: v.ID, Operation: "cancel", Current: v.Status, Requested: visit.StatusCancelled}
		}
		payload := map[string]any{"from_status": string(v.Status), "reason": reason}
		v.Status = visit.StatusCancelled
		v.CancelReason = reason
		return &change{action: visit.AuditCancelled, event: notify.VisitCancelled, actor: actor, payload: payload}, nil
	})
}

// Skip marks a proposed or scheduled visit as skipped. Repeating it is a
// no-op.
func (c *Coordinator) Skip(ctx context.Context, id visit.VisitID, actor string) (*visit.Scheduled, error) {
	if err := requireActor("skip", id, actor); err != nil {
		return nil, err
	}
	return c.mutate(ctx, id, "skip", func(_ visit.Store, sv *visit.Scheduled) (*change, error) {
		v := &sv.Visit
		if v.Status == visit.StatusSkipped {
			return nil, nil
		}
		if !v.Status.CanTransitionTo(visit.StatusSkipped) {
			return nil, &visit.InvalidStateError{VisitID: v.ID, Operation: "skip", Current: v.Status, Requested: visit.StatusSkipped}
		}
		payload := map[string]any{"from_status": string(v.Status)}
		v.Status = visit.StatusSkipped
		return &change{action: visit.AuditSkipped, event: notify.VisitSkipped, actor: actor, payload: payload}, nil
	})
}

// Advance moves a visit along proposed → scheduled → confirmed.
func (c *Coordinator) Advance(ctx context.Context, id visit.VisitID, to visit.Status, actor string) (*visit.Scheduled, error) {
	if err := requireActor("advance", id, actor); err != nil {
		return nil, err
	}
	if to != visit.StatusScheduled && to != visit.StatusConfirmed {
		return nil, &visit.InvalidStateError{VisitID: id, Operation: "advance", Requested: to}
	}
	return c.mutate(ctx, id, "advance", func(_ visit.Store, sv *visit.Scheduled) (*change, error) {
		v := &sv.Visit
		if v.Status == to {
			return nil, nil
		}
		if !v.Status.CanTransitionTo(to) {
			return nil, &visit.InvalidStateError{VisitID: v.ID, Operation: "advance", Current: v.Status, Requested: to}
		}
		payload := map[string]any{"from_status": string(v.Status), "to_status": string(to)}
		v.Status = to
		return &change{action: visit.AuditStatusChanged, event: notify.VisitStatusChanged, actor: actor, payload: payload}, nil
	})
}

// Complete records the completion of a confirmed visit and the points the
// reward hook awards for it.
func (c *Coordinator) Complete(ctx context.Context, id visit.VisitID, rec CompletionRecord) (*visit.Scheduled, error) {
	if rec.ContainerCount < 0 || rec.Volume.IsNegative() {
		return nil, fmt.Errorf("complete visit %s: volume and container count must not be negative", id)
	}
	if err := requireActor("complete", id, rec.RecordedBy); err != nil {
		return nil, err
	}

	return c.mutate(ctx, id, "complete", func(_ visit.Store, sv *visit.Scheduled) (*change, error) {
		v := &sv.Visit
		if !v.Status.CanTransitionTo(visit.StatusCompleted) {
			return nil, &visit.InvalidStateError{VisitID: v.ID, Operation: "complete", Current: v.Status, Requested: visit.StatusCompleted}
		}

		points, err := c.rewards.PointsFor(ctx, rewards.Award{
			DonorID:        string(v.DonorID),
			VisitID:        string(v.ID),
			HealthStatus:   rec.HealthStatus,
			Volume:         rec.Volume,
			ContainerCount: rec.ContainerCount,
			CompletedAt:    c.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("reward hook: %w", err)
		}

		v.Status = visit.StatusCompleted
		v.Completion = &visit.Completion{
			HealthStatus:   rec.HealthStatus,
			Volume:         rec.Volume,
			ContainerCount: rec.ContainerCount,
			PointsAwarded:  points,
			RecordedBy:     rec.RecordedBy,
		}
		payload := map[string]any{
			"health_status":   rec.HealthStatus,
			"volume":          rec.Volume.String(),
			"container_count": rec.ContainerCount,
			"points_awarded":  points.String(),
		}
		return &change{action: visit.AuditCompleted, event: notify.VisitCompleted, actor: rec.RecordedBy, payload: payload}, nil
	})
}
