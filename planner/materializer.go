package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// MATERIALIZER - Candidate slots → persisted Visit + Schedule pairs
// =============================================================================

// SlotFailure records a slot whose write failed. Other slots are unaffected.
type SlotFailure struct {
	Slot CandidateSlot
	Err  error
}

// MaterializeRequest is one donor-month worth of slots.
type MaterializeRequest struct {
	Preference    visit.Preference
	PlanMonth     calendar.Month
	Slots         []CandidateSlot
	TriggerReason string
}

// Materialized is the outcome of a claimed plan.
type Materialized struct {
	Run     visit.PlanRun
	Created []visit.Scheduled
	Failed  []SlotFailure
}

type Materializer struct {
	store        visit.TxStore
	logger       *zap.Logger
	concurrency  int
	claimTimeout time.Duration
	now          func() time.Time
}

// NewMaterializer takes its slot concurrency and claim lease from p.
func NewMaterializer(store visit.TxStore, logger *zap.Logger, p Policy, now func() time.Time) *Materializer {
	p = p.withDefaults()
	if now == nil {
		now = time.Now
	}
	return &Materializer{
		store:        store,
		logger:       logger,
		concurrency:  p.SlotConcurrency,
		claimTimeout: p.ClaimTimeout,
		now:          now,
	}
}

// Materialize claims the plan, then writes every slot as its own
// transaction. A *visit.DuplicatePlanError from the claim means nothing was
// written. Slot failures are reported in the result, not as an error; the
// returned error is set only for the claim or the final run update.
func (m *Materializer) Materialize(ctx context.Context, req MaterializeRequest) (*Materialized, error) {
	pref := req.Preference
	started := m.now()

	run, err := m.store.ClaimPlan(ctx, visit.PlanClaim{
		RunID:         visit.PlanRunID(uuid.NewString()),
		DonorID:       pref.DonorID,
		PlanMonth:     req.PlanMonth,
		TriggerReason: req.TriggerReason,
		StartedAt:     started,
		StaleBefore:   started.Add(-m.claimTimeout),
	})
	if err != nil {
		return nil, err
	}

	logger := m.logger.With(
		zap.String("donor_id", string(pref.DonorID)),
		zap.String("plan_month", req.PlanMonth.String()),
		zap.String("run_id", string(run.ID)),
	)
	snapshot := pref.Snapshot()

	type slotResult struct {
		created *visit.Scheduled
		err     error
	}
	results := make([]slotResult, len(req.Slots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, slot := range req.Slots {
		g.Go(func() error {
			sv := m.buildVisit(run, pref, snapshot, req.PlanMonth, slot, started)
			err := m.store.WithTx(gctx, func(tx visit.Store) error {
				if err := tx.CreateVisit(gctx, sv); err != nil {
					return err
				}
				return tx.AppendAudit(gctx, visit.AuditEntry{
					ID:        uuid.NewString(),
					VisitID:   sv.Visit.ID,
					DonorID:   sv.Visit.DonorID,
					Action:    visit.AuditGenerated,
					ActorID:   visit.SystemActor,
					Payload:   map[string]any{"plan_month": req.PlanMonth.String(), "date": slot.Date.String(), "run_id": string(run.ID)},
					Timestamp: started,
				})
			})
			if err != nil {
				results[i] = slotResult{err: err}
				return nil // isolate: never cancel the other slots
			}
			results[i] = slotResult{created: &sv}
			return nil
		})
	}
	_ = g.Wait()

	out := &Materialized{}
	for i, r := range results {
		if r.err != nil {
			logger.Warn("slot write failed", zap.String("date", req.Slots[i].Date.String()), zap.Error(r.err))
			out.Failed = append(out.Failed, SlotFailure{Slot: req.Slots[i], Err: r.err})
			continue
		}
		out.Created = append(out.Created, *r.created)
	}

	completed := m.now()
	run.CreatedCount = len(out.Created)
	run.FailedCount = len(out.Failed)
	run.CompletedAt = &completed
	run.Status = visit.PlanRunCompleted
	if len(out.Failed) > 0 {
		run.Error = out.Failed[0].Err.Error()
		if len(out.Created) == 0 {
			run.Status = visit.PlanRunFailed
		}
	}
	out.Run = *run

	// The run must leave "running" even if the caller has gone away.
	if err := m.store.FinishPlan(context.WithoutCancel(ctx), *run); err != nil {
		logger.Error("failed to finish plan run", zap.Error(err))
		return out, fmt.Errorf("finish plan run %s: %w", run.ID, err)
	}

	logger.Info("plan materialized",
		zap.Int("created", run.CreatedCount),
		zap.Int("failed", run.FailedCount),
		zap.String("status", string(run.Status)),
	)
	return out, nil
}

func (m *Materializer) buildVisit(run *visit.PlanRun, pref visit.Preference, snapshot visit.RuleSnapshot, month calendar.Month, slot CandidateSlot, now time.Time) visit.Scheduled {
	id := visit.VisitID(uuid.NewString())
	start, end := slot.Start, slot.End
	return visit.Scheduled{
		Visit: visit.Visit{
			ID:             id,
			DonorID:        pref.DonorID,
			FacilityID:     pref.HomeFacilityID,
			ScheduledStart: &start,
			ScheduledEnd:   &end,
			Origin:         visit.OriginSystem,
			Status:         visit.StatusProposed,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Schedule: &visit.Schedule{
			VisitID:         id,
			PlanRunID:       run.ID,
			PlanMonth:       month,
			PlanType:        visit.PlanMonthlyNthWeekday,
			WeekOfMonth:     slot.Date.WeekOfMonth(),
			Weekday:         calendar.ISOWeekday(slot.Date.Weekday()),
			WindowStart:     start,
			WindowEnd:       end,
			ProposedOn:      now,
			ProposedBy:      visit.SystemActor,
			RescheduleCount: 0,
			RuleSnapshot:    snapshot,
		},
	}
}

// failedErr joins slot failures for logging and messages.
func failedErr(failed []SlotFailure) error {
	errs := make([]error, len(failed))
	for i, f := range failed {
		errs[i] = fmt.Errorf("%s: %w", f.Slot.Date, f.Err)
	}
	return errors.Join(errs...)
}
