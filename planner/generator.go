package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/notify"
	"github.com/warp/visit-engine/visit"
)

// Trigger reasons recorded on plan runs.
const (
	ReasonDonorApproved = "donor_approved"
	ReasonMonthRollover = "month_rollover"
	ReasonRegenerate    = "admin_regenerate"
)

// =============================================================================
// RESULT
// =============================================================================

// MonthResult is the outcome for one target month.
type MonthResult struct {
	PlanMonth calendar.Month
	RunID     visit.PlanRunID
	Created   []visit.Scheduled
	Failed    []SlotFailure

	// Duplicate is set when the month was already planned; Created is empty.
	Duplicate *visit.DuplicatePlanError
}

// Result aggregates a generation call.
type Result struct {
	Success bool
	Message string
	Visits  []visit.Scheduled
	Months  []MonthResult
}

// =============================================================================
// GENERATOR
// =============================================================================

type Generator struct {
	donors       visit.DonorStore
	store        visit.TxStore
	materializer *Materializer
	notifier     notify.Notifier
	logger       *zap.Logger
	policy       Policy
	now          func() time.Time
}

type Option func(*Generator)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option { return func(g *Generator) { g.policy = p } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(g *Generator) { g.now = now } }

// WithNotifier sets where plan_generated events go.
func WithNotifier(n notify.Notifier) Option { return func(g *Generator) { g.notifier = n } }

func NewGenerator(donors visit.DonorStore, store visit.TxStore, logger *zap.Logger, opts ...Option) *Generator {
	g := &Generator{
		donors:   donors,
		store:    store,
		notifier: notify.Nop{},
		logger:   logger,
		policy:   DefaultPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.policy = g.policy.withDefaults()
	g.materializer = NewMaterializer(store, logger, g.policy, g.now)
	return g
}

func (g *Generator) Policy() Policy { return g.policy }

// Generate plans the target months for an approved donor. A donor with no
// preference, or with no weekly days selected, gets a successful empty
// result. When every target month was already planned, the result is
// returned together with the *visit.DuplicatePlanError of the first month.
func (g *Generator) Generate(ctx context.Context, donorID visit.DonorID, reason string) (*Result, error) {
	return g.generate(ctx, donorID, reason, g.now())
}

func (g *Generator) generate(ctx context.Context, donorID visit.DonorID, reason string, now time.Time) (*Result, error) {
	today := calendar.DateOf(now.In(g.policy.Location))
	pref, res, err := g.preflight(ctx, donorID)
	if pref == nil {
		return res, err
	}
	return g.planMonths(ctx, *pref, g.TargetMonths(today), today, reason)
}

// RegenerateForMonth re-runs generation for one month. The duplicate-plan
// guard still applies: it only produces visits when every earlier visit of
// that month was cancelled. Past months are rejected.
func (g *Generator) RegenerateForMonth(ctx context.Context, donorID visit.DonorID, month calendar.Month) (*Result, error) {
	today := calendar.DateOf(g.now().In(g.policy.Location))
	if month.IsZero() || month.Before(today.YearMonth()) {
		return nil, fmt.Errorf("regenerate %s for donor %s: %w", month, donorID, visit.ErrInvalidMonth)
	}
	pref, res, err := g.preflight(ctx, donorID)
	if pref == nil {
		return res, err
	}
	return g.planMonths(ctx, *pref, []calendar.Month{month}, today, ReasonRegenerate)
}

// TargetMonths returns the current month, plus the next one when fewer
// than CutoffDays days (today included) remain.
func (g *Generator) TargetMonths(today calendar.Date) []calendar.Month {
	current := today.YearMonth()
	remaining := current.Days() - today.Day + 1
	if remaining < g.policy.CutoffDays {
		return []calendar.Month{current, current.Next()}
	}
	return []calendar.Month{current}
}

// preflight loads the donor and preference. A nil preference means the
// caller should return (res, err) as is.
func (g *Generator) preflight(ctx context.Context, donorID visit.DonorID) (*visit.Preference, *Result, error) {
	donor, err := g.donors.GetDonor(ctx, donorID)
	if err != nil {
		return nil, nil, fmt.Errorf("load donor %s: %w", donorID, err)
	}
	if !donor.Eligible() {
		return nil, nil, fmt.Errorf("donor %s (status %s): %w", donorID, donor.Status, visit.ErrDonorNotEligible)
	}

	pref, err := g.donors.GetPreference(ctx, donorID)
	if errors.Is(err, visit.ErrNoPreference) {
		g.logger.Info("no preference on file, nothing to schedule", zap.String("donor_id", string(donorID)))
		return nil, &Result{Success: true, Message: "no scheduling preference on file"}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load preference for donor %s: %w", donorID, err)
	}
	if pref.WeeklyDays.IsEmpty() {
		return nil, &Result{Success: true, Message: "no weekly days selected"}, nil
	}
	if err := pref.Window().Validate(); err != nil {
		return nil, nil, fmt.Errorf("donor %s preference: %v: %w", donorID, err, visit.ErrInvalidWindow)
	}
	if pref.MaxVisitsPerWeek <= 0 {
		pref.MaxVisitsPerWeek = g.policy.DefaultMaxPerWeek
	}
	return pref, nil, nil
}

func (g *Generator) planMonths(ctx context.Context, pref visit.Preference, months []calendar.Month, today calendar.Date, reason string) (*Result, error) {
	res := &Result{}
	var firstDup *visit.DuplicatePlanError

	for _, month := range months {
		mr, err := g.planMonth(ctx, pref, month, today, reason)
		var dup *visit.DuplicatePlanError
		switch {
		case errors.As(err, &dup):
			g.logger.Info("plan already exists",
				zap.String("donor_id", string(pref.DonorID)),
				zap.String("plan_month", month.String()),
				zap.Bool("in_flight", dup.InFlight))
			if firstDup == nil {
				firstDup = dup
			}
			res.Months = append(res.Months, MonthResult{PlanMonth: month, Duplicate: dup})
			continue
		case err != nil:
			// Visits written before the failure are still reported.
			if mr != nil {
				res.Months = append(res.Months, *mr)
				res.Visits = append(res.Visits, mr.Created...)
			}
			res.Message = fmt.Sprintf("generation failed for %s", month)
			return res, fmt.Errorf("generate %s for donor %s: %w", month, pref.DonorID, err)
		}
		res.Months = append(res.Months, *mr)
		res.Visits = append(res.Visits, mr.Created...)
	}

	if firstDup != nil && len(res.Months) == countDuplicates(res.Months) {
		res.Message = "plan already exists for " + joinMonths(months)
		return res, firstDup
	}

	failed := 0
	for _, mr := range res.Months {
		failed += len(mr.Failed)
	}
	res.Success = failed == 0
	res.Message = fmt.Sprintf("created %d visits for %s", len(res.Visits), joinMonths(months))
	if failed > 0 {
		res.Message += fmt.Sprintf(" (%d slots failed)", failed)
	}
	return res, nil
}

func (g *Generator) planMonth(ctx context.Context, pref visit.Preference, month calendar.Month, today calendar.Date, reason string) (*MonthResult, error) {
	buckets := slices.Collect(fromDate(calendar.Buckets(month, pref.WeeklyDays), today))
	taken, err := g.straddlingLoad(ctx, pref.DonorID, month, buckets)
	if err != nil {
		return nil, err
	}
	weeklyCap := pref.WeeklyCap()
	slots := SelectSlotsCapped(slices.Values(buckets), func(b calendar.Bucket) int {
		return weeklyCap - taken[b.WeekStart]
	}, pref.Window(), g.policy.TieBreak, g.policy.Location)

	out, err := g.materializer.Materialize(ctx, MaterializeRequest{
		Preference:    pref,
		PlanMonth:     month,
		Slots:         slots,
		TriggerReason: reason,
	})
	if out == nil {
		return nil, err
	}

	mr := &MonthResult{PlanMonth: month, RunID: out.Run.ID, Created: out.Created, Failed: out.Failed}
	if len(out.Failed) > 0 {
		g.logger.Warn("some slots failed",
			zap.String("donor_id", string(pref.DonorID)),
			zap.String("plan_month", month.String()),
			zap.Error(failedErr(out.Failed)))
	}
	if len(out.Created) > 0 {
		g.notify(ctx, notify.Event{
			Type:      notify.PlanGenerated,
			DonorID:   string(pref.DonorID),
			PlanMonth: month.String(),
			Actor:     visit.SystemActor,
			At:        g.now(),
			Data:      map[string]any{"run_id": string(out.Run.ID), "visits": len(out.Created), "reason": reason},
		})
	}
	return mr, err
}

// straddlingLoad counts the donor's visits that already use the cap of
// each week crossing into a neighbouring month, keyed by week start.
func (g *Generator) straddlingLoad(ctx context.Context, donorID visit.DonorID, month calendar.Month, buckets []calendar.Bucket) (map[calendar.Date]int, error) {
	taken := map[calendar.Date]int{}
	for _, b := range buckets {
		if !b.WeekStart.Before(month.First()) && !b.WeekEnd().After(month.Last()) {
			continue
		}
		visits, err := g.store.ListVisitsInRange(ctx, visit.WeekQuery{
			DonorID: donorID,
			From:    b.WeekStart.In(g.policy.Location),
			To:      b.WeekStart.AddDays(7).In(g.policy.Location),
		})
		if err != nil {
			return nil, fmt.Errorf("load week of %s: %w", b.WeekStart, err)
		}
		for _, v := range visits {
			if v.Status.CountsTowardCap() {
				taken[b.WeekStart]++
			}
		}
	}
	return taken, nil
}

func (g *Generator) notify(ctx context.Context, e notify.Event) {
	if err := g.notifier.Notify(ctx, e); err != nil {
		g.logger.Warn("notification failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

// =============================================================================
// ROLLOVER
// =============================================================================

// RolloverReport summarizes a rollover pass.
type RolloverReport struct {
	At         time.Time
	Donors     int
	Generated  int
	Visits     int
	Duplicates int
	Empty      int
	Failed     int
	Errors     map[visit.DonorID]string
}

// Rollover runs generation for every eligible donor as of at, one donor at
// a time. A failing donor is recorded and the pass continues.
func (g *Generator) Rollover(ctx context.Context, at time.Time) (*RolloverReport, error) {
	ids, err := g.donors.ListEligibleDonors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eligible donors: %w", err)
	}

	report := &RolloverReport{At: at, Donors: len(ids), Errors: map[visit.DonorID]string{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := g.generate(ctx, id, ReasonMonthRollover, at)
		switch {
		case errors.Is(err, visit.ErrDuplicatePlan):
			report.Duplicates++
		case err != nil:
			report.Failed++
			report.Errors[id] = err.Error()
			g.logger.Error("rollover failed for donor", zap.String("donor_id", string(id)), zap.Error(err))
		case len(res.Visits) == 0:
			report.Empty++
		default:
			report.Generated++
			report.Visits += len(res.Visits)
		}
	}

	g.logger.Info("rollover complete",
		zap.Time("at", at),
		zap.Int("donors", report.Donors),
		zap.Int("generated", report.Generated),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func countDuplicates(months []MonthResult) int {
	n := 0
	for _, m := range months {
		if m.Duplicate != nil {
			n++
		}
	}
	return n
}

func joinMonths(months []calendar.Month) string {
	s := make([]string, len(months))
	for i, m := range months {
		s[i] = m.String()
	}
	return strings.Join(s, ", ")
}
