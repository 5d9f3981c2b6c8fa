package planner_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/notify"
	"github.com/warp/visit-engine/planner"
	"github.com/warp/visit-engine/visit"
	"github.com/warp/visit-engine/visit/store"
)

// =============================================================================
// FIXTURES
// =============================================================================

var oct1 = time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store    *store.Memory
	gen      *planner.Generator
	coord    *planner.Coordinator
	dispatch *planner.Dispatcher
	events   *recorder
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	m := store.NewMemory()
	rec := &recorder{}
	clock := func() time.Time { return now }
	logger := zap.NewNop()

	gen := planner.NewGenerator(m, m, logger, planner.WithClock(clock), planner.WithNotifier(rec))
	coord := planner.NewCoordinator(m, logger, planner.WithCoordinatorClock(clock), planner.WithCoordinatorNotifier(rec))
	return &fixture{
		store:    m,
		gen:      gen,
		coord:    coord,
		dispatch: planner.NewDispatcher(gen, coord, logger),
		events:   rec,
	}
}

// approve registers an eligible donor with a morning preference.
func (f *fixture) approve(id visit.DonorID, days calendar.Weekdays) {
	f.store.SaveDonor(context.Background(), visit.Donor{ID: id, Name: string(id), ScreeningApproved: true, DirectorApproved: true, Status: visit.DonorApproved})
	f.store.SavePreference(context.Background(), visit.Preference{
		DonorID:        id,
		HomeFacilityID: "fac-1",
		WeeklyDays:     days,
		PreferredStart: calendar.Clock{Hour: 9},
		PreferredEnd:   calendar.Clock{Hour: 10, Minute: 30},
	})
}

func visitDays(visits []visit.Scheduled) []int {
	days := make([]int, len(visits))
	for i, v := range visits {
		days[i] = v.Visit.ScheduledStart.Day()
	}
	return days
}

func onDay(t *testing.T, visits []visit.Scheduled, month time.Month, day int) visit.Scheduled {
	t.Helper()
	for _, v := range visits {
		if v.Visit.ScheduledStart.Month() == month && v.Visit.ScheduledStart.Day() == day {
			return v
		}
	}
	t.Fatalf("no visit on %s %d", month, day)
	return visit.Scheduled{}
}

// =============================================================================
// GENERATE
// =============================================================================

func TestGenerate_MonWedFri(t *testing.T) {
	// GIVEN: An approved donor preferring Mon/Wed/Fri, on Oct 1, 2025
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)

	// WHEN: Generating
	res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	// THEN: Ten proposed system visits, two per Monday-start week
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []int{1, 3, 6, 8, 13, 15, 20, 22, 27, 29}, visitDays(res.Visits))
	require.Len(t, res.Months, 1)
	assert.Equal(t, oct2025, res.Months[0].PlanMonth)

	for _, sv := range res.Visits {
		assert.Equal(t, visit.StatusProposed, sv.Visit.Status)
		assert.Equal(t, visit.OriginSystem, sv.Visit.Origin)
		assert.Equal(t, visit.FacilityID("fac-1"), sv.Visit.FacilityID)
		require.NotNil(t, sv.Schedule)
		assert.Equal(t, visit.PlanMonthlyNthWeekday, sv.Schedule.PlanType)
		assert.Equal(t, visit.SystemActor, sv.Schedule.ProposedBy)
		assert.Equal(t, 0b0101010, sv.Schedule.RuleSnapshot.WeeklyDays)
		assert.Equal(t, 2, sv.Schedule.RuleSnapshot.MaxVisitsPerWeek)
		assert.Equal(t, res.Months[0].RunID, sv.Schedule.PlanRunID)
		assert.Equal(t, calendar.DateOf(*sv.Visit.ScheduledStart), sv.Schedule.PlannedDate(time.UTC))
	}

	first := res.Visits[0]
	assert.Equal(t, time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC), *first.Visit.ScheduledStart)
	assert.Equal(t, time.Date(2025, 10, 1, 10, 30, 0, 0, time.UTC), *first.Visit.ScheduledEnd)
	assert.Equal(t, 1, first.Schedule.WeekOfMonth)
	assert.Equal(t, 3, first.Schedule.Weekday)

	// AND: The run completed, every visit has a generated audit entry, and
	// one plan_generated event went out
	runs, err := f.store.ListPlanRuns(context.Background(), "donor-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, visit.PlanRunCompleted, runs[0].Status)
	assert.Equal(t, 10, runs[0].CreatedCount)
	assert.Len(t, f.store.Audit(), 10)

	events := f.events.ofType(notify.PlanGenerated)
	require.Len(t, events, 1)
	assert.Equal(t, "2025-10", events[0].PlanMonth)
	assert.Equal(t, 10, events[0].Data["visits"])
}

func TestGenerate_SundayTuesdayThursday(t *testing.T) {
	// GIVEN: Weekly days 0b0010101 (bit 0 is Sunday)
	f := newFixture(t, oct1)
	days, err := calendar.ParseWeekdays(0b0010101)
	require.NoError(t, err)
	f.approve("donor-1", days)

	res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 7, 9, 14, 16, 21, 23, 28, 30}, visitDays(res.Visits))
}

func TestGenerate_NothingToSchedule(t *testing.T) {
	t.Run("empty weekly mask", func(t *testing.T) {
		f := newFixture(t, oct1)
		f.approve("donor-1", calendar.NoDays)

		res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, res.Visits)
	})

	t.Run("no preference", func(t *testing.T) {
		f := newFixture(t, oct1)
		f.store.SaveDonor(context.Background(), visit.Donor{ID: "donor-1", ScreeningApproved: true, DirectorApproved: true, Status: visit.DonorApproved})

		res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, res.Visits)

		runs, err := f.store.ListPlanRuns(context.Background(), "donor-1")
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}

func TestGenerate_IneligibleDonor(t *testing.T) {
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	f.store.SaveDonor(context.Background(), visit.Donor{ID: "donor-1", ScreeningApproved: true, DirectorApproved: false, Status: visit.DonorApproved})

	_, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	assert.ErrorIs(t, err, visit.ErrDonorNotEligible)
	assert.Empty(t, f.store.Audit())
}

func TestGenerate_UnknownDonor(t *testing.T) {
	f := newFixture(t, oct1)

	_, err := f.gen.Generate(context.Background(), "nobody", planner.ReasonDonorApproved)

	assert.ErrorIs(t, err, visit.ErrDonorNotFound)
}

func TestGenerate_InvalidWindow(t *testing.T) {
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	f.store.SavePreference(context.Background(), visit.Preference{
		DonorID: "donor-1", WeeklyDays: mwf,
		PreferredStart: calendar.Clock{Hour: 11}, PreferredEnd: calendar.Clock{Hour: 9},
	})

	_, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	assert.ErrorIs(t, err, visit.ErrInvalidWindow)
}

func TestGenerate_SecondCallIsDuplicate(t *testing.T) {
	// GIVEN: October already generated
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	_, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)
	require.NoError(t, err)

	// WHEN: The approval is delivered again
	res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	// THEN: Duplicate, nothing new written
	var dup *visit.DuplicatePlanError
	require.ErrorAs(t, err, &dup)
	assert.False(t, dup.InFlight)
	assert.Equal(t, oct2025, dup.PlanMonth)
	assert.Empty(t, res.Visits)

	all, err := f.store.ListVisits(context.Background(), "donor-1", oct2025)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestGenerate_MidMonthSkipsPastDates(t *testing.T) {
	// GIVEN: It is Wednesday Oct 15
	f := newFixture(t, time.Date(2025, 10, 15, 8, 0, 0, 0, time.UTC))
	f.approve("donor-1", mwf)

	res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	// THEN: Only today and later
	require.NoError(t, err)
	assert.Equal(t, []int{15, 17, 20, 22, 27, 29}, visitDays(res.Visits))
}

func TestGenerate_NearMonthEndAddsNextMonth(t *testing.T) {
	// GIVEN: Oct 27 leaves 5 days, below the 7 day cutoff
	f := newFixture(t, time.Date(2025, 10, 27, 8, 0, 0, 0, time.UTC))
	f.approve("donor-1", mwf)

	res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	// THEN: The rest of October plus November
	require.NoError(t, err)
	require.Len(t, res.Months, 2)
	assert.Equal(t, calendar.NewMonth(2025, time.November), res.Months[1].PlanMonth)
	assert.Len(t, res.Months[0].Created, 2)
	assert.Len(t, res.Months[1].Created, 8)
	assert.Equal(t, []int{27, 29, 3, 5, 10, 12, 17, 19, 24, 26}, visitDays(res.Visits))
}

func TestGenerate_WeekAcrossMonthsKeepsCap(t *testing.T) {
	// GIVEN: An every-day donor with the default cap of 2, approved on
	// Monday Oct 27. The week of Oct 27 runs into Sunday Nov 2.
	f := newFixture(t, time.Date(2025, 10, 27, 8, 0, 0, 0, time.UTC))
	f.approve("donor-1", calendar.AllDays)

	// WHEN: Generating October and November
	res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	// THEN: October takes the week's two visits and November starts on the 3rd
	require.NoError(t, err)
	require.Len(t, res.Months, 2)
	assert.Equal(t, []int{27, 28}, visitDays(res.Months[0].Created))
	assert.Equal(t, []int{3, 4, 10, 11, 17, 18, 24, 25}, visitDays(res.Months[1].Created))

	week, err := f.store.ListVisitsInRange(context.Background(), visit.WeekQuery{
		DonorID: "donor-1",
		From:    time.Date(2025, 10, 27, 0, 0, 0, 0, time.UTC),
		To:      time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, week, 2)

	// AND: Moving a visit within that week still fits the cap
	tue := onDay(t, res.Visits, time.October, 28)
	_, err = f.coord.Reschedule(context.Background(), moveTo(tue.Visit.ID, 29))
	assert.NoError(t, err)
}

func TestRollover_WeekAcrossMonthsKeepsCap(t *testing.T) {
	// GIVEN: An every-day donor planned by the October rollover
	f := newFixture(t, oct1)
	f.approve("donor-1", calendar.AllDays)
	ctx := context.Background()

	report, err := f.gen.Rollover(ctx, time.Date(2025, 10, 1, 0, 5, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 10, report.Visits)
	oct, err := f.store.ListVisits(ctx, "donor-1", oct2025)
	require.NoError(t, err)
	assert.Contains(t, visitDays(oct), 27)
	assert.Contains(t, visitDays(oct), 28)

	// WHEN: The November rollover runs on Saturday Nov 1
	report, err = f.gen.Rollover(ctx, time.Date(2025, 11, 1, 0, 5, 0, 0, time.UTC))

	// THEN: Nov 1 and 2 stay free because their week is already full
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generated)
	assert.Equal(t, 8, report.Visits)
	nov, err := f.store.ListVisits(ctx, "donor-1", calendar.NewMonth(2025, time.November))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{3, 4, 10, 11, 17, 18, 24, 25}, visitDays(nov))
}

func TestGenerate_CancelledVisitsFreeTheStraddlingWeek(t *testing.T) {
	// GIVEN: October planned for an every-day donor, then the Oct 28 visit
	// is cancelled
	f := newFixture(t, oct1)
	f.approve("donor-1", calendar.AllDays)
	ctx := context.Background()
	first, err := f.gen.Generate(ctx, "donor-1", planner.ReasonDonorApproved)
	require.NoError(t, err)
	_, err = f.coord.Cancel(ctx, onDay(t, first.Visits, time.October, 28).Visit.ID, "away", "staff-1")
	require.NoError(t, err)

	// WHEN: November is regenerated
	res, err := f.gen.RegenerateForMonth(ctx, "donor-1", calendar.NewMonth(2025, time.November))

	// THEN: One slot of the shared week goes to Nov 1
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 10, 11, 17, 18, 24, 25}, visitDays(res.Visits))
}

func TestTargetMonths(t *testing.T) {
	f := newFixture(t, oct1)

	assert.Equal(t, []calendar.Month{oct2025}, f.gen.TargetMonths(calendar.NewDate(2025, time.October, 25)))
	assert.Equal(t, []calendar.Month{oct2025, calendar.NewMonth(2025, time.November)},
		f.gen.TargetMonths(calendar.NewDate(2025, time.October, 26)))
	assert.Equal(t, []calendar.Month{calendar.NewMonth(2025, time.December), calendar.NewMonth(2026, time.January)},
		f.gen.TargetMonths(calendar.NewDate(2025, time.December, 31)))
}

func TestGenerate_SlotFailureIsIsolated(t *testing.T) {
	// GIVEN: Writing the Oct 8 visit fails
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	f.store.FailCreate = func(s visit.Scheduled) error {
		if s.Visit.ScheduledStart.Day() == 8 {
			return errors.New("disk full")
		}
		return nil
	}

	res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	// THEN: The other nine are written and the failure is reported
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Len(t, res.Visits, 9)
	require.Len(t, res.Months[0].Failed, 1)
	assert.Equal(t, 8, res.Months[0].Failed[0].Slot.Date.Day)
	assert.Contains(t, res.Message, "1 slots failed")

	runs, err := f.store.ListPlanRuns(context.Background(), "donor-1")
	require.NoError(t, err)
	assert.Equal(t, visit.PlanRunCompleted, runs[0].Status)
	assert.Equal(t, 9, runs[0].CreatedCount)
	assert.Equal(t, 1, runs[0].FailedCount)
	assert.Len(t, f.store.Audit(), 9)
}

func TestGenerate_FailedRunCanBeRetried(t *testing.T) {
	// GIVEN: Every slot write fails
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	f.store.FailCreate = func(visit.Scheduled) error { return errors.New("unavailable") }

	res, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Visits)

	runs, err := f.store.ListPlanRuns(context.Background(), "donor-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, visit.PlanRunFailed, runs[0].Status)

	// WHEN: The store recovers and the trigger is retried
	f.store.FailCreate = nil
	res, err = f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	// THEN: The failed run is superseded and the plan is written
	require.NoError(t, err)
	assert.Len(t, res.Visits, 10)

	runs, err = f.store.ListPlanRuns(context.Background(), "donor-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, visit.PlanRunCompleted, runs[0].Status)
	assert.Equal(t, visit.PlanRunSuperseded, runs[1].Status)
}

// finishFails is a memory store whose FinishPlan fails while fail is set.
type finishFails struct {
	*store.Memory
	fail atomic.Bool
}

func (s *finishFails) FinishPlan(ctx context.Context, run visit.PlanRun) error {
	if s.fail.Load() {
		return visit.Persistence("finish plan", errors.New("database is locked"))
	}
	return s.Memory.FinishPlan(ctx, run)
}

func TestGenerate_StuckRunExpires(t *testing.T) {
	// GIVEN: Every slot write fails and so does recording the run outcome
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	s := &finishFails{Memory: f.store}
	s.fail.Store(true)
	f.store.FailCreate = func(visit.Scheduled) error { return errors.New("unavailable") }
	now := oct1
	gen := planner.NewGenerator(f.store, s, zap.NewNop(), planner.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := gen.Generate(ctx, "donor-1", planner.ReasonDonorApproved)
	require.Error(t, err)
	assert.True(t, visit.IsRetryable(err))

	runs, err := f.store.ListPlanRuns(ctx, "donor-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, visit.PlanRunRunning, runs[0].Status)

	// WHEN: The store recovers and the trigger is retried at once
	s.fail.Store(false)
	f.store.FailCreate = nil
	_, err = gen.Generate(ctx, "donor-1", planner.ReasonDonorApproved)

	// THEN: The run is still considered in flight
	var dup *visit.DuplicatePlanError
	require.ErrorAs(t, err, &dup)
	assert.True(t, dup.InFlight)

	// WHEN: The claim timeout has passed
	now = oct1.Add(planner.DefaultPolicy().ClaimTimeout + time.Minute)
	res, err := gen.Generate(ctx, "donor-1", planner.ReasonDonorApproved)

	// THEN: The stuck run is superseded and the plan is written
	require.NoError(t, err)
	assert.Len(t, res.Visits, 10)

	runs, err = f.store.ListPlanRuns(ctx, "donor-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, visit.PlanRunCompleted, runs[0].Status)
	assert.Equal(t, visit.PlanRunSuperseded, runs[1].Status)
}

func TestGenerate_FinishFailureReportsWrittenVisits(t *testing.T) {
	// GIVEN: The slots are written but recording the run outcome fails
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	s := &finishFails{Memory: f.store}
	s.fail.Store(true)
	now := oct1
	gen := planner.NewGenerator(f.store, s, zap.NewNop(), planner.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	// WHEN: Generating
	res, err := gen.Generate(ctx, "donor-1", planner.ReasonDonorApproved)

	// THEN: The error comes back with the ten visits that exist
	require.Error(t, err)
	assert.True(t, visit.IsRetryable(err))
	require.NotNil(t, res)
	assert.Len(t, res.Visits, 10)
	require.Len(t, res.Months, 1)
	assert.Len(t, res.Months[0].Created, 10)

	// AND: Once the lease runs out, those visits still block a second plan
	s.fail.Store(false)
	now = oct1.Add(time.Hour)
	_, err = gen.Generate(ctx, "donor-1", planner.ReasonDonorApproved)
	var dup *visit.DuplicatePlanError
	require.ErrorAs(t, err, &dup)
	assert.False(t, dup.InFlight)

	all, err := f.store.ListVisits(ctx, "donor-1", oct2025)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestGenerate_ConcurrentTriggers(t *testing.T) {
	// GIVEN: The same approval delivered five times at once
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, visit.ErrDuplicatePlan):
				dups++
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one plan
	assert.Equal(t, 1, ok)
	assert.Equal(t, 4, dups)
	all, err := f.store.ListVisits(context.Background(), "donor-1", oct2025)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestGenerate_TieBreakPolicy(t *testing.T) {
	m := store.NewMemory()
	m.SaveDonor(context.Background(), visit.Donor{ID: "donor-1", ScreeningApproved: true, DirectorApproved: true, Status: visit.DonorApproved})
	m.SavePreference(context.Background(), visit.Preference{
		DonorID: "donor-1", WeeklyDays: mwf, MaxVisitsPerWeek: 1,
		PreferredStart: calendar.Clock{Hour: 14}, PreferredEnd: calendar.Clock{Hour: 15},
	})
	policy := planner.DefaultPolicy()
	policy.TieBreak = planner.TieBreakLatest
	gen := planner.NewGenerator(m, m, zap.NewNop(), planner.WithPolicy(policy), planner.WithClock(func() time.Time { return oct1 }))

	res, err := gen.Generate(context.Background(), "donor-1", planner.ReasonDonorApproved)

	require.NoError(t, err)
	assert.Equal(t, []int{3, 10, 17, 24, 31}, visitDays(res.Visits))
	assert.Equal(t, 14, res.Visits[0].Visit.ScheduledStart.Hour())
	assert.Equal(t, 1, res.Visits[0].Schedule.RuleSnapshot.MaxVisitsPerWeek)
}

// =============================================================================
// REGENERATE
// =============================================================================

func TestRegenerateForMonth(t *testing.T) {
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	ctx := context.Background()

	t.Run("rejects past months", func(t *testing.T) {
		_, err := f.gen.RegenerateForMonth(ctx, "donor-1", calendar.NewMonth(2025, time.September))
		assert.ErrorIs(t, err, visit.ErrInvalidMonth)
	})

	first, err := f.gen.Generate(ctx, "donor-1", planner.ReasonDonorApproved)
	require.NoError(t, err)

	t.Run("duplicate while visits remain", func(t *testing.T) {
		_, err := f.gen.RegenerateForMonth(ctx, "donor-1", oct2025)
		assert.ErrorIs(t, err, visit.ErrDuplicatePlan)
	})

	t.Run("replans after every visit is cancelled", func(t *testing.T) {
		for _, sv := range first.Visits {
			_, err := f.coord.Cancel(ctx, sv.Visit.ID, "donor moved", "staff-1")
			require.NoError(t, err)
		}

		res, err := f.gen.RegenerateForMonth(ctx, "donor-1", oct2025)

		require.NoError(t, err)
		assert.Len(t, res.Visits, 10)
		runs, err := f.store.ListPlanRuns(ctx, "donor-1")
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, planner.ReasonRegenerate, runs[0].TriggerReason)
	})
}

// =============================================================================
// ROLLOVER
// =============================================================================

func TestRollover(t *testing.T) {
	// GIVEN: One fresh donor, one without a preference, one already planned,
	// and one suspended donor
	f := newFixture(t, oct1)
	ctx := context.Background()
	f.approve("donor-fresh", mwf)
	f.store.SaveDonor(context.Background(), visit.Donor{ID: "donor-nopref", ScreeningApproved: true, DirectorApproved: true, Status: visit.DonorApproved})
	f.approve("donor-planned", calendar.WeekdaysOf(time.Tuesday))
	_, err := f.gen.Generate(ctx, "donor-planned", planner.ReasonDonorApproved)
	require.NoError(t, err)
	f.store.SaveDonor(context.Background(), visit.Donor{ID: "donor-suspended", ScreeningApproved: true, DirectorApproved: true, Status: visit.DonorSuspended})

	// WHEN: The month rolls over
	report, err := f.gen.Rollover(ctx, oct1)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 3, report.Donors)
	assert.Equal(t, 1, report.Generated)
	assert.Equal(t, 10, report.Visits)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Empty)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, report.Errors)
}

func TestRollover_StopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.gen.Rollover(ctx, oct1)

	assert.ErrorIs(t, err, context.Canceled)
}
