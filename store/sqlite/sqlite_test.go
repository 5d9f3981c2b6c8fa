package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/store/sqlite"
	"github.com/warp/visit-engine/visit"
)

var oct2025 = calendar.NewMonth(2025, time.October)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func claim(runID string) visit.PlanClaim {
	return visit.PlanClaim{
		RunID:         visit.PlanRunID(runID),
		DonorID:       "donor-1",
		PlanMonth:     oct2025,
		TriggerReason: "test",
		StartedAt:     time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC),
	}
}

func generated(id string, day int, runID string) visit.Scheduled {
	start := time.Date(2025, 10, day, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	now := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	return visit.Scheduled{
		Visit: visit.Visit{
			ID: visit.VisitID(id), DonorID: "donor-1", FacilityID: "fac-1",
			ScheduledStart: &start, ScheduledEnd: &end,
			Origin: visit.OriginSystem, Status: visit.StatusProposed,
			CreatedAt: now, UpdatedAt: now,
		},
		Schedule: &visit.Schedule{
			VisitID: visit.VisitID(id), PlanRunID: visit.PlanRunID(runID),
			PlanMonth: oct2025, PlanType: visit.PlanMonthlyNthWeekday,
			WeekOfMonth: calendar.DateOf(start).WeekOfMonth(),
			Weekday:     calendar.ISOWeekday(start.Weekday()),
			WindowStart: start, WindowEnd: end, ProposedOn: now,
			ProposedBy: visit.SystemActor,
			RuleSnapshot: visit.RuleSnapshot{
				WeeklyDays: 0b0101010, PreferredStart: "09:00", PreferredEnd: "10:30",
				MaxVisitsPerWeek: 2, HomeFacilityID: "fac-1",
			},
		},
	}
}

// =============================================================================
// DONORS
// =============================================================================

func TestStore_DonorsAndPreferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDonor(ctx, visit.Donor{ID: "d-1", Name: "Ada", ScreeningApproved: true, DirectorApproved: true, Status: visit.DonorApproved}))
	require.NoError(t, s.SaveDonor(ctx, visit.Donor{ID: "d-2", ScreeningApproved: true, Status: visit.DonorApproved}))
	require.NoError(t, s.SavePreference(ctx, visit.Preference{
		DonorID: "d-1", HomeFacilityID: "fac-1",
		WeeklyDays:     calendar.WeekdaysOf(time.Monday, time.Wednesday, time.Friday),
		PreferredStart: calendar.Clock{Hour: 9}, PreferredEnd: calendar.Clock{Hour: 10, Minute: 30},
	}))

	d, err := s.GetDonor(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, d.Eligible())
	assert.Equal(t, "Ada", d.Name)

	p, err := s.GetPreference(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, 0b0101010, p.WeeklyDays.Int())
	assert.Equal(t, calendar.Clock{Hour: 10, Minute: 30}, p.PreferredEnd)
	assert.Equal(t, visit.DefaultMaxVisitsPerWeek, p.MaxVisitsPerWeek)

	_, err = s.GetPreference(ctx, "d-2")
	assert.ErrorIs(t, err, visit.ErrNoPreference)

	_, err = s.GetDonor(ctx, "nobody")
	assert.ErrorIs(t, err, visit.ErrDonorNotFound)

	ids, err := s.ListEligibleDonors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []visit.DonorID{"d-1"}, ids)
}

// =============================================================================
// DUPLICATE-PLAN GUARD
// =============================================================================

func TestStore_ClaimPlan_InFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ClaimPlan(ctx, claim("run-1"))
	require.NoError(t, err)

	_, err = s.ClaimPlan(ctx, claim("run-2"))

	var dup *visit.DuplicatePlanError
	require.ErrorAs(t, err, &dup)
	assert.True(t, dup.InFlight)
	assert.Equal(t, visit.PlanRunID("run-1"), dup.ExistingRunID)
}

func TestStore_ClaimPlan_StaleRunExpires(t *testing.T) {
	// GIVEN: A run left running at 08:00
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.ClaimPlan(ctx, claim("run-1"))
	require.NoError(t, err)

	// Within the lease it is still in flight.
	early := claim("run-2")
	early.StartedAt = early.StartedAt.Add(5 * time.Minute)
	early.StaleBefore = early.StartedAt.Add(-10 * time.Minute)
	_, err = s.ClaimPlan(ctx, early)
	var dup *visit.DuplicatePlanError
	require.ErrorAs(t, err, &dup)
	assert.True(t, dup.InFlight)

	// WHEN: Claimed after the lease ran out
	late := claim("run-3")
	late.StartedAt = late.StartedAt.Add(15 * time.Minute)
	late.StaleBefore = late.StartedAt.Add(-10 * time.Minute)
	next, err := s.ClaimPlan(ctx, late)

	// THEN: The stuck run is superseded
	require.NoError(t, err)
	assert.Equal(t, visit.PlanRunID("run-3"), next.ID)
	runs, err := s.ListPlanRuns(ctx, "donor-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, visit.PlanRunID("run-3"), runs[0].ID)
	assert.Equal(t, visit.PlanRunSuperseded, runs[1].Status)
}

func TestStore_ClaimPlan_StaleRunWithVisitsBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.ClaimPlan(ctx, claim("run-1"))
	require.NoError(t, err)
	require.NoError(t, s.CreateVisit(ctx, generated("v-1", 6, "run-1")))

	retry := claim("run-2")
	retry.StaleBefore = retry.StartedAt.Add(time.Minute)
	_, err = s.ClaimPlan(ctx, retry)

	var dup *visit.DuplicatePlanError
	require.ErrorAs(t, err, &dup)
	assert.False(t, dup.InFlight)
	assert.Equal(t, visit.PlanRunID("run-1"), dup.ExistingRunID)
}

func TestStore_ClaimPlan_CompletedPlanBlocks(t *testing.T) {
	// GIVEN: A completed run with a live visit
	s := newTestStore(t)
	ctx := context.Background()
	run, err := s.ClaimPlan(ctx, claim("run-1"))
	require.NoError(t, err)
	require.NoError(t, s.CreateVisit(ctx, generated("v-1", 6, "run-1")))
	done := time.Date(2025, 10, 1, 8, 1, 0, 0, time.UTC)
	run.Status, run.CreatedCount, run.CompletedAt = visit.PlanRunCompleted, 1, &done
	require.NoError(t, s.FinishPlan(ctx, *run))

	// WHEN: The month is claimed again
	_, err = s.ClaimPlan(ctx, claim("run-2"))

	// THEN: Duplicate, not in flight
	var dup *visit.DuplicatePlanError
	require.ErrorAs(t, err, &dup)
	assert.False(t, dup.InFlight)

	runs, err := s.ListPlanRuns(ctx, "donor-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, visit.PlanRunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].CreatedCount)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, done.Equal(*runs[0].CompletedAt))
}

func TestStore_ClaimPlan_SupersedesEmptyRun(t *testing.T) {
	// GIVEN: A failed run that created nothing
	s := newTestStore(t)
	ctx := context.Background()
	run, err := s.ClaimPlan(ctx, claim("run-1"))
	require.NoError(t, err)
	run.Status, run.Error = visit.PlanRunFailed, "boom"
	require.NoError(t, s.FinishPlan(ctx, *run))

	// WHEN: Claimed again
	next, err := s.ClaimPlan(ctx, claim("run-2"))

	// THEN: The old run is superseded and the index allows the new one
	require.NoError(t, err)
	assert.Equal(t, visit.PlanRunRunning, next.Status)

	runs, err := s.ListPlanRuns(ctx, "donor-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, visit.PlanRunID("run-2"), runs[0].ID)
	assert.Equal(t, visit.PlanRunSuperseded, runs[1].Status)
	assert.Equal(t, "boom", runs[1].Error)
}

// =============================================================================
// VISITS
// =============================================================================

func TestStore_CreateAndGetVisit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := generated("v-1", 6, "run-1")

	require.NoError(t, s.CreateVisit(ctx, want))

	got, err := s.GetVisit(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, visit.StatusProposed, got.Visit.Status)
	assert.True(t, want.Visit.ScheduledStart.Equal(*got.Visit.ScheduledStart))
	assert.Nil(t, got.Visit.Completion)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, oct2025, got.Schedule.PlanMonth)
	assert.Equal(t, 1, got.Schedule.WeekOfMonth)
	assert.Equal(t, 1, got.Schedule.Weekday)
	assert.Equal(t, want.Schedule.RuleSnapshot, got.Schedule.RuleSnapshot)
	assert.Equal(t, visit.PlanRunID("run-1"), got.Schedule.PlanRunID)

	_, err = s.GetVisit(ctx, "missing")
	assert.ErrorIs(t, err, visit.ErrVisitNotFound)
}

func TestStore_UpdateVisit_Completion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sv := generated("v-1", 6, "run-1")
	require.NoError(t, s.CreateVisit(ctx, sv))

	sv.Visit.Status = visit.StatusCompleted
	sv.Visit.Completion = &visit.Completion{
		HealthStatus: "ok", Volume: decimal.RequireFromString("450.5"),
		ContainerCount: 3, PointsAwarded: decimal.NewFromInt(30), RecordedBy: "nurse-1",
	}
	require.NoError(t, s.UpdateVisit(ctx, sv))

	got, err := s.GetVisit(ctx, "v-1")
	require.NoError(t, err)
	require.NotNil(t, got.Visit.Completion)
	assert.True(t, got.Visit.Completion.Volume.Equal(decimal.RequireFromString("450.5")))
	assert.Equal(t, 3, got.Visit.Completion.ContainerCount)
	assert.Equal(t, "nurse-1", got.Visit.Completion.RecordedBy)
}

func TestStore_CompletionFieldsRequireCompletedStatus(t *testing.T) {
	// GIVEN: A proposed visit
	s := newTestStore(t)
	ctx := context.Background()
	sv := generated("v-1", 6, "run-1")
	require.NoError(t, s.CreateVisit(ctx, sv))

	// WHEN: Completion fields are written without completing it
	sv.Visit.Completion = &visit.Completion{HealthStatus: "ok", RecordedBy: "nurse-1"}
	err := s.UpdateVisit(ctx, sv)

	// THEN: The CHECK constraint rejects it
	assert.ErrorIs(t, err, visit.ErrPersistence)
}

func TestStore_WithTx_RollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx visit.Store) error {
		require.NoError(t, tx.CreateVisit(ctx, generated("v-1", 6, "")))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = s.GetVisit(ctx, "v-1")
	assert.ErrorIs(t, err, visit.ErrVisitNotFound)
}

func TestStore_ListVisitsAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []struct {
		id  string
		day int
	}{{"v-c", 10}, {"v-a", 6}, {"v-b", 8}, {"v-d", 13}} {
		require.NoError(t, s.CreateVisit(ctx, generated(id.id, id.day, "run-1")))
	}

	all, err := s.ListVisits(ctx, "donor-1", oct2025)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, visit.VisitID("v-a"), all[0].Visit.ID)
	assert.Equal(t, visit.VisitID("v-d"), all[3].Visit.ID)

	week, err := s.ListVisitsInRange(ctx, visit.WeekQuery{
		DonorID: "donor-1",
		From:    time.Date(2025, 10, 6, 0, 0, 0, 0, time.UTC),
		To:      time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, week, 3)

	none, err := s.ListVisits(ctx, "donor-1", oct2025.Next())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Audit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, visit.AuditEntry{
		ID: "a-1", VisitID: "v-1", DonorID: "donor-1", Action: visit.AuditGenerated,
		ActorID: visit.SystemActor, Payload: map[string]any{"plan_month": "2025-10"},
		Timestamp: time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.AppendAudit(ctx, visit.AuditEntry{
		ID: "a-2", VisitID: "v-1", DonorID: "donor-1", Action: visit.AuditCancelled,
		ActorID: "staff-1", Timestamp: time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC),
	}))

	entries, err := s.ListAudit(ctx, "v-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, visit.AuditGenerated, entries[0].Action)
	assert.Equal(t, "2025-10", entries[0].Payload["plan_month"])
	assert.Equal(t, "staff-1", entries[1].ActorID)
}

// =============================================================================
// DRIVER FAILURES
// =============================================================================

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *sqlite.Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := sqlite.NewFromDB(db, false)
	require.NoError(t, err)
	return mock, s
}

func TestStore_GetVisit_DriverErrorIsRetryable(t *testing.T) {
	mock, s := setupMockStore(t)
	mock.ExpectQuery(`SELECT v.id`).WithArgs("v-1").WillReturnError(errors.New("database is locked"))

	_, err := s.GetVisit(context.Background(), "v-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, visit.ErrPersistence)
	assert.True(t, visit.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateVisit_ScheduleFailureRollsBack(t *testing.T) {
	// GIVEN: The visit row writes but the schedule row fails
	mock, s := setupMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO visits`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO visit_schedules`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	// WHEN
	err := s.CreateVisit(context.Background(), generated("v-1", 6, "run-1"))

	// THEN: The pair is rolled back as one unit
	assert.ErrorIs(t, err, visit.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimPlan_BeginFails(t *testing.T) {
	mock, s := setupMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := s.ClaimPlan(context.Background(), claim("run-1"))

	assert.ErrorIs(t, err, visit.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}
