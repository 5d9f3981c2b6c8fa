package planner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/planner"
	"github.com/warp/visit-engine/visit"
)

func TestDispatch_DonorApprovedTwice(t *testing.T) {
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	ctx := context.Background()

	out, err := f.dispatch.Dispatch(ctx, planner.DonorApproved{DonorID: "donor-1"})
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Len(t, out.Result.Visits, 10)

	// A redelivered approval is reported, not failed.
	out, err = f.dispatch.Dispatch(ctx, planner.DonorApproved{DonorID: "donor-1"})
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Empty(t, out.Result.Visits)
}

func TestDispatch_CancelRequestedTwice(t *testing.T) {
	f, visits := planned(t)
	ctx := context.Background()
	cmd := planner.CancelRequested{VisitID: visits[0].Visit.ID, Reason: "ill", Actor: "donor-1"}

	for range 2 {
		out, err := f.dispatch.Dispatch(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, visit.StatusCancelled, out.Visit.Visit.Status)
	}
	assert.Equal(t, 2, auditCount(t, f, visits[0].Visit.ID))
}

func TestDispatch_RescheduleAndSkip(t *testing.T) {
	f, visits := planned(t)
	ctx := context.Background()

	out, err := f.dispatch.Dispatch(ctx, planner.RescheduleRequested{
		VisitID:   visits[2].Visit.ID,
		NewDate:   calendar.NewDate(2025, time.October, 7),
		NewWindow: calendar.Window{Start: calendar.Clock{Hour: 9}, End: calendar.Clock{Hour: 10}},
		Actor:     "donor-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, out.Visit.Visit.ScheduledStart.Day())

	out, err = f.dispatch.Dispatch(ctx, planner.SkipRequested{VisitID: visits[3].Visit.ID, Actor: "donor-1"})
	require.NoError(t, err)
	assert.Equal(t, visit.StatusSkipped, out.Visit.Visit.Status)
}

func TestDispatch_MonthRollover(t *testing.T) {
	f := newFixture(t, oct1)
	f.approve("donor-1", mwf)
	f.approve("donor-2", calendar.WeekdaysOf(time.Saturday))

	out, err := f.dispatch.Dispatch(context.Background(), planner.MonthRollover{})

	require.NoError(t, err)
	require.NotNil(t, out.Rollover)
	assert.Equal(t, oct1, out.Rollover.At)
	assert.Equal(t, 2, out.Rollover.Generated)
	assert.Equal(t, 14, out.Rollover.Visits)
}

func TestDispatch_RegenerateRequested(t *testing.T) {
	f, _ := planned(t)

	out, err := f.dispatch.Dispatch(context.Background(), planner.RegenerateRequested{DonorID: "donor-1", PlanMonth: oct2025})

	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	_, err = f.dispatch.Dispatch(context.Background(), planner.RegenerateRequested{DonorID: "donor-1", PlanMonth: calendar.NewMonth(2025, time.March)})
	assert.ErrorIs(t, err, visit.ErrInvalidMonth)
}
