/*
Package rewards computes the points a donor earns for a completed visit.

PURPOSE:
  The scheduling engine records points_awarded when a visit completes but
  does not own the reward rules. It calls a Calculator once per completion
  and stores whatever amount comes back.

KEY CONCEPTS:
  Award:      The facts of one completed visit
  Calculator: One-way hook from the engine into the point program
  Activity:   A named point-earning event with a fixed value

UNITS:
  Points are decimals so fractional programs (e.g. 0.5 points per 100 ml)
  never round through float64.

SEE ALSO:
  - policies.go: Built-in calculators
  - planner/coordinator.go: Calls the hook on Complete
*/
package rewards

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Award describes one completed visit.
type Award struct {
	DonorID        string
	VisitID        string
	HealthStatus   string
	Volume         decimal.Decimal
	ContainerCount int
	CompletedAt    time.Time
}

// Calculator returns the points earned for an award. Implementations must
// be side-effect free; the engine may call it again when a completion is
// retried.
type Calculator interface {
	PointsFor(ctx context.Context, a Award) (decimal.Decimal, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(ctx context.Context, a Award) (decimal.Decimal, error)

func (f CalculatorFunc) PointsFor(ctx context.Context, a Award) (decimal.Decimal, error) {
	return f(ctx, a)
}

// None awards nothing.
var None Calculator = CalculatorFunc(func(context.Context, Award) (decimal.Decimal, error) {
	return decimal.Zero, nil
})

// =============================================================================
// ACTIVITIES
// =============================================================================

// Activity is a point-earning event.
type Activity struct {
	ID     string
	Name   string
	Points decimal.Decimal
}

// Common donation activities
var (
	ActivityDonationVisit = Activity{ID: "donation-visit", Name: "Completed Donation Visit", Points: decimal.NewFromInt(10)}
	ActivityContainer     = Activity{ID: "container", Name: "Container Delivered", Points: decimal.NewFromInt(5)}
	ActivityVolumeBonus   = Activity{ID: "volume-100ml", Name: "Per 100 ml Donated", Points: decimal.RequireFromString("0.5")}
)
