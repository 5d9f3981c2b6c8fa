package rewards

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FLAT RATE
// =============================================================================

// FlatRate pays a fixed amount per visit, per container and per 100 ml.
// Visits whose health status is in Ineligible earn nothing.
type FlatRate struct {
	PerVisit     decimal.Decimal
	PerContainer decimal.Decimal
	Per100ml     decimal.Decimal
	Ineligible   []string
}

var _ Calculator = (*FlatRate)(nil)

var hundred = decimal.NewFromInt(100)

// DefaultFlatRate builds the rate from the built-in activities.
func DefaultFlatRate() *FlatRate {
	return &FlatRate{
		PerVisit:     ActivityDonationVisit.Points,
		PerContainer: ActivityContainer.Points,
		Per100ml:     ActivityVolumeBonus.Points,
		Ineligible:   []string{"deferred", "rejected"},
	}
}

func (r *FlatRate) PointsFor(_ context.Context, a Award) (decimal.Decimal, error) {
	if a.ContainerCount < 0 {
		return decimal.Zero, fmt.Errorf("container count %d is negative", a.ContainerCount)
	}
	if a.Volume.IsNegative() {
		return decimal.Zero, fmt.Errorf("volume %s is negative", a.Volume)
	}
	for _, s := range r.Ineligible {
		if strings.EqualFold(s, a.HealthStatus) {
			return decimal.Zero, nil
		}
	}

	points := r.PerVisit.
		Add(r.PerContainer.Mul(decimal.NewFromInt(int64(a.ContainerCount)))).
		Add(r.Per100ml.Mul(a.Volume.Div(hundred).Floor()))
	return points, nil
}
