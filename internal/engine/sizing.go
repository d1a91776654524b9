package engine

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrQtyBelowMinimum means the risk budget buys less than the
	// exchange's minimum order size. The trade is skipped, not rounded up.
	ErrQtyBelowMinimum = errors.New("position size below exchange minimum")

	// ErrNoRiskDistance means entry and stop coincide, which would make
	// the size division blow up.
	ErrNoRiskDistance = errors.New("entry and stop price coincide")
)

// balanceCapFraction bounds the risk budget so a fat-fingered risk
// percentage can never bet more than the account holds.
const balanceCapFraction = 0.95

// positionSize converts a risk budget into an order quantity. The
// budget is balance*riskPct scaled by the signal's conviction
// multiplier, capped at 95% of the balance. The quantity is floored to
// the exchange step size using decimal arithmetic; float math would
// occasionally round 0.1 up past the step boundary.
func positionSize(balance, riskPct, convictionMult, entry, stop, step, minQty float64) (float64, error) {
	dist := math.Abs(entry - stop)
	if dist <= 0 {
		return 0, ErrNoRiskDistance
	}
	riskAmount := balance * riskPct * convictionMult
	if maxRisk := balance * balanceCapFraction; riskAmount > maxRisk {
		riskAmount = maxRisk
	}
	qty := riskAmount / dist
	qty = floorToStep(qty, step)
	if qty < minQty || qty <= 0 {
		return 0, ErrQtyBelowMinimum
	}
	return qty, nil
}

// floorToStep rounds qty down to a multiple of step.
func floorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}
