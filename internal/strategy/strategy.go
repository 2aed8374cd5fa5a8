// Package strategy implements the v5 rule set: indicator frame preparation,
// entry predicates, position sizing and the stop-tighten decision.
package strategy

import "math"

// Tighten decision reasons. The engine keys blocked counters off these.
const (
	ReasonLoss       = "loss"
	ReasonProfitGate = "profit_gate"
	ReasonHoldGate   = "hold_gate"
	ReasonAllow      = "allow"
)

// PositionSize converts equity at risk into a quantity from the distance to
// the stop. maxNotionalPct, when non-nil, caps the position's notional at
// that fraction of equity. Degenerate inputs (non-positive entry, zero stop
// distance) size to zero rather than erroring.
func PositionSize(equity, riskPct, entryPrice, stopPrice float64, maxNotionalPct *float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	stopDistance := math.Abs(entryPrice - stopPrice)
	if stopDistance <= 0 {
		return 0
	}
	qty := equity * riskPct / stopDistance
	if maxNotionalPct != nil {
		maxQty := equity * *maxNotionalPct / entryPrice
		qty = math.Min(qty, maxQty)
	}
	return math.Max(qty, 0)
}

// ShouldTighten decides whether an open position's stop may be tightened.
// The check order is fixed: losing positions are refused outright, then the
// profit gate, then the hold gate; each refusal reports which gate blocked.
func ShouldTighten(pnlPct float64, holdBars int, minPnlPct float64, minHoldBars int) (bool, string) {
	if pnlPct <= 0 {
		return false, ReasonLoss
	}
	if pnlPct < minPnlPct {
		return false, ReasonProfitGate
	}
	if holdBars < minHoldBars {
		return false, ReasonHoldGate
	}
	return true, ReasonAllow
}
