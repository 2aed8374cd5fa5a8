package strategy

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9
}

func TestPositionSize(t *testing.T) {
	tightCap := 0.05
	looseCap := 0.5
	tests := []struct {
		name           string
		equity         float64
		riskPct        float64
		entry          float64
		stop           float64
		maxNotionalPct *float64
		want           float64
	}{
		// 100 at risk over a 10-wide stop.
		{"plain risk sizing", 10000, 0.01, 100, 90, nil, 10},
		{"stop above entry sizes the same", 10000, 0.01, 100, 110, nil, 10},
		// notional cap: 10000 * 0.05 / 100 = 5 beats the risk-derived 10
		{"notional cap binds", 10000, 0.01, 100, 90, &tightCap, 5},
		{"notional cap above risk size is inert", 10000, 0.01, 100, 90, &looseCap, 10},
		{"zero stop distance", 10000, 0.01, 100, 100, nil, 0},
		{"non-positive entry", 10000, 0.01, 0, 90, nil, 0},
		{"negative equity sizes to zero", -5000, 0.01, 100, 90, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PositionSize(tt.equity, tt.riskPct, tt.entry, tt.stop, tt.maxNotionalPct)
			if !almostEqual(got, tt.want) {
				t.Errorf("PositionSize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldTighten(t *testing.T) {
	const (
		minPnl  = 0.002
		minHold = 16
	)
	tests := []struct {
		name     string
		pnlPct   float64
		holdBars int
		allow    bool
		reason   string
	}{
		{"losing position refused", -0.01, 20, false, ReasonLoss},
		{"breakeven counts as a loss", 0, 20, false, ReasonLoss},
		{"profit below gate", 0.001, 20, false, ReasonProfitGate},
		{"profit exactly at gate passes", 0.002, 20, true, ReasonAllow},
		{"held too short", 0.01, 10, false, ReasonHoldGate},
		{"hold exactly at gate passes", 0.01, 16, true, ReasonAllow},
		{"all gates pass", 0.01, 20, true, ReasonAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allow, reason := ShouldTighten(tt.pnlPct, tt.holdBars, minPnl, minHold)
			if allow != tt.allow || reason != tt.reason {
				t.Errorf("ShouldTighten(%v, %d) = (%v, %q), want (%v, %q)",
					tt.pnlPct, tt.holdBars, allow, reason, tt.allow, tt.reason)
			}
		})
	}
}

// The loss check outranks the profit gate: a losing position with a
// satisfied hold gate still reports "loss", not "profit_gate".
func TestShouldTightenGateOrder(t *testing.T) {
	if _, reason := ShouldTighten(-0.5, 100, 0.002, 16); reason != ReasonLoss {
		t.Errorf("reason = %q, want %q", reason, ReasonLoss)
	}
	if _, reason := ShouldTighten(0.001, 1, 0.002, 16); reason != ReasonProfitGate {
		t.Errorf("reason = %q, want %q", reason, ReasonProfitGate)
	}
}
