package backtest

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/Alias1177/Backtester/internal/config"
	"github.com/Alias1177/Backtester/models"
)

const hourMS = int64(3_600_000)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9
}

func testConfig() Config {
	return Config{
		Risk: config.Risk{
			RiskPerTradeLong:    0.01,
			RiskPerTradeShort:   0.01,
			MaxNotionalPctShort: 0.35,
		},
		V5: config.V5{
			BearADXThreshold:   25,
			EMASlopeLookback:   5,
			ATRInitMult:        2,
			ATRTrailMult:       1,
			TightenMinPnlLong:  0.002,
			TightenMinPnlShort: 0.008,
			TightenMinHoldBars: 16,
			TightenAction:      "tighten_stop",
			TightenTo:          "mid",
		},
		InitialCapital: 10000,
		TradeMode:      "both",
	}
}

// bar builds a signal row with trending ADX, unit ATR and no filter columns.
// Tests override what they exercise.
func bar(t int64, close, high, low float64) models.SignalRow {
	return models.SignalRow{
		Kline:         models.Kline{OpenTime: t, Open: close, High: high, Low: low, Close: close},
		ATR:           1,
		ADX:           20,
		FilterADX:     math.NaN(),
		FilterEMAFast: math.NaN(),
	}
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(testConfig()); err != nil {
		t.Fatalf("New(valid) error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capital", func(c *Config) { c.InitialCapital = 0 }},
		{"negative fee", func(c *Config) { c.FeeRate = -0.001 }},
		{"negative slippage", func(c *Config) { c.SlippageRate = -0.001 }},
		{"unknown trade mode", func(c *Config) { c.TradeMode = "hedge" }},
		{"negative risk fraction", func(c *Config) { c.Risk.RiskPerTradeLong = -0.01 }},
		{"zero slope lookback", func(c *Config) { c.V5.EMASlopeLookback = 0 }},
		{"unknown tighten target", func(c *Config) { c.V5.TightenTo = "entry" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() expected an error")
			}
		})
	}
}

func TestRunEmptyFrame(t *testing.T) {
	eng := mustEngine(t, testConfig())
	res, err := eng.Run(context.Background(), nil)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("Run(empty) error = %v, want ErrNoData", err)
	}
	if res == nil {
		t.Fatal("Run(empty) result is nil")
	}
	if len(res.Trades) != 0 || len(res.Equity) != 0 {
		t.Errorf("Run(empty) produced trades=%d equity=%d", len(res.Trades), len(res.Equity))
	}
	// Every diagnostic key is present even on the error path.
	for _, k := range counterKeys {
		v, ok := res.Counters[k]
		if !ok {
			t.Errorf("counter %q missing", k)
		}
		if v != 0 {
			t.Errorf("counter %q = %d, want 0", k, v)
		}
	}
}

func TestRunFlatWithoutSignals(t *testing.T) {
	frame := []models.SignalRow{
		bar(0, 100, 100.5, 99.5),
		bar(1*hourMS, 100, 100.5, 99.5),
		bar(2*hourMS, 100, 100.5, 99.5),
		bar(3*hourMS, 100, 100.5, 99.5),
		bar(4*hourMS, 100, 100.5, 99.5),
	}
	frame[1].TouchLong = true
	frame[3].TouchLong = true
	frame[2].TouchShort = true

	eng := mustEngine(t, testConfig())
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(res.Trades) != 0 {
		t.Errorf("trades = %d, want 0", len(res.Trades))
	}
	if len(res.Equity) != len(frame) {
		t.Fatalf("equity length = %d, want %d", len(res.Equity), len(frame))
	}
	for i, p := range res.Equity {
		if p.Equity != 10000 {
			t.Errorf("equity[%d] = %v, want 10000", i, p.Equity)
		}
		if p.OpenTime != frame[i].OpenTime {
			t.Errorf("equity[%d] open_time = %d, want %d", i, p.OpenTime, frame[i].OpenTime)
		}
	}

	c := res.Counters
	if c["d_allow_long_bars"] != 5 || c["d_range_blocked_bars"] != 0 {
		t.Errorf("allow/range counters = %d/%d", c["d_allow_long_bars"], c["d_range_blocked_bars"])
	}
	if c["beargate_fail"] != 5 || c["beargate_pass"] != 0 {
		t.Errorf("beargate counters = %d/%d", c["beargate_pass"], c["beargate_fail"])
	}
	if c["h_touch_long_events"] != 2 || c["h_touch_short_events"] != 1 {
		t.Errorf("touch counters = %d/%d", c["h_touch_long_events"], c["h_touch_short_events"])
	}
	if c["entries_total"] != 0 {
		t.Errorf("entries_total = %d, want 0", c["entries_total"])
	}
}

// ADX below the range threshold blocks both sides but still tallies
// candidates, and the bear-gate blocked counter must not move.
func TestRunRangeFilterBlocksEntries(t *testing.T) {
	frame := make([]models.SignalRow, 3)
	for i := range frame {
		frame[i] = bar(int64(i)*hourMS, 100, 101, 99)
		frame[i].ADX = 10
		frame[i].LongSignal = true
		frame[i].ShortSignal = true
	}

	eng := mustEngine(t, testConfig())
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	c := res.Counters
	if c["d_range_blocked_bars"] != 3 || c["d_allow_long_bars"] != 0 {
		t.Errorf("range counters = %d/%d", c["d_range_blocked_bars"], c["d_allow_long_bars"])
	}
	if c["candidates_long"] != 3 || c["candidates_short"] != 3 {
		t.Errorf("candidates = %d/%d", c["candidates_long"], c["candidates_short"])
	}
	if c["entries_total"] != 0 || len(res.Trades) != 0 {
		t.Errorf("entries_total = %d, trades = %d", c["entries_total"], len(res.Trades))
	}
	if c["beargate_short_blocked"] != 0 {
		t.Errorf("beargate_short_blocked = %d, want 0 on range-blocked bars", c["beargate_short_blocked"])
	}
}

// A scripted long entry and stop-out with non-zero costs: slippage shifts
// both fills against the position and fees are charged on entry and exit
// notional.
func TestRunLongStopOutCosts(t *testing.T) {
	cfg := testConfig()
	cfg.FeeRate = 0.0004
	cfg.SlippageRate = 0.0003

	b0 := bar(0, 100, 105, 95)
	b0.ATR = 5
	b0.LongSignal = true
	b1 := bar(hourMS, 96, 97, 94)
	b1.ATR = 5
	frame := []models.SignalRow{b0, b1}

	eng := mustEngine(t, cfg)
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}

	// Entry at close plus slippage; the structural low (95) beats the
	// ATR stop (entry - 2*ATR), so it anchors the stop.
	entry := 100 * (1 + cfg.SlippageRate)
	stop := 95.0
	qty := cfg.InitialCapital * cfg.Risk.RiskPerTradeLong / (entry - stop)
	cash0 := cfg.InitialCapital - entry*qty*cfg.FeeRate
	exit := stop * (1 - cfg.SlippageRate)
	realized := (exit-entry)*qty - exit*qty*cfg.FeeRate

	tr := res.Trades[0]
	if tr.Side != models.Long || tr.EntryTime != 0 || tr.ExitTime != hourMS || tr.HoldBars != 1 {
		t.Errorf("trade = %+v", tr)
	}
	if !almostEqual(tr.EntryPrice, entry) || !almostEqual(tr.ExitPrice, exit) || !almostEqual(tr.Qty, qty) {
		t.Errorf("fills = %v/%v/%v, want %v/%v/%v", tr.EntryPrice, tr.ExitPrice, tr.Qty, entry, exit, qty)
	}
	if !almostEqual(tr.PnL, realized) {
		t.Errorf("pnl = %v, want %v", tr.PnL, realized)
	}
	if tr.Reason != "Stop" || tr.StopType != "loss_stop" {
		t.Errorf("reason/stop_type = %q/%q", tr.Reason, tr.StopType)
	}

	if len(res.Equity) != 2 {
		t.Fatalf("equity length = %d, want 2", len(res.Equity))
	}
	if !almostEqual(res.Equity[0].Equity, cash0+(100-entry)*qty) {
		t.Errorf("equity[0] = %v", res.Equity[0].Equity)
	}
	if !almostEqual(res.Equity[1].Equity, cash0+realized) {
		t.Errorf("equity[1] = %v", res.Equity[1].Equity)
	}

	c := res.Counters
	if c["candidates_long"] != 1 || c["entries_long"] != 1 || c["entries_total"] != 1 {
		t.Errorf("entry counters = %+v", c)
	}
}

// The trail follows the previous bar's close upward and refuses to move the
// stop back down when volatility expands. The exit must fill at the highest
// stop reached, not at a loosened one.
func TestRunTrailingStopNeverLoosens(t *testing.T) {
	cfg := testConfig()
	cfg.V5.ATRInitMult = 10

	b0 := bar(0, 100, 101, 90)
	b0.ATR = 2
	b0.LongSignal = true
	b1 := bar(1*hourMS, 110, 111, 99)
	b1.ATR = 2
	b2 := bar(2*hourMS, 109, 112, 108.5)
	b2.ATR = 30 // wide bar: next trail candidate would loosen the stop
	b3 := bar(3*hourMS, 105, 110, 100)
	frame := []models.SignalRow{b0, b1, b2, b3}

	eng := mustEngine(t, cfg)
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}

	// Stop path: 90 (entry) -> 98 -> 108; bar 3's candidate 109-30=79 is
	// rejected, so the fill happens at 108.
	tr := res.Trades[0]
	if !almostEqual(tr.ExitPrice, 108) {
		t.Errorf("exit price = %v, want 108", tr.ExitPrice)
	}
	if tr.Reason != "TrailStop" || tr.StopType != "profit_stop" {
		t.Errorf("reason/stop_type = %q/%q", tr.Reason, tr.StopType)
	}
	if tr.HoldBars != 3 {
		t.Errorf("hold bars = %d, want 3", tr.HoldBars)
	}

	want := []float64{10000, 10100, 10090, 10080}
	if len(res.Equity) != len(want) {
		t.Fatalf("equity length = %d, want %d", len(res.Equity), len(want))
	}
	for i, w := range want {
		if !almostEqual(res.Equity[i].Equity, w) {
			t.Errorf("equity[%d] = %v, want %v", i, res.Equity[i].Equity, w)
		}
	}
}

// A tightened stop is staged on the trigger bar and only becomes active at
// the start of the next bar: the trigger bar's low may already be under the
// new stop without causing an exit.
func TestRunTightenStagesPendingStop(t *testing.T) {
	cfg := testConfig()
	cfg.V5.ATRInitMult = 10
	cfg.V5.TightenMinHoldBars = 1
	cfg.V5.TightenMinPnlLong = 0.001

	b0 := bar(0, 100, 101, 90)
	b0.BollMid = 100
	b0.LongSignal = true
	b1 := bar(1*hourMS, 104, 105, 103)
	b1.BollMid = 105 // close crosses under the mid band
	b2 := bar(2*hourMS, 104.5, 106, 104)
	b2.BollMid = 105
	frame := []models.SignalRow{b0, b1, b2}

	eng := mustEngine(t, cfg)
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}

	// Bar 1 stages stop 105 while the active stop is still the 99 trail;
	// its low of 103 must not exit. Bar 2 commits 105 and fills there.
	tr := res.Trades[0]
	if tr.ExitTime != 2*hourMS {
		t.Errorf("exit time = %d, want %d", tr.ExitTime, 2*hourMS)
	}
	if !almostEqual(tr.ExitPrice, 105) {
		t.Errorf("exit price = %v, want 105", tr.ExitPrice)
	}
	if tr.HoldBars != 2 {
		t.Errorf("hold bars = %d, want 2", tr.HoldBars)
	}
	if tr.Reason != "TrailStop" || tr.StopType != "profit_stop" {
		t.Errorf("reason/stop_type = %q/%q", tr.Reason, tr.StopType)
	}

	c := res.Counters
	if c["tp2_invalid_tighten_count"] != 1 {
		t.Errorf("tighten count = %d, want 1", c["tp2_invalid_tighten_count"])
	}
	if c["tp2_invalid_triggered_exit_count"] != 1 {
		t.Errorf("triggered exit count = %d, want 1", c["tp2_invalid_triggered_exit_count"])
	}
	if c["tp2_invalid_blocked_by_loss"]+c["tp2_invalid_blocked_by_hold"]+c["tp2_invalid_blocked_by_profit_gate"] != 0 {
		t.Errorf("blocked counters moved: %+v", c)
	}

	want := []float64{10000, 10040, 10050}
	for i, w := range want {
		if !almostEqual(res.Equity[i].Equity, w) {
			t.Errorf("equity[%d] = %v, want %v", i, res.Equity[i].Equity, w)
		}
	}
}

// Each refused tighten increments exactly the counter of the gate that
// blocked it, and no stop is staged.
func TestRunTightenGateCounters(t *testing.T) {
	cfg := testConfig()
	cfg.V5.ATRInitMult = 10
	cfg.V5.ATRTrailMult = 5 // keep the trail far below the lows

	mk := func(i int, close, low, mid float64) models.SignalRow {
		b := bar(int64(i)*hourMS, close, close+1, low)
		b.BollMid = mid
		return b
	}
	b0 := mk(0, 100, 95, 100)
	b0.LongSignal = true
	frame := []models.SignalRow{
		b0,
		mk(1, 99, 98, 100),          // cross down at a loss
		mk(2, 100.1, 99.1, 100),     // recover above the mid band
		mk(3, 100.15, 99.15, 100.2), // cross down, profit under the gate
		mk(4, 100.2, 99.2, 100),     // recover again
		mk(5, 102, 101, 103),        // cross down, profitable but held too short
	}

	eng := mustEngine(t, cfg)
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	c := res.Counters
	if c["tp2_invalid_blocked_by_loss"] != 1 {
		t.Errorf("blocked_by_loss = %d, want 1", c["tp2_invalid_blocked_by_loss"])
	}
	if c["tp2_invalid_blocked_by_profit_gate"] != 1 {
		t.Errorf("blocked_by_profit_gate = %d, want 1", c["tp2_invalid_blocked_by_profit_gate"])
	}
	if c["tp2_invalid_blocked_by_hold"] != 1 {
		t.Errorf("blocked_by_hold = %d, want 1", c["tp2_invalid_blocked_by_hold"])
	}
	if c["tp2_invalid_tighten_count"] != 0 {
		t.Errorf("tighten count = %d, want 0", c["tp2_invalid_tighten_count"])
	}

	// Nothing exited: the position rides through to the end of the frame.
	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	last := res.Equity[len(res.Equity)-1].Equity
	if !almostEqual(last, 10040) { // qty 20, close 102 vs entry 100
		t.Errorf("final equity = %v, want 10040", last)
	}
}

// Shorts without a confirmed bear regime are refused even when everything
// else lines up; longs on the same frame are unaffected.
func TestRunBearGateBlocksShorts(t *testing.T) {
	mk := func(i int) models.SignalRow {
		b := bar(int64(i)*hourMS, 100, 101, 99)
		b.FilterADX = 10 // below the bear threshold
		b.FilterEMAFast = 1
		return b
	}
	b0 := mk(0)
	b1 := mk(1)
	b1.ShortSignal = true
	b2 := mk(2)
	b2.LongSignal = true
	frame := []models.SignalRow{b0, b1, b2}

	eng := mustEngine(t, testConfig())
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	c := res.Counters
	if c["entries_short"] != 0 {
		t.Errorf("entries_short = %d, want 0", c["entries_short"])
	}
	if c["candidates_short"] != 1 || c["beargate_short_blocked"] != 1 {
		t.Errorf("short candidates/blocked = %d/%d", c["candidates_short"], c["beargate_short_blocked"])
	}
	if c["entries_long"] != 1 || c["entries_total"] != 1 {
		t.Errorf("entries long/total = %d/%d", c["entries_long"], c["entries_total"])
	}
	if c["beargate_pass"] != 0 || c["beargate_fail"] != 3 {
		t.Errorf("beargate pass/fail = %d/%d", c["beargate_pass"], c["beargate_fail"])
	}
	if c["d_allow_short_bars"] != 0 {
		t.Errorf("d_allow_short_bars = %d, want 0", c["d_allow_short_bars"])
	}
}

// A falling higher-timeframe EMA with strong filter ADX opens the gate; the
// short is sized against the structural high and capped by notional.
func TestRunShortEntryThroughBearGate(t *testing.T) {
	cfg := testConfig()
	cfg.V5.EMASlopeLookback = 1

	mk := func(i int, close, high, low, filterEMA float64) models.SignalRow {
		b := bar(int64(i)*hourMS, close, high, low)
		b.FilterADX = 30
		b.FilterEMAFast = filterEMA
		return b
	}
	b0 := mk(0, 100, 101, 99, 10)
	b1 := mk(1, 100, 101, 99, 9)
	b1.ShortSignal = true
	b2 := mk(2, 101.2, 101.5, 100.8, 8)
	frame := []models.SignalRow{b0, b1, b2}

	eng := mustEngine(t, cfg)
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}

	// Stop at the 5-bar high (101, tighter than entry+2*ATR); risk sizing
	// wants 100 but the 35% notional cap holds it to 35.
	tr := res.Trades[0]
	if tr.Side != models.Short {
		t.Fatalf("side = %q, want SHORT", tr.Side)
	}
	if !almostEqual(tr.EntryPrice, 100) || !almostEqual(tr.ExitPrice, 101) {
		t.Errorf("entry/exit = %v/%v, want 100/101", tr.EntryPrice, tr.ExitPrice)
	}
	if !almostEqual(tr.Qty, 35) {
		t.Errorf("qty = %v, want 35 (notional cap)", tr.Qty)
	}
	if !almostEqual(tr.PnL, -35) {
		t.Errorf("pnl = %v, want -35", tr.PnL)
	}
	if tr.Reason != "Stop" || tr.StopType != "loss_stop" {
		t.Errorf("reason/stop_type = %q/%q", tr.Reason, tr.StopType)
	}

	c := res.Counters
	if c["entries_short"] != 1 || c["beargate_short_blocked"] != 0 {
		t.Errorf("short entry counters = %+v", c)
	}
	if c["beargate_pass"] != 2 || c["d_allow_short_bars"] != 2 {
		t.Errorf("beargate_pass/d_allow_short_bars = %d/%d", c["beargate_pass"], c["d_allow_short_bars"])
	}

	want := []float64{10000, 10000, 9965}
	for i, w := range want {
		if !almostEqual(res.Equity[i].Equity, w) {
			t.Errorf("equity[%d] = %v, want %v", i, res.Equity[i].Equity, w)
		}
	}
}

// When both signals fire on one bar the long fills first and the short
// branch is never evaluated, so not even its candidate tally moves.
func TestRunLongEntrySuppressesShort(t *testing.T) {
	b0 := bar(0, 100, 101, 99)
	b0.LongSignal = true
	b0.ShortSignal = true
	b1 := bar(hourMS, 100.5, 101, 99.5)
	frame := []models.SignalRow{b0, b1}

	eng := mustEngine(t, testConfig())
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	c := res.Counters
	if c["candidates_long"] != 1 || c["entries_long"] != 1 {
		t.Errorf("long counters = %d/%d", c["candidates_long"], c["entries_long"])
	}
	if c["candidates_short"] != 0 || c["entries_short"] != 0 {
		t.Errorf("short counters = %d/%d", c["candidates_short"], c["entries_short"])
	}
	if c["entries_total"] != 1 {
		t.Errorf("entries_total = %d, want 1", c["entries_total"])
	}
}

func TestRunTradeModes(t *testing.T) {
	frame := make([]models.SignalRow, 2)
	for i := range frame {
		frame[i] = bar(int64(i)*hourMS, 100, 101, 99)
		frame[i].LongSignal = true
	}

	cfg := testConfig()
	cfg.TradeMode = "short_only"
	eng := mustEngine(t, cfg)
	res, err := eng.Run(context.Background(), frame)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Candidates are tallied, the entry is refused by mode.
	if res.Counters["candidates_long"] != 2 || res.Counters["entries_long"] != 0 {
		t.Errorf("short_only counters = %+v", res.Counters)
	}
}

// Cancelling mid-run stops the loop between bars and hands back the partial
// curve as a normal result.
func TestRunCancellationReturnsPartial(t *testing.T) {
	frame := make([]models.SignalRow, 10)
	for i := range frame {
		frame[i] = bar(int64(i)*hourMS, 100, 100.5, 99.5)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := mustEngine(t, testConfig())
	eng.OnProgress = func(done, total int) {
		if done == 3 {
			cancel()
		}
	}
	res, err := eng.Run(ctx, frame)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil on cancellation", err)
	}
	if len(res.Equity) != 3 {
		t.Fatalf("equity length = %d, want 3", len(res.Equity))
	}
	if res.Counters["d_allow_long_bars"] != 3 {
		t.Errorf("d_allow_long_bars = %d, want 3", res.Counters["d_allow_long_bars"])
	}
}
