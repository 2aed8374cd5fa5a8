package models

// Side of a simulated position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT, the multiplier that turns a
// price move into signed pnl for the side.
func (s Side) Sign() float64 {
	if s == Long {
		return 1
	}
	return -1
}

// Favorable reports whether candidate is a better protective stop than
// current for this side (higher for LONG, lower for SHORT).
func (s Side) Favorable(candidate, current float64) bool {
	if s == Long {
		return candidate > current
	}
	return candidate < current
}

// Kline is one OHLCV bar as fetched from the exchange and stored in the
// local cache.
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// SignalRow is one bar of the signal frame consumed by the engine: raw OHLCV
// plus indicator columns and entry predicates. Indicator fields hold NaN
// while their window warms up; frames are trimmed of NaN rows before
// simulation.
type SignalRow struct {
	Kline

	RSI       float64
	MACD      float64
	MACDSig   float64
	MACDHist  float64
	BollMid   float64
	BollUpper float64
	BollLower float64
	EMAFast   float64
	EMASlow   float64
	ADX       float64
	ATR       float64

	LongSignal  bool
	ShortSignal bool
	TouchLong   bool
	TouchShort  bool

	// Higher-timeframe columns merged as-of backward. NaN when the frame
	// was built without a filter timeframe.
	FilterADX     float64
	FilterEMAFast float64
}

// Trade is one closed position, immutable once recorded. The reason label is
// "TrailStop" when realized pnl was positive and "Stop" otherwise; stop_type
// carries the same sign as profit_stop/loss_stop.
type Trade struct {
	EntryTime  int64   `json:"entry_time"`
	ExitTime   int64   `json:"exit_time"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Qty        float64 `json:"qty"`
	PnL        float64 `json:"pnl"`
	Reason     string  `json:"reason"`
	StopType   string  `json:"stop_type"`
	HoldBars   int     `json:"hold_bars"`
}

// EquityPoint is one mark of the equity curve, one per simulated bar.
type EquityPoint struct {
	OpenTime int64   `json:"open_time"`
	Equity   float64 `json:"equity"`
}
