// Package backtest runs the bar-by-bar simulation: it walks a prepared
// signal frame in time order, keeps at most one open position, applies the
// entry, trailing-stop, tighten and exit rules, and produces trades, an
// equity curve and diagnostic counters.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Alias1177/Backtester/internal/config"
	"github.com/Alias1177/Backtester/internal/strategy"
	"github.com/Alias1177/Backtester/models"
)

// ErrNoData reports an empty signal frame: nothing survived warm-up
// trimming, so there is nothing to simulate.
var ErrNoData = errors.New("no data to simulate")

// Bars with execution ADX below this are treated as range-bound and blocked
// from opening positions.
const rangeADXThreshold = 15

// Config carries everything one simulation run needs. Values are validated
// once in New; the run loop itself has no error paths.
type Config struct {
	Risk           config.Risk
	V5             config.V5
	FeeRate        float64
	SlippageRate   float64
	InitialCapital float64
	TradeMode      string // both | long_only | short_only
}

// ConfigFromStrategy maps a loaded strategy file onto an engine Config.
func ConfigFromStrategy(s config.Strategy) Config {
	return Config{
		Risk:           s.Risk,
		V5:             s.V5,
		FeeRate:        s.FeeRate,
		SlippageRate:   s.SlippageRate,
		InitialCapital: s.InitialCapital,
		TradeMode:      s.TradeMode,
	}
}

// Engine is a single-run simulator. Each run owns its state; concurrent
// backtests need separate Engine values.
type Engine struct {
	cfg Config

	// OnProgress, when set, is called after every simulated bar with
	// (bars processed, total bars). It must be cheap; the loop does not
	// run it on another goroutine.
	OnProgress func(done, total int)
}

// New validates the configuration and returns an engine ready to run.
func New(cfg Config) (*Engine, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("backtest config: initial capital must be positive")
	}
	if cfg.FeeRate < 0 || cfg.SlippageRate < 0 {
		return nil, fmt.Errorf("backtest config: fee and slippage rates must be non-negative")
	}
	switch cfg.TradeMode {
	case "both", "long_only", "short_only":
	default:
		return nil, fmt.Errorf("backtest config: unknown trade_mode %q", cfg.TradeMode)
	}
	if cfg.Risk.RiskPerTradeLong < 0 || cfg.Risk.RiskPerTradeShort < 0 || cfg.Risk.MaxNotionalPctShort < 0 {
		return nil, fmt.Errorf("backtest config: risk fractions must be non-negative")
	}
	if cfg.V5.EMASlopeLookback <= 0 {
		return nil, fmt.Errorf("backtest config: ema_slope_lookback must be positive")
	}
	switch cfg.V5.TightenTo {
	case "mid", "atr_trail":
	default:
		return nil, fmt.Errorf("backtest config: unknown tighten_to %q", cfg.V5.TightenTo)
	}
	return &Engine{cfg: cfg}, nil
}

// Result of one run. Equity has one point per processed bar; Counters holds
// every diagnostic tally, all keys present even when zero.
type Result struct {
	Trades   []models.Trade
	Equity   []models.EquityPoint
	Counters map[string]int
}

// position is the single in-flight position. The stop is a two-slot value:
// stopPrice is active now, pendingStop (when staged by the tighten rule)
// replaces it at the start of the next bar.
type position struct {
	side        models.Side
	entryPrice  float64
	qty         float64
	stopPrice   float64
	entryTime   int64
	holdBars    int
	tightened   bool
	pendingStop float64
	hasPending  bool
}

var counterKeys = []string{
	"d_allow_long_bars",
	"d_allow_short_bars",
	"d_range_blocked_bars",
	"h_touch_long_events",
	"h_touch_short_events",
	"entries_long",
	"entries_short",
	"entries_total",
	"candidates_long",
	"candidates_short",
	"tp2_invalid_blocked_by_loss",
	"tp2_invalid_blocked_by_hold",
	"tp2_invalid_blocked_by_profit_gate",
	"tp2_invalid_tighten_count",
	"tp2_invalid_triggered_exit_count",
	"beargate_pass",
	"beargate_fail",
	"beargate_short_blocked",
}

func newCounters() map[string]int {
	c := make(map[string]int, len(counterKeys))
	for _, k := range counterKeys {
		c[k] = 0
	}
	return c
}

// Run simulates the frame bar by bar. The context is polled once at the top
// of each bar; cancellation stops the loop and returns what accumulated so
// far as a normal partial result, not an error. The only error is ErrNoData
// for an empty frame.
func (e *Engine) Run(ctx context.Context, frame []models.SignalRow) (*Result, error) {
	res := &Result{Counters: newCounters()}
	if len(frame) == 0 {
		return res, ErrNoData
	}

	v5 := e.cfg.V5
	allowLong := e.cfg.TradeMode == "both" || e.cfg.TradeMode == "long_only"
	allowShort := e.cfg.TradeMode == "both" || e.cfg.TradeMode == "short_only"

	rangeBlocked, bearPass := e.precompute(frame)

	counters := res.Counters
	cash := e.cfg.InitialCapital
	var pos *position

	total := len(frame)
	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			break
		}
		row := frame[i]
		var prev *models.SignalRow
		if i > 0 {
			prev = &frame[i-1]
		}

		// Diagnostics, independent of position state.
		if rangeBlocked[i] {
			counters["d_range_blocked_bars"]++
		} else {
			counters["d_allow_long_bars"]++
			if bearPass[i] {
				counters["d_allow_short_bars"]++
			}
		}
		if row.TouchLong {
			counters["h_touch_long_events"]++
		}
		if row.TouchShort {
			counters["h_touch_short_events"]++
		}
		if bearPass[i] {
			counters["beargate_pass"]++
		} else {
			counters["beargate_fail"]++
		}

		// Position bookkeeping: age it, commit the stop staged last bar,
		// then trail from the previous bar's close and ATR. The trail only
		// ever moves the stop in the position's favor.
		if pos != nil {
			pos.holdBars++
			if pos.hasPending {
				pos.stopPrice = pos.pendingStop
				pos.hasPending = false
			}
			if prev != nil && !math.IsNaN(prev.ATR) {
				trail := prev.Close - pos.side.Sign()*prev.ATR*v5.ATRTrailMult
				if pos.side.Favorable(trail, pos.stopPrice) {
					pos.stopPrice = trail
				}
			}

			if hit, exitPrice := e.stopHit(pos, row); hit {
				pnl := pos.side.Sign() * (exitPrice - pos.entryPrice) * pos.qty
				fee := exitPrice * pos.qty * e.cfg.FeeRate
				realized := pnl - fee
				cash += realized

				reason, stopType := "Stop", "loss_stop"
				if realized > 0 {
					reason, stopType = "TrailStop", "profit_stop"
				}
				res.Trades = append(res.Trades, models.Trade{
					EntryTime:  pos.entryTime,
					ExitTime:   row.OpenTime,
					Side:       pos.side,
					EntryPrice: pos.entryPrice,
					ExitPrice:  exitPrice,
					Qty:        pos.qty,
					PnL:        realized,
					Reason:     reason,
					StopType:   stopType,
					HoldBars:   pos.holdBars,
				})
				if pos.tightened {
					counters["tp2_invalid_triggered_exit_count"]++
				}
				pos = nil
			}
		}

		// Entries. Long is attempted first; a filled long suppresses the
		// short check for this bar entirely.
		if pos == nil && row.LongSignal {
			counters["candidates_long"]++
			if allowLong && !rangeBlocked[i] {
				entryPrice := row.Close * (1 + e.cfg.SlippageRate)
				atrStop := entryPrice - row.ATR*v5.ATRInitMult
				stopPrice := math.Max(atrStop, lowestLow(frame, i))
				qty := strategy.PositionSize(cash, e.cfg.Risk.RiskPerTradeLong, entryPrice, stopPrice, nil)
				if qty > 0 {
					cash -= entryPrice * qty * e.cfg.FeeRate
					pos = &position{
						side:       models.Long,
						entryPrice: entryPrice,
						qty:        qty,
						stopPrice:  stopPrice,
						entryTime:  row.OpenTime,
					}
					counters["entries_long"]++
					counters["entries_total"]++
				}
			}
		}
		if pos == nil && row.ShortSignal {
			counters["candidates_short"]++
			if allowShort && !rangeBlocked[i] {
				if !bearPass[i] {
					counters["beargate_short_blocked"]++
				} else {
					entryPrice := row.Close * (1 - e.cfg.SlippageRate)
					atrStop := entryPrice + row.ATR*v5.ATRInitMult
					stopPrice := math.Min(atrStop, highestHigh(frame, i))
					maxNotional := e.cfg.Risk.MaxNotionalPctShort
					qty := strategy.PositionSize(cash, e.cfg.Risk.RiskPerTradeShort, entryPrice, stopPrice, &maxNotional)
					if qty > 0 {
						cash -= entryPrice * qty * e.cfg.FeeRate
						pos = &position{
							side:       models.Short,
							entryPrice: entryPrice,
							qty:        qty,
							stopPrice:  stopPrice,
							entryTime:  row.OpenTime,
						}
						counters["entries_short"]++
						counters["entries_total"]++
					}
				}
			}
		}

		// Tighten check: on a close crossing the mid band against the
		// position, gate on pnl and hold time, then stage the tightened
		// stop for the next bar.
		if pos != nil && i > 0 {
			pnlPct := pos.side.Sign() * (row.Close - pos.entryPrice) / pos.entryPrice

			var trigger bool
			if pos.side == models.Long {
				trigger = row.Close < row.BollMid && prev.Close >= prev.BollMid
			} else {
				trigger = row.Close > row.BollMid && prev.Close <= prev.BollMid
			}

			if trigger {
				minPnl := v5.TightenMinPnlLong
				if pos.side == models.Short {
					minPnl = v5.TightenMinPnlShort
				}
				allow, reason := strategy.ShouldTighten(pnlPct, pos.holdBars, minPnl, v5.TightenMinHoldBars)
				switch {
				case !allow && reason == strategy.ReasonLoss:
					counters["tp2_invalid_blocked_by_loss"]++
				case !allow && reason == strategy.ReasonHoldGate:
					counters["tp2_invalid_blocked_by_hold"]++
				case !allow:
					counters["tp2_invalid_blocked_by_profit_gate"]++
				case v5.TightenAction == "" || v5.TightenAction == "tighten_stop":
					candidate := row.BollMid
					if v5.TightenTo == "atr_trail" {
						candidate = prev.Close - pos.side.Sign()*prev.ATR*v5.ATRTrailMult
					}
					newStop := pos.stopPrice
					if pos.side.Favorable(candidate, pos.stopPrice) {
						newStop = candidate
					}
					pos.pendingStop = newStop
					pos.hasPending = true
					pos.tightened = true
					counters["tp2_invalid_tighten_count"]++
				}
			}
		}

		// Equity mark, one point per bar no matter what happened above.
		equity := cash
		if pos != nil {
			equity += pos.side.Sign() * (row.Close - pos.entryPrice) * pos.qty
		}
		res.Equity = append(res.Equity, models.EquityPoint{OpenTime: row.OpenTime, Equity: equity})

		if e.OnProgress != nil {
			e.OnProgress(i+1, total)
		}
	}

	return res, nil
}

// precompute derives the per-bar range filter and bear gate once. The bear
// gate needs the higher-timeframe columns; a frame built without them fails
// the gate on every bar.
func (e *Engine) precompute(frame []models.SignalRow) (rangeBlocked, bearPass []bool) {
	rangeBlocked = make([]bool, len(frame))
	bearPass = make([]bool, len(frame))
	hasFilter := !math.IsNaN(frame[0].FilterADX) && !math.IsNaN(frame[0].FilterEMAFast)
	lookback := e.cfg.V5.EMASlopeLookback
	for i, row := range frame {
		rangeBlocked[i] = row.ADX < rangeADXThreshold
		if hasFilter && i >= lookback {
			slope := row.FilterEMAFast - frame[i-lookback].FilterEMAFast
			bearPass[i] = row.FilterADX >= e.cfg.V5.BearADXThreshold && slope < 0
		}
	}
	return rangeBlocked, bearPass
}

// stopHit reports whether this bar breached the protective stop and the
// fill price with slippage applied against the position.
func (e *Engine) stopHit(pos *position, row models.SignalRow) (bool, float64) {
	if pos.side == models.Long && row.Low <= pos.stopPrice {
		return true, pos.stopPrice * (1 - e.cfg.SlippageRate)
	}
	if pos.side == models.Short && row.High >= pos.stopPrice {
		return true, pos.stopPrice * (1 + e.cfg.SlippageRate)
	}
	return false, 0
}

// lowestLow is the structural stop anchor for longs: the lowest low of the
// last five bars ending at i.
func lowestLow(frame []models.SignalRow, i int) float64 {
	lo := frame[i].Low
	for j := max(0, i-4); j < i; j++ {
		if frame[j].Low < lo {
			lo = frame[j].Low
		}
	}
	return lo
}

// highestHigh mirrors lowestLow for shorts.
func highestHigh(frame []models.SignalRow, i int) float64 {
	hi := frame[i].High
	for j := max(0, i-4); j < i; j++ {
		if frame[j].High > hi {
			hi = frame[j].High
		}
	}
	return hi
}
