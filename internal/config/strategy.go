package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Strategy is the run configuration loaded from a JSON file. The group
// layout matches the exported run artifacts: top-level execution settings,
// a risk group, the v5 parameter group and the live-trading group.
type Strategy struct {
	Symbol         string  `json:"symbol"`
	ExecTF         string  `json:"exec_tf"`
	FilterTF       string  `json:"filter_tf"`
	TradeMode      string  `json:"trade_mode"` // both | long_only | short_only
	StartDate      string  `json:"start_date,omitempty"`
	EndDate        string  `json:"end_date,omitempty"`
	InitialCapital float64 `json:"initial_capital"`
	FeeRate        float64 `json:"fee_rate"`
	SlippageRate   float64 `json:"slippage_rate"`
	Risk           Risk    `json:"risk"`
	V5             V5      `json:"v5"`
	Live           Live    `json:"live"`
}

// Risk holds position-sizing fractions.
type Risk struct {
	RiskPerTradeLong    float64 `json:"risk_per_trade_long"`
	RiskPerTradeShort   float64 `json:"risk_per_trade_short"`
	MaxNotionalPctShort float64 `json:"max_notional_pct_short"`
}

// V5 holds the strategy parameter group: indicator lengths, the bear gate,
// stop placement multipliers and the tighten rule.
type V5 struct {
	RSILength           int     `json:"rsi_length"`
	MACDFast            int     `json:"macd_fast"`
	MACDSlow            int     `json:"macd_slow"`
	MACDSignal          int     `json:"macd_signal"`
	BollLength          int     `json:"boll_length"`
	BollStd             float64 `json:"boll_std"`
	EMAFast             int     `json:"ema_fast"`
	EMASlow             int     `json:"ema_slow"`
	ADXLength           int     `json:"adx_length"`
	BearADXThreshold    float64 `json:"bear_adx_threshold"`
	EMASlopeLookback    int     `json:"ema_slope_lookback"`
	ATRLength           int     `json:"atr_length"`
	ATRInitMult         float64 `json:"atr_init_mult"`
	ATRTrailMult        float64 `json:"atr_trail_mult"`
	TightenMinPnlLong   float64 `json:"tp2_invalid_min_pnl_pct_long"`
	TightenMinPnlShort  float64 `json:"tp2_invalid_min_pnl_pct_short"`
	TightenMinHoldBars  int     `json:"tp2_invalid_min_hold_bars"`
	TightenAction       string  `json:"tp2_invalid_action"` // tighten_stop
	TightenTo           string  `json:"tighten_to"`         // mid | atr_trail
}

// Live holds the live-trading loop settings.
type Live struct {
	Mode                string  `json:"mode"` // DRY-RUN | LIVE
	Environment         string  `json:"environment"`
	PollSeconds         int     `json:"poll_seconds"`
	MaxNotionalUSDT     float64 `json:"max_notional_usdt"`
	MaxPositionUSDT     float64 `json:"max_position_usdt"`
	CooldownSeconds     int     `json:"cooldown_seconds"`
	KillSwitchMaxErrors int     `json:"kill_switch_max_errors"`
}

// DefaultStrategy returns the baseline configuration used when no file is
// supplied.
func DefaultStrategy() Strategy {
	return Strategy{
		Symbol:         "BTCUSDT",
		ExecTF:         "4h",
		FilterTF:       "1d",
		TradeMode:      "both",
		InitialCapital: 10000,
		FeeRate:        0.0004,
		SlippageRate:   0.0003,
		Risk: Risk{
			RiskPerTradeLong:    0.006,
			RiskPerTradeShort:   0.004,
			MaxNotionalPctShort: 0.35,
		},
		V5: V5{
			RSILength:          14,
			MACDFast:           12,
			MACDSlow:           26,
			MACDSignal:         9,
			BollLength:         20,
			BollStd:            2.0,
			EMAFast:            50,
			EMASlow:            200,
			ADXLength:          14,
			BearADXThreshold:   25,
			EMASlopeLookback:   5,
			ATRLength:          14,
			ATRInitMult:        2.6,
			ATRTrailMult:       2.8,
			TightenMinPnlLong:  0.002,
			TightenMinPnlShort: 0.008,
			TightenMinHoldBars: 16,
			TightenAction:      "tighten_stop",
			TightenTo:          "mid",
		},
		Live: Live{
			Mode:                "DRY-RUN",
			Environment:         "testnet",
			PollSeconds:         30,
			CooldownSeconds:     60,
			KillSwitchMaxErrors: 3,
		},
	}
}

// LoadStrategy reads and validates a strategy config file. Defaults are
// applied first so a partial file only overrides what it sets.
func LoadStrategy(path string) (Strategy, error) {
	cfg := DefaultStrategy()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read strategy config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse strategy config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fails fast on configuration a run cannot start with.
func (s Strategy) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("strategy config: symbol is required")
	}
	if s.ExecTF == "" || s.FilterTF == "" {
		return fmt.Errorf("strategy config: exec_tf and filter_tf are required")
	}
	switch s.TradeMode {
	case "both", "long_only", "short_only":
	default:
		return fmt.Errorf("strategy config: unknown trade_mode %q", s.TradeMode)
	}
	if s.InitialCapital <= 0 {
		return fmt.Errorf("strategy config: initial_capital must be positive")
	}
	if s.FeeRate < 0 || s.SlippageRate < 0 {
		return fmt.Errorf("strategy config: fee_rate and slippage_rate must be non-negative")
	}
	if s.Risk.RiskPerTradeLong < 0 || s.Risk.RiskPerTradeShort < 0 || s.Risk.MaxNotionalPctShort < 0 {
		return fmt.Errorf("strategy config: risk fractions must be non-negative")
	}
	v := s.V5
	for _, l := range []int{v.RSILength, v.MACDFast, v.MACDSlow, v.MACDSignal, v.BollLength, v.EMAFast, v.EMASlow, v.ADXLength, v.ATRLength} {
		if l <= 0 {
			return fmt.Errorf("strategy config: indicator lengths must be positive")
		}
	}
	if v.EMASlopeLookback <= 0 {
		return fmt.Errorf("strategy config: ema_slope_lookback must be positive")
	}
	switch v.TightenTo {
	case "mid", "atr_trail":
	default:
		return fmt.Errorf("strategy config: unknown tighten_to %q", v.TightenTo)
	}
	return nil
}
