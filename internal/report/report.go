// Package report aggregates a simulation result into summary metrics and
// writes run artifacts (trade log, equity curve, JSON report) to disk.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Backtester/internal/resample"
	"github.com/Alias1177/Backtester/models"
)

// RunConfig describes the run a summary belongs to.
type RunConfig struct {
	Symbol         string
	ExecTF         string
	FilterTF       string
	FeeRate        float64
	SlippageRate   float64
	InitialCapital float64
}

// ReasonStat is one exit-reason bucket ranked by frequency.
type ReasonStat struct {
	Reason   string  `json:"reason"`
	Count    int     `json:"count"`
	TotalPnL float64 `json:"total_pnl"`
}

// ReasonPnL is one exit-reason bucket with its average pnl, covering every
// reason rather than just the top five.
type ReasonPnL struct {
	Reason   string  `json:"reason"`
	Count    int     `json:"count"`
	TotalPnL float64 `json:"total_pnl"`
	AvgPnL   float64 `json:"avg_pnl"`
}

// StopStat aggregates trades closed by one stop kind, with hold-time
// quartiles in hours.
type StopStat struct {
	Count        int     `json:"count"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgPnL       float64 `json:"avg_pnl"`
	WinRate      float64 `json:"win_rate"`
	HoldHoursP25 float64 `json:"hold_hours_p25"`
	HoldHoursP50 float64 `json:"hold_hours_p50"`
	HoldHoursP75 float64 `json:"hold_hours_p75"`
}

// StopBreakdown splits stop exits by whether the fill locked in a loss or a
// profit. Both buckets are always present, zero-valued when empty.
type StopBreakdown struct {
	LossStop   StopStat `json:"loss_stop"`
	ProfitStop StopStat `json:"profit_stop"`
}

// SideStat aggregates trades of one side.
type SideStat struct {
	Side         models.Side `json:"side"`
	Count        int         `json:"count"`
	TotalPnL     float64     `json:"total_pnl"`
	ProfitFactor float64     `json:"pf"`
}

// SummaryConfig is the config echo embedded in the report.
type SummaryConfig struct {
	ExecTF       string  `json:"exec_tf"`
	FilterTF     string  `json:"filter_tf"`
	FeeRate      float64 `json:"fee_rate"`
	SlippageRate float64 `json:"slippage_rate"`
}

// Summary is the full report payload.
type Summary struct {
	Symbol         string         `json:"symbol"`
	TotalReturn    float64        `json:"total_return"`
	MDD            float64        `json:"mdd"`
	Sharpe         float64        `json:"sharpe"`
	Trades         int            `json:"trades"`
	WinRate        float64        `json:"win_rate"`
	ProfitFactor   float64        `json:"profit_factor"`
	TP2Rate        float64        `json:"tp2_rate"`
	ExitReasonTop5 []ReasonStat   `json:"exit_reason_top5"`
	ExitReasonPnL  []ReasonPnL    `json:"exit_reason_pnl"`
	StopBreakdown  StopBreakdown  `json:"stop_breakdown"`
	SideBreakdown  []SideStat     `json:"side_breakdown"`
	Counters       map[string]int `json:"counters"`
	Config         SummaryConfig  `json:"config"`
}

// Summarize computes every report metric from the raw simulation output.
func Summarize(trades []models.Trade, equity []models.EquityPoint, counters map[string]int, cfg RunConfig) Summary {
	s := Summary{
		Symbol:         cfg.Symbol,
		Trades:         len(trades),
		ExitReasonTop5: make([]ReasonStat, 0),
		ExitReasonPnL:  make([]ReasonPnL, 0),
		SideBreakdown:  make([]SideStat, 0),
		Counters:       counters,
		Config: SummaryConfig{
			ExecTF:       cfg.ExecTF,
			FilterTF:     cfg.FilterTF,
			FeeRate:      cfg.FeeRate,
			SlippageRate: cfg.SlippageRate,
		},
	}

	if len(equity) > 0 && cfg.InitialCapital > 0 {
		s.TotalReturn = equity[len(equity)-1].Equity/cfg.InitialCapital - 1
	}
	s.MDD = maxDrawdown(equity)
	s.Sharpe = sharpe(equity, cfg.ExecTF)
	s.StopBreakdown = stopBreakdown(trades, cfg.ExecTF)

	if len(trades) > 0 {
		wins := 0
		tp2 := 0
		for _, t := range trades {
			if t.PnL > 0 {
				wins++
			}
			if t.Reason == "tp2_tighten_stop" {
				tp2++
			}
		}
		s.WinRate = float64(wins) / float64(len(trades))
		s.TP2Rate = float64(tp2) / float64(len(trades))
		s.ProfitFactor = profitFactor(trades)
		s.ExitReasonTop5 = reasonTop5(trades)
		s.ExitReasonPnL = reasonPnL(trades)
		s.SideBreakdown = sideBreakdown(trades)
	}
	return s
}

// maxDrawdown is the most negative excursion of equity below its running
// peak, as a fraction of that peak.
func maxDrawdown(equity []models.EquityPoint) float64 {
	mdd := 0.0
	peak := math.Inf(-1)
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak == 0 {
			continue
		}
		dd := (p.Equity - peak) / peak
		if dd < mdd {
			mdd = dd
		}
	}
	return mdd
}

// sharpe annualizes the mean/std of per-bar equity returns by the number of
// exec-timeframe bars in a year. Zero when the curve is too short or flat.
func sharpe(equity []models.EquityPoint, execTF string) float64 {
	if len(equity) < 2 {
		return 0
	}
	tfMinutes, err := resample.ToMinutes(execTF)
	if err != nil || tfMinutes <= 0 {
		return 0
	}

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, equity[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}

	barsPerYear := float64(365*24*60) / float64(tfMinutes)
	return mean / std * math.Sqrt(barsPerYear)
}

func profitFactor(trades []models.Trade) float64 {
	profit, loss := 0.0, 0.0
	for _, t := range trades {
		if t.PnL > 0 {
			profit += t.PnL
		} else {
			loss += t.PnL
		}
	}
	if loss == 0 {
		return 0
	}
	return profit / math.Abs(loss)
}

func reasonTop5(trades []models.Trade) []ReasonStat {
	byReason := map[string]*ReasonStat{}
	for _, t := range trades {
		st, ok := byReason[t.Reason]
		if !ok {
			st = &ReasonStat{Reason: t.Reason}
			byReason[t.Reason] = st
		}
		st.Count++
		st.TotalPnL += t.PnL
	}
	out := make([]ReasonStat, 0, len(byReason))
	for _, st := range byReason {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

func reasonPnL(trades []models.Trade) []ReasonPnL {
	byReason := map[string]*ReasonPnL{}
	for _, t := range trades {
		st, ok := byReason[t.Reason]
		if !ok {
			st = &ReasonPnL{Reason: t.Reason}
			byReason[t.Reason] = st
		}
		st.Count++
		st.TotalPnL += t.PnL
	}
	out := make([]ReasonPnL, 0, len(byReason))
	for _, st := range byReason {
		st.AvgPnL = st.TotalPnL / math.Max(float64(st.Count), 1)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

func stopBreakdown(trades []models.Trade, execTF string) StopBreakdown {
	tfMinutes, err := resample.ToMinutes(execTF)
	if err != nil || tfMinutes <= 0 {
		tfMinutes = 60
	}
	barHours := float64(tfMinutes) / 60
	return StopBreakdown{
		LossStop:   stopStats(trades, "loss_stop", barHours),
		ProfitStop: stopStats(trades, "profit_stop", barHours),
	}
}

func stopStats(trades []models.Trade, stopType string, barHours float64) StopStat {
	var st StopStat
	wins := 0
	holdHours := make([]float64, 0, len(trades))
	for _, t := range trades {
		if t.StopType != stopType {
			continue
		}
		st.Count++
		st.TotalPnL += t.PnL
		if t.PnL > 0 {
			wins++
		}
		holdHours = append(holdHours, float64(t.HoldBars)*barHours)
	}
	if st.Count == 0 {
		return st
	}
	st.AvgPnL = st.TotalPnL / float64(st.Count)
	st.WinRate = float64(wins) / float64(st.Count)
	sort.Float64s(holdHours)
	st.HoldHoursP25 = quantile(holdHours, 0.25)
	st.HoldHoursP50 = quantile(holdHours, 0.50)
	st.HoldHoursP75 = quantile(holdHours, 0.75)
	return st
}

func sideBreakdown(trades []models.Trade) []SideStat {
	bySide := map[models.Side][]models.Trade{}
	for _, t := range trades {
		bySide[t.Side] = append(bySide[t.Side], t)
	}
	sides := make([]models.Side, 0, len(bySide))
	for k := range bySide {
		sides = append(sides, k)
	}
	sort.Slice(sides, func(i, j int) bool { return sides[i] < sides[j] })

	out := make([]SideStat, 0, len(sides))
	for _, side := range sides {
		group := bySide[side]
		st := SideStat{Side: side, Count: len(group)}
		for _, t := range group {
			st.TotalPnL += t.PnL
		}
		st.ProfitFactor = profitFactor(group)
		out = append(out, st)
	}
	return out
}

// quantile returns the q-th quantile of sorted xs with linear interpolation
// between the two nearest ranks.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	if len(xs) == 1 {
		return xs[0]
	}
	pos := q * float64(len(xs)-1)
	lo := int(math.Floor(pos))
	frac := pos - float64(lo)
	if lo+1 >= len(xs) {
		return xs[len(xs)-1]
	}
	return xs[lo] + frac*(xs[lo+1]-xs[lo])
}

// Paths lists the artifacts one export produced.
type Paths struct {
	TradesCSV  string
	EquityCSV  string
	ReportJSON string
}

// Export writes the trade log and equity curve as CSV and the summary as
// indented JSON under dir, all named by prefix.
func Export(dir, prefix string, trades []models.Trade, equity []models.EquityPoint, summary Summary) (Paths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create output dir: %w", err)
	}
	paths := Paths{
		TradesCSV:  filepath.Join(dir, prefix+"_trades.csv"),
		EquityCSV:  filepath.Join(dir, prefix+"_equity.csv"),
		ReportJSON: filepath.Join(dir, prefix+"_report.json"),
	}

	if err := writeTradesCSV(paths.TradesCSV, trades); err != nil {
		return Paths{}, err
	}
	if err := writeEquityCSV(paths.EquityCSV, equity); err != nil {
		return Paths{}, err
	}
	if err := writeReportJSON(paths.ReportJSON, summary); err != nil {
		return Paths{}, err
	}

	log.Info().
		Str("component", "report").
		Str("trades_csv", paths.TradesCSV).
		Str("equity_csv", paths.EquityCSV).
		Str("report_json", paths.ReportJSON).
		Msg("artifacts written")
	return paths, nil
}

func writeTradesCSV(path string, trades []models.Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"entry_time", "exit_time", "side", "entry_price", "exit_price", "qty", "pnl", "reason", "stop_type", "hold_bars"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, t := range trades {
		record := []string{
			strconv.FormatInt(t.EntryTime, 10),
			strconv.FormatInt(t.ExitTime, 10),
			string(t.Side),
			formatFloat(t.EntryPrice),
			formatFloat(t.ExitPrice),
			formatFloat(t.Qty),
			formatFloat(t.PnL),
			t.Reason,
			t.StopType,
			strconv.Itoa(t.HoldBars),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeEquityCSV(path string, equity []models.EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"open_time", "equity"}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, p := range equity {
		if err := w.Write([]string{strconv.FormatInt(p.OpenTime, 10), formatFloat(p.Equity)}); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeReportJSON(path string, summary Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
