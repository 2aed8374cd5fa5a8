// Package resample handles timeframe arithmetic: parsing timeframe labels,
// downsampling OHLCV series to a higher timeframe and validating that a
// stored series actually matches its declared timeframe.
package resample

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Alias1177/Backtester/models"
)

// ToMinutes parses a timeframe label like "15m", "4h" or "1d".
func ToMinutes(timeframe string) (int, error) {
	tf := strings.ToLower(timeframe)
	if len(tf) < 2 {
		return 0, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil {
		return 0, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return n, nil
	case 'h':
		return n * 60, nil
	case 'd':
		return n * 60 * 24, nil
	}
	return 0, fmt.Errorf("unsupported timeframe: %s", timeframe)
}

// IntervalMS returns the bar interval of a timeframe in milliseconds.
func IntervalMS(timeframe string) (int64, error) {
	minutes, err := ToMinutes(timeframe)
	if err != nil {
		return 0, err
	}
	return int64(minutes) * 60_000, nil
}

// OHLCV downsamples an ascending kline series into left-labeled,
// left-closed buckets of the target timeframe: open takes the first value,
// high the max, low the min, close and close_time the last, volume the sum.
// Buckets the input never touches are not emitted.
func OHLCV(klines []models.Kline, timeframe string) ([]models.Kline, error) {
	interval, err := IntervalMS(timeframe)
	if err != nil {
		return nil, err
	}
	if len(klines) == 0 {
		return nil, nil
	}

	var out []models.Kline
	var cur models.Kline
	curStart := int64(-1)
	for _, k := range klines {
		start := k.OpenTime - k.OpenTime%interval
		if start != curStart {
			if curStart >= 0 {
				out = append(out, cur)
			}
			curStart = start
			cur = k
			cur.OpenTime = start
			continue
		}
		if k.High > cur.High {
			cur.High = k.High
		}
		if k.Low < cur.Low {
			cur.Low = k.Low
		}
		cur.Close = k.Close
		cur.CloseTime = k.CloseTime
		cur.Volume += k.Volume
	}
	out = append(out, cur)
	return out, nil
}

// AsOfIndices maps every left-hand time to the index of the last right-hand
// time not after it (backward as-of join). Entries before the first
// right-hand time get -1. Both slices must be ascending.
func AsOfIndices(leftTimes, rightTimes []int64) []int {
	out := make([]int, len(leftTimes))
	j := -1
	for i, t := range leftTimes {
		for j+1 < len(rightTimes) && rightTimes[j+1] <= t {
			j++
		}
		out[i] = j
	}
	return out
}

// ValidationDetail reports what the timeframe self-check saw.
type ValidationDetail struct {
	ModeMS     int64   `json:"mode_ms"`
	ExpectedMS int64   `json:"expected_ms"`
	BarsEst    int     `json:"bars_est"`
	BarsActual int     `json:"bars_actual"`
	Ratio      float64 `json:"ratio"`
	Reason     string  `json:"reason"`
}

// Validate checks that a series plausibly has the declared timeframe: the
// most common open_time step must equal the expected interval and the bar
// count must be within a factor of 10 of the span-based estimate.
func Validate(klines []models.Kline, timeframe string) (bool, ValidationDetail) {
	if len(klines) < 2 {
		return false, ValidationDetail{Reason: "not enough data for self-check"}
	}
	interval, err := IntervalMS(timeframe)
	if err != nil {
		return false, ValidationDetail{Reason: err.Error()}
	}

	counts := make(map[int64]int)
	var mode int64
	for i := 1; i < len(klines); i++ {
		d := klines[i].OpenTime - klines[i-1].OpenTime
		counts[d]++
		if counts[d] > counts[mode] {
			mode = d
		}
	}

	barsEst := int((klines[len(klines)-1].OpenTime-klines[0].OpenTime)/interval) + 1
	barsActual := len(klines)
	ratio := float64(barsActual) / float64(max(barsEst, 1))
	if inv := float64(barsEst) / float64(max(barsActual, 1)); inv > ratio {
		ratio = inv
	}

	ok := mode == interval && ratio <= 10
	detail := ValidationDetail{
		ModeMS:     mode,
		ExpectedMS: interval,
		BarsEst:    barsEst,
		BarsActual: barsActual,
		Ratio:      ratio,
	}
	if !ok {
		detail.Reason = "timeframe self-check failed"
	}
	return ok, detail
}
