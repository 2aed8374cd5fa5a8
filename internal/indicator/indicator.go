// Package indicator implements the technical indicators used by the signal
// builder as whole-series transforms. Every function returns a slice the
// same length as its input; math.NaN marks values whose window has not
// warmed up yet. Rolling windows only produce a value once the full window
// is defined, so NaN poisons a window rather than shrinking it.
package indicator

import "math"

var nan = math.NaN()

// EMA is an exponential moving average seeded with the first value
// (alpha = 2/(span+1), recursive form without warm-up correction).
func EMA(xs []float64, span int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = alpha*xs[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI computes the relative strength index over simple rolling means of
// gains and losses. Bars whose window is not ready, and windows with zero
// average loss, yield 0 rather than NaN.
func RSI(xs []float64, length int) []float64 {
	n := len(xs)
	gain := make([]float64, n)
	loss := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			gain[i], loss[i] = nan, nan
			continue
		}
		d := xs[i] - xs[i-1]
		if d > 0 {
			gain[i], loss[i] = d, 0
		} else {
			gain[i], loss[i] = 0, -d
		}
	}
	avgGain := RollingMean(gain, length)
	avgLoss := RollingMean(loss, length)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		ag, al := avgGain[i], avgLoss[i]
		if math.IsNaN(ag) || math.IsNaN(al) || al == 0 {
			out[i] = 0
			continue
		}
		rs := ag / al
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// MACD returns the MACD line, its signal line and the histogram.
func MACD(xs []float64, fast, slow, signal int) (line, sig, hist []float64) {
	fastEMA := EMA(xs, fast)
	slowEMA := EMA(xs, slow)
	line = make([]float64, len(xs))
	for i := range xs {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig = EMA(line, signal)
	hist = make([]float64, len(xs))
	for i := range xs {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// Bollinger returns the mid band (rolling mean), upper and lower bands at
// mult sample standard deviations.
func Bollinger(xs []float64, length int, mult float64) (mid, upper, lower []float64) {
	mid = RollingMean(xs, length)
	dev := RollingStd(xs, length)
	upper = make([]float64, len(xs))
	lower = make([]float64, len(xs))
	for i := range xs {
		upper[i] = mid[i] + mult*dev[i]
		lower[i] = mid[i] - mult*dev[i]
	}
	return mid, upper, lower
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|). On the
// first bar, where no previous close exists, it degrades to high-low.
func TrueRange(high, low, close []float64) []float64 {
	out := make([]float64, len(high))
	for i := range high {
		tr := high[i] - low[i]
		if i > 0 {
			if v := math.Abs(high[i] - close[i-1]); v > tr {
				tr = v
			}
			if v := math.Abs(low[i] - close[i-1]); v > tr {
				tr = v
			}
		}
		out[i] = tr
	}
	return out
}

// ATR is the rolling mean of the true range.
func ATR(high, low, close []float64, length int) []float64 {
	return RollingMean(TrueRange(high, low, close), length)
}

// ADX measures trend strength from smoothed directional moves. The downward
// move is taken as the absolute low-to-low change. Undefined stretches
// (warm-up, zero-range markets) yield 0.
func ADX(high, low, close []float64, length int) []float64 {
	n := len(high)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := math.Abs(low[i] - low[i-1])
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}
	atr := ATR(high, low, close, length)
	plusMean := RollingMean(plusDM, length)
	minusMean := RollingMean(minusDM, length)

	dx := make([]float64, n)
	for i := 0; i < n; i++ {
		plusDI := 100 * plusMean[i] / atr[i]
		minusDI := 100 * minusMean[i] / atr[i]
		v := math.Abs(plusDI-minusDI) / (plusDI + minusDI)
		if math.IsInf(v, 0) {
			v = nan
		}
		dx[i] = v * 100
	}

	out := RollingMean(dx, length)
	for i := range out {
		if math.IsNaN(out[i]) {
			out[i] = 0
		}
	}
	return out
}

// RollingMean returns the simple moving average over a window of length
// values; positions without a fully defined window are NaN.
func RollingMean(xs []float64, length int) []float64 {
	out := make([]float64, len(xs))
	for i := range xs {
		out[i] = nan
		if i < length-1 {
			continue
		}
		sum := 0.0
		ok := true
		for j := i - length + 1; j <= i; j++ {
			if math.IsNaN(xs[j]) {
				ok = false
				break
			}
			sum += xs[j]
		}
		if ok {
			out[i] = sum / float64(length)
		}
	}
	return out
}

// RollingStd returns the rolling sample standard deviation (denominator
// length-1); positions without a fully defined window are NaN.
func RollingStd(xs []float64, length int) []float64 {
	out := make([]float64, len(xs))
	if length < 2 {
		for i := range out {
			out[i] = nan
		}
		return out
	}
	means := RollingMean(xs, length)
	for i := range xs {
		out[i] = nan
		if i < length-1 || math.IsNaN(means[i]) {
			continue
		}
		sum := 0.0
		for j := i - length + 1; j <= i; j++ {
			d := xs[j] - means[i]
			sum += d * d
		}
		out[i] = math.Sqrt(sum / float64(length-1))
	}
	return out
}
