package strategy

import (
	"math"

	"github.com/Alias1177/Backtester/internal/config"
	"github.com/Alias1177/Backtester/internal/indicator"
	"github.com/Alias1177/Backtester/internal/resample"
	"github.com/Alias1177/Backtester/models"
)

// BuildFrame turns raw execution-timeframe klines into the signal frame the
// engine consumes: indicator columns, entry predicates and, when a filter
// series is supplied, the higher-timeframe ADX/EMA columns joined as-of
// backward. Rows whose indicator windows are still warming up (any NaN
// column) are dropped, so positions in the returned frame are contiguous
// simulation bars.
func BuildFrame(exec, filter []models.Kline, p config.V5) []models.SignalRow {
	n := len(exec)
	if n == 0 {
		return nil
	}

	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, k := range exec {
		highs[i], lows[i], closes[i] = k.High, k.Low, k.Close
	}

	rsi := indicator.RSI(closes, p.RSILength)
	macdLine, macdSig, macdHist := indicator.MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	bollMid, bollUpper, bollLower := indicator.Bollinger(closes, p.BollLength, p.BollStd)
	emaFast := indicator.EMA(closes, p.EMAFast)
	emaSlow := indicator.EMA(closes, p.EMASlow)
	adx := indicator.ADX(highs, lows, closes, p.ADXLength)
	atr := indicator.ATR(highs, lows, closes, p.ATRLength)

	hasFilter := len(filter) > 0
	filterADX := make([]float64, n)
	filterEMAFast := make([]float64, n)
	if hasFilter {
		fHigh := make([]float64, len(filter))
		fLow := make([]float64, len(filter))
		fClose := make([]float64, len(filter))
		fTimes := make([]int64, len(filter))
		for i, k := range filter {
			fHigh[i], fLow[i], fClose[i], fTimes[i] = k.High, k.Low, k.Close, k.OpenTime
		}
		fADX := indicator.ADX(fHigh, fLow, fClose, p.ADXLength)
		fEMA := indicator.EMA(fClose, p.EMAFast)

		execTimes := make([]int64, n)
		for i, k := range exec {
			execTimes[i] = k.OpenTime
		}
		for i, j := range resample.AsOfIndices(execTimes, fTimes) {
			if j < 0 {
				filterADX[i], filterEMAFast[i] = math.NaN(), math.NaN()
				continue
			}
			filterADX[i], filterEMAFast[i] = fADX[j], fEMA[j]
		}
	} else {
		for i := range filterADX {
			filterADX[i], filterEMAFast[i] = math.NaN(), math.NaN()
		}
	}

	rows := make([]models.SignalRow, 0, n)
	for i := 0; i < n; i++ {
		row := models.SignalRow{
			Kline:         exec[i],
			RSI:           rsi[i],
			MACD:          macdLine[i],
			MACDSig:       macdSig[i],
			MACDHist:      macdHist[i],
			BollMid:       bollMid[i],
			BollUpper:     bollUpper[i],
			BollLower:     bollLower[i],
			EMAFast:       emaFast[i],
			EMASlow:       emaSlow[i],
			ADX:           adx[i],
			ATR:           atr[i],
			FilterADX:     filterADX[i],
			FilterEMAFast: filterEMAFast[i],
		}
		row.LongSignal = row.RSI > 50 &&
			row.MACDHist > 0 &&
			row.Close > row.EMAFast &&
			row.EMAFast > row.EMASlow &&
			row.Close > row.BollMid
		row.ShortSignal = row.RSI < 50 &&
			row.MACDHist < 0 &&
			row.Close < row.EMAFast &&
			row.EMAFast < row.EMASlow &&
			row.Close < row.BollMid
		row.TouchLong = row.Low <= row.BollLower
		row.TouchShort = row.High >= row.BollUpper

		if rowHasNaN(row, hasFilter) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func rowHasNaN(row models.SignalRow, hasFilter bool) bool {
	cols := []float64{
		row.RSI, row.MACD, row.MACDSig, row.MACDHist,
		row.BollMid, row.BollUpper, row.BollLower,
		row.EMAFast, row.EMASlow, row.ADX, row.ATR,
	}
	if hasFilter {
		cols = append(cols, row.FilterADX, row.FilterEMAFast)
	}
	for _, v := range cols {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
