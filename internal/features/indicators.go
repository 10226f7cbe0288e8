package features

import (
	"math"

	"trade-connector/internal/models"
)

// RSI computes the relative strength index from simple rolling means of
// gains and losses. A window with no losses reads 100; a flat window is
// undefined.
func RSI(values []float64, period int) []float64 {
	n := len(values)
	// The first bar has no change and counts as neither gain nor loss.
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		d := values[i] - values[i-1]
		gains[i] = math.Max(d, 0)
		losses[i] = math.Max(-d, 0)
	}

	avgGain := rollingMean(gains, period)
	avgLoss := rollingMean(losses, period)

	out := nanSeries(n)
	for i := range out {
		g, l := avgGain[i], avgLoss[i]
		switch {
		case math.IsNaN(g) || math.IsNaN(l):
		case l == 0 && g == 0:
		case l == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}

// MACD returns the MACD line, its signal line and the histogram.
func MACD(values []float64, fast, slow, signal int) (line, sig, hist []float64) {
	f := ema(values, fast)
	s := ema(values, slow)
	line = make([]float64, len(values))
	for i := range values {
		line[i] = f[i] - s[i]
	}
	sig = ema(line, signal)
	hist = make([]float64, len(values))
	for i := range values {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// BollingerBands holds the band series and the derived width and position.
type BollingerBands struct {
	Upper    []float64
	Lower    []float64
	Width    []float64
	Position []float64
}

// Bollinger computes bands at k sample standard deviations around the SMA.
func Bollinger(values []float64, period int, k float64) BollingerBands {
	mid := rollingMean(values, period)
	std := rollingStd(values, period)

	n := len(values)
	bb := BollingerBands{
		Upper: nanSeries(n),
		Lower: nanSeries(n),
	}
	spread := nanSeries(n)
	offset := nanSeries(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(mid[i]) || math.IsNaN(std[i]) {
			continue
		}
		bb.Upper[i] = mid[i] + k*std[i]
		bb.Lower[i] = mid[i] - k*std[i]
		spread[i] = bb.Upper[i] - bb.Lower[i]
		offset[i] = values[i] - bb.Lower[i]
	}
	bb.Width = ratio(spread, mid)
	bb.Position = ratio(offset, spread)
	return bb
}

// ATR is the rolling simple mean of the true range. The first bar's range
// is its high-low span.
func ATR(bars []models.Bar, period int) []float64 {
	return rollingMean(trueRange(bars), period)
}
