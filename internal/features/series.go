package features

import (
	"math"

	"trade-connector/internal/models"
)

// Series values are NaN where the indicator is not yet defined.
var nan = math.NaN()

func nanSeries(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = nan
	}
	return s
}

func closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func volumes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

func hasVolume(bars []models.Bar) bool {
	for _, b := range bars {
		if b.Volume > 0 {
			return true
		}
	}
	return false
}

// rollingMean is the mean of each full window; NaN inside the window poisons it.
func rollingMean(values []float64, window int) []float64 {
	out := nanSeries(len(values))
	if window <= 0 {
		return out
	}
	for i := window - 1; i < len(values); i++ {
		var sum float64
		for _, v := range values[i-window+1 : i+1] {
			sum += v
		}
		out[i] = sum / float64(window)
	}
	return out
}

// rollingStd is the sample (n-1) standard deviation of each full window.
func rollingStd(values []float64, window int) []float64 {
	out := nanSeries(len(values))
	if window <= 1 {
		return out
	}
	means := rollingMean(values, window)
	for i := window - 1; i < len(values); i++ {
		var ss float64
		for _, v := range values[i-window+1 : i+1] {
			d := v - means[i]
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(window-1))
	}
	return out
}

// ema is the recursive exponential average seeded with the first value.
func ema(values []float64, span int) []float64 {
	out := nanSeries(len(values))
	if len(values) == 0 || span <= 0 {
		return out
	}
	alpha := 2.0 / float64(span+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// pctChange is the percentage change against the value lag bars earlier.
func pctChange(values []float64, lag int) []float64 {
	out := nanSeries(len(values))
	for i := lag; i < len(values); i++ {
		prev := values[i-lag]
		if prev == 0 {
			continue
		}
		out[i] = (values[i]/prev - 1) * 100
	}
	return out
}

func trueRange(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			prev := bars[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
		}
		out[i] = tr
	}
	return out
}

// ratio divides element-wise and leaves NaN where the divisor is zero.
func ratio(num, den []float64) []float64 {
	out := nanSeries(len(num))
	for i := range num {
		if den[i] == 0 || math.IsNaN(den[i]) || math.IsNaN(num[i]) {
			continue
		}
		out[i] = num[i] / den[i]
	}
	return out
}

// meanStd returns the mean and sample standard deviation of the defined values.
func meanStd(values []float64) (mean, std float64, n int) {
	var sum float64
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	mean = sum / float64(n)
	if n < 2 {
		return mean, 0, n
	}
	var ss float64
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(n-1)), n
}
