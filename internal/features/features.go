// Package features turns OHLCV bars into the normalised indicator matrix
// consumed by predictors.
package features

import (
	"math"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/models"
)

// Indicator periods.
const (
	RSIPeriod       = 14
	MACDFast        = 12
	MACDSlow        = 26
	MACDSignal      = 9
	BollingerPeriod = 20
	BollingerK      = 2.0
	EMAFast         = 9
	EMASlow         = 21
	ATRPeriod       = 14
	VolumePeriod    = 20
)

// PriceColumns are always present, in this order.
var PriceColumns = []string{
	"rsi",
	"macd", "macd_signal", "macd_hist",
	"bb_upper", "bb_lower", "bb_width", "bb_position",
	"ema_9", "ema_21", "ema_cross",
	"atr", "atr_percent",
	"price_change", "price_change_5",
}

// VolumeColumns are appended when the bars carry volume.
var VolumeColumns = []string{"volume_ma", "volume_ratio"}

// Matrix is a row-major feature table. Every row is fully defined.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// Latest returns the most recent row.
func (m *Matrix) Latest() ([]float64, bool) {
	if m == nil || len(m.Rows) == 0 {
		return nil, false
	}
	return m.Rows[len(m.Rows)-1], true
}

// Compute derives the feature matrix from bars in chronological order.
// Each column is z-scored over its defined values when its sample standard
// deviation is positive, then rows with any undefined value are dropped.
func Compute(bars []models.Bar) (*Matrix, error) {
	if len(bars) == 0 {
		return nil, apperrors.ErrInsufficientData
	}

	c := closes(bars)
	macd, macdSignal, macdHist := MACD(c, MACDFast, MACDSlow, MACDSignal)
	bb := Bollinger(c, BollingerPeriod, BollingerK)
	emaFast := ema(c, EMAFast)
	emaSlow := ema(c, EMASlow)
	atr := ATR(bars, ATRPeriod)

	spread := make([]float64, len(c))
	atrScaled := make([]float64, len(c))
	for i := range c {
		spread[i] = emaFast[i] - emaSlow[i]
		atrScaled[i] = atr[i] * 100
	}

	columns := [][]float64{
		RSI(c, RSIPeriod),
		macd, macdSignal, macdHist,
		bb.Upper, bb.Lower, bb.Width, bb.Position,
		emaFast, emaSlow, ratio(spread, c),
		atr, ratio(atrScaled, c),
		pctChange(c, 1), pctChange(c, 5),
	}
	names := append([]string(nil), PriceColumns...)

	if hasVolume(bars) {
		v := volumes(bars)
		vma := rollingMean(v, VolumePeriod)
		columns = append(columns, vma, ratio(v, vma))
		names = append(names, VolumeColumns...)
	}

	for _, col := range columns {
		normalize(col)
	}

	m := &Matrix{Columns: names}
	for i := range bars {
		row := make([]float64, len(columns))
		complete := true
		for j, col := range columns {
			v := col[i]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				complete = false
				break
			}
			row[j] = v
		}
		if complete {
			m.Rows = append(m.Rows, row)
		}
	}

	if len(m.Rows) == 0 {
		return nil, apperrors.ErrInsufficientData
	}
	return m, nil
}

// normalize z-scores col in place, ignoring undefined values.
func normalize(col []float64) {
	mean, std, _ := meanStd(col)
	if !(std > 0) {
		return
	}
	for i, v := range col {
		if math.IsNaN(v) {
			continue
		}
		col[i] = (v - mean) / std
	}
}
