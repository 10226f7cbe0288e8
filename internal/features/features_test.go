package features

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/models"
)

// walkBars builds a deterministic price walk from a list of steps.
func walkBars(steps []float64, withVolume bool) []models.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, len(steps))
	price := 1.1
	for i, s := range steps {
		open := price
		price = math.Max(0.5, price+s)
		bars[i] = models.Bar{
			Time:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:  open,
			High:  math.Max(open, price) + 0.0005,
			Low:   math.Min(open, price) - 0.0005,
			Close: price,
		}
		if withVolume {
			bars[i].Volume = float64(100 + (i*37)%250)
		}
	}
	return bars
}

func zigzag(n int) []float64 {
	steps := make([]float64, n)
	for i := range steps {
		steps[i] = 0.001 * math.Sin(float64(i)/3) * float64(1+i%4)
	}
	return steps
}

func TestEMA(t *testing.T) {
	out := ema([]float64{1, 2, 3}, 3)
	assert.InDeltaSlice(t, []float64{1, 1.5, 2.25}, out, 1e-12)
}

func TestRollingStdIsSample(t *testing.T) {
	out := rollingStd([]float64{1, 2, 3, 4}, 4)
	assert.True(t, math.IsNaN(out[2]))
	assert.InDelta(t, math.Sqrt(5.0/3.0), out[3], 1e-12)
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(i)
	}
	out := RSI(rising, 14)
	assert.True(t, math.IsNaN(out[12]))
	assert.Equal(t, 100.0, out[13])
	assert.Equal(t, 100.0, out[19])

	flat := make([]float64, 20)
	assert.True(t, math.IsNaN(RSI(flat, 14)[19]))

	alternating := []float64{1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1}
	assert.InDelta(t, 50.0, RSI(alternating, 14)[14], 1e-9)
}

func TestPctChange(t *testing.T) {
	out := pctChange([]float64{100, 110, 0, 5}, 1)
	assert.True(t, math.IsNaN(out[0]))
	assert.InDelta(t, 10.0, out[1], 1e-9)
	assert.InDelta(t, -100.0, out[2], 1e-9)
	assert.True(t, math.IsNaN(out[3]))
}

func TestCompute(t *testing.T) {
	m, err := Compute(walkBars(zigzag(100), true))
	require.NoError(t, err)

	assert.Equal(t, append(append([]string{}, PriceColumns...), VolumeColumns...), m.Columns)
	// Bollinger and volume averages need 20 bars of warm-up.
	assert.Len(t, m.Rows, 81)

	row, ok := m.Latest()
	require.True(t, ok)
	assert.Len(t, row, 17)
	for _, r := range m.Rows {
		for _, v := range r {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
}

func TestCompute_NoVolume(t *testing.T) {
	m, err := Compute(walkBars(zigzag(60), false))
	require.NoError(t, err)
	assert.Equal(t, PriceColumns, m.Columns)
	assert.Len(t, m.Rows, 41)
}

func TestCompute_InsufficientData(t *testing.T) {
	_, err := Compute(nil)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientData)

	_, err = Compute(walkBars(zigzag(15), true))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientData)
}

func TestNormalize(t *testing.T) {
	col := []float64{nan, 1, 2, 3}
	normalize(col)
	assert.True(t, math.IsNaN(col[0]))
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, col[1:], 1e-12)

	constant := []float64{5, 5, 5}
	normalize(constant)
	assert.Equal(t, []float64{5, 5, 5}, constant)
}

func TestMatrixLatest_Empty(t *testing.T) {
	var m *Matrix
	_, ok := m.Latest()
	assert.False(t, ok)
}

// TestProperty_RSIBounds verifies RSI stays within its mathematical range.
// Property: every defined RSI value is in [0, 100].
func TestProperty_RSIBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("rsi is bounded", prop.ForAll(
		func(values []float64) bool {
			for _, v := range RSI(values, RSIPeriod) {
				if math.IsNaN(v) {
					continue
				}
				if v < 0 || v > 100 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(60, gen.Float64Range(1, 1000)),
	))

	properties.TestingRun(t)
}

// TestProperty_FeatureRowsComplete verifies the matrix never exposes undefined values.
// Property: for any price walk of 50+ bars every row is finite and has one value per column.
func TestProperty_FeatureRowsComplete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("rows are complete", prop.ForAll(
		func(steps []float64, withVolume bool) bool {
			m, err := Compute(walkBars(steps, withVolume))
			if err != nil {
				return apperrors.Is(err, apperrors.ErrInsufficientData)
			}
			for _, row := range m.Rows {
				if len(row) != len(m.Columns) {
					return false
				}
				for _, v := range row {
					if math.IsNaN(v) || math.IsInf(v, 0) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(80, gen.Float64Range(-0.01, 0.01)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
