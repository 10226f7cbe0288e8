package predictor

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trade-connector/internal/errors"
)

func linearPayload(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(LinearModel{
		Format:  FormatLinearJSON,
		Classes: []int{ClassSell, ClassHold, ClassBuy},
		Weights: [][]float64{{-1, 0}, {0, 0}, {1, 0}},
		Bias:    []float64{0, 0, 0},
	})
	require.NoError(t, err)
	return data
}

func TestDecode_Linear(t *testing.T) {
	p, err := Decode(linearPayload(t), map[string]any{"format": "linear-json"})
	require.NoError(t, err)

	pp, ok := p.(ProbabilityPredictor)
	require.True(t, ok)

	class, err := p.Predict([]float64{3, 0})
	require.NoError(t, err)
	assert.Equal(t, ClassBuy, class)

	class, err = p.Predict([]float64{-3, 0})
	require.NoError(t, err)
	assert.Equal(t, ClassSell, class)

	proba, err := pp.PredictProba([]float64{0, 5})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, proba, 1e-12)

	_, err = p.Predict([]float64{1})
	assert.Error(t, err)
}

func TestDecode_SniffsJSON(t *testing.T) {
	p, err := Decode(linearPayload(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &LinearModel{}, p)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("junk"), map[string]any{"format": "pickle"})
	assert.ErrorIs(t, err, apperrors.ErrDeserialization)

	_, err = Decode([]byte("{"), map[string]any{"format": FormatLinearJSON})
	assert.ErrorIs(t, err, apperrors.ErrDeserialization)

	bad, _ := json.Marshal(LinearModel{Classes: []int{0, 1}, Weights: [][]float64{{1}}, Bias: []float64{0, 0}})
	_, err = Decode(bad, map[string]any{"format": FormatLinearJSON})
	assert.ErrorIs(t, err, apperrors.ErrDeserialization)

	ragged, _ := json.Marshal(LinearModel{Classes: []int{0, 1}, Weights: [][]float64{{1, 2}, {1}}, Bias: []float64{0, 0}})
	_, err = Decode(ragged, map[string]any{"format": FormatLinearJSON})
	assert.ErrorIs(t, err, apperrors.ErrDeserialization)

	_, err = Decode([]byte{0x08, 0x01}, map[string]any{"format": FormatONNX})
	assert.ErrorIs(t, err, apperrors.ErrDeserialization)
}

type fixedPredictor int

func (f fixedPredictor) Predict([]float64) (int, error) { return int(f), nil }

func TestRegister(t *testing.T) {
	Register("Fixed-Test", func(payload []byte, _ map[string]any) (Predictor, error) {
		return fixedPredictor(len(payload)), nil
	})
	Register("panic-test", func([]byte, map[string]any) (Predictor, error) {
		panic("boom")
	})

	p, err := Decode([]byte("ab"), map[string]any{"format": "fixed-test"})
	require.NoError(t, err)
	class, _ := p.Predict(nil)
	assert.Equal(t, 2, class)
	assert.NoError(t, Close(p))

	_, err = Decode(nil, map[string]any{"format": "panic-test"})
	assert.ErrorIs(t, err, apperrors.ErrDeserialization)
}

func TestIntValue(t *testing.T) {
	md := map[string]any{"a": json.Number("17"), "b": 3.0, "c": "9", "d": "x"}
	assert.Equal(t, 17, intValue(md, "a", 0))
	assert.Equal(t, 3, intValue(md, "b", 0))
	assert.Equal(t, 9, intValue(md, "c", 0))
	assert.Equal(t, 5, intValue(md, "d", 5))
	assert.Equal(t, 5, intValue(md, "missing", 5))
}

func TestAsDistribution(t *testing.T) {
	proba := []float64{0.1, 0.2, 0.7}
	assert.Equal(t, proba, asDistribution(append([]float64(nil), proba...)))

	logits := asDistribution([]float64{-1.5, 0.3, 4.2})
	var sum float64
	for _, p := range logits {
		assert.True(t, p > 0 && p < 1)
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Equal(t, 2, argmax(logits))

	// In range but not summing to one.
	scaled := asDistribution([]float64{0.9, 0.9, 0.9})
	assert.InDelta(t, 1.0/3, scaled[0], 1e-9)
}

// TestProperty_DistributionPreservesArgmax verifies raw scores keep their winner.
// Property: asDistribution sums to 1, stays in [0, 1] and does not change argmax.
func TestProperty_DistributionPreservesArgmax(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("scores become a distribution", prop.ForAll(
		func(a, b, c float64) bool {
			scores := []float64{a, b, c}
			want := argmax(scores)
			proba := asDistribution(append([]float64(nil), scores...))
			var sum float64
			for _, p := range proba {
				if p < 0 || p > 1 || math.IsNaN(p) {
					return false
				}
				sum += p
			}
			return math.Abs(sum-1) <= distributionTolerance && argmax(proba) == want
		},
		gen.Float64Range(-20, 20),
		gen.Float64Range(-20, 20),
		gen.Float64Range(-20, 20),
	))

	properties.TestingRun(t)
}

// TestProperty_LinearProbabilities verifies softmax output is a distribution.
// Property: probabilities are in [0, 1], sum to 1 and the predicted class has the largest one.
func TestProperty_LinearProbabilities(t *testing.T) {
	m := &LinearModel{
		Classes: []int{ClassSell, ClassHold, ClassBuy},
		Weights: [][]float64{{0.5, -1.2, 3}, {0.1, 0.1, 0.1}, {-0.7, 2, -3}},
		Bias:    []float64{0.2, 0, -0.2},
	}
	require.NoError(t, m.validate())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("softmax is a distribution", prop.ForAll(
		func(a, b, c float64) bool {
			row := []float64{a, b, c}
			proba, err := m.PredictProba(row)
			if err != nil {
				return false
			}
			var sum float64
			for _, p := range proba {
				if p < 0 || p > 1 || math.IsNaN(p) {
					return false
				}
				sum += p
			}
			class, err := m.Predict(row)
			if err != nil {
				return false
			}
			return math.Abs(sum-1) < 1e-9 && class == m.Classes[argmax(proba)]
		},
		gen.Float64Range(-50, 50),
		gen.Float64Range(-50, 50),
		gen.Float64Range(-50, 50),
	))

	properties.TestingRun(t)
}
