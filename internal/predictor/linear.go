package predictor

import (
	"encoding/json"
	"fmt"
	"math"
)

// LinearModel is a multinomial logistic classifier.
type LinearModel struct {
	Format   string      `json:"format,omitempty"`
	Classes  []int       `json:"classes"`
	Weights  [][]float64 `json:"weights"`
	Bias     []float64   `json:"bias"`
	Features []string    `json:"features,omitempty"`
}

var _ ProbabilityPredictor = (*LinearModel)(nil)

func decodeLinear(payload []byte, _ map[string]any) (Predictor, error) {
	var m LinearModel
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parsing linear model: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *LinearModel) validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("linear model has no classes")
	}
	if len(m.Weights) != len(m.Classes) {
		return fmt.Errorf("linear model has %d weight rows for %d classes", len(m.Weights), len(m.Classes))
	}
	if len(m.Bias) != len(m.Classes) {
		return fmt.Errorf("linear model has %d biases for %d classes", len(m.Bias), len(m.Classes))
	}
	width := len(m.Weights[0])
	if width == 0 {
		return fmt.Errorf("linear model has no features")
	}
	for i, w := range m.Weights {
		if len(w) != width {
			return fmt.Errorf("weight row %d has %d values, want %d", i, len(w), width)
		}
	}
	if len(m.Features) != 0 && len(m.Features) != width {
		return fmt.Errorf("linear model names %d features for %d weights", len(m.Features), width)
	}
	return nil
}

// NumFeatures returns the expected row width.
func (m *LinearModel) NumFeatures() int {
	return len(m.Weights[0])
}

// PredictProba returns softmax probabilities in class order.
func (m *LinearModel) PredictProba(row []float64) ([]float64, error) {
	if len(row) != m.NumFeatures() {
		return nil, fmt.Errorf("row has %d features, model expects %d", len(row), m.NumFeatures())
	}

	logits := make([]float64, len(m.Classes))
	for c, w := range m.Weights {
		z := m.Bias[c]
		for j, x := range row {
			z += w[j] * x
		}
		logits[c] = z
	}
	return softmax(logits), nil
}

// softmax normalises logits in place and returns them.
func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, z := range logits {
		maxLogit = math.Max(maxLogit, z)
	}
	var sum float64
	for c, z := range logits {
		logits[c] = math.Exp(z - maxLogit)
		sum += logits[c]
	}
	for c := range logits {
		logits[c] /= sum
	}
	return logits
}

// Predict returns the label of the most probable class.
func (m *LinearModel) Predict(row []float64) (int, error) {
	proba, err := m.PredictProba(row)
	if err != nil {
		return 0, err
	}
	return m.Classes[argmax(proba)], nil
}
