// Package predictor decodes decrypted model payloads into classifiers.
package predictor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	apperrors "trade-connector/internal/errors"
)

// Class labels produced by trading models.
const (
	ClassSell = 0
	ClassHold = 1
	ClassBuy  = 2
)

// Predictor classifies one feature row.
type Predictor interface {
	Predict(row []float64) (int, error)
}

// ProbabilityPredictor also reports per-class probabilities.
type ProbabilityPredictor interface {
	Predictor
	PredictProba(row []float64) ([]float64, error)
}

// ErrNoProbabilities is returned by PredictProba when a model only yields labels.
var ErrNoProbabilities = errors.New("model does not output probabilities")

// Decoder builds a Predictor from a payload.
type Decoder func(payload []byte, metadata map[string]any) (Predictor, error)

// Format names recognised in the "format" metadata key.
const (
	FormatLinearJSON = "linear-json"
	FormatONNX       = "onnx"
)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]Decoder{
		FormatLinearJSON: decodeLinear,
		FormatONNX:       decodeONNX,
	}
)

// Register adds or replaces the decoder for format.
func Register(format string, d Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[strings.ToLower(format)] = d
}

// Decode picks a decoder from metadata["format"], or sniffs the payload
// when the key is absent. Any failure wraps ErrDeserialization.
func Decode(payload []byte, metadata map[string]any) (p Predictor, err error) {
	format := strings.ToLower(stringValue(metadata, "format"))
	if format == "" {
		format = sniff(payload)
	}

	decodersMu.RLock()
	d, ok := decoders[format]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown model format %q", apperrors.ErrDeserialization, format)
	}

	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("%w: %s decoder panicked: %v", apperrors.ErrDeserialization, format, r)
		}
	}()

	p, err = d(payload, metadata)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDeserialization) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDeserialization, err)
	}
	return p, nil
}

// Close releases predictor resources when it holds any.
func Close(p Predictor) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func sniff(payload []byte) string {
	var header struct {
		Format string `json:"format"`
	}
	if json.Unmarshal(payload, &header) == nil {
		if header.Format != "" {
			return strings.ToLower(header.Format)
		}
		return FormatLinearJSON
	}
	return FormatONNX
}

func stringValue(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intValue(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// argmax returns the index of the largest value, the first on ties.
func argmax(values []float64) int {
	best := 0
	for i, v := range values[1:] {
		if v > values[best] {
			best = i + 1
		}
	}
	return best
}
