package predictor

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
	ortLib  string
)

// SetONNXLibrary sets the onnxruntime shared library path. It must be
// called before the first ONNX model is decoded to take effect.
func SetONNXLibrary(path string) {
	ortLib = path
}

func defaultONNXLibrary() string {
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "/usr/lib/libonnxruntime.so"
	}
}

func initONNX() error {
	ortOnce.Do(func() {
		lib := ortLib
		if lib == "" {
			lib = defaultONNXLibrary()
		}
		ort.SetSharedLibraryPath(lib)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXModel runs a classifier exported to ONNX. The graph takes a
// [1, n_features] float input and yields either per-class scores
// ([1, n_classes]) or a single label ([1, 1]).
type ONNXModel struct {
	mu       sync.Mutex
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	features int
	classes  int
}

var _ ProbabilityPredictor = (*ONNXModel)(nil)

func decodeONNX(payload []byte, metadata map[string]any) (Predictor, error) {
	features := intValue(metadata, "n_features", 0)
	if features <= 0 {
		return nil, fmt.Errorf("onnx model metadata is missing n_features")
	}
	classes := intValue(metadata, "n_classes", 3)
	if classes <= 0 {
		return nil, fmt.Errorf("onnx model has invalid n_classes %d", classes)
	}

	inputName := stringValue(metadata, "input_name")
	if inputName == "" {
		inputName = "input"
	}
	outputName := stringValue(metadata, "output_name")
	if outputName == "" {
		outputName = "output"
	}

	if err := initONNX(); err != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(features)), make([]float32, features))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(classes)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(payload,
		[]string{inputName}, []string{outputName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &ONNXModel{
		session:  session,
		input:    input,
		output:   output,
		features: features,
		classes:  classes,
	}, nil
}

func (m *ONNXModel) run(row []float64) ([]float64, error) {
	if len(row) != m.features {
		return nil, fmt.Errorf("row has %d features, model expects %d", len(row), m.features)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, fmt.Errorf("onnx model is closed")
	}
	data := m.input.GetData()
	for i, v := range row {
		data[i] = float32(v)
	}
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := m.output.GetData()
	scores := make([]float64, len(out))
	for i, v := range out {
		scores[i] = float64(v)
	}
	return scores, nil
}

// PredictProba returns per-class probabilities. Graphs that end in raw
// logits are passed through softmax. A single-output graph has no
// probabilities.
func (m *ONNXModel) PredictProba(row []float64) ([]float64, error) {
	if m.classes < 2 {
		return nil, ErrNoProbabilities
	}
	scores, err := m.run(row)
	if err != nil {
		return nil, err
	}
	return asDistribution(scores), nil
}

// distributionTolerance is how far from 1 a probability vector may sum.
const distributionTolerance = 1e-3

// asDistribution returns scores unchanged when they already form a
// probability distribution and their softmax otherwise.
func asDistribution(scores []float64) []float64 {
	var sum float64
	for _, v := range scores {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return softmax(scores)
		}
		sum += v
	}
	if math.Abs(sum-1) > distributionTolerance {
		return softmax(scores)
	}
	return scores
}

// Predict returns the class index of the highest score, or the label
// itself for a single-output graph.
func (m *ONNXModel) Predict(row []float64) (int, error) {
	scores, err := m.run(row)
	if err != nil {
		return 0, err
	}
	if m.classes == 1 {
		return int(scores[0]), nil
	}
	return argmax(scores), nil
}

// Close releases the session and tensors.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
	return nil
}
