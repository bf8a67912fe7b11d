package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/neuroscan/internal/diagnosis"
	"github.com/example/neuroscan/internal/imaging"
)

// Metadata describes the exported model next to the ONNX artifact.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
}

// channelsFirst reports whether the model expects NCHW input.
func (m Metadata) channelsFirst() bool {
	return len(m.InputShape) == 4 && m.InputShape[1] == imaging.Channels && m.InputShape[3] != imaging.Channels
}

func (m Metadata) validate() error {
	var elems int64 = 1
	for _, d := range m.InputShape {
		elems *= d
	}
	if len(m.InputShape) != 4 || elems != int64(imaging.Size*imaging.Size*imaging.Channels) {
		return fmt.Errorf("input shape %v does not hold a %dx%dx%d tensor", m.InputShape, imaging.Size, imaging.Size, imaging.Channels)
	}
	var outs int64 = 1
	for _, d := range m.OutputShape {
		outs *= d
	}
	if outs != int64(len(diagnosis.Labels)) {
		return fmt.Errorf("output shape %v does not hold %d classes", m.OutputShape, len(diagnosis.Labels))
	}
	if len(m.Classes) != 0 {
		if len(m.Classes) != len(diagnosis.Labels) {
			return fmt.Errorf("metadata lists %d classes, want %d", len(m.Classes), len(diagnosis.Labels))
		}
		for i, label := range diagnosis.Labels {
			if m.Classes[i] != label {
				return fmt.Errorf("class %d is %q, want %q", i, m.Classes[i], label)
			}
		}
	}
	return nil
}

// LoadMetadata reads and validates model metadata.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}
	if err := meta.validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// ONNXClassifier runs a local ONNX model. The session is bound to preallocated tensors,
// so Run is serialized.
type ONNXClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	metadata     Metadata
}

// NewONNXClassifier loads the model. Every failure happens here so Predict never sees a
// half-initialized runtime.
func NewONNXClassifier(modelPath, metadataPath, libraryPath string) (*ONNXClassifier, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model artifact unavailable: %w", err)
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		metadata:     metadata,
	}, nil
}

func (c *ONNXClassifier) Mode() string { return ModeONNX }

// Predict copies the tensor into the bound input and runs the session.
func (c *ONNXClassifier) Predict(_ context.Context, tensor *imaging.Tensor) (diagnosis.Probabilities, error) {
	input := tensor.Data
	if c.metadata.channelsFirst() {
		input = tensor.CHW()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.inputTensor.GetData(), input)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := c.outputTensor.GetData()
	probs := make([]float64, len(out))
	for i, v := range out {
		probs[i] = float64(v)
	}
	return checkOutput(probs)
}

// Close releases the session and tensors.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
		c.inputTensor = nil
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
		c.outputTensor = nil
	}
	return ort.DestroyEnvironment()
}
