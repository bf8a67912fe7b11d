// Package classifier maps normalized image tensors to probabilities over the diagnosis labels.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/neuroscan/internal/diagnosis"
	"github.com/example/neuroscan/internal/imaging"
)

// Classifier modes reported through the health endpoint.
const (
	ModeONNX     = "onnx"
	ModeRemote   = "grpc"
	ModeFallback = "fallback"
)

// sumTolerance bounds how far a backend's probabilities may drift from a total of 1.
const sumTolerance = 1e-3

// ErrOutputShape is returned when a backend produces a vector that is not a probability
// distribution over the label set.
var ErrOutputShape = errors.New("classifier output does not match label set")

// Classifier predicts label probabilities for one tensor.
type Classifier interface {
	Predict(ctx context.Context, tensor *imaging.Tensor) (diagnosis.Probabilities, error)
	// Mode identifies the backend so degraded operation is never mistaken for a real prediction.
	Mode() string
}

// IsReal reports whether c is backed by a real model.
func IsReal(c Classifier) bool {
	return c != nil && c.Mode() != ModeFallback
}

// checkOutput accepts only finite, non-negative vectors over the label set that sum to 1
// within sumTolerance. Accepted vectors are renormalized to an exact total.
func checkOutput(probs []float64) (diagnosis.Probabilities, error) {
	if len(probs) != len(diagnosis.Labels) {
		return nil, fmt.Errorf("%w: got %d values", ErrOutputShape, len(probs))
	}
	var sum float64
	for i, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return nil, fmt.Errorf("%w: value %v at index %d", ErrOutputShape, p, i)
		}
		sum += p
	}
	if math.Abs(sum-1) > sumTolerance {
		return nil, fmt.Errorf("%w: values sum to %v", ErrOutputShape, sum)
	}
	out := make(diagnosis.Probabilities, len(probs))
	for i, p := range probs {
		out[i] = p / sum
	}
	return out, nil
}
