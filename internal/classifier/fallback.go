package classifier

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/example/neuroscan/internal/diagnosis"
	"github.com/example/neuroscan/internal/imaging"
)

// FallbackClassifier draws random probabilities. It only exists so the pipeline stays
// usable when no model could be loaded; its output carries no diagnostic meaning.
type FallbackClassifier struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewFallbackClassifier seeds a fallback classifier from the clock.
func NewFallbackClassifier() *FallbackClassifier {
	return NewFallbackClassifierWithSeed(time.Now().UnixNano())
}

// NewFallbackClassifierWithSeed returns a fallback classifier with a fixed seed.
func NewFallbackClassifierWithSeed(seed int64) *FallbackClassifier {
	return &FallbackClassifier{rng: rand.New(rand.NewSource(seed))}
}

func (f *FallbackClassifier) Mode() string { return ModeFallback }

// Predict draws one non-negative value per label and normalizes them by their sum.
func (f *FallbackClassifier) Predict(_ context.Context, _ *imaging.Tensor) (diagnosis.Probabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		raw := make(diagnosis.Probabilities, len(diagnosis.Labels))
		var sum float64
		for i := range raw {
			raw[i] = f.rng.Float64()
			sum += raw[i]
		}
		if sum == 0 {
			continue
		}
		for i := range raw {
			raw[i] /= sum
		}
		return raw, nil
	}
}
