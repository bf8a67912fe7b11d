package classifier

import (
	"errors"
	"math"
	"testing"
)

func TestCheckOutputRejectsInvalidDistributions(t *testing.T) {
	cases := map[string][]float64{
		"short":       {0.5, 0.5},
		"negative":    {1.2, -0.2, 0, 0},
		"nan":         {math.NaN(), 0.5, 0.25, 0.25},
		"inf":         {math.Inf(1), 0, 0, 0},
		"logits":      {2.1, -0.3, 0.4, 1.0},
		"underweight": {0.1, 0.1, 0.1, 0.1},
	}
	for name, probs := range cases {
		if _, err := checkOutput(probs); !errors.Is(err, ErrOutputShape) {
			t.Fatalf("%s: expected ErrOutputShape, got %v", name, err)
		}
	}
}

func TestCheckOutputRenormalizesWithinTolerance(t *testing.T) {
	probs, err := checkOutput([]float64{0.1, 0.2, 0.6, 0.1005})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("expected exact total, got %v", sum)
	}
	if probs[2] <= probs[1] {
		t.Fatalf("renormalization must keep the ordering, got %v", probs)
	}
}
