// Package diagnosis turns classifier output into the record that is returned and persisted.
package diagnosis

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultRequester is used when a request carries no identity.
const DefaultRequester = "demo_user"

// Labels is the fixed label order shared with the model output.
var Labels = [...]string{"pituitary", "glioma", "notumor", "meningioma"}

// NoTumor is the label that means a clean scan.
const NoTumor = "notumor"

// ErrShape is returned when a probability vector does not match the label set.
var ErrShape = errors.New("probability vector must have exactly 4 values")

// Probabilities is a classifier output aligned with Labels.
type Probabilities []float64

// Record is the immutable classification result for one upload.
type Record struct {
	RecordID       string             `json:"recordId,omitempty"`
	RequesterID    string             `json:"requesterId"`
	TumorType      string             `json:"tumorType"`
	HasTumor       bool               `json:"hasTumor"`
	DiagnosisLabel string             `json:"diagnosisLabel"`
	ClassIndex     int                `json:"classIndex"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	ImageReference string             `json:"imageReference"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// ConfidencePercentage renders the confidence as "NN.NN%".
func (r Record) ConfidencePercentage() string {
	return fmt.Sprintf("%.2f%%", r.Confidence*100)
}

// WithID returns a copy of r carrying the ledger-assigned id.
func (r Record) WithID(id string) Record {
	r.RecordID = id
	probs := make(map[string]float64, len(r.Probabilities))
	for k, v := range r.Probabilities {
		probs[k] = v
	}
	r.Probabilities = probs
	return r
}

// ArgMax returns the index of the largest value. Ties go to the lowest index.
func ArgMax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

// Label returns the human readable diagnosis for a tumor type.
func Label(tumorType string) string {
	if tumorType == NoTumor {
		return "No Tumor"
	}
	if tumorType == "" {
		return "Tumor"
	}
	return strings.ToUpper(tumorType[:1]) + strings.ToLower(tumorType[1:]) + " Tumor"
}

// Assemble builds a Record from a probability vector. It is pure apart from the
// caller-supplied createdAt.
func Assemble(probs Probabilities, requesterID, imageRef string, createdAt time.Time) (Record, error) {
	if len(probs) != len(Labels) {
		return Record{}, fmt.Errorf("%w: got %d", ErrShape, len(probs))
	}
	if requesterID == "" {
		requesterID = DefaultRequester
	}

	idx := ArgMax(probs)
	tumorType := Labels[idx]
	byLabel := make(map[string]float64, len(Labels))
	for i, label := range Labels {
		byLabel[label] = probs[i]
	}

	return Record{
		RequesterID:    requesterID,
		TumorType:      tumorType,
		HasTumor:       tumorType != NoTumor,
		DiagnosisLabel: Label(tumorType),
		ClassIndex:     idx,
		Confidence:     probs[idx],
		Probabilities:  byLabel,
		ImageReference: imageRef,
		CreatedAt:      createdAt.UTC(),
	}, nil
}

// Vector returns the record's probabilities in label order.
func (r Record) Vector() Probabilities {
	out := make(Probabilities, len(Labels))
	for i, label := range Labels {
		out[i] = r.Probabilities[label]
	}
	return out
}

// LabelStat aggregates a requester's records for one tumor type.
type LabelStat struct {
	TumorType         string
	Count             int64
	AverageConfidence float64
}
