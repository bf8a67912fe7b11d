package usecase

import (
	"context"

	"github.com/example/neuroscan/internal/diagnosis"
)

// ResultsSummary aggregates a requester's scan history.
type ResultsSummary struct {
	RequesterID       string           `json:"userId"`
	TotalScans        int64            `json:"total_scans"`
	TumorScans        int64            `json:"tumor_scans"`
	TumorRate         float64          `json:"tumor_rate"`
	AverageConfidence float64          `json:"average_confidence"`
	ByType            map[string]int64 `json:"by_type"`
}

// Summary aggregates the requester's persisted diagnoses. Every label is present in ByType;
// an unavailable ledger yields an all-zero summary.
func (uc *DiagnosisUseCase) Summary(ctx context.Context, requesterID string) ResultsSummary {
	summary := ResultsSummary{
		RequesterID: requesterID,
		ByType:      make(map[string]int64, len(diagnosis.Labels)),
	}
	for _, label := range diagnosis.Labels {
		summary.ByType[label] = 0
	}

	var confidenceSum float64
	for _, stat := range uc.ledger.TumorTypeStats(ctx, requesterID) {
		summary.ByType[stat.TumorType] += stat.Count
		summary.TotalScans += stat.Count
		if stat.TumorType != diagnosis.NoTumor {
			summary.TumorScans += stat.Count
		}
		confidenceSum += stat.AverageConfidence * float64(stat.Count)
	}

	if summary.TotalScans > 0 {
		summary.TumorRate = float64(summary.TumorScans) / float64(summary.TotalScans)
		summary.AverageConfidence = confidenceSum / float64(summary.TotalScans)
	}
	return summary
}
