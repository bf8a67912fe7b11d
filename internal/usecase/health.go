package usecase

import (
	"context"
	"time"

	"github.com/example/neuroscan/internal/classifier"
)

// HealthStatus describes which classifier is serving and which stores are reachable.
type HealthStatus struct {
	ModelLoaded     bool      `json:"model_loaded"`
	Classifier      string    `json:"classifier"`
	LedgerAvailable bool      `json:"ledger_available"`
	CacheEnabled    bool      `json:"cache_enabled"`
	CacheAvailable  bool      `json:"cache_available"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Health probes the ledger and cache. It never fails; unreachable stores are reported as such.
func (uc *DiagnosisUseCase) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		ModelLoaded: classifier.IsReal(uc.classifier),
		Classifier:  uc.classifier.Mode(),
		CheckedAt:   uc.now().UTC(),
	}
	status.LedgerAvailable = uc.ledger.Ping(ctx) == nil
	if uc.cache != nil {
		status.CacheEnabled = true
		status.CacheAvailable = uc.cache.Ping(ctx) == nil
	}
	return status
}
