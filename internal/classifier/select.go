package classifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/neuroscan/internal/config"
)

// Select builds the process-wide classifier once at startup. Any failure to bring up the
// configured real backend yields the fallback classifier; the choice is never revisited.
// The returned close function releases the backend.
func Select(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (Classifier, func() error) {
	noop := func() error { return nil }

	active, closeFn, err := openReal(ctx, cfg, logger)
	if err != nil {
		logger.Warn("real classifier unavailable, predictions are random",
			zap.String("backend", cfg.Backend),
			zap.String("mode", ModeFallback),
			zap.Error(err))
		return NewFallbackClassifier(), noop
	}
	logger.Info("classifier loaded", zap.String("mode", active.Mode()))
	return active, closeFn
}

func openReal(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (Classifier, func() error, error) {
	switch cfg.Backend {
	case ModeONNX:
		c, err := NewONNXClassifier(cfg.Path, cfg.MetadataPath, cfg.LibraryPath)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case ModeRemote:
		c, err := DialRemoteClassifier(ctx, cfg.InferenceAddr, cfg.DialTimeout, cfg.PredictTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "", "none":
		return nil, nil, fmt.Errorf("no model backend configured")
	default:
		return nil, nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
}
