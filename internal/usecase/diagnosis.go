package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/neuroscan/internal/classifier"
	"github.com/example/neuroscan/internal/diagnosis"
	"github.com/example/neuroscan/internal/imaging"
	"github.com/example/neuroscan/internal/logging"
	"github.com/example/neuroscan/internal/notify"
	"github.com/example/neuroscan/internal/storage"
)

var (
	// ErrInput means the request carried no image. The caller can fix it.
	ErrInput = errors.New("no image uploaded")
	// ErrDecode means the upload is not a readable image.
	ErrDecode = errors.New("uploaded file is not a readable image")
	// ErrInternal covers unexpected staging, classifier or assembler faults.
	ErrInternal = errors.New("internal pipeline failure")
)

// Stage is a step of the per-request pipeline.
type Stage int

const (
	StageReceived Stage = iota
	StageStaged
	StageNormalized
	StageClassified
	StageAssembled
	StagePersisted
	StageResponded
)

var stageNames = [...]string{"received", "staged", "normalized", "classified", "assembled", "persisted", "responded"}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Ledger is the persistence the pipeline needs. Append, QueryByRequester and TumorTypeStats
// never fail; unavailability shows up as ok=false or an empty slice.
type Ledger interface {
	Append(ctx context.Context, rec diagnosis.Record) (string, bool)
	QueryByRequester(ctx context.Context, requesterID string) []diagnosis.Record
	TumorTypeStats(ctx context.Context, requesterID string) []diagnosis.LabelStat
	FindByID(ctx context.Context, requesterID, recordID string) (diagnosis.Record, error)
	Ping(ctx context.Context) error
}

// ImageStager stores uploads so the record's image reference resolves later.
type ImageStager interface {
	Stage(originalName string, data []byte) (storage.StagedImage, error)
}

// Publisher announces finished diagnoses.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// NormalizeFunc converts raw upload bytes into a classifier tensor.
type NormalizeFunc func(raw []byte) (*imaging.Tensor, error)

// Upload is one inbound scan.
type Upload struct {
	Filename    string
	Data        []byte
	RequesterID string
}

// Outcome is what the pipeline hands back for a successful request.
type Outcome struct {
	RequestID  string
	Record     diagnosis.Record
	Image      storage.StagedImage
	Persisted  bool
	Classifier string
	Stage      Stage
}

// Option customizes a DiagnosisUseCase.
type Option func(*DiagnosisUseCase)

// WithCache enables the per-requester results cache.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *DiagnosisUseCase) {
		uc.cache = cache
		uc.cacheTTL = ttl
	}
}

// WithPublisher enables diagnosis events.
func WithPublisher(p Publisher) Option {
	return func(uc *DiagnosisUseCase) { uc.publisher = p }
}

// WithNormalizer replaces the image normalizer.
func WithNormalizer(fn NormalizeFunc) Option {
	return func(uc *DiagnosisUseCase) { uc.normalize = fn }
}

// WithClock replaces the time source used for createdAt.
func WithClock(now func() time.Time) Option {
	return func(uc *DiagnosisUseCase) { uc.now = now }
}

// DiagnosisUseCase runs the inference-and-ledger pipeline.
type DiagnosisUseCase struct {
	classifier classifier.Classifier
	ledger     Ledger
	stager     ImageStager
	normalize  NormalizeFunc
	cache      Cache
	cacheTTL   time.Duration
	publisher  Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// NewDiagnosisUseCase wires the pipeline. The classifier is fixed for the life of the use case.
func NewDiagnosisUseCase(c classifier.Classifier, ledger Ledger, stager ImageStager, logger *zap.Logger, opts ...Option) *DiagnosisUseCase {
	uc := &DiagnosisUseCase{
		classifier: c,
		ledger:     ledger,
		stager:     stager,
		normalize:  imaging.Normalize,
		cacheTTL:   5 * time.Minute,
		logger:     logger.Named("diagnosis_usecase"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// ClassifierMode reports which classifier is active.
func (uc *DiagnosisUseCase) ClassifierMode() string {
	return uc.classifier.Mode()
}

// Diagnose runs one upload through staging, normalization, classification, assembly
// and best-effort persistence.
func (uc *DiagnosisUseCase) Diagnose(ctx context.Context, upload Upload) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.diagnose", requestID)

	if len(upload.Data) == 0 {
		return nil, logging.NewOperationError("usecase.receive", requestID, ErrInput)
	}

	staged, err := uc.stager.Stage(upload.Filename, upload.Data)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.stage", requestID, errors.Join(ErrInternal, err))
		opLogger.Error("failed to stage upload", zap.Error(wrapped))
		return nil, wrapped
	}

	tensor, err := uc.normalize(upload.Data)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.normalize", requestID, errors.Join(ErrDecode, err))
		opLogger.Info("rejected undecodable upload", zap.Error(wrapped), zap.String("file", staged.Name))
		return nil, wrapped
	}

	probs, err := uc.predict(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, errors.Join(ErrInternal, err))
		opLogger.Error("classifier failed", zap.Error(wrapped), zap.String("classifier", uc.classifier.Mode()))
		return nil, wrapped
	}

	rec, err := diagnosis.Assemble(probs, upload.RequesterID, staged.FilePath, uc.now())
	if err != nil {
		wrapped := logging.NewOperationError("usecase.assemble", requestID, errors.Join(ErrInternal, err))
		opLogger.Error("failed to assemble diagnosis", zap.Error(wrapped))
		return nil, wrapped
	}

	outcome := &Outcome{
		RequestID:  requestID,
		Record:     rec,
		Image:      staged,
		Classifier: uc.classifier.Mode(),
		Stage:      StageAssembled,
	}

	if id, ok := uc.ledger.Append(ctx, rec); ok {
		outcome.Record = rec.WithID(id)
		outcome.Persisted = true
		outcome.Stage = StagePersisted
		uc.invalidateResults(ctx, requestID, rec.RequesterID)
	} else {
		opLogger.Warn("diagnosis returned without persistence", zap.String("requester_id", rec.RequesterID))
	}

	uc.publish(ctx, requestID, outcome)

	outcome.Stage = StageResponded
	opLogger.Info("diagnosis completed",
		zap.String("tumor_type", outcome.Record.TumorType),
		zap.Float64("confidence", outcome.Record.Confidence),
		zap.String("classifier", outcome.Classifier),
		zap.Bool("persisted", outcome.Persisted))
	return outcome, nil
}

// predict shields the pipeline from classifier panics.
func (uc *DiagnosisUseCase) predict(ctx context.Context, tensor *imaging.Tensor) (probs diagnosis.Probabilities, err error) {
	defer func() {
		if r := recover(); r != nil {
			probs, err = nil, fmt.Errorf("classifier panic: %v", r)
		}
	}()
	return uc.classifier.Predict(ctx, tensor)
}

// Results returns the requester's diagnoses, most recent first.
func (uc *DiagnosisUseCase) Results(ctx context.Context, requesterID string) []diagnosis.Record {
	opLogger := logging.WithOperation(uc.logger, "usecase.results", "")

	key, cacheable := uc.currentResultsKey(ctx, requesterID)
	if cacheable {
		cached, err := uc.cache.Get(ctx, key)
		switch {
		case err == nil:
			var records []diagnosis.Record
			decodeErr := json.Unmarshal([]byte(cached), &records)
			if decodeErr == nil {
				return records
			}
			opLogger.Warn("failed to decode cached results", zap.Error(decodeErr))
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	records := uc.ledger.QueryByRequester(ctx, requesterID)

	// An empty list may only mean the ledger is down, so it is never cached.
	if cacheable && len(records) > 0 {
		if serialized, err := json.Marshal(records); err == nil {
			if err := uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL); err != nil {
				opLogger.Warn("failed to cache results", zap.Error(err))
			}
		}
	}
	return records
}

// currentResultsKey resolves the cache key for the requester's current generation. It must be
// read before the ledger so a concurrent append moves later readers to a fresh key.
func (uc *DiagnosisUseCase) currentResultsKey(ctx context.Context, requesterID string) (string, bool) {
	if uc.cache == nil {
		return "", false
	}
	generation, err := uc.cache.Get(ctx, resultsGenerationKey(requesterID))
	switch {
	case errors.Is(err, redis.Nil):
		generation = "0"
	case err != nil:
		logging.WithOperation(uc.logger, "cache.get.generation", "").Warn("failed to read results generation", zap.Error(err))
		return "", false
	}
	return resultsCacheKey(requesterID, generation), true
}

// Result returns one diagnosis owned by requesterID.
func (uc *DiagnosisUseCase) Result(ctx context.Context, requesterID, recordID string) (diagnosis.Record, error) {
	return uc.ledger.FindByID(ctx, requesterID, recordID)
}

func (uc *DiagnosisUseCase) invalidateResults(ctx context.Context, requestID, requesterID string) {
	if uc.cache == nil {
		return
	}
	if _, err := uc.cache.Incr(ctx, resultsGenerationKey(requesterID)); err != nil {
		logging.WithOperation(uc.logger, "cache.incr.results", requestID).Warn("failed to invalidate cached results", zap.Error(err))
	}
}

func (uc *DiagnosisUseCase) publish(ctx context.Context, requestID string, outcome *Outcome) {
	if uc.publisher == nil {
		return
	}
	if err := uc.publisher.Publish(ctx, notify.NewEvent(outcome.Record, outcome.Classifier)); err != nil {
		logging.WithOperation(uc.logger, "notify.publish", requestID).Warn("failed to publish diagnosis event", zap.Error(err))
	}
}
