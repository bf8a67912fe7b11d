package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/neuroscan/internal/diagnosis"
	"github.com/example/neuroscan/internal/logging"
)

var (
	// ErrNotFound is returned when no record matches the requester and id.
	ErrNotFound = errors.New("diagnosis record not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("diagnosis store unavailable")
)

// DiagnosisResult is the persisted form of a diagnosis.Record.
type DiagnosisResult struct {
	Seq            uint               `gorm:"primaryKey;autoIncrement"`
	RecordID       string             `gorm:"column:record_id;uniqueIndex;size:36"`
	RequesterID    string             `gorm:"column:requester_id;size:128;index:idx_requester_created,priority:1"`
	TumorType      string             `gorm:"column:tumor_type;size:32"`
	HasTumor       bool               `gorm:"column:has_tumor"`
	DiagnosisLabel string             `gorm:"column:diagnosis_label;size:64"`
	ClassIndex     int                `gorm:"column:class_index"`
	Confidence     float64            `gorm:"column:confidence"`
	Probabilities  map[string]float64 `gorm:"column:probabilities;serializer:json;type:text"`
	ImageReference string             `gorm:"column:image_reference;type:text"`
	CreatedAt      time.Time          `gorm:"column:created_at;index:idx_requester_created,priority:2"`
}

// TableName overrides the default table name.
func (DiagnosisResult) TableName() string {
	return "diagnosis_results"
}

func fromRecord(rec diagnosis.Record) *DiagnosisResult {
	return &DiagnosisResult{
		RecordID:       rec.RecordID,
		RequesterID:    rec.RequesterID,
		TumorType:      rec.TumorType,
		HasTumor:       rec.HasTumor,
		DiagnosisLabel: rec.DiagnosisLabel,
		ClassIndex:     rec.ClassIndex,
		Confidence:     rec.Confidence,
		Probabilities:  rec.Probabilities,
		ImageReference: rec.ImageReference,
		CreatedAt:      rec.CreatedAt,
	}
}

func (r *DiagnosisResult) toRecord() diagnosis.Record {
	return diagnosis.Record{
		RecordID:       r.RecordID,
		RequesterID:    r.RequesterID,
		TumorType:      r.TumorType,
		HasTumor:       r.HasTumor,
		DiagnosisLabel: r.DiagnosisLabel,
		ClassIndex:     r.ClassIndex,
		Confidence:     r.Confidence,
		Probabilities:  r.Probabilities,
		ImageReference: r.ImageReference,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

// DiagnosisLedger is an append-only, best-effort store of diagnosis records.
// Store failures never propagate out of Append or QueryByRequester.
type DiagnosisLedger struct {
	db      *gorm.DB
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	migrated bool
}

// NewDiagnosisLedger creates a ledger. A nil db yields a ledger that is permanently unavailable.
func NewDiagnosisLedger(db *gorm.DB, logger *zap.Logger, timeout time.Duration) *DiagnosisLedger {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DiagnosisLedger{db: db, logger: logger.Named("diagnosis_ledger"), timeout: timeout}
}

// AutoMigrate ensures the schema is available.
func (l *DiagnosisLedger) AutoMigrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.ensureSchema(ctx)
}

func (l *DiagnosisLedger) ensureSchema(ctx context.Context) error {
	if l.db == nil {
		return ErrUnavailable
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.migrated {
		return nil
	}
	if err := l.db.WithContext(ctx).AutoMigrate(&DiagnosisResult{}); err != nil {
		return err
	}
	l.migrated = true
	return nil
}

// Append inserts rec once and returns the assigned id. ok is false when the store
// could not be reached; the failure is logged and not retried.
func (l *DiagnosisLedger) Append(ctx context.Context, rec diagnosis.Record) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	rec.RecordID = uuid.NewString()
	opLogger := logging.WithOperation(l.logger, "ledger.append", rec.RecordID)

	if err := l.ensureSchema(ctx); err != nil {
		opLogger.Warn("ledger unavailable, diagnosis not persisted", zap.Error(err))
		return "", false
	}
	if err := l.db.WithContext(ctx).Create(fromRecord(rec)).Error; err != nil {
		wrapped := logging.NewOperationError("ledger.append", rec.RecordID, err)
		opLogger.Warn("failed to persist diagnosis", zap.Error(wrapped))
		return "", false
	}
	return rec.RecordID, true
}

// QueryByRequester returns the requester's records, most recent first. It returns an
// empty slice when the store is unavailable.
func (l *DiagnosisLedger) QueryByRequester(ctx context.Context, requesterID string) []diagnosis.Record {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	opLogger := logging.WithOperation(l.logger, "ledger.query_by_requester", "")
	if err := l.ensureSchema(ctx); err != nil {
		opLogger.Warn("ledger unavailable, returning no results", zap.Error(err))
		return []diagnosis.Record{}
	}

	var rows []DiagnosisResult
	err := l.db.WithContext(ctx).
		Where("requester_id = ?", requesterID).
		Order("created_at DESC").
		Order("seq DESC").
		Find(&rows).Error
	if err != nil {
		opLogger.Warn("failed to query diagnoses", zap.Error(err), zap.String("requester_id", requesterID))
		return []diagnosis.Record{}
	}

	records := make([]diagnosis.Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records
}

// TumorTypeStats counts the requester's records per tumor type with their mean confidence.
// Like QueryByRequester it returns an empty slice when the store is unavailable.
func (l *DiagnosisLedger) TumorTypeStats(ctx context.Context, requesterID string) []diagnosis.LabelStat {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	opLogger := logging.WithOperation(l.logger, "ledger.tumor_type_stats", "")
	if err := l.ensureSchema(ctx); err != nil {
		opLogger.Warn("ledger unavailable, returning no statistics", zap.Error(err))
		return []diagnosis.LabelStat{}
	}

	var stats []diagnosis.LabelStat
	err := l.db.WithContext(ctx).
		Model(&DiagnosisResult{}).
		Select("tumor_type, COUNT(*) AS count, AVG(confidence) AS average_confidence").
		Where("requester_id = ?", requesterID).
		Group("tumor_type").
		Order("tumor_type").
		Scan(&stats).Error
	if err != nil {
		opLogger.Warn("failed to aggregate diagnoses", zap.Error(err), zap.String("requester_id", requesterID))
		return []diagnosis.LabelStat{}
	}
	if stats == nil {
		stats = []diagnosis.LabelStat{}
	}
	return stats
}

// FindByID retrieves one record owned by requesterID.
func (l *DiagnosisLedger) FindByID(ctx context.Context, requesterID, recordID string) (diagnosis.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.ensureSchema(ctx); err != nil {
		return diagnosis.Record{}, logging.NewOperationError("ledger.find_by_id", recordID, errors.Join(ErrUnavailable, err))
	}

	var row DiagnosisResult
	err := l.db.WithContext(ctx).First(&row, "record_id = ? AND requester_id = ?", recordID, requesterID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return diagnosis.Record{}, logging.NewOperationError("ledger.find_by_id", recordID, ErrNotFound)
	case err != nil:
		return diagnosis.Record{}, logging.NewOperationError("ledger.find_by_id", recordID, errors.Join(ErrUnavailable, err))
	}
	return row.toRecord(), nil
}

// Ping reports whether the store is reachable.
func (l *DiagnosisLedger) Ping(ctx context.Context) error {
	if l.db == nil {
		return ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
