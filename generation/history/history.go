package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/meshforge/generation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 50

// RunRecord is one finished generation. Columns match the SQL migrations in
// internal/migration/migrations.
type RunRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SessionID      string    `gorm:"size:64;not null;index:idx_run_records_session,priority:1" json:"session_id"`
	Generation     uint64    `gorm:"not null" json:"generation"`
	Outcome        string    `gorm:"size:16;not null;index:idx_run_records_outcome,priority:1" json:"outcome"`
	MeshURL        string    `gorm:"type:text;not null;default:''" json:"mesh_url,omitempty"`
	Error          string    `gorm:"type:text;not null;default:''" json:"error,omitempty"`
	ViewCount      int       `gorm:"not null;default:0" json:"view_count"`
	ElapsedSeconds float64   `gorm:"not null;default:0" json:"elapsed_seconds"`
	StartedAt      time.Time `gorm:"not null" json:"started_at"`
	FinishedAt     time.Time `gorm:"not null;index:idx_run_records_outcome,priority:2" json:"finished_at"`
	CreatedAt      time.Time `gorm:"index:idx_run_records_session,priority:2" json:"created_at"`
}

// TableName 固定表名，与迁移脚本一致
func (RunRecord) TableName() string { return "run_records" }

// FromSummary converts an orchestrator summary into a record.
func FromSummary(run generation.RunSummary) RunRecord {
	return RunRecord{
		SessionID:      run.SessionID,
		Generation:     run.Generation,
		Outcome:        run.Outcome,
		MeshURL:        run.MeshURL,
		Error:          run.Error,
		ViewCount:      run.ViewCount,
		ElapsedSeconds: run.Elapsed.Seconds(),
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}
}

// Store persists run records with gorm. It implements generation.Recorder.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a run history store over db
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "run_history"))}, nil
}

// AutoMigrate creates or updates the run_records table. Deployments that run
// `meshforge migrate` can leave database.auto_migrate off.
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&RunRecord{}); err != nil {
		return fmt.Errorf("auto migrate run_records: %w", err)
	}
	return nil
}

// RunFinished records one finished generation.
func (s *Store) RunFinished(ctx context.Context, run generation.RunSummary) error {
	rec := FromSummary(run)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	s.logger.Debug("run recorded",
		zap.String("session_id", run.SessionID),
		zap.Uint64("generation", run.Generation),
		zap.String("outcome", run.Outcome))
	return nil
}

// List returns a session's most recent runs, newest first.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var records []RunRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("generation DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	return records, nil
}

// CountByOutcome returns how many runs ended with each outcome.
func (s *Store) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		Count   int64
	}
	err := s.db.WithContext(ctx).
		Model(&RunRecord{}).
		Select("outcome, count(*) AS count").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count run records: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Outcome] = r.Count
	}
	return out, nil
}
