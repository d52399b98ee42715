package db

import (
	"context"
	"fmt"
	"time"

	"github.com/handit-ai/handit-core/internal/db/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry filters for ListEntries.
const (
	EntriesAll         = "all"
	EntriesCorrect     = "correct"
	EntriesIncorrect   = "incorrect"
	EntriesError       = "error"
	EntriesUnprocessed = "unprocessed"
)

// EntriesQuery selects one page of a model's logs.
type EntriesQuery struct {
	ModelID     uint
	Type        string
	Page        int
	PageSize    int
	Environment string
}

// CreateLog inserts l.
func (s *Store) CreateLog(ctx context.Context, l *models.ModelLog) error {
	if err := s.conn(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("create log for model %d: %w", l.ModelID, err)
	}
	return nil
}

// GetLog loads a log by id.
func (s *Store) GetLog(ctx context.Context, id uint) (*models.ModelLog, error) {
	var l models.ModelLog
	if err := s.conn(ctx).First(&l, id).Error; err != nil {
		return nil, notFound(err, "log", id)
	}
	return &l, nil
}

// UpdateLogFields applies a column map to a log. Maps are used so that false
// and empty values are written.
func (s *Store) UpdateLogFields(ctx context.Context, id uint, fields map[string]any) error {
	res := s.conn(ctx).Model(&models.ModelLog{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update log %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "log", id)
	}
	return nil
}

// SetActualIfUnknown writes actual and is_correct only while the log has no
// actual yet. It reports whether the write happened.
func (s *Store) SetActualIfUnknown(ctx context.Context, id uint, actual datatypes.JSON, isCorrect bool) (bool, error) {
	res := s.conn(ctx).Model(&models.ModelLog{}).
		Where("id = ? AND (actual IS NULL OR actual = ?)", id, "null").
		Updates(map[string]any{"actual": actual, "is_correct": isCorrect})
	if res.Error != nil {
		return false, fmt.Errorf("set actual on log %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimLogFlag atomically flips a boolean idempotency column from false to
// true. It reports whether this caller won the claim.
func (s *Store) ClaimLogFlag(ctx context.Context, id uint, column string) (bool, error) {
	switch column {
	case "processed", "metric_processed", "auto_evaluation_processed":
	default:
		return false, fmt.Errorf("claim log %d: unknown flag %q", id, column)
	}
	res := s.conn(ctx).Model(&models.ModelLog{}).
		Where("id = ? AND "+column+" = ?", id, false).
		Update(column, true)
	if res.Error != nil {
		return false, fmt.Errorf("claim %s on log %d: %w", column, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListIncorrectLogs returns the most recent incorrect logs of a model, newest
// first. Replay logs are included since they run against the same prompt.
func (s *Store) ListIncorrectLogs(ctx context.Context, modelID uint, limit int, since time.Time) ([]models.ModelLog, error) {
	q := s.conn(ctx).
		Where("model_id = ?", modelID).
		Where("(is_correct = ? OR status = ?)", false, models.LogStatusError)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.ModelLog
	err := q.Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

// CountReplayLogs counts logs of a model that replay another log.
func (s *Store) CountReplayLogs(ctx context.Context, modelID uint) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&models.ModelLog{}).
		Where("model_id = ? AND original_log_id IS NOT NULL", modelID).
		Count(&n).Error
	return n, err
}

// ListEntries returns one page of logs and the total matching count.
func (s *Store) ListEntries(ctx context.Context, q EntriesQuery) ([]models.ModelLog, int64, error) {
	tx := s.conn(ctx).Model(&models.ModelLog{}).Where("model_id = ?", q.ModelID)
	if q.Environment != "" {
		tx = tx.Where("environment = ?", q.Environment)
	}
	switch q.Type {
	case EntriesCorrect:
		tx = tx.Where("is_correct = ?", true)
	case EntriesIncorrect:
		tx = tx.Where("is_correct = ?", false)
	case EntriesError:
		tx = tx.Where("status = ?", models.LogStatusError)
	case EntriesUnprocessed:
		tx = tx.Where("processed = ?", false)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count entries of model %d: %w", q.ModelID, err)
	}
	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	var out []models.ModelLog
	err := tx.Order("created_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list entries of model %d: %w", q.ModelID, err)
	}
	return out, total, nil
}

// LogCounts summarizes a model's logs.
type LogCounts struct {
	Total     int64
	Errors    int64
	Evaluated int64
	Correct   int64
}

// CountLogs aggregates totals for a model.
func (s *Store) CountLogs(ctx context.Context, modelID uint) (LogCounts, error) {
	var c LogCounts
	err := s.conn(ctx).Model(&models.ModelLog{}).
		Select(
			"COUNT(*) AS total, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS errors, "+
				"COALESCE(SUM(CASE WHEN is_correct IS NOT NULL THEN 1 ELSE 0 END), 0) AS evaluated, "+
				"COALESCE(SUM(CASE WHEN is_correct = 1 THEN 1 ELSE 0 END), 0) AS correct",
			models.LogStatusError,
		).
		Where("model_id = ?", modelID).
		Scan(&c).Error
	if err != nil {
		return LogCounts{}, fmt.Errorf("count logs of model %d: %w", modelID, err)
	}
	return c, nil
}

// EvaluatedLog is the projection used for accuracy series.
type EvaluatedLog struct {
	IsCorrect bool
	CreatedAt time.Time
}

// ListEvaluatedLogs returns correctness and timestamp of evaluated logs since
// a point in time.
func (s *Store) ListEvaluatedLogs(ctx context.Context, modelID uint, since time.Time) ([]EvaluatedLog, error) {
	var out []EvaluatedLog
	err := s.conn(ctx).Model(&models.ModelLog{}).
		Select("is_correct, created_at").
		Where("model_id = ? AND is_correct IS NOT NULL AND created_at >= ?", modelID, since).
		Order("created_at").
		Scan(&out).Error
	return out, err
}

// GetAgentLog loads an agent log.
func (s *Store) GetAgentLog(ctx context.Context, id uint) (*models.AgentLog, error) {
	var a models.AgentLog
	if err := s.conn(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err, "agent log", id)
	}
	return &a, nil
}

// SetAgentLogStatus updates the status of an agent run.
func (s *Store) SetAgentLogStatus(ctx context.Context, id uint, status string) error {
	res := s.conn(ctx).Model(&models.AgentLog{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update agent log %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "agent log", id)
	}
	return nil
}
