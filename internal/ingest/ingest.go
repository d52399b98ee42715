// Package ingest is the write path for model logs. Every committed write
// invalidates the model's cached entries and publishes a pipeline event.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/handit-ai/handit-core/internal/apperr"
	"github.com/handit-ai/handit-core/internal/cache"
	"github.com/handit-ai/handit-core/internal/correctness"
	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/handit-ai/handit-core/internal/pipeline"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Publisher receives committed log events.
type Publisher interface {
	Publish(ctx context.Context, ev pipeline.Event) error
}

// Service implements createLog, updateLog and the entries listing.
type Service struct {
	store     *db.Store
	cache     cache.Store
	publisher Publisher
	ttl       time.Duration
	log       *zap.Logger
}

// NewService builds a Service. publisher may be nil, in which case no events
// are published.
func NewService(store *db.Store, c cache.Store, publisher Publisher, ttl time.Duration, log *zap.Logger) *Service {
	return &Service{store: store, cache: c, publisher: publisher, ttl: ttl, log: logging.OrNop(log)}
}

// SetPublisher wires the event sink after construction; the pipeline and the
// write path reference each other.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// CreateInput is the payload of createLog.
type CreateInput struct {
	ModelID     uint            `json:"model_id"`
	AgentLogID  *uint           `json:"agent_log_id,omitempty"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	Predicted   json.RawMessage `json:"predicted,omitempty"`
	Status      string          `json:"status,omitempty"`
	Environment string          `json:"environment,omitempty"`
}

// CreateLog validates and stores a log, then triggers the pipeline.
func (s *Service) CreateLog(ctx context.Context, in CreateInput) (*models.ModelLog, error) {
	if in.ModelID == 0 {
		return nil, apperr.Validation("model_id is required")
	}
	if !present(in.Input) {
		return nil, apperr.Validation("input is required")
	}
	if !present(in.Output) {
		return nil, apperr.Validation("output is required")
	}
	l := &models.ModelLog{
		ModelID:     in.ModelID,
		AgentLogID:  in.AgentLogID,
		Input:       datatypes.JSON(in.Input),
		Output:      datatypes.JSON(in.Output),
		Status:      in.Status,
		Environment: in.Environment,
	}
	if present(in.Predicted) {
		l.Predicted = datatypes.JSON(in.Predicted)
	}
	if err := s.RecordLog(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// RecordLog stores a fully built log. It is also the entry point for logs
// derived by the pipeline, such as A/B replays.
func (s *Service) RecordLog(ctx context.Context, l *models.ModelLog) error {
	if l.Status == "" {
		l.Status = models.LogStatusSuccess
	}
	if l.Environment == "" {
		l.Environment = models.EnvironmentProduction
	}
	if err := validStatus(l.Status); err != nil {
		return err
	}
	if err := validEnvironment(l.Environment); err != nil {
		return err
	}
	m, err := s.store.GetModel(ctx, l.ModelID)
	if err != nil {
		return err
	}
	if err := s.store.CreateLog(ctx, l); err != nil {
		return err
	}
	s.invalidate(m.ID)
	s.publish(ctx, pipeline.Event{Kind: pipeline.LogCreated, LogID: l.ID, ModelID: m.ID, CompanyID: m.CompanyID})
	return nil
}

// UpdateInput is the payload of updateLog. Nil fields are left unchanged.
type UpdateInput struct {
	Actual json.RawMessage `json:"actual,omitempty"`
	Status *string         `json:"status,omitempty"`
}

// UpdateLog sets actual and/or status. The pipeline is triggered only when
// actual becomes known for the first time or the status turns to error.
func (s *Service) UpdateLog(ctx context.Context, id uint, in UpdateInput) (*models.ModelLog, error) {
	if !present(in.Actual) && in.Status == nil {
		return nil, apperr.Validation("actual or status is required")
	}
	if in.Status != nil {
		if err := validStatus(*in.Status); err != nil {
			return nil, err
		}
	}
	l, err := s.store.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	actualNew := false
	if present(in.Actual) {
		actualNew = !l.HasActual()
		l.Actual = datatypes.JSON(in.Actual)
		correct := correctness.IsCorrect(l)
		l.IsCorrect = &correct
		fields["actual"] = l.Actual
		fields["is_correct"] = correct
	}
	statusFlip := false
	if in.Status != nil && *in.Status != l.Status {
		statusFlip = *in.Status == models.LogStatusError
		l.Status = *in.Status
		fields["status"] = l.Status
	}
	if len(fields) == 0 {
		return l, nil
	}
	if err := s.store.UpdateLogFields(ctx, id, fields); err != nil {
		return nil, err
	}
	s.invalidate(l.ModelID)

	if actualNew || statusFlip {
		m, err := s.store.GetModel(ctx, l.ModelID)
		if err != nil {
			s.log.Warn("log updated for missing model", zap.Uint("log_id", id), zap.Error(err))
			return l, nil
		}
		s.publish(ctx, pipeline.Event{Kind: pipeline.LogUpdated, LogID: id, ModelID: m.ID, CompanyID: m.CompanyID})
	}
	return l, nil
}

// SetActual records an automatic verdict. It never replaces an actual that
// arrived in the meantime; the update event is published only when the
// verdict was written.
func (s *Service) SetActual(ctx context.Context, logID uint, actual []byte) error {
	if !present(actual) {
		return apperr.Validation("actual is required")
	}
	l, err := s.store.GetLog(ctx, logID)
	if err != nil {
		return err
	}
	l.Actual = datatypes.JSON(actual)
	won, err := s.store.SetActualIfUnknown(ctx, logID, l.Actual, correctness.IsCorrect(l))
	if err != nil {
		return err
	}
	if !won {
		logging.FromContext(ctx, s.log).Debug("verdict skipped, actual already known", zap.Uint("log_id", logID))
		return nil
	}
	s.invalidate(l.ModelID)
	m, err := s.store.GetModel(ctx, l.ModelID)
	if err != nil {
		return err
	}
	s.publish(ctx, pipeline.Event{Kind: pipeline.LogUpdated, LogID: logID, ModelID: m.ID, CompanyID: m.CompanyID})
	return nil
}

// EntriesPage is one page of a model's logs.
type EntriesPage struct {
	Entries  []models.ModelLog `json:"entries"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// ListEntries returns a page of logs, served from the cache when possible.
func (s *Service) ListEntries(ctx context.Context, q db.EntriesQuery) (*EntriesPage, error) {
	if q.ModelID == 0 {
		return nil, apperr.Validation("model id is required")
	}
	if q.Type == "" {
		q.Type = db.EntriesAll
	}
	switch q.Type {
	case db.EntriesAll, db.EntriesCorrect, db.EntriesIncorrect, db.EntriesError, db.EntriesUnprocessed:
	default:
		return nil, apperr.Validation("unknown entries type %q", q.Type)
	}
	if q.Environment != "" {
		if err := validEnvironment(q.Environment); err != nil {
			return nil, err
		}
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	if q.PageSize > 200 {
		q.PageSize = 200
	}

	key := cache.EntriesKey(q.ModelID, q.Type, q.Page, q.PageSize, q.Environment)
	var page EntriesPage
	if s.cache != nil && cache.GetJSON(s.cache, key, &page) {
		return &page, nil
	}
	if _, err := s.store.GetModel(ctx, q.ModelID); err != nil {
		return nil, err
	}
	entries, total, err := s.store.ListEntries(ctx, q)
	if err != nil {
		return nil, err
	}
	page = EntriesPage{Entries: entries, Total: total, Page: q.Page, PageSize: q.PageSize}
	if page.Entries == nil {
		page.Entries = []models.ModelLog{}
	}
	if s.cache != nil {
		if err := cache.SetJSON(s.cache, key, page, s.ttl); err != nil {
			s.log.Warn("failed to cache entries", zap.String("key", key), zap.Error(err))
		}
	}
	return &page, nil
}

func (s *Service) invalidate(modelID uint) {
	if s.cache == nil {
		return
	}
	n := s.cache.DeletePattern(cache.EntriesPrefix(modelID))
	s.log.Debug("invalidated entries cache", zap.Uint("model_id", modelID), zap.Int("keys", n))
}

func (s *Service) publish(ctx context.Context, ev pipeline.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		logging.FromContext(ctx, s.log).Warn("failed to publish log event", zap.Stringer("event", ev), zap.Error(err))
	}
}

func present(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return t != "" && t != "null"
}

func validStatus(status string) error {
	switch status {
	case models.LogStatusSuccess, models.LogStatusError, models.LogStatusCrash:
		return nil
	}
	return apperr.Validation("unknown status %q", status)
}

func validEnvironment(env string) error {
	switch env {
	case models.EnvironmentProduction, models.EnvironmentStaging:
		return nil
	}
	return apperr.Validation("unknown environment %q", env)
}

var _ pipeline.LogWriter = (*Service)(nil)
