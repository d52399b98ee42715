package db

import (
	"context"
	"fmt"

	"github.com/handit-ai/handit-core/internal/db/models"
)

// BoundEvaluator is an evaluator attached to a model together with the
// binding's provider overrides.
type BoundEvaluator struct {
	Evaluator models.EvaluationPrompt
	Binding   models.ModelEvaluationPrompt
}

// ListModelEvaluators returns the evaluators attached to a model.
func (s *Store) ListModelEvaluators(ctx context.Context, modelID uint) ([]BoundEvaluator, error) {
	var bindings []models.ModelEvaluationPrompt
	if err := s.conn(ctx).Where("model_id = ?", modelID).Order("id").Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("list evaluator bindings of model %d: %w", modelID, err)
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	ids := make([]uint, len(bindings))
	for i, b := range bindings {
		ids[i] = b.EvaluationPromptID
	}
	var evaluators []models.EvaluationPrompt
	if err := s.conn(ctx).Where("id IN ?", ids).Find(&evaluators).Error; err != nil {
		return nil, fmt.Errorf("load evaluators of model %d: %w", modelID, err)
	}
	byID := make(map[uint]models.EvaluationPrompt, len(evaluators))
	for _, e := range evaluators {
		byID[e.ID] = e
	}

	out := make([]BoundEvaluator, 0, len(bindings))
	for _, b := range bindings {
		e, ok := byID[b.EvaluationPromptID]
		if !ok {
			s.log.Sugar().Warnw("evaluator binding points at missing evaluator",
				"model_id", modelID, "evaluation_prompt_id", b.EvaluationPromptID)
			continue
		}
		out = append(out, BoundEvaluator{Evaluator: e, Binding: b})
	}
	return out, nil
}

// UpsertGlobalEvaluator finds a global evaluator by name or creates it from e.
func (s *Store) UpsertGlobalEvaluator(ctx context.Context, e *models.EvaluationPrompt) error {
	var existing models.EvaluationPrompt
	err := s.conn(ctx).Where("name = ? AND company_id IS NULL", e.Name).Limit(1).Find(&existing).Error
	if err != nil {
		return fmt.Errorf("find evaluator %q: %w", e.Name, err)
	}
	if existing.ID != 0 {
		*e = existing
		return nil
	}
	e.CompanyID = nil
	if err := s.conn(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("create evaluator %q: %w", e.Name, err)
	}
	return nil
}

// CreateEvaluator inserts e.
func (s *Store) CreateEvaluator(ctx context.Context, e *models.EvaluationPrompt) error {
	if err := s.conn(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("create evaluator %q: %w", e.Name, err)
	}
	return nil
}

// AttachEvaluator binds an evaluator to a model. Attaching twice is a no-op.
func (s *Store) AttachEvaluator(ctx context.Context, binding *models.ModelEvaluationPrompt) error {
	err := s.conn(ctx).
		Where(models.ModelEvaluationPrompt{ModelID: binding.ModelID, EvaluationPromptID: binding.EvaluationPromptID}).
		Attrs(models.ModelEvaluationPrompt{Provider: binding.Provider, LLMModel: binding.LLMModel, Token: binding.Token}).
		FirstOrCreate(binding).Error
	if err != nil {
		return fmt.Errorf("attach evaluator %d to model %d: %w", binding.EvaluationPromptID, binding.ModelID, err)
	}
	return nil
}

// CreateEvaluationLog inserts an evaluation result.
func (s *Store) CreateEvaluationLog(ctx context.Context, l *models.EvaluationLog) error {
	if err := s.conn(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("create evaluation log for log %d: %w", l.ModelLogID, err)
	}
	return nil
}

// ListEvaluationLogs returns the evaluation results of one model log.
func (s *Store) ListEvaluationLogs(ctx context.Context, modelLogID uint) ([]models.EvaluationLog, error) {
	var out []models.EvaluationLog
	err := s.conn(ctx).Where("model_log_id = ?", modelLogID).Order("id").Find(&out).Error
	return out, err
}

// CountInsights counts the live insights of a model.
func (s *Store) CountInsights(ctx context.Context, modelID uint) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&models.Insight{}).Where("model_id = ?", modelID).Count(&n).Error
	return n, err
}

// ListInsights returns the live insights of a model, oldest first.
func (s *Store) ListInsights(ctx context.Context, modelID uint) ([]models.Insight, error) {
	var out []models.Insight
	err := s.conn(ctx).Where("model_id = ?", modelID).Order("id").Find(&out).Error
	return out, err
}

// CreateInsight inserts i.
func (s *Store) CreateInsight(ctx context.Context, i *models.Insight) error {
	if err := s.conn(ctx).Create(i).Error; err != nil {
		return fmt.Errorf("create insight for model %d: %w", i.ModelID, err)
	}
	return nil
}

// ConsumeInsights soft-deletes insights once the optimizer used them.
func (s *Store) ConsumeInsights(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.conn(ctx).Where("id IN ?", ids).Delete(&models.Insight{}).Error; err != nil {
		return fmt.Errorf("consume insights: %w", err)
	}
	return nil
}
