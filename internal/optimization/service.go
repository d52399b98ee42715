// Package optimization runs the insight, suggestion and candidate steps of
// the optimization loop for single logs, explicit requests and the weekly
// pass.
package optimization

import (
	"context"
	"fmt"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/insights"
	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/handit-ai/handit-core/internal/notify"
	"github.com/handit-ai/handit-core/internal/promptversion"
	"github.com/handit-ai/handit-core/internal/sampling"
	"go.uber.org/zap"
)

// DefaultTriggerPercentage is the per-log chance of attempting optimization.
const DefaultTriggerPercentage = 20

// Result is the outcome of one optimization attempt. An empty Prompt means
// no suggestion was produced.
type Result struct {
	Prompt    string
	Insights  int
	Candidate *promptversion.CandidateResult
}

// Service sequences insight generation, prompt suggestion and candidate
// installation.
type Service struct {
	store      *db.Store
	generator  *insights.Generator
	optimizer  *insights.Optimizer
	versions   *promptversion.Manager
	notifier   notify.Notifier
	sampler    sampling.Sampler
	triggerPct float64
	log        *zap.Logger
}

// Options configures a Service.
type Options struct {
	TriggerPercentage float64
}

func NewService(
	store *db.Store,
	generator *insights.Generator,
	optimizer *insights.Optimizer,
	versions *promptversion.Manager,
	notifier notify.Notifier,
	sampler sampling.Sampler,
	opts Options,
	log *zap.Logger,
) *Service {
	if sampler == nil {
		sampler = sampling.Uniform{}
	}
	return &Service{
		store:      store,
		generator:  generator,
		optimizer:  optimizer,
		versions:   versions,
		notifier:   notifier,
		sampler:    sampler,
		triggerPct: opts.TriggerPercentage,
		log:        logging.OrNop(log),
	}
}

// AttemptForLog draws the optimization trigger for a fresh log and, on a hit,
// runs one optimization of the log's model. Reviewer and optimized models and
// replay logs never trigger. A nil result means nothing was attempted.
func (s *Service) AttemptForLog(ctx context.Context, m *models.Model, l *models.ModelLog) (*Result, error) {
	if m.IsReviewer || m.IsOptimized || l.IsReplay() {
		return nil, nil
	}
	if !sampling.Hit(s.sampler, s.triggerPct) {
		return nil, nil
	}
	return s.optimize(ctx, m)
}

// ApplySuggestions turns the current insights of a model into a candidate
// prompt and installs it. Result.Prompt is empty when there was nothing to
// suggest.
func (s *Service) ApplySuggestions(ctx context.Context, modelID uint) (*Result, error) {
	m, err := s.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	target, _, err := s.versions.OptimizationTarget(ctx, m)
	if err != nil {
		return nil, err
	}
	prompt, err := s.optimizer.ApplySuggestions(ctx, target)
	if err != nil {
		return nil, err
	}
	res := &Result{Prompt: prompt}
	if prompt == "" || m.IsOptimized || m.IsReviewer {
		return res, nil
	}
	if res.Candidate, err = s.installCandidate(ctx, m, prompt); err != nil {
		return nil, err
	}
	return res, nil
}

// UseOptimizedPrompt deploys prompt as the active version of a model.
func (s *Service) UseOptimizedPrompt(ctx context.Context, modelID uint, prompt string) (*models.ModelVersion, error) {
	return s.versions.UseOptimizedPrompt(ctx, modelID, prompt)
}

// WeeklyReport summarizes one weekly pass.
type WeeklyReport struct {
	Models     int `json:"models"`
	Candidates int `json:"candidates"`
	Forks      int `json:"forks"`
	Failures   int `json:"failures"`
}

// RunWeeklyOptimization optimizes every active original model without
// sampling. A failing model is logged and skipped.
func (s *Service) RunWeeklyOptimization(ctx context.Context) (*WeeklyReport, error) {
	candidates, err := s.store.ListOptimizableModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list optimizable models: %w", err)
	}
	report := &WeeklyReport{Models: len(candidates)}
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := s.optimize(ctx, &candidates[i])
		if err != nil {
			report.Failures++
			s.log.Warn("weekly optimization failed", zap.Uint("model_id", candidates[i].ID), zap.Error(err))
			continue
		}
		if res.Candidate != nil {
			report.Candidates++
			if res.Candidate.Forked {
				report.Forks++
			}
		}
	}
	s.log.Info("weekly optimization finished",
		zap.Int("models", report.Models),
		zap.Int("candidates", report.Candidates),
		zap.Int("forks", report.Forks),
		zap.Int("failures", report.Failures))
	return report, nil
}

func (s *Service) optimize(ctx context.Context, m *models.Model) (*Result, error) {
	target, _, err := s.versions.OptimizationTarget(ctx, m)
	if err != nil {
		return nil, err
	}
	created, err := s.generator.Generate(ctx, target)
	if err != nil {
		return nil, err
	}
	prompt, err := s.optimizer.ApplySuggestions(ctx, target)
	if err != nil {
		return nil, err
	}
	res := &Result{Prompt: prompt, Insights: len(created)}
	if prompt == "" {
		return res, nil
	}
	if res.Candidate, err = s.installCandidate(ctx, m, prompt); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) installCandidate(ctx context.Context, m *models.Model, prompt string) (*promptversion.CandidateResult, error) {
	cand, err := s.versions.ApplyCandidate(ctx, m, prompt)
	if err != nil {
		return nil, err
	}
	if cand.Forked {
		s.notifyFork(ctx, m, cand)
	}
	return cand, nil
}

func (s *Service) notifyFork(ctx context.Context, m *models.Model, cand *promptversion.CandidateResult) {
	if s.notifier == nil {
		return
	}
	users, err := s.store.ListCompanyUsers(ctx, m.CompanyID)
	if err != nil {
		s.log.Warn("failed to load company users", zap.Uint("company_id", m.CompanyID), zap.Error(err))
		return
	}
	err = s.notifier.SendOptimizationReady(ctx, notify.OptimizationReady{
		CompanyID:        m.CompanyID,
		ModelID:          m.ID,
		ModelName:        m.Name,
		OptimizedModelID: cand.Optimized.ID,
		Recipients:       Recipients(users),
	})
	if err != nil {
		s.log.Warn("optimization notification failed", zap.Uint("model_id", m.ID), zap.Error(err))
	}
}

// Recipients maps company users to notification recipients.
func Recipients(users []models.User) []notify.Recipient {
	out := make([]notify.Recipient, 0, len(users))
	for _, u := range users {
		out = append(out, notify.Recipient{Email: u.Email, FirstName: u.FirstName})
	}
	return out
}
