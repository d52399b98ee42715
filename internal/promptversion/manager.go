// Package promptversion manages prompt versions, optimized challenger models
// and their A/B test rows. Every mutation of a model's versions or A/B rows
// holds that model's lock and runs in one transaction.
package promptversion

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/handit-ai/handit-core/internal/apperr"
	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/keylock"
	"github.com/handit-ai/handit-core/internal/logging"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// State is where a model stands in the optimization lifecycle.
type State string

const (
	StateUnoptimized  State = "UNOPTIMIZED"
	StateHasCandidate State = "HAS_CANDIDATE"
	StateABTesting    State = "AB_TESTING"
	StatePromoted     State = "PROMOTED"
)

// VersionLabel is the denormalized version stored on logs: {modelId}-{version}.
func VersionLabel(modelID uint, version string) string {
	return fmt.Sprintf("%d-%s", modelID, version)
}

// Manager is the prompt version and A/B test state machine.
type Manager struct {
	store        *db.Store
	locks        *keylock.Locker
	abPercentage float64
	now          func() time.Time
	log          *zap.Logger
}

// NewManager builds a Manager. abPercentage is the traffic weight of new
// challengers.
func NewManager(store *db.Store, locks *keylock.Locker, abPercentage float64, log *zap.Logger) *Manager {
	if locks == nil {
		locks = keylock.New()
	}
	return &Manager{store: store, locks: locks, abPercentage: abPercentage, now: time.Now, log: logging.OrNop(log)}
}

// SeedInitialVersion creates version "1" from prompt when the model has no
// versions yet. It returns the active version and whether it was created.
func (m *Manager) SeedInitialVersion(ctx context.Context, model *models.Model, prompt string) (*models.ModelVersion, bool, error) {
	unlock := m.locks.Lock(model.ID)
	defer unlock()

	n, err := m.store.CountVersions(ctx, model.ID)
	if err != nil {
		return nil, false, fmt.Errorf("count versions of model %d: %w", model.ID, err)
	}
	if n > 0 {
		v, err := m.store.ActiveVersion(ctx, model.ID)
		return v, false, err
	}

	v := &models.ModelVersion{
		ModelID:       model.ID,
		Version:       "1",
		Prompt:        prompt,
		Source:        models.VersionSourceSeed,
		ActiveVersion: true,
	}
	err = m.store.Transaction(ctx, func(tx *db.Store) error {
		if err := tx.CreateVersion(ctx, v); err != nil {
			return err
		}
		if model.Prompt() == "" && prompt != "" {
			return tx.SetModelPrompt(ctx, model.ID, prompt)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	m.log.Info("seeded initial prompt version", zap.Uint("model_id", model.ID))
	return v, true, nil
}

// CreateVersion makes prompt the single active version of a model and writes
// it to parameters.prompt.
func (m *Manager) CreateVersion(ctx context.Context, modelID uint, prompt, source string) (*models.ModelVersion, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, apperr.Validation("prompt is required")
	}
	unlock := m.locks.Lock(modelID)
	defer unlock()

	var v *models.ModelVersion
	err := m.store.Transaction(ctx, func(tx *db.Store) error {
		var err error
		v, err = createVersion(ctx, tx, modelID, prompt, source)
		return err
	})
	return v, err
}

func createVersion(ctx context.Context, tx *db.Store, modelID uint, prompt, source string) (*models.ModelVersion, error) {
	next, err := tx.NextVersionNumber(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if err := tx.DeactivateVersions(ctx, modelID); err != nil {
		return nil, err
	}
	v := &models.ModelVersion{
		ModelID:       modelID,
		Version:       strconv.Itoa(next),
		Prompt:        prompt,
		Source:        source,
		ActiveVersion: true,
	}
	if err := tx.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	if err := tx.SetModelPrompt(ctx, modelID, prompt); err != nil {
		return nil, err
	}
	return v, nil
}

// CandidateResult describes what ApplyCandidate did.
type CandidateResult struct {
	Optimized *models.Model
	ABTest    *models.ABTestModels
	// Forked is true when a new optimized model was created, false when the
	// existing challenger's prompt was overwritten.
	Forked bool
}

// ApplyCandidate installs a candidate prompt for an original model. Without a
// principal A/B test the model is forked into an optimized challenger;
// otherwise the challenger's prompt is updated in place.
func (m *Manager) ApplyCandidate(ctx context.Context, original *models.Model, prompt string) (*CandidateResult, error) {
	if original.IsOptimized {
		return nil, apperr.Conflict("model %d is an optimized model and cannot be forked", original.ID)
	}
	if original.IsReviewer {
		return nil, apperr.Conflict("model %d is a reviewer and cannot be optimized", original.ID)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, apperr.Validation("prompt is required")
	}

	unlock := m.locks.Lock(original.ID)
	defer unlock()

	var res *CandidateResult
	err := m.store.Transaction(ctx, func(tx *db.Store) error {
		ab, err := tx.PrincipalABTest(ctx, original.ID)
		switch {
		case err == nil:
			res, err = updateOptimizedPrompt(ctx, tx, ab, prompt)
			return err
		case apperr.Is(err, apperr.KindNotFound):
			res, err = m.fork(ctx, tx, original, prompt)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("applied candidate prompt",
		zap.Uint("model_id", original.ID), zap.Uint("optimized_model_id", res.Optimized.ID), zap.Bool("forked", res.Forked))
	return res, nil
}

func updateOptimizedPrompt(ctx context.Context, tx *db.Store, ab *models.ABTestModels, prompt string) (*CandidateResult, error) {
	if _, err := createVersion(ctx, tx, ab.OptimizedModelID, prompt, models.VersionSourceOptimizer); err != nil {
		return nil, err
	}
	optimized, err := tx.GetModel(ctx, ab.OptimizedModelID)
	if err != nil {
		return nil, err
	}
	return &CandidateResult{Optimized: optimized, ABTest: ab}, nil
}

func (m *Manager) fork(ctx context.Context, tx *db.Store, original *models.Model, prompt string) (*CandidateResult, error) {
	params := datatypes.JSONMap{}
	for k, v := range original.Parameters {
		params[k] = v
	}
	params["prompt"] = prompt

	clone := &models.Model{
		CompanyID:             original.CompanyID,
		ModelGroupID:          original.ModelGroupID,
		Name:                  original.Name + " (optimized)",
		Slug:                  fmt.Sprintf("%s-optimized-%d", original.Slug, m.now().UnixMilli()),
		Provider:              original.Provider,
		ProblemType:           original.ProblemType,
		Active:                true,
		IsOptimized:           true,
		Parameters:            params,
		SystemPromptStructure: append(datatypes.JSON(nil), original.SystemPromptStructure...),
	}
	if err := tx.CreateModel(ctx, clone); err != nil {
		return nil, err
	}
	if err := tx.CreateVersion(ctx, &models.ModelVersion{
		ModelID:       clone.ID,
		Version:       "1",
		Prompt:        prompt,
		Source:        models.VersionSourceOptimizer,
		ActiveVersion: true,
	}); err != nil {
		return nil, err
	}

	metrics, err := tx.ListModelMetrics(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("list metrics of model %d: %w", original.ID, err)
	}
	for _, mm := range metrics {
		if err := tx.CreateModelMetric(ctx, &models.ModelMetric{ModelID: clone.ID, Type: mm.Type, Name: mm.Name}); err != nil {
			return nil, err
		}
	}

	links, err := tx.ListReviewerLinks(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("list reviewers of model %d: %w", original.ID, err)
	}
	for _, l := range links {
		if err := tx.CreateReviewerLink(ctx, &models.ReviewersModels{
			ModelID:              clone.ID,
			ReviewerID:           l.ReviewerID,
			ActivationThreshold:  l.ActivationThreshold,
			EvaluationPercentage: l.EvaluationPercentage,
			Limit:                l.Limit,
		}); err != nil {
			return nil, err
		}
	}

	ab := &models.ABTestModels{
		ModelID:          original.ID,
		OptimizedModelID: clone.ID,
		Principal:        true,
		Percentage:       m.abPercentage,
	}
	if err := tx.CreateABTest(ctx, ab); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.Conflict("model %d already has a principal A/B test", original.ID)
		}
		return nil, err
	}
	return &CandidateResult{Optimized: clone, ABTest: ab, Forked: true}, nil
}

// UseOptimizedPrompt deploys prompt as the new active version of a model.
// When prompt is the principal challenger's prompt, that A/B test is retired.
func (m *Manager) UseOptimizedPrompt(ctx context.Context, modelID uint, prompt string) (*models.ModelVersion, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, apperr.Validation("prompt is required")
	}
	unlock := m.locks.Lock(modelID)
	defer unlock()

	var v *models.ModelVersion
	err := m.store.Transaction(ctx, func(tx *db.Store) error {
		if _, err := tx.GetModel(ctx, modelID); err != nil {
			return err
		}
		var err error
		if v, err = createVersion(ctx, tx, modelID, prompt, models.VersionSourceOptimizer); err != nil {
			return err
		}

		ab, err := tx.PrincipalABTest(ctx, modelID)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		challenger, err := tx.GetModel(ctx, ab.OptimizedModelID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(challenger.Prompt()) == strings.TrimSpace(prompt) {
			return tx.RetireABTest(ctx, ab.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("deployed prompt version", zap.Uint("model_id", modelID), zap.String("version", v.Version))
	return v, nil
}

// OptimizationTarget returns the model insights and suggestions operate on:
// the principal challenger when one exists, the model itself otherwise.
func (m *Manager) OptimizationTarget(ctx context.Context, model *models.Model) (*models.Model, *models.ABTestModels, error) {
	ab, err := m.store.PrincipalABTest(ctx, model.ID)
	if apperr.Is(err, apperr.KindNotFound) {
		return model, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	optimized, err := m.store.GetModel(ctx, ab.OptimizedModelID)
	if err != nil {
		return nil, nil, err
	}
	return optimized, ab, nil
}

// Status is the optimization view of a model.
type Status struct {
	State         State                `json:"state"`
	ActiveVersion *models.ModelVersion `json:"active_version,omitempty"`
	ABTest        *models.ABTestModels `json:"ab_test,omitempty"`
	Optimized     *models.Model        `json:"optimized_model,omitempty"`
}

// Status derives the lifecycle state of a model.
func (m *Manager) Status(ctx context.Context, modelID uint) (*Status, error) {
	if _, err := m.store.GetModel(ctx, modelID); err != nil {
		return nil, err
	}
	st := &Status{State: StateUnoptimized}
	active, err := m.store.ActiveVersion(ctx, modelID)
	switch {
	case err == nil:
		st.ActiveVersion = active
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, err
	}

	ab, err := m.store.PrincipalABTest(ctx, modelID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	if ab != nil {
		st.ABTest = ab
		st.State = StateHasCandidate
		if optimized, err := m.store.GetModel(ctx, ab.OptimizedModelID); err == nil {
			st.Optimized = optimized
		} else {
			m.log.Warn("principal A/B test points at missing model", zap.Uint("ab_test_id", ab.ID), zap.Error(err))
		}
		replays, err := m.store.CountReplayLogs(ctx, ab.OptimizedModelID)
		if err != nil {
			return nil, err
		}
		if replays > 0 {
			st.State = StateABTesting
		}
		return st, nil
	}
	if active != nil && active.Source == models.VersionSourceOptimizer {
		st.State = StatePromoted
	}
	return st, nil
}
