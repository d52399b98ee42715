// Package reviewer attaches reviewer models to monitored models and decides
// which logs each reviewer samples.
package reviewer

import (
	"context"
	"fmt"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/keylock"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/handit-ai/handit-core/internal/sampling"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Settings are the defaults given to a lazily created reviewer.
type Settings struct {
	ActivationThreshold int
	Limit               int
	DefaultPercentage   float64
	N8NPercentage       float64
	InsightCap          int
}

// Target is a reviewer link together with the reviewer model.
type Target struct {
	Link     models.ReviewersModels
	Reviewer models.Model
}

// Spec is the completion backend of the reviewer.
func (t Target) Spec() llm.Spec {
	return llm.Spec{Provider: t.Reviewer.Provider, Model: t.Reviewer.LLMModel()}
}

// Controller owns reviewer creation and sampling.
type Controller struct {
	store    *db.Store
	locks    *keylock.Locker
	sampler  sampling.Sampler
	settings Settings
	log      *zap.Logger
}

// NewController builds a Controller. locks serializes per-model mutations and
// may be shared with other components.
func NewController(store *db.Store, locks *keylock.Locker, sampler sampling.Sampler, settings Settings, log *zap.Logger) *Controller {
	if locks == nil {
		locks = keylock.New()
	}
	if sampler == nil {
		sampler = sampling.Uniform{}
	}
	return &Controller{store: store, locks: locks, sampler: sampler, settings: settings, log: logging.OrNop(log)}
}

// EnsureReviewer returns the reviewer targets of m, creating the first
// reviewer when none exists. created reports whether one was created.
func (c *Controller) EnsureReviewer(ctx context.Context, m *models.Model, isN8N bool) (targets []Target, created bool, err error) {
	if m.IsReviewer {
		return nil, false, fmt.Errorf("model %d is a reviewer", m.ID)
	}

	unlock := c.locks.Lock(m.ID)
	defer unlock()

	links, err := c.store.ListReviewerLinks(ctx, m.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list reviewers of model %d: %w", m.ID, err)
	}
	if len(links) == 0 {
		pct := c.settings.DefaultPercentage
		if isN8N {
			pct = c.settings.N8NPercentage
		}
		err = c.store.Transaction(ctx, func(tx *db.Store) error {
			rev := &models.Model{
				CompanyID:    m.CompanyID,
				ModelGroupID: m.ModelGroupID,
				Name:         m.Name + " Reviewer",
				Slug:         fmt.Sprintf("%s-reviewer-%s", m.Slug, shortuuid.New()),
				Provider:     m.Provider,
				ProblemType:  m.ProblemType,
				Active:       true,
				IsReviewer:   true,
				Parameters:   datatypes.JSONMap{"model": m.LLMModel()},
			}
			if err := tx.CreateModel(ctx, rev); err != nil {
				return err
			}
			return tx.CreateReviewerLink(ctx, &models.ReviewersModels{
				ModelID:              m.ID,
				ReviewerID:           rev.ID,
				ActivationThreshold:  c.settings.ActivationThreshold,
				EvaluationPercentage: pct,
				Limit:                c.settings.Limit,
			})
		})
		if err != nil {
			return nil, false, fmt.Errorf("create reviewer for model %d: %w", m.ID, err)
		}
		created = true
		c.log.Info("created reviewer", zap.Uint("model_id", m.ID), zap.Float64("evaluation_percentage", pct))
		if links, err = c.store.ListReviewerLinks(ctx, m.ID); err != nil {
			return nil, created, err
		}
	}

	targets, err = c.load(ctx, links)
	return targets, created, err
}

func (c *Controller) load(ctx context.Context, links []models.ReviewersModels) ([]Target, error) {
	targets := make([]Target, 0, len(links))
	for _, link := range links {
		rev, err := c.store.GetModel(ctx, link.ReviewerID)
		if err != nil {
			c.log.Warn("reviewer link points at missing model",
				zap.Uint("model_id", link.ModelID), zap.Uint("reviewer_id", link.ReviewerID), zap.Error(err))
			continue
		}
		targets = append(targets, Target{Link: link, Reviewer: *rev})
	}
	return targets, nil
}

// Targets loads the existing reviewer targets of a model without creating any.
func (c *Controller) Targets(ctx context.Context, modelID uint) ([]Target, error) {
	links, err := c.store.ListReviewerLinks(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return c.load(ctx, links)
}

// Sample draws once for a reviewer pairing: r <= evaluationPercentage.
func (c *Controller) Sample(link models.ReviewersModels) bool {
	return sampling.Hit(c.sampler, link.EvaluationPercentage)
}

// InsightReviewers returns the targets sampled for a deep insight review of an
// incorrect log. Nothing is sampled once the model holds InsightCap insights.
func (c *Controller) InsightReviewers(ctx context.Context, modelID uint, targets []Target) ([]Target, error) {
	n, err := c.store.CountInsights(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("count insights of model %d: %w", modelID, err)
	}
	if c.settings.InsightCap > 0 && n >= int64(c.settings.InsightCap) {
		return nil, nil
	}
	var out []Target
	for _, t := range targets {
		if c.Sample(t.Link) {
			out = append(out, t)
		}
	}
	return out, nil
}
