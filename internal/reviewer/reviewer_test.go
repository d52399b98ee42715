package reviewer

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/handit-ai/handit-core/internal/db/dbtest"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/sampling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var settings = Settings{ActivationThreshold: 5, Limit: 5, DefaultPercentage: 30, N8NPercentage: 100, InsightCap: 10}

func TestEnsureReviewerCreatesOnce(t *testing.T) {
	tests := []struct {
		name string
		n8n  bool
		pct  float64
	}{
		{"default", false, 30},
		{"n8n agent", true, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := dbtest.NewStore(t)
			f := dbtest.SeedCompany(t, store, tt.n8n)
			m := dbtest.SeedModel(t, store, f.Company.ID, f.Agent.ID, "p")
			c := NewController(store, nil, nil, settings, nil)

			targets, created, err := c.EnsureReviewer(ctx, m, tt.n8n)
			require.NoError(t, err)
			assert.True(t, created)
			require.Len(t, targets, 1)

			link := targets[0].Link
			assert.Equal(t, 5, link.ActivationThreshold)
			assert.Equal(t, 5, link.Limit)
			assert.Equal(t, tt.pct, link.EvaluationPercentage)
			assert.True(t, targets[0].Reviewer.IsReviewer)
			assert.False(t, targets[0].Reviewer.IsOptimized)
			assert.True(t, strings.HasPrefix(targets[0].Reviewer.Slug, m.Slug+"-reviewer-"))
			assert.Equal(t, "gpt-4o-mini", targets[0].Spec().Model)

			again, created, err := c.EnsureReviewer(ctx, m, tt.n8n)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Len(t, again, 1)

			var reviewers int64
			require.NoError(t, store.DB().Model(&models.Model{}).Where("is_reviewer = ?", true).Count(&reviewers).Error)
			assert.Equal(t, int64(1), reviewers)
		})
	}
}

func TestEnsureReviewerConcurrent(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)
	m := dbtest.SeedModel(t, store, 1, 0, "p")
	c := NewController(store, nil, nil, settings, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.EnsureReviewer(ctx, m, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	links, err := store.ListReviewerLinks(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestEnsureReviewerRejectsReviewer(t *testing.T) {
	store := dbtest.NewStore(t)
	c := NewController(store, nil, nil, settings, nil)
	_, _, err := c.EnsureReviewer(context.Background(), &models.Model{ID: 1, IsReviewer: true}, false)
	assert.Error(t, err)
}

func TestSampleInclusiveThreshold(t *testing.T) {
	c := NewController(nil, nil, sampling.NewSequence(85, 30, 0), settings, nil)
	link := models.ReviewersModels{EvaluationPercentage: 30}
	assert.False(t, c.Sample(link))
	assert.True(t, c.Sample(link))
	assert.True(t, c.Sample(link))
	assert.False(t, c.Sample(models.ReviewersModels{EvaluationPercentage: 0}))
}

func TestInsightReviewersCap(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)
	m := dbtest.SeedModel(t, store, 1, 0, "p")
	c := NewController(store, nil, sampling.Fixed(10), settings, nil)

	targets, _, err := c.EnsureReviewer(ctx, m, false)
	require.NoError(t, err)

	sampled, err := c.InsightReviewers(ctx, m.ID, targets)
	require.NoError(t, err)
	assert.Len(t, sampled, 1)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.CreateInsight(ctx, &models.Insight{ModelID: m.ID, Problem: "p", Solution: "s"}))
	}
	sampled, err = c.InsightReviewers(ctx, m.ID, targets)
	require.NoError(t, err)
	assert.Empty(t, sampled)
}
