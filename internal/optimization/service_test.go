package optimization

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/dbtest"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/insights"
	"github.com/handit-ai/handit-core/internal/keylock"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/llm/llmtest"
	"github.com/handit-ai/handit-core/internal/notify/notifytest"
	"github.com/handit-ai/handit-core/internal/promptversion"
	"github.com/handit-ai/handit-core/internal/sampling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type harness struct {
	store    *db.Store
	svc      *Service
	fake     *llmtest.Scripted
	notifier *notifytest.Recorder
	versions *promptversion.Manager
	fixture  dbtest.Fixture
}

// optimizerLLM answers insight requests with one finding and suggestion
// requests with prompt, suffixed from the second suggestion on.
func optimizerLLM(prompt string) *llmtest.Scripted {
	var findings, suggestions atomic.Int32
	return &llmtest.Scripted{Respond: func(_ []llm.Message, f *llm.ResponseFormat) (string, error) {
		switch f.Name {
		case "insights":
			i := findings.Add(1)
			return fmt.Sprintf(`{"insights":[{"problem":"problem %d","solution":"fix it"}]}`, i), nil
		case "prompt_suggestion":
			p := prompt
			if i := suggestions.Add(1); i > 1 {
				p = fmt.Sprintf("%s (rev %d)", prompt, i)
			}
			return fmt.Sprintf(`{"improved":true,"prompt":%q}`, p), nil
		}
		return "", errors.New("unexpected request " + f.Name)
	}}
}

func newHarness(t *testing.T, fake *llmtest.Scripted, sampler sampling.Sampler) *harness {
	t.Helper()
	store := dbtest.NewStore(t)
	provider := &llmtest.Provider{Completer: fake}
	versions := promptversion.NewManager(store, keylock.New(), 30, nil)
	rec := &notifytest.Recorder{}
	svc := NewService(store,
		insights.NewGenerator(store, provider, 10, 20, nil),
		insights.NewOptimizer(store, provider, nil),
		versions, rec, sampler, Options{TriggerPercentage: DefaultTriggerPercentage}, nil)
	return &harness{
		store:    store,
		svc:      svc,
		fake:     fake,
		notifier: rec,
		versions: versions,
		fixture:  dbtest.SeedCompany(t, store, false),
	}
}

func (h *harness) seedIncorrect(t *testing.T, modelID uint) *models.ModelLog {
	no := false
	return dbtest.SeedLog(t, h.store, &models.ModelLog{
		ModelID:   modelID,
		Input:     datatypes.JSON(`{"q":"refund?"}`),
		Output:    datatypes.JSON(`"shipping"`),
		IsCorrect: &no,
	})
}

func TestAttemptForLog_TriggerDraw(t *testing.T) {
	h := newHarness(t, optimizerLLM("Classify tickets carefully."), sampling.NewSequence(21, 20))
	ctx := context.Background()
	m := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, h.fixture.Agent.ID, "Classify tickets.")
	l := h.seedIncorrect(t, m.ID)

	res, err := h.svc.AttemptForLog(ctx, m, l)
	require.NoError(t, err)
	assert.Nil(t, res, "21 misses a 20% trigger")
	assert.Zero(t, h.fake.CallCount())

	res, err = h.svc.AttemptForLog(ctx, m, l)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "Classify tickets carefully.", res.Prompt)
	require.NotNil(t, res.Candidate)
	assert.True(t, res.Candidate.Forked)

	sent := h.notifier.Optimizations()
	require.Len(t, sent, 1)
	assert.Equal(t, res.Candidate.Optimized.ID, sent[0].OptimizedModelID)
	require.Len(t, sent[0].Recipients, 1)
	assert.Equal(t, h.fixture.User.Email, sent[0].Recipients[0].Email)
}

func TestAttemptForLog_SkipsReviewerOptimizedAndReplay(t *testing.T) {
	h := newHarness(t, optimizerLLM("x"), sampling.Fixed(0))
	ctx := context.Background()
	m := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, 0, "p")
	l := h.seedIncorrect(t, m.ID)

	reviewer := *m
	reviewer.IsReviewer = true
	res, err := h.svc.AttemptForLog(ctx, &reviewer, l)
	require.NoError(t, err)
	assert.Nil(t, res)

	optimized := *m
	optimized.IsOptimized = true
	res, err = h.svc.AttemptForLog(ctx, &optimized, l)
	require.NoError(t, err)
	assert.Nil(t, res)

	replay := *l
	replay.OriginalLogID = &l.ID
	res, err = h.svc.AttemptForLog(ctx, m, &replay)
	require.NoError(t, err)
	assert.Nil(t, res)

	assert.Zero(t, h.fake.CallCount())
}

func TestAttemptForLog_SecondCandidateUpdatesInPlace(t *testing.T) {
	h := newHarness(t, optimizerLLM("Improved prompt."), sampling.Fixed(1))
	ctx := context.Background()
	m := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, 0, "p")
	l := h.seedIncorrect(t, m.ID)

	first, err := h.svc.AttemptForLog(ctx, m, l)
	require.NoError(t, err)
	require.True(t, first.Candidate.Forked)

	// Incorrect logs of the challenger feed the second round.
	h.seedIncorrect(t, first.Candidate.Optimized.ID)
	second, err := h.svc.AttemptForLog(ctx, m, l)
	require.NoError(t, err)
	require.NotNil(t, second.Candidate)
	assert.False(t, second.Candidate.Forked)
	assert.Equal(t, first.Candidate.Optimized.ID, second.Candidate.Optimized.ID)

	assert.Len(t, h.notifier.Optimizations(), 1, "only a new fork notifies")
}

func TestApplySuggestions_NoInsightsIsNotAnError(t *testing.T) {
	h := newHarness(t, optimizerLLM("unused"), nil)
	m := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, 0, "p")

	res, err := h.svc.ApplySuggestions(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Prompt)
	assert.Nil(t, res.Candidate)
	assert.Zero(t, h.fake.CallCount())
}

func TestApplySuggestions_InstallsCandidate(t *testing.T) {
	h := newHarness(t, optimizerLLM("Better prompt."), nil)
	ctx := context.Background()
	m := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, 0, "p")
	require.NoError(t, h.store.CreateInsight(ctx, &models.Insight{ModelID: m.ID, Problem: "vague", Solution: "be specific"}))

	res, err := h.svc.ApplySuggestions(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Better prompt.", res.Prompt)
	require.NotNil(t, res.Candidate)

	st, err := h.versions.Status(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, promptversion.StateHasCandidate, st.State)

	left, err := h.store.CountInsights(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestApplySuggestions_UnknownModel(t *testing.T) {
	h := newHarness(t, optimizerLLM("x"), nil)
	_, err := h.svc.ApplySuggestions(context.Background(), 999)
	require.Error(t, err)
}

func TestUseOptimizedPrompt_Promotes(t *testing.T) {
	h := newHarness(t, optimizerLLM("x"), nil)
	ctx := context.Background()
	m := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, 0, "p")

	v, err := h.svc.UseOptimizedPrompt(ctx, m.ID, "Deployed prompt.")
	require.NoError(t, err)
	assert.True(t, v.ActiveVersion)

	st, err := h.versions.Status(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, promptversion.StatePromoted, st.State)
}

func TestRunWeeklyOptimization_BypassesSampling(t *testing.T) {
	// A sampler that would never hit.
	h := newHarness(t, optimizerLLM("Weekly prompt."), sampling.Fixed(100))
	ctx := context.Background()

	a := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, 0, "a")
	h.seedIncorrect(t, a.ID)
	b := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, 0, "b")
	h.seedIncorrect(t, b.ID)
	reviewer := &models.Model{CompanyID: h.fixture.Company.ID, Name: "r", Slug: "r", Active: true, IsReviewer: true}
	require.NoError(t, h.store.CreateModel(ctx, reviewer))

	report, err := h.svc.RunWeeklyOptimization(ctx)
	require.NoError(t, err)
	assert.Equal(t, &WeeklyReport{Models: 2, Candidates: 2, Forks: 2}, report)
	assert.Len(t, h.notifier.Optimizations(), 2)

	// Optimized clones are not picked up by the next pass.
	report, err = h.svc.RunWeeklyOptimization(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Models)
	assert.Equal(t, 0, report.Forks)
}

func TestRunWeeklyOptimization_ContinuesPastFailures(t *testing.T) {
	fake := &llmtest.Scripted{Err: errors.New("backend down")}
	h := newHarness(t, fake, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		m := dbtest.SeedModel(t, h.store, h.fixture.Company.ID, 0, "p")
		h.seedIncorrect(t, m.ID)
	}

	report, err := h.svc.RunWeeklyOptimization(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failures)
	assert.Equal(t, 2, fake.CallCount())
}
