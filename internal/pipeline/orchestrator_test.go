package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/handit-ai/handit-core/internal/cache"
	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/dbtest"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/evaluation"
	"github.com/handit-ai/handit-core/internal/evaluation/catalog"
	"github.com/handit-ai/handit-core/internal/ingest"
	"github.com/handit-ai/handit-core/internal/insights"
	"github.com/handit-ai/handit-core/internal/keylock"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/llm/llmtest"
	"github.com/handit-ai/handit-core/internal/monitoring"
	"github.com/handit-ai/handit-core/internal/notify/notifytest"
	"github.com/handit-ai/handit-core/internal/optimization"
	"github.com/handit-ai/handit-core/internal/pipeline"
	"github.com/handit-ai/handit-core/internal/prompts"
	"github.com/handit-ai/handit-core/internal/promptversion"
	"github.com/handit-ai/handit-core/internal/reviewer"
	"github.com/handit-ai/handit-core/internal/sampling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

const chatInput = `{"model":"gpt-4o-mini","messages":[{"role":"system","content":"Classify the ticket."},{"role":"user","content":"Where is my refund?"}]}`

// samplers lets a test steer each probabilistic gate independently.
type samplers struct {
	reviewer     sampling.Sampler // reviewer evaluation and insight reviews
	optimization sampling.Sampler // 20% trigger
	abTest       sampling.Sampler // replay draw
}

// never hits any percentage below 100; always hits any positive one.
var (
	never  = sampling.Fixed(100.5)
	always = sampling.Fixed(0.5)
)

type env struct {
	store    *db.Store
	ingest   *ingest.Service
	disp     *pipeline.Dispatcher
	orch     *pipeline.Orchestrator
	versions *promptversion.Manager
	opt      *optimization.Service
	registry *evaluation.Registry
	notifier *notifytest.Recorder
	fake     *llmtest.Scripted
	cache    *cache.LRUCache
	fixture  dbtest.Fixture
}

func scriptedLLM() *llmtest.Scripted {
	return &llmtest.Scripted{Respond: func(_ []llm.Message, f *llm.ResponseFormat) (string, error) {
		if f == nil {
			return `{"label":"refund"}`, nil
		}
		switch f.Name {
		case "evaluation":
			return `{"isCorrect":true,"summary":"fine"}`, nil
		case "insights":
			return `{"insights":[{"problem":"confuses refunds with shipping","solution":"define both labels"}]}`, nil
		case "prompt_suggestion":
			return `{"improved":true,"prompt":"Classify the ticket. Refunds are about money back."}`, nil
		case "prompt_structure":
			return `{"found":false,"kind":"field","path":[]}`, nil
		}
		return "", fmt.Errorf("unexpected format %s", f.Name)
	}}
}

func newEnv(t *testing.T, n8n bool, s samplers) *env {
	t.Helper()
	store := dbtest.NewStore(t)
	locks := keylock.New()
	fake := scriptedLLM()
	provider := &llmtest.Provider{Completer: fake}
	c := cache.NewLRUCache(100, time.Minute)
	rec := &notifytest.Recorder{}

	versions := promptversion.NewManager(store, locks, 30, nil)
	reviewers := reviewer.NewController(store, locks, s.reviewer, reviewer.Settings{
		ActivationThreshold: 5,
		Limit:               5,
		DefaultPercentage:   30,
		N8NPercentage:       100,
		InsightCap:          10,
	}, nil)
	registry := evaluation.NewRegistry()
	runner := evaluation.NewRunner(registry, provider, s.reviewer, store, evaluation.Options{N8NPercentage: 100}, nil)
	generator := insights.NewGenerator(store, provider, 10, 20, nil)
	optimizer := insights.NewOptimizer(store, provider, nil)
	optSvc := optimization.NewService(store, generator, optimizer, versions, rec, s.optimization,
		optimization.Options{TriggerPercentage: optimization.DefaultTriggerPercentage}, nil)
	cat, err := catalog.Load("")
	require.NoError(t, err)

	ing := ingest.NewService(store, c, nil, time.Minute, nil)
	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:        store,
		Versions:     versions,
		Reviewers:    reviewers,
		Runner:       runner,
		Insights:     generator,
		Optimization: optSvc,
		Monitor:      monitoring.NewMonitor(store, c, time.Minute, nil),
		Detector:     prompts.NewDetector(fake, nil),
		Catalog:      cat,
		Cache:        c,
		Notifier:     rec,
		LLM:          provider,
		Sampler:      s.abTest,
		Writer:       ing,
	}, nil)
	disp := pipeline.NewDispatcher(orch, pipeline.DispatcherOptions{Workers: 1}, nil)
	orch.Background = disp.Go
	ing.SetPublisher(disp)
	disp.Start()
	t.Cleanup(disp.Stop)

	return &env{
		store:    store,
		ingest:   ing,
		disp:     disp,
		orch:     orch,
		versions: versions,
		opt:      optSvc,
		registry: registry,
		notifier: rec,
		fake:     fake,
		cache:    c,
		fixture:  dbtest.SeedCompany(t, store, n8n),
	}
}

func (e *env) createLog(t *testing.T, in ingest.CreateInput) *models.ModelLog {
	t.Helper()
	l, err := e.ingest.CreateLog(context.Background(), in)
	require.NoError(t, err)
	e.disp.Wait()
	got, err := e.store.GetLog(context.Background(), l.ID)
	require.NoError(t, err)
	return got
}

func (e *env) model(t *testing.T, id uint) *models.Model {
	t.Helper()
	m, err := e.store.GetModel(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestCreatedLogRunsFullPath(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: never, optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, e.fixture.Agent.ID, "")

	l := e.createLog(t, ingest.CreateInput{
		ModelID: m.ID,
		Input:   json.RawMessage(chatInput),
		Output:  json.RawMessage(`{"label":"refund"}`),
	})

	assert.True(t, l.Processed)
	assert.True(t, l.AutoEvaluationProcessed)
	assert.Equal(t, fmt.Sprintf("%d-1", m.ID), l.Version)
	assert.Nil(t, l.Actual, "informative evaluators never decide correctness")

	stored := e.model(t, m.ID)
	s, err := prompts.Parse(stored.SystemPromptStructure)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, prompts.KindMessages, s.Kind)
	assert.Equal(t, "Classify the ticket.", stored.Prompt())

	v, err := e.store.ActiveVersion(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", v.Version)
	assert.Equal(t, "Classify the ticket.", v.Prompt)

	links, err := e.store.ListReviewerLinks(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 30.0, links[0].EvaluationPercentage)
	assert.Equal(t, 5, links[0].ActivationThreshold)
	assert.Equal(t, 5, links[0].Limit)
	assert.True(t, e.model(t, links[0].ReviewerID).IsReviewer)

	bound, err := e.store.ListModelEvaluators(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, bound, 3)

	evals, err := e.store.ListEvaluationLogs(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 2, "function evaluators only; the prompt draw missed")

	health, err := e.store.ListMetricLogs(ctx, m.ID, models.MetricHealthCheck, "")
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, 1.0, health[0].Value)

	_, cached := e.cache.Get(cache.MonitoringKey(m.ID))
	assert.True(t, cached, "monitoring snapshot refreshed in the background")
	assert.Zero(t, e.fake.CallCount())

	// A second log reuses the reviewer and the version.
	l2 := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(chatInput), Output: json.RawMessage(`"x"`)})
	assert.Equal(t, l.Version, l2.Version)
	links, err = e.store.ListReviewerLinks(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestErrorOutputRecordsFailedHealthCheck(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: never, optimization: never, abTest: never})
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "p")

	e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`{"status":500}`)})

	health, err := e.store.ListMetricLogs(context.Background(), m.ID, models.MetricHealthCheck, "")
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, 0.0, health[0].Value)
}

func TestN8NAgentReviewerSamplesEverything(t *testing.T) {
	e := newEnv(t, true, samplers{reviewer: sampling.Fixed(99), optimization: never, abTest: never})
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, e.fixture.Agent.ID, "p")

	l := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"a"`)})

	links, err := e.store.ListReviewerLinks(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 100.0, links[0].EvaluationPercentage)

	evals, err := e.store.ListEvaluationLogs(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 3, "the prompt evaluator ran as well")
}

func TestReviewerAndInactiveModelsStopEarly(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: always, optimization: always, abTest: always})
	ctx := context.Background()

	rev := &models.Model{CompanyID: e.fixture.Company.ID, Name: "r", Slug: "rev-model", Active: true, IsReviewer: true}
	require.NoError(t, e.store.CreateModel(ctx, rev))
	l := e.createLog(t, ingest.CreateInput{ModelID: rev.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"a"`)})
	assert.True(t, l.Processed)
	links, err := e.store.ListReviewerLinks(ctx, rev.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
	evals, err := e.store.ListEvaluationLogs(ctx, l.ID)
	require.NoError(t, err)
	assert.Empty(t, evals)

	off := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "p")
	require.NoError(t, e.store.DB().Model(off).Update("active", false).Error)
	l = e.createLog(t, ingest.CreateInput{ModelID: off.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"a"`)})
	assert.False(t, l.Processed)
	assert.Empty(t, e.notifier.Failures())
}

func TestIncorrectUpdateMarksFailure(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: never, optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, e.fixture.Agent.ID, "p")
	agentLog := &models.AgentLog{AgentID: e.fixture.Agent.ID, Status: models.AgentLogStatusSuccess}
	require.NoError(t, e.store.DB().Create(agentLog).Error)

	l := e.createLog(t, ingest.CreateInput{
		ModelID:    m.ID,
		AgentLogID: &agentLog.ID,
		Input:      json.RawMessage(`{"q":"refund?"}`),
		Output:     json.RawMessage(`"shipping"`),
	})

	_, err := e.ingest.UpdateLog(ctx, l.ID, ingest.UpdateInput{Actual: json.RawMessage(`"refund"`)})
	require.NoError(t, err)
	e.disp.Wait()

	got, err := e.store.GetLog(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LogStatusError, got.Status)
	assert.True(t, got.MetricProcessed)

	al, err := e.store.GetAgentLog(ctx, agentLog.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentLogStatusFailedModel, al.Status)

	failures := e.notifier.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, l.ID, failures[0].LogID)
	assert.Equal(t, e.fixture.User.Email, failures[0].Recipients[0].Email)

	accuracy, err := e.store.ListMetricLogs(ctx, m.ID, models.MetricAccuracy, got.Version)
	require.NoError(t, err)
	require.Len(t, accuracy, 1)
	assert.Equal(t, 0.0, accuracy[0].Value)

	// Replaying the update does not count the log twice.
	require.NoError(t, e.orch.OnLogUpdated(ctx, l.ID))
	accuracy, err = e.store.ListMetricLogs(ctx, m.ID, models.MetricAccuracy, "")
	require.NoError(t, err)
	assert.Len(t, accuracy, 1)
}

func TestIncorrectUpdateRunsInsightReviews(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: sampling.Fixed(10), optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "p")

	l := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"shipping"`)})
	_, err := e.ingest.UpdateLog(ctx, l.ID, ingest.UpdateInput{Actual: json.RawMessage(`"refund"`)})
	require.NoError(t, err)
	e.disp.Wait()

	n, err := e.store.CountInsights(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsightReviewsFeedTheChallenger(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: sampling.Fixed(10), optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "Classify the ticket.")

	l := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"shipping"`)})
	cand, err := e.versions.ApplyCandidate(ctx, e.model(t, m.ID), "Classify the ticket precisely.")
	require.NoError(t, err)

	_, err = e.ingest.UpdateLog(ctx, l.ID, ingest.UpdateInput{Actual: json.RawMessage(`"refund"`)})
	require.NoError(t, err)
	e.disp.Wait()

	onOriginal, err := e.store.CountInsights(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, onOriginal)
	onChallenger, err := e.store.CountInsights(ctx, cand.Optimized.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), onChallenger)

	res, err := e.opt.ApplySuggestions(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Classify the ticket. Refunds are about money back.", res.Prompt)
	require.NotNil(t, res.Candidate)
	assert.False(t, res.Candidate.Forked)
	onChallenger, err = e.store.CountInsights(ctx, cand.Optimized.ID)
	require.NoError(t, err)
	assert.Zero(t, onChallenger, "suggestions consume the challenger's insights")
}

func TestInsightCapReleasedByOptimization(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: sampling.Fixed(10), optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "Classify the ticket.")
	for i := 0; i < 10; i++ {
		require.NoError(t, e.store.CreateInsight(ctx, &models.Insight{
			ModelID:  m.ID,
			Problem:  fmt.Sprintf("problem %d", i),
			Solution: "fix it",
		}))
	}

	first := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"shipping"`)})
	_, err := e.ingest.UpdateLog(ctx, first.ID, ingest.UpdateInput{Actual: json.RawMessage(`"refund"`)})
	require.NoError(t, err)
	e.disp.Wait()

	n, err := e.store.CountInsights(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n, "the cap blocks further reviews")
	for _, c := range e.fake.Calls() {
		if c.Format != nil {
			assert.NotEqual(t, "insights", c.Format.Name)
		}
	}

	res, err := e.opt.ApplySuggestions(ctx, m.ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.Prompt)
	require.NotNil(t, res.Candidate)
	require.True(t, res.Candidate.Forked)
	n, err = e.store.CountInsights(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	second := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":2}`), Output: json.RawMessage(`"shipping"`)})
	_, err = e.ingest.UpdateLog(ctx, second.ID, ingest.UpdateInput{Actual: json.RawMessage(`"refund"`)})
	require.NoError(t, err)
	e.disp.Wait()

	n, err = e.store.CountInsights(ctx, res.Candidate.Optimized.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "reviews resume once insights are consumed")
}

func TestStatusOnlyErrorSkipsInsightReviews(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: sampling.Fixed(10), optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "p")

	l := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"shipping"`)})
	status := models.LogStatusError
	_, err := e.ingest.UpdateLog(ctx, l.ID, ingest.UpdateInput{Status: &status})
	require.NoError(t, err)
	e.disp.Wait()

	got, err := e.store.GetLog(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, got.HasActual())
	assert.Equal(t, models.LogStatusError, got.Status)
	assert.Len(t, e.notifier.Failures(), 1, "the status flip still counts as a failure")

	n, err := e.store.CountInsights(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "no insight review without known ground truth")
}

func TestVerdictDoesNotOverwriteGroundTruth(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: never, optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "p")

	// Ground truth lands while the evaluator is still running.
	e.registry.Register("labelled_meanwhile", func(ctx context.Context, l *models.ModelLog) (evaluation.Result, error) {
		if _, err := e.ingest.UpdateLog(ctx, l.ID, ingest.UpdateInput{Actual: json.RawMessage(`"refund"`)}); err != nil {
			return evaluation.Result{}, err
		}
		return evaluation.Result{IsCorrect: true, Summary: "ok"}, nil
	})
	gate := &models.EvaluationPrompt{Name: "labelled_meanwhile", Type: models.EvaluatorTypeFunction, FunctionName: "labelled_meanwhile"}
	require.NoError(t, e.store.CreateEvaluator(ctx, gate))
	require.NoError(t, e.store.AttachEvaluator(ctx, &models.ModelEvaluationPrompt{ModelID: m.ID, EvaluationPromptID: gate.ID}))

	l := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"shipping"`)})

	assert.JSONEq(t, `"refund"`, string(l.Actual))
	require.NotNil(t, l.IsCorrect)
	assert.False(t, *l.IsCorrect)
	assert.Equal(t, models.LogStatusError, l.Status)
	assert.Len(t, e.notifier.Failures(), 1)
}

func TestCorrectUpdateDoesNotNotify(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: never, optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "p")

	l := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"refund"`)})
	_, err := e.ingest.UpdateLog(ctx, l.ID, ingest.UpdateInput{Actual: json.RawMessage(`"refund"`)})
	require.NoError(t, err)
	e.disp.Wait()

	got, err := e.store.GetLog(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LogStatusSuccess, got.Status)
	assert.Empty(t, e.notifier.Failures())

	accuracy, err := e.store.ListMetricLogs(ctx, m.ID, models.MetricAccuracy, "")
	require.NoError(t, err)
	require.Len(t, accuracy, 1)
	assert.Equal(t, 1.0, accuracy[0].Value)
}

func TestAutoEvaluationVerdictFlowsThroughUpdate(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: never, optimization: never, abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "p")

	gate := &models.EvaluationPrompt{Name: "gate", Type: models.EvaluatorTypeFunction, FunctionName: "no_error_output"}
	require.NoError(t, e.store.CreateEvaluator(ctx, gate))
	require.NoError(t, e.store.AttachEvaluator(ctx, &models.ModelEvaluationPrompt{ModelID: m.ID, EvaluationPromptID: gate.ID}))

	l := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`{"error":"upstream timeout"}`)})

	require.True(t, l.HasActual())
	assert.JSONEq(t, `{"isCorrect":false,"source":"auto_evaluation"}`, string(l.Actual))
	require.NotNil(t, l.IsCorrect)
	assert.False(t, *l.IsCorrect)
	assert.Equal(t, models.LogStatusError, l.Status)
	failures := e.notifier.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "upstream timeout", failures[0].Error)
}

func TestABReplayCreatesChallengerLog(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: never, optimization: never, abTest: sampling.Fixed(10)})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "Classify the ticket.")
	structure := prompts.Structure{Kind: prompts.KindMessages, Path: []string{"messages"}, Role: "system"}
	require.NoError(t, e.store.SetSystemPromptStructure(ctx, m.ID, structure.Encode()))

	cand, err := e.versions.ApplyCandidate(ctx, e.model(t, m.ID), "Classify the ticket precisely.")
	require.NoError(t, err)
	st, err := e.versions.Status(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, promptversion.StateHasCandidate, st.State)

	l := e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(chatInput), Output: json.RawMessage(`{"label":"shipping"}`)})

	page, total, err := e.store.ListEntries(ctx, db.EntriesQuery{ModelID: cand.Optimized.ID})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	replay := page[0]
	require.NotNil(t, replay.OriginalLogID)
	assert.Equal(t, l.ID, *replay.OriginalLogID)
	assert.JSONEq(t, `{"label":"refund"}`, string(replay.Output))
	got, ok := prompts.ExtractJSON(replay.Input, structure)
	require.True(t, ok)
	assert.Equal(t, "Classify the ticket precisely.", got)
	assert.True(t, replay.Processed, "replay logs run through the pipeline too")

	st, err = e.versions.Status(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, promptversion.StateABTesting, st.State)

	// Replays are never replayed again.
	replays, err := e.store.CountReplayLogs(ctx, cand.Optimized.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), replays)
}

func TestOptimizationTriggerForksAndNotifies(t *testing.T) {
	e := newEnv(t, false, samplers{reviewer: never, optimization: sampling.Fixed(20), abTest: never})
	ctx := context.Background()
	m := dbtest.SeedModel(t, e.store, e.fixture.Company.ID, 0, "Classify the ticket.")
	no := false
	dbtest.SeedLog(t, e.store, &models.ModelLog{ModelID: m.ID, Input: datatypes.JSON(`{"q":"refund?"}`), Output: datatypes.JSON(`"shipping"`), IsCorrect: &no})

	e.createLog(t, ingest.CreateInput{ModelID: m.ID, Input: json.RawMessage(`{"q":1}`), Output: json.RawMessage(`"a"`)})

	ab, err := e.store.PrincipalABTest(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 30.0, ab.Percentage)
	optimized := e.model(t, ab.OptimizedModelID)
	assert.True(t, optimized.IsOptimized)
	assert.Equal(t, "Classify the ticket. Refunds are about money back.", optimized.Prompt())

	sent := e.notifier.Optimizations()
	require.Len(t, sent, 1)
	assert.Equal(t, optimized.ID, sent[0].OptimizedModelID)
}
