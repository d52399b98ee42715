package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/dbtest"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/llm/llmtest"
	"github.com/handit-ai/handit-core/internal/sampling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func bound(id uint, typ, fn string, informative bool) db.BoundEvaluator {
	return db.BoundEvaluator{
		Evaluator: models.EvaluationPrompt{ID: id, Name: fn, Type: typ, FunctionName: fn, Prompt: "Judge " + fn, IsInformative: informative},
		Binding:   models.ModelEvaluationPrompt{EvaluationPromptID: id},
	}
}

func setup(t *testing.T) (*db.Store, *models.ModelLog) {
	t.Helper()
	store := dbtest.NewStore(t)
	m := dbtest.SeedModel(t, store, 1, 0, "p")
	l := dbtest.SeedLog(t, store, &models.ModelLog{
		ModelID: m.ID,
		Input:   datatypes.JSON(`{"q":"2+2"}`),
		Output:  datatypes.JSON(`"4"`),
	})
	return store, l
}

func TestRunSkipsPromptEvaluatorsOutsideSample(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)
	fake := &llmtest.Scripted{Fallback: `{"isCorrect":true,"summary":"fine"}`}
	r := NewRunner(nil, &llmtest.Provider{Completer: fake}, sampling.NewSequence(85), store, Options{}, nil)

	out, err := r.Run(ctx, Input{
		Log:      l,
		Reviewer: Reviewer{ID: 9, Percentage: 30},
		Evaluators: []db.BoundEvaluator{
			bound(1, models.EvaluatorTypeFunction, "non_empty_output", true),
			bound(2, models.EvaluatorTypePrompt, "judge", false),
		},
	})
	require.NoError(t, err)
	assert.False(t, out.PromptSampled)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, uint(1), out.Logs[0].EvaluatorID)
	assert.Zero(t, fake.CallCount())

	stored, err := store.ListEvaluationLogs(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRunInclusiveThreshold(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)
	fake := &llmtest.Scripted{Fallback: `{"isCorrect":false,"summary":"wrong"}`}
	r := NewRunner(nil, &llmtest.Provider{Completer: fake}, sampling.NewSequence(30), store, Options{}, nil)

	out, err := r.Run(ctx, Input{
		Log:        l,
		Reviewer:   Reviewer{ID: 9, Percentage: 30, Spec: llm.Spec{Model: "gpt-4o-mini"}},
		Evaluators: []db.BoundEvaluator{bound(2, models.EvaluatorTypePrompt, "judge", false)},
	})
	require.NoError(t, err)
	assert.True(t, out.PromptSampled)
	require.Len(t, out.Logs, 1)
	assert.False(t, out.Logs[0].IsCorrect)
	assert.Equal(t, "wrong", out.Logs[0].Summary)
	assert.Equal(t, uint(9), out.Logs[0].ReviewerID)

	passed, ok := out.Verdict()
	assert.True(t, ok)
	assert.False(t, passed)
}

func TestRunN8NAlwaysSamples(t *testing.T) {
	store, l := setup(t)
	fake := &llmtest.Scripted{Fallback: `{"isCorrect":true,"summary":"ok"}`}
	r := NewRunner(nil, &llmtest.Provider{Completer: fake}, sampling.NewSequence(99), store, Options{N8NPercentage: 100}, nil)

	out, err := r.Run(context.Background(), Input{
		Log:        l,
		Reviewer:   Reviewer{Percentage: 30},
		Evaluators: []db.BoundEvaluator{bound(2, models.EvaluatorTypePrompt, "judge", false)},
		IsN8N:      true,
	})
	require.NoError(t, err)
	assert.True(t, out.PromptSampled)
	assert.Equal(t, 1, fake.CallCount())
}

func TestRunIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store, l := setup(t)
	registry := NewRegistry()
	registry.Register("explodes", func(context.Context, *models.ModelLog) (Result, error) { panic("boom") })
	registry.Register("errors", func(context.Context, *models.ModelLog) (Result, error) { return Result{}, errors.New("nope") })

	fake := &llmtest.Scripted{Err: errors.New("llm down")}
	r := NewRunner(registry, &llmtest.Provider{Completer: fake}, sampling.Fixed(0.5), store, Options{Concurrency: 2}, nil)

	out, err := r.Run(ctx, Input{
		Log:      l,
		Reviewer: Reviewer{Percentage: 100},
		Evaluators: []db.BoundEvaluator{
			bound(1, models.EvaluatorTypeFunction, "explodes", false),
			bound(2, models.EvaluatorTypeFunction, "errors", false),
			bound(3, models.EvaluatorTypeFunction, "missing", false),
			bound(4, models.EvaluatorTypePrompt, "judge", false),
			bound(5, models.EvaluatorTypeFunction, "non_empty_output", false),
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Logs, 5)

	statuses := map[uint]string{}
	for _, e := range out.Logs {
		statuses[e.EvaluatorID] = e.Status
	}
	assert.Equal(t, map[uint]string{
		1: models.EvaluationStatusFailed,
		2: models.EvaluationStatusFailed,
		3: models.EvaluationStatusFailed,
		4: models.EvaluationStatusFailed,
		5: models.EvaluationStatusCompleted,
	}, statuses)

	passed, ok := out.Verdict()
	assert.True(t, ok)
	assert.True(t, passed)
}

func TestRunUsesBindingOverrides(t *testing.T) {
	store, l := setup(t)
	fake := &llmtest.Scripted{Fallback: `{"isCorrect":true,"summary":"ok"}`}
	provider := &llmtest.Provider{Completer: fake}
	r := NewRunner(nil, provider, sampling.Fixed(1), store, Options{}, nil)

	be := bound(2, models.EvaluatorTypePrompt, "judge", true)
	be.Binding.Provider = "deepseek"
	be.Binding.LLMModel = "deepseek-chat"
	be.Binding.Token = "sk-binding"

	_, err := r.Run(context.Background(), Input{
		Log:        l,
		Reviewer:   Reviewer{Percentage: 100, Spec: llm.Spec{Provider: "openai", Model: "gpt-4o-mini"}},
		Evaluators: []db.BoundEvaluator{be},
	})
	require.NoError(t, err)
	assert.Equal(t, []llm.Spec{{Provider: "deepseek", Model: "deepseek-chat", APIKey: "sk-binding"}}, provider.Specs())

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Messages[0].Content, "Judge judge")
	assert.Contains(t, calls[0].Messages[1].Content, `{"q":"2+2"}`)
}

func TestVerdictIgnoresInformative(t *testing.T) {
	out := Outcome{Logs: []models.EvaluationLog{
		{IsInformative: true, IsCorrect: false, Status: models.EvaluationStatusCompleted},
	}}
	_, ok := out.Verdict()
	assert.False(t, ok)
}
