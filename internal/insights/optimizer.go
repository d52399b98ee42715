package insights

import (
	"context"
	"fmt"
	"strings"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/logging"
	"go.uber.org/zap"
)

const optimizerPrompt = `You improve the system prompt of an AI model. You receive the current prompt and a list of
problems observed in production with a proposed solution for each. Rewrite the prompt so it addresses
the problems while keeping its original intent, format and constraints. Set improved to false and
return the current prompt unchanged when no change is warranted.`

var suggestionSchema = llm.ObjectSchema(map[string]any{
	"improved": map[string]any{"type": "boolean"},
	"prompt":   map[string]any{"type": "string"},
}, "improved", "prompt")

// Optimizer synthesizes candidate prompts from insights.
type Optimizer struct {
	store *db.Store
	llm   llm.Provider
	log   *zap.Logger
}

// NewOptimizer builds an Optimizer.
func NewOptimizer(store *db.Store, provider llm.Provider, log *zap.Logger) *Optimizer {
	return &Optimizer{store: store, llm: provider, log: logging.OrNop(log)}
}

// ApplySuggestions returns a new prompt for m built from its insights, or ""
// when there is nothing to improve. Insights are consumed only when a prompt
// is returned.
func (o *Optimizer) ApplySuggestions(ctx context.Context, m *models.Model) (string, error) {
	found, err := o.store.ListInsights(ctx, m.ID)
	if err != nil {
		return "", fmt.Errorf("list insights of model %d: %w", m.ID, err)
	}
	if len(found) == 0 {
		return "", nil
	}

	current := m.Prompt()
	if current == "" {
		if v, err := o.store.ActiveVersion(ctx, m.ID); err == nil {
			current = v.Prompt
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current prompt:\n%s\n\nProblems:\n", current)
	for i, in := range found {
		fmt.Fprintf(&b, "%d. Problem: %s\n   Solution: %s\n", i+1, in.Problem, in.Solution)
	}
	resp, err := o.llm.Default().GenerateAIResponse(ctx, []llm.Message{
		llm.System(optimizerPrompt),
		llm.User(b.String()),
	}, &llm.ResponseFormat{Name: "prompt_suggestion", Schema: suggestionSchema})
	if err != nil {
		return "", fmt.Errorf("suggest prompt for model %d: %w", m.ID, err)
	}
	var answer struct {
		Improved bool   `json:"improved"`
		Prompt   string `json:"prompt"`
	}
	if err := resp.Decode(&answer); err != nil {
		return "", fmt.Errorf("suggest prompt for model %d: %w", m.ID, err)
	}

	prompt := strings.TrimSpace(answer.Prompt)
	if !answer.Improved || prompt == "" || prompt == strings.TrimSpace(current) {
		o.log.Debug("no prompt improvement", zap.Uint("model_id", m.ID), zap.Int("insights", len(found)))
		return "", nil
	}

	ids := make([]uint, len(found))
	for i, in := range found {
		ids[i] = in.ID
	}
	if err := o.store.ConsumeInsights(ctx, ids); err != nil {
		return "", err
	}
	return prompt, nil
}
