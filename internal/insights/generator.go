// Package insights turns incorrect logs into problem/solution findings and
// folds those findings into improved prompts.
package insights

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/evaluation"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/logging"
	"go.uber.org/zap"
)

const generatorPrompt = `You analyze failures of an AI model. Given its system prompt and a set of interactions
that were judged incorrect, identify the recurring problems and propose a concrete change to the
prompt that would fix each one. Only report problems supported by the interactions.`

var insightSchema = llm.ObjectSchema(map[string]any{
	"insights": map[string]any{
		"type": "array",
		"items": llm.ObjectSchema(map[string]any{
			"problem":  map[string]any{"type": "string"},
			"solution": map[string]any{"type": "string"},
		}, "problem", "solution"),
	},
}, "insights")

// Generator produces insights for a model.
type Generator struct {
	store  *db.Store
	llm    llm.Provider
	limit  int
	window int
	log    *zap.Logger
}

// NewGenerator builds a Generator. limit bounds live insights per model and
// window bounds the number of incorrect logs read per call.
func NewGenerator(store *db.Store, provider llm.Provider, limit, window int, log *zap.Logger) *Generator {
	if window <= 0 {
		window = 20
	}
	return &Generator{store: store, llm: provider, limit: limit, window: window, log: logging.OrNop(log)}
}

// Generate reads the latest incorrect logs of m and stores new insights.
// Findings whose problem matches an existing insight are dropped.
func (g *Generator) Generate(ctx context.Context, m *models.Model) ([]models.Insight, error) {
	logs, err := g.store.ListIncorrectLogs(ctx, m.ID, g.window, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list incorrect logs of model %d: %w", m.ID, err)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return g.generate(ctx, m, logs, g.llm.Default())
}

// Review runs a deep review of a single incorrect log with a reviewer's
// backend.
func (g *Generator) Review(ctx context.Context, m *models.Model, l *models.ModelLog, spec llm.Spec) ([]models.Insight, error) {
	return g.generate(ctx, m, []models.ModelLog{*l}, g.llm.For(spec))
}

func (g *Generator) generate(ctx context.Context, m *models.Model, logs []models.ModelLog, completer llm.Completer) ([]models.Insight, error) {
	existing, err := g.store.ListInsights(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("list insights of model %d: %w", m.ID, err)
	}
	room := g.limit - len(existing)
	if g.limit > 0 && room <= 0 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "System prompt:\n%s\n", m.Prompt())
	for i := range logs {
		fmt.Fprintf(&b, "\n--- Interaction %d ---\n%s", i+1, evaluation.RenderLog(&logs[i]))
	}
	resp, err := completer.GenerateAIResponse(ctx, []llm.Message{
		llm.System(generatorPrompt),
		llm.User(b.String()),
	}, &llm.ResponseFormat{Name: "insights", Schema: insightSchema})
	if err != nil {
		return nil, fmt.Errorf("generate insights for model %d: %w", m.ID, err)
	}
	var answer struct {
		Insights []struct {
			Problem  string `json:"problem"`
			Solution string `json:"solution"`
		} `json:"insights"`
	}
	if err := resp.Decode(&answer); err != nil {
		return nil, fmt.Errorf("generate insights for model %d: %w", m.ID, err)
	}

	seen := make(map[string]struct{}, len(existing))
	for _, in := range existing {
		seen[normalizeProblem(in.Problem)] = struct{}{}
	}
	var created []models.Insight
	for _, a := range answer.Insights {
		if g.limit > 0 && len(created) >= room {
			break
		}
		key := normalizeProblem(a.Problem)
		if key == "" || strings.TrimSpace(a.Solution) == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		in := models.Insight{ModelID: m.ID, Problem: strings.TrimSpace(a.Problem), Solution: strings.TrimSpace(a.Solution)}
		if err := g.store.CreateInsight(ctx, &in); err != nil {
			return created, err
		}
		created = append(created, in)
	}
	g.log.Debug("generated insights", zap.Uint("model_id", m.ID), zap.Int("created", len(created)), zap.Int("proposed", len(answer.Insights)))
	return created, nil
}

func normalizeProblem(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
