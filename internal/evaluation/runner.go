// Package evaluation runs function and LLM evaluators against model logs.
package evaluation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/handit-ai/handit-core/internal/sampling"
	"github.com/handit-ai/handit-core/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const evaluatorInstructions = `
Evaluate the model interaction below. Respond with a JSON object with "isCorrect" (boolean) and
"summary" (a short analysis).`

var resultSchema = llm.ObjectSchema(map[string]any{
	"isCorrect": map[string]any{"type": "boolean"},
	"summary":   map[string]any{"type": "string"},
}, "isCorrect", "summary")

// Sink persists evaluation results.
type Sink interface {
	CreateEvaluationLog(ctx context.Context, l *models.EvaluationLog) error
}

// Reviewer is the reviewer model a run is performed on behalf of. Spec is the
// default backend of its prompt evaluators.
type Reviewer struct {
	ID         uint
	Spec       llm.Spec
	Percentage float64
}

// Input is one evaluation pass over a log.
type Input struct {
	Log        *models.ModelLog
	Reviewer   Reviewer
	Evaluators []db.BoundEvaluator
	IsN8N      bool
}

// Outcome lists the evaluation logs written, in evaluator order.
type Outcome struct {
	Logs          []models.EvaluationLog
	PromptSampled bool
}

// Verdict folds the non-informative completed results. ok is false when no
// such result exists.
func (o Outcome) Verdict() (allPassed, ok bool) {
	allPassed = true
	for _, l := range o.Logs {
		if l.IsInformative || l.Status != models.EvaluationStatusCompleted {
			continue
		}
		ok = true
		allPassed = allPassed && l.IsCorrect
	}
	return allPassed, ok
}

// Options configure a Runner.
type Options struct {
	Concurrency   int
	N8NPercentage float64
}

// Runner dispatches evaluators. Function evaluators always run; prompt
// evaluators run when one draw per call falls within the reviewer's
// percentage.
type Runner struct {
	registry *Registry
	llm      llm.Provider
	sampler  sampling.Sampler
	sink     Sink
	opts     Options
	log      *zap.Logger
}

// NewRunner builds a Runner.
func NewRunner(registry *Registry, provider llm.Provider, sampler sampling.Sampler, sink Sink, opts Options, log *zap.Logger) *Runner {
	if registry == nil {
		registry = NewRegistry()
	}
	if sampler == nil {
		sampler = sampling.Uniform{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Runner{
		registry: registry,
		llm:      provider,
		sampler:  sampler,
		sink:     sink,
		opts:     opts,
		log:      logging.OrNop(log),
	}
}

// Run evaluates in.Log. A failing evaluator is recorded as a failed
// evaluation log and never stops the others. The returned error is only
// non-nil when ctx is done.
func (r *Runner) Run(ctx context.Context, in Input) (Outcome, error) {
	var functions, prompts []db.BoundEvaluator
	for _, be := range in.Evaluators {
		switch be.Evaluator.Type {
		case models.EvaluatorTypeFunction:
			functions = append(functions, be)
		case models.EvaluatorTypePrompt:
			prompts = append(prompts, be)
		default:
			r.log.Warn("skipping evaluator of unknown type",
				zap.Uint("evaluator_id", be.Evaluator.ID), zap.String("type", be.Evaluator.Type))
		}
	}

	var out Outcome
	selected := functions
	if len(prompts) > 0 {
		pct := in.Reviewer.Percentage
		if in.IsN8N && r.opts.N8NPercentage > pct {
			pct = r.opts.N8NPercentage
		}
		out.PromptSampled = sampling.Hit(r.sampler, pct)
		if out.PromptSampled {
			selected = append(append([]db.BoundEvaluator(nil), functions...), prompts...)
		}
	}
	if len(selected) == 0 {
		return out, ctx.Err()
	}

	results := make([]*models.EvaluationLog, len(selected))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, be := range selected {
		g.Go(func() error {
			entry := r.evaluate(gctx, in, be)
			if err := r.sink.CreateEvaluationLog(gctx, entry); err != nil {
				r.log.Warn("failed to persist evaluation log",
					zap.Uint("log_id", in.Log.ID), zap.Uint("evaluator_id", be.Evaluator.ID), zap.Error(err))
				return nil
			}
			mu.Lock()
			results[i] = entry
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range results {
		if e != nil {
			out.Logs = append(out.Logs, *e)
		}
	}
	return out, ctx.Err()
}

func (r *Runner) evaluate(ctx context.Context, in Input, be db.BoundEvaluator) (entry *models.EvaluationLog) {
	entry = &models.EvaluationLog{
		ModelLogID:    in.Log.ID,
		ModelID:       in.Log.ModelID,
		EvaluatorID:   be.Evaluator.ID,
		ReviewerID:    in.Reviewer.ID,
		IsInformative: be.Evaluator.IsInformative,
		Status:        models.EvaluationStatusCompleted,
	}
	defer func() {
		if rec := recover(); rec != nil {
			entry.IsCorrect = false
			entry.Status = models.EvaluationStatusFailed
			entry.Summary = fmt.Sprintf("evaluator panicked: %v", rec)
			r.log.Error("evaluator panicked",
				zap.Uint("log_id", in.Log.ID), zap.String("evaluator", be.Evaluator.Name), zap.Any("panic", rec))
		}
	}()

	var (
		res Result
		err error
	)
	switch be.Evaluator.Type {
	case models.EvaluatorTypeFunction:
		res, err = r.runFunction(ctx, in.Log, be.Evaluator)
	default:
		res, err = r.runPrompt(ctx, in, be)
	}
	if err != nil {
		entry.Status = models.EvaluationStatusFailed
		entry.Summary = err.Error()
		r.log.Warn("evaluator failed",
			zap.Uint("log_id", in.Log.ID), zap.String("evaluator", be.Evaluator.Name), zap.Error(err))
		return entry
	}
	entry.IsCorrect = res.IsCorrect
	entry.Summary = res.Summary
	return entry
}

func (r *Runner) runFunction(ctx context.Context, log *models.ModelLog, e models.EvaluationPrompt) (Result, error) {
	name := e.FunctionName
	if name == "" {
		name = e.Name
	}
	fn, ok := r.registry.Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("unknown evaluation function %q", name)
	}
	return fn(ctx, log)
}

func (r *Runner) runPrompt(ctx context.Context, in Input, be db.BoundEvaluator) (Result, error) {
	if r.llm == nil {
		return Result{}, fmt.Errorf("no completion service for evaluator %q", be.Evaluator.Name)
	}
	spec := in.Reviewer.Spec
	if be.Binding.Provider != "" {
		spec.Provider = be.Binding.Provider
	}
	if be.Binding.LLMModel != "" {
		spec.Model = be.Binding.LLMModel
	}
	if be.Binding.Token != "" {
		spec.APIKey = be.Binding.Token
	}

	resp, err := r.llm.For(spec).GenerateAIResponse(ctx, []llm.Message{
		llm.System(strings.TrimSpace(be.Evaluator.Prompt) + "\n" + evaluatorInstructions),
		llm.User(RenderLog(in.Log)),
	}, &llm.ResponseFormat{Name: "evaluation", Schema: resultSchema})
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := resp.Decode(&res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// RenderLog formats a log for an LLM prompt.
func RenderLog(l *models.ModelLog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Input:\n%s\n\nOutput:\n%s\n", util.Payload(l.Input), util.Payload(l.Output))
	if len(l.Predicted) > 0 && string(l.Predicted) != "null" {
		fmt.Fprintf(&b, "\nExpected:\n%s\n", util.Payload(l.Predicted))
	}
	if l.HasActual() {
		fmt.Fprintf(&b, "\nActual:\n%s\n", util.Payload(l.Actual))
	}
	return b.String()
}
