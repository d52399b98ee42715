package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/handit-ai/handit-core/internal/apperr"
	"github.com/handit-ai/handit-core/internal/cache"
	"github.com/handit-ai/handit-core/internal/correctness"
	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/evaluation"
	"github.com/handit-ai/handit-core/internal/evaluation/catalog"
	"github.com/handit-ai/handit-core/internal/insights"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/handit-ai/handit-core/internal/monitoring"
	"github.com/handit-ai/handit-core/internal/notify"
	"github.com/handit-ai/handit-core/internal/optimization"
	"github.com/handit-ai/handit-core/internal/prompts"
	"github.com/handit-ai/handit-core/internal/promptversion"
	"github.com/handit-ai/handit-core/internal/reviewer"
	"github.com/handit-ai/handit-core/internal/sampling"
	"go.uber.org/zap"
)

// AutoEvaluationSource marks verdicts written by automatic evaluation.
const AutoEvaluationSource = "auto_evaluation"

// LogWriter is the write path the orchestrator feeds back into, so derived
// logs and verdicts publish their own events.
type LogWriter interface {
	RecordLog(ctx context.Context, l *models.ModelLog) error
	SetActual(ctx context.Context, logID uint, actual []byte) error
}

// Deps are the collaborators of an Orchestrator. Background runs
// fire-and-forget work; when nil it runs inline.
type Deps struct {
	Store        *db.Store
	Versions     *promptversion.Manager
	Reviewers    *reviewer.Controller
	Runner       *evaluation.Runner
	Insights     *insights.Generator
	Optimization *optimization.Service
	Monitor      *monitoring.Monitor
	Detector     *prompts.Detector
	Catalog      *catalog.Catalog
	Cache        cache.Store
	Notifier     notify.Notifier
	LLM          llm.Provider
	Sampler      sampling.Sampler
	Writer       LogWriter
	Background   func(fn func(ctx context.Context)) bool
}

// Orchestrator sequences the per-log steps of the optimization loop.
type Orchestrator struct {
	Deps
	log *zap.Logger
}

func NewOrchestrator(d Deps, log *zap.Logger) *Orchestrator {
	if d.Sampler == nil {
		d.Sampler = sampling.Uniform{}
	}
	return &Orchestrator{Deps: d, log: logging.OrNop(log)}
}

// run is the state loaded once per event and threaded through the steps.
type run struct {
	log       *models.ModelLog
	model     *models.Model
	agent     *models.Agent
	structure *prompts.Structure
	targets   []reviewer.Target
	logger    *zap.Logger
}

// Handle implements Handler. Failures are logged, never returned.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) {
	var err error
	switch ev.Kind {
	case LogCreated:
		err = o.OnLogCreated(ctx, ev.LogID)
	case LogUpdated:
		err = o.OnLogUpdated(ctx, ev.LogID)
	default:
		err = fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil {
		logging.FromContext(ctx, o.log).Warn("pipeline event failed", zap.Stringer("event", ev), zap.Error(err))
	}
}

func (o *Orchestrator) load(ctx context.Context, logID uint) (*run, error) {
	l, err := o.Store.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	m, err := o.Store.GetModel(ctx, l.ModelID)
	if err != nil {
		return nil, err
	}
	return &run{
		log:    l,
		model:  m,
		logger: logging.FromContext(ctx, o.log).With(zap.Uint("model_id", m.ID), zap.Uint("log_id", l.ID)),
	}, nil
}

// step runs one side effect and logs its failure.
func (o *Orchestrator) step(r *run, name string, fn func() error) {
	if err := fn(); err != nil {
		r.logger.Warn("pipeline step failed", zap.String("step", name), zap.Error(err))
	}
}

// OnLogCreated runs the creation path for a committed log. Each log is
// processed at most once.
func (o *Orchestrator) OnLogCreated(ctx context.Context, logID uint) error {
	r, err := o.load(ctx, logID)
	if err != nil {
		return err
	}
	if !r.model.Active {
		return nil
	}
	won, err := o.Store.ClaimLogFlag(ctx, logID, "processed")
	if err != nil || !won {
		return err
	}

	o.step(r, "detect_structure", func() error { return o.detectStructure(ctx, r) })
	o.step(r, "version", func() error { return o.syncVersion(ctx, r) })

	if !r.model.IsReviewer {
		o.step(r, "reviewer", func() error { return o.ensureReviewer(ctx, r) })
		if o.Catalog != nil {
			o.step(r, "attach_evaluators", func() error { return o.Catalog.AttachAll(ctx, o.Store, r.model.ID) })
		}
		o.invalidateEntries(r.model.ID)
	}
	if r.model.IsReviewer {
		return nil
	}

	o.step(r, "evaluate", func() error { return o.evaluate(ctx, r) })
	o.step(r, "ab_replay", func() error { return o.replayABTests(ctx, r) })
	if o.Monitor != nil {
		o.step(r, "health_check", func() error {
			_, err := o.Monitor.RecordHealthCheck(ctx, r.log)
			return err
		})
	}
	if o.Optimization != nil {
		o.step(r, "optimize", func() error {
			_, err := o.Optimization.AttemptForLog(ctx, r.model, r.log)
			return err
		})
	}
	if !r.model.IsOptimized && !r.log.IsReplay() {
		o.refreshSnapshot(r)
	}
	return nil
}

func (o *Orchestrator) detectStructure(ctx context.Context, r *run) error {
	s, err := prompts.Parse(r.model.SystemPromptStructure)
	if err != nil || s != nil {
		r.structure = s
		return err
	}
	if o.Detector == nil {
		return nil
	}
	if s, err = o.Detector.Detect(ctx, r.log.Input); err != nil || s == nil {
		return err
	}
	encoded := s.Encode()
	if err := o.Store.SetSystemPromptStructure(ctx, r.model.ID, encoded); err != nil {
		return err
	}
	r.model.SystemPromptStructure = encoded
	r.structure = s
	r.logger.Info("detected system prompt structure", zap.String("kind", s.Kind), zap.Strings("path", s.Path))
	return nil
}

// syncVersion seeds the first version from the logged prompt and stamps the
// log with the active version label.
func (o *Orchestrator) syncVersion(ctx context.Context, r *run) error {
	prompt := r.model.Prompt()
	if r.structure != nil {
		if p, ok := prompts.ExtractJSON(r.log.Input, *r.structure); ok && p != "" {
			prompt = p
		}
	}
	v, _, err := o.Versions.SeedInitialVersion(ctx, r.model, prompt)
	if err != nil {
		return err
	}
	label := promptversion.VersionLabel(r.model.ID, v.Version)
	if r.log.Version == label {
		return nil
	}
	if err := o.Store.UpdateLogFields(ctx, r.log.ID, map[string]any{"version": label}); err != nil {
		return err
	}
	r.log.Version = label
	return nil
}

func (o *Orchestrator) ensureReviewer(ctx context.Context, r *run) error {
	agent, err := o.Store.AgentForModel(ctx, r.model.ID)
	switch {
	case err == nil:
		r.agent = agent
	case apperr.Is(err, apperr.KindNotFound):
		r.logger.Debug("model is not part of an agent")
	default:
		return err
	}
	targets, created, err := o.Reviewers.EnsureReviewer(ctx, r.model, r.agent.IsN8N())
	if err != nil {
		return err
	}
	if created {
		r.logger.Info("reviewer attached", zap.Int("reviewers", len(targets)))
	}
	r.targets = targets
	return nil
}

// evaluate runs every reviewer's evaluators once per log. Function
// evaluators only run with the first reviewer. When non-informative
// evaluators reach a verdict and the log has no actual, the verdict is
// written back through the write path.
func (o *Orchestrator) evaluate(ctx context.Context, r *run) error {
	if len(r.targets) == 0 {
		return nil
	}
	won, err := o.Store.ClaimLogFlag(ctx, r.log.ID, "auto_evaluation_processed")
	if err != nil || !won {
		return err
	}
	bound, err := o.Store.ListModelEvaluators(ctx, r.model.ID)
	if err != nil {
		return fmt.Errorf("list evaluators: %w", err)
	}
	if len(bound) == 0 {
		return nil
	}
	var llmOnly []db.BoundEvaluator
	for _, be := range bound {
		if be.Evaluator.Type != models.EvaluatorTypeFunction {
			llmOnly = append(llmOnly, be)
		}
	}

	passed, decided := true, false
	for i, t := range r.targets {
		evaluators := bound
		if i > 0 {
			evaluators = llmOnly
		}
		out, err := o.Runner.Run(ctx, evaluation.Input{
			Log: r.log,
			Reviewer: evaluation.Reviewer{
				ID:         t.Reviewer.ID,
				Spec:       t.Spec(),
				Percentage: t.Link.EvaluationPercentage,
			},
			Evaluators: evaluators,
			IsN8N:      r.agent.IsN8N(),
		})
		if err != nil {
			return err
		}
		if ok, has := out.Verdict(); has {
			decided = true
			passed = passed && ok
		}
	}

	if !decided || correctness.Known(r.log) || o.Writer == nil {
		return nil
	}
	verdict, err := json.Marshal(correctness.Verdict{IsCorrect: passed, Source: AutoEvaluationSource})
	if err != nil {
		return err
	}
	return o.Writer.SetActual(ctx, r.log.ID, verdict)
}

// replayABTests reruns the log's input against each sampled principal
// challenger and records the answer as a replay log of the challenger.
func (o *Orchestrator) replayABTests(ctx context.Context, r *run) error {
	if r.model.IsOptimized || r.log.IsReplay() || o.Writer == nil || o.LLM == nil {
		return nil
	}
	tests, err := o.Store.ListABTests(ctx, r.model.ID, true)
	if err != nil {
		return err
	}
	for _, ab := range tests {
		if !sampling.Hit(o.Sampler, ab.Percentage) {
			continue
		}
		o.step(r, "ab_replay_log", func() error { return o.replay(ctx, r, ab) })
	}
	return nil
}

func (o *Orchestrator) replay(ctx context.Context, r *run, ab models.ABTestModels) error {
	challenger, err := o.Store.GetModel(ctx, ab.OptimizedModelID)
	if err != nil {
		return err
	}
	structure := r.structure
	if s, err := prompts.Parse(challenger.SystemPromptStructure); err == nil && s != nil {
		structure = s
	}
	messages, input := prompts.Conversation(r.log.Input, structure, challenger.Prompt())

	spec := llm.Spec{Provider: challenger.Provider, Model: challenger.LLMModel()}
	status := models.LogStatusSuccess
	var output []byte
	resp, err := o.LLM.For(spec).GenerateAIResponse(ctx, messages, nil)
	if err != nil {
		status = models.LogStatusError
		output, _ = json.Marshal(map[string]any{"error": err.Error()})
	} else if json.Valid([]byte(resp.Text)) {
		output = []byte(resp.Text)
	} else {
		output, _ = json.Marshal(resp.Text)
	}

	original := r.log.ID
	return o.Writer.RecordLog(ctx, &models.ModelLog{
		ModelID:       challenger.ID,
		AgentLogID:    r.log.AgentLogID,
		Input:         input,
		Output:        output,
		Predicted:     r.log.Predicted,
		Status:        status,
		OriginalLogID: &original,
		Environment:   r.log.Environment,
	})
}

// OnLogUpdated runs the update path: failure marking, insight reviews and
// version scoped accuracy.
func (o *Orchestrator) OnLogUpdated(ctx context.Context, logID uint) error {
	r, err := o.load(ctx, logID)
	if err != nil {
		return err
	}
	if !r.model.Active {
		return nil
	}

	known := correctness.Known(r.log)
	incorrect := known && !correctness.IsCorrect(r.log)
	if incorrect || r.log.Status == models.LogStatusError {
		o.step(r, "mark_failure", func() error { return o.markFailure(ctx, r) })
	}
	if incorrect && !r.model.IsReviewer {
		o.step(r, "insight_review", func() error { return o.insightReview(ctx, r) })
	}
	if known && o.Monitor != nil {
		o.step(r, "accuracy", func() error {
			_, err := o.Monitor.RecordAccuracy(ctx, r.log)
			return err
		})
	}
	o.invalidateEntries(r.model.ID)
	if !r.model.IsReviewer && !r.model.IsOptimized && !r.log.IsReplay() {
		o.refreshSnapshot(r)
	}
	return nil
}

func (o *Orchestrator) markFailure(ctx context.Context, r *run) error {
	if r.log.Status != models.LogStatusError {
		if err := o.Store.UpdateLogFields(ctx, r.log.ID, map[string]any{"status": models.LogStatusError}); err != nil {
			return err
		}
		r.log.Status = models.LogStatusError
	}
	if r.log.AgentLogID != nil {
		if err := o.Store.SetAgentLogStatus(ctx, *r.log.AgentLogID, models.AgentLogStatusFailedModel); err != nil {
			r.logger.Warn("failed to mark agent log", zap.Uint("agent_log_id", *r.log.AgentLogID), zap.Error(err))
		}
	}
	if o.Notifier == nil || r.model.IsReviewer || r.log.IsReplay() {
		return nil
	}
	users, err := o.Store.ListCompanyUsers(ctx, r.model.CompanyID)
	if err != nil {
		return fmt.Errorf("list company users: %w", err)
	}
	return o.Notifier.SendModelFailure(ctx, notify.ModelFailure{
		CompanyID:  r.model.CompanyID,
		ModelID:    r.model.ID,
		ModelName:  r.model.Name,
		LogID:      r.log.ID,
		AgentLogID: r.log.AgentLogID,
		Error:      correctness.DetectErrorMessage(correctness.Decode(r.log.Output)),
		Recipients: optimization.Recipients(users),
	})
}

// insightReview lets each sampled reviewer review the incorrect log. Insights
// go to the model optimization reads from, the principal challenger when one
// exists, and stop once that model holds the maximum number of insights.
func (o *Orchestrator) insightReview(ctx context.Context, r *run) error {
	if o.Insights == nil {
		return nil
	}
	target := r.model
	if o.Versions != nil {
		t, _, err := o.Versions.OptimizationTarget(ctx, r.model)
		if err != nil {
			return err
		}
		target = t
	}
	targets, err := o.Reviewers.Targets(ctx, r.model.ID)
	if err != nil {
		return err
	}
	sampled, err := o.Reviewers.InsightReviewers(ctx, target.ID, targets)
	if err != nil {
		return err
	}
	for _, t := range sampled {
		created, err := o.Insights.Review(ctx, target, r.log, t.Spec())
		if err != nil {
			return err
		}
		r.logger.Debug("insight review done",
			zap.Uint("reviewer_id", t.Reviewer.ID), zap.Uint("insight_model_id", target.ID), zap.Int("insights", len(created)))
	}
	return nil
}

func (o *Orchestrator) invalidateEntries(modelID uint) {
	if o.Cache != nil {
		o.Cache.DeletePattern(cache.EntriesPrefix(modelID))
	}
}

func (o *Orchestrator) refreshSnapshot(r *run) {
	if o.Monitor == nil {
		return
	}
	modelID, logger := r.model.ID, r.logger
	task := func(ctx context.Context) {
		if _, err := o.Monitor.Refresh(ctx, modelID); err != nil {
			logger.Warn("monitoring refresh failed", zap.Error(err))
		}
	}
	if o.Background == nil {
		task(context.Background())
		return
	}
	if !o.Background(task) {
		logger.Debug("monitoring refresh skipped, background slots busy")
	}
}
