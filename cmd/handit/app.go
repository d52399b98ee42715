package main

import (
	"context"
	"fmt"

	"github.com/handit-ai/handit-core/internal/cache"
	"github.com/handit-ai/handit-core/internal/config"
	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/evaluation"
	"github.com/handit-ai/handit-core/internal/evaluation/catalog"
	"github.com/handit-ai/handit-core/internal/ingest"
	"github.com/handit-ai/handit-core/internal/insights"
	"github.com/handit-ai/handit-core/internal/keylock"
	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/handit-ai/handit-core/internal/monitoring"
	"github.com/handit-ai/handit-core/internal/notify"
	"github.com/handit-ai/handit-core/internal/optimization"
	"github.com/handit-ai/handit-core/internal/pipeline"
	"github.com/handit-ai/handit-core/internal/prompts"
	"github.com/handit-ai/handit-core/internal/promptversion"
	"github.com/handit-ai/handit-core/internal/reviewer"
	"github.com/handit-ai/handit-core/internal/sampling"
	"go.uber.org/zap"
)

// app is the wired service graph shared by the commands.
type app struct {
	cfg          *config.Config
	log          *zap.Logger
	store        *db.Store
	cache        *cache.LRUCache
	ingest       *ingest.Service
	versions     *promptversion.Manager
	monitor      *monitoring.Monitor
	optimization *optimization.Service
	dispatcher   *pipeline.Dispatcher
}

func newApp(cfg *config.Config) (*app, error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	gdb, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	cat, err := catalog.Load(cfg.Evaluators.CatalogPath)
	if err != nil {
		return nil, err
	}

	p := cfg.Pipeline
	store := db.New(gdb, log.Named("db"))
	if _, err := cat.Ensure(context.Background(), store); err != nil {
		return nil, fmt.Errorf("failed to seed evaluator catalog: %w", err)
	}
	locks := keylock.New()
	sampler := sampling.Uniform{}
	provider := llm.NewFactory(cfg.LLM, log.Named("llm"))
	entries := cache.NewLRUCache(cfg.Cache.Capacity, cfg.Cache.TTL)
	notifier := notify.New(cfg.Notify, log.Named("notify"))

	versions := promptversion.NewManager(store, locks, p.ABTestPercentage, log.Named("versions"))
	generator := insights.NewGenerator(store, provider, p.InsightCap, p.InsightWindow, log.Named("insights"))
	optSvc := optimization.NewService(store, generator,
		insights.NewOptimizer(store, provider, log.Named("optimizer")),
		versions, notifier, sampler,
		optimization.Options{TriggerPercentage: p.OptimizationTriggerPercentage},
		log.Named("optimization"))
	monitor := monitoring.NewMonitor(store, entries, cfg.Cache.TTL, log.Named("monitoring"))
	ing := ingest.NewService(store, entries, nil, cfg.Cache.TTL, log.Named("ingest"))

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:    store,
		Versions: versions,
		Reviewers: reviewer.NewController(store, locks, sampler, reviewer.Settings{
			ActivationThreshold: p.ReviewerActivationThreshold,
			Limit:               p.ReviewerLimit,
			DefaultPercentage:   p.DefaultEvaluationPercentage,
			N8NPercentage:       p.N8NEvaluationPercentage,
			InsightCap:          p.InsightCap,
		}, log.Named("reviewer")),
		Runner: evaluation.NewRunner(evaluation.NewRegistry(), provider, sampler, store,
			evaluation.Options{N8NPercentage: p.N8NEvaluationPercentage}, log.Named("evaluation")),
		Insights:     generator,
		Optimization: optSvc,
		Monitor:      monitor,
		Detector:     prompts.NewDetector(provider.Default(), log.Named("prompts")),
		Catalog:      cat,
		Cache:        entries,
		Notifier:     notifier,
		LLM:          provider,
		Sampler:      sampler,
		Writer:       ing,
	}, log.Named("pipeline"))
	disp := pipeline.NewDispatcher(orch, pipeline.DispatcherOptions{
		Workers:            p.Workers,
		QueueSize:          p.QueueSize,
		CompanyConcurrency: p.CompanyConcurrency,
	}, log.Named("dispatcher"))
	orch.Background = disp.Go
	ing.SetPublisher(disp)

	return &app{
		cfg:          cfg,
		log:          log,
		store:        store,
		cache:        entries,
		ingest:       ing,
		versions:     versions,
		monitor:      monitor,
		optimization: optSvc,
		dispatcher:   disp,
	}, nil
}

// close releases the database handle and flushes the logger.
func (a *app) close() {
	if sqlDB, err := a.store.DB().DB(); err == nil {
		sqlDB.Close()
	}
	_ = a.log.Sync()
}
