package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/handit-ai/handit-core/internal/api/handlers"
	"github.com/handit-ai/handit-core/internal/config"
	"github.com/handit-ai/handit-core/internal/optimization"
	"github.com/handit-ai/handit-core/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the pipeline workers and the weekly scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	a.dispatcher.Start()
	defer a.dispatcher.Stop()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		a.cache.Sweep(sweepCtx, a.cfg.Cache.TTL)
	}()
	defer func() {
		stopSweep()
		<-swept
	}()

	if a.cfg.Schedule.Enabled {
		sched := optimization.NewScheduler(a.optimization, a.cfg.Schedule.WeeklyInterval, a.log.Named("scheduler"))
		sched.Start(ctx)
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr: a.cfg.Server.Addr(),
		Handler: handlers.NewRouter(handlers.Services{
			Ingest:       a.ingest,
			Optimization: a.optimization,
			Versions:     a.versions,
			Monitor:      a.monitor,
		}, a.cfg.Server.APIKey, a.log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if a.cfg.Server.APIKey == "" {
		a.log.Warn("server.api_key is empty, the API is unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("handit starting",
			zap.String("addr", srv.Addr), zap.String("version", version.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
