package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/handit-ai/handit-core/internal/api/middleware"
	"github.com/handit-ai/handit-core/internal/ingest"
	"github.com/handit-ai/handit-core/internal/monitoring"
	"github.com/handit-ai/handit-core/internal/optimization"
	"github.com/handit-ai/handit-core/internal/promptversion"
	"github.com/handit-ai/handit-core/internal/version"
	"go.uber.org/zap"
)

// Services are the application services exposed over HTTP.
type Services struct {
	Ingest       *ingest.Service
	Optimization *optimization.Service
	Versions     *promptversion.Manager
	Monitor      *monitoring.Monitor
}

// NewRouter mounts the API under /api behind the API-key guard. /healthz is
// public.
func NewRouter(svc Services, apiKey string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", HealthHandler(svc.Monitor))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKey))

		r.Post("/logs", CreateLogHandler(svc.Ingest, log))
		r.Patch("/logs/{id}", UpdateLogHandler(svc.Ingest, log))

		r.Route("/models/{id}", func(r chi.Router) {
			r.Get("/entries", EntriesHandler(svc.Ingest, log))
			r.Post("/suggestions", SuggestionsHandler(svc.Optimization, log))
			r.Post("/deploy", DeployHandler(svc.Optimization, log))
			r.Get("/optimization", OptimizationStatusHandler(svc.Versions, log))
			r.Get("/metrics", MetricsHandler(svc.Monitor, log))
		})

		r.Post("/optimization/weekly", WeeklyOptimizationHandler(svc.Optimization, log))
	})
	return r
}

// HealthHandler reports liveness, the running build and the pipeline
// counters of this process.
func HealthHandler(mon *monitoring.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":  "ok",
			"version": version.Version,
			"commit":  version.Commit,
		}
		if mon != nil {
			body["pipeline"] = mon.Stats()
		}
		writeJSON(w, http.StatusOK, body)
	}
}
