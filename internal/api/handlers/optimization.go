package handlers

import (
	"net/http"

	"github.com/handit-ai/handit-core/internal/monitoring"
	"github.com/handit-ai/handit-core/internal/optimization"
	"github.com/handit-ai/handit-core/internal/promptversion"
	"go.uber.org/zap"
)

type suggestionResponse struct {
	Prompt           *string `json:"prompt"`
	OptimizedModelID *uint   `json:"optimized_model_id,omitempty"`
	Forked           bool    `json:"forked,omitempty"`
}

// SuggestionsHandler turns a model's insights into a candidate prompt. The
// prompt is null when there was nothing to suggest.
func SuggestionsHandler(svc *optimization.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		res, err := svc.ApplySuggestions(r.Context(), id)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		var out suggestionResponse
		if res.Prompt != "" {
			out.Prompt = &res.Prompt
		}
		if res.Candidate != nil {
			out.OptimizedModelID = &res.Candidate.Optimized.ID
			out.Forked = res.Candidate.Forked
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// DeployHandler makes the given prompt the active version of a model.
func DeployHandler(svc *optimization.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, log, err)
			return
		}
		v, err := svc.UseOptimizedPrompt(r.Context(), id, req.Prompt)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// OptimizationStatusHandler reports the optimization state of a model.
func OptimizationStatusHandler(versions *promptversion.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		st, err := versions.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// MetricsHandler returns the cached monitoring snapshot of a model.
func MetricsHandler(mon *monitoring.Monitor, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		snap, err := mon.Snapshot(r.Context(), id)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// WeeklyOptimizationHandler runs one weekly optimization pass synchronously.
func WeeklyOptimizationHandler(svc *optimization.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.RunWeeklyOptimization(r.Context())
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
