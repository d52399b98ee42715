package handlers

import (
	"net/http"

	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/ingest"
	"go.uber.org/zap"
)

// CreateLogHandler stores a model log and starts its pipeline run.
func CreateLogHandler(svc *ingest.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in ingest.CreateInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, r, log, err)
			return
		}
		l, err := svc.CreateLog(r.Context(), in)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, l)
	}
}

// UpdateLogHandler sets the actual value and/or status of a log.
func UpdateLogHandler(svc *ingest.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		var in ingest.UpdateInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, r, log, err)
			return
		}
		l, err := svc.UpdateLog(r.Context(), id, in)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// EntriesHandler lists one page of a model's logs.
func EntriesHandler(svc *ingest.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		page, err := intQuery(r, "page")
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		size, err := intQuery(r, "pageSize")
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		q := r.URL.Query()
		res, err := svc.ListEntries(r.Context(), db.EntriesQuery{
			ModelID:     id,
			Type:        q.Get("type"),
			Page:        page,
			PageSize:    size,
			Environment: q.Get("environment"),
		})
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
