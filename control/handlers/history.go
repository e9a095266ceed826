package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sv4u/blobrotate/download/history"
)

// History handles GET /api/history?limit=N - saved runs, newest first.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.tracker.ListRuns()
	if err != nil {
		h.logError("history", err)
		writeError(w, http.StatusInternalServerError, "failed to read run history")
		return
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []*history.RunHistory{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

// HistoryRun handles GET /api/history/{id}.
func (h *Handlers) HistoryRun(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}

	run, err := h.tracker.GetRunHistory(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, history.ErrInvalidRunID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		h.logError("history", err)
		writeError(w, http.StatusInternalServerError, "failed to read run")
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

// Stats handles GET /api/stats - totals over saved runs.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}

	runs, err := h.tracker.ListRuns()
	if err != nil {
		h.logError("stats", err)
		writeError(w, http.StatusInternalServerError, "failed to read run history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":       history.Summarize(runs),
		"current_run": h.tracker.GetCurrentRun(),
	})
}
