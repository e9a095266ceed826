package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sv4u/blobrotate/download/naming"
)

const defaultLogLimit = 1000

// Logs handles GET /api/logs - entries from one day's log file, newest first.
// Query: date (YYYY-MM-DD, default today UTC), level, search, since (RFC3339), limit.
func (h *Handlers) Logs(w http.ResponseWriter, r *http.Request) {
	if h.config.LogDir == "" {
		writeError(w, http.StatusNotFound, "file logging is disabled")
		return
	}

	query := r.URL.Query()
	day := time.Now().UTC()
	if v := query.Get("date"); v != "" {
		parsed, err := time.Parse(naming.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	filter := LogFilter{
		Level:  query.Get("level"),
		Search: query.Get("search"),
		Limit:  defaultLogLimit,
	}
	if v := query.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	path := h.config.DailyLogPath(day)
	entries, err := NewLogReader(path).ReadLogs(filter)
	if err != nil {
		h.logError("logs", err)
		writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":  day.Format(naming.DateLayout),
		"count": len(entries),
		"logs":  entries,
		"filters": map[string]interface{}{
			"level":  filter.Level,
			"search": filter.Search,
			"since":  query.Get("since"),
			"limit":  filter.Limit,
		},
	})
}
