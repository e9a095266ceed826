package handlers

import (
	"net/http"
	"time"

	"github.com/sv4u/blobrotate/download/history"
	"github.com/sv4u/blobrotate/download/retention"
)

// Health handles GET /api/health. It reports 503 when the most recent run
// failed so an external monitor can alert on it.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	healthStatus := "healthy"
	reason := "No runs recorded yet"

	response := map[string]interface{}{
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": time.Since(h.startTime).Seconds(),
		"version":        h.version,
		"server_health":  "healthy",
		"target_dir":     h.config.TargetDir,
	}

	if h.tracker == nil {
		reason = "Run history unavailable"
	} else {
		latest, err := h.tracker.LatestRun()
		if err != nil {
			h.logError("health", err)
		}
		if latest != nil {
			response["last_run"] = latest
			if latest.State == history.StateFailed {
				healthStatus = "unhealthy"
				reason = "Last run failed"
			} else {
				reason = "Last run completed"
			}
		}

		lastSuccess, err := h.tracker.LastSuccess()
		if err != nil {
			h.logError("health", err)
		}
		if lastSuccess != nil && lastSuccess.CompletedAt != nil {
			response["last_success_at"] = lastSuccess.CompletedAt.Unix()
		}
	}

	files, err := retention.List(h.config.TargetDir, h.config.Matcher())
	if err != nil {
		h.logError("health", err)
	} else {
		response["retained_files"] = len(files)
	}

	response["status"] = healthStatus
	response["reason"] = reason

	code := http.StatusOK
	if healthStatus == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}
