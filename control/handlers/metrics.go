package handlers

import (
	"net/http"
	"time"

	"github.com/sv4u/blobrotate/download/retention"
)

// Metrics handles GET /metrics. Directory gauges are refreshed on every
// scrape since serve never runs a rotation itself.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	files, err := retention.List(h.config.TargetDir, h.config.Matcher())
	if err != nil {
		h.logError("metrics", err)
	} else {
		var newest time.Time
		if len(files) > 0 {
			newest = files[0].ModTime
		}
		h.metrics.ObserveRetained(len(files), newest, time.Now())
	}

	if h.tracker != nil {
		if last, err := h.tracker.LastSuccess(); err == nil && last != nil && last.CompletedAt != nil {
			h.metrics.SetLastSuccess(*last.CompletedAt)
		}
	}

	h.metrics.Handler().ServeHTTP(w, r)
}
