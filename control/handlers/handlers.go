package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/history"
	"github.com/sv4u/blobrotate/download/logging"
	"github.com/sv4u/blobrotate/download/metrics"
)

// Handlers holds all HTTP handlers for the status server.
type Handlers struct {
	config    *config.Config
	tracker   *history.Tracker // nil when the state directory is unavailable
	metrics   *metrics.Metrics
	logger    *logging.Logger
	startTime time.Time
	version   string
}

// NewHandlers creates a new handlers instance.
func NewHandlers(cfg *config.Config, tracker *history.Tracker, m *metrics.Metrics, logger *logging.Logger, startTime time.Time, version string) (*Handlers, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if m == nil {
		m = metrics.New()
	}
	if version == "" {
		version = "dev"
	}

	return &Handlers{
		config:    cfg,
		tracker:   tracker,
		metrics:   m,
		logger:    logger,
		startTime: startTime,
		version:   version,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

// logError logs an error with context.
func (h *Handlers) logError(operation string, err error) {
	h.logger.ErrorWithOperation(operation, "request failed", err)
}
