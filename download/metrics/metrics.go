// Package metrics exposes run outcomes in Prometheus form, either as a
// node_exporter textfile written at the end of a run or over HTTP.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blobrotate"

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeStatus    = "http_status"
	OutcomeTransport = "transport"
)

// Metrics holds the collectors for one process. Each instance owns its
// registry, so tests and the serve command never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	attempts       *prometheus.CounterVec
	downloadBytes  prometheus.Gauge
	lastSuccess    prometheus.Gauge
	lastRunSuccess prometheus.Gauge
	runDuration    prometheus.Gauge
	pruned         prometheus.Counter
	pruneFailures  prometheus.Counter
	retainedFiles  prometheus.Gauge
	newestFileAge  prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_attempts_total",
			Help:      "Download attempts by outcome.",
		}, []string{"outcome"}),
		downloadBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_bytes",
			Help:      "Size of the most recently downloaded file.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful download.",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run completed, 0 otherwise.",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_files_total",
			Help:      "Old dated files removed.",
		}),
		pruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prune_failures_total",
			Help:      "Old dated files that could not be removed.",
		}),
		retainedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retained_files",
			Help:      "Dated files present after rotation.",
		}),
		newestFileAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "newest_file_age_seconds",
			Help:      "Age of the newest retained file by modification time.",
		}),
	}

	m.registry.MustRegister(
		m.attempts,
		m.downloadBytes,
		m.lastSuccess,
		m.lastRunSuccess,
		m.runDuration,
		m.pruned,
		m.pruneFailures,
		m.retainedFiles,
		m.newestFileAge,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAttempt counts one download attempt.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// ObserveDownload records a successful download.
func (m *Metrics) ObserveDownload(bytes int64, at time.Time) {
	if m == nil {
		return
	}
	m.downloadBytes.Set(float64(bytes))
	m.lastSuccess.Set(float64(at.Unix()))
}

// ObservePrune records the outcome of a prune pass.
func (m *Metrics) ObservePrune(removed, failed, retained int) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(removed))
	m.pruneFailures.Add(float64(failed))
	m.retainedFiles.Set(float64(retained))
}

// ObserveRetained sets the retained file gauges from a directory listing.
func (m *Metrics) ObserveRetained(count int, newest time.Time, now time.Time) {
	if m == nil {
		return
	}
	m.retainedFiles.Set(float64(count))
	if !newest.IsZero() {
		m.newestFileAge.Set(now.Sub(newest).Seconds())
	}
}

// ObserveRun records the end of a run.
func (m *Metrics) ObserveRun(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	if success {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
	m.runDuration.Set(duration.Seconds())
}

// SetLastSuccess sets the last success timestamp directly, e.g. from history.
func (m *Metrics) SetLastSuccess(at time.Time) {
	if m == nil || at.IsZero() {
		return
	}
	m.lastSuccess.Set(float64(at.Unix()))
}

// WriteTextfile writes the current values in the text exposition format,
// creating the parent directory if needed.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
