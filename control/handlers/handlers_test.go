package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/history"
	"github.com/sv4u/blobrotate/download/logging"
	"github.com/sv4u/blobrotate/download/metrics"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		BaseURL:   "https://acct.blob.core.windows.net/c",
		BlobName:  "report",
		SASToken:  "sig=x",
		TargetDir: t.TempDir(),
	}
	cfg.SetDefaults()
	return cfg
}

func writeDated(t *testing.T, dir, name string, age time.Duration) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	mod := time.Now().Add(-age)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func newTestTracker(t *testing.T) *history.Tracker {
	t.Helper()
	tracker, err := history.NewTracker(filepath.Join(t.TempDir(), "history"), 10, logging.Discard())
	if err != nil {
		t.Fatalf("NewTracker() failed: %v", err)
	}
	return tracker
}

func recordRun(t *testing.T, tracker *history.Tracker, runID, state string) {
	t.Helper()
	tracker.StartRun(runID, "run", "report", "/data")
	if state == history.StateCompleted {
		tracker.RecordDownload(history.DownloadStats{Path: "/data/report_2024-03-15.csv", Bytes: 4, Attempts: 1, Date: "2024-03-15"})
	}
	if _, err := tracker.StopRun(state, nil); err != nil {
		t.Fatalf("StopRun() failed: %v", err)
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestNewHandlers_RequiresConfig(t *testing.T) {
	if _, err := NewHandlers(nil, nil, nil, nil, time.Now(), ""); err == nil {
		t.Error("Expected error without config")
	}
}

func TestFiles(t *testing.T) {
	cfg := newTestConfig(t)
	writeDated(t, cfg.TargetDir, "report_2024-03-14.csv", 2*time.Hour)
	writeDated(t, cfg.TargetDir, "report_2024-03-15.csv", time.Hour)
	writeDated(t, cfg.TargetDir, "other_2024-03-15.csv", time.Minute)
	writeDated(t, cfg.TargetDir, "notes.txt", time.Minute)

	h, err := NewHandlers(cfg, nil, nil, nil, time.Now(), "v1.0.0")
	if err != nil {
		t.Fatalf("NewHandlers() failed: %v", err)
	}

	w := httptest.NewRecorder()
	h.Files(w, httptest.NewRequest("GET", "/api/files", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Files() returned status %d", w.Code)
	}
	response := decode(t, w)
	if response["count"] != float64(2) {
		t.Fatalf("Expected 2 files in identifier scope, got %v", response["count"])
	}
	files := response["files"].([]interface{})
	first := files[0].(map[string]interface{})
	if first["name"] != "report_2024-03-15.csv" || first["date"] != "2024-03-15" {
		t.Errorf("Expected newest file first, got %v", first)
	}
	if response["keep"] != float64(config.DefaultMaxFiles) {
		t.Errorf("Expected keep %d, got %v", config.DefaultMaxFiles, response["keep"])
	}
}

func TestFiles_MissingDirectory(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.TargetDir = filepath.Join(cfg.TargetDir, "missing")
	h, _ := NewHandlers(cfg, nil, nil, nil, time.Now(), "")

	w := httptest.NewRecorder()
	h.Files(w, httptest.NewRequest("GET", "/api/files", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Files() returned status %d", w.Code)
	}
	if response := decode(t, w); response["count"] != float64(0) {
		t.Errorf("Expected empty listing, got %v", response["count"])
	}
}

func TestMetrics_RefreshesGauges(t *testing.T) {
	cfg := newTestConfig(t)
	writeDated(t, cfg.TargetDir, "report_2024-03-14.csv", 2*time.Hour)
	writeDated(t, cfg.TargetDir, "report_2024-03-15.csv", time.Hour)

	tracker := newTestTracker(t)
	recordRun(t, tracker, "run-1", history.StateCompleted)

	h, _ := NewHandlers(cfg, tracker, metrics.New(), nil, time.Now(), "")

	w := httptest.NewRecorder()
	h.Metrics(w, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(w.Body)
	for _, want := range []string{
		"blobrotate_retained_files 2",
		"blobrotate_newest_file_age_seconds",
		"blobrotate_last_success_timestamp_seconds",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Metrics output missing %q:\n%s", want, body)
		}
	}
}
