package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sv4u/blobrotate/control/handlers"
	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/logging"
	"github.com/sv4u/blobrotate/download/metrics"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{BlobName: "report", TargetDir: t.TempDir()}
	cfg.SetDefaults()

	h, err := handlers.NewHandlers(cfg, nil, metrics.New(), logging.Discard(), time.Now(), "v1.0.0")
	if err != nil {
		t.Fatalf("NewHandlers() failed: %v", err)
	}
	srv := NewServer(&ServerConfig{Addr: "127.0.0.1:0"}, h, logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestServer_Routes(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		method string
		path   string
		code   int
	}{
		{"GET", "/api/health", http.StatusOK},
		{"GET", "/api/files", http.StatusOK},
		{"GET", "/api/history", http.StatusServiceUnavailable},
		{"GET", "/api/history/abc", http.StatusServiceUnavailable},
		{"GET", "/api/logs", http.StatusNotFound},
		{"GET", "/api/stats", http.StatusServiceUnavailable},
		{"GET", "/metrics", http.StatusOK},
		{"POST", "/api/health", http.StatusMethodNotAllowed},
		{"DELETE", "/api/history/abc", http.StatusMethodNotAllowed},
		{"PUT", "/api/logs", http.StatusMethodNotAllowed},
		{"POST", "/metrics", http.StatusMethodNotAllowed},
		{"GET", "/api/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.code {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.code)
		}
	}
}

func TestServer_MetricsExposition(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "blobrotate_retained_files 0") {
		t.Errorf("Unexpected metrics output:\n%s", body)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs strings.Builder
	restore := RedirectStdLog(&logs)
	defer restore()

	handler := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["error"] != "Internal server error" {
		t.Errorf("Unexpected error body: %v", response)
	}
	if !strings.Contains(logs.String(), "PANIC: boom") {
		t.Errorf("Expected panic to be logged, got %q", logs.String())
	}
	if strings.Count(logs.String(), "\n") != 1 {
		t.Errorf("Expected a single log line, got %q", logs.String())
	}
}
