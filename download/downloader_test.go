package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/logging"
	"github.com/sv4u/blobrotate/download/metrics"
)

const testToken = "sv=2024-01-01&sig=s3cr3t"

func newTestConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		BaseURL:   baseURL,
		BlobName:  "report",
		SASToken:  testToken,
		TargetDir: filepath.Join(t.TempDir(), "exports"),
	}
	cfg.SetDefaults()
	return cfg
}

func newTestClock() *testclock.Clock {
	return testclock.NewClock(time.Date(2024, 3, 15, 23, 59, 0, 0, time.UTC))
}

// acquireAdvancing runs Acquire and moves the clock past each retry delay.
func acquireAdvancing(t *testing.T, d *Downloader, clk *testclock.Clock, waits int) (*AcquireResult, error) {
	t.Helper()
	type outcome struct {
		res *AcquireResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.Acquire(context.Background())
		done <- outcome{res, err}
	}()

	for i := 0; i < waits; i++ {
		if err := clk.WaitAdvance(config.DefaultRetryDelay, 5*time.Second, 1); err != nil {
			t.Fatalf("retry %d never waited on the clock: %v", i+1, err)
		}
	}

	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(10 * time.Second):
		t.Fatal("Acquire() did not return")
		return nil, nil
	}
}

func TestAcquire_FirstAttemptSucceeds(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte("id,value\n1,42\n"))
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL+"/container")
	clk := newTestClock()
	m := metrics.New()
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, clk), nil, m)

	res, err := d.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	if gotPath != "/container/report" {
		t.Errorf("Expected path /container/report, got %s", gotPath)
	}
	if gotQuery != testToken {
		t.Errorf("Expected query %q, got %q", testToken, gotQuery)
	}

	wantPath := filepath.Join(cfg.TargetDir, "report_2024-03-15.csv")
	if res.Path != wantPath {
		t.Errorf("Expected path %s, got %s", wantPath, res.Path)
	}
	if res.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", res.Attempts)
	}
	if res.Date != "2024-03-15" {
		t.Errorf("Expected date 2024-03-15, got %s", res.Date)
	}

	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "id,value\n1,42\n" {
		t.Errorf("Unexpected file content %q", data)
	}
	if res.Bytes != int64(len(data)) {
		t.Errorf("Expected %d bytes, got %d", len(data), res.Bytes)
	}

	expected := `
# HELP blobrotate_download_bytes Size of the most recently downloaded file.
# TYPE blobrotate_download_bytes gauge
blobrotate_download_bytes 14
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "blobrotate_download_bytes"); err != nil {
		t.Error(err)
	}
}

func TestAcquire_DateIsUTC(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL)
	// 22:00 at UTC-5 is already the next day in UTC.
	est := time.FixedZone("EST", -5*60*60)
	clk := testclock.NewClock(time.Date(2024, 3, 15, 22, 0, 0, 0, est))
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, clk), nil, nil)

	res, err := d.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if filepath.Base(res.Path) != "report_2024-03-16.csv" {
		t.Errorf("Expected UTC-dated name, got %s", filepath.Base(res.Path))
	}
}

func TestAcquire_RetriesExhausted(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL)
	clk := newTestClock()
	var logs bytes.Buffer
	logger := logging.New("test", &logs, logging.FormatText)
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, clk), logger, nil)

	_, err := acquireAdvancing(t, d, clk, 2)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Expected *FetchError, got %T: %v", err, err)
	}
	if fetchErr.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", fetchErr.Attempts)
	}
	if fetchErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", fetchErr.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("Expected 3 requests, got %d", got)
	}

	entries, _ := os.ReadDir(cfg.TargetDir)
	if len(entries) != 0 {
		t.Errorf("Expected no files after failure, found %d", len(entries))
	}

	if c := strings.Count(logs.String(), "attempt failed"); c != 3 {
		t.Errorf("Expected 3 attempt log lines, got %d:\n%s", c, logs.String())
	}
	if strings.Contains(logs.String(), "s3cr3t") || strings.Contains(err.Error(), "s3cr3t") {
		t.Error("Access token leaked into logs or error")
	}
}

func TestAcquire_RetriesThenSucceeds(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("third time"))
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL)
	clk := newTestClock()
	m := metrics.New()
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, clk), nil, m)

	res, err := acquireAdvancing(t, d, clk, 2)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", res.Attempts)
	}

	expected := `
# HELP blobrotate_download_attempts_total Download attempts by outcome.
# TYPE blobrotate_download_attempts_total counter
blobrotate_download_attempts_total{outcome="http_status"} 2
blobrotate_download_attempts_total{outcome="success"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "blobrotate_download_attempts_total"); err != nil {
		t.Error(err)
	}
}

func TestAcquire_TransportErrorIsRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL)
	clk := newTestClock()
	var logs bytes.Buffer
	logger := logging.New("test", &logs, logging.FormatText)
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, clk), logger, nil)

	res, err := acquireAdvancing(t, d, clk, 1)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", res.Attempts)
	}
	if strings.Contains(logs.String(), "s3cr3t") {
		t.Errorf("Access token leaked into logs:\n%s", logs.String())
	}
}

func TestAcquire_SameDayOverwrites(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Write([]byte("first"))
			return
		}
		w.Write([]byte("second"))
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL)
	clk := newTestClock()
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, clk), nil, nil)

	if _, err := d.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() failed: %v", err)
	}
	res, err := d.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire() failed: %v", err)
	}

	entries, _ := os.ReadDir(cfg.TargetDir)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 file, found %d", len(entries))
	}
	data, _ := os.ReadFile(res.Path)
	if string(data) != "second" {
		t.Errorf("Expected overwritten content, got %q", data)
	}
}

func TestAcquire_CreatesTargetDir(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL)
	cfg.TargetDir = filepath.Join(t.TempDir(), "a", "b", "c")
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, newTestClock()), nil, nil)

	if _, err := d.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if info, err := os.Stat(cfg.TargetDir); err != nil || !info.IsDir() {
		t.Errorf("Expected target directory to be created: %v", err)
	}
}

func TestAcquire_TargetDirIsFile(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.TargetDir = filepath.Join(blocker, "exports")
	d := NewDownloader(cfg, nil, PolicyFromConfig(cfg, newTestClock()), nil, nil)

	_, err := d.Acquire(context.Background())
	var fileErr *FileError
	if !errors.As(err, &fileErr) {
		t.Fatalf("Expected *FileError, got %T: %v", err, err)
	}
}

func TestAcquire_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL)
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, newTestClock()), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		t.Error("Cancellation should not be reported as exhausted retries")
	}
}

func TestAcquire_CanceledWhileWaiting(t *testing.T) {
	firstHit := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		select {
		case firstHit <- struct{}{}:
		default:
		}
	}))
	defer server.Close()

	cfg := newTestConfig(t, server.URL)
	clk := newTestClock()
	d := NewDownloader(cfg, server.Client(), PolicyFromConfig(cfg, clk), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := d.Acquire(ctx)
		done <- err
	}()

	<-firstHit
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Acquire() ignored cancellation")
	}
}

func TestRequestURL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		id       string
		token    string
		expected string
	}{
		{"simple", "https://acct.blob.core.windows.net/c", "report", "sv=1&sig=x", "https://acct.blob.core.windows.net/c/report?sv=1&sig=x"},
		{"trailing slash", "https://h/c/", "report", "sig=x", "https://h/c/report?sig=x"},
		{"leading question mark", "https://h/c", "report", "?sig=x", "https://h/c/report?sig=x"},
		{"no token", "https://h/c", "report", "", "https://h/c/report"},
		{"escaped segments", "https://h/c", "daily/my report.csv", "sig=x", "https://h/c/daily/my%20report.csv?sig=x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequestURL(tt.base, tt.id, tt.token)
			if err != nil {
				t.Fatalf("RequestURL() failed: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestRedactURL(t *testing.T) {
	if got := RedactURL("https://h/c/report?sig=secret"); got != "https://h/c/report" {
		t.Errorf("Expected query stripped, got %s", got)
	}
	if got := RedactURL("https://h/c/report"); got != "https://h/c/report" {
		t.Errorf("Expected unchanged URL, got %s", got)
	}
}

func TestFetchError_Message(t *testing.T) {
	err := &FetchError{URL: "https://h/c/report", Attempts: 3, StatusCode: 404, Status: "404 Not Found"}
	if !strings.Contains(err.Error(), "404 Not Found") || !strings.Contains(err.Error(), "3 attempts") {
		t.Errorf("Unexpected message: %s", err.Error())
	}

	inner := errors.New("connection refused")
	err = &FetchError{URL: "https://h/c/report", Attempts: 3, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("FetchError should unwrap to the last attempt's error")
	}
}
