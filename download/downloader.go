package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/logging"
	"github.com/sv4u/blobrotate/download/metrics"
	"github.com/sv4u/blobrotate/download/naming"
)

// RetryPolicy controls how Acquire retries a failed GET. The delay between
// attempts is constant.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
}

// DefaultRetryPolicy returns 3 attempts, 5 seconds apart, on the wall clock.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: config.DefaultRetryAttempts,
		Delay:    config.DefaultRetryDelay,
		Clock:    clock.WallClock,
	}
}

// PolicyFromConfig builds the retry policy for cfg on clk.
func PolicyFromConfig(cfg *config.Config, clk clock.Clock) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		p.Attempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		p.Delay = cfg.RetryDelay
	}
	if clk != nil {
		p.Clock = clk
	}
	return p
}

// StatusError is a non-200 response from the remote.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// FetchError is returned when every attempt failed. StatusCode is the last
// response's status, or 0 if the last attempt never got a response.
type FetchError struct {
	URL        string // query stripped
	Attempts   int
	StatusCode int
	Status     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s failed after %d attempts: last status %s", e.URL, e.Attempts, e.Status)
	}
	return fmt.Sprintf("download %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FileError is a local filesystem failure while storing or rotating files.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// AcquireResult describes the file written by Acquire.
type AcquireResult struct {
	Path     string
	Bytes    int64
	Attempts int
	Date     string
}

// Downloader fetches the configured remote object into the target directory.
type Downloader struct {
	baseURL   string
	blobName  string
	sasToken  string
	targetDir string
	ext       string
	policy    RetryPolicy
	client    *http.Client
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewDownloader creates a new downloader. A nil client gets a default one
// honoring cfg.HTTPTimeout.
func NewDownloader(cfg *config.Config, client *http.Client, policy RetryPolicy, logger *logging.Logger, m *metrics.Metrics) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if policy.Clock == nil {
		policy.Clock = clock.WallClock
	}
	return &Downloader{
		baseURL:   cfg.BaseURL,
		blobName:  cfg.BlobName,
		sasToken:  cfg.SASToken,
		targetDir: cfg.TargetDir,
		ext:       cfg.FileExtension,
		policy:    policy,
		client:    client,
		logger:    logger,
		metrics:   m,
	}
}

// RequestURL builds "<base>/<identifier>?<token>". Identifier segments are
// escaped but "/" is kept so virtual directories resolve; the token is
// appended verbatim because it is already a signed query string.
func RequestURL(baseURL, identifier, token string) (string, error) {
	segments := strings.Split(strings.TrimLeft(identifier, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := strings.TrimRight(baseURL, "/") + "/" + strings.Join(segments, "/")
	if t := strings.TrimPrefix(token, "?"); t != "" {
		u += "?" + t
	}
	// The parse error would echo the token, so it is not wrapped.
	if _, err := url.Parse(u); err != nil {
		return "", fmt.Errorf("invalid request URL for %s", RedactURL(u))
	}
	return u, nil
}

// RedactURL drops the query string, which carries the access token.
func RedactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// EnsureDir creates dir and its parents if missing.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &FileError{Op: "create directory", Path: dir, Err: err}
	}
	return nil
}

// Acquire downloads today's copy of the object. "Today" is the UTC date when
// Acquire is called and stays fixed across retries. Any non-200 status,
// transport error or truncated body counts as a failed attempt.
func (d *Downloader) Acquire(ctx context.Context) (*AcquireResult, error) {
	today := d.policy.Clock.Now().UTC()
	name := naming.DatedName(d.blobName, today, d.ext)
	outPath := filepath.Join(d.targetDir, name)

	if err := EnsureDir(d.targetDir); err != nil {
		return nil, err
	}

	reqURL, err := RequestURL(d.baseURL, d.blobName, d.sasToken)
	if err != nil {
		return nil, err
	}
	safeURL := RedactURL(reqURL)

	var (
		body     []byte
		attempts int
		lastErr  error
	)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			b, status, err := d.attempt(ctx, reqURL)
			if err != nil {
				lastErr = err
				d.logAttemptFailure(attempts, status, err, safeURL)
				return err
			}
			body = b
			d.metrics.ObserveAttempt(metrics.OutcomeSuccess)
			d.logger.InfoFields("acquire", "attempt succeeded", logging.Fields{
				"attempt": attempts,
				"status":  status,
				"url":     safeURL,
			})
			return nil
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		Attempts: d.policy.Attempts,
		Delay:    d.policy.Delay,
		Clock:    d.policy.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		fetchErr := &FetchError{URL: safeURL, Attempts: attempts, Err: lastErr}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) {
			fetchErr.StatusCode = statusErr.StatusCode
			fetchErr.Status = statusErr.Status
		}
		d.logger.ErrorFields("acquire", "download failed, retries exhausted", fetchErr, logging.Fields{
			"attempts": attempts,
		})
		return nil, fetchErr
	}

	if err := writeFile(outPath, body); err != nil {
		d.logger.ErrorFields("acquire", "failed to write download", err, logging.Fields{"path": outPath})
		return nil, err
	}

	d.metrics.ObserveDownload(int64(len(body)), d.policy.Clock.Now())
	d.logger.InfoFields("acquire", "downloaded", logging.Fields{
		"path":     outPath,
		"bytes":    len(body),
		"attempts": attempts,
	})
	return &AcquireResult{
		Path:     outPath,
		Bytes:    int64(len(body)),
		Attempts: attempts,
		Date:     today.Format(naming.DateLayout),
	}, nil
}

// attempt performs one GET. status is 0 when no response arrived.
func (d *Downloader) attempt(ctx context.Context, reqURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, redactError(err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, redactError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", redactError(err))
	}
	return body, resp.StatusCode, nil
}

func (d *Downloader) logAttemptFailure(attempt, status int, err error, safeURL string) {
	fields := logging.Fields{
		"attempt":      attempt,
		"max_attempts": d.policy.Attempts,
		"url":          safeURL,
	}
	if status != 0 {
		fields["status"] = status
	}
	if status != 0 && status != http.StatusOK {
		d.metrics.ObserveAttempt(metrics.OutcomeStatus)
	} else {
		d.metrics.ObserveAttempt(metrics.OutcomeTransport)
	}
	if attempt < d.policy.Attempts {
		fields["retry_in"] = d.policy.Delay.String()
	}
	d.logger.WarnFields("acquire", "attempt failed", err, fields)
}

// redactError strips the token from URLs embedded by net/http errors.
func redactError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{Op: urlErr.Op, URL: RedactURL(urlErr.URL), Err: urlErr.Err}
	}
	return err
}

// writeFile replaces path with data via a temp file in the same directory,
// so a reader never sees a partial file and the old copy survives a failed write.
func writeFile(path string, data []byte) error {
	dir, name := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return &FileError{Op: "create temp file", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return &FileError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &FileError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return &FileError{Op: "chmod", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return &FileError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
