package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sv4u/blobrotate/download/naming"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// AppName prefixes daily log files.
const AppName = "blobrotate"

// DefaultTargetDir may be set at build time:
// go build -ldflags="-X github.com/sv4u/blobrotate/download/config.DefaultTargetDir=/srv/exports"
var DefaultTargetDir = ""

// Defaults for optional settings.
const (
	DefaultMaxFiles         = 90
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 5 * time.Second
	DefaultStateDir         = ".blobrotate"
	DefaultHistoryRetention = 30
	DefaultListenAddr       = ":9480"
)

// Log formats accepted in BLOBROTATE_LOG_FORMAT.
const (
	LogFormatAuto = "auto"
	LogFormatJSON = "json"
	LogFormatText = "text"
)

func defaultTargetDir() string {
	if DefaultTargetDir != "" {
		return DefaultTargetDir
	}
	if runtime.GOOS == "windows" {
		return `C:\VM_Folder`
	}
	return "/var/lib/blobrotate"
}

// Config holds everything one invocation needs. It is built once at startup
// and passed down; nothing below the CLI reads the environment.
type Config struct {
	// Remote object (required for downloads)
	BaseURL  string
	BlobName string
	SASToken string

	// Local rotation
	TargetDir     string
	MaxFiles      int
	FileExtension string
	PruneScope    naming.Scope

	// Retry policy
	RetryAttempts int
	RetryDelay    time.Duration
	HTTPTimeout   time.Duration // 0 = no client timeout

	// Ambient
	StateDir         string // empty = user cache dir
	LogDir           string // empty = stderr only
	LogFormat        string
	HistoryRetention int
	MetricsTextfile  string // empty = disabled
	LockEnabled      bool
	ListenAddr       string
}

// SetDefaults fills in zero-valued optional settings.
func (c *Config) SetDefaults() {
	if c.TargetDir == "" {
		c.TargetDir = defaultTargetDir()
	}
	if c.MaxFiles == 0 {
		c.MaxFiles = DefaultMaxFiles
	}
	if c.FileExtension == "" {
		c.FileExtension = naming.DefaultExtension
	}
	c.FileExtension = strings.TrimPrefix(c.FileExtension, ".")
	if c.PruneScope == "" {
		c.PruneScope = naming.ScopeIdentifier
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LogFormat == "" {
		c.LogFormat = LogFormatAuto
	}
	if c.HistoryRetention == 0 {
		c.HistoryRetention = DefaultHistoryRetention
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

// Validate checks everything a download run needs.
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.BlobName = strings.TrimSpace(c.BlobName)

	missing := []string{}
	if c.BaseURL == "" {
		missing = append(missing, EnvBaseURL)
	}
	if c.BlobName == "" {
		missing = append(missing, EnvBlobName)
	}
	if c.SASToken == "" {
		missing = append(missing, EnvSASToken)
	}
	if len(missing) > 0 {
		return &ConfigError{
			Message: fmt.Sprintf("Missing required environment variable(s): %s", strings.Join(missing, ", ")),
		}
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid %s: must be an absolute http(s) URL", EnvBaseURL),
		}
	}
	if u.RawQuery != "" {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid %s: must not contain a query string, put the token in %s", EnvBaseURL, EnvSASToken),
		}
	}

	if c.RetryAttempts < 1 {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid retry attempts: %d. Must be at least 1", c.RetryAttempts),
		}
	}
	if c.RetryDelay <= 0 {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid retry delay: %s. Must be positive", c.RetryDelay),
		}
	}
	if c.HTTPTimeout < 0 {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid HTTP timeout: %s", c.HTTPTimeout),
		}
	}

	return c.ValidateLocal()
}

// ValidateLocal checks the settings used by filesystem-only commands
// (prune, history, serve).
func (c *Config) ValidateLocal() error {
	c.BlobName = strings.TrimSpace(c.BlobName)
	if c.BlobName == "" && c.PruneScope != naming.ScopeAll {
		return &ConfigError{
			Message: fmt.Sprintf("Missing required environment variable: %s", EnvBlobName),
		}
	}
	if strings.TrimSpace(c.TargetDir) == "" {
		return &ConfigError{Message: "Target directory must not be empty"}
	}
	if c.MaxFiles < 1 {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid %s: %d. Must be at least 1", EnvMaxFiles, c.MaxFiles),
		}
	}
	if strings.ContainsAny(c.FileExtension, `/\ .`) {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid file extension: %q", c.FileExtension),
		}
	}
	if !c.PruneScope.Valid() {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid prune scope: %s. Must be one of: identifier, all", c.PruneScope),
		}
	}
	switch c.LogFormat {
	case LogFormatAuto, LogFormatJSON, LogFormatText:
	default:
		return &ConfigError{
			Message: fmt.Sprintf("Invalid log format: %s. Must be one of: auto, json, text", c.LogFormat),
		}
	}
	if c.HistoryRetention < 0 {
		return &ConfigError{
			Message: fmt.Sprintf("Invalid history retention: %d", c.HistoryRetention),
		}
	}
	return nil
}

// Matcher returns the dated-file predicate for this configuration.
func (c *Config) Matcher() naming.Matcher {
	return naming.NewMatcher(c.BlobName, c.FileExtension, c.PruneScope)
}

// HistoryDir is where run records live. An unset StateDir means
// <user cache dir>/blobrotate, falling back to DefaultStateDir when the
// platform has no cache dir. A relative StateDir is taken relative to the
// working directory, never to TargetDir, which holds dated files only.
func (c *Config) HistoryDir() string {
	dir := c.StateDir
	if dir == "" {
		dir = DefaultStateDir
		if cache, err := os.UserCacheDir(); err == nil {
			dir = filepath.Join(cache, AppName)
		}
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return filepath.Join(dir, "history")
}

// DailyLogPath returns <LogDir>/blobrotate-<YYYY-MM-DD>.log for the UTC day
// of t, or "" when file logging is off. Runs on the same day share a file.
func (c *Config) DailyLogPath(t time.Time) string {
	if c.LogDir == "" {
		return ""
	}
	return filepath.Join(c.LogDir, AppName+"-"+t.UTC().Format("2006-01-02")+".log")
}
