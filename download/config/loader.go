package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sv4u/blobrotate/download/naming"
)

// Environment variable names. The first three keep the names existing
// scheduler entries already export.
const (
	EnvBaseURL          = "BASE_URL"
	EnvBlobName         = "BLOB_NAME"
	EnvSASToken         = "SAS_TOKEN"
	EnvTargetDir        = "TARGET_DIR"
	EnvMaxFiles         = "MAX_FILES"
	EnvRetryAttempts    = "BLOBROTATE_RETRY_ATTEMPTS"
	EnvRetryDelay       = "BLOBROTATE_RETRY_DELAY"
	EnvFileExtension    = "BLOBROTATE_FILE_EXT"
	EnvPruneScope       = "BLOBROTATE_PRUNE_SCOPE"
	EnvHTTPTimeout      = "BLOBROTATE_HTTP_TIMEOUT"
	EnvStateDir         = "BLOBROTATE_STATE_DIR"
	EnvLogDir           = "BLOBROTATE_LOG_DIR"
	EnvLogFormat        = "BLOBROTATE_LOG_FORMAT"
	EnvHistoryRetention = "BLOBROTATE_HISTORY_RETENTION"
	EnvMetricsTextfile  = "BLOBROTATE_METRICS_TEXTFILE"
	EnvLock             = "BLOBROTATE_LOCK"
	EnvListenAddr       = "BLOBROTATE_LISTEN"
	EnvEnvFile          = "BLOBROTATE_ENV_FILE"
)

// DefaultEnvFile is read when present and EnvEnvFile is unset.
const DefaultEnvFile = ".env"

// LookupFunc resolves one environment variable.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from the process environment, seeded by an
// optional dotenv file. Values already in the environment always win over
// the file.
func Load() (*Config, error) {
	lookup, err := WithEnvFile(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return LoadFrom(lookup)
}

// WithEnvFile layers a dotenv file under lookup. The file named by
// BLOBROTATE_ENV_FILE must exist; the default .env is optional.
func WithEnvFile(lookup LookupFunc) (LookupFunc, error) {
	path, explicit := lookup(EnvEnvFile)
	if !explicit || path == "" {
		path = DefaultEnvFile
		explicit = false
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return lookup, nil
		}
		return nil, &ConfigError{
			Message: fmt.Sprintf("Error reading env file %s: %v", path, err),
		}
	}

	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

// LoadFrom builds the configuration from lookup and applies defaults. It only
// reports malformed values; call Validate or ValidateLocal for required ones.
func LoadFrom(lookup LookupFunc) (*Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := &Config{
		BaseURL:         get(EnvBaseURL),
		BlobName:        get(EnvBlobName),
		TargetDir:       get(EnvTargetDir),
		FileExtension:   get(EnvFileExtension),
		PruneScope:      naming.Scope(strings.ToLower(get(EnvPruneScope))),
		StateDir:        get(EnvStateDir),
		LogDir:          get(EnvLogDir),
		LogFormat:       strings.ToLower(get(EnvLogFormat)),
		MetricsTextfile: get(EnvMetricsTextfile),
		ListenAddr:      get(EnvListenAddr),
		LockEnabled:     true,
	}
	// The token is opaque; only surrounding whitespace is dropped.
	if v, ok := lookup(EnvSASToken); ok {
		cfg.SASToken = strings.TrimSpace(v)
	}

	var err error
	if cfg.MaxFiles, err = parseCount(EnvMaxFiles, get(EnvMaxFiles)); err != nil {
		return nil, err
	}
	if cfg.RetryAttempts, err = parseCount(EnvRetryAttempts, get(EnvRetryAttempts)); err != nil {
		return nil, err
	}
	if cfg.HistoryRetention, err = parseCount(EnvHistoryRetention, get(EnvHistoryRetention)); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = parseDuration(EnvRetryDelay, get(EnvRetryDelay)); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = parseDuration(EnvHTTPTimeout, get(EnvHTTPTimeout)); err != nil {
		return nil, err
	}
	if v := get(EnvLock); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &ConfigError{
				Message: fmt.Sprintf("Invalid %s: %q is not a boolean", EnvLock, v),
			}
		}
		cfg.LockEnabled = enabled
	}

	cfg.SetDefaults()
	return cfg, nil
}

// parseCount parses a count that must be at least 1 when set. Unset returns
// 0 so SetDefaults can fill it; an explicit 0 is an error, not a default.
func parseCount(key, v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{
			Message: fmt.Sprintf("Invalid %s: %q is not an integer", key, v),
		}
	}
	if n < 1 {
		return 0, &ConfigError{
			Message: fmt.Sprintf("Invalid %s: %d. Must be at least 1", key, n),
		}
	}
	return n, nil
}

// parseDuration accepts Go durations ("5s", "1m30s") and bare seconds ("5").
func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &ConfigError{
			Message: fmt.Sprintf("Invalid %s: %q is not a duration", key, v),
		}
	}
	return d, nil
}
