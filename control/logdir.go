package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/logging"
)

const serviceName = config.AppName

// newLogger builds the process logger: stderr always, plus the daily JSON
// file under cfg.LogDir when one is configured.
func newLogger(cfg *config.Config, stderr *os.File, now time.Time) (*logging.Logger, error) {
	logger := logging.New(serviceName, stderr, resolveLogFormat(cfg.LogFormat, stderr))
	path := cfg.DailyLogPath(now)
	if path == "" {
		return logger, nil
	}
	if err := logger.AddFile(path); err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logger, nil
}
