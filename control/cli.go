package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sv4u/blobrotate/control/handlers"
	"github.com/sv4u/blobrotate/download"
	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/history"
	"github.com/sv4u/blobrotate/download/lock"
	"github.com/sv4u/blobrotate/download/logging"
	"github.com/sv4u/blobrotate/download/metrics"
)

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitFetchFailed = 2
	ExitFilesystem  = 3
	ExitLocked      = 4
	ExitInterrupted = 5
)

// shutdownTimeout bounds graceful shutdown of the status server.
const shutdownTimeout = 30 * time.Second

// runtimeDeps is everything a command builds from the environment.
type runtimeDeps struct {
	cfg     *config.Config
	logger  *logging.Logger
	tracker *history.Tracker
	metrics *metrics.Metrics
}

// loadConfig reads the environment. requireRemote selects the full check
// needed for downloads over the local-only check used by prune and serve.
func loadConfig(requireRemote bool) (*config.Config, int) {
	cfg, err := config.Load()
	if err == nil {
		if requireRemote {
			err = cfg.Validate()
		} else {
			err = cfg.ValidateLocal()
		}
	}
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		}
		return nil, ExitConfigError
	}
	return cfg, ExitSuccess
}

func setup(requireRemote bool) (*runtimeDeps, int) {
	cfg, code := loadConfig(requireRemote)
	if code != ExitSuccess {
		return nil, code
	}

	logger, err := newLogger(cfg, os.Stderr, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		return nil, ExitFilesystem
	}

	// History is best effort; a run still happens without it.
	tracker, err := history.NewTracker(cfg.HistoryDir(), cfg.HistoryRetention, logger)
	if err != nil {
		logger.WarnFields("startup", "run history disabled", err, logging.Fields{"dir": cfg.HistoryDir()})
		tracker = nil
	}

	return &runtimeDeps{
		cfg:     cfg,
		logger:  logger,
		tracker: tracker,
		metrics: metrics.New(),
	}, ExitSuccess
}

// exitCodeFor maps a run error to the process exit code.
func exitCodeFor(err error) int {
	var (
		cfgErr   *config.ConfigError
		fetchErr *download.FetchError
		fileErr  *download.FileError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, lock.ErrLocked):
		return ExitLocked
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.As(err, &fetchErr):
		return ExitFetchFailed
	case errors.As(err, &fileErr):
		return ExitFilesystem
	default:
		return ExitConfigError
	}
}

// runCommand downloads today's copy and prunes old ones.
func runCommand() int {
	return executeCommand(download.CommandRun)
}

// pruneCommand only prunes; it needs no remote settings.
func pruneCommand() int {
	return executeCommand(download.CommandPrune)
}

func executeCommand(command string) int {
	rt, code := setup(command == download.CommandRun)
	if code != ExitSuccess {
		return code
	}
	defer rt.logger.Close()

	restore := RedirectStdLog(NewLogWriter(rt.logger, command))
	defer restore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.logger.InfoFields(command, "blobrotate starting", logging.Fields{"version": Version})

	svc := download.NewService(rt.cfg, download.Dependencies{
		Tracker: rt.tracker,
		Metrics: rt.metrics,
		Logger:  rt.logger,
	})

	var err error
	if command == download.CommandPrune {
		_, err = svc.Prune(ctx)
	} else {
		_, err = svc.Run(ctx)
	}
	code = exitCodeFor(err)

	fields := logging.Fields(svc.GetStatus())
	fields["exit_code"] = code
	rt.logger.InfoFields(command, "blobrotate finished", fields)
	return code
}

// historyCommand prints saved runs, newest first, as YAML.
func historyCommand(w io.Writer) int {
	cfg, code := loadConfig(false)
	if code != ExitSuccess {
		return code
	}

	tracker, err := history.NewTracker(cfg.HistoryDir(), cfg.HistoryRetention, logging.New(serviceName, os.Stderr, logging.FormatText))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening run history: %v\n", err)
		return ExitFilesystem
	}

	runs, err := tracker.ListRuns()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading run history: %v\n", err)
		return ExitFilesystem
	}
	if len(runs) == 0 {
		fmt.Fprintf(os.Stderr, "No runs recorded in %s\n", cfg.HistoryDir())
		return ExitSuccess
	}

	data, err := history.ToYAML(runs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering run history: %v\n", err)
		return ExitFilesystem
	}
	if _, err := w.Write(data); err != nil {
		return ExitFilesystem
	}
	return ExitSuccess
}

// serveCommand runs the status server until interrupted.
func serveCommand() int {
	rt, code := setup(false)
	if code != ExitSuccess {
		return code
	}
	defer rt.logger.Close()

	restore := RedirectStdLog(NewLogWriter(rt.logger, "serve"))
	defer restore()

	h, err := handlers.NewHandlers(rt.cfg, rt.tracker, rt.metrics, rt.logger, time.Now(), Version)
	if err != nil {
		rt.logger.Error("failed to create handlers", err)
		return ExitConfigError
	}
	server := NewServer(&ServerConfig{Addr: rt.cfg.ListenAddr}, h, rt.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		rt.logger.InfoFields("serve", "blobrotate starting", logging.Fields{"version": Version})
		errChan <- server.Start()
	}()

	select {
	case <-ctx.Done():
		rt.logger.InfoWithOperation("serve", "shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			rt.logger.ErrorWithOperation("serve", "error during shutdown", err)
			return ExitInterrupted
		}
		rt.logger.InfoWithOperation("serve", "server shut down gracefully")
		return ExitSuccess
	case err := <-errChan:
		rt.logger.ErrorWithOperation("serve", "server error", err)
		return ExitConfigError
	}
}
