package download

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/history"
	"github.com/sv4u/blobrotate/download/lock"
	"github.com/sv4u/blobrotate/download/logging"
	"github.com/sv4u/blobrotate/download/metrics"
	"github.com/sv4u/blobrotate/download/retention"
)

// ServiceState represents the state of the service.
type ServiceState string

const (
	ServiceStateIdle    ServiceState = "idle"
	ServiceStateRunning ServiceState = "running"
	ServiceStateError   ServiceState = "error"
)

// Commands recorded in run history.
const (
	CommandRun   = "run"
	CommandPrune = "prune"
)

// Dependencies are the collaborators a Service needs. Zero values get
// defaults: wall clock, no history, no metrics, discarded logs.
type Dependencies struct {
	HTTPClient  *http.Client
	Clock       clock.Clock
	Tracker     *history.Tracker
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
	LockTimeout time.Duration
}

// RunResult is what one invocation did.
type RunResult struct {
	RunID    string
	Command  string
	Download *AcquireResult
	Prune    *retention.Result
	Record   *history.RunHistory
	Duration time.Duration
}

// Service runs the acquire-then-prune sequence for one target directory.
type Service struct {
	config      *config.Config
	downloader  *Downloader
	tracker     *history.Tracker
	metrics     *metrics.Metrics
	logger      *logging.Logger
	clock       clock.Clock
	lockTimeout time.Duration

	// State management
	mu           sync.RWMutex
	state        ServiceState
	phase        string
	runID        string
	errorMessage string
	startedAt    *time.Time
	completedAt  *time.Time
}

// NewService creates a new service.
func NewService(cfg *config.Config, deps Dependencies) *Service {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	lockTimeout := deps.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = lock.DefaultTimeout
	}

	downloader := NewDownloader(cfg, deps.HTTPClient, PolicyFromConfig(cfg, clk), logger, deps.Metrics)

	return &Service{
		config:      cfg,
		downloader:  downloader,
		tracker:     deps.Tracker,
		metrics:     deps.Metrics,
		logger:      logger,
		clock:       clk,
		lockTimeout: lockTimeout,
		state:       ServiceStateIdle,
	}
}

// Run downloads today's file and then prunes the target directory. If the
// download fails after all retries, no file is pruned.
func (s *Service) Run(ctx context.Context) (*RunResult, error) {
	return s.execute(ctx, CommandRun)
}

// Prune only rotates the target directory.
func (s *Service) Prune(ctx context.Context) (*RunResult, error) {
	return s.execute(ctx, CommandPrune)
}

func (s *Service) execute(ctx context.Context, command string) (*RunResult, error) {
	start := s.clock.Now()
	runID := history.NewRunID(start)

	s.mu.Lock()
	if s.state == ServiceStateRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("service is already running")
	}
	startedAt := start.UTC()
	s.state = ServiceStateRunning
	s.phase = history.PhaseLock
	s.runID = runID
	s.errorMessage = ""
	s.startedAt = &startedAt
	s.completedAt = nil
	s.mu.Unlock()

	s.tracker.StartRun(runID, command, s.config.BlobName, s.config.TargetDir)
	s.logger.InfoFields(command, "run started", logging.Fields{
		"run_id":     runID,
		"target_dir": s.config.TargetDir,
		"blob":       s.config.BlobName,
		"keep":       s.config.MaxFiles,
	})

	result := &RunResult{RunID: runID, Command: command}
	runErr := s.steps(ctx, command, result)
	result.Duration = s.clock.Now().Sub(start)

	state := history.StateCompleted
	if runErr != nil {
		state = history.StateFailed
	}
	record, err := s.tracker.StopRun(state, runErr)
	if err != nil {
		s.logger.WarnFields(command, "failed to save run history", err, logging.Fields{"run_id": runID})
	}
	result.Record = record

	s.metrics.ObserveRun(runErr == nil, result.Duration)
	if s.config.MetricsTextfile != "" && s.metrics != nil {
		if err := s.metrics.WriteTextfile(s.config.MetricsTextfile); err != nil {
			s.logger.WarnFields(command, "failed to write metrics textfile", err, logging.Fields{"path": s.config.MetricsTextfile})
		}
	}

	s.finish(runErr)
	if runErr != nil {
		s.logger.ErrorFields(command, "run failed", runErr, logging.Fields{"run_id": runID})
		return result, runErr
	}

	fields := logging.Fields{"run_id": runID, "duration": result.Duration.String()}
	if result.Prune != nil {
		fields["kept"] = len(result.Prune.Kept)
		fields["removed"] = len(result.Prune.Removed)
		fields["failed"] = len(result.Prune.Failed)
	}
	s.logger.InfoFields(command, "run completed", fields)
	return result, nil
}

func (s *Service) steps(ctx context.Context, command string, result *RunResult) error {
	if s.config.LockEnabled {
		s.setPhase(history.PhaseLock)
		// The lock polls on the wall clock even when retries use a test clock.
		releaser, err := lock.Acquire(s.config.TargetDir, clock.WallClock, s.lockTimeout)
		if err != nil {
			return err
		}
		defer releaser.Release()
	}

	if command == CommandRun {
		s.setPhase(history.PhaseAcquire)
		acquired, err := s.downloader.Acquire(ctx)
		if err != nil {
			return err
		}
		result.Download = acquired
		s.tracker.RecordDownload(history.DownloadStats{
			Path:     acquired.Path,
			Bytes:    acquired.Bytes,
			Attempts: acquired.Attempts,
			Date:     acquired.Date,
		})
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.setPhase(history.PhasePrune)
	pruned, err := retention.Prune(s.config.TargetDir, s.config.Matcher(), s.config.MaxFiles, s.logger)
	if err != nil {
		return &FileError{Op: "prune", Path: s.config.TargetDir, Err: err}
	}
	result.Prune = pruned
	s.tracker.RecordPrune(pruneStats(pruned))

	s.metrics.ObservePrune(len(pruned.Removed), len(pruned.Failed), len(pruned.Kept))
	if len(pruned.Kept) > 0 {
		s.metrics.ObserveRetained(len(pruned.Kept), pruned.Kept[0].ModTime, s.clock.Now())
	}
	return nil
}

func pruneStats(r *retention.Result) history.PruneStats {
	stats := history.PruneStats{
		Kept:    len(r.Kept),
		Removed: len(r.Removed),
		Failed:  len(r.Failed),
	}
	for _, f := range r.Removed {
		stats.RemovedFiles = append(stats.RemovedFiles, f.Name)
	}
	for _, f := range r.Failed {
		stats.FailedFiles = append(stats.FailedFiles, f.Path)
	}
	return stats
}

func (s *Service) setPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
	s.tracker.SetPhase(phase)
}

func (s *Service) finish(runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	s.completedAt = &now
	if runErr != nil {
		s.state = ServiceStateError
		s.errorMessage = runErr.Error()
		return
	}
	s.state = ServiceStateIdle
	s.phase = history.PhaseCompleted
}

// GetStatus returns the current service status.
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]interface{}{
		"state":      string(s.state),
		"phase":      s.phase,
		"target_dir": s.config.TargetDir,
		"blob":       s.config.BlobName,
		"keep":       s.config.MaxFiles,
	}
	if s.runID != "" {
		status["run_id"] = s.runID
	}
	if s.errorMessage != "" {
		status["error"] = s.errorMessage
	}
	if s.startedAt != nil {
		status["started_at"] = s.startedAt.Unix()
	}
	if s.completedAt != nil {
		status["completed_at"] = s.completedAt.Unix()
	}
	return status
}
