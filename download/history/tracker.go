package history

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sv4u/blobrotate/download/logging"
)

// ErrInvalidRunID is returned for run ids that cannot name a record file.
var ErrInvalidRunID = errors.New("invalid run id")

// Tracker persists one JSON record per run under historyPath and keeps at
// most retention of them (0 keeps all).
type Tracker struct {
	historyPath string
	retention   int
	logger      *logging.Logger
	now         func() time.Time

	currentRun   *RunHistory
	currentRunMu sync.RWMutex
}

// NewTracker creates a new history tracker.
func NewTracker(historyPath string, retention int, logger *logging.Logger) (*Tracker, error) {
	if retention < 0 {
		return nil, fmt.Errorf("retention must be >= 0, got %d", retention)
	}

	// Ensure history directory exists
	if err := os.MkdirAll(historyPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	return &Tracker{
		historyPath: historyPath,
		retention:   retention,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// NewRunID returns a sortable, filename-safe run identifier.
func NewRunID(t time.Time) string {
	t = t.UTC()
	return t.Format("20060102T150405Z") + fmt.Sprintf("-%09d", t.Nanosecond())
}

// StartRun starts tracking a new run. Write methods are no-ops on a nil
// Tracker so callers can run without history.
func (t *Tracker) StartRun(runID, command, blobName, targetDir string) {
	if t == nil {
		return
	}
	t.currentRunMu.Lock()
	defer t.currentRunMu.Unlock()

	t.currentRun = &RunHistory{
		RunID:     runID,
		Command:   command,
		BlobName:  blobName,
		TargetDir: targetDir,
		StartedAt: t.now().UTC(),
		State:     StateRunning,
		Phase:     PhaseLock,
	}
}

// SetPhase records the phase the current run has reached.
func (t *Tracker) SetPhase(phase string) {
	if t == nil {
		return
	}
	t.currentRunMu.Lock()
	defer t.currentRunMu.Unlock()
	if t.currentRun != nil {
		t.currentRun.Phase = phase
	}
}

// RecordDownload attaches download results to the current run.
func (t *Tracker) RecordDownload(stats DownloadStats) {
	if t == nil {
		return
	}
	t.currentRunMu.Lock()
	defer t.currentRunMu.Unlock()
	if t.currentRun != nil {
		t.currentRun.Download = &stats
	}
}

// RecordPrune attaches prune results to the current run.
func (t *Tracker) RecordPrune(stats PruneStats) {
	if t == nil {
		return
	}
	t.currentRunMu.Lock()
	defer t.currentRunMu.Unlock()
	if t.currentRun != nil {
		t.currentRun.Prune = &stats
	}
}

// StopRun finishes the current run, saves it and trims old records.
// The returned record is a copy of what was saved.
func (t *Tracker) StopRun(state string, runErr error) (*RunHistory, error) {
	if t == nil {
		return nil, nil
	}
	t.currentRunMu.Lock()
	defer t.currentRunMu.Unlock()

	if t.currentRun == nil {
		return nil, nil // No run to stop
	}

	now := t.now().UTC()
	run := t.currentRun
	run.CompletedAt = &now
	run.State = state
	if state == StateCompleted {
		run.Phase = PhaseCompleted
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	t.currentRun = nil

	if err := t.saveRunHistory(run); err != nil {
		return run, fmt.Errorf("failed to save run history: %w", err)
	}

	if t.retention > 0 {
		if err := t.cleanupOldRuns(); err != nil {
			t.logger.WarnFields("history", "failed to cleanup old runs", err, nil)
		}
	}

	runCopy := *run
	return &runCopy, nil
}

// GetCurrentRun returns a copy of the run in progress, or nil.
func (t *Tracker) GetCurrentRun() *RunHistory {
	if t == nil {
		return nil
	}
	t.currentRunMu.RLock()
	defer t.currentRunMu.RUnlock()
	if t.currentRun == nil {
		return nil
	}
	runCopy := *t.currentRun
	return &runCopy
}

// GetRunHistory loads a specific run history by ID.
func (t *Tracker) GetRunHistory(runID string) (*RunHistory, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return nil, fmt.Errorf("%w %q", ErrInvalidRunID, runID)
	}
	data, err := os.ReadFile(t.runPath(runID))
	if err != nil {
		return nil, err
	}

	var run RunHistory
	if err := run.FromJSON(data); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns all saved runs, newest first by start time.
func (t *Tracker) ListRuns() ([]*RunHistory, error) {
	entries, err := os.ReadDir(t.historyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var runs []*RunHistory
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "run_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		run, err := t.GetRunHistory(strings.TrimSuffix(strings.TrimPrefix(name, "run_"), ".json"))
		if err != nil {
			t.logger.WarnFields("history", "skipping unreadable run record", err, logging.Fields{"file": name})
			continue
		}
		runs = append(runs, run)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].RunID > runs[j].RunID
	})
	return runs, nil
}

// LatestRun returns the most recent saved run, or nil if there is none.
func (t *Tracker) LatestRun() (*RunHistory, error) {
	runs, err := t.ListRuns()
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// LastSuccess returns the most recent completed run that downloaded a file.
func (t *Tracker) LastSuccess() (*RunHistory, error) {
	runs, err := t.ListRuns()
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.State == StateCompleted && run.Download != nil {
			return run, nil
		}
	}
	return nil, nil
}

func (t *Tracker) runPath(runID string) string {
	return filepath.Join(t.historyPath, fmt.Sprintf("run_%s.json", runID))
}

// saveRunHistory writes through a temp file so readers never see a partial record.
func (t *Tracker) saveRunHistory(run *RunHistory) error {
	data, err := run.ToJSON()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(t.historyPath, ".run-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), t.runPath(run.RunID))
}

// cleanupOldRuns removes old runs if retention limit is reached.
func (t *Tracker) cleanupOldRuns() error {
	runs, err := t.ListRuns()
	if err != nil {
		return err
	}

	if len(runs) <= t.retention {
		return nil // No cleanup needed
	}

	for _, run := range runs[t.retention:] {
		if err := os.Remove(t.runPath(run.RunID)); err != nil {
			t.logger.WarnFields("history", "failed to remove old run", err, logging.Fields{"run_id": run.RunID})
		}
	}
	return nil
}
