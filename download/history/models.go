package history

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// Run states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Run phases, in execution order.
const (
	PhaseLock      = "lock"
	PhaseAcquire   = "acquire"
	PhasePrune     = "prune"
	PhaseCompleted = "completed"
)

// DownloadStats describes the file written by a run.
type DownloadStats struct {
	Path     string `json:"path" yaml:"path"`
	Bytes    int64  `json:"bytes" yaml:"bytes"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	Date     string `json:"date" yaml:"date"`
}

// PruneStats describes what rotation did.
type PruneStats struct {
	Kept         int      `json:"kept" yaml:"kept"`
	Removed      int      `json:"removed" yaml:"removed"`
	Failed       int      `json:"failed" yaml:"failed"`
	RemovedFiles []string `json:"removed_files,omitempty" yaml:"removed_files,omitempty"`
	FailedFiles  []string `json:"failed_files,omitempty" yaml:"failed_files,omitempty"`
}

// RunHistory represents one invocation.
type RunHistory struct {
	RunID       string         `json:"run_id" yaml:"run_id"`
	Command     string         `json:"command" yaml:"command"`
	BlobName    string         `json:"blob_name,omitempty" yaml:"blob_name,omitempty"`
	TargetDir   string         `json:"target_dir" yaml:"target_dir"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	State       string         `json:"state" yaml:"state"`
	Phase       string         `json:"phase" yaml:"phase"`
	Download    *DownloadStats `json:"download,omitempty" yaml:"download,omitempty"`
	Prune       *PruneStats    `json:"prune,omitempty" yaml:"prune,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration returns how long the run took, or zero if it has not finished.
func (r *RunHistory) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// ToJSON converts RunHistory to JSON bytes.
func (r *RunHistory) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON creates RunHistory from JSON bytes.
func (r *RunHistory) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}

// ToYAML renders runs for terminal output.
func ToYAML(runs []*RunHistory) ([]byte, error) {
	return yaml.Marshal(runs)
}
