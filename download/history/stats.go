package history

import "time"

// Stats aggregates saved runs.
type Stats struct {
	TotalRuns      int        `json:"total_runs" yaml:"total_runs"`
	Completed      int        `json:"completed" yaml:"completed"`
	Failed         int        `json:"failed" yaml:"failed"`
	SuccessRate    float64    `json:"success_rate" yaml:"success_rate"`
	TotalBytes     int64      `json:"total_bytes" yaml:"total_bytes"`
	TotalAttempts  int        `json:"total_attempts" yaml:"total_attempts"`
	TotalRemoved   int        `json:"total_removed" yaml:"total_removed"`
	AvgDurationSec float64    `json:"avg_duration_sec" yaml:"avg_duration_sec"`
	FirstRunAt     *time.Time `json:"first_run_at,omitempty" yaml:"first_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty" yaml:"last_success_at,omitempty"`
}

// Summarize computes Stats over runs. Runs still in progress count toward
// TotalRuns only.
func Summarize(runs []*RunHistory) Stats {
	var s Stats
	var finished int
	var duration time.Duration

	for _, r := range runs {
		s.TotalRuns++
		started := r.StartedAt
		if s.FirstRunAt == nil || started.Before(*s.FirstRunAt) {
			s.FirstRunAt = &started
		}
		if s.LastRunAt == nil || started.After(*s.LastRunAt) {
			s.LastRunAt = &started
		}

		switch r.State {
		case StateCompleted:
			s.Completed++
			if r.CompletedAt != nil && (s.LastSuccessAt == nil || r.CompletedAt.After(*s.LastSuccessAt)) {
				done := *r.CompletedAt
				s.LastSuccessAt = &done
			}
		case StateFailed:
			s.Failed++
		}
		if r.CompletedAt != nil {
			finished++
			duration += r.Duration()
		}

		if r.Download != nil {
			s.TotalBytes += r.Download.Bytes
			s.TotalAttempts += r.Download.Attempts
		}
		if r.Prune != nil {
			s.TotalRemoved += r.Prune.Removed
		}
	}

	if done := s.Completed + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Completed) / float64(done) * 100
	}
	if finished > 0 {
		s.AvgDurationSec = duration.Seconds() / float64(finished)
	}
	return s
}
