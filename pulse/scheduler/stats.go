package scheduler

import (
	"context"
	"time"

	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/jobstore"
)

// Stats is a point-in-time view of a scheduler
type Stats struct {
	SchedulerName string    `json:"scheduler_name"`
	InstanceID    string    `json:"instance_id"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	Persistent    bool      `json:"persistent"`
	Clustered     bool      `json:"clustered"`

	TriggersFired     int64 `json:"triggers_fired"`
	JobsExecuted      int64 `json:"jobs_executed"`
	JobsFailed        int64 `json:"jobs_failed"`
	JobsVetoed        int64 `json:"jobs_vetoed"`
	Misfires          int64 `json:"misfires"`
	StoreFailures     int64 `json:"store_failures"`
	CompletionRetries int64 `json:"completion_retries"`

	// PendingCompletions are finished jobs the store has not recorded yet
	PendingCompletions int64 `json:"pending_completions"`
	Executing          int   `json:"executing"`

	Workers async.SystemMetrics `json:"workers"`
}

// Stats returns counters since New and the worker pool's current usage
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	state, startedAt := s.state, s.startedAt
	s.mu.Unlock()

	return Stats{
		SchedulerName:      s.cfg.Name,
		InstanceID:         s.cfg.InstanceID,
		State:              state.String(),
		StartedAt:          startedAt,
		Persistent:         s.store.SupportsPersistence(),
		Clustered:          s.store.Clustered(),
		TriggersFired:      s.stats.fired.Load(),
		JobsExecuted:       s.stats.executed.Load(),
		JobsFailed:         s.stats.failed.Load(),
		JobsVetoed:         s.stats.vetoed.Load(),
		Misfires:           s.stats.misfired.Load(),
		StoreFailures:      s.stats.storeFailures.Load(),
		CompletionRetries:  s.stats.completionRetries.Load(),
		PendingCompletions: s.retrier.Pending(),
		Executing:          len(s.executing.snapshot()),
		Workers:            s.pool.SystemMetrics(),
	}
}

// StoreCounts reports what the job store holds
func (s *Scheduler) StoreCounts(ctx context.Context) (jobstore.Counts, error) {
	return s.store.Counts(ctx)
}
