// Package history records job executions in the pulse_executions table.
//
// Listener plugs into a scheduler as a job listener and writes
// one row per fire: created as running when the job starts, updated when it
// finishes. Store reads the rows back for the CLI and prunes old ones.
package history

import (
	"time"

	"github.com/teranos/tempo/pulse/schedule"
)

// Execution represents a single execution of a scheduled job
//
// Each fire gets one record tracking:
// - Timing (scheduled fire time, started, completed, duration)
// - Status (running, completed, failed, vetoed)
// - Errors, classified for grouping
// - Re-executions requested by the handler (refire count)
type Execution struct {
	// Identity
	ID            string              `json:"id"` // fire instance id
	SchedulerName string              `json:"scheduler_name"`
	InstanceID    string              `json:"instance_id"`
	JobKey        schedule.JobKey     `json:"job_key"`
	TriggerKey    schedule.TriggerKey `json:"trigger_key"`

	// Execution status
	Status string `json:"status"`

	// Timing
	ScheduledFireTime time.Time  `json:"scheduled_fire_time"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"` // nil while running
	DurationMs        *int64     `json:"duration_ms,omitempty"`  // nil while running

	RefireCount int  `json:"refire_count"`
	Recovering  bool `json:"recovering"`

	// Failure details
	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Execution status constants for type safety
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusVetoed    = "vetoed"
)
