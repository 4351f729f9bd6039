package schedule

import "time"

// FiredBundle is what a store hands back from TriggerFired: the resolved
// job and trigger, ready for dispatch.
type FiredBundle struct {
	Job      *JobDetail
	Trigger  *Trigger // already advanced past this fire
	Calendar Calendar

	// FireInstanceID identifies this execution across the cluster
	FireInstanceID string

	FireTime          time.Time  // when the store recorded the fire
	ScheduledFireTime time.Time  // the occurrence being fired
	PreviousFireTime  *time.Time // the occurrence before this one
	NextFireTime      *time.Time // the following occurrence, nil if none

	// Recovering is set when re-running an execution lost to a crashed instance
	Recovering bool
}

// ExecutionContext is passed to a job handler for one execution. Handlers
// get dependencies from their own fields; this carries only facts about
// the fire.
type ExecutionContext struct {
	*FiredBundle

	SchedulerName string
	InstanceID    string

	// RefireCount counts immediate re-executions requested via Failure{Retry}
	RefireCount int

	// Result is filled in once the handler returns, for listeners
	Result   Result
	Duration time.Duration
}

// NewExecutionContext wraps a fired bundle for execution
func NewExecutionContext(b *FiredBundle, schedulerName, instanceID string) *ExecutionContext {
	return &ExecutionContext{FiredBundle: b, SchedulerName: schedulerName, InstanceID: instanceID}
}

// JobKey returns the key of the executing job
func (c *ExecutionContext) JobKey() JobKey { return c.Job.Key }

// TriggerKey returns the key of the firing trigger
func (c *ExecutionContext) TriggerKey() TriggerKey { return c.Trigger.Key }

// MergedData returns the job's data overlaid by the trigger's. It is a
// snapshot; write through Job.Data to persist changes.
func (c *ExecutionContext) MergedData() JobDataMap {
	return c.Job.Data.Merge(c.Trigger.Data)
}
