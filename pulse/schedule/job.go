package schedule

// JobDetail describes a durable unit of work. HandlerName selects the
// JobHandler that runs it; the scheduler resolves it on every fire.
type JobDetail struct {
	Key         JobKey
	Description string
	HandlerName string

	// Durable jobs survive having no triggers left
	Durable bool
	// DisallowConcurrent parks sibling triggers BLOCKED while one executes
	DisallowConcurrent bool
	// PersistDataAfterExecution writes Data back when the handler changed it
	PersistDataAfterExecution bool
	// RequestsRecovery re-fires an execution lost to a crashed instance
	RequestsRecovery bool

	Data JobDataMap
}

// NewJob returns a JobDetail in group (DEFAULT when empty) run by handler
func NewJob(name, group, handler string) *JobDetail {
	return &JobDetail{Key: NewJobKey(name, group), HandlerName: handler}
}

// Validate rejects jobs that can never run
func (j *JobDetail) Validate() error {
	if j == nil {
		return invalidf("job cannot be nil")
	}
	if j.Key.Name == "" || j.Key.Group == "" {
		return invalidf("job key needs a name and a group, got %q", j.Key)
	}
	if j.HandlerName == "" {
		return invalidf("job %s has no handler", j.Key)
	}
	return nil
}

// Clone returns a copy safe to hand to another goroutine
func (j *JobDetail) Clone() *JobDetail {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}
