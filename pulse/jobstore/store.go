// Package jobstore persists jobs, triggers and calendars for the scheduler
// and owns every trigger state transition.
//
// Two implementations are provided:
//   - MemoryStore keeps everything in process, indexed by next fire time
//   - SQLStore keeps everything in SQLite and can be shared by several
//     scheduler instances (clustered)
//
// Stores never call back into the scheduler while holding their own locks;
// Signaler notifications are delivered after the mutation is committed.
package jobstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// Signaler is how a store tells the scheduler that something changed
// underneath it.
type Signaler interface {
	// SignalSchedulingChange wakes the firing loop. candidate is the new
	// earliest fire time if known, nil otherwise.
	SignalSchedulingChange(candidate *time.Time)
	NotifyTriggerMisfired(t *schedule.Trigger)
	NotifyTriggerFinalized(t *schedule.Trigger)
	NotifyJobDeleted(key schedule.JobKey)
}

// Store is the persistence contract the scheduler runs on.
type Store interface {
	// Lifecycle
	Initialize(ctx context.Context, signaler Signaler) error
	SchedulerStarted(ctx context.Context) error
	SchedulerPaused(ctx context.Context)
	SchedulerResumed(ctx context.Context)
	Shutdown(ctx context.Context) error
	SupportsPersistence() bool
	Clustered() bool
	EstimatedTimeToReleaseAndAcquireTrigger() time.Duration

	// Firing
	AcquireNextTrigger(ctx context.Context, now time.Time, window time.Duration) (*schedule.Trigger, error)
	ReleaseAcquiredTrigger(ctx context.Context, t *schedule.Trigger) error
	TriggerFired(ctx context.Context, t *schedule.Trigger) (*schedule.FiredBundle, error)
	// TriggeredJobComplete settles a fired trigger. job's data is written
	// back only when both the stored job and job ask for it.
	TriggeredJobComplete(ctx context.Context, t *schedule.Trigger, job *schedule.JobDetail, instr schedule.CompletionInstruction) error

	// Jobs and triggers
	StoreJobAndTrigger(ctx context.Context, job *schedule.JobDetail, t *schedule.Trigger) error
	StoreJob(ctx context.Context, job *schedule.JobDetail, replace bool) error
	StoreTrigger(ctx context.Context, t *schedule.Trigger, replace bool) error
	RemoveJob(ctx context.Context, key schedule.JobKey) (bool, error)
	RemoveTrigger(ctx context.Context, key schedule.TriggerKey) (bool, error)
	ReplaceTrigger(ctx context.Context, key schedule.TriggerKey, t *schedule.Trigger) (bool, error)
	RetrieveJob(ctx context.Context, key schedule.JobKey) (*schedule.JobDetail, error)
	RetrieveTrigger(ctx context.Context, key schedule.TriggerKey) (*schedule.Trigger, error)
	CheckJobExists(ctx context.Context, key schedule.JobKey) (bool, error)
	CheckTriggerExists(ctx context.Context, key schedule.TriggerKey) (bool, error)
	TriggersForJob(ctx context.Context, key schedule.JobKey) ([]*schedule.Trigger, error)
	JobKeys(ctx context.Context, m schedule.GroupMatcher) ([]schedule.JobKey, error)
	TriggerKeys(ctx context.Context, m schedule.GroupMatcher) ([]schedule.TriggerKey, error)
	JobGroupNames(ctx context.Context) ([]string, error)
	TriggerGroupNames(ctx context.Context) ([]string, error)
	TriggerState(ctx context.Context, key schedule.TriggerKey) (schedule.TriggerState, error)
	ClearAllSchedulingData(ctx context.Context) error

	// Pause and resume
	PauseTrigger(ctx context.Context, key schedule.TriggerKey) error
	PauseTriggers(ctx context.Context, m schedule.GroupMatcher) ([]string, error)
	PauseJob(ctx context.Context, key schedule.JobKey) error
	PauseJobs(ctx context.Context, m schedule.GroupMatcher) ([]string, error)
	ResumeTrigger(ctx context.Context, key schedule.TriggerKey) error
	ResumeTriggers(ctx context.Context, m schedule.GroupMatcher) ([]string, error)
	ResumeJob(ctx context.Context, key schedule.JobKey) error
	ResumeJobs(ctx context.Context, m schedule.GroupMatcher) ([]string, error)
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
	PausedTriggerGroups(ctx context.Context) ([]string, error)

	// Calendars
	StoreCalendar(ctx context.Context, name string, cal schedule.Calendar, replace, updateTriggers bool) error
	RemoveCalendar(ctx context.Context, name string) (bool, error)
	RetrieveCalendar(ctx context.Context, name string) (schedule.Calendar, error)
	CalendarNames(ctx context.Context) ([]string, error)

	// Counts reports how many jobs, triggers and calendars are stored
	Counts(ctx context.Context) (Counts, error)
}

// Counts summarises a store's contents
type Counts struct {
	Jobs      int
	Triggers  int
	Calendars int
	// States counts triggers per state
	States map[schedule.TriggerState]int
}

// Options configures behaviour shared by every store
type Options struct {
	// SchedulerName partitions persistent stores between schedulers
	SchedulerName string
	// InstanceID identifies this scheduler instance as a trigger holder
	InstanceID string
	// MisfireThreshold is how late a trigger may be before its misfire policy applies
	MisfireThreshold time.Duration
	// Clock returns the current time; defaults to time.Now
	Clock func() time.Time
	// Logger defaults to the global logger
	Logger *zap.SugaredLogger
}

// DefaultMisfireThreshold is used when Options.MisfireThreshold is zero
const DefaultMisfireThreshold = time.Minute

func (o *Options) setDefaults(component string) {
	if o.SchedulerName == "" {
		o.SchedulerName = "tempo"
	}
	if o.InstanceID == "" {
		o.InstanceID = "NON_CLUSTERED"
	}
	if o.MisfireThreshold <= 0 {
		o.MisfireThreshold = DefaultMisfireThreshold
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.ComponentLogger(component)
	}
}

// now returns the store clock truncated to the millisecond precision
// triggers are persisted with.
func (o *Options) now() time.Time {
	return o.Clock().Truncate(time.Millisecond)
}

// nopSignaler is used until Initialize supplies a real one
type nopSignaler struct{}

func (nopSignaler) SignalSchedulingChange(*time.Time)        {}
func (nopSignaler) NotifyTriggerMisfired(*schedule.Trigger)  {}
func (nopSignaler) NotifyTriggerFinalized(*schedule.Trigger) {}
func (nopSignaler) NotifyJobDeleted(schedule.JobKey)         {}

// notifications are collected under a store lock and delivered after it
// is released.
type notifications struct {
	misfired  []*schedule.Trigger
	finalized []*schedule.Trigger
	deleted   []schedule.JobKey
	changed   bool
	candidate *time.Time
}

func (n *notifications) misfire(t *schedule.Trigger)    { n.misfired = append(n.misfired, t.Clone()) }
func (n *notifications) finalize(t *schedule.Trigger)   { n.finalized = append(n.finalized, t.Clone()) }
func (n *notifications) jobDeleted(key schedule.JobKey) { n.deleted = append(n.deleted, key) }

// change records a scheduling change, keeping the earliest candidate
func (n *notifications) change(candidate *time.Time) {
	if !n.changed {
		n.changed = true
		n.candidate = candidate
		return
	}
	if candidate == nil || (n.candidate != nil && candidate.Before(*n.candidate)) {
		n.candidate = candidate
	}
}

func (n *notifications) deliver(s Signaler) {
	for _, t := range n.misfired {
		s.NotifyTriggerMisfired(t)
	}
	for _, t := range n.finalized {
		s.NotifyTriggerFinalized(t)
	}
	for _, k := range n.deleted {
		s.NotifyJobDeleted(k)
	}
	if n.changed {
		s.SignalSchedulingChange(n.candidate)
	}
}

// initialState is the state a newly stored trigger starts in
func initialState(t *schedule.Trigger, paused, blocked bool) schedule.TriggerState {
	if t.NextFireTime == nil {
		return schedule.StateComplete
	}
	st := schedule.StateWaiting
	if paused {
		st = schedule.StatePaused
	}
	if blocked {
		st = st.Blocked()
	}
	return st
}

// settledState is where a trigger goes once its execution has finished and
// the NOOP instruction applies.
func settledState(st schedule.TriggerState, t *schedule.Trigger, blocked bool) schedule.TriggerState {
	switch st {
	case schedule.StateExecuting, schedule.StateBlocked:
		st = schedule.StateWaiting
		if blocked {
			st = schedule.StateBlocked
		}
	case schedule.StatePausedBlocked:
		st = schedule.StatePaused
	}
	if st == schedule.StateWaiting && t.NextFireTime == nil {
		return schedule.StateComplete
	}
	return st
}

// resumedState resumes a paused trigger. A trigger that fell behind while
// paused has its misfire policy applied on the way out.
func resumedState(st schedule.TriggerState, t *schedule.Trigger, blocked bool, now time.Time, threshold time.Duration, cal schedule.Calendar, n *notifications) schedule.TriggerState {
	st = st.Resumed()
	if st == schedule.StateWaiting && blocked {
		st = schedule.StateBlocked
	}
	if st != schedule.StateWaiting {
		return st
	}
	if action := schedule.ResolveMisfire(t, now, threshold); action != schedule.MisfireActionNone {
		n.misfire(t)
		t.ApplyMisfire(action, now, cal)
		if t.NextFireTime == nil {
			n.finalize(t)
			return schedule.StateComplete
		}
	}
	return st
}
