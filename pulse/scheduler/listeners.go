package scheduler

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/tempo/pulse/schedule"
)

// JobListener is told about job executions
type JobListener interface {
	Name() string
	JobToBeExecuted(ec *schedule.ExecutionContext)
	JobExecutionVetoed(ec *schedule.ExecutionContext)
	// JobWasExecuted sees ec.Result and ec.Duration filled in
	JobWasExecuted(ec *schedule.ExecutionContext)
}

// TriggerListener is told about trigger fires and may veto executions
type TriggerListener interface {
	Name() string
	TriggerFired(ec *schedule.ExecutionContext)
	// VetoJobExecution returning true skips the job for this fire
	VetoJobExecution(ec *schedule.ExecutionContext) bool
	TriggerMisfired(t *schedule.Trigger)
	TriggerComplete(ec *schedule.ExecutionContext, instr schedule.CompletionInstruction)
}

// SchedulerListener is told about scheduler-wide events
type SchedulerListener interface {
	JobScheduled(t *schedule.Trigger)
	JobUnscheduled(key schedule.TriggerKey)
	TriggerFinalized(t *schedule.Trigger)
	JobAdded(job *schedule.JobDetail)
	JobDeleted(key schedule.JobKey)
	SchedulerStarted()
	SchedulerInStandby()
	SchedulerShutdown()
	// SchedulerError reports problems no job or trigger listener would see,
	// such as store outages in the firing loop
	SchedulerError(msg string, err error)
}

// JobListenerBase implements JobListener with no-ops for embedding
type JobListenerBase struct{}

func (JobListenerBase) JobToBeExecuted(*schedule.ExecutionContext)    {}
func (JobListenerBase) JobExecutionVetoed(*schedule.ExecutionContext) {}
func (JobListenerBase) JobWasExecuted(*schedule.ExecutionContext)     {}

// TriggerListenerBase implements TriggerListener with no-ops for embedding
type TriggerListenerBase struct{}

func (TriggerListenerBase) TriggerFired(*schedule.ExecutionContext)          {}
func (TriggerListenerBase) VetoJobExecution(*schedule.ExecutionContext) bool { return false }
func (TriggerListenerBase) TriggerMisfired(*schedule.Trigger)                {}
func (TriggerListenerBase) TriggerComplete(*schedule.ExecutionContext, schedule.CompletionInstruction) {
}

// SchedulerListenerBase implements SchedulerListener with no-ops for embedding
type SchedulerListenerBase struct{}

func (SchedulerListenerBase) JobScheduled(*schedule.Trigger)     {}
func (SchedulerListenerBase) JobUnscheduled(schedule.TriggerKey) {}
func (SchedulerListenerBase) TriggerFinalized(*schedule.Trigger) {}
func (SchedulerListenerBase) JobAdded(*schedule.JobDetail)       {}
func (SchedulerListenerBase) JobDeleted(schedule.JobKey)         {}
func (SchedulerListenerBase) SchedulerStarted()                  {}
func (SchedulerListenerBase) SchedulerInStandby()                {}
func (SchedulerListenerBase) SchedulerShutdown()                 {}
func (SchedulerListenerBase) SchedulerError(string, error)       {}

type jobListenerEntry struct {
	l     JobListener
	match schedule.KeyMatcher[schedule.JobKey]
}

type triggerListenerEntry struct {
	l     TriggerListener
	match schedule.KeyMatcher[schedule.TriggerKey]
}

// listeners holds the registered listeners in registration order. Calls
// take a snapshot so a listener may register or remove listeners.
type listeners struct {
	log *zap.SugaredLogger

	mu        sync.RWMutex
	jobs      []jobListenerEntry
	triggers  []triggerListenerEntry
	scheduler []SchedulerListener
}

// orMatchers combines registration matchers; none matches everything
func orMatchers[K schedule.Keyed](ms []schedule.KeyMatcher[K]) schedule.KeyMatcher[K] {
	if len(ms) == 0 {
		return schedule.Everything[K]()
	}
	return schedule.Or(ms...)
}

func (ls *listeners) addJob(l JobListener, ms []schedule.KeyMatcher[schedule.JobKey]) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.jobs = append(ls.jobs, jobListenerEntry{l: l, match: orMatchers(ms)})
}

func (ls *listeners) addTrigger(l TriggerListener, ms []schedule.KeyMatcher[schedule.TriggerKey]) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.triggers = append(ls.triggers, triggerListenerEntry{l: l, match: orMatchers(ms)})
}

func (ls *listeners) addScheduler(l SchedulerListener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.scheduler = append(ls.scheduler, l)
}

func (ls *listeners) removeJob(name string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, e := range ls.jobs {
		if e.l.Name() == name {
			ls.jobs = append(ls.jobs[:i:i], ls.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (ls *listeners) removeTrigger(name string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, e := range ls.triggers {
		if e.l.Name() == name {
			ls.triggers = append(ls.triggers[:i:i], ls.triggers[i+1:]...)
			return true
		}
	}
	return false
}

func (ls *listeners) jobSnapshot(key schedule.JobKey) []JobListener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	var out []JobListener
	for _, e := range ls.jobs {
		if e.match(key) {
			out = append(out, e.l)
		}
	}
	return out
}

func (ls *listeners) triggerSnapshot(key schedule.TriggerKey) []TriggerListener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	var out []TriggerListener
	for _, e := range ls.triggers {
		if e.match(key) {
			out = append(out, e.l)
		}
	}
	return out
}

func (ls *listeners) schedulerSnapshot() []SchedulerListener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return append([]SchedulerListener(nil), ls.scheduler...)
}

// guard keeps a panicking listener from taking down the caller
func (ls *listeners) guard(name string) {
	if r := recover(); r != nil {
		ls.log.Errorw("Listener panicked", "listener", name, "panic", r, "stack", string(debug.Stack()))
	}
}

func (ls *listeners) jobToBeExecuted(ec *schedule.ExecutionContext) {
	for _, l := range ls.jobSnapshot(ec.JobKey()) {
		func() {
			defer ls.guard(l.Name())
			l.JobToBeExecuted(ec)
		}()
	}
}

func (ls *listeners) jobExecutionVetoed(ec *schedule.ExecutionContext) {
	for _, l := range ls.jobSnapshot(ec.JobKey()) {
		func() {
			defer ls.guard(l.Name())
			l.JobExecutionVetoed(ec)
		}()
	}
}

func (ls *listeners) jobWasExecuted(ec *schedule.ExecutionContext) {
	for _, l := range ls.jobSnapshot(ec.JobKey()) {
		func() {
			defer ls.guard(l.Name())
			l.JobWasExecuted(ec)
		}()
	}
}

// triggerFired notifies every matching listener and reports whether any vetoed
func (ls *listeners) triggerFired(ec *schedule.ExecutionContext) (vetoed bool) {
	for _, l := range ls.triggerSnapshot(ec.TriggerKey()) {
		func() {
			defer ls.guard(l.Name())
			l.TriggerFired(ec)
			if l.VetoJobExecution(ec) {
				vetoed = true
			}
		}()
	}
	return vetoed
}

func (ls *listeners) triggerMisfired(t *schedule.Trigger) {
	for _, l := range ls.triggerSnapshot(t.Key) {
		func() {
			defer ls.guard(l.Name())
			l.TriggerMisfired(t)
		}()
	}
}

func (ls *listeners) triggerComplete(ec *schedule.ExecutionContext, instr schedule.CompletionInstruction) {
	for _, l := range ls.triggerSnapshot(ec.TriggerKey()) {
		func() {
			defer ls.guard(l.Name())
			l.TriggerComplete(ec, instr)
		}()
	}
}

// eachScheduler calls fn for every scheduler listener
func (ls *listeners) eachScheduler(fn func(SchedulerListener)) {
	for _, l := range ls.schedulerSnapshot() {
		func() {
			defer ls.guard("scheduler")
			fn(l)
		}()
	}
}
