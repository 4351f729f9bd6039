package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// triggerRecord is a stored trigger plus the bookkeeping the store keeps about it
type triggerRecord struct {
	trigger *schedule.Trigger
	state   schedule.TriggerState

	// set while ACQUIRED or EXECUTING
	holder            string
	fireInstanceID    string
	scheduledFireTime time.Time
	firedAt           time.Time
	recovering        bool

	indexed *indexEntry
}

func (r *triggerRecord) release() {
	r.holder = ""
	r.fireInstanceID = ""
	r.scheduledFireTime = time.Time{}
	r.firedAt = time.Time{}
}

// MemoryStore is a Store that keeps everything in process. It is safe for
// concurrent use; nothing survives a restart.
type MemoryStore struct {
	opts     Options
	signaler Signaler

	mu             sync.Mutex
	jobs           map[schedule.JobKey]*schedule.JobDetail
	triggers       map[schedule.TriggerKey]*triggerRecord
	triggersByJob  map[schedule.JobKey]map[schedule.TriggerKey]struct{}
	calendars      map[string]schedule.Calendar
	pausedTriggers map[string]struct{}
	pausedJobs     map[string]struct{}
	blockedJobs    map[schedule.JobKey]struct{}
	index          *timeIndex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore(opts Options) *MemoryStore {
	opts.setDefaults("pulse.jobstore.memory")
	s := &MemoryStore{opts: opts, signaler: nopSignaler{}}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.jobs = make(map[schedule.JobKey]*schedule.JobDetail)
	s.triggers = make(map[schedule.TriggerKey]*triggerRecord)
	s.triggersByJob = make(map[schedule.JobKey]map[schedule.TriggerKey]struct{})
	s.calendars = make(map[string]schedule.Calendar)
	s.pausedTriggers = make(map[string]struct{})
	s.pausedJobs = make(map[string]struct{})
	s.blockedJobs = make(map[schedule.JobKey]struct{})
	s.index = newTimeIndex()
}

// locked runs fn under the store mutex and delivers the notifications it
// collected once the mutex is released.
func (s *MemoryStore) locked(fn func(n *notifications) error) error {
	var n notifications
	s.mu.Lock()
	err := fn(&n)
	s.mu.Unlock()
	n.deliver(s.signaler)
	return err
}

// reindex brings the time index in line with the record's state
func (s *MemoryStore) reindex(r *triggerRecord) {
	if r.indexed != nil {
		s.index.remove(*r.indexed)
		r.indexed = nil
	}
	if r.state == schedule.StateWaiting && r.trigger.NextFireTime != nil {
		e := indexEntry{next: *r.trigger.NextFireTime, priority: r.trigger.Priority, key: r.trigger.Key}
		s.index.add(e)
		r.indexed = &e
	}
}

func (s *MemoryStore) setState(r *triggerRecord, st schedule.TriggerState) {
	r.state = st
	s.reindex(r)
}

func (s *MemoryStore) calendarFor(t *schedule.Trigger) schedule.Calendar {
	if t.CalendarName == "" {
		return nil
	}
	return s.calendars[t.CalendarName]
}

func (s *MemoryStore) jobTriggers(key schedule.JobKey) []*triggerRecord {
	keys := s.triggersByJob[key]
	out := make([]*triggerRecord, 0, len(keys))
	for k := range keys {
		out = append(out, s.triggers[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].trigger.Key.Compare(out[j].trigger.Key) < 0 })
	return out
}

// Initialize implements Store
func (s *MemoryStore) Initialize(_ context.Context, signaler Signaler) error {
	if signaler != nil {
		s.signaler = signaler
	}
	s.opts.Logger.Debugw("Memory job store initialized", logger.FieldInstanceID, s.opts.InstanceID)
	return nil
}

// SchedulerStarted implements Store. Nothing outlives the process, so there
// is nothing to recover.
func (s *MemoryStore) SchedulerStarted(context.Context) error { return nil }

// SchedulerPaused implements Store
func (s *MemoryStore) SchedulerPaused(context.Context) {}

// SchedulerResumed implements Store
func (s *MemoryStore) SchedulerResumed(context.Context) {}

// Shutdown implements Store
func (s *MemoryStore) Shutdown(context.Context) error { return nil }

// SupportsPersistence implements Store
func (s *MemoryStore) SupportsPersistence() bool { return false }

// Clustered implements Store
func (s *MemoryStore) Clustered() bool { return false }

// EstimatedTimeToReleaseAndAcquireTrigger implements Store
func (s *MemoryStore) EstimatedTimeToReleaseAndAcquireTrigger() time.Duration {
	return 5 * time.Millisecond
}

// AcquireNextTrigger implements Store. Misfired triggers met on the way are
// handled according to their policy before anything is acquired.
func (s *MemoryStore) AcquireNextTrigger(_ context.Context, now time.Time, window time.Duration) (*schedule.Trigger, error) {
	var acquired *schedule.Trigger
	err := s.locked(func(n *notifications) error {
		limit := now.Add(window)
		for {
			e, ok := s.index.first()
			if !ok || e.next.After(limit) {
				return nil
			}
			r := s.triggers[e.key]

			if action := schedule.ResolveMisfire(r.trigger, now, s.opts.MisfireThreshold); action != schedule.MisfireActionNone {
				n.misfire(r.trigger)
				r.trigger.ApplyMisfire(action, now, s.calendarFor(r.trigger))
				if r.trigger.NextFireTime == nil {
					r.state = schedule.StateComplete
					n.finalize(r.trigger)
				}
				s.reindex(r)
				continue
			}

			r.holder = s.opts.InstanceID
			r.fireInstanceID = uuid.NewString()
			s.setState(r, schedule.StateAcquired)
			acquired = r.trigger.Clone()
			return nil
		}
	})
	return acquired, err
}

// ReleaseAcquiredTrigger implements Store
func (s *MemoryStore) ReleaseAcquiredTrigger(_ context.Context, t *schedule.Trigger) error {
	return s.locked(func(*notifications) error {
		r := s.triggers[t.Key]
		if r == nil || r.state != schedule.StateAcquired {
			return nil
		}
		r.release()
		s.setState(r, schedule.StateWaiting)
		return nil
	})
}

// TriggerFired implements Store. It returns nil when the trigger is no
// longer ours to fire: removed, paused, blocked or its calendar is gone.
func (s *MemoryStore) TriggerFired(_ context.Context, t *schedule.Trigger) (*schedule.FiredBundle, error) {
	var bundle *schedule.FiredBundle
	err := s.locked(func(*notifications) error {
		r := s.triggers[t.Key]
		if r == nil || r.state != schedule.StateAcquired || r.holder != s.opts.InstanceID {
			return nil
		}
		if r.trigger.NextFireTime == nil {
			return nil
		}
		var cal schedule.Calendar
		if name := r.trigger.CalendarName; name != "" {
			if cal = s.calendars[name]; cal == nil {
				return nil
			}
		}
		job := s.jobs[r.trigger.JobKey]
		if job == nil {
			return nil
		}

		now := s.opts.now()
		prev := r.trigger.PreviousFireTime
		scheduled := *r.trigger.NextFireTime
		r.trigger.Triggered(cal)

		r.scheduledFireTime = scheduled
		r.firedAt = now
		recovering := r.recovering
		r.recovering = false
		s.setState(r, schedule.StateExecuting)

		if job.DisallowConcurrent {
			s.blockedJobs[job.Key] = struct{}{}
			for _, sib := range s.jobTriggers(job.Key) {
				if sib == r {
					continue
				}
				if sib.state == schedule.StateAcquired {
					sib.release()
				}
				s.setState(sib, sib.state.Blocked())
			}
		}

		bundle = &schedule.FiredBundle{
			Job:               job.Clone(),
			Trigger:           r.trigger.Clone(),
			Calendar:          cal,
			FireInstanceID:    r.fireInstanceID,
			FireTime:          now,
			ScheduledFireTime: scheduled,
			PreviousFireTime:  prev,
			NextFireTime:      r.trigger.Clone().NextFireTime,
			Recovering:        recovering,
		}
		return nil
	})
	return bundle, err
}

// TriggeredJobComplete implements Store
func (s *MemoryStore) TriggeredJobComplete(_ context.Context, t *schedule.Trigger, job *schedule.JobDetail, instr schedule.CompletionInstruction) error {
	return s.locked(func(n *notifications) error {
		if job != nil {
			if stored := s.jobs[job.Key]; stored != nil {
				if stored.PersistDataAfterExecution && job.PersistDataAfterExecution && !stored.Data.Equal(job.Data) {
					stored.Data = job.Data
				}
				if stored.DisallowConcurrent {
					delete(s.blockedJobs, job.Key)
					for _, sib := range s.jobTriggers(job.Key) {
						s.setState(sib, sib.state.Unblocked())
					}
					n.change(nil)
				}
			}
		}

		r := s.triggers[t.Key]
		if r == nil {
			return nil
		}
		switch instr {
		case schedule.InstructionDeleteTrigger:
			if t.NextFireTime == nil && r.trigger.NextFireTime != nil {
				// rescheduled while executing
				s.settle(r, n)
				return nil
			}
			n.finalize(r.trigger)
			s.removeTrigger(r.trigger.Key, true, n)
			n.change(nil)
		case schedule.InstructionSetTriggerComplete:
			r.release()
			r.trigger.NextFireTime = nil
			s.setState(r, schedule.StateComplete)
			n.finalize(r.trigger)
			n.change(nil)
		case schedule.InstructionSetTriggerError:
			r.release()
			r.trigger.NextFireTime = nil
			s.setState(r, schedule.StateError)
			s.opts.Logger.Warnw("Trigger set to ERROR", logger.FieldTriggerKey, r.trigger.Key.String())
			n.change(nil)
		case schedule.InstructionSetAllJobTriggersComplete:
			for _, sib := range s.jobTriggers(t.JobKey) {
				sib.release()
				sib.trigger.NextFireTime = nil
				s.setState(sib, schedule.StateComplete)
				n.finalize(sib.trigger)
			}
			n.change(nil)
		case schedule.InstructionSetAllJobTriggersError:
			for _, sib := range s.jobTriggers(t.JobKey) {
				sib.release()
				sib.trigger.NextFireTime = nil
				s.setState(sib, schedule.StateError)
			}
			n.change(nil)
		default:
			s.settle(r, n)
		}
		return nil
	})
}

// settle returns an executed trigger to its normal schedule
func (s *MemoryStore) settle(r *triggerRecord, n *notifications) {
	r.release()
	st := settledState(r.state, r.trigger, s.isBlocked(r.trigger.JobKey))
	if st == schedule.StateComplete && r.state != schedule.StateComplete {
		n.finalize(r.trigger)
	}
	s.setState(r, st)
	n.change(r.trigger.NextFireTime)
}

// StoreJobAndTrigger implements Store
func (s *MemoryStore) StoreJobAndTrigger(_ context.Context, job *schedule.JobDetail, t *schedule.Trigger) error {
	return s.locked(func(n *notifications) error {
		if _, ok := s.jobs[job.Key]; ok {
			return jobExists(job.Key)
		}
		if _, ok := s.triggers[t.Key]; ok {
			return triggerExists(t.Key)
		}
		if t.JobKey != job.Key {
			return errors.NewInvalidRequestError("trigger %s references job %s, not %s", t.Key, t.JobKey, job.Key)
		}
		if err := s.checkCalendar(t); err != nil {
			return err
		}
		s.jobs[job.Key] = job.Clone()
		return s.storeTrigger(t, n)
	})
}

// StoreJob implements Store
func (s *MemoryStore) StoreJob(_ context.Context, job *schedule.JobDetail, replace bool) error {
	return s.locked(func(*notifications) error {
		if _, ok := s.jobs[job.Key]; ok && !replace {
			return jobExists(job.Key)
		}
		s.jobs[job.Key] = job.Clone()
		return nil
	})
}

// StoreTrigger implements Store
func (s *MemoryStore) StoreTrigger(_ context.Context, t *schedule.Trigger, replace bool) error {
	return s.locked(func(n *notifications) error {
		if _, ok := s.triggers[t.Key]; ok {
			if !replace {
				return triggerExists(t.Key)
			}
		}
		if _, ok := s.jobs[t.JobKey]; !ok {
			return jobNotFound(t.JobKey)
		}
		if err := s.checkCalendar(t); err != nil {
			return err
		}
		s.removeTrigger(t.Key, false, n)
		return s.storeTrigger(t, n)
	})
}

func (s *MemoryStore) checkCalendar(t *schedule.Trigger) error {
	if t.CalendarName == "" {
		return nil
	}
	if _, ok := s.calendars[t.CalendarName]; !ok {
		return calendarNotFound(t.CalendarName)
	}
	return nil
}

// storeTrigger inserts a trigger whose job and calendar are known to exist
func (s *MemoryStore) storeTrigger(t *schedule.Trigger, n *notifications) error {
	c := t.Clone()
	if c.NextFireTime == nil && c.TimesTriggered == 0 {
		c.ComputeFirstFireTime(s.calendarFor(c))
	}
	r := &triggerRecord{trigger: c}

	st := initialState(c, s.isGroupPaused(c), s.isBlocked(c.JobKey))
	if st == schedule.StateComplete {
		n.finalize(c)
	}

	s.triggers[c.Key] = r
	if s.triggersByJob[c.JobKey] == nil {
		s.triggersByJob[c.JobKey] = make(map[schedule.TriggerKey]struct{})
	}
	s.triggersByJob[c.JobKey][c.Key] = struct{}{}
	s.setState(r, st)
	n.change(c.NextFireTime)
	return nil
}

func (s *MemoryStore) isGroupPaused(t *schedule.Trigger) bool {
	if _, ok := s.pausedTriggers[t.Key.Group]; ok {
		return true
	}
	_, ok := s.pausedJobs[t.JobKey.Group]
	return ok
}

func (s *MemoryStore) isBlocked(key schedule.JobKey) bool {
	_, ok := s.blockedJobs[key]
	return ok
}

// removeTrigger drops a trigger; with orphans, a non-durable job left
// without triggers goes too.
func (s *MemoryStore) removeTrigger(key schedule.TriggerKey, orphans bool, n *notifications) bool {
	r, ok := s.triggers[key]
	if !ok {
		return false
	}
	if r.indexed != nil {
		s.index.remove(*r.indexed)
	}
	delete(s.triggers, key)
	jobKey := r.trigger.JobKey
	delete(s.triggersByJob[jobKey], key)
	if len(s.triggersByJob[jobKey]) == 0 {
		delete(s.triggersByJob, jobKey)
		if job := s.jobs[jobKey]; orphans && job != nil && !job.Durable {
			delete(s.jobs, jobKey)
			delete(s.blockedJobs, jobKey)
			n.jobDeleted(jobKey)
		}
	}
	return true
}

// RemoveJob implements Store
func (s *MemoryStore) RemoveJob(_ context.Context, key schedule.JobKey) (bool, error) {
	var found bool
	err := s.locked(func(n *notifications) error {
		for _, r := range s.jobTriggers(key) {
			s.removeTrigger(r.trigger.Key, false, n)
		}
		if _, found = s.jobs[key]; found {
			delete(s.jobs, key)
			delete(s.blockedJobs, key)
			n.change(nil)
		}
		return nil
	})
	return found, err
}

// RemoveTrigger implements Store
func (s *MemoryStore) RemoveTrigger(_ context.Context, key schedule.TriggerKey) (bool, error) {
	var found bool
	err := s.locked(func(n *notifications) error {
		if found = s.removeTrigger(key, true, n); found {
			n.change(nil)
		}
		return nil
	})
	return found, err
}

// ReplaceTrigger implements Store. The new trigger must belong to the same job.
func (s *MemoryStore) ReplaceTrigger(_ context.Context, key schedule.TriggerKey, t *schedule.Trigger) (bool, error) {
	var found bool
	err := s.locked(func(n *notifications) error {
		old, ok := s.triggers[key]
		if !ok {
			return nil
		}
		if old.trigger.JobKey != t.JobKey {
			return errors.NewInvalidRequestError("replacement for trigger %s references job %s, not %s",
				key, t.JobKey, old.trigger.JobKey)
		}
		if err := s.checkCalendar(t); err != nil {
			return err
		}
		found = true
		s.removeTrigger(key, false, n)
		return s.storeTrigger(t, n)
	})
	return found, err
}

// RetrieveJob implements Store
func (s *MemoryStore) RetrieveJob(_ context.Context, key schedule.JobKey) (*schedule.JobDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok {
		return nil, jobNotFound(key)
	}
	return job.Clone(), nil
}

// RetrieveTrigger implements Store
func (s *MemoryStore) RetrieveTrigger(_ context.Context, key schedule.TriggerKey) (*schedule.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.triggers[key]
	if !ok {
		return nil, triggerNotFound(key)
	}
	return r.trigger.Clone(), nil
}

// CheckJobExists implements Store
func (s *MemoryStore) CheckJobExists(_ context.Context, key schedule.JobKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok, nil
}

// CheckTriggerExists implements Store
func (s *MemoryStore) CheckTriggerExists(_ context.Context, key schedule.TriggerKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[key]
	return ok, nil
}

// TriggersForJob implements Store
func (s *MemoryStore) TriggersForJob(_ context.Context, key schedule.JobKey) ([]*schedule.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schedule.Trigger
	for _, r := range s.jobTriggers(key) {
		out = append(out, r.trigger.Clone())
	}
	return out, nil
}

// JobKeys implements Store
func (s *MemoryStore) JobKeys(_ context.Context, m schedule.GroupMatcher) ([]schedule.JobKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.JobKey
	for k := range s.jobs {
		if m.Matches(k.Group) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// TriggerKeys implements Store
func (s *MemoryStore) TriggerKeys(_ context.Context, m schedule.GroupMatcher) ([]schedule.TriggerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.TriggerKey
	for k := range s.triggers {
		if m.Matches(k.Group) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// JobGroupNames implements Store
func (s *MemoryStore) JobGroupNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make(map[string]struct{})
	for k := range s.jobs {
		groups[k.Group] = struct{}{}
	}
	return sortedSet(groups), nil
}

// TriggerGroupNames implements Store
func (s *MemoryStore) TriggerGroupNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerGroups(schedule.MatchAnyGroup()), nil
}

func (s *MemoryStore) triggerGroups(m schedule.GroupMatcher) []string {
	groups := make(map[string]struct{})
	for k := range s.triggers {
		if m.Matches(k.Group) {
			groups[k.Group] = struct{}{}
		}
	}
	return sortedSet(groups)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TriggerState implements Store. Unknown triggers report StateNone.
func (s *MemoryStore) TriggerState(_ context.Context, key schedule.TriggerKey) (schedule.TriggerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.triggers[key]
	if !ok {
		return schedule.StateNone, nil
	}
	return r.state, nil
}

// ClearAllSchedulingData implements Store
func (s *MemoryStore) ClearAllSchedulingData(context.Context) error {
	return s.locked(func(n *notifications) error {
		s.reset()
		n.change(nil)
		return nil
	})
}

// pauseTrigger must be called with the mutex held
func (s *MemoryStore) pauseTrigger(r *triggerRecord) {
	st := r.state.Paused()
	if r.state == schedule.StateAcquired {
		r.release()
	}
	s.setState(r, st)
}

// resumeTrigger must be called with the mutex held
func (s *MemoryStore) resumeTrigger(r *triggerRecord, n *notifications) {
	if !r.state.IsPaused() {
		return
	}
	st := resumedState(r.state, r.trigger, s.isBlocked(r.trigger.JobKey), s.opts.now(),
		s.opts.MisfireThreshold, s.calendarFor(r.trigger), n)
	s.setState(r, st)
	n.change(r.trigger.NextFireTime)
}

// PauseTrigger implements Store
func (s *MemoryStore) PauseTrigger(_ context.Context, key schedule.TriggerKey) error {
	return s.locked(func(*notifications) error {
		if r, ok := s.triggers[key]; ok {
			s.pauseTrigger(r)
		}
		return nil
	})
}

// PauseTriggers implements Store. An exact group is remembered as paused
// even when it holds no triggers yet.
func (s *MemoryStore) PauseTriggers(_ context.Context, m schedule.GroupMatcher) ([]string, error) {
	var groups []string
	err := s.locked(func(*notifications) error {
		groups = s.pauseTriggerGroups(m)
		return nil
	})
	return groups, err
}

func (s *MemoryStore) pauseTriggerGroups(m schedule.GroupMatcher) []string {
	set := make(map[string]struct{})
	for _, g := range s.triggerGroups(m) {
		set[g] = struct{}{}
	}
	if m.IsExact() {
		set[m.Value] = struct{}{}
	}
	for g := range set {
		s.pausedTriggers[g] = struct{}{}
	}
	for _, r := range s.triggers {
		if _, ok := set[r.trigger.Key.Group]; ok {
			s.pauseTrigger(r)
		}
	}
	return sortedSet(set)
}

// PauseJob implements Store
func (s *MemoryStore) PauseJob(_ context.Context, key schedule.JobKey) error {
	return s.locked(func(*notifications) error {
		for _, r := range s.jobTriggers(key) {
			s.pauseTrigger(r)
		}
		return nil
	})
}

// PauseJobs implements Store
func (s *MemoryStore) PauseJobs(_ context.Context, m schedule.GroupMatcher) ([]string, error) {
	var groups []string
	err := s.locked(func(*notifications) error {
		set := make(map[string]struct{})
		for k := range s.jobs {
			if m.Matches(k.Group) {
				set[k.Group] = struct{}{}
			}
		}
		if m.IsExact() {
			set[m.Value] = struct{}{}
		}
		for g := range set {
			s.pausedJobs[g] = struct{}{}
		}
		for k := range s.jobs {
			if _, ok := set[k.Group]; ok {
				for _, r := range s.jobTriggers(k) {
					s.pauseTrigger(r)
				}
			}
		}
		groups = sortedSet(set)
		return nil
	})
	return groups, err
}

// ResumeTrigger implements Store
func (s *MemoryStore) ResumeTrigger(_ context.Context, key schedule.TriggerKey) error {
	return s.locked(func(n *notifications) error {
		if r, ok := s.triggers[key]; ok {
			s.resumeTrigger(r, n)
		}
		return nil
	})
}

// ResumeTriggers implements Store
func (s *MemoryStore) ResumeTriggers(_ context.Context, m schedule.GroupMatcher) ([]string, error) {
	var groups []string
	err := s.locked(func(n *notifications) error {
		groups = s.resumeTriggerGroups(m, n)
		return nil
	})
	return groups, err
}

func (s *MemoryStore) resumeTriggerGroups(m schedule.GroupMatcher, n *notifications) []string {
	set := make(map[string]struct{})
	for _, g := range s.triggerGroups(m) {
		set[g] = struct{}{}
	}
	for g := range s.pausedTriggers {
		if m.Matches(g) {
			set[g] = struct{}{}
			delete(s.pausedTriggers, g)
		}
	}
	for _, r := range s.triggers {
		if _, ok := set[r.trigger.Key.Group]; ok {
			s.resumeTrigger(r, n)
		}
	}
	return sortedSet(set)
}

// ResumeJob implements Store
func (s *MemoryStore) ResumeJob(_ context.Context, key schedule.JobKey) error {
	return s.locked(func(n *notifications) error {
		for _, r := range s.jobTriggers(key) {
			s.resumeTrigger(r, n)
		}
		return nil
	})
}

// ResumeJobs implements Store
func (s *MemoryStore) ResumeJobs(_ context.Context, m schedule.GroupMatcher) ([]string, error) {
	var groups []string
	err := s.locked(func(n *notifications) error {
		set := make(map[string]struct{})
		for g := range s.pausedJobs {
			if m.Matches(g) {
				set[g] = struct{}{}
				delete(s.pausedJobs, g)
			}
		}
		for k := range s.jobs {
			if m.Matches(k.Group) {
				set[k.Group] = struct{}{}
				for _, r := range s.jobTriggers(k) {
					s.resumeTrigger(r, n)
				}
			}
		}
		groups = sortedSet(set)
		return nil
	})
	return groups, err
}

// PauseAll implements Store
func (s *MemoryStore) PauseAll(context.Context) error {
	return s.locked(func(*notifications) error {
		s.pauseTriggerGroups(schedule.MatchAnyGroup())
		return nil
	})
}

// ResumeAll implements Store
func (s *MemoryStore) ResumeAll(context.Context) error {
	return s.locked(func(n *notifications) error {
		s.resumeTriggerGroups(schedule.MatchAnyGroup(), n)
		s.pausedJobs = make(map[string]struct{})
		return nil
	})
}

// PausedTriggerGroups implements Store
func (s *MemoryStore) PausedTriggerGroups(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedSet(s.pausedTriggers), nil
}

// StoreCalendar implements Store. With updateTriggers, triggers using the
// calendar have their next fire time recomputed against it.
func (s *MemoryStore) StoreCalendar(_ context.Context, name string, cal schedule.Calendar, replace, updateTriggers bool) error {
	c, err := copyCalendar(cal)
	if err != nil {
		return err
	}
	return s.locked(func(n *notifications) error {
		if _, ok := s.calendars[name]; ok && !replace {
			return errors.Wrapf(ErrObjectAlreadyExists, "calendar %q", name)
		}
		s.calendars[name] = c
		if !updateTriggers {
			return nil
		}
		now := s.opts.now()
		for _, r := range s.triggers {
			if r.trigger.CalendarName != name {
				continue
			}
			r.trigger.UpdateWithNewCalendar(c, now, s.opts.MisfireThreshold)
			if r.trigger.NextFireTime == nil && !r.state.IsTerminal() && !r.state.IsHeld() {
				r.state = schedule.StateComplete
				n.finalize(r.trigger)
			}
			s.reindex(r)
		}
		n.change(nil)
		return nil
	})
}

// copyCalendar round-trips cal through its encoding so the store never
// shares a calendar the caller may still mutate.
func copyCalendar(cal schedule.Calendar) (schedule.Calendar, error) {
	data, err := schedule.EncodeCalendar(cal)
	if err != nil {
		return nil, err
	}
	return schedule.DecodeCalendar(data)
}

// RemoveCalendar implements Store
func (s *MemoryStore) RemoveCalendar(_ context.Context, name string) (bool, error) {
	var found bool
	err := s.locked(func(*notifications) error {
		if _, found = s.calendars[name]; !found {
			return nil
		}
		for _, r := range s.triggers {
			if r.trigger.CalendarName == name {
				found = false
				return errors.Wrapf(ErrCalendarInUse, "calendar %q is used by trigger %s", name, r.trigger.Key)
			}
		}
		delete(s.calendars, name)
		return nil
	})
	return found, err
}

// RetrieveCalendar implements Store
func (s *MemoryStore) RetrieveCalendar(_ context.Context, name string) (schedule.Calendar, error) {
	s.mu.Lock()
	cal, ok := s.calendars[name]
	s.mu.Unlock()
	if !ok {
		return nil, calendarNotFound(name)
	}
	return copyCalendar(cal)
}

// CalendarNames implements Store
func (s *MemoryStore) CalendarNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(s.calendars))
	for name := range s.calendars {
		set[name] = struct{}{}
	}
	return sortedSet(set), nil
}

// Counts implements Store
func (s *MemoryStore) Counts(context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{
		Jobs:      len(s.jobs),
		Triggers:  len(s.triggers),
		Calendars: len(s.calendars),
		States:    make(map[schedule.TriggerState]int),
	}
	for _, r := range s.triggers {
		c.States[r.state]++
	}
	return c, nil
}
