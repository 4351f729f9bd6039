package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/jobstore"
	"github.com/teranos/tempo/pulse/schedule"
)

// ManualTriggerGroup holds the one-shot triggers created by TriggerJob
const ManualTriggerGroup = "MANUAL_TRIGGER"

// validateJob rejects jobs that are malformed or name an unknown handler
func (s *Scheduler) validateJob(job *schedule.JobDetail) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if _, err := s.handlers.Resolve(job.HandlerName); err != nil {
		return errors.Mark(errors.Wrapf(err, "job %s", job.Key), schedule.ErrInvalidSchedule)
	}
	return nil
}

// prepareTrigger validates t and computes its first fire time against its
// calendar. A nil time means t will never fire; it is still stored and
// settles as COMPLETE.
func (s *Scheduler) prepareTrigger(ctx context.Context, t *schedule.Trigger) (*time.Time, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.Normalize()

	var cal schedule.Calendar
	if t.CalendarName != "" {
		var err error
		cal, err = s.store.RetrieveCalendar(ctx, t.CalendarName)
		if err != nil {
			if errors.Is(err, jobstore.ErrCalendarNotFound) {
				return nil, errors.Mark(errors.Wrapf(err, "trigger %s", t.Key), schedule.ErrInvalidSchedule)
			}
			return nil, err
		}
	}

	first := t.ComputeFirstFireTime(cal)
	if first == nil {
		s.log.Warnw("Trigger will never fire",
			logger.FieldTriggerKey, t.Key.String(),
			"rule", t.Rule.String())
	}
	return first, nil
}

func (s *Scheduler) notifyScheduled(t *schedule.Trigger) {
	s.listeners.eachScheduler(func(l SchedulerListener) { l.JobScheduled(t) })
}

func (s *Scheduler) notifyUnscheduled(key schedule.TriggerKey) {
	s.listeners.eachScheduler(func(l SchedulerListener) { l.JobUnscheduled(key) })
}

// ScheduleJob stores job and a trigger for it, returning the first fire
// time (nil if the trigger can never fire). A trigger without a job key is
// bound to job.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *schedule.JobDetail, t *schedule.Trigger) (*time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validateJob(job); err != nil {
		return nil, err
	}
	if t != nil && t.JobKey.IsZero() {
		t.JobKey = job.Key
	}
	if t != nil && t.JobKey != job.Key {
		return nil, errors.Mark(
			errors.Newf("trigger %s references job %s, not %s", t.Key, t.JobKey, job.Key),
			schedule.ErrInvalidSchedule)
	}
	first, err := s.prepareTrigger(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := s.store.StoreJobAndTrigger(ctx, job, t); err != nil {
		return nil, errors.Wrapf(err, "failed to schedule job %s", job.Key)
	}

	s.log.Infow("Job scheduled",
		logger.FieldJobKey, job.Key.String(),
		logger.FieldTriggerKey, t.Key.String(),
		logger.FieldNextFireTime, formatTime(first))
	s.listeners.eachScheduler(func(l SchedulerListener) { l.JobAdded(job) })
	s.notifyScheduled(t)
	return first, nil
}

// ScheduleTrigger stores a trigger for an existing job
func (s *Scheduler) ScheduleTrigger(ctx context.Context, t *schedule.Trigger) (*time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	first, err := s.prepareTrigger(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := s.store.StoreTrigger(ctx, t, false); err != nil {
		return nil, errors.Wrapf(err, "failed to schedule trigger %s", t.Key)
	}

	s.log.Infow("Trigger scheduled",
		logger.FieldJobKey, t.JobKey.String(),
		logger.FieldTriggerKey, t.Key.String(),
		logger.FieldNextFireTime, formatTime(first))
	s.notifyScheduled(t)
	return first, nil
}

// AddJob stores a job without triggers. It must be durable unless it
// replaces an existing job.
func (s *Scheduler) AddJob(ctx context.Context, job *schedule.JobDetail, replace bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.validateJob(job); err != nil {
		return err
	}
	if !job.Durable && !replace {
		return errors.WithHint(
			errors.Mark(errors.Newf("job %s is not durable and has no trigger", job.Key), schedule.ErrInvalidSchedule),
			"mark the job durable, or schedule it together with a trigger")
	}
	if err := s.store.StoreJob(ctx, job, replace); err != nil {
		return errors.Wrapf(err, "failed to add job %s", job.Key)
	}
	s.log.Infow("Job added", logger.FieldJobKey, job.Key.String(), "replace", replace)
	s.listeners.eachScheduler(func(l SchedulerListener) { l.JobAdded(job) })
	return nil
}

// DeleteJob removes a job and all its triggers. It reports whether the job existed.
func (s *Scheduler) DeleteJob(ctx context.Context, key schedule.JobKey) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	triggers, err := s.store.TriggersForJob(ctx, key)
	if err != nil {
		return false, err
	}
	removed, err := s.store.RemoveJob(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete job %s", key)
	}
	if !removed {
		return false, nil
	}
	for _, t := range triggers {
		s.notifyUnscheduled(t.Key)
	}
	s.log.Infow("Job deleted", logger.FieldJobKey, key.String(), logger.FieldCount, len(triggers))
	s.listeners.eachScheduler(func(l SchedulerListener) { l.JobDeleted(key) })
	return true, nil
}

// UnscheduleJob removes a trigger. A non-durable job left without triggers
// is removed too. It reports whether the trigger existed.
func (s *Scheduler) UnscheduleJob(ctx context.Context, key schedule.TriggerKey) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	removed, err := s.store.RemoveTrigger(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "failed to unschedule trigger %s", key)
	}
	if removed {
		s.log.Infow("Trigger unscheduled", logger.FieldTriggerKey, key.String())
		s.notifyUnscheduled(key)
	}
	return removed, nil
}

// RescheduleJob replaces the trigger stored under key with t, bound to the
// same job. It returns t's first fire time, or nil when key did not exist
// or t can never fire.
func (s *Scheduler) RescheduleJob(ctx context.Context, key schedule.TriggerKey, t *schedule.Trigger) (*time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	old, err := s.store.RetrieveTrigger(ctx, key)
	if err != nil {
		if errors.Is(err, jobstore.ErrTriggerNotFound) {
			return nil, nil
		}
		return nil, err
	}
	t.JobKey = old.JobKey

	first, err := s.prepareTrigger(ctx, t)
	if err != nil {
		return nil, err
	}
	replaced, err := s.store.ReplaceTrigger(ctx, key, t)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reschedule trigger %s", key)
	}
	if !replaced {
		return nil, nil
	}

	s.log.Infow("Trigger rescheduled",
		logger.FieldTriggerKey, key.String(),
		"new_trigger_key", t.Key.String(),
		logger.FieldNextFireTime, formatTime(first))
	s.notifyUnscheduled(key)
	s.notifyScheduled(t)
	return first, nil
}

// TriggerJob fires a stored job now through a one-shot trigger in the
// MANUAL_TRIGGER group. data is layered over the job's own data.
func (s *Scheduler) TriggerJob(ctx context.Context, key schedule.JobKey, data schedule.JobDataMap) (*schedule.Trigger, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	t := schedule.NewTrigger(uuid.NewString(), ManualTriggerGroup, key, schedule.Once())
	t.Description = "manual fire"
	t.Data = data
	t.Normalize()
	if err := s.store.StoreTrigger(ctx, t, false); err != nil {
		return nil, errors.Wrapf(err, "failed to trigger job %s", key)
	}
	s.pulseLog.Infow("Job triggered manually", logger.FieldJobKey, key.String(), logger.FieldTriggerKey, t.Key.String())
	s.notifyScheduled(t)
	return t, nil
}

// PauseTrigger stops a trigger from firing until resumed
func (s *Scheduler) PauseTrigger(ctx context.Context, key schedule.TriggerKey) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.store.PauseTrigger(ctx, key)
}

// ResumeTrigger resumes a paused trigger, applying its misfire policy if
// it fell behind while paused
func (s *Scheduler) ResumeTrigger(ctx context.Context, key schedule.TriggerKey) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.store.ResumeTrigger(ctx, key)
}

// PauseTriggerGroup pauses every trigger in the matched groups, including
// ones added to an exact group later. It returns the groups paused.
func (s *Scheduler) PauseTriggerGroup(ctx context.Context, m schedule.GroupMatcher) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.PauseTriggers(ctx, m)
}

// ResumeTriggerGroup resumes the matched trigger groups
func (s *Scheduler) ResumeTriggerGroup(ctx context.Context, m schedule.GroupMatcher) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.ResumeTriggers(ctx, m)
}

// PauseJob pauses every trigger of a job
func (s *Scheduler) PauseJob(ctx context.Context, key schedule.JobKey) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.store.PauseJob(ctx, key)
}

// ResumeJob resumes every trigger of a job
func (s *Scheduler) ResumeJob(ctx context.Context, key schedule.JobKey) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.store.ResumeJob(ctx, key)
}

// PauseJobGroup pauses the triggers of every job in the matched groups
func (s *Scheduler) PauseJobGroup(ctx context.Context, m schedule.GroupMatcher) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.PauseJobs(ctx, m)
}

// ResumeJobGroup resumes the triggers of every job in the matched groups
func (s *Scheduler) ResumeJobGroup(ctx context.Context, m schedule.GroupMatcher) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.ResumeJobs(ctx, m)
}

// PauseAll pauses every trigger group, including groups created later
func (s *Scheduler) PauseAll(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.PauseAll(ctx); err != nil {
		return err
	}
	s.log.Infow("All triggers paused")
	return nil
}

// ResumeAll undoes PauseAll and every individual pause
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.ResumeAll(ctx); err != nil {
		return err
	}
	s.log.Infow("All triggers resumed")
	return nil
}

// PausedTriggerGroups lists the paused trigger groups
func (s *Scheduler) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.store.PausedTriggerGroups(ctx)
}

// GetJobDetail returns a stored job; ErrJobNotFound when missing
func (s *Scheduler) GetJobDetail(ctx context.Context, key schedule.JobKey) (*schedule.JobDetail, error) {
	return s.store.RetrieveJob(ctx, key)
}

// GetTrigger returns a stored trigger; ErrTriggerNotFound when missing
func (s *Scheduler) GetTrigger(ctx context.Context, key schedule.TriggerKey) (*schedule.Trigger, error) {
	return s.store.RetrieveTrigger(ctx, key)
}

// GetTriggersOfJob returns every trigger of a job
func (s *Scheduler) GetTriggersOfJob(ctx context.Context, key schedule.JobKey) ([]*schedule.Trigger, error) {
	return s.store.TriggersForJob(ctx, key)
}

// GetTriggerState returns a trigger's state, StateNone when it does not exist
func (s *Scheduler) GetTriggerState(ctx context.Context, key schedule.TriggerKey) (schedule.TriggerState, error) {
	return s.store.TriggerState(ctx, key)
}

// CheckJobExists reports whether a job is stored under key
func (s *Scheduler) CheckJobExists(ctx context.Context, key schedule.JobKey) (bool, error) {
	return s.store.CheckJobExists(ctx, key)
}

// CheckTriggerExists reports whether a trigger is stored under key
func (s *Scheduler) CheckTriggerExists(ctx context.Context, key schedule.TriggerKey) (bool, error) {
	return s.store.CheckTriggerExists(ctx, key)
}

// JobKeys lists the jobs in the matched groups
func (s *Scheduler) JobKeys(ctx context.Context, m schedule.GroupMatcher) ([]schedule.JobKey, error) {
	return s.store.JobKeys(ctx, m)
}

// TriggerKeys lists the triggers in the matched groups
func (s *Scheduler) TriggerKeys(ctx context.Context, m schedule.GroupMatcher) ([]schedule.TriggerKey, error) {
	return s.store.TriggerKeys(ctx, m)
}

// JobGroupNames lists job groups
func (s *Scheduler) JobGroupNames(ctx context.Context) ([]string, error) {
	return s.store.JobGroupNames(ctx)
}

// TriggerGroupNames lists trigger groups
func (s *Scheduler) TriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.store.TriggerGroupNames(ctx)
}

// AddCalendar stores a calendar. With updateTriggers, triggers already
// using name are recomputed against the new calendar.
func (s *Scheduler) AddCalendar(ctx context.Context, name string, cal schedule.Calendar, replace, updateTriggers bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if name == "" || cal == nil {
		return errors.Mark(errors.New("calendar needs a name and a value"), schedule.ErrInvalidSchedule)
	}
	if err := s.store.StoreCalendar(ctx, name, cal, replace, updateTriggers); err != nil {
		return errors.Wrapf(err, "failed to add calendar %q", name)
	}
	s.log.Infow("Calendar added", logger.FieldCalendar, name, "update_triggers", updateTriggers)
	return nil
}

// DeleteCalendar removes a calendar no trigger references
func (s *Scheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.store.RemoveCalendar(ctx, name)
}

// GetCalendar returns a stored calendar; ErrCalendarNotFound when missing
func (s *Scheduler) GetCalendar(ctx context.Context, name string) (schedule.Calendar, error) {
	return s.store.RetrieveCalendar(ctx, name)
}

// CalendarNames lists stored calendars
func (s *Scheduler) CalendarNames(ctx context.Context) ([]string, error) {
	return s.store.CalendarNames(ctx)
}

// Clear removes every job, trigger and calendar
func (s *Scheduler) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.ClearAllSchedulingData(ctx); err != nil {
		return errors.Wrap(err, "failed to clear scheduling data")
	}
	s.log.Warnw("All scheduling data cleared")
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
