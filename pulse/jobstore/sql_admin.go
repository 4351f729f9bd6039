package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/schedule"
)

func (s *SQLStore) jobExists(ctx context.Context, q querier, key schedule.JobKey) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_jobs
		WHERE sched_name = ? AND job_group = ? AND job_name = ?`,
		s.opts.SchedulerName, key.Group, key.Name).Scan(&n)
	return n > 0, persistence(err, "check job")
}

func (s *SQLStore) triggerExists(ctx context.Context, q querier, key schedule.TriggerKey) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_triggers
		WHERE sched_name = ? AND trigger_group = ? AND trigger_name = ?`,
		s.opts.SchedulerName, key.Group, key.Name).Scan(&n)
	return n > 0, persistence(err, "check trigger")
}

// upsertJob stores job without disturbing its triggers. INSERT OR REPLACE
// would delete the row and cascade to them.
func (s *SQLStore) upsertJob(ctx context.Context, q querier, job *schedule.JobDetail) error {
	data, err := json.Marshal(job.Data)
	if err != nil {
		return errors.Wrap(err, "failed to encode job data")
	}
	_, err = q.ExecContext(ctx, `INSERT INTO pulse_jobs (sched_name, `+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sched_name, job_group, job_name) DO UPDATE SET
			description = excluded.description,
			handler_name = excluded.handler_name,
			is_durable = excluded.is_durable,
			is_nonconcurrent = excluded.is_nonconcurrent,
			is_update_data = excluded.is_update_data,
			requests_recovery = excluded.requests_recovery,
			job_data = excluded.job_data`,
		s.opts.SchedulerName, job.Key.Name, job.Key.Group, job.Description, job.HandlerName,
		job.Durable, job.DisallowConcurrent, job.PersistDataAfterExecution, job.RequestsRecovery, string(data))
	return persistence(err, "store job")
}

func (s *SQLStore) updateJobData(ctx context.Context, q querier, key schedule.JobKey, m schedule.JobDataMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to encode job data")
	}
	_, err = q.ExecContext(ctx, `UPDATE pulse_jobs SET job_data = ?
		WHERE sched_name = ? AND job_group = ? AND job_name = ?`,
		string(data), s.opts.SchedulerName, key.Group, key.Name)
	return persistence(err, "update job data")
}

// storeTrigger inserts t, whose job is known to exist, replacing any
// trigger with the same key.
func (s *SQLStore) storeTrigger(ctx context.Context, q querier, t *schedule.Trigger, n *notifications) error {
	c := t.Clone()
	var cal schedule.Calendar
	if c.CalendarName != "" {
		var err error
		if cal, err = s.loadCalendar(ctx, q, c.CalendarName); err != nil {
			return err
		}
		if cal == nil {
			return calendarNotFound(c.CalendarName)
		}
	}
	if c.NextFireTime == nil && c.TimesTriggered == 0 {
		c.ComputeFirstFireTime(cal)
	}

	paused, err := s.groupPaused(ctx, q, c)
	if err != nil {
		return err
	}
	blocked, err := s.jobBlocked(ctx, q, c.JobKey, c.Key)
	if err != nil {
		return err
	}
	r := &triggerRow{trigger: c, state: initialState(c, paused, blocked)}
	if r.state == schedule.StateComplete {
		n.finalize(c)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM pulse_triggers
		WHERE sched_name = ? AND trigger_group = ? AND trigger_name = ?`,
		s.opts.SchedulerName, c.Key.Group, c.Key.Name); err != nil {
		return persistence(err, "replace trigger")
	}
	if err := s.insertTrigger(ctx, q, r); err != nil {
		return err
	}
	n.change(c.NextFireTime)
	return nil
}

// deleteTrigger removes a trigger; with orphans, a non-durable job left
// without triggers goes too.
func (s *SQLStore) deleteTrigger(ctx context.Context, q querier, key schedule.TriggerKey, orphans bool, n *notifications) (bool, error) {
	r, err := s.loadTrigger(ctx, q, key)
	if err != nil || r == nil {
		return false, err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM pulse_triggers
		WHERE sched_name = ? AND trigger_group = ? AND trigger_name = ?`,
		s.opts.SchedulerName, key.Group, key.Name); err != nil {
		return false, persistence(err, "delete trigger")
	}
	if !orphans {
		return true, nil
	}

	job, err := s.loadJob(ctx, q, r.trigger.JobKey)
	if err != nil || job == nil || job.Durable {
		return true, err
	}
	remaining, err := s.jobTriggers(ctx, q, job.Key)
	if err != nil {
		return true, err
	}
	if len(remaining) == 0 {
		if _, err := q.ExecContext(ctx, `DELETE FROM pulse_jobs
			WHERE sched_name = ? AND job_group = ? AND job_name = ?`,
			s.opts.SchedulerName, job.Key.Group, job.Key.Name); err != nil {
			return true, persistence(err, "delete orphaned job")
		}
		n.jobDeleted(job.Key)
	}
	return true, nil
}

// heldElsewhere rejects removal of a trigger another live instance is firing
func (s *SQLStore) heldElsewhere(r *triggerRow) error {
	if r.holder != "" && r.holder != s.opts.InstanceID {
		return errors.Wrapf(ErrTriggerInUse, "trigger %s is held by %s", r.trigger.Key, r.holder)
	}
	return nil
}

// StoreJobAndTrigger implements Store
func (s *SQLStore) StoreJobAndTrigger(ctx context.Context, job *schedule.JobDetail, t *schedule.Trigger) error {
	if t.JobKey != job.Key {
		return errors.NewInvalidRequestError("trigger %s references job %s, not %s", t.Key, t.JobKey, job.Key)
	}
	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		if ok, err := s.jobExists(ctx, q, job.Key); err != nil || ok {
			if ok {
				return jobExists(job.Key)
			}
			return err
		}
		if ok, err := s.triggerExists(ctx, q, t.Key); err != nil || ok {
			if ok {
				return triggerExists(t.Key)
			}
			return err
		}
		if err := s.upsertJob(ctx, q, job); err != nil {
			return err
		}
		return s.storeTrigger(ctx, q, t, n)
	})
}

// StoreJob implements Store
func (s *SQLStore) StoreJob(ctx context.Context, job *schedule.JobDetail, replace bool) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		ok, err := s.jobExists(ctx, q, job.Key)
		if err != nil {
			return err
		}
		if ok && !replace {
			return jobExists(job.Key)
		}
		return s.upsertJob(ctx, q, job)
	})
}

// StoreTrigger implements Store
func (s *SQLStore) StoreTrigger(ctx context.Context, t *schedule.Trigger, replace bool) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		ok, err := s.triggerExists(ctx, q, t.Key)
		if err != nil {
			return err
		}
		if ok && !replace {
			return triggerExists(t.Key)
		}
		if ok, err := s.jobExists(ctx, q, t.JobKey); err != nil || !ok {
			if err == nil {
				err = jobNotFound(t.JobKey)
			}
			return err
		}
		return s.storeTrigger(ctx, q, t, n)
	})
}

// RemoveJob implements Store
func (s *SQLStore) RemoveJob(ctx context.Context, key schedule.JobKey) (bool, error) {
	var found bool
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		triggers, err := s.jobTriggers(ctx, q, key)
		if err != nil {
			return err
		}
		for _, r := range triggers {
			if err := s.heldElsewhere(r); err != nil {
				return err
			}
		}
		res, err := q.ExecContext(ctx, `DELETE FROM pulse_jobs
			WHERE sched_name = ? AND job_group = ? AND job_name = ?`,
			s.opts.SchedulerName, key.Group, key.Name)
		if err != nil {
			return persistence(err, "delete job")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return persistence(err, "delete job")
		}
		found = affected > 0
		if found {
			n.change(nil)
		}
		return nil
	})
	return found, err
}

// RemoveTrigger implements Store
func (s *SQLStore) RemoveTrigger(ctx context.Context, key schedule.TriggerKey) (bool, error) {
	var found bool
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		r, err := s.loadTrigger(ctx, q, key)
		if err != nil || r == nil {
			return err
		}
		if err := s.heldElsewhere(r); err != nil {
			return err
		}
		if found, err = s.deleteTrigger(ctx, q, key, true, n); found {
			n.change(nil)
		}
		return err
	})
	return found, err
}

// ReplaceTrigger implements Store. The new trigger must belong to the same job.
func (s *SQLStore) ReplaceTrigger(ctx context.Context, key schedule.TriggerKey, t *schedule.Trigger) (bool, error) {
	var found bool
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		old, err := s.loadTrigger(ctx, q, key)
		if err != nil || old == nil {
			return err
		}
		if old.trigger.JobKey != t.JobKey {
			return errors.NewInvalidRequestError("replacement for trigger %s references job %s, not %s",
				key, t.JobKey, old.trigger.JobKey)
		}
		if err := s.heldElsewhere(old); err != nil {
			return err
		}
		if _, err := s.deleteTrigger(ctx, q, key, false, n); err != nil {
			return err
		}
		found = true
		return s.storeTrigger(ctx, q, t, n)
	})
	return found, err
}

// RetrieveJob implements Store
func (s *SQLStore) RetrieveJob(ctx context.Context, key schedule.JobKey) (*schedule.JobDetail, error) {
	job, err := s.loadJob(ctx, s.db, key)
	if err == nil && job == nil {
		err = jobNotFound(key)
	}
	return job, err
}

// RetrieveTrigger implements Store
func (s *SQLStore) RetrieveTrigger(ctx context.Context, key schedule.TriggerKey) (*schedule.Trigger, error) {
	r, err := s.loadTrigger(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, triggerNotFound(key)
	}
	return r.trigger, nil
}

// CheckJobExists implements Store
func (s *SQLStore) CheckJobExists(ctx context.Context, key schedule.JobKey) (bool, error) {
	return s.jobExists(ctx, s.db, key)
}

// CheckTriggerExists implements Store
func (s *SQLStore) CheckTriggerExists(ctx context.Context, key schedule.TriggerKey) (bool, error) {
	return s.triggerExists(ctx, s.db, key)
}

// TriggersForJob implements Store
func (s *SQLStore) TriggersForJob(ctx context.Context, key schedule.JobKey) ([]*schedule.Trigger, error) {
	rows, err := s.jobTriggers(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	out := make([]*schedule.Trigger, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.trigger)
	}
	return out, nil
}

func (s *SQLStore) keyPairs(ctx context.Context, query string) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, query, s.opts.SchedulerName)
	if err != nil {
		return nil, persistence(err, "list keys")
	}
	defer rows.Close()
	var out [][2]string
	for rows.Next() {
		var group, name string
		if err := rows.Scan(&group, &name); err != nil {
			return nil, persistence(err, "scan keys")
		}
		out = append(out, [2]string{group, name})
	}
	return out, persistence(rows.Err(), "list keys")
}

// JobKeys implements Store
func (s *SQLStore) JobKeys(ctx context.Context, m schedule.GroupMatcher) ([]schedule.JobKey, error) {
	pairs, err := s.keyPairs(ctx, `SELECT job_group, job_name FROM pulse_jobs
		WHERE sched_name = ? ORDER BY job_group, job_name`)
	if err != nil {
		return nil, err
	}
	var out []schedule.JobKey
	for _, p := range pairs {
		if m.Matches(p[0]) {
			out = append(out, schedule.JobKey{Group: p[0], Name: p[1]})
		}
	}
	return out, nil
}

// TriggerKeys implements Store
func (s *SQLStore) TriggerKeys(ctx context.Context, m schedule.GroupMatcher) ([]schedule.TriggerKey, error) {
	pairs, err := s.keyPairs(ctx, `SELECT trigger_group, trigger_name FROM pulse_triggers
		WHERE sched_name = ? ORDER BY trigger_group, trigger_name`)
	if err != nil {
		return nil, err
	}
	var out []schedule.TriggerKey
	for _, p := range pairs {
		if m.Matches(p[0]) {
			out = append(out, schedule.TriggerKey{Group: p[0], Name: p[1]})
		}
	}
	return out, nil
}

func (s *SQLStore) names(ctx context.Context, q querier, query string) ([]string, error) {
	return s.namesArgs(ctx, q, query, s.opts.SchedulerName)
}

// JobGroupNames implements Store
func (s *SQLStore) JobGroupNames(ctx context.Context) ([]string, error) {
	return s.names(ctx, s.db, `SELECT DISTINCT job_group FROM pulse_jobs WHERE sched_name = ? ORDER BY job_group`)
}

// TriggerGroupNames implements Store
func (s *SQLStore) TriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.names(ctx, s.db, `SELECT DISTINCT trigger_group FROM pulse_triggers WHERE sched_name = ? ORDER BY trigger_group`)
}

// TriggerState implements Store. Unknown triggers report StateNone.
func (s *SQLStore) TriggerState(ctx context.Context, key schedule.TriggerKey) (schedule.TriggerState, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT trigger_state FROM pulse_triggers
		WHERE sched_name = ? AND trigger_group = ? AND trigger_name = ?`,
		s.opts.SchedulerName, key.Group, key.Name).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.StateNone, nil
	}
	if err != nil {
		return schedule.StateNone, persistence(err, "read trigger state")
	}
	return schedule.TriggerState(st), nil
}

// ClearAllSchedulingData implements Store
func (s *SQLStore) ClearAllSchedulingData(ctx context.Context) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		for _, table := range []string{
			"pulse_triggers", "pulse_jobs", "pulse_calendars",
			"pulse_paused_trigger_groups", "pulse_paused_job_groups",
		} {
			if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE sched_name = ?`, s.opts.SchedulerName); err != nil {
				return persistence(err, "clear "+table)
			}
		}
		n.change(nil)
		return nil
	})
}

// pauseRows pauses every trigger in rows
func (s *SQLStore) pauseRows(ctx context.Context, q querier, rows []*triggerRow) error {
	for _, r := range rows {
		st := r.state.Paused()
		if st == r.state {
			continue
		}
		if r.state == schedule.StateAcquired {
			r.release()
		}
		r.state = st
		if err := s.saveTrigger(ctx, q, r); err != nil {
			return err
		}
	}
	return nil
}

// resumeRows resumes every paused trigger in rows
func (s *SQLStore) resumeRows(ctx context.Context, q querier, rows []*triggerRow, n *notifications) error {
	cals := s.calendars(ctx, q)
	now := s.now()
	for _, r := range rows {
		if !r.state.IsPaused() {
			continue
		}
		cal, err := cals.get(r.trigger.CalendarName)
		if err != nil {
			return err
		}
		blocked, err := s.jobBlocked(ctx, q, r.trigger.JobKey, r.trigger.Key)
		if err != nil {
			return err
		}
		r.state = resumedState(r.state, r.trigger, blocked, now, s.opts.MisfireThreshold, cal, n)
		if err := s.saveTrigger(ctx, q, r); err != nil {
			return err
		}
		n.change(r.trigger.NextFireTime)
	}
	return nil
}

// matchingGroups returns the distinct values of column in table matched by m
func (s *SQLStore) matchingGroups(ctx context.Context, q querier, table, column string, m schedule.GroupMatcher) ([]string, error) {
	all, err := s.names(ctx, q, `SELECT DISTINCT `+column+` FROM `+table+` WHERE sched_name = ?`)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, g := range all {
		if m.Matches(g) {
			out = append(out, g)
		}
	}
	return out, nil
}

func union(lists ...[]string) []string {
	set := make(map[string]struct{})
	for _, l := range lists {
		for _, v := range l {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// PauseTrigger implements Store
func (s *SQLStore) PauseTrigger(ctx context.Context, key schedule.TriggerKey) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		rows, err := s.queryTriggers(ctx, q, `trigger_group = ? AND trigger_name = ?`, key.Group, key.Name)
		if err != nil {
			return err
		}
		return s.pauseRows(ctx, q, rows)
	})
}

// PauseTriggers implements Store. An exact group is remembered as paused
// even when it holds no triggers yet.
func (s *SQLStore) PauseTriggers(ctx context.Context, m schedule.GroupMatcher) ([]string, error) {
	var groups []string
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		var err error
		groups, err = s.pauseTriggerGroups(ctx, q, m)
		return err
	})
	return groups, err
}

func (s *SQLStore) pauseTriggerGroups(ctx context.Context, q querier, m schedule.GroupMatcher) ([]string, error) {
	groups, err := s.matchingGroups(ctx, q, "pulse_triggers", "trigger_group", m)
	if err != nil {
		return nil, err
	}
	if m.IsExact() {
		groups = union(groups, []string{m.Value})
	}
	for _, g := range union(groups) {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO pulse_paused_trigger_groups (sched_name, trigger_group)
			VALUES (?, ?)`, s.opts.SchedulerName, g); err != nil {
			return nil, persistence(err, "record paused group")
		}
		rows, err := s.queryTriggers(ctx, q, `trigger_group = ?`, g)
		if err != nil {
			return nil, err
		}
		if err := s.pauseRows(ctx, q, rows); err != nil {
			return nil, err
		}
	}
	return union(groups), nil
}

// PauseJob implements Store
func (s *SQLStore) PauseJob(ctx context.Context, key schedule.JobKey) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		rows, err := s.jobTriggers(ctx, q, key)
		if err != nil {
			return err
		}
		return s.pauseRows(ctx, q, rows)
	})
}

// PauseJobs implements Store
func (s *SQLStore) PauseJobs(ctx context.Context, m schedule.GroupMatcher) ([]string, error) {
	var groups []string
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		matched, err := s.matchingGroups(ctx, q, "pulse_jobs", "job_group", m)
		if err != nil {
			return err
		}
		if m.IsExact() {
			matched = append(matched, m.Value)
		}
		groups = union(matched)
		for _, g := range groups {
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO pulse_paused_job_groups (sched_name, job_group)
				VALUES (?, ?)`, s.opts.SchedulerName, g); err != nil {
				return persistence(err, "record paused job group")
			}
			rows, err := s.queryTriggers(ctx, q, `job_group = ?`, g)
			if err != nil {
				return err
			}
			if err := s.pauseRows(ctx, q, rows); err != nil {
				return err
			}
		}
		return nil
	})
	return groups, err
}

// ResumeTrigger implements Store
func (s *SQLStore) ResumeTrigger(ctx context.Context, key schedule.TriggerKey) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		rows, err := s.queryTriggers(ctx, q, `trigger_group = ? AND trigger_name = ?`, key.Group, key.Name)
		if err != nil {
			return err
		}
		return s.resumeRows(ctx, q, rows, n)
	})
}

// ResumeTriggers implements Store
func (s *SQLStore) ResumeTriggers(ctx context.Context, m schedule.GroupMatcher) ([]string, error) {
	var groups []string
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		var err error
		groups, err = s.resumeTriggerGroups(ctx, q, m, n)
		return err
	})
	return groups, err
}

func (s *SQLStore) resumeTriggerGroups(ctx context.Context, q querier, m schedule.GroupMatcher, n *notifications) ([]string, error) {
	existing, err := s.matchingGroups(ctx, q, "pulse_triggers", "trigger_group", m)
	if err != nil {
		return nil, err
	}
	paused, err := s.matchingGroups(ctx, q, "pulse_paused_trigger_groups", "trigger_group", m)
	if err != nil {
		return nil, err
	}
	groups := union(existing, paused)
	for _, g := range groups {
		if _, err := q.ExecContext(ctx, `DELETE FROM pulse_paused_trigger_groups
			WHERE sched_name = ? AND trigger_group = ?`, s.opts.SchedulerName, g); err != nil {
			return nil, persistence(err, "clear paused group")
		}
		rows, err := s.queryTriggers(ctx, q, `trigger_group = ?`, g)
		if err != nil {
			return nil, err
		}
		if err := s.resumeRows(ctx, q, rows, n); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// ResumeJob implements Store
func (s *SQLStore) ResumeJob(ctx context.Context, key schedule.JobKey) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		rows, err := s.jobTriggers(ctx, q, key)
		if err != nil {
			return err
		}
		return s.resumeRows(ctx, q, rows, n)
	})
}

// ResumeJobs implements Store
func (s *SQLStore) ResumeJobs(ctx context.Context, m schedule.GroupMatcher) ([]string, error) {
	var groups []string
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		existing, err := s.matchingGroups(ctx, q, "pulse_jobs", "job_group", m)
		if err != nil {
			return err
		}
		paused, err := s.matchingGroups(ctx, q, "pulse_paused_job_groups", "job_group", m)
		if err != nil {
			return err
		}
		groups = union(existing, paused)
		for _, g := range groups {
			if _, err := q.ExecContext(ctx, `DELETE FROM pulse_paused_job_groups
				WHERE sched_name = ? AND job_group = ?`, s.opts.SchedulerName, g); err != nil {
				return persistence(err, "clear paused job group")
			}
			rows, err := s.queryTriggers(ctx, q, `job_group = ?`, g)
			if err != nil {
				return err
			}
			if err := s.resumeRows(ctx, q, rows, n); err != nil {
				return err
			}
		}
		return nil
	})
	return groups, err
}

// PauseAll implements Store
func (s *SQLStore) PauseAll(ctx context.Context) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		_, err := s.pauseTriggerGroups(ctx, q, schedule.MatchAnyGroup())
		return err
	})
}

// ResumeAll implements Store
func (s *SQLStore) ResumeAll(ctx context.Context) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		if _, err := s.resumeTriggerGroups(ctx, q, schedule.MatchAnyGroup(), n); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM pulse_paused_job_groups WHERE sched_name = ?`, s.opts.SchedulerName)
		return persistence(err, "clear paused job groups")
	})
}

// PausedTriggerGroups implements Store
func (s *SQLStore) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.names(ctx, s.db, `SELECT trigger_group FROM pulse_paused_trigger_groups
		WHERE sched_name = ? ORDER BY trigger_group`)
}

// StoreCalendar implements Store. With updateTriggers, triggers using the
// calendar have their next fire time recomputed against it.
func (s *SQLStore) StoreCalendar(ctx context.Context, name string, cal schedule.Calendar, replace, updateTriggers bool) error {
	data, err := schedule.EncodeCalendar(cal)
	if err != nil {
		return err
	}
	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		existing, err := s.loadCalendar(ctx, q, name)
		if err != nil {
			return err
		}
		if existing != nil && !replace {
			return errors.Wrapf(ErrObjectAlreadyExists, "calendar %q", name)
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO pulse_calendars (sched_name, calendar_name, calendar_data)
			VALUES (?, ?, ?)
			ON CONFLICT (sched_name, calendar_name) DO UPDATE SET calendar_data = excluded.calendar_data`,
			s.opts.SchedulerName, name, string(data)); err != nil {
			return persistence(err, "store calendar")
		}
		if !updateTriggers {
			return nil
		}

		rows, err := s.queryTriggers(ctx, q, `calendar_name = ?`, name)
		if err != nil {
			return err
		}
		now := s.now()
		for _, r := range rows {
			r.trigger.UpdateWithNewCalendar(cal, now, s.opts.MisfireThreshold)
			if r.trigger.NextFireTime == nil && !r.state.IsTerminal() && !r.state.IsHeld() {
				r.state = schedule.StateComplete
				n.finalize(r.trigger)
			}
			if err := s.saveTrigger(ctx, q, r); err != nil {
				return err
			}
		}
		n.change(nil)
		return nil
	})
}

// RemoveCalendar implements Store
func (s *SQLStore) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var found bool
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		var refs int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_triggers
			WHERE sched_name = ? AND calendar_name = ?`, s.opts.SchedulerName, name).Scan(&refs); err != nil {
			return persistence(err, "check calendar references")
		}
		if refs > 0 {
			return errors.Wrapf(ErrCalendarInUse, "calendar %q is used by %d triggers", name, refs)
		}
		res, err := q.ExecContext(ctx, `DELETE FROM pulse_calendars WHERE sched_name = ? AND calendar_name = ?`,
			s.opts.SchedulerName, name)
		if err != nil {
			return persistence(err, "delete calendar")
		}
		affected, err := res.RowsAffected()
		found = affected > 0
		return persistence(err, "delete calendar")
	})
	return found, err
}

// RetrieveCalendar implements Store
func (s *SQLStore) RetrieveCalendar(ctx context.Context, name string) (schedule.Calendar, error) {
	cal, err := s.loadCalendar(ctx, s.db, name)
	if err == nil && cal == nil {
		err = calendarNotFound(name)
	}
	return cal, err
}

// CalendarNames implements Store
func (s *SQLStore) CalendarNames(ctx context.Context) ([]string, error) {
	return s.names(ctx, s.db, `SELECT calendar_name FROM pulse_calendars WHERE sched_name = ? ORDER BY calendar_name`)
}

// Counts implements Store
func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	c := Counts{States: make(map[schedule.TriggerState]int)}
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM pulse_jobs WHERE sched_name = ?),
		(SELECT COUNT(*) FROM pulse_calendars WHERE sched_name = ?)`,
		s.opts.SchedulerName, s.opts.SchedulerName).Scan(&c.Jobs, &c.Calendars)
	if err != nil {
		return c, persistence(err, "count jobs")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT trigger_state, COUNT(*) FROM pulse_triggers
		WHERE sched_name = ? GROUP BY trigger_state`, s.opts.SchedulerName)
	if err != nil {
		return c, persistence(err, "count triggers")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return c, persistence(err, "count triggers")
		}
		c.States[schedule.TriggerState(st)] = n
		c.Triggers += n
	}
	return c, persistence(rows.Err(), "count triggers")
}
