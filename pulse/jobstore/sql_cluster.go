package jobstore

import (
	"context"
	"time"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// recoverHeld settles every trigger held by instanceID (every held trigger
// when instanceID is empty). ACQUIRED triggers go back to WAITING. Lost
// executions are rewound to the fire time they were running for when the job
// requests recovery, and otherwise continue from their next fire time.
// Running it twice is harmless: recovered rows no longer have a holder.
func (s *SQLStore) recoverHeld(ctx context.Context, q querier, instanceID string, n *notifications) (int, error) {
	where, args := `fire_instance_id IS NOT NULL`, []any{}
	if instanceID != "" {
		where, args = `instance_id = ?`, []any{instanceID}
	}
	rows, err := s.queryTriggers(ctx, q, where, args...)
	if err != nil {
		return 0, err
	}

	jobs := make(map[schedule.JobKey]*schedule.JobDetail)
	for _, r := range rows {
		job, ok := jobs[r.trigger.JobKey]
		if !ok {
			if job, err = s.loadJob(ctx, q, r.trigger.JobKey); err != nil {
				return 0, err
			}
			jobs[r.trigger.JobKey] = job
		}

		if r.state == schedule.StateAcquired {
			r.release()
			r.state = schedule.StateWaiting
		} else {
			if job != nil && job.RequestsRecovery && r.scheduledFireTime != nil {
				lost := *r.scheduledFireTime
				r.trigger.NextFireTime = &lost
				r.recovering = true
			}
			r.release()
			st := settledState(r.state, r.trigger, false)
			if st == schedule.StateComplete && r.state != schedule.StateComplete {
				n.finalize(r.trigger)
			}
			r.state = st
		}
		if err := s.saveTrigger(ctx, q, r); err != nil {
			return 0, err
		}
		s.log.Infow("Recovered trigger",
			logger.FieldTriggerKey, r.trigger.Key.String(),
			logger.FieldState, string(r.state),
			"recovering", r.recovering)
	}

	for key, job := range jobs {
		if job != nil && job.DisallowConcurrent {
			if err := s.unblockSiblings(ctx, q, key, schedule.TriggerKey{}); err != nil {
				return 0, err
			}
		}
	}
	if len(rows) > 0 {
		n.change(nil)
	}
	return len(rows), nil
}

// checkin records this instance's heartbeat and recovers the triggers of
// peers that stopped checking in. The first checkin also recovers what a
// previous run under the same instance id left behind.
func (s *SQLStore) checkin(ctx context.Context, first bool) error {
	var failed []string
	err := s.inTx(ctx, LockStateAccess, func(q querier, _ *notifications) error {
		now := millis(s.now())
		if _, err := q.ExecContext(ctx, `INSERT INTO pulse_scheduler_state
			(sched_name, instance_id, last_checkin, checkin_interval_ms) VALUES (?, ?, ?, ?)
			ON CONFLICT (sched_name, instance_id) DO UPDATE SET
				last_checkin = excluded.last_checkin,
				checkin_interval_ms = excluded.checkin_interval_ms`,
			s.opts.SchedulerName, s.opts.InstanceID, now, s.opts.CheckinInterval.Milliseconds()); err != nil {
			return persistence(err, "record checkin")
		}

		stale, err := s.namesArgs(ctx, q, `SELECT instance_id FROM pulse_scheduler_state
			WHERE sched_name = ? AND instance_id <> ?
			  AND last_checkin + checkin_interval_ms + ? < ?`,
			s.opts.SchedulerName, s.opts.InstanceID, s.opts.CheckinGrace.Milliseconds(), now)
		if err != nil {
			return err
		}
		// holders that never checked in at all
		orphans, err := s.namesArgs(ctx, q, `SELECT DISTINCT instance_id FROM pulse_triggers
			WHERE sched_name = ? AND instance_id IS NOT NULL AND instance_id <> ?
			  AND instance_id NOT IN (SELECT instance_id FROM pulse_scheduler_state WHERE sched_name = ?)`,
			s.opts.SchedulerName, s.opts.InstanceID, s.opts.SchedulerName)
		if err != nil {
			return err
		}
		failed = union(stale, orphans)
		if first {
			failed = append(failed, s.opts.InstanceID)
		}
		return nil
	})
	if err != nil || len(failed) == 0 {
		return err
	}

	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		for _, id := range failed {
			count, err := s.recoverHeld(ctx, q, id, n)
			if err != nil {
				return err
			}
			if id == s.opts.InstanceID {
				continue
			}
			if _, err := q.ExecContext(ctx, `DELETE FROM pulse_scheduler_state
				WHERE sched_name = ? AND instance_id = ?`, s.opts.SchedulerName, id); err != nil {
				return persistence(err, "remove failed instance")
			}
			s.log.Warnw("Recovered failed scheduler instance",
				logger.FieldInstanceID, id,
				logger.FieldCount, count)
		}
		return nil
	})
}

func (s *SQLStore) namesArgs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(err, "list names")
	}
	out, err := collectStrings(rows)
	return out, persistence(err, "scan names")
}

// startCheckinManager runs checkin every CheckinInterval until Shutdown
func (s *SQLStore) startCheckinManager() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.stopCheckin, s.checkinDone = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.CheckinInterval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := s.checkin(ctx, false); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				if failures == 1 {
					s.log.Warnw("Cluster checkin failed", logger.FieldError, err)
				}
				continue
			}
			if failures > 0 {
				s.log.Infow("Cluster checkin recovered", logger.FieldAttempts, failures)
				failures = 0
			}
		}
	}()
}
