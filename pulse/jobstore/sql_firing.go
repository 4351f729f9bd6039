package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

const (
	// acquireBatch is how many due triggers are examined per query
	acquireBatch = 20
	// acquireRounds bounds how often the candidate query is repeated after
	// misfires moved triggers around
	acquireRounds = 5
)

// AcquireNextTrigger implements Store. Candidates are claimed with a
// compare-and-set on WAITING, so two instances racing for the same trigger
// cannot both win.
func (s *SQLStore) AcquireNextTrigger(ctx context.Context, now time.Time, window time.Duration) (*schedule.Trigger, error) {
	var acquired *schedule.Trigger
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		limit := now.Add(window)
		cals := s.calendars(ctx, q)

		for round := 0; round < acquireRounds; round++ {
			rows, err := q.QueryContext(ctx, `SELECT `+triggerColumns+` FROM pulse_triggers
				WHERE sched_name = ? AND trigger_state = ? AND next_fire_time <= ?
				ORDER BY next_fire_time ASC, priority DESC, trigger_group ASC, trigger_name ASC
				LIMIT ?`,
				s.opts.SchedulerName, string(schedule.StateWaiting), millis(limit), acquireBatch)
			if err != nil {
				return persistence(err, "select due triggers")
			}
			candidates, err := collectTriggers(rows)
			if err != nil {
				return persistence(err, "scan due triggers")
			}
			if len(candidates) == 0 {
				return nil
			}

			moved := false
			for _, r := range candidates {
				if !r.recovering {
					action := schedule.ResolveMisfire(r.trigger, now, s.opts.MisfireThreshold)
					if action != schedule.MisfireActionNone {
						cal, err := cals.get(r.trigger.CalendarName)
						if err != nil {
							return err
						}
						n.misfire(r.trigger)
						r.trigger.ApplyMisfire(action, now, cal)
						if r.trigger.NextFireTime == nil {
							r.state = schedule.StateComplete
							n.finalize(r.trigger)
						}
						if err := s.saveTrigger(ctx, q, r); err != nil {
							return err
						}
						moved = true
						continue
					}
				}

				firedAt := s.now()
				won, err := s.casState(ctx, q, r.trigger.Key, schedule.StateWaiting, schedule.StateAcquired,
					s.opts.InstanceID, uuid.NewString(), &firedAt)
				if err != nil {
					return err
				}
				if won {
					acquired = r.trigger
					return nil
				}
			}
			if !moved {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ReleaseAcquiredTrigger implements Store
func (s *SQLStore) ReleaseAcquiredTrigger(ctx context.Context, t *schedule.Trigger) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		_, err := q.ExecContext(ctx, `UPDATE pulse_triggers
			SET trigger_state = ?, instance_id = NULL, fire_instance_id = NULL, fired_time = NULL
			WHERE sched_name = ? AND trigger_group = ? AND trigger_name = ?
			  AND trigger_state = ? AND instance_id = ?`,
			string(schedule.StateWaiting), s.opts.SchedulerName, t.Key.Group, t.Key.Name,
			string(schedule.StateAcquired), s.opts.InstanceID)
		return persistence(err, "release trigger")
	})
}

// TriggerFired implements Store. It returns nil when the trigger is no
// longer ours to fire: removed, paused, blocked, taken over by a peer or its
// calendar is gone.
func (s *SQLStore) TriggerFired(ctx context.Context, t *schedule.Trigger) (*schedule.FiredBundle, error) {
	var bundle *schedule.FiredBundle
	err := s.inTx(ctx, LockTriggerAccess, func(q querier, _ *notifications) error {
		r, err := s.loadTrigger(ctx, q, t.Key)
		if err != nil || r == nil {
			return err
		}
		if r.state != schedule.StateAcquired || r.holder != s.opts.InstanceID || r.trigger.NextFireTime == nil {
			return nil
		}
		var cal schedule.Calendar
		if name := r.trigger.CalendarName; name != "" {
			if cal, err = s.loadCalendar(ctx, q, name); err != nil || cal == nil {
				return err
			}
		}
		job, err := s.loadJob(ctx, q, r.trigger.JobKey)
		if err != nil || job == nil {
			return err
		}

		now := s.now()
		prev := r.trigger.PreviousFireTime
		scheduled := *r.trigger.NextFireTime
		recovering := r.recovering
		r.trigger.Triggered(cal)

		r.state = schedule.StateExecuting
		r.scheduledFireTime = &scheduled
		r.firedAt = &now
		r.recovering = false
		if err := s.saveTrigger(ctx, q, r); err != nil {
			return err
		}

		if job.DisallowConcurrent {
			siblings, err := s.jobTriggers(ctx, q, job.Key)
			if err != nil {
				return err
			}
			for _, sib := range siblings {
				if sib.trigger.Key == r.trigger.Key {
					continue
				}
				st := sib.state.Blocked()
				if st == sib.state {
					continue
				}
				if sib.state == schedule.StateAcquired {
					sib.release()
				}
				sib.state = st
				if err := s.saveTrigger(ctx, q, sib); err != nil {
					return err
				}
			}
		}

		tc := r.trigger.Clone()
		bundle = &schedule.FiredBundle{
			Job:               job,
			Trigger:           tc,
			Calendar:          cal,
			FireInstanceID:    r.fireInstanceID,
			FireTime:          now,
			ScheduledFireTime: scheduled,
			PreviousFireTime:  prev,
			NextFireTime:      tc.NextFireTime,
			Recovering:        recovering,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// TriggeredJobComplete implements Store
func (s *SQLStore) TriggeredJobComplete(ctx context.Context, t *schedule.Trigger, job *schedule.JobDetail, instr schedule.CompletionInstruction) error {
	return s.inTx(ctx, LockTriggerAccess, func(q querier, n *notifications) error {
		r, err := s.loadTrigger(ctx, q, t.Key)
		if err != nil {
			return err
		}
		// A peer that recovered this fire owns the job's data and its
		// blocked siblings now.
		if r != nil && r.holder != s.opts.InstanceID {
			s.log.Warnw("Trigger recovered or taken over before completion",
				logger.FieldTriggerKey, t.Key.String(),
				logger.FieldInstanceID, r.holder)
			return nil
		}

		if job != nil {
			stored, err := s.loadJob(ctx, q, job.Key)
			if err != nil {
				return err
			}
			if stored != nil {
				if stored.PersistDataAfterExecution && job.PersistDataAfterExecution && !stored.Data.Equal(job.Data) {
					if err := s.updateJobData(ctx, q, job.Key, job.Data); err != nil {
						return err
					}
				}
				if stored.DisallowConcurrent {
					if err := s.unblockSiblings(ctx, q, job.Key, t.Key); err != nil {
						return err
					}
					n.change(nil)
				}
			}
		}

		if r == nil {
			return nil
		}

		switch instr {
		case schedule.InstructionDeleteTrigger:
			if t.NextFireTime == nil && r.trigger.NextFireTime != nil {
				// rescheduled while executing
				return s.settle(ctx, q, r, n)
			}
			n.finalize(r.trigger)
			n.change(nil)
			_, err := s.deleteTrigger(ctx, q, r.trigger.Key, true, n)
			return err
		case schedule.InstructionSetTriggerComplete:
			r.release()
			r.state = schedule.StateComplete
			r.trigger.NextFireTime = nil
			n.finalize(r.trigger)
			n.change(nil)
			return s.saveTrigger(ctx, q, r)
		case schedule.InstructionSetTriggerError:
			r.release()
			r.state = schedule.StateError
			r.trigger.NextFireTime = nil
			s.log.Warnw("Trigger set to ERROR", logger.FieldTriggerKey, r.trigger.Key.String())
			n.change(nil)
			return s.saveTrigger(ctx, q, r)
		case schedule.InstructionSetAllJobTriggersComplete, schedule.InstructionSetAllJobTriggersError:
			st := schedule.StateComplete
			if instr == schedule.InstructionSetAllJobTriggersError {
				st = schedule.StateError
			}
			siblings, err := s.jobTriggers(ctx, q, t.JobKey)
			if err != nil {
				return err
			}
			for _, sib := range siblings {
				sib.release()
				sib.state = st
				sib.trigger.NextFireTime = nil
				if st == schedule.StateComplete {
					n.finalize(sib.trigger)
				}
				if err := s.saveTrigger(ctx, q, sib); err != nil {
					return err
				}
			}
			n.change(nil)
			return nil
		}
		return s.settle(ctx, q, r, n)
	})
}

// settle returns an executed trigger to its normal schedule
func (s *SQLStore) settle(ctx context.Context, q querier, r *triggerRow, n *notifications) error {
	r.release()
	blocked, err := s.jobBlocked(ctx, q, r.trigger.JobKey, r.trigger.Key)
	if err != nil {
		return err
	}
	st := settledState(r.state, r.trigger, blocked)
	if st == schedule.StateComplete && r.state != schedule.StateComplete {
		n.finalize(r.trigger)
	}
	r.state = st
	n.change(r.trigger.NextFireTime)
	return s.saveTrigger(ctx, q, r)
}

// unblockSiblings releases the triggers parked while key's job executed
func (s *SQLStore) unblockSiblings(ctx context.Context, q querier, job schedule.JobKey, except schedule.TriggerKey) error {
	siblings, err := s.jobTriggers(ctx, q, job)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.trigger.Key == except || sib.executing() {
			continue
		}
		if st := sib.state.Unblocked(); st != sib.state {
			sib.state = st
			if err := s.saveTrigger(ctx, q, sib); err != nil {
				return err
			}
		}
	}
	return nil
}
