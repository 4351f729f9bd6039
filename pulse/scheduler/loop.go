package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// signal carries scheduling changes from the store and the admin API to
// the firing loop. Only the earliest candidate since the last clear is kept.
type signal struct {
	mu        sync.Mutex
	changed   bool
	candidate *time.Time // nil with changed set: unknown, assume earliest
	wake      chan struct{}
}

func newSignal() *signal {
	return &signal{wake: make(chan struct{}, 1)}
}

// schedulingChange records a change whose earliest fire time is candidate
// (nil if unknown) and wakes the loop
func (sg *signal) schedulingChange(candidate *time.Time) {
	sg.mu.Lock()
	switch {
	case !sg.changed:
		sg.changed = true
		sg.candidate = candidate
	case candidate == nil:
		sg.candidate = nil
	case sg.candidate != nil && candidate.Before(*sg.candidate):
		c := *candidate
		sg.candidate = &c
	}
	sg.mu.Unlock()
	sg.wakeUp()
}

// wakeUp interrupts whatever wait the loop is in without recording a change
func (sg *signal) wakeUp() {
	select {
	case sg.wake <- struct{}{}:
	default:
	}
}

// clear forgets pending changes; anything stored before this point is
// visible to the next acquisition
func (sg *signal) clear() {
	sg.mu.Lock()
	sg.changed = false
	sg.candidate = nil
	sg.mu.Unlock()
	select {
	case <-sg.wake:
	default:
	}
}

// take returns and clears the pending change
func (sg *signal) take() (changed bool, candidate *time.Time) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	changed, candidate = sg.changed, sg.candidate
	sg.changed, sg.candidate = false, nil
	return changed, candidate
}

// halted reports whether Shutdown has begun
func (s *Scheduler) halted() bool {
	select {
	case <-s.halt:
		return true
	default:
		return false
	}
}

// waitWhileStandby blocks until the scheduler is started. It returns false
// once the scheduler is shutting down.
func (s *Scheduler) waitWhileStandby() bool {
	for {
		switch s.currentState() {
		case stateStarted:
			return true
		case stateShutdown:
			return false
		}
		select {
		case <-s.halt:
			return false
		case <-s.sig.wake:
		}
	}
}

// run is the firing loop
func (s *Scheduler) run() {
	defer close(s.loopDone)
	s.pulseLog.Debugw("Firing loop started")

	// Store calls use a background context: a trigger being acquired or
	// fired when Shutdown begins is still settled consistently
	ctx := context.Background()
	failing := false
	poolGone := false

	for {
		if !s.waitWhileStandby() {
			break
		}
		if s.pool.BlockForAvailableWorkers(s.haltCtx) == 0 {
			if s.pool.IsShutdown() && !s.halted() {
				if !poolGone {
					poolGone = true
					s.pulseLog.Warnw("Worker pool is shut down; no triggers will fire until the scheduler is shut down")
				}
				s.pulseLog.Debugw("Waiting for workers")
				s.sleep(s.cfg.IdleWaitTime)
			}
			continue
		}
		if !s.IsStarted() {
			continue
		}

		s.sig.clear()
		now := time.Now()
		t, err := s.store.AcquireNextTrigger(ctx, now, s.cfg.IdleWaitTime)
		if err != nil {
			s.stats.storeFailures.Add(1)
			if !failing {
				failing = true
				s.reportError("Job store failed while acquiring the next trigger; retrying", err)
			}
			s.sleep(s.cfg.StoreFailureRetryInterval)
			continue
		}
		if failing {
			failing = false
			s.log.Infow("Job store recovered")
		}

		if t == nil {
			s.idleWait()
			continue
		}

		if !s.waitUntilFireTime(t) {
			s.release(ctx, t)
			continue
		}
		s.fire(ctx, t)
	}

	s.pulseLog.Debugw("Firing loop stopped")
}

// sleep waits d or until shutdown
func (s *Scheduler) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.halt:
	case <-timer.C:
	}
}

// idleWait sleeps IdleWaitTime less up to 20% jitter. Any signal ends it early.
func (s *Scheduler) idleWait() {
	wait := s.cfg.IdleWaitTime
	if jitter := int64(wait / 5); jitter > 0 {
		wait -= time.Duration(rand.Int64N(jitter))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.halt:
	case <-s.sig.wake:
	case <-timer.C:
	}
}

// waitUntilFireTime waits for t's fire time. It returns false when t should
// be given back: shutdown, standby, or an earlier trigger appeared.
func (s *Scheduler) waitUntilFireTime(t *schedule.Trigger) bool {
	for {
		if !s.IsStarted() {
			return false
		}
		until := time.Until(*t.NextFireTime)
		if until <= 0 {
			return true
		}

		timer := time.NewTimer(until)
		select {
		case <-s.halt:
			timer.Stop()
			return false
		case <-s.sig.wake:
			timer.Stop()
			if s.abandonFor(t) {
				return false
			}
		case <-timer.C:
		}
	}
}

// abandonFor consumes the pending signal and reports whether the held
// trigger should be released for an earlier one: the candidate must fire
// more than ReevaluationThreshold before it.
func (s *Scheduler) abandonFor(held *schedule.Trigger) bool {
	changed, candidate := s.sig.take()
	if !changed {
		return false
	}
	now := time.Now()
	earliest := now
	if candidate != nil && candidate.After(now) {
		earliest = *candidate
	}
	improvement := held.NextFireTime.Sub(earliest)
	if improvement <= s.cfg.ReevaluationThreshold {
		return false
	}
	s.pulseLog.Debugw("Releasing acquired trigger for an earlier one",
		logger.FieldTriggerKey, held.Key.String(),
		logger.FieldNextFireTime, held.NextFireTime.Format(time.RFC3339Nano),
		"improvement", improvement.String())
	return true
}

func (s *Scheduler) release(ctx context.Context, t *schedule.Trigger) {
	if err := s.store.ReleaseAcquiredTrigger(ctx, t); err != nil {
		// the store's own recovery picks it up on restart or checkin
		s.reportError("Failed to release acquired trigger", err)
	}
}

// fire records the fire in the store and hands the job to a worker
func (s *Scheduler) fire(ctx context.Context, t *schedule.Trigger) {
	bundle, err := s.store.TriggerFired(ctx, t)
	if err != nil {
		s.stats.storeFailures.Add(1)
		s.reportError("Job store failed to record trigger fire", err)
		s.release(ctx, t)
		return
	}
	if bundle == nil {
		// paused, removed or blocked since acquisition
		s.release(ctx, t)
		return
	}
	s.stats.fired.Add(1)

	s.pulseLog.Debugw("Trigger fired",
		logger.FieldTriggerKey, t.Key.String(),
		logger.FieldJobKey, bundle.Job.Key.String(),
		logger.FieldFireInstanceID, bundle.FireInstanceID,
		logger.FieldScheduledFireTime, bundle.ScheduledFireTime.Format(time.RFC3339Nano))

	ec := schedule.NewExecutionContext(bundle, s.cfg.Name, s.cfg.InstanceID)
	if !s.pool.Dispatch(func() { s.runShell(ec) }) {
		if s.halted() {
			// left EXECUTING; recovery on the next start decides
			s.log.Warnw("Scheduler shut down before fired job could run",
				logger.FieldTriggerKey, t.Key.String(),
				logger.FieldFireInstanceID, bundle.FireInstanceID)
			return
		}
		// BlockForAvailableWorkers promised a worker
		s.log.Errorw("No worker available for fired trigger; parking job triggers in ERROR",
			logger.FieldTriggerKey, t.Key.String(),
			logger.FieldJobKey, bundle.Job.Key.String())
		s.completeFired(bundle.Trigger, bundle.Job, schedule.InstructionSetAllJobTriggersError)
	}
}
