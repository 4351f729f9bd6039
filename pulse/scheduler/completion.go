package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/schedule"
)

// completionRetrier keeps trying to record job completions the store
// rejected. Until it succeeds the trigger stays EXECUTING, so it cannot
// fire again; the worker that ran the job is already free.
type completionRetrier struct {
	s *Scheduler

	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
	pending atomic.Int64

	// report throttles repeated failure reports during a long outage
	report rate.Sometimes
}

func newCompletionRetrier(s *Scheduler) *completionRetrier {
	return &completionRetrier{
		s:      s,
		stop:   make(chan struct{}),
		report: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Pending returns how many completions are waiting to be recorded
func (r *completionRetrier) Pending() int64 { return r.pending.Load() }

// retry starts retrying a completion that failed with err
func (r *completionRetrier) retry(t *schedule.Trigger, job *schedule.JobDetail, instr schedule.CompletionInstruction, err error) {
	log := r.s.log.With(
		logger.FieldTriggerKey, t.Key.String(),
		logger.FieldInstruction, instr.String())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Errorw("Job completion not recorded; store recovery will settle the trigger", logger.FieldError, err)
		return
	}
	r.wg.Add(1)
	r.pending.Add(1)
	r.mu.Unlock()

	r.s.reportError("Job store failed to record job completion; retrying in the background", err)
	go r.loop(log, t, job, instr)
}

func (r *completionRetrier) loop(log *zap.SugaredLogger, t *schedule.Trigger, job *schedule.JobDetail, instr schedule.CompletionInstruction) {
	defer r.wg.Done()
	defer r.pending.Add(-1)

	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.s.cfg.CompletionRetryInitial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         r.s.cfg.CompletionRetryMax,
	}
	b.Reset()

	ctx := context.Background()
	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-r.stop:
			timer.Stop()
			if err := r.s.store.TriggeredJobComplete(ctx, t, job, instr); err != nil {
				log.Errorw("Gave up recording job completion at shutdown; store recovery will settle the trigger",
					logger.FieldAttempts, attempt, logger.FieldError, err)
				return
			}
			log.Infow("Job completion recorded at shutdown", logger.FieldAttempts, attempt)
			return
		case <-timer.C:
		}

		r.s.stats.completionRetries.Add(1)
		err := r.s.store.TriggeredJobComplete(ctx, t, job, instr)
		if err == nil {
			log.Infow("Job completion recorded after retry", logger.FieldAttempts, attempt)
			return
		}
		r.report.Do(func() {
			log.Warnw("Job store still failing to record job completion",
				logger.FieldAttempts, attempt,
				logger.FieldBackoff, wait.String(),
				logger.FieldError, err)
		})
	}
}

// shutdown stops retrying after one last attempt per completion. With
// wait it returns once those attempts are done.
func (r *completionRetrier) shutdown(wait bool) {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.stop)
	}
	r.mu.Unlock()
	if wait {
		r.wg.Wait()
	}
}
