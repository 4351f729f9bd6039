package scheduler

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/schedule"
)

// execution is one running job, cancellable through Interrupt
type execution struct {
	ec     *schedule.ExecutionContext
	cancel context.CancelFunc
}

// executions tracks running jobs by fire instance id
type executions struct {
	mu      sync.Mutex
	running map[string]execution
}

func newExecutions() *executions {
	return &executions{running: make(map[string]execution)}
}

func (e *executions) add(ec *schedule.ExecutionContext, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[ec.FireInstanceID] = execution{ec: ec, cancel: cancel}
}

func (e *executions) remove(fireInstanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, fireInstanceID)
}

func (e *executions) snapshot() []execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]execution, 0, len(e.running))
	for _, x := range e.running {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ec.FireTime.Before(out[j].ec.FireTime) })
	return out
}

// CurrentlyExecutingJobs returns the contexts of jobs running in this
// instance, oldest fire first
func (s *Scheduler) CurrentlyExecutingJobs() []*schedule.ExecutionContext {
	running := s.executing.snapshot()
	out := make([]*schedule.ExecutionContext, len(running))
	for i, x := range running {
		out[i] = x.ec
	}
	return out
}

// Interrupt cancels the context of every running execution of key in this
// instance. It reports whether any was found; handlers decide how quickly
// they stop.
func (s *Scheduler) Interrupt(key schedule.JobKey) bool {
	found := false
	for _, x := range s.executing.snapshot() {
		if x.ec.JobKey() == key {
			x.cancel()
			found = true
		}
	}
	if found {
		s.pulseLog.Infow("Job interrupted", logger.FieldJobKey, key.String())
	}
	return found
}

// InterruptFire cancels one execution by its fire instance id
func (s *Scheduler) InterruptFire(fireInstanceID string) bool {
	s.executing.mu.Lock()
	x, ok := s.executing.running[fireInstanceID]
	s.executing.mu.Unlock()
	if ok {
		x.cancel()
		s.pulseLog.Infow("Job interrupted", logger.FieldFireInstanceID, fireInstanceID)
	}
	return ok
}

// runShell runs one fired job on a worker: listeners, the handler, and
// settling the trigger in the store
func (s *Scheduler) runShell(ec *schedule.ExecutionContext) {
	log := s.pulseLog.With(
		logger.FieldJobKey, ec.JobKey().String(),
		logger.FieldTriggerKey, ec.TriggerKey().String(),
		logger.FieldFireInstanceID, ec.FireInstanceID)

	handler, err := s.handlers.Resolve(ec.Job.HandlerName)
	if err != nil {
		log.Errorw("Job handler not found; parking job triggers in ERROR",
			logger.FieldHandler, ec.Job.HandlerName, logger.FieldError, err)
		s.reportError("Job "+ec.JobKey().String()+" references an unknown handler", err)
		s.completeFired(ec.Trigger, ec.Job, schedule.InstructionSetAllJobTriggersError)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.executing.add(ec, cancel)
	defer s.executing.remove(ec.FireInstanceID)

	if ec.Recovering {
		logger.AddPulseOpenSymbol(log).Infow("Re-running job lost by a failed instance",
			logger.FieldScheduledFireTime, ec.ScheduledFireTime.Format(time.RFC3339))
	}

	// the job data as stored; handlers change ec.Job.Data
	stored := ec.Job.Data.Version()

	for {
		if s.listeners.triggerFired(ec) {
			s.stats.vetoed.Add(1)
			log.Infow("Job execution vetoed")
			s.listeners.jobExecutionVetoed(ec)
			instr := ec.Trigger.ExecutionComplete(schedule.Success())
			s.listeners.triggerComplete(ec, instr)
			s.completeFired(ec.Trigger, ec.Job, instr)
			return
		}
		s.listeners.jobToBeExecuted(ec)

		start := time.Now()
		res := execute(ctx, handler, ec)
		ec.Result = res
		ec.Duration = time.Since(start)

		s.stats.executed.Add(1)
		if res.Failed() {
			s.stats.failed.Add(1)
			log.Warnw("Job failed",
				logger.FieldError, res.Err,
				"error_code", async.ClassifyError(res.Err),
				"retry", res.Retry,
				logger.FieldDurationMS, ec.Duration.Milliseconds())
		} else {
			log.Debugw("Job executed", logger.FieldDurationMS, ec.Duration.Milliseconds())
		}
		s.listeners.jobWasExecuted(ec)

		instr := ec.Trigger.ExecutionComplete(res)
		s.listeners.triggerComplete(ec, instr)
		if instr == schedule.InstructionReExecuteJob {
			if ctx.Err() != nil {
				// interrupted jobs are not re-run
				instr = schedule.InstructionNoop
				if !ec.Trigger.MayFireAgain() {
					instr = schedule.InstructionDeleteTrigger
				}
			} else {
				ec.RefireCount++
				log.Infow("Re-executing job", logger.FieldAttempts, ec.RefireCount+1)
				continue
			}
		}

		job := ec.Job
		if job.Data.Version() == stored {
			// nothing to write back
			job = job.Clone()
			job.PersistDataAfterExecution = false
		}
		s.completeFired(ec.Trigger, job, instr)
		return
	}
}

// execute runs the handler, turning a panic into a failed Result
func execute(ctx context.Context, h async.JobHandler, ec *schedule.ExecutionContext) (res schedule.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = schedule.Failure(&async.PanicError{Value: r, Stack: string(debug.Stack())}, false)
		}
	}()
	return h.Execute(ctx, ec)
}

// completeFired settles a fired trigger in the store. A store failure hands
// the completion to the retrier so the worker is freed.
func (s *Scheduler) completeFired(t *schedule.Trigger, job *schedule.JobDetail, instr schedule.CompletionInstruction) {
	err := s.store.TriggeredJobComplete(context.Background(), t, job, instr)
	if err == nil {
		return
	}
	s.retrier.retry(t, job, instr, err)
}
