// Package scheduler runs the trigger-firing loop on top of a job store and
// a worker pool, and exposes the administrative API.
//
// A Scheduler starts in standby. Start recovers whatever a previous run
// left behind in the store and begins firing; Standby stops firing
// without losing anything; Shutdown is final.
//
// Every trigger occurrence fires at most once: the store hands a trigger
// to exactly one loop iteration (ACQUIRED), the iteration either fires it
// (EXECUTING) or gives it back, and the run shell settles it with a
// completion instruction when the job is done.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/jobstore"
	"github.com/teranos/tempo/pulse/schedule"
	"github.com/teranos/tempo/sym"
)

// Defaults applied by New when a Config field is zero
const (
	DefaultName                      = "tempo"
	DefaultInstanceID                = "NON_CLUSTERED"
	DefaultIdleWaitTime              = 30 * time.Second
	DefaultStoreFailureRetryInterval = 15 * time.Second
	DefaultCompletionRetryInitial    = 500 * time.Millisecond
	DefaultCompletionRetryMax        = 15 * time.Second
)

// ErrShutdown is returned by operations attempted after Shutdown
var ErrShutdown = errors.Mark(errors.New("scheduler has been shut down"), errors.ErrInvalidRequest)

// Config tunes the firing loop
type Config struct {
	// Name and InstanceID are reported to jobs and listeners
	Name       string
	InstanceID string

	// IdleWaitTime is how long the loop sleeps when nothing is due, and how
	// far ahead it looks when acquiring
	IdleWaitTime time.Duration
	// StoreFailureRetryInterval is the pause after a failed acquisition
	StoreFailureRetryInterval time.Duration
	// ReevaluationThreshold is how much earlier a newly scheduled trigger
	// must be before an acquired one is given back. Zero uses the store's
	// own release and re-acquire estimate.
	ReevaluationThreshold time.Duration
	// CompletionRetryInitial and CompletionRetryMax bound the backoff used
	// when the store cannot record a completed job
	CompletionRetryInitial time.Duration
	CompletionRetryMax     time.Duration

	Logger *zap.SugaredLogger
}

func (c *Config) setDefaults(store jobstore.Store) {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.InstanceID == "" {
		c.InstanceID = DefaultInstanceID
	}
	if c.IdleWaitTime <= 0 {
		c.IdleWaitTime = DefaultIdleWaitTime
	}
	if c.StoreFailureRetryInterval <= 0 {
		c.StoreFailureRetryInterval = DefaultStoreFailureRetryInterval
	}
	if c.ReevaluationThreshold <= 0 {
		c.ReevaluationThreshold = store.EstimatedTimeToReleaseAndAcquireTrigger()
	}
	if c.CompletionRetryInitial <= 0 {
		c.CompletionRetryInitial = DefaultCompletionRetryInitial
	}
	if c.CompletionRetryMax <= 0 {
		c.CompletionRetryMax = DefaultCompletionRetryMax
	}
	if c.CompletionRetryInitial > c.CompletionRetryMax {
		c.CompletionRetryInitial = c.CompletionRetryMax
	}
	if c.Logger == nil {
		c.Logger = logger.ComponentLogger("pulse.scheduler")
	}
}

type runState int

const (
	stateStandby runState = iota
	stateStarted
	stateShutdown
)

func (s runState) String() string {
	switch s {
	case stateStarted:
		return "started"
	case stateShutdown:
		return "shutdown"
	}
	return "standby"
}

// Scheduler fires triggers from a job store onto a worker pool
type Scheduler struct {
	cfg       Config
	store     jobstore.Store
	pool      *async.WorkerPool
	handlers  *async.HandlerRegistry
	log       *zap.SugaredLogger
	pulseLog  *zap.SugaredLogger
	listeners *listeners

	// lifecycle serialises Start, Standby and Shutdown
	lifecycle sync.Mutex

	mu          sync.Mutex
	state       runState
	everStarted bool
	loopStarted bool
	startedAt   time.Time

	loopDone chan struct{}
	halt     chan struct{} // closed by Shutdown
	haltCtx  context.Context
	haltFn   context.CancelFunc

	sig *signal

	executing *executions
	retrier   *completionRetrier
	stats     counters
}

// counters are loop and execution totals since New
type counters struct {
	fired             atomic.Int64
	executed          atomic.Int64
	failed            atomic.Int64
	vetoed            atomic.Int64
	misfired          atomic.Int64
	storeFailures     atomic.Int64
	completionRetries atomic.Int64
}

// New creates a scheduler in standby and initializes store for it
func New(ctx context.Context, store jobstore.Store, pool *async.WorkerPool, handlers *async.HandlerRegistry, cfg Config) (*Scheduler, error) {
	if store == nil {
		return nil, errors.NewInvalidRequestError("scheduler needs a job store")
	}
	if pool == nil {
		return nil, errors.NewInvalidRequestError("scheduler needs a worker pool")
	}
	if handlers == nil {
		handlers = async.NewHandlerRegistry()
	}
	cfg.setDefaults(store)

	log := cfg.Logger.With(logger.FieldSchedulerName, cfg.Name, logger.FieldInstanceID, cfg.InstanceID)
	haltCtx, haltFn := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		handlers:  handlers,
		log:       log,
		pulseLog:  logger.AddPulseSymbol(log),
		listeners: &listeners{log: log},
		loopDone:  make(chan struct{}),
		halt:      make(chan struct{}),
		haltCtx:   haltCtx,
		haltFn:    haltFn,
		sig:       newSignal(),
		executing: newExecutions(),
	}
	s.retrier = newCompletionRetrier(s)

	if err := store.Initialize(ctx, storeSignaler{s}); err != nil {
		haltFn()
		return nil, errors.Wrap(err, "failed to initialize job store")
	}
	s.log.Infow("Scheduler created",
		logger.FieldWorkers, pool.Size(),
		"persistent", store.SupportsPersistence(),
		"clustered", store.Clustered(),
		"idle_wait", cfg.IdleWaitTime.String(),
		"reevaluation_threshold", cfg.ReevaluationThreshold.String())
	return s, nil
}

// Name returns the scheduler name
func (s *Scheduler) Name() string { return s.cfg.Name }

// InstanceID returns the instance id
func (s *Scheduler) InstanceID() string { return s.cfg.InstanceID }

// Store returns the job store the scheduler runs on
func (s *Scheduler) Store() jobstore.Store { return s.store }

// Handlers returns the handler registry jobs are resolved against
func (s *Scheduler) Handlers() *async.HandlerRegistry { return s.handlers }

// Start begins firing triggers. The first Start recovers triggers a
// previous run left acquired or executing; later calls resume from standby.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	state, first := s.state, !s.everStarted
	s.mu.Unlock()

	switch state {
	case stateShutdown:
		return errors.WithHint(ErrShutdown, "create a new scheduler instead of restarting a shut down one")
	case stateStarted:
		return nil
	}

	if first {
		if err := s.store.SchedulerStarted(ctx); err != nil {
			return errors.Wrap(err, "job store failed to start")
		}
	} else {
		s.store.SchedulerResumed(ctx)
	}

	s.mu.Lock()
	s.everStarted = true
	s.state = stateStarted
	if first {
		s.startedAt = time.Now()
	}
	if !s.loopStarted {
		s.loopStarted = true
		go s.run()
	}
	s.mu.Unlock()
	s.sig.wakeUp()

	logger.AddPulseOpenSymbol(s.log).Infow("Scheduler started", logger.FieldWorkers, s.pool.Size())
	s.listeners.eachScheduler(func(l SchedulerListener) { l.SchedulerStarted() })
	return nil
}

// Standby stops firing triggers until the next Start. Running jobs continue.
func (s *Scheduler) Standby(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	state := s.state
	if state == stateStarted {
		s.state = stateStandby
	}
	s.mu.Unlock()

	switch state {
	case stateShutdown:
		return ErrShutdown
	case stateStandby:
		return nil
	}
	s.sig.wakeUp()
	s.store.SchedulerPaused(ctx)

	s.log.Infow("Scheduler in standby")
	s.listeners.eachScheduler(func(l SchedulerListener) { l.SchedulerInStandby() })
	return nil
}

// Shutdown stops the scheduler for good. With wait it returns only after
// running jobs have finished and their completions are recorded (or given
// up on). Calling it again is a no-op.
func (s *Scheduler) Shutdown(ctx context.Context, wait bool) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return nil
	}
	s.state = stateShutdown
	loopStarted := s.loopStarted
	s.mu.Unlock()

	closeLog := logger.AddPulseCloseSymbol(s.log)
	closeLog.Infow("Scheduler shutting down", "wait_for_jobs", wait)

	close(s.halt)
	s.haltFn()
	s.sig.wakeUp()
	if loopStarted {
		<-s.loopDone
	}

	s.pool.Shutdown(wait)
	s.retrier.shutdown(wait)

	var storeErr error
	if err := s.store.Shutdown(ctx); err != nil {
		storeErr = errors.Wrap(err, "job store shutdown failed")
		closeLog.Warnw("Job store shutdown failed", logger.FieldError, err)
	}

	closeLog.Infow("Scheduler shut down")
	s.listeners.eachScheduler(func(l SchedulerListener) { l.SchedulerShutdown() })
	return storeErr
}

// IsStarted reports whether the scheduler is firing triggers
func (s *Scheduler) IsStarted() bool { return s.currentState() == stateStarted }

// IsInStandby reports whether the scheduler is paused and can be started
func (s *Scheduler) IsInStandby() bool { return s.currentState() == stateStandby }

// IsShutdown reports whether Shutdown has been called
func (s *Scheduler) IsShutdown() bool { return s.currentState() == stateShutdown }

func (s *Scheduler) currentState() runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) checkOpen() error {
	if s.IsShutdown() {
		return ErrShutdown
	}
	return nil
}

// AddJobListener registers l for jobs matched by any of ms (all jobs when none)
func (s *Scheduler) AddJobListener(l JobListener, ms ...schedule.KeyMatcher[schedule.JobKey]) {
	s.listeners.addJob(l, ms)
}

// AddTriggerListener registers l for triggers matched by any of ms (all when none)
func (s *Scheduler) AddTriggerListener(l TriggerListener, ms ...schedule.KeyMatcher[schedule.TriggerKey]) {
	s.listeners.addTrigger(l, ms)
}

// AddSchedulerListener registers l for scheduler events
func (s *Scheduler) AddSchedulerListener(l SchedulerListener) {
	s.listeners.addScheduler(l)
}

// RemoveJobListener unregisters the first job listener called name
func (s *Scheduler) RemoveJobListener(name string) bool { return s.listeners.removeJob(name) }

// RemoveTriggerListener unregisters the first trigger listener called name
func (s *Scheduler) RemoveTriggerListener(name string) bool {
	return s.listeners.removeTrigger(name)
}

// reportError logs err and tells scheduler listeners about it
func (s *Scheduler) reportError(msg string, err error) {
	s.log.Errorw(msg, logger.FieldError, err)
	s.listeners.eachScheduler(func(l SchedulerListener) { l.SchedulerError(msg, err) })
}

// storeSignaler is the jobstore.Signaler handed to the store
type storeSignaler struct{ s *Scheduler }

func (a storeSignaler) SignalSchedulingChange(candidate *time.Time) {
	a.s.sig.schedulingChange(candidate)
}

func (a storeSignaler) NotifyTriggerMisfired(t *schedule.Trigger) {
	a.s.stats.misfired.Add(1)
	a.s.log.Infow("Trigger misfired",
		logger.FieldTriggerKey, t.Key.String(),
		logger.FieldInstruction, t.MisfireInstruction.String(),
		logger.FieldSymbol, sym.Misfire)
	a.s.listeners.triggerMisfired(t)
}

func (a storeSignaler) NotifyTriggerFinalized(t *schedule.Trigger) {
	a.s.listeners.eachScheduler(func(l SchedulerListener) { l.TriggerFinalized(t) })
}

func (a storeSignaler) NotifyJobDeleted(key schedule.JobKey) {
	a.s.listeners.eachScheduler(func(l SchedulerListener) { l.JobDeleted(key) })
}
