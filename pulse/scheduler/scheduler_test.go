package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	tempotest "github.com/teranos/tempo/internal/testing"
	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/jobstore"
	"github.com/teranos/tempo/pulse/schedule"
)

// Dream Land Test Universe
//
// Characters:
//   - Kirby: runs every job he is handed, as often as the clock says
//   - King Dedede: swings one hammer at a time (non-concurrent jobs)
//   - Meta Knight: vetoes fires he does not approve of
//   - Waddle Dee & Waddle Doo: two scheduler instances sharing one store
//
// Theme: triggers are the clock, handlers are Dream Land residents, and
// every occurrence is run exactly once by exactly one of them.

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// fire is what a recording handler saw of one execution
type fire struct {
	trigger   schedule.TriggerKey
	scheduled time.Time
	fired     time.Time
	refire    int
	data      schedule.JobDataMap
}

type recorder struct {
	mu    sync.Mutex
	fires []fire
}

func (r *recorder) record(ec *schedule.ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, fire{
		trigger:   ec.TriggerKey(),
		scheduled: ec.ScheduledFireTime,
		fired:     ec.FireTime,
		refire:    ec.RefireCount,
		data:      ec.MergedData(),
	})
}

// handler returns a handler that records every execution and then runs fn
// (Success when nil)
func (r *recorder) handler(name string, fn func(ctx context.Context, ec *schedule.ExecutionContext) schedule.Result) async.HandlerFunc {
	return async.HandlerFunc{HandlerName: name, Fn: func(ctx context.Context, ec *schedule.ExecutionContext) schedule.Result {
		r.record(ec)
		if fn == nil {
			return schedule.Success()
		}
		return fn(ctx, ec)
	}}
}

func (r *recorder) of(key schedule.TriggerKey) []fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fire
	for _, f := range r.fires {
		if f.trigger == key {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) count(key schedule.TriggerKey) int { return len(r.of(key)) }

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func testConfig() Config {
	return Config{
		IdleWaitTime:              100 * time.Millisecond,
		StoreFailureRetryInterval: 20 * time.Millisecond,
		CompletionRetryInitial:    10 * time.Millisecond,
		CompletionRetryMax:        40 * time.Millisecond,
		Logger:                    zap.NewNop().Sugar(),
	}
}

func newMemoryStore() *jobstore.MemoryStore {
	return jobstore.NewMemoryStore(jobstore.Options{
		MisfireThreshold: time.Second,
		Logger:           zap.NewNop().Sugar(),
	})
}

func newTestSchedulerWith(t *testing.T, store jobstore.Store, cfg Config, handlers ...async.JobHandler) *Scheduler {
	t.Helper()
	pool := async.NewWorkerPool(4, zap.NewNop().Sugar())
	s, err := New(context.Background(), store, pool, async.NewHandlerRegistry(handlers...), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background(), true) })
	return s
}

func newTestScheduler(t *testing.T, store jobstore.Store, handlers ...async.JobHandler) *Scheduler {
	t.Helper()
	return newTestSchedulerWith(t, store, testConfig(), handlers...)
}

func triggerState(t *testing.T, s *Scheduler, key schedule.TriggerKey) schedule.TriggerState {
	t.Helper()
	st, err := s.GetTriggerState(context.Background(), key)
	require.NoError(t, err)
	return st
}

// schedulerEvents records scheduler listener callbacks
type schedulerEvents struct {
	SchedulerListenerBase
	mu        sync.Mutex
	errors    []string
	finalized []schedule.TriggerKey
	started   int
	standby   int
	shutdown  int
}

func (e *schedulerEvents) SchedulerError(msg string, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, msg)
}

func (e *schedulerEvents) TriggerFinalized(t *schedule.Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = append(e.finalized, t.Key)
}

func (e *schedulerEvents) SchedulerStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
}

func (e *schedulerEvents) SchedulerInStandby() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.standby++
}

func (e *schedulerEvents) SchedulerShutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown++
}

func (e *schedulerEvents) errorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errors)
}

func (e *schedulerEvents) wasFinalized(key schedule.TriggerKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.finalized {
		if k == key {
			return true
		}
	}
	return false
}

// misfires counts TriggerMisfired callbacks
type misfires struct {
	TriggerListenerBase
	n atomic.Int32
}

func (m *misfires) Name() string                      { return "misfires" }
func (m *misfires) TriggerMisfired(*schedule.Trigger) { m.n.Add(1) }

// Kirby inhales on a fixed grid: each fire is one interval after the
// previous scheduled fire, not after whenever the last one ran
func TestKirbyFiresOnGrid(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := newTestScheduler(t, newMemoryStore(), rec.handler("inhale", nil))
	require.NoError(t, s.Start(ctx))

	job := schedule.NewJob("inhale", "kirby", "inhale")
	tr := schedule.NewTrigger("every-100ms", "kirby", job.Key, schedule.Every(100*time.Millisecond))
	first, err := s.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, tr.StartTime.Equal(*first), "first fire is the start time")

	require.Eventually(t, func() bool { return rec.count(tr.Key) >= 3 }, waitFor, tick)

	fires := rec.of(tr.Key)
	for i, f := range fires[:3] {
		want := first.Add(time.Duration(i) * 100 * time.Millisecond)
		assert.True(t, want.Equal(f.scheduled), "fire %d scheduled at %s, want %s", i, f.scheduled, want)
		assert.WithinDuration(t, f.scheduled, f.fired, 250*time.Millisecond, "fire %d ran promptly", i)
	}

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.TriggersFired, int64(3))
	assert.Equal(t, "started", stats.State)
}

// King Dedede only swings one hammer at a time: while one trigger of a
// non-concurrent job executes, its sibling waits BLOCKED
func TestDededeNonConcurrentJobBlocksSiblings(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	release := make(chan struct{})
	var running, maxRunning atomic.Int32

	hammer := rec.handler("hammer", func(ctx context.Context, ec *schedule.ExecutionContext) schedule.Result {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return schedule.Success()
	})
	s := newTestScheduler(t, newMemoryStore(), hammer)

	job := schedule.NewJob("hammer", "dedede", "hammer")
	job.DisallowConcurrent = true
	swingA := schedule.NewTrigger("swing-a", "dedede", job.Key, schedule.Once())
	swingB := schedule.NewTrigger("swing-b", "dedede", job.Key, schedule.Once())
	_, err := s.ScheduleJob(ctx, job, swingA)
	require.NoError(t, err)
	_, err = s.ScheduleTrigger(ctx, swingB)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return running.Load() == 1 }, waitFor, tick)

	executing := s.CurrentlyExecutingJobs()
	require.Len(t, executing, 1)
	sibling := swingB.Key
	if executing[0].TriggerKey() == swingB.Key {
		sibling = swingA.Key
	}
	require.Eventually(t, func() bool {
		return triggerState(t, s, sibling) == schedule.StateBlocked
	}, waitFor, tick)
	assert.Equal(t, schedule.StateExecuting, triggerState(t, s, executing[0].TriggerKey()))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), running.Load(), "sibling must not start while the first swing runs")

	close(release)
	require.Eventually(t, func() bool { return rec.total() == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), maxRunning.Load())

	require.Eventually(t, func() bool {
		exists, err := s.CheckJobExists(ctx, job.Key)
		return err == nil && !exists
	}, waitFor, tick, "non-durable job goes once its last trigger completes")
}

// flakyStore fails completions of one trigger until it is healed
type flakyStore struct {
	jobstore.Store
	failFor  schedule.TriggerKey
	healthy  atomic.Bool
	failures atomic.Int32
}

func (f *flakyStore) TriggeredJobComplete(ctx context.Context, t *schedule.Trigger, job *schedule.JobDetail, instr schedule.CompletionInstruction) error {
	if t.Key == f.failFor && !f.healthy.Load() {
		f.failures.Add(1)
		return errors.Mark(errors.New("database is locked"), jobstore.ErrJobPersistence)
	}
	return f.Store.TriggeredJobComplete(ctx, t, job, instr)
}

// A completion the store cannot record is retried in the background while
// other triggers keep firing, and lands once the store recovers
func TestCompletionRetriedThroughStoreOutage(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	doomed := schedule.NewTriggerKey("d", "outage")
	store := &flakyStore{Store: newMemoryStore(), failFor: doomed}
	events := &schedulerEvents{}
	s := newTestScheduler(t, store, rec.handler("inhale", nil))
	s.AddSchedulerListener(events)

	d := schedule.NewJob("d", "outage", "inhale")
	_, err := s.ScheduleJob(ctx, d, schedule.NewTrigger("d", "outage", d.Key, schedule.Once()))
	require.NoError(t, err)

	e := schedule.NewJob("e", "outage", "inhale")
	eTrigger := schedule.NewTrigger("e", "outage", e.Key, schedule.Every(30*time.Millisecond))
	_, err = s.ScheduleJob(ctx, e, eTrigger)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.Stats().PendingCompletions == 1 }, waitFor, tick)
	assert.GreaterOrEqual(t, events.errorCount(), 1, "the first failure is reported")
	assert.Equal(t, schedule.StateExecuting, triggerState(t, s, doomed), "unrecorded trigger stays held")

	before := rec.count(eTrigger.Key)
	require.Eventually(t, func() bool { return rec.count(eTrigger.Key) >= before+2 }, waitFor, tick,
		"unrelated triggers keep firing during the outage")
	assert.Greater(t, store.failures.Load(), int32(1), "completion is retried")

	store.healthy.Store(true)
	require.Eventually(t, func() bool { return s.Stats().PendingCompletions == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		exists, err := s.CheckTriggerExists(ctx, doomed)
		return err == nil && !exists
	}, waitFor, tick)

	assert.Equal(t, 1, rec.count(doomed), "the job ran exactly once")
	assert.Greater(t, s.Stats().CompletionRetries, int64(0))
}

// An hour-late trigger with do-nothing misfire policy is moved to its next
// future occurrence without firing
func TestMisfireDoNothingSkipsMissedFires(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := newTestScheduler(t, newMemoryStore(), rec.handler("nap", nil))
	m := &misfires{}
	s.AddTriggerListener(m)

	job := schedule.NewJob("nap", "kirby", "nap")
	tr := schedule.NewTrigger("half-hourly", "kirby", job.Key, schedule.Every(30*time.Minute))
	tr.StartTime = time.Now().Add(-time.Hour - time.Second)
	tr.MisfireInstruction = schedule.MisfireDoNothing
	_, err := s.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return m.n.Load() == 1 }, waitFor, tick)

	stored, err := s.GetTrigger(ctx, tr.Key)
	require.NoError(t, err)
	require.NotNil(t, stored.NextFireTime)
	now := time.Now()
	assert.True(t, stored.NextFireTime.After(now))
	assert.False(t, stored.NextFireTime.After(now.Add(30*time.Minute)))
	assert.Equal(t, 0, stored.TimesTriggered)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.total(), "missed occurrences are not fired")
	assert.Equal(t, int64(1), s.Stats().Misfires)
}

// Waddle Dee and Waddle Doo share one database; every occurrence fires on
// exactly one of them
func TestWaddleTwinsFireEachOccurrenceOnce(t *testing.T) {
	ctx := context.Background()
	conn, path := tempotest.CreateTestFileDB(t)
	other, err := db.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })

	rec := &recorder{}
	newNode := func(instanceID string, conn *sql.DB) *Scheduler {
		store := jobstore.NewSQLStore(conn, jobstore.SQLOptions{
			Options: jobstore.Options{
				InstanceID:       instanceID,
				MisfireThreshold: time.Minute,
				Logger:           zap.NewNop().Sugar(),
			},
			Clustered: true,
		})
		cfg := testConfig()
		cfg.InstanceID = instanceID
		return newTestSchedulerWith(t, store, cfg, rec.handler("spark", nil))
	}
	dee := newNode("waddle-dee", conn)
	doo := newNode("waddle-doo", other)

	var keys []schedule.TriggerKey
	for _, name := range []string{"g", "h", "i", "j", "k", "l", "m", "n"} {
		job := schedule.NewJob(name, "waddle", "spark")
		tr := schedule.NewTrigger(name, "waddle", job.Key, schedule.Once())
		_, err := dee.ScheduleJob(ctx, job, tr)
		require.NoError(t, err)
		keys = append(keys, tr.Key)
	}

	require.NoError(t, dee.Start(ctx))
	require.NoError(t, doo.Start(ctx))

	require.Eventually(t, func() bool { return rec.total() >= len(keys) }, 10*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, len(keys), rec.total())
	for _, k := range keys {
		assert.Equal(t, 1, rec.count(k), "trigger %s fired once", k)
	}
}

// A trigger whose end time has already passed settles COMPLETE without firing
func TestTriggerPastItsEndTimeCompletes(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	events := &schedulerEvents{}
	s := newTestScheduler(t, newMemoryStore(), rec.handler("inhale", nil))
	s.AddSchedulerListener(events)

	job := schedule.NewJob("late", "kirby", "inhale")
	job.Durable = true
	tr := schedule.NewTrigger("late", "kirby", job.Key, schedule.Every(2*time.Hour))
	tr.StartTime = time.Now().Add(-time.Hour)
	end := time.Now().Add(-30 * time.Minute)
	tr.EndTime = &end
	_, err := s.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool {
		return triggerState(t, s, tr.Key) == schedule.StateComplete
	}, waitFor, tick)
	assert.True(t, events.wasFinalized(tr.Key))
	assert.Equal(t, 0, rec.total())
}

// A trigger with no occurrence between its start and end is accepted and
// stored COMPLETE straight away
func TestTriggerThatNeverFiresIsStoredComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newMemoryStore(), (&recorder{}).handler("inhale", nil))

	job := schedule.NewJob("never", "kirby", "inhale")
	job.Durable = true
	tr := schedule.NewTrigger("never", "kirby", job.Key, schedule.CronIn("0 0 0 1 1 *", "UTC"))
	tr.StartTime = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tr.EndTime = &end

	first, err := s.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)
	assert.Nil(t, first)
	assert.Equal(t, schedule.StateComplete, triggerState(t, s, tr.Key))
}

// A newly scheduled trigger due sooner than the one the loop is waiting on
// fires first
func TestEarlierTriggerPreemptsHeldOne(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	cfg := testConfig()
	cfg.IdleWaitTime = 5 * time.Second
	s := newTestSchedulerWith(t, newMemoryStore(), cfg, rec.handler("inhale", nil))
	require.NoError(t, s.Start(ctx))

	later := schedule.NewJob("later", "kirby", "inhale")
	laterTrigger := schedule.NewTrigger("later", "kirby", later.Key, schedule.Once())
	laterTrigger.StartTime = time.Now().Add(2 * time.Second)
	_, err := s.ScheduleJob(ctx, later, laterTrigger)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return triggerState(t, s, laterTrigger.Key) == schedule.StateAcquired
	}, waitFor, tick, "loop holds the later trigger while it waits")

	sooner := schedule.NewJob("sooner", "kirby", "inhale")
	soonerTrigger := schedule.NewTrigger("sooner", "kirby", sooner.Key, schedule.Once())
	_, err = s.ScheduleJob(ctx, sooner, soonerTrigger)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count(soonerTrigger.Key) == 1 }, time.Second, tick)
	assert.Equal(t, 0, rec.count(laterTrigger.Key))

	require.Eventually(t, func() bool { return rec.count(laterTrigger.Key) == 1 }, waitFor, tick)
}

func TestSchedulerLifecycle(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	events := &schedulerEvents{}
	s := newTestScheduler(t, newMemoryStore(), rec.handler("inhale", nil))
	s.AddSchedulerListener(events)
	assert.True(t, s.IsInStandby())

	job := schedule.NewJob("pulse", "kirby", "inhale")
	tr := schedule.NewTrigger("pulse", "kirby", job.Key, schedule.Every(30*time.Millisecond))
	_, err := s.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.total(), "nothing fires before Start")

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "starting twice is harmless")
	assert.True(t, s.IsStarted())
	require.Eventually(t, func() bool { return rec.total() >= 2 }, waitFor, tick)

	require.NoError(t, s.Standby(ctx))
	assert.True(t, s.IsInStandby())
	time.Sleep(50 * time.Millisecond)
	paused := rec.total()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, paused, rec.total(), "standby stops firing")

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return rec.total() > paused }, waitFor, tick)

	require.NoError(t, s.Shutdown(ctx, true))
	assert.True(t, s.IsShutdown())
	require.NoError(t, s.Shutdown(ctx, true), "shutting down twice is harmless")

	err = s.Start(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = s.ScheduleJob(ctx, schedule.NewJob("x", "kirby", "inhale"),
		schedule.NewTrigger("x", "kirby", schedule.JobKey{}, schedule.Once()))
	assert.ErrorIs(t, err, ErrShutdown)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, 2, events.started)
	assert.Equal(t, 1, events.standby)
	assert.Equal(t, 1, events.shutdown)
}

// Kirby's crew is sent home while the scheduler keeps running: the loop
// says so once and idles instead of spinning
func TestLoopIdlesWhenPoolShutDownUnderIt(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := testConfig()
	cfg.Logger = zap.New(core).Sugar()
	rec := &recorder{}
	s := newTestSchedulerWith(t, newMemoryStore(), cfg, rec.handler("inhale", nil))

	job := schedule.NewJob("pulse", "kirby", "inhale")
	_, err := s.ScheduleJob(ctx, job, schedule.NewTrigger("pulse", "kirby", job.Key, schedule.Every(20*time.Millisecond)))
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return rec.total() >= 1 }, waitFor, tick)

	s.pool.Shutdown(false)
	time.Sleep(350 * time.Millisecond)

	warned := logs.FilterMessageSnippet("Worker pool is shut down").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	assert.LessOrEqual(t, logs.FilterMessage("Waiting for workers").Len(), 6,
		"the loop waits IdleWaitTime between checks")

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(ctx, true) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return")
	}
	assert.True(t, s.IsShutdown())
}

func TestJobResults(t *testing.T) {
	ctx := context.Background()

	t.Run("failure with retry re-executes immediately", func(t *testing.T) {
		rec := &recorder{}
		s := newTestScheduler(t, newMemoryStore(), rec.handler("flaky", func(_ context.Context, ec *schedule.ExecutionContext) schedule.Result {
			if ec.RefireCount < 2 {
				return schedule.Failure(errors.New("not yet"), true)
			}
			return schedule.Success()
		}))
		job := schedule.NewJob("flaky", "kirby", "flaky")
		tr := schedule.NewTrigger("once", "kirby", job.Key, schedule.Once())
		_, err := s.ScheduleJob(ctx, job, tr)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))

		require.Eventually(t, func() bool { return rec.count(tr.Key) == 3 }, waitFor, tick)
		fires := rec.of(tr.Key)
		for i, f := range fires {
			assert.Equal(t, i, f.refire)
			assert.True(t, fires[0].scheduled.Equal(f.scheduled), "re-executions share the fire")
		}
		require.Eventually(t, func() bool {
			exists, err := s.CheckTriggerExists(ctx, tr.Key)
			return err == nil && !exists
		}, waitFor, tick)
		assert.Equal(t, int64(2), s.Stats().JobsFailed)
	})

	t.Run("panic is a failure and the trigger keeps firing", func(t *testing.T) {
		var failures []error
		var mu sync.Mutex
		rec := &recorder{}
		s := newTestScheduler(t, newMemoryStore(), rec.handler("boom", func(context.Context, *schedule.ExecutionContext) schedule.Result {
			panic("poyo")
		}))
		s.AddJobListener(&jobEvents{onExecuted: func(ec *schedule.ExecutionContext) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, ec.Result.Err)
		}})
		job := schedule.NewJob("boom", "kirby", "boom")
		tr := schedule.NewTrigger("boom", "kirby", job.Key, schedule.Every(30*time.Millisecond))
		_, err := s.ScheduleJob(ctx, job, tr)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))

		require.Eventually(t, func() bool { return rec.count(tr.Key) >= 2 }, waitFor, tick)
		mu.Lock()
		require.NotEmpty(t, failures)
		var panicErr *async.PanicError
		assert.True(t, errors.As(failures[0], &panicErr))
		mu.Unlock()
		assert.NotEqual(t, schedule.StateError, triggerState(t, s, tr.Key))
	})

	t.Run("unschedule all of job completes every trigger", func(t *testing.T) {
		rec := &recorder{}
		s := newTestScheduler(t, newMemoryStore(), rec.handler("done", func(context.Context, *schedule.ExecutionContext) schedule.Result {
			return schedule.UnscheduleAllOfJob()
		}))
		job := schedule.NewJob("done", "kirby", "done")
		job.Durable = true
		now := schedule.NewTrigger("now", "kirby", job.Key, schedule.Every(time.Hour))
		later := schedule.NewTrigger("later", "kirby", job.Key, schedule.Every(time.Hour))
		later.StartTime = time.Now().Add(time.Hour)
		_, err := s.ScheduleJob(ctx, job, now)
		require.NoError(t, err)
		_, err = s.ScheduleTrigger(ctx, later)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))

		require.Eventually(t, func() bool {
			return triggerState(t, s, now.Key) == schedule.StateComplete &&
				triggerState(t, s, later.Key) == schedule.StateComplete
		}, waitFor, tick)
		assert.Equal(t, 1, rec.total())
	})

	t.Run("unknown handler parks the job's triggers in ERROR", func(t *testing.T) {
		store := newMemoryStore()
		events := &schedulerEvents{}
		s := newTestScheduler(t, store)
		s.AddSchedulerListener(events)

		// stored behind the scheduler's back: the handler was never registered
		job := schedule.NewJob("ghost", "kirby", "ghost")
		tr := schedule.NewTrigger("ghost", "kirby", job.Key, schedule.Every(time.Hour))
		require.NoError(t, store.StoreJobAndTrigger(ctx, job, tr))
		require.NoError(t, s.Start(ctx))

		require.Eventually(t, func() bool {
			return triggerState(t, s, tr.Key) == schedule.StateError
		}, waitFor, tick)
		assert.GreaterOrEqual(t, events.errorCount(), 1)
	})

	t.Run("interrupted job is not re-executed", func(t *testing.T) {
		rec := &recorder{}
		s := newTestScheduler(t, newMemoryStore(), rec.handler("sleepy", func(ctx context.Context, _ *schedule.ExecutionContext) schedule.Result {
			<-ctx.Done()
			return schedule.Failure(ctx.Err(), true)
		}))
		job := schedule.NewJob("sleepy", "kirby", "sleepy")
		tr := schedule.NewTrigger("sleepy", "kirby", job.Key, schedule.Every(time.Hour))
		_, err := s.ScheduleJob(ctx, job, tr)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))

		require.Eventually(t, func() bool { return len(s.CurrentlyExecutingJobs()) == 1 }, waitFor, tick)
		assert.True(t, s.Interrupt(job.Key))
		require.Eventually(t, func() bool { return len(s.CurrentlyExecutingJobs()) == 0 }, waitFor, tick)
		assert.False(t, s.Interrupt(job.Key))
		assert.False(t, s.InterruptFire("no-such-fire"))

		require.Eventually(t, func() bool {
			return triggerState(t, s, tr.Key) == schedule.StateWaiting
		}, waitFor, tick)
		assert.Equal(t, 1, rec.total())
	})

	t.Run("changed job data is persisted when asked", func(t *testing.T) {
		counter := func(_ context.Context, ec *schedule.ExecutionContext) schedule.Result {
			n, _ := ec.Job.Data.GetInt("stars")
			ec.Job.Data.Put("stars", n+1)
			return schedule.Success()
		}
		for _, persist := range []bool{true, false} {
			rec := &recorder{}
			s := newTestScheduler(t, newMemoryStore(), rec.handler("warp-star", counter))
			job := schedule.NewJob("warp-star", "kirby", "warp-star")
			job.DisallowConcurrent = true
			job.PersistDataAfterExecution = persist
			job.Data = schedule.NewJobDataMap(map[string]any{"stars": 0})
			tr := schedule.NewTrigger("warp", "kirby", job.Key, schedule.Every(20*time.Millisecond))
			_, err := s.ScheduleJob(ctx, job, tr)
			require.NoError(t, err)
			require.NoError(t, s.Start(ctx))

			require.Eventually(t, func() bool { return rec.total() >= 3 }, waitFor, tick)
			require.NoError(t, s.Standby(ctx))
			require.Eventually(t, func() bool { return len(s.CurrentlyExecutingJobs()) == 0 }, waitFor, tick)

			stored, err := s.GetJobDetail(ctx, job.Key)
			require.NoError(t, err)
			n, _ := stored.Data.GetInt("stars")
			if persist {
				assert.GreaterOrEqual(t, n, int64(2))
			} else {
				assert.Equal(t, int64(0), n)
			}
		}
	})
}

// jobEvents is a job listener built from callbacks
type jobEvents struct {
	JobListenerBase
	name       string
	onToBe     func(*schedule.ExecutionContext)
	onVetoed   func(*schedule.ExecutionContext)
	onExecuted func(*schedule.ExecutionContext)
}

func (j *jobEvents) Name() string {
	if j.name == "" {
		return "job-events"
	}
	return j.name
}

func (j *jobEvents) JobToBeExecuted(ec *schedule.ExecutionContext) {
	if j.onToBe != nil {
		j.onToBe(ec)
	}
}

func (j *jobEvents) JobExecutionVetoed(ec *schedule.ExecutionContext) {
	if j.onVetoed != nil {
		j.onVetoed(ec)
	}
}

func (j *jobEvents) JobWasExecuted(ec *schedule.ExecutionContext) {
	if j.onExecuted != nil {
		j.onExecuted(ec)
	}
}
