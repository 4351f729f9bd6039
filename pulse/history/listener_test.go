package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	tempotest "github.com/teranos/tempo/internal/testing"
	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/jobstore"
	"github.com/teranos/tempo/pulse/schedule"
	"github.com/teranos/tempo/pulse/scheduler"
)

func newScheduler(t *testing.T, handlers ...async.JobHandler) *scheduler.Scheduler {
	t.Helper()
	store := jobstore.NewMemoryStore(jobstore.Options{Logger: zap.NewNop().Sugar()})
	s, err := scheduler.New(context.Background(), store,
		async.NewWorkerPool(2, zap.NewNop().Sugar()),
		async.NewHandlerRegistry(handlers...),
		scheduler.Config{IdleWaitTime: 100 * time.Millisecond, Logger: zap.NewNop().Sugar()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background(), true) })
	return s
}

func TestListenerRecordsEveryAttempt(t *testing.T) {
	ctx := context.Background()
	store := NewStore(tempotest.CreateTestDB(t), scheduler.DefaultName)

	s := newScheduler(t, async.HandlerFunc{
		HandlerName: "segment",
		Fn: func(_ context.Context, ec *schedule.ExecutionContext) schedule.Result {
			if ec.RefireCount == 0 {
				return schedule.Failure(errors.New("desync on frame 42"), true)
			}
			return schedule.Success()
		},
	}, async.HandlerFunc{
		HandlerName: "crash",
		Fn: func(context.Context, *schedule.ExecutionContext) schedule.Result {
			return schedule.Failure(errors.New("emulator crashed"), false)
		},
	})
	s.AddJobListener(NewListener(store, zap.NewNop().Sugar()))

	run := schedule.NewJob("green-greens", "tasbot", "segment")
	_, err := s.ScheduleJob(ctx, run, schedule.NewTrigger("once", "tasbot", run.Key, schedule.Once()))
	require.NoError(t, err)
	crash := schedule.NewJob("crash", "tasbot", "crash")
	_, err = s.ScheduleJob(ctx, crash, schedule.NewTrigger("crash", "tasbot", crash.Key, schedule.Once()))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	var runs []*Execution
	require.Eventually(t, func() bool {
		runs, err = store.ListExecutions(ctx, run.Key, 0)
		return err == nil && len(runs) == 1 && runs[0].Status != StatusRunning
	}, 3*time.Second, 10*time.Millisecond)

	got := runs[0]
	assert.Equal(t, StatusCompleted, got.Status, "the re-execution succeeded")
	assert.Equal(t, 1, got.RefireCount)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.DurationMs)
	assert.Nil(t, got.ErrorCode)
	assert.Equal(t, scheduler.DefaultInstanceID, got.InstanceID)

	var crashes []*Execution
	require.Eventually(t, func() bool {
		crashes, err = store.ListExecutions(ctx, crash.Key, 0)
		return err == nil && len(crashes) == 1 && crashes[0].Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)
	require.NotNil(t, crashes[0].ErrorMessage)
	assert.Contains(t, *crashes[0].ErrorMessage, "emulator crashed")
	require.NotNil(t, crashes[0].ErrorCode)
	assert.NotEmpty(t, *crashes[0].ErrorCode)
}

type vetoAll struct{ scheduler.TriggerListenerBase }

func (vetoAll) Name() string                                      { return "veto-all" }
func (vetoAll) VetoJobExecution(*schedule.ExecutionContext) bool { return true }

func TestListenerRecordsVetoes(t *testing.T) {
	ctx := context.Background()
	store := NewStore(tempotest.CreateTestDB(t), scheduler.DefaultName)
	s := newScheduler(t, async.HandlerFunc{
		HandlerName: "segment",
		Fn:          func(context.Context, *schedule.ExecutionContext) schedule.Result { return schedule.Success() },
	})
	s.AddJobListener(NewListener(store, nil))
	s.AddTriggerListener(vetoAll{})

	job := schedule.NewJob("warp-zone", "tasbot", "segment")
	_, err := s.ScheduleJob(ctx, job, schedule.NewTrigger("once", "tasbot", job.Key, schedule.Once()))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		execs, err := store.ListExecutions(ctx, job.Key, 0)
		return err == nil && len(execs) == 1 && execs[0].Status == StatusVetoed
	}, 3*time.Second, 10*time.Millisecond)
}
