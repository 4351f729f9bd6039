package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
	tempotest "github.com/teranos/tempo/internal/testing"
	"github.com/teranos/tempo/pulse/schedule"
)

// Speedrun Log Test Universe
//
// Characters:
//   - TAS Bot: runs the same segment many times and wants every attempt logged
//   - Kirby: a second runner sharing the log, filtered out by job key
//
// Theme: every attempt gets a row; the scoreboard lists the newest first.

var segment = schedule.NewJobKey("green-greens", "tasbot")

func attempt(id string, started time.Time) *Execution {
	return &Execution{
		ID:                id,
		InstanceID:        "tasbot-1",
		JobKey:            segment,
		TriggerKey:        schedule.NewTriggerKey("every-frame", "tasbot"),
		Status:            StatusRunning,
		ScheduledFireTime: started.Add(-time.Millisecond),
		StartedAt:         started,
	}
}

func TestStoreRecordsAttempt(t *testing.T) {
	ctx := context.Background()
	store := NewStore(tempotest.CreateTestDB(t), "tempo")
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateExecution(ctx, attempt("run-1", started)))

	got, err := store.GetExecution(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "tempo", got.SchedulerName)
	assert.Equal(t, segment, got.JobKey)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.DurationMs)

	completed := started.Add(1500 * time.Millisecond)
	duration := int64(1500)
	code, msg := "timeout", "frame window missed"
	require.NoError(t, store.UpdateExecution(ctx, &Execution{
		ID:           "run-1",
		Status:       StatusFailed,
		CompletedAt:  &completed,
		DurationMs:   &duration,
		RefireCount:  2,
		ErrorCode:    &code,
		ErrorMessage: &msg,
	}))

	got, err = store.GetExecution(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))
	assert.Equal(t, int64(1500), *got.DurationMs)
	assert.Equal(t, 2, got.RefireCount)
	assert.Equal(t, "timeout", *got.ErrorCode)
	assert.Equal(t, "frame window missed", *got.ErrorMessage)
}

func TestStoreMissingExecution(t *testing.T) {
	ctx := context.Background()
	store := NewStore(tempotest.CreateTestDB(t), "tempo")

	_, err := store.GetExecution(ctx, "ghost")
	assert.True(t, errors.IsNotFoundError(err))

	err = store.UpdateExecution(ctx, &Execution{ID: "ghost", Status: StatusCompleted})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListExecutionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	conn := tempotest.CreateTestDB(t)
	store := NewStore(conn, "tempo")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, store.CreateExecution(ctx, attempt(id, base.Add(time.Duration(i)*time.Minute))))
	}
	kirby := attempt("kirby-1", base.Add(time.Hour))
	kirby.JobKey = schedule.NewJobKey("inhale", "kirby")
	require.NoError(t, store.CreateExecution(ctx, kirby))

	// another scheduler's rows are invisible
	require.NoError(t, NewStore(conn, "other").CreateExecution(ctx, attempt("foreign", base)))

	all, err := store.ListExecutions(ctx, schedule.JobKey{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "kirby-1", all[0].ID)

	runs, err := store.ListExecutions(ctx, segment, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)
}

func TestPruneKeepsRunningExecutions(t *testing.T) {
	ctx := context.Background()
	store := NewStore(tempotest.CreateTestDB(t), "tempo")
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	done := attempt("old-done", old)
	done.Status = StatusCompleted
	require.NoError(t, store.CreateExecution(ctx, done))
	require.NoError(t, store.CreateExecution(ctx, attempt("old-running", old)))
	require.NoError(t, store.CreateExecution(ctx, attempt("recent", old.Add(48*time.Hour))))

	n, err := store.Prune(ctx, old.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.ListExecutions(ctx, schedule.JobKey{}, 0)
	require.NoError(t, err)
	ids := make([]string, len(left))
	for i, e := range left {
		ids[i] = e.ID
	}
	assert.ElementsMatch(t, []string{"old-running", "recent"}, ids)
}
