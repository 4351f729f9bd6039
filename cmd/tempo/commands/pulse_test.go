package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	tempotest "github.com/teranos/tempo/internal/testing"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/history"
	"github.com/teranos/tempo/pulse/schedule"
)

// Lighthouse Test Universe
//
// Characters:
//   - The Keeper: sweeps old entries out of the logbook every hour
//   - The Storm: takes the logbook away mid-sweep
//
// Theme: the logbook is pruned quietly, and a failed sweep is reported.

func observeGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.Logger
	logger.Logger = zap.New(core).Sugar()
	t.Cleanup(func() { logger.Logger = prev })
	return logs
}

func logEntry(id string, status string, started time.Time) *history.Execution {
	return &history.Execution{
		ID:                id,
		InstanceID:        "keeper",
		JobKey:            schedule.NewJobKey("lamp", "lighthouse"),
		TriggerKey:        schedule.NewTriggerKey("dusk", "lighthouse"),
		Status:            status,
		ScheduledFireTime: started,
		StartedAt:         started,
	}
}

func TestPruneOnceSweepsLogbook(t *testing.T) {
	ctx := context.Background()
	logs := observeGlobal(t)
	hist := history.NewStore(tempotest.CreateTestDB(t), "tempo")
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, hist.CreateExecution(ctx, logEntry("old", history.StatusCompleted, old)))
	require.NoError(t, hist.CreateExecution(ctx, logEntry("new", history.StatusCompleted, old.Add(72*time.Hour))))

	assert.Equal(t, int64(1), pruneOnce(ctx, hist, old.Add(24*time.Hour)))

	swept := logs.FilterMessage("Pruned execution history").All()
	require.Len(t, swept, 1)
	assert.Equal(t, zapcore.DebugLevel, swept[0].Level)
	assert.Equal(t, "⊔", swept[0].ContextMap()[logger.FieldSymbol])

	assert.Zero(t, pruneOnce(ctx, hist, old.Add(24*time.Hour)))
	assert.Len(t, logs.FilterMessage("Pruned execution history").All(), 1, "nothing pruned, nothing logged")
}

func TestPruneOnceReportsFailure(t *testing.T) {
	logs := observeGlobal(t)
	conn := tempotest.CreateTestDB(t)
	hist := history.NewStore(conn, "tempo")
	require.NoError(t, conn.Close())

	assert.Zero(t, pruneOnce(context.Background(), hist, time.Now()))

	failed := logs.FilterMessage("Failed to prune execution history").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.WarnLevel, failed[0].Level)
	assert.Equal(t, "꩜", failed[0].ContextMap()[logger.FieldSymbol])
}

func TestPruneOnceQuietAfterCancel(t *testing.T) {
	logs := observeGlobal(t)
	conn := tempotest.CreateTestDB(t)
	hist := history.NewStore(conn, "tempo")
	require.NoError(t, conn.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pruneOnce(ctx, hist, time.Now())
	assert.Zero(t, logs.Len())
}
