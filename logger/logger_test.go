package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	defer func() { Logger = zap.NewNop().Sugar() }()

	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{"console", false},
		{"json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, Initialize(tt.jsonOutput))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
		})
	}
}

func TestInitializeWithVerbosity(t *testing.T) {
	defer func() { Logger = zap.NewNop().Sugar() }()

	require.NoError(t, InitializeWithVerbosity(false, 0))
	assert.False(t, Logger.Desugar().Core().Enabled(zapcore.InfoLevel))

	require.NoError(t, InitializeWithVerbosity(false, 2))
	assert.True(t, Logger.Desugar().Core().Enabled(zapcore.DebugLevel))
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(5))
	assert.Equal(t, "Info (-v)", LevelName(1))
}

func TestCleanup(t *testing.T) {
	assert.NotPanics(t, Cleanup)
}

// observe swaps the global logger for an observer for the test's duration
func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger
	Logger = zap.New(core).Sugar()
	t.Cleanup(func() { Logger = prev })
	return logs
}

func TestSymbolHelpers(t *testing.T) {
	logs := observe(t)

	PulseInfow("Trigger fired", FieldTriggerKey, "DEFAULT.t1")
	PulseOpenInfow("Scheduler started")
	PulseCloseInfow("Scheduler stopped")
	DBDebugw("Migration applied")
	PulseWarnw("Prune failed")

	entries := logs.All()
	require.Len(t, entries, 5)
	assert.Equal(t, "꩜", entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "DEFAULT.t1", entries[0].ContextMap()[FieldTriggerKey])
	assert.Equal(t, "✿", entries[1].ContextMap()[FieldSymbol])
	assert.Equal(t, "❀", entries[2].ContextMap()[FieldSymbol])
	assert.Equal(t, "⊔", entries[3].ContextMap()[FieldSymbol])
	assert.Equal(t, zapcore.DebugLevel, entries[3].Level)
	assert.Equal(t, "꩜", entries[4].ContextMap()[FieldSymbol])
	assert.Equal(t, zapcore.WarnLevel, entries[4].Level)
}

func TestAddSymbolWrappers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	AddLockSymbol(base).Infow("Lock obtained")
	AddPulseSymbol(base).Warnw("Misfire")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "⚿", entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "꩜", entries[1].ContextMap()[FieldSymbol])
}

func TestLoggerFromContext(t *testing.T) {
	logs := observe(t)

	ctx := WithTriggerKey(context.Background(), "DEFAULT.t1")
	ctx = WithJobKey(ctx, "DEFAULT.j1")
	ctx = WithComponent(ctx, "test")

	LoggerFromContext(ctx).Infow("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "DEFAULT.t1", fields[FieldTriggerKey])
	assert.Equal(t, "DEFAULT.j1", fields[FieldJobKey])
	assert.Equal(t, "test", fields[FieldComponent])

	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestComponentLogger(t *testing.T) {
	logs := observe(t)

	ComponentLogger("pulse.worker").Infow("ready")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "pulse.worker", entries[0].LoggerName)
}
