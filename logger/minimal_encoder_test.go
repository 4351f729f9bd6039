package logger

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/tempo/sym"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stripANSI removes ANSI color codes from a string for testing
func stripANSI(str string) string {
	ansiRegex := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansiRegex.ReplaceAllString(str, "")
}

func encode(t *testing.T, ent zapcore.Entry, fields ...zapcore.Field) string {
	t.Helper()
	buf, err := newMinimalEncoder().EncodeEntry(ent, fields)
	require.NoError(t, err)
	defer buf.Free()
	return stripANSI(buf.String())
}

// The console encoder must never silently drop a field.
func TestMinimalEncoderNeverDiscardsFields(t *testing.T) {
	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "pulse.scheduler",
		Message:    "Trigger fired",
	}

	cases := []struct {
		field    zapcore.Field
		mustFind string
	}{
		{zap.String("state", "WAITING"), "state=WAITING"},
		{zap.Bool("recovering", true), "recovering=true"},
		{zap.Float64("load", 0.5), "load=0.5"},
		{zap.Float32("ratio", 3.14), "ratio=3.14"},
		{zap.Int("count", 999), "count=999"},
		{zap.Int64("attempts", 9999999), "attempts=9999999"},
		{zap.Duration("backoff", 250 * time.Millisecond), "backoff=250ms"},
		{zap.String("field.with.dots", "x"), "field.with.dots=x"},
		{zap.Error(errors.New("disk full")), "error=disk full"},
		{zap.String(FieldJobKey, "DEFAULT.report"), "DEFAULT.report"},
		{zap.String(FieldTriggerKey, "DEFAULT.nightly"), "DEFAULT.nightly"},
		{zap.Int64(FieldDurationMS, 12), "12ms"},
	}

	var fields []zapcore.Field
	for _, c := range cases {
		fields = append(fields, c.field)
	}

	out := encode(t, entry, fields...)
	for _, c := range cases {
		assert.Contains(t, out, c.mustFind, "field %q missing from output", c.field.Key)
	}
}

func TestMinimalEncoderLayout(t *testing.T) {
	ts := time.Date(2026, 3, 1, 13, 4, 35, 0, time.UTC)

	t.Run("info hides level", func(t *testing.T) {
		out := encode(t, zapcore.Entry{Level: zapcore.InfoLevel, Time: ts, LoggerName: "pulse.worker", Message: "Started"})
		assert.Equal(t, "13:04:35  p.worker  Started\n", out)
	})

	t.Run("warn shows level", func(t *testing.T) {
		out := encode(t, zapcore.Entry{Level: zapcore.WarnLevel, Time: ts, Message: "Store failing"})
		assert.True(t, strings.HasPrefix(out, "13:04:35  WARN  Store failing"), out)
	})

	t.Run("symbol leads message", func(t *testing.T) {
		out := encode(t, zapcore.Entry{Level: zapcore.InfoLevel, Time: ts, Message: "Scheduler started"},
			zap.String(FieldSymbol, sym.PulseOpen))
		assert.Equal(t, "13:04:35  "+sym.PulseOpen+" Scheduler started\n", out)
		assert.NotContains(t, out, "symbol=")
	})
}

func TestAbbreviateName(t *testing.T) {
	assert.Equal(t, "p.scheduler", abbreviateName("pulse.scheduler"))
	assert.Equal(t, "p.jobstore.sql", abbreviateName("pulse.jobstore.sql"))
	assert.Equal(t, "db", abbreviateName("db"))
}

func TestSetTheme(t *testing.T) {
	defer SetTheme("everforest")

	SetTheme("gruvbox")
	assert.Equal(t, "gruvbox", currentTheme)

	SetTheme("solarized")
	assert.Equal(t, "gruvbox", currentTheme, "unknown themes are ignored")
}
