package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func misfiredTrigger(rule Rule, next time.Time, instr MisfireInstruction) *Trigger {
	tr := newTestTrigger(rule, epoch)
	tr.NextFireTime = &next
	tr.MisfireInstruction = instr
	return tr
}

func TestIsMisfired(t *testing.T) {
	tr := misfiredTrigger(Every(time.Minute), epoch, MisfireSmartPolicy)

	assert.False(t, IsMisfired(tr, epoch.Add(10*time.Second), 10*time.Second), "threshold is exclusive")
	assert.True(t, IsMisfired(tr, epoch.Add(11*time.Second), 10*time.Second))

	tr.MisfireInstruction = MisfireIgnorePolicy
	assert.False(t, IsMisfired(tr, epoch.Add(time.Hour), 10*time.Second))
	assert.Equal(t, MisfireActionNone, ResolveMisfire(tr, epoch.Add(time.Hour), 10*time.Second))
}

// An hour-late DO_NOTHING trigger moves to its next future occurrence
// without recording a fire for the missed one.
func TestResolveMisfire_DoNothing(t *testing.T) {
	now := epoch.Add(3*time.Hour + 5*time.Second)
	tr := misfiredTrigger(Every(10*time.Minute), now.Add(-time.Hour), MisfireDoNothing)

	action := ResolveMisfire(tr, now, 10*time.Second)
	require.Equal(t, MisfireActionSkip, action)

	tr.ApplyMisfire(action, now, nil)
	require.NotNil(t, tr.NextFireTime)
	assert.Equal(t, epoch.Add(3*time.Hour+10*time.Minute), *tr.NextFireTime)
	assert.Zero(t, tr.TimesTriggered)
	assert.Nil(t, tr.PreviousFireTime)
}

func TestResolveMisfire_Smart(t *testing.T) {
	threshold := 10 * time.Second

	t.Run("one-shot fires now", func(t *testing.T) {
		tr := misfiredTrigger(Once(), epoch, MisfireSmartPolicy)
		assert.Equal(t, MisfireActionFireNow, ResolveMisfire(tr, epoch.Add(time.Hour), threshold))
	})

	t.Run("unbounded skips", func(t *testing.T) {
		tr := misfiredTrigger(Every(time.Minute), epoch, MisfireSmartPolicy)
		assert.Equal(t, MisfireActionSkip, ResolveMisfire(tr, epoch.Add(time.Hour), threshold))
	})

	t.Run("bounded with one missed fires now", func(t *testing.T) {
		tr := misfiredTrigger(&SimpleRule{Interval: time.Minute, RepeatCount: 10}, epoch.Add(time.Minute), MisfireSmartPolicy)
		assert.Equal(t, MisfireActionFireNow, ResolveMisfire(tr, epoch.Add(90*time.Second), threshold))
	})

	t.Run("bounded with several missed skips", func(t *testing.T) {
		tr := misfiredTrigger(&SimpleRule{Interval: time.Minute, RepeatCount: 10}, epoch.Add(time.Minute), MisfireSmartPolicy)
		now := epoch.Add(3*time.Minute + 30*time.Second)
		action := ResolveMisfire(tr, now, threshold)
		require.Equal(t, MisfireActionSkip, action)

		tr.ApplyMisfire(action, now, nil)
		assert.Equal(t, epoch.Add(4*time.Minute), *tr.NextFireTime)
	})

	t.Run("cron fires once now", func(t *testing.T) {
		tr := misfiredTrigger(Cron("0 * * * *"), epoch, MisfireSmartPolicy)
		now := epoch.Add(5 * time.Hour)
		action := ResolveMisfire(tr, now, threshold)
		require.Equal(t, MisfireActionFireNow, action)

		tr.ApplyMisfire(action, now, nil)
		assert.Equal(t, now, *tr.NextFireTime)
	})
}

func TestApplyMisfire_Boundaries(t *testing.T) {
	t.Run("skip past the end completes", func(t *testing.T) {
		tr := misfiredTrigger(Every(time.Minute), epoch, MisfireDoNothing)
		end := epoch.Add(2 * time.Minute)
		tr.EndTime = &end

		tr.ApplyMisfire(MisfireActionSkip, epoch.Add(time.Hour), nil)
		assert.Nil(t, tr.NextFireTime)
	})

	t.Run("fire now after the end completes", func(t *testing.T) {
		tr := misfiredTrigger(Once(), epoch, MisfireFireOnceNow)
		end := epoch.Add(time.Minute)
		tr.EndTime = &end

		tr.ApplyMisfire(MisfireActionFireNow, epoch.Add(time.Hour), nil)
		assert.Nil(t, tr.NextFireTime)
	})

	t.Run("fire now respects the calendar", func(t *testing.T) {
		weekends, err := NewWeeklyCalendar("", time.Saturday, time.Sunday)
		require.NoError(t, err)
		tr := misfiredTrigger(Every(time.Hour), epoch, MisfireFireOnceNow)

		saturday := utc(2026, 1, 3, 12, 30, 0)
		tr.ApplyMisfire(MisfireActionFireNow, saturday, weekends)
		require.NotNil(t, tr.NextFireTime)
		assert.Equal(t, utc(2026, 1, 5, 0, 0, 0), *tr.NextFireTime)
	})
}

func TestParseMisfireInstruction(t *testing.T) {
	for _, m := range []MisfireInstruction{MisfireSmartPolicy, MisfireIgnorePolicy, MisfireFireOnceNow, MisfireDoNothing} {
		parsed, err := ParseMisfireInstruction(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	parsed, err := ParseMisfireInstruction("skip")
	require.NoError(t, err)
	assert.Equal(t, MisfireDoNothing, parsed)

	_, err = ParseMisfireInstruction("panic")
	assert.True(t, IsInvalidSchedule(err))
}
