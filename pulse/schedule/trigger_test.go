package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrigger(rule Rule, start time.Time) *Trigger {
	tr := NewTrigger("t1", "", NewJobKey("j1", ""), rule)
	tr.StartTime = start
	return tr
}

func TestTrigger_Validate(t *testing.T) {
	valid := newTestTrigger(Every(time.Minute), epoch)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(tr *Trigger)
	}{
		{"no name", func(tr *Trigger) { tr.Key.Name = "" }},
		{"no job", func(tr *Trigger) { tr.JobKey = JobKey{} }},
		{"no rule", func(tr *Trigger) { tr.Rule = nil }},
		{"bad rule", func(tr *Trigger) { tr.Rule = Cron("??") }},
		{"no start", func(tr *Trigger) { tr.StartTime = time.Time{} }},
		{"end before start", func(tr *Trigger) {
			end := epoch.Add(-time.Hour)
			tr.EndTime = &end
		}},
		{"bad misfire instruction", func(tr *Trigger) { tr.MisfireInstruction = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := valid.Clone()
			tt.mutate(tr)
			assert.True(t, IsInvalidSchedule(tr.Validate()))
		})
	}
}

func TestTrigger_FireSequence(t *testing.T) {
	tr := newTestTrigger(Every(5*time.Second), epoch)

	first := tr.ComputeFirstFireTime(nil)
	require.NotNil(t, first)
	assert.Equal(t, epoch, *first)

	var prev time.Time
	for i := 0; i < 4; i++ {
		fired := *tr.NextFireTime
		tr.Triggered(nil)

		require.NotNil(t, tr.PreviousFireTime)
		assert.Equal(t, fired, *tr.PreviousFireTime)
		require.NotNil(t, tr.NextFireTime)
		assert.Equal(t, 5*time.Second, tr.NextFireTime.Sub(fired), "advances from the previous fire, not from now")
		assert.True(t, fired.After(prev))
		prev = fired
	}
	assert.Equal(t, 4, tr.TimesTriggered)
}

func TestTrigger_EndTime(t *testing.T) {
	t.Run("end already passed yields no fire", func(t *testing.T) {
		tr := newTestTrigger(Cron("0 9 * * *"), utc(2026, 1, 1, 10, 0, 0))
		end := utc(2026, 1, 1, 12, 0, 0)
		tr.EndTime = &end

		assert.Nil(t, tr.ComputeFirstFireTime(nil))
		assert.False(t, tr.MayFireAgain())
		assert.Equal(t, InstructionDeleteTrigger, tr.ExecutionComplete(Success()))
	})

	t.Run("stops at end", func(t *testing.T) {
		tr := newTestTrigger(Every(time.Minute), epoch)
		end := epoch.Add(90 * time.Second)
		tr.EndTime = &end

		tr.ComputeFirstFireTime(nil)
		tr.Triggered(nil)
		require.NotNil(t, tr.NextFireTime)
		assert.Equal(t, epoch.Add(time.Minute), *tr.NextFireTime)
		tr.Triggered(nil)
		assert.Nil(t, tr.NextFireTime)
	})
}

func TestTrigger_FireTimeAfterSkipsCalendar(t *testing.T) {
	weekends, err := NewWeeklyCalendar("", time.Saturday, time.Sunday)
	require.NoError(t, err)

	// Friday 2026-01-02 09:00, daily
	tr := newTestTrigger(Every(24*time.Hour), utc(2026, 1, 2, 9, 0, 0))

	next := tr.FireTimeAfter(utc(2026, 1, 2, 9, 0, 0), weekends)
	require.NotNil(t, next)
	assert.Equal(t, utc(2026, 1, 5, 9, 0, 0), *next)

	everything, err := NewWeeklyCalendar("", 0, 1, 2, 3, 4, 5, 6)
	require.NoError(t, err)
	assert.Nil(t, tr.FireTimeAfter(epoch, everything))
}

func TestTrigger_ExecutionComplete(t *testing.T) {
	tr := newTestTrigger(Every(time.Minute), epoch)
	tr.ComputeFirstFireTime(nil)

	boom := errors.New("boom")
	tests := []struct {
		result Result
		want   CompletionInstruction
	}{
		{Success(), InstructionNoop},
		{Failure(boom, false), InstructionNoop},
		{Failure(boom, true), InstructionReExecuteJob},
		{UnscheduleSelf(), InstructionSetTriggerComplete},
		{UnscheduleAllOfJob(), InstructionSetAllJobTriggersComplete},
	}
	for _, tt := range tests {
		t.Run(tt.result.Kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tr.ExecutionComplete(tt.result))
		})
	}

	t.Run("failure without refire never parks in error", func(t *testing.T) {
		last := newTestTrigger(Once(), epoch)
		last.ComputeFirstFireTime(nil)
		last.Triggered(nil)
		assert.Equal(t, InstructionDeleteTrigger, last.ExecutionComplete(Failure(boom, false)))
		assert.Equal(t, InstructionNoop, tr.ExecutionComplete(Failure(boom, false)))
	})
}

func TestTrigger_UpdateWithNewCalendar(t *testing.T) {
	tr := newTestTrigger(Every(24*time.Hour), utc(2026, 1, 2, 9, 0, 0))
	tr.ComputeFirstFireTime(nil)
	tr.Triggered(nil) // fired Friday, next Saturday

	weekends, err := NewWeeklyCalendar("", time.Saturday, time.Sunday)
	require.NoError(t, err)

	tr.UpdateWithNewCalendar(weekends, utc(2026, 1, 2, 10, 0, 0), time.Minute)
	require.NotNil(t, tr.NextFireTime)
	assert.Equal(t, utc(2026, 1, 5, 9, 0, 0), *tr.NextFireTime)
}

func TestTrigger_CloneIsIndependent(t *testing.T) {
	tr := newTestTrigger(Every(time.Minute), epoch)
	tr.ComputeFirstFireTime(nil)
	tr.Data.Put("k", "v")

	c := tr.Clone()
	c.Triggered(nil)
	c.Data.Put("k", "changed")

	assert.Equal(t, epoch, *tr.NextFireTime)
	assert.Zero(t, tr.TimesTriggered)
	v, _ := tr.Data.GetString("k")
	assert.Equal(t, "v", v)
}

func TestTrigger_Normalize(t *testing.T) {
	tr := newTestTrigger(Once(), epoch.Add(1234567*time.Nanosecond))
	tr.Normalize()
	assert.Equal(t, epoch.Add(time.Millisecond), tr.StartTime)
}
