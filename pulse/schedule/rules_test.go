package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSimpleRule_FireTimeAfter(t *testing.T) {
	r := Every(5 * time.Second)

	next, ok := r.FireTimeAfter(epoch, epoch.Add(-time.Nanosecond))
	require.True(t, ok)
	assert.Equal(t, epoch, next, "first fire is the start time")

	next, ok = r.FireTimeAfter(epoch, epoch)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(5*time.Second), next, "strictly after")

	next, ok = r.FireTimeAfter(epoch, epoch.Add(7*time.Second))
	require.True(t, ok)
	assert.Equal(t, epoch.Add(10*time.Second), next, "grid is anchored at start")
}

func TestSimpleRule_Bounded(t *testing.T) {
	r := &SimpleRule{Interval: 5 * time.Second, RepeatCount: 2}

	next, ok := r.FireTimeAfter(epoch, epoch.Add(5*time.Second))
	require.True(t, ok)
	assert.Equal(t, epoch.Add(10*time.Second), next)

	_, ok = r.FireTimeAfter(epoch, epoch.Add(10*time.Second))
	assert.False(t, ok, "three fires in total")

	_, ok = Once().FireTimeAfter(epoch, epoch)
	assert.False(t, ok)
}

func TestSimpleRule_Validate(t *testing.T) {
	assert.NoError(t, Once().Validate())
	assert.NoError(t, Every(time.Second).Validate())
	assert.True(t, IsInvalidSchedule(Every(0).Validate()))
	assert.True(t, IsInvalidSchedule((&SimpleRule{RepeatCount: -2}).Validate()))
	assert.True(t, IsInvalidSchedule(Every(1500*time.Microsecond).Validate()))
}

func TestCronRule(t *testing.T) {
	t.Run("five fields", func(t *testing.T) {
		next, ok := Cron("0 9 * * *").FireTimeAfter(epoch, epoch.Add(-time.Nanosecond))
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("optional seconds field", func(t *testing.T) {
		next, ok := Cron("30 * * * * *").FireTimeAfter(epoch, epoch)
		require.True(t, ok)
		assert.Equal(t, epoch.Add(30*time.Second), next)
	})

	t.Run("descriptor", func(t *testing.T) {
		next, ok := Cron("@hourly").FireTimeAfter(epoch, epoch)
		require.True(t, ok)
		assert.Equal(t, epoch.Add(time.Hour), next)
	})

	t.Run("start is inclusive", func(t *testing.T) {
		start := epoch.Add(9 * time.Hour)
		next, ok := Cron("0 9 * * *").FireTimeAfter(start, epoch)
		require.True(t, ok)
		assert.Equal(t, start, next)
	})

	t.Run("location", func(t *testing.T) {
		next, ok := CronIn("0 9 * * *", "America/New_York").FireTimeAfter(epoch, epoch)
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("invalid", func(t *testing.T) {
		assert.True(t, IsInvalidSchedule(Cron("not a cron").Validate()))
		assert.True(t, IsInvalidSchedule(Cron("").Validate()))
		assert.True(t, IsInvalidSchedule(CronIn("@daily", "Mars/Olympus").Validate()))

		_, ok := Cron("bogus").FireTimeAfter(epoch, epoch)
		assert.False(t, ok)
	})
}

func TestCalendarIntervalRule(t *testing.T) {
	t.Run("months", func(t *testing.T) {
		start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
		r := EveryCalendar(1, UnitMonth)

		next, ok := r.FireTimeAfter(start, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC))
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC), next)
	})

	t.Run("days keep wall clock across DST", func(t *testing.T) {
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)

		start := time.Date(2026, 3, 7, 9, 0, 0, 0, ny)
		r := &CalendarIntervalRule{Unit: UnitDay, Interval: 1, Location: "America/New_York"}

		next, ok := r.FireTimeAfter(start, start)
		require.True(t, ok)
		assert.Equal(t, 9, next.In(ny).Hour())
		assert.Equal(t, 8, next.In(ny).Day())
		assert.Equal(t, 23*time.Hour, next.Sub(start))
	})

	t.Run("weeks", func(t *testing.T) {
		r := EveryCalendar(2, UnitWeek)
		next, ok := r.FireTimeAfter(epoch, epoch.Add(24*time.Hour))
		require.True(t, ok)
		assert.Equal(t, epoch.AddDate(0, 0, 14), next)
	})

	t.Run("hours", func(t *testing.T) {
		next, ok := EveryCalendar(3, UnitHour).FireTimeAfter(epoch, epoch.Add(4*time.Hour))
		require.True(t, ok)
		assert.Equal(t, epoch.Add(6*time.Hour), next)
	})

	t.Run("validate", func(t *testing.T) {
		assert.NoError(t, EveryCalendar(1, UnitYear).Validate())
		assert.True(t, IsInvalidSchedule(EveryCalendar(0, UnitDay).Validate()))
		assert.True(t, IsInvalidSchedule(EveryCalendar(1, "fortnight").Validate()))
	})
}

func TestEncodeDecodeRule(t *testing.T) {
	rules := []Rule{
		&SimpleRule{Interval: 90 * time.Second, RepeatCount: 3},
		CronIn("0 */5 * * * *", "Europe/Amsterdam"),
		&CalendarIntervalRule{Unit: UnitMonth, Interval: 2, Location: "UTC"},
	}

	for _, r := range rules {
		t.Run(r.Kind(), func(t *testing.T) {
			kind, data, err := EncodeRule(r)
			require.NoError(t, err)
			assert.Equal(t, r.Kind(), kind)

			decoded, err := DecodeRule(kind, data)
			require.NoError(t, err)
			assert.Equal(t, r.String(), decoded.String())

			a, okA := r.FireTimeAfter(epoch, epoch.Add(time.Hour))
			b, okB := decoded.FireTimeAfter(epoch, epoch.Add(time.Hour))
			assert.Equal(t, okA, okB)
			assert.True(t, a.Equal(b))
		})
	}

	_, err := DecodeRule("lunar", []byte(`{}`))
	assert.Error(t, err)
}

func FuzzCronRule(f *testing.F) {
	for _, seed := range []string{"* * * * *", "0 9 * * 1-5", "*/15 * * * * *", "@weekly", "0 0 31 2 *", "61 * * * *", ""} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, expr string) {
		r := Cron(expr)
		if r.Validate() != nil {
			return
		}
		next, ok := r.FireTimeAfter(epoch, epoch)
		if ok && !next.After(epoch) {
			t.Fatalf("%q: fire time %s not after %s", expr, next, epoch)
		}
	})
}
