package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/jobstore"
	"github.com/teranos/tempo/pulse/schedule"
)

func TestScheduleJobValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newMemoryStore(), (&recorder{}).handler("inhale", nil))

	tests := []struct {
		name  string
		job   *schedule.JobDetail
		build func(job *schedule.JobDetail) *schedule.Trigger
	}{
		{
			name: "unknown handler",
			job:  schedule.NewJob("a", "kirby", "no-such-handler"),
			build: func(job *schedule.JobDetail) *schedule.Trigger {
				return schedule.NewTrigger("a", "kirby", job.Key, schedule.Once())
			},
		},
		{
			name: "trigger for another job",
			job:  schedule.NewJob("b", "kirby", "inhale"),
			build: func(*schedule.JobDetail) *schedule.Trigger {
				return schedule.NewTrigger("b", "kirby", schedule.NewJobKey("other", "kirby"), schedule.Once())
			},
		},
		{
			name: "bad cron expression",
			job:  schedule.NewJob("c", "kirby", "inhale"),
			build: func(job *schedule.JobDetail) *schedule.Trigger {
				return schedule.NewTrigger("c", "kirby", job.Key, schedule.Cron("every tuesday"))
			},
		},
		{
			name: "end before start",
			job:  schedule.NewJob("d", "kirby", "inhale"),
			build: func(job *schedule.JobDetail) *schedule.Trigger {
				tr := schedule.NewTrigger("d", "kirby", job.Key, schedule.Every(time.Minute))
				end := tr.StartTime.Add(-time.Hour)
				tr.EndTime = &end
				return tr
			},
		},
		{
			name: "missing calendar",
			job:  schedule.NewJob("e", "kirby", "inhale"),
			build: func(job *schedule.JobDetail) *schedule.Trigger {
				tr := schedule.NewTrigger("e", "kirby", job.Key, schedule.Every(time.Minute))
				tr.CalendarName = "no-such-calendar"
				return tr
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.ScheduleJob(ctx, tc.job, tc.build(tc.job))
			require.Error(t, err)
			assert.True(t, schedule.IsInvalidSchedule(err), "got %v", err)

			exists, err := s.CheckJobExists(ctx, tc.job.Key)
			require.NoError(t, err)
			assert.False(t, exists, "nothing is stored for a rejected job")
		})
	}
}

func TestScheduleJobDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newMemoryStore(), (&recorder{}).handler("inhale", nil))

	job := schedule.NewJob("inhale", "kirby", "inhale")
	_, err := s.ScheduleJob(ctx, job, schedule.NewTrigger("t", "kirby", schedule.JobKey{}, schedule.Once()))
	require.NoError(t, err)

	_, err = s.ScheduleJob(ctx, job, schedule.NewTrigger("t2", "kirby", schedule.JobKey{}, schedule.Once()))
	assert.ErrorIs(t, err, jobstore.ErrObjectAlreadyExists)
}

func TestAddAndTriggerDurableJob(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := newTestScheduler(t, newMemoryStore(), rec.handler("inhale", nil))

	job := schedule.NewJob("warp", "kirby", "inhale")
	err := s.AddJob(ctx, job, false)
	require.Error(t, err)
	assert.True(t, schedule.IsInvalidSchedule(err), "non-durable job without triggers is rejected")
	assert.NotEmpty(t, errors.FlattenHints(err))

	job.Durable = true
	job.Data = schedule.NewJobDataMap(map[string]any{"who": "kirby", "stage": "green greens"})
	require.NoError(t, s.AddJob(ctx, job, false))
	assert.ErrorIs(t, s.AddJob(ctx, job, false), jobstore.ErrObjectAlreadyExists)

	require.NoError(t, s.Start(ctx))
	tr, err := s.TriggerJob(ctx, job.Key, schedule.NewJobDataMap(map[string]any{"who": "meta-knight"}))
	require.NoError(t, err)
	assert.Equal(t, ManualTriggerGroup, tr.Key.Group)

	require.Eventually(t, func() bool { return rec.count(tr.Key) == 1 }, waitFor, tick)
	data := rec.of(tr.Key)[0].data
	who, _ := data.GetString("who")
	stage, _ := data.GetString("stage")
	assert.Equal(t, "meta-knight", who, "trigger data overrides job data")
	assert.Equal(t, "green greens", stage)

	require.Eventually(t, func() bool {
		exists, err := s.CheckTriggerExists(ctx, tr.Key)
		return err == nil && !exists
	}, waitFor, tick)
	exists, err := s.CheckJobExists(ctx, job.Key)
	require.NoError(t, err)
	assert.True(t, exists, "durable job outlives its triggers")

	_, err = s.TriggerJob(ctx, schedule.NewJobKey("ghost", "kirby"), schedule.JobDataMap{})
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func TestRescheduleAndUnschedule(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newMemoryStore(), (&recorder{}).handler("inhale", nil))

	job := schedule.NewJob("nap", "kirby", "inhale")
	tr := schedule.NewTrigger("nap", "kirby", job.Key, schedule.Every(time.Hour))
	_, err := s.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	next, err := s.RescheduleJob(ctx, schedule.NewTriggerKey("missing", "kirby"),
		schedule.NewTrigger("x", "kirby", job.Key, schedule.Once()))
	require.NoError(t, err)
	assert.Nil(t, next, "rescheduling a missing trigger is a no-op")

	replacement := schedule.NewTrigger("nap-daily", "kirby", schedule.JobKey{}, schedule.CronIn("0 0 9 * * *", "UTC"))
	next, err = s.RescheduleJob(ctx, tr.Key, replacement)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 9, next.UTC().Hour())
	assert.Equal(t, job.Key, replacement.JobKey, "replacement fires the same job")

	exists, err := s.CheckTriggerExists(ctx, tr.Key)
	require.NoError(t, err)
	assert.False(t, exists)

	triggers, err := s.GetTriggersOfJob(ctx, job.Key)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, replacement.Key, triggers[0].Key)

	removed, err := s.UnscheduleJob(ctx, replacement.Key)
	require.NoError(t, err)
	assert.True(t, removed)
	exists, err = s.CheckJobExists(ctx, job.Key)
	require.NoError(t, err)
	assert.False(t, exists, "non-durable job goes with its last trigger")

	removed, err = s.UnscheduleJob(ctx, replacement.Key)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDeleteJobNotifiesListeners(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newMemoryStore(), (&recorder{}).handler("inhale", nil))
	events := &unscheduleEvents{}
	s.AddSchedulerListener(events)

	job := schedule.NewJob("nap", "kirby", "inhale")
	_, err := s.ScheduleJob(ctx, job, schedule.NewTrigger("a", "kirby", job.Key, schedule.Every(time.Hour)))
	require.NoError(t, err)
	_, err = s.ScheduleTrigger(ctx, schedule.NewTrigger("b", "kirby", job.Key, schedule.Every(time.Hour)))
	require.NoError(t, err)

	deleted, err := s.DeleteJob(ctx, job.Key)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.ElementsMatch(t, []schedule.TriggerKey{
		schedule.NewTriggerKey("a", "kirby"),
		schedule.NewTriggerKey("b", "kirby"),
	}, events.unscheduled)
	assert.Equal(t, []schedule.JobKey{job.Key}, events.deleted)

	deleted, err = s.DeleteJob(ctx, job.Key)
	require.NoError(t, err)
	assert.False(t, deleted)
}

type unscheduleEvents struct {
	SchedulerListenerBase
	unscheduled []schedule.TriggerKey
	deleted     []schedule.JobKey
}

func (e *unscheduleEvents) JobUnscheduled(key schedule.TriggerKey) {
	e.unscheduled = append(e.unscheduled, key)
}

func (e *unscheduleEvents) JobDeleted(key schedule.JobKey) { e.deleted = append(e.deleted, key) }

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := newTestScheduler(t, newMemoryStore(), rec.handler("inhale", nil))

	dedede := schedule.NewJob("hammer", "dedede", "inhale")
	hammer := schedule.NewTrigger("hammer", "dedede", dedede.Key, schedule.Every(30*time.Millisecond))
	_, err := s.ScheduleJob(ctx, dedede, hammer)
	require.NoError(t, err)

	kirby := schedule.NewJob("inhale", "kirby", "inhale")
	inhale := schedule.NewTrigger("inhale", "kirby", kirby.Key, schedule.Every(30*time.Millisecond))
	_, err = s.ScheduleJob(ctx, kirby, inhale)
	require.NoError(t, err)

	groups, err := s.PauseTriggerGroup(ctx, schedule.MatchGroup("dedede"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dedede"}, groups)
	paused, err := s.PausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Contains(t, paused, "dedede")
	assert.Equal(t, schedule.StatePaused, triggerState(t, s, hammer.Key))

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return rec.count(inhale.Key) >= 2 }, waitFor, tick)
	assert.Equal(t, 0, rec.count(hammer.Key), "paused triggers do not fire")

	_, err = s.ResumeTriggerGroup(ctx, schedule.MatchGroup("dedede"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count(hammer.Key) >= 1 }, waitFor, tick)

	require.NoError(t, s.PauseJob(ctx, kirby.Key))
	require.Eventually(t, func() bool { return triggerState(t, s, inhale.Key) == schedule.StatePaused }, waitFor, tick)

	require.NoError(t, s.PauseAll(ctx))
	require.Eventually(t, func() bool { return triggerState(t, s, hammer.Key).IsPaused() }, waitFor, tick)
	require.NoError(t, s.ResumeAll(ctx))
	require.Eventually(t, func() bool { return !triggerState(t, s, inhale.Key).IsPaused() }, waitFor, tick)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newMemoryStore(), (&recorder{}).handler("inhale", nil))

	for _, k := range []schedule.JobKey{
		schedule.NewJobKey("inhale", "kirby"),
		schedule.NewJobKey("float", "kirby"),
		schedule.NewJobKey("hammer", "dedede"),
	} {
		job := schedule.NewJob(k.Name, k.Group, "inhale")
		_, err := s.ScheduleJob(ctx, job, schedule.NewTrigger(k.Name, k.Group, job.Key, schedule.Every(time.Hour)))
		require.NoError(t, err)
	}

	groups, err := s.JobGroupNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"kirby", "dedede"}, groups)

	keys, err := s.JobKeys(ctx, schedule.MatchGroup("kirby"))
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	tkeys, err := s.TriggerKeys(ctx, schedule.MatchAnyGroup())
	require.NoError(t, err)
	assert.Len(t, tkeys, 3)

	tgroups, err := s.TriggerGroupNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"kirby", "dedede"}, tgroups)

	_, err = s.GetJobDetail(ctx, schedule.NewJobKey("nope", "kirby"))
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
	_, err = s.GetTrigger(ctx, schedule.NewTriggerKey("nope", "kirby"))
	assert.ErrorIs(t, err, jobstore.ErrTriggerNotFound)
	assert.Equal(t, schedule.StateNone, triggerState(t, s, schedule.NewTriggerKey("nope", "kirby")))

	counts, err := s.StoreCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Jobs)
	assert.Equal(t, 3, counts.Triggers)

	require.NoError(t, s.Clear(ctx))
	counts, err = s.StoreCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Jobs)
}

func TestCalendars(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, newMemoryStore(), (&recorder{}).handler("inhale", nil))

	weekdays, err := schedule.NewWeeklyCalendar("UTC", time.Saturday, time.Sunday)
	require.NoError(t, err)
	require.NoError(t, s.AddCalendar(ctx, "weekdays", weekdays, false, false))
	assert.Error(t, s.AddCalendar(ctx, "", weekdays, false, false))

	job := schedule.NewJob("nap", "kirby", "inhale")
	tr := schedule.NewTrigger("nap", "kirby", job.Key, schedule.CronIn("0 0 9 * * *", "UTC"))
	// 2026-01-03 is a Saturday
	tr.StartTime = time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	tr.CalendarName = "weekdays"
	tr.MisfireInstruction = schedule.MisfireDoNothing
	first, err := s.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, time.Monday, first.Weekday(), "weekend fires are skipped")

	_, err = s.DeleteCalendar(ctx, "weekdays")
	assert.ErrorIs(t, err, jobstore.ErrCalendarInUse)

	names, err := s.CalendarNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"weekdays"}, names)

	got, err := s.GetCalendar(ctx, "weekdays")
	require.NoError(t, err)
	assert.False(t, got.IsTimeIncluded(time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)))
}
