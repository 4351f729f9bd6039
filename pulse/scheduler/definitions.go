package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/jobstore"
	"github.com/teranos/tempo/pulse/schedule"
)

// Definitions is a declarative set of calendars, jobs and their triggers,
// usually loaded from a TOML file:
//
//	[[calendar]]
//	name = "holidays"
//	type = "holiday"
//	dates = ["2026-12-25"]
//
//	[[job]]
//	name = "nightly-backup"
//	group = "ops"
//	handler = "shell"
//	[job.data]
//	command = "pg_dump app > /backups/app.sql"
//
//	  [[job.trigger]]
//	  name = "nightly"
//	  cron = "0 0 2 * * *"
//	  timezone = "Europe/Amsterdam"
//	  calendar = "holidays"
type Definitions struct {
	Calendars []CalendarDef `toml:"calendar"`
	Jobs      []JobDef      `toml:"job"`
}

// CalendarDef describes one calendar. Type selects which fields apply:
// holiday (dates), weekly (days), daily (range_start, range_end, invert)
// or cron (expression).
type CalendarDef struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"`
	Timezone    string   `toml:"timezone"`
	Description string   `toml:"description"`
	Dates       []string `toml:"dates"`
	Days        []string `toml:"days"`
	RangeStart  string   `toml:"range_start"`
	RangeEnd    string   `toml:"range_end"`
	Invert      bool     `toml:"invert"`
	Expression  string   `toml:"expression"`
}

// JobDef describes a job and the triggers that fire it
type JobDef struct {
	Name               string         `toml:"name"`
	Group              string         `toml:"group"`
	Handler            string         `toml:"handler"`
	Description        string         `toml:"description"`
	Durable            bool           `toml:"durable"`
	DisallowConcurrent bool           `toml:"disallow_concurrent"`
	PersistData        bool           `toml:"persist_data"`
	RequestsRecovery   bool           `toml:"requests_recovery"`
	Data               map[string]any `toml:"data"`
	Triggers           []TriggerDef   `toml:"trigger"`
}

// TriggerDef describes one trigger. Exactly one of cron, every or
// interval+unit sets the rule.
type TriggerDef struct {
	Name        string         `toml:"name"`
	Group       string         `toml:"group"`
	Description string         `toml:"description"`
	Cron        string         `toml:"cron"`
	Every       string         `toml:"every"`
	Repeat      *int           `toml:"repeat"`
	Interval    int            `toml:"interval"`
	Unit        string         `toml:"unit"`
	Timezone    string         `toml:"timezone"`
	Start       *time.Time     `toml:"start"`
	End         *time.Time     `toml:"end"`
	Priority    int            `toml:"priority"`
	Misfire     string         `toml:"misfire"`
	Calendar    string         `toml:"calendar"`
	Data        map[string]any `toml:"data"`
}

// LoadDefinitions reads definitions from a TOML file
func LoadDefinitions(path string) (*Definitions, error) {
	var d Definitions
	md, err := toml.DecodeFile(path, &d)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "failed to parse job definitions %s", path),
			"check the file against the [[job]] / [[job.trigger]] / [[calendar]] layout")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Mark(
			errors.Newf("unknown keys in job definitions %s: %s", path, strings.Join(keys, ", ")),
			schedule.ErrInvalidSchedule)
	}
	return &d, nil
}

// ParseDefinitions decodes definitions from TOML text
func ParseDefinitions(data string) (*Definitions, error) {
	var d Definitions
	if _, err := toml.Decode(data, &d); err != nil {
		return nil, errors.Wrap(err, "failed to parse job definitions")
	}
	return &d, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Build turns the definition into a calendar
func (c CalendarDef) Build() (schedule.Calendar, error) {
	if c.Name == "" {
		return nil, errors.Mark(errors.New("calendar definition needs a name"), schedule.ErrInvalidSchedule)
	}
	var (
		cal schedule.Calendar
		err error
	)
	switch strings.ToLower(c.Type) {
	case "holiday":
		var h *schedule.HolidayCalendar
		if h, err = schedule.NewHolidayCalendar(c.Timezone, c.Dates...); err == nil {
			h.Desc = c.Description
			cal = h
		}
	case "weekly":
		days := make([]time.Weekday, 0, len(c.Days))
		for _, name := range c.Days {
			d, ok := weekdays[strings.ToLower(name)]
			if !ok {
				return nil, errors.Mark(errors.Newf("calendar %q: unknown weekday %q", c.Name, name), schedule.ErrInvalidSchedule)
			}
			days = append(days, d)
		}
		var w *schedule.WeeklyCalendar
		if w, err = schedule.NewWeeklyCalendar(c.Timezone, days...); err == nil {
			w.Desc = c.Description
			cal = w
		}
	case "daily":
		var d *schedule.DailyCalendar
		if d, err = schedule.NewDailyCalendar(c.Timezone, c.RangeStart, c.RangeEnd, c.Invert); err == nil {
			d.Desc = c.Description
			cal = d
		}
	case "cron":
		var cc *schedule.CronCalendar
		if cc, err = schedule.NewCronCalendar(c.Expression, c.Timezone); err == nil {
			cc.Desc = c.Description
			cal = cc
		}
	default:
		return nil, errors.Mark(
			errors.Newf("calendar %q: unknown type %q (holiday, weekly, daily or cron)", c.Name, c.Type),
			schedule.ErrInvalidSchedule)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "calendar %q", c.Name)
	}
	return cal, nil
}

// Build turns the definition into a job
func (j JobDef) Build() *schedule.JobDetail {
	job := schedule.NewJob(j.Name, j.Group, j.Handler)
	job.Description = j.Description
	job.Durable = j.Durable
	job.DisallowConcurrent = j.DisallowConcurrent
	job.PersistDataAfterExecution = j.PersistData
	job.RequestsRecovery = j.RequestsRecovery
	job.Data = schedule.NewJobDataMap(j.Data)
	return job
}

// Build turns the definition into a trigger for job. now is the start time
// when none is given.
func (t TriggerDef) Build(job schedule.JobKey, now time.Time) (*schedule.Trigger, error) {
	rule, err := t.rule()
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %q of job %s", t.Name, job)
	}
	group := t.Group
	if group == "" {
		group = job.Group
	}
	name := t.Name
	if name == "" {
		name = job.Name
	}

	tr := schedule.NewTrigger(name, group, job, rule)
	tr.Description = t.Description
	tr.StartTime = now
	if t.Start != nil {
		tr.StartTime = *t.Start
	}
	tr.EndTime = t.End
	if t.Priority != 0 {
		tr.Priority = t.Priority
	}
	if tr.MisfireInstruction, err = schedule.ParseMisfireInstruction(t.Misfire); err != nil {
		return nil, errors.Wrapf(err, "trigger %s", tr.Key)
	}
	tr.CalendarName = t.Calendar
	tr.Data = schedule.NewJobDataMap(t.Data)
	return tr, nil
}

func (t TriggerDef) rule() (schedule.Rule, error) {
	set := 0
	for _, present := range []bool{t.Cron != "", t.Every != "", t.Interval != 0 || t.Unit != ""} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, errors.Mark(errors.New("set exactly one of cron, every or interval+unit"), schedule.ErrInvalidSchedule)
	}

	switch {
	case t.Cron != "":
		return schedule.CronIn(t.Cron, t.Timezone), nil
	case t.Every != "":
		d, err := time.ParseDuration(t.Every)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "every %q", t.Every), schedule.ErrInvalidSchedule)
		}
		r := schedule.Every(d)
		if t.Repeat != nil {
			r.RepeatCount = *t.Repeat
		}
		return r, nil
	default:
		r := schedule.EveryCalendar(t.Interval, schedule.IntervalUnit(strings.ToLower(t.Unit)))
		r.Location = t.Timezone
		return r, nil
	}
}

// ApplyResult counts what ApplyDefinitions changed
type ApplyResult struct {
	Calendars           int
	JobsAdded           int
	JobsUpdated         int
	TriggersScheduled   int
	TriggersRescheduled int
	TriggersUnchanged   int
}

// ApplyDefinitions stores the definitions: calendars first, then jobs and
// their triggers. Existing jobs are replaced; existing triggers are only
// rescheduled when their definition changed, so reapplying a file keeps
// their fire times. Nothing is deleted.
func (s *Scheduler) ApplyDefinitions(ctx context.Context, d *Definitions) (ApplyResult, error) {
	var res ApplyResult
	if err := s.checkOpen(); err != nil {
		return res, err
	}
	now := time.Now()

	// build everything first so a bad file changes nothing
	cals := make([]schedule.Calendar, len(d.Calendars))
	for i, c := range d.Calendars {
		cal, err := c.Build()
		if err != nil {
			return res, err
		}
		cals[i] = cal
	}
	jobs := make([]*schedule.JobDetail, len(d.Jobs))
	triggers := make([][]*schedule.Trigger, len(d.Jobs))
	for i, j := range d.Jobs {
		jobs[i] = j.Build()
		if err := s.validateJob(jobs[i]); err != nil {
			return res, err
		}
		for _, td := range j.Triggers {
			tr, err := td.Build(jobs[i].Key, now)
			if err != nil {
				return res, err
			}
			if err := tr.Validate(); err != nil {
				return res, err
			}
			triggers[i] = append(triggers[i], tr)
		}
		if len(triggers[i]) == 0 && !jobs[i].Durable {
			return res, errors.Mark(
				errors.Newf("job %s has no triggers and is not durable", jobs[i].Key),
				schedule.ErrInvalidSchedule)
		}
	}

	for i, cal := range cals {
		if err := s.AddCalendar(ctx, d.Calendars[i].Name, cal, true, true); err != nil {
			return res, err
		}
		res.Calendars++
	}

	for i, job := range jobs {
		if err := s.applyJob(ctx, job, triggers[i], &res); err != nil {
			return res, err
		}
	}

	logger.AddPulseSymbol(s.log).Infow("Job definitions applied",
		"calendars", res.Calendars,
		"jobs_added", res.JobsAdded,
		"jobs_updated", res.JobsUpdated,
		"triggers_scheduled", res.TriggersScheduled,
		"triggers_rescheduled", res.TriggersRescheduled,
		"triggers_unchanged", res.TriggersUnchanged)
	return res, nil
}

func (s *Scheduler) applyJob(ctx context.Context, job *schedule.JobDetail, triggers []*schedule.Trigger, res *ApplyResult) error {
	exists, err := s.store.CheckJobExists(ctx, job.Key)
	if err != nil {
		return err
	}

	if !exists && len(triggers) > 0 {
		if _, err := s.ScheduleJob(ctx, job, triggers[0]); err != nil {
			return err
		}
		res.JobsAdded++
		res.TriggersScheduled++
		triggers = triggers[1:]
	} else {
		if err := s.AddJob(ctx, job, exists); err != nil {
			return err
		}
		if exists {
			res.JobsUpdated++
		} else {
			res.JobsAdded++
		}
	}

	for _, t := range triggers {
		old, err := s.store.RetrieveTrigger(ctx, t.Key)
		switch {
		case errors.Is(err, jobstore.ErrTriggerNotFound):
			if _, err := s.ScheduleTrigger(ctx, t); err != nil {
				return err
			}
			res.TriggersScheduled++
		case err != nil:
			return err
		case sameDefinition(old, t):
			res.TriggersUnchanged++
		default:
			if old.JobKey != t.JobKey {
				return errors.Mark(
					errors.Newf("trigger %s already fires job %s", t.Key, old.JobKey),
					schedule.ErrInvalidSchedule)
			}
			if _, err := s.RescheduleJob(ctx, t.Key, t); err != nil {
				return err
			}
			res.TriggersRescheduled++
		}
	}
	return nil
}

// sameDefinition reports whether t describes stored trigger old. Start
// times are ignored: a definition without one starts whenever it is read.
func sameDefinition(old, t *schedule.Trigger) bool {
	return old.JobKey == t.JobKey &&
		old.Rule.String() == t.Rule.String() &&
		old.Description == t.Description &&
		old.CalendarName == t.CalendarName &&
		old.Priority == t.Priority &&
		old.MisfireInstruction == t.MisfireInstruction &&
		sameTime(old.EndTime, t.EndTime) &&
		old.Data.Equal(t.Data)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
