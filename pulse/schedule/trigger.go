package schedule

import (
	"time"
)

// DefaultPriority breaks ties between triggers due at the same instant
const DefaultPriority = 5

// maxFireYear bounds fire time searches against calendars that exclude everything
const maxFireYear = 2299

// Trigger binds a Rule to a job. It is a plain value: the store owns its
// state and the scheduler mutates copies.
type Trigger struct {
	Key          TriggerKey
	JobKey       JobKey
	Description  string
	CalendarName string
	Priority     int

	MisfireInstruction MisfireInstruction

	StartTime time.Time
	EndTime   *time.Time

	// NextFireTime is nil once the trigger will never fire again
	NextFireTime     *time.Time
	PreviousFireTime *time.Time
	TimesTriggered   int

	Rule Rule
	Data JobDataMap
}

// NewTrigger returns a trigger for job starting now with default priority
func NewTrigger(name, group string, job JobKey, rule Rule) *Trigger {
	return &Trigger{
		Key:       NewTriggerKey(name, group),
		JobKey:    job,
		Priority:  DefaultPriority,
		StartTime: time.Now(),
		Rule:      rule,
	}
}

// Validate rejects triggers that could never be scheduled
func (t *Trigger) Validate() error {
	if t == nil {
		return invalidf("trigger cannot be nil")
	}
	if t.Key.Name == "" || t.Key.Group == "" {
		return invalidf("trigger key needs a name and a group, got %q", t.Key)
	}
	if t.JobKey.Name == "" || t.JobKey.Group == "" {
		return invalidf("trigger %s does not reference a job", t.Key)
	}
	if t.StartTime.IsZero() {
		return invalidf("trigger %s has no start time", t.Key)
	}
	if t.EndTime != nil && t.EndTime.Before(t.StartTime) {
		return invalidf("trigger %s ends (%s) before it starts (%s)", t.Key,
			t.EndTime.Format(time.RFC3339), t.StartTime.Format(time.RFC3339))
	}
	if t.Rule == nil {
		return invalidf("trigger %s has no schedule rule", t.Key)
	}
	if err := t.Rule.Validate(); err != nil {
		return err
	}
	if !t.MisfireInstruction.valid() {
		return invalidf("trigger %s has unknown misfire instruction %d", t.Key, t.MisfireInstruction)
	}
	return nil
}

// Normalize truncates times to the millisecond precision stores keep
func (t *Trigger) Normalize() {
	t.StartTime = t.StartTime.Truncate(time.Millisecond)
	if t.EndTime != nil {
		end := t.EndTime.Truncate(time.Millisecond)
		t.EndTime = &end
	}
}

// Clone returns a deep enough copy for another goroutine to mutate
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	c := *t
	c.EndTime = copyTime(t.EndTime)
	c.NextFireTime = copyTime(t.NextFireTime)
	c.PreviousFireTime = copyTime(t.PreviousFireTime)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// FireTimeAfter returns the first fire time strictly after after that is
// inside the end time and included by cal, or nil.
func (t *Trigger) FireTimeAfter(after time.Time, cal Calendar) *time.Time {
	for {
		next, ok := t.Rule.FireTimeAfter(t.StartTime, after)
		if !ok || next.Year() > maxFireYear {
			return nil
		}
		if t.EndTime != nil && next.After(*t.EndTime) {
			return nil
		}
		if cal == nil || cal.IsTimeIncluded(next) {
			return &next
		}

		included := cal.NextIncludedTime(next)
		if included.IsZero() {
			return nil
		}
		// Resume the rule just before the exclusion ends
		after = included.Add(-time.Nanosecond)
		if !after.After(next) {
			after = next
		}
	}
}

// ComputeFirstFireTime sets and returns NextFireTime from the start time.
// nil means the trigger will never fire (e.g. its end time has passed).
func (t *Trigger) ComputeFirstFireTime(cal Calendar) *time.Time {
	t.NextFireTime = t.FireTimeAfter(t.StartTime.Add(-time.Nanosecond), cal)
	return t.NextFireTime
}

// Triggered records a fire at the current NextFireTime and advances to the
// following occurrence.
func (t *Trigger) Triggered(cal Calendar) {
	t.TimesTriggered++
	t.PreviousFireTime = copyTime(t.NextFireTime)
	if t.NextFireTime == nil {
		return
	}
	t.NextFireTime = t.FireTimeAfter(*t.NextFireTime, cal)
}

// MayFireAgain reports whether the trigger has a future occurrence
func (t *Trigger) MayFireAgain() bool {
	return t.NextFireTime != nil
}

// UpdateWithNewCalendar recomputes NextFireTime after the trigger's calendar
// changed, applying the misfire policy if the new time is already late.
func (t *Trigger) UpdateWithNewCalendar(cal Calendar, now time.Time, threshold time.Duration) {
	if t.NextFireTime == nil {
		return
	}
	after := t.StartTime.Add(-time.Nanosecond)
	if t.PreviousFireTime != nil {
		after = *t.PreviousFireTime
	}
	t.NextFireTime = t.FireTimeAfter(after, cal)
	if t.NextFireTime != nil && IsMisfired(t, now, threshold) {
		t.ApplyMisfire(ResolveMisfire(t, now, threshold), now, cal)
	}
}

// ExecutionComplete maps a handler result to the instruction the store applies
// A failure without refire follows the trigger's normal schedule.
func (t *Trigger) ExecutionComplete(r Result) CompletionInstruction {
	switch r.Kind {
	case ResultFailure:
		if r.Retry {
			return InstructionReExecuteJob
		}
	case ResultUnscheduleSelf:
		return InstructionSetTriggerComplete
	case ResultUnscheduleAllOfJob:
		return InstructionSetAllJobTriggersComplete
	}
	if !t.MayFireAgain() {
		return InstructionDeleteTrigger
	}
	return InstructionNoop
}
