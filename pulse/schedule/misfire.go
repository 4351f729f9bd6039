package schedule

import (
	"fmt"
	"time"
)

// MisfireInstruction tells the store what to do with a trigger that is late
// by more than the misfire threshold.
type MisfireInstruction int

const (
	// MisfireSmartPolicy picks a rule-specific default (see ResolveMisfire)
	MisfireSmartPolicy MisfireInstruction = 0
	// MisfireIgnorePolicy fires every missed occurrence as soon as possible
	MisfireIgnorePolicy MisfireInstruction = -1
	// MisfireFireOnceNow fires once immediately, then resumes the schedule
	MisfireFireOnceNow MisfireInstruction = 1
	// MisfireDoNothing skips to the next future occurrence without firing
	MisfireDoNothing MisfireInstruction = 2
)

func (m MisfireInstruction) valid() bool {
	return m >= MisfireIgnorePolicy && m <= MisfireDoNothing
}

func (m MisfireInstruction) String() string {
	switch m {
	case MisfireSmartPolicy:
		return "SMART_POLICY"
	case MisfireIgnorePolicy:
		return "IGNORE_MISFIRE_POLICY"
	case MisfireFireOnceNow:
		return "FIRE_ONCE_NOW"
	case MisfireDoNothing:
		return "DO_NOTHING"
	}
	return fmt.Sprintf("MisfireInstruction(%d)", int(m))
}

// ParseMisfireInstruction accepts the names printed by String, case-sensitive,
// plus the short forms "smart", "ignore", "fire_now" and "skip".
func ParseMisfireInstruction(s string) (MisfireInstruction, error) {
	switch s {
	case "", "SMART_POLICY", "smart":
		return MisfireSmartPolicy, nil
	case "IGNORE_MISFIRE_POLICY", "ignore":
		return MisfireIgnorePolicy, nil
	case "FIRE_ONCE_NOW", "fire_now":
		return MisfireFireOnceNow, nil
	case "DO_NOTHING", "skip":
		return MisfireDoNothing, nil
	}
	return 0, invalidf("unknown misfire instruction %q", s)
}

// MisfireAction is the resolved effect of a misfire
type MisfireAction int

const (
	// MisfireActionNone leaves the trigger alone (not misfired, or ignore policy)
	MisfireActionNone MisfireAction = iota
	// MisfireActionFireNow moves NextFireTime to now
	MisfireActionFireNow
	// MisfireActionSkip moves NextFireTime to the next future occurrence
	MisfireActionSkip
)

func (a MisfireAction) String() string {
	switch a {
	case MisfireActionFireNow:
		return "fire_now"
	case MisfireActionSkip:
		return "skip"
	}
	return "none"
}

// IsMisfired reports whether t is late by more than threshold at now
func IsMisfired(t *Trigger, now time.Time, threshold time.Duration) bool {
	if t.NextFireTime == nil || t.MisfireInstruction == MisfireIgnorePolicy {
		return false
	}
	return now.Sub(*t.NextFireTime) > threshold
}

// ResolveMisfire decides how to handle t at now. It is pure: applying the
// decision is ApplyMisfire's job.
//
// SMART_POLICY resolves per rule: a one-shot simple rule fires now; a
// bounded simple rule fires now if at most one occurrence was missed and
// skips otherwise; an unbounded simple rule skips; cron and calendar
// interval rules fire once now.
func ResolveMisfire(t *Trigger, now time.Time, threshold time.Duration) MisfireAction {
	if !IsMisfired(t, now, threshold) {
		return MisfireActionNone
	}
	switch t.MisfireInstruction {
	case MisfireFireOnceNow:
		return MisfireActionFireNow
	case MisfireDoNothing:
		return MisfireActionSkip
	}
	return t.Rule.smartMisfire(t, now)
}

// ApplyMisfire updates NextFireTime for action. Skipping honours the
// calendar and end time and may leave NextFireTime nil, meaning the trigger
// is complete.
func (t *Trigger) ApplyMisfire(action MisfireAction, now time.Time, cal Calendar) {
	switch action {
	case MisfireActionFireNow:
		if t.EndTime != nil && now.After(*t.EndTime) {
			t.NextFireTime = nil
			return
		}
		if cal != nil && !cal.IsTimeIncluded(now) {
			t.NextFireTime = t.FireTimeAfter(now, cal)
			return
		}
		n := now
		t.NextFireTime = &n
	case MisfireActionSkip:
		t.NextFireTime = t.FireTimeAfter(now, cal)
	}
}
