package schedule

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/tempo/errors"
)

// Rule computes the fire times of a trigger. Implementations are pure: the
// same (start, after) always yields the same answer.
//
// The set of rules is closed: SimpleRule, CronRule and CalendarIntervalRule.
type Rule interface {
	// Kind is the tag used when persisting the rule
	Kind() string

	// FireTimeAfter returns the first fire time that is not before start and
	// strictly after after. ok is false when the rule has no such time.
	FireTimeAfter(start, after time.Time) (t time.Time, ok bool)

	// Validate rejects rules that could never be evaluated
	Validate() error

	// String describes the rule for humans
	String() string

	// smartMisfire picks the action SMART_POLICY stands for with this rule
	smartMisfire(t *Trigger, now time.Time) MisfireAction
}

// Rule kinds
const (
	RuleSimple           = "simple"
	RuleCron             = "cron"
	RuleCalendarInterval = "calendar_interval"
)

// RepeatIndefinitely makes a SimpleRule repeat forever
const RepeatIndefinitely = -1

// SimpleRule fires at start, start+Interval, start+2*Interval, ... for
// RepeatCount repeats after the first fire (RepeatIndefinitely for no bound).
// The grid is anchored at the trigger's start time, so a late fire does not
// shift later ones.
type SimpleRule struct {
	Interval    time.Duration
	RepeatCount int
}

// Every returns a SimpleRule repeating forever
func Every(interval time.Duration) *SimpleRule {
	return &SimpleRule{Interval: interval, RepeatCount: RepeatIndefinitely}
}

// Once returns a SimpleRule that fires only at the start time
func Once() *SimpleRule {
	return &SimpleRule{}
}

func (r *SimpleRule) Kind() string { return RuleSimple }

func (r *SimpleRule) FireTimeAfter(start, after time.Time) (time.Time, bool) {
	if after.Before(start) {
		return start, true
	}
	if r.RepeatCount == 0 || r.Interval <= 0 {
		return time.Time{}, false
	}

	k := int64(after.Sub(start)/r.Interval) + 1
	if r.RepeatCount != RepeatIndefinitely && k > int64(r.RepeatCount) {
		return time.Time{}, false
	}
	return start.Add(time.Duration(k) * r.Interval), true
}

func (r *SimpleRule) Validate() error {
	if r.RepeatCount < RepeatIndefinitely {
		return invalidf("repeat count must be >= 0 or RepeatIndefinitely, got %d", r.RepeatCount)
	}
	if r.RepeatCount != 0 && r.Interval <= 0 {
		return invalidf("repeating simple rule needs a positive interval, got %s", r.Interval)
	}
	if r.Interval%time.Millisecond != 0 {
		return invalidf("interval must be a whole number of milliseconds, got %s", r.Interval)
	}
	return nil
}

func (r *SimpleRule) String() string {
	switch r.RepeatCount {
	case 0:
		return "once"
	case RepeatIndefinitely:
		return fmt.Sprintf("every %s", r.Interval)
	default:
		return fmt.Sprintf("every %s, %d repeats", r.Interval, r.RepeatCount)
	}
}

func (r *SimpleRule) smartMisfire(t *Trigger, now time.Time) MisfireAction {
	switch r.RepeatCount {
	case 0:
		return MisfireActionFireNow
	case RepeatIndefinitely:
		return MisfireActionSkip
	}

	// Bounded: fire now when only the current occurrence was missed
	missed := 0
	next, ok := *t.NextFireTime, true
	for ok && !next.After(now) && missed < 2 {
		missed++
		next, ok = r.FireTimeAfter(t.StartTime, next)
	}
	if missed <= 1 {
		return MisfireActionFireNow
	}
	return MisfireActionSkip
}

// cronParser accepts an optional leading seconds field and descriptors such as @hourly
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronRule fires whenever the cron expression matches, evaluated in Location
// (an IANA zone name, UTC when empty).
type CronRule struct {
	Expression string
	Location   string

	once     sync.Once
	schedule cron.Schedule
	loc      *time.Location
	err      error
}

// Cron returns a CronRule evaluated in UTC
func Cron(expression string) *CronRule {
	return &CronRule{Expression: expression}
}

// CronIn returns a CronRule evaluated in the named location
func CronIn(expression, location string) *CronRule {
	return &CronRule{Expression: expression, Location: location}
}

func (r *CronRule) parse() error {
	r.once.Do(func() {
		r.loc, r.err = loadLocation(r.Location)
		if r.err != nil {
			return
		}
		r.schedule, r.err = cronParser.Parse(r.Expression)
		if r.err != nil {
			r.err = invalidf("cron expression %q: %v", r.Expression, r.err)
		}
	})
	return r.err
}

func (r *CronRule) Kind() string { return RuleCron }

func (r *CronRule) FireTimeAfter(start, after time.Time) (time.Time, bool) {
	if r.parse() != nil {
		return time.Time{}, false
	}
	if after.Before(start) {
		after = start.Add(-time.Nanosecond)
	}
	next := r.schedule.Next(after.In(r.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (r *CronRule) Validate() error {
	if r.Expression == "" {
		return invalidf("cron expression cannot be empty")
	}
	return r.parse()
}

func (r *CronRule) String() string {
	if r.Location == "" {
		return "cron " + r.Expression
	}
	return fmt.Sprintf("cron %s (%s)", r.Expression, r.Location)
}

func (r *CronRule) smartMisfire(*Trigger, time.Time) MisfireAction {
	return MisfireActionFireNow
}

// IntervalUnit is the calendar unit of a CalendarIntervalRule
type IntervalUnit string

const (
	UnitSecond IntervalUnit = "second"
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
	UnitWeek   IntervalUnit = "week"
	UnitMonth  IntervalUnit = "month"
	UnitYear   IntervalUnit = "year"
)

// CalendarIntervalRule fires every Interval units counted on the calendar of
// Location. Day and larger units keep the wall-clock time across DST shifts;
// month arithmetic follows time.AddDate (Jan 31 + 1 month = Mar 2 or 3).
type CalendarIntervalRule struct {
	Unit     IntervalUnit
	Interval int
	Location string

	once sync.Once
	loc  *time.Location
	err  error
}

// EveryCalendar returns a CalendarIntervalRule in UTC
func EveryCalendar(interval int, unit IntervalUnit) *CalendarIntervalRule {
	return &CalendarIntervalRule{Unit: unit, Interval: interval}
}

func (r *CalendarIntervalRule) location() (*time.Location, error) {
	r.once.Do(func() {
		r.loc, r.err = loadLocation(r.Location)
	})
	return r.loc, r.err
}

// fixed returns the duration of sub-day units
func (r *CalendarIntervalRule) fixed() (time.Duration, bool) {
	switch r.Unit {
	case UnitSecond:
		return time.Duration(r.Interval) * time.Second, true
	case UnitMinute:
		return time.Duration(r.Interval) * time.Minute, true
	case UnitHour:
		return time.Duration(r.Interval) * time.Hour, true
	}
	return 0, false
}

// nth returns the k-th fire time counted from start
func (r *CalendarIntervalRule) nth(start time.Time, k int) time.Time {
	n := k * r.Interval
	switch r.Unit {
	case UnitDay:
		return start.AddDate(0, 0, n)
	case UnitWeek:
		return start.AddDate(0, 0, 7*n)
	case UnitMonth:
		return start.AddDate(0, n, 0)
	default:
		return start.AddDate(n, 0, 0)
	}
}

func (r *CalendarIntervalRule) Kind() string { return RuleCalendarInterval }

func (r *CalendarIntervalRule) FireTimeAfter(start, after time.Time) (time.Time, bool) {
	loc, err := r.location()
	if err != nil || r.Interval <= 0 {
		return time.Time{}, false
	}
	if after.Before(start) {
		return start, true
	}

	if d, ok := r.fixed(); ok {
		k := int64(after.Sub(start)/d) + 1
		return start.Add(time.Duration(k) * d), true
	}

	start = start.In(loc)
	// Estimate k from elapsed time, then correct for uneven unit lengths
	var approx time.Duration
	switch r.Unit {
	case UnitDay:
		approx = 24 * time.Hour
	case UnitWeek:
		approx = 7 * 24 * time.Hour
	case UnitMonth:
		approx = 28 * 24 * time.Hour
	default:
		approx = 365 * 24 * time.Hour
	}
	k := int(after.Sub(start) / (approx * time.Duration(r.Interval)))
	for k > 0 && r.nth(start, k).After(after) {
		k--
	}
	for !r.nth(start, k).After(after) {
		k++
	}
	return r.nth(start, k), true
}

func (r *CalendarIntervalRule) Validate() error {
	switch r.Unit {
	case UnitSecond, UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
	default:
		return invalidf("unknown interval unit %q", r.Unit)
	}
	if r.Interval <= 0 {
		return invalidf("calendar interval must be > 0, got %d", r.Interval)
	}
	_, err := r.location()
	return err
}

func (r *CalendarIntervalRule) String() string {
	return fmt.Sprintf("every %d %s(s)", r.Interval, r.Unit)
}

func (r *CalendarIntervalRule) smartMisfire(*Trigger, time.Time) MisfireAction {
	return MisfireActionFireNow
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, invalidf("unknown location %q", name)
	}
	return loc, nil
}

type simpleRuleJSON struct {
	IntervalMS  int64 `json:"interval_ms"`
	RepeatCount int   `json:"repeat_count"`
}

type cronRuleJSON struct {
	Expression string `json:"expression"`
	Location   string `json:"location,omitempty"`
}

type calendarIntervalRuleJSON struct {
	Unit     IntervalUnit `json:"unit"`
	Interval int          `json:"interval"`
	Location string       `json:"location,omitempty"`
}

// EncodeRule returns the persisted form of r: its kind tag and JSON body
func EncodeRule(r Rule) (string, []byte, error) {
	var body any
	switch v := r.(type) {
	case *SimpleRule:
		body = simpleRuleJSON{IntervalMS: v.Interval.Milliseconds(), RepeatCount: v.RepeatCount}
	case *CronRule:
		body = cronRuleJSON{Expression: v.Expression, Location: v.Location}
	case *CalendarIntervalRule:
		body = calendarIntervalRuleJSON{Unit: v.Unit, Interval: v.Interval, Location: v.Location}
	default:
		return "", nil, errors.Newf("cannot encode rule of type %T", r)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, errors.Wrapf(err, "encode %s rule", r.Kind())
	}
	return r.Kind(), data, nil
}

// DecodeRule is the inverse of EncodeRule
func DecodeRule(kind string, data []byte) (Rule, error) {
	switch kind {
	case RuleSimple:
		var v simpleRuleJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, "decode simple rule")
		}
		return &SimpleRule{Interval: time.Duration(v.IntervalMS) * time.Millisecond, RepeatCount: v.RepeatCount}, nil
	case RuleCron:
		var v cronRuleJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, "decode cron rule")
		}
		return &CronRule{Expression: v.Expression, Location: v.Location}, nil
	case RuleCalendarInterval:
		var v calendarIntervalRuleJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, "decode calendar interval rule")
		}
		return &CalendarIntervalRule{Unit: v.Unit, Interval: v.Interval, Location: v.Location}, nil
	}
	return nil, errors.Newf("unknown rule kind %q", kind)
}
