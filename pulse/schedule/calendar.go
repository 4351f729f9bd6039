package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
)

// Calendar excludes blocks of time from a trigger's schedule. A trigger
// names its calendar; the store resolves the name when computing fire times.
type Calendar interface {
	// IsTimeIncluded reports whether t may be fired at
	IsTimeIncluded(t time.Time) bool
	// NextIncludedTime returns the earliest included time >= t, or the zero
	// time when none exists within the search horizon
	NextIncludedTime(t time.Time) time.Time
	// Description is free text shown to operators
	Description() string
}

// Calendar kinds
const (
	CalendarHoliday = "holiday"
	CalendarWeekly  = "weekly"
	CalendarDaily   = "daily"
	CalendarCron    = "cron"
)

// maxCalendarSteps bounds the search in NextIncludedTime
const maxCalendarSteps = 100000

// nextIncluded walks forward from t until both base and the calendar's own
// rule include it. own reports whether t is excluded and, if so, the first
// instant after the exclusion.
func nextIncluded(t time.Time, base Calendar, own func(time.Time) (bool, time.Time)) time.Time {
	for i := 0; i < maxCalendarSteps; i++ {
		if base != nil && !base.IsTimeIncluded(t) {
			next := base.NextIncludedTime(t)
			if next.IsZero() {
				return time.Time{}
			}
			t = next
			continue
		}
		excluded, next := own(t)
		if !excluded {
			return t
		}
		t = next
	}
	return time.Time{}
}

func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// HolidayCalendar excludes whole days
type HolidayCalendar struct {
	Desc     string
	Location string
	Base     Calendar

	excluded map[string]struct{}
}

// NewHolidayCalendar returns a calendar excluding the given dates (YYYY-MM-DD)
func NewHolidayCalendar(location string, dates ...string) (*HolidayCalendar, error) {
	if _, err := loadLocation(location); err != nil {
		return nil, err
	}
	c := &HolidayCalendar{Location: location}
	for _, d := range dates {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, invalidf("holiday %q is not a YYYY-MM-DD date", d)
		}
		c.addDate(d)
	}
	return c, nil
}

func (c *HolidayCalendar) addDate(d string) {
	if c.excluded == nil {
		c.excluded = map[string]struct{}{}
	}
	c.excluded[d] = struct{}{}
}

func (c *HolidayCalendar) loc() *time.Location {
	loc, err := loadLocation(c.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AddExcludedDate excludes the calendar day containing t
func (c *HolidayCalendar) AddExcludedDate(t time.Time) {
	c.addDate(t.In(c.loc()).Format(time.DateOnly))
}

// RemoveExcludedDate re-includes the calendar day containing t
func (c *HolidayCalendar) RemoveExcludedDate(t time.Time) {
	delete(c.excluded, t.In(c.loc()).Format(time.DateOnly))
}

// ExcludedDates returns the excluded days, sorted
func (c *HolidayCalendar) ExcludedDates() []string {
	out := make([]string, 0, len(c.excluded))
	for d := range c.excluded {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (c *HolidayCalendar) own(t time.Time) (bool, time.Time) {
	lt := t.In(c.loc())
	if _, ok := c.excluded[lt.Format(time.DateOnly)]; ok {
		return true, startOfNextDay(lt)
	}
	return false, t
}

func (c *HolidayCalendar) IsTimeIncluded(t time.Time) bool {
	if c.Base != nil && !c.Base.IsTimeIncluded(t) {
		return false
	}
	excluded, _ := c.own(t)
	return !excluded
}

func (c *HolidayCalendar) NextIncludedTime(t time.Time) time.Time {
	return nextIncluded(t, c.Base, c.own)
}

func (c *HolidayCalendar) Description() string { return c.Desc }

// WeeklyCalendar excludes days of the week
type WeeklyCalendar struct {
	Desc     string
	Location string
	Base     Calendar

	days [7]bool
}

// NewWeeklyCalendar returns a calendar excluding the given weekdays
func NewWeeklyCalendar(location string, excluded ...time.Weekday) (*WeeklyCalendar, error) {
	if _, err := loadLocation(location); err != nil {
		return nil, err
	}
	c := &WeeklyCalendar{Location: location}
	for _, d := range excluded {
		c.SetDayExcluded(d, true)
	}
	return c, nil
}

// SetDayExcluded excludes or re-includes a weekday
func (c *WeeklyCalendar) SetDayExcluded(d time.Weekday, excluded bool) {
	c.days[d%7] = excluded
}

// IsDayExcluded reports whether the weekday is excluded
func (c *WeeklyCalendar) IsDayExcluded(d time.Weekday) bool { return c.days[d%7] }

// ExcludedDays lists the excluded weekdays, Sunday first
func (c *WeeklyCalendar) ExcludedDays() []time.Weekday {
	var out []time.Weekday
	for i, ex := range c.days {
		if ex {
			out = append(out, time.Weekday(i))
		}
	}
	return out
}

func (c *WeeklyCalendar) own(t time.Time) (bool, time.Time) {
	loc, err := loadLocation(c.Location)
	if err != nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	if c.days[lt.Weekday()] {
		return true, startOfNextDay(lt)
	}
	return false, t
}

func (c *WeeklyCalendar) IsTimeIncluded(t time.Time) bool {
	if c.Base != nil && !c.Base.IsTimeIncluded(t) {
		return false
	}
	excluded, _ := c.own(t)
	return !excluded
}

func (c *WeeklyCalendar) NextIncludedTime(t time.Time) time.Time {
	if len(c.ExcludedDays()) == 7 {
		return time.Time{}
	}
	return nextIncluded(t, c.Base, c.own)
}

func (c *WeeklyCalendar) Description() string { return c.Desc }

// DailyCalendar excludes a time-of-day range [RangeStart, RangeEnd) every
// day. With Invert set it excludes everything outside the range instead.
type DailyCalendar struct {
	Desc       string
	Location   string
	Base       Calendar
	RangeStart time.Duration // offset from midnight
	RangeEnd   time.Duration // offset from midnight, > RangeStart
	Invert     bool
}

// NewDailyCalendar parses "HH:MM[:SS]" bounds
func NewDailyCalendar(location, rangeStart, rangeEnd string, invert bool) (*DailyCalendar, error) {
	if _, err := loadLocation(location); err != nil {
		return nil, err
	}
	start, err := parseTimeOfDay(rangeStart)
	if err != nil {
		return nil, err
	}
	end, err := parseTimeOfDay(rangeEnd)
	if err != nil {
		return nil, err
	}
	c := &DailyCalendar{Location: location, RangeStart: start, RangeEnd: end, Invert: invert}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DailyCalendar) validate() error {
	if c.RangeStart < 0 || c.RangeEnd > 24*time.Hour || c.RangeStart >= c.RangeEnd {
		return invalidf("daily range %s-%s must satisfy 00:00 <= start < end <= 24:00", c.RangeStart, c.RangeEnd)
	}
	return nil
}

func parseTimeOfDay(s string) (time.Duration, error) {
	var h, m, sec int
	n, _ := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec)
	if n < 2 || h < 0 || h > 24 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, invalidf("time of day %q must be HH:MM or HH:MM:SS", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

func (c *DailyCalendar) own(t time.Time) (bool, time.Time) {
	loc, err := loadLocation(c.Location)
	if err != nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	y, mo, d := lt.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, loc)
	offset := lt.Sub(midnight)
	inRange := offset >= c.RangeStart && offset < c.RangeEnd

	if !c.Invert {
		if inRange {
			return true, midnight.Add(c.RangeEnd)
		}
		return false, t
	}

	if inRange {
		return false, t
	}
	if offset < c.RangeStart {
		return true, midnight.Add(c.RangeStart)
	}
	return true, startOfNextDay(lt).Add(c.RangeStart)
}

func (c *DailyCalendar) IsTimeIncluded(t time.Time) bool {
	if c.Base != nil && !c.Base.IsTimeIncluded(t) {
		return false
	}
	excluded, _ := c.own(t)
	return !excluded
}

func (c *DailyCalendar) NextIncludedTime(t time.Time) time.Time {
	return nextIncluded(t, c.Base, c.own)
}

func (c *DailyCalendar) Description() string { return c.Desc }

// CronCalendar excludes every second matched by a cron expression, e.g.
// "* * 0-6 * * *" excludes the hours before 7am.
type CronCalendar struct {
	Desc       string
	Expression string
	Location   string
	Base       Calendar

	rule *CronRule
}

// NewCronCalendar parses the expression
func NewCronCalendar(expression, location string) (*CronCalendar, error) {
	c := &CronCalendar{Expression: expression, Location: location}
	c.rule = CronIn(expression, location)
	if err := c.rule.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CronCalendar) matches(t time.Time) bool {
	if c.rule == nil {
		c.rule = CronIn(c.Expression, c.Location)
	}
	sec := t.Truncate(time.Second)
	next, ok := c.rule.FireTimeAfter(time.Time{}, sec.Add(-time.Nanosecond))
	return ok && next.Equal(sec)
}

func (c *CronCalendar) own(t time.Time) (bool, time.Time) {
	if c.matches(t) {
		return true, t.Truncate(time.Second).Add(time.Second)
	}
	return false, t
}

func (c *CronCalendar) IsTimeIncluded(t time.Time) bool {
	if c.Base != nil && !c.Base.IsTimeIncluded(t) {
		return false
	}
	return !c.matches(t)
}

func (c *CronCalendar) NextIncludedTime(t time.Time) time.Time {
	return nextIncluded(t, c.Base, c.own)
}

func (c *CronCalendar) Description() string { return c.Desc }

// calendarJSON is the persisted envelope of a calendar and its base chain
type calendarJSON struct {
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Location    string        `json:"location,omitempty"`
	Base        *calendarJSON `json:"base,omitempty"`

	Dates      []string `json:"dates,omitempty"`
	Weekdays   []int    `json:"weekdays,omitempty"`
	RangeStart string   `json:"range_start,omitempty"`
	RangeEnd   string   `json:"range_end,omitempty"`
	Invert     bool     `json:"invert,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

func formatTimeOfDay(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func toCalendarJSON(c Calendar) (*calendarJSON, error) {
	if c == nil {
		return nil, nil
	}
	var (
		out  calendarJSON
		base Calendar
	)
	switch v := c.(type) {
	case *HolidayCalendar:
		out = calendarJSON{Type: CalendarHoliday, Location: v.Location, Dates: v.ExcludedDates()}
		base = v.Base
	case *WeeklyCalendar:
		out = calendarJSON{Type: CalendarWeekly, Location: v.Location}
		for _, d := range v.ExcludedDays() {
			out.Weekdays = append(out.Weekdays, int(d))
		}
		base = v.Base
	case *DailyCalendar:
		out = calendarJSON{Type: CalendarDaily, Location: v.Location,
			RangeStart: formatTimeOfDay(v.RangeStart), RangeEnd: formatTimeOfDay(v.RangeEnd), Invert: v.Invert}
		base = v.Base
	case *CronCalendar:
		out = calendarJSON{Type: CalendarCron, Location: v.Location, Expression: v.Expression}
		base = v.Base
	default:
		return nil, errors.Newf("cannot encode calendar of type %T", c)
	}
	out.Description = c.Description()

	b, err := toCalendarJSON(base)
	if err != nil {
		return nil, err
	}
	out.Base = b
	return &out, nil
}

func fromCalendarJSON(j *calendarJSON) (Calendar, error) {
	if j == nil {
		return nil, nil
	}
	base, err := fromCalendarJSON(j.Base)
	if err != nil {
		return nil, err
	}

	switch j.Type {
	case CalendarHoliday:
		c, err := NewHolidayCalendar(j.Location, j.Dates...)
		if err != nil {
			return nil, err
		}
		c.Desc, c.Base = j.Description, base
		return c, nil
	case CalendarWeekly:
		days := make([]time.Weekday, 0, len(j.Weekdays))
		for _, d := range j.Weekdays {
			days = append(days, time.Weekday(d))
		}
		c, err := NewWeeklyCalendar(j.Location, days...)
		if err != nil {
			return nil, err
		}
		c.Desc, c.Base = j.Description, base
		return c, nil
	case CalendarDaily:
		c, err := NewDailyCalendar(j.Location, j.RangeStart, j.RangeEnd, j.Invert)
		if err != nil {
			return nil, err
		}
		c.Desc, c.Base = j.Description, base
		return c, nil
	case CalendarCron:
		c, err := NewCronCalendar(j.Expression, j.Location)
		if err != nil {
			return nil, err
		}
		c.Desc, c.Base = j.Description, base
		return c, nil
	}
	return nil, invalidf("unknown calendar type %q", j.Type)
}

// EncodeCalendar serializes a calendar and its base chain to JSON
func EncodeCalendar(c Calendar) ([]byte, error) {
	j, err := toCalendarJSON(c)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "encode calendar")
	}
	return data, nil
}

// DecodeCalendar is the inverse of EncodeCalendar
func DecodeCalendar(data []byte) (Calendar, error) {
	var j calendarJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, errors.Wrap(err, "decode calendar")
	}
	return fromCalendarJSON(&j)
}

// DescribeCalendar renders a one-line summary for CLI output
func DescribeCalendar(c Calendar) string {
	var parts []string
	for c != nil {
		switch v := c.(type) {
		case *HolidayCalendar:
			parts = append(parts, fmt.Sprintf("holidays(%d)", len(v.excluded)))
			c = v.Base
		case *WeeklyCalendar:
			parts = append(parts, fmt.Sprintf("weekly%v", v.ExcludedDays()))
			c = v.Base
		case *DailyCalendar:
			mode := "exclude"
			if v.Invert {
				mode = "only"
			}
			parts = append(parts, fmt.Sprintf("daily(%s %s-%s)", mode, formatTimeOfDay(v.RangeStart), formatTimeOfDay(v.RangeEnd)))
			c = v.Base
		case *CronCalendar:
			parts = append(parts, fmt.Sprintf("cron(%s)", v.Expression))
			c = v.Base
		default:
			parts = append(parts, fmt.Sprintf("%T", v))
			c = nil
		}
	}
	return strings.Join(parts, " <- ")
}
