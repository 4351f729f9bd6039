// Package schedule defines the scheduling model: jobs, triggers, schedule
// rules, exclusion calendars, misfire handling and completion instructions.
//
// Everything here is pure data and pure functions. Persistence lives in
// pulse/jobstore and the firing loop in pulse/scheduler.
package schedule

import (
	"strings"
)

// DefaultGroup is the group used when none is given
const DefaultGroup = "DEFAULT"

// Keyed is implemented by JobKey and TriggerKey
type Keyed interface {
	comparable
	KeyName() string
	KeyGroup() string
}

// JobKey identifies a job by (name, group)
type JobKey struct {
	Name  string
	Group string
}

// TriggerKey identifies a trigger by (name, group)
type TriggerKey struct {
	Name  string
	Group string
}

// NewJobKey returns a key in group, or DEFAULT when group is empty
func NewJobKey(name, group string) JobKey {
	if group == "" {
		group = DefaultGroup
	}
	return JobKey{Name: name, Group: group}
}

// NewTriggerKey returns a key in group, or DEFAULT when group is empty
func NewTriggerKey(name, group string) TriggerKey {
	if group == "" {
		group = DefaultGroup
	}
	return TriggerKey{Name: name, Group: group}
}

func (k JobKey) KeyName() string  { return k.Name }
func (k JobKey) KeyGroup() string { return k.Group }
func (k JobKey) String() string   { return k.Group + "." + k.Name }

// IsZero reports whether the key is unset
func (k JobKey) IsZero() bool { return k.Name == "" }

// Compare orders keys by group, then name
func (k JobKey) Compare(o JobKey) int { return compareKeys(k.Group, k.Name, o.Group, o.Name) }

func (k TriggerKey) KeyName() string  { return k.Name }
func (k TriggerKey) KeyGroup() string { return k.Group }
func (k TriggerKey) String() string   { return k.Group + "." + k.Name }

// IsZero reports whether the key is unset
func (k TriggerKey) IsZero() bool { return k.Name == "" }

// Compare orders keys by group, then name
func (k TriggerKey) Compare(o TriggerKey) int { return compareKeys(k.Group, k.Name, o.Group, o.Name) }

func compareKeys(g1, n1, g2, n2 string) int {
	if c := strings.Compare(g1, g2); c != 0 {
		return c
	}
	return strings.Compare(n1, n2)
}

// ParseJobKey parses "group.name" or a bare "name" (DEFAULT group).
// The group is everything before the first dot.
func ParseJobKey(s string) JobKey {
	group, name := splitKey(s)
	return NewJobKey(name, group)
}

// ParseTriggerKey parses "group.name" or a bare "name" (DEFAULT group)
func ParseTriggerKey(s string) TriggerKey {
	group, name := splitKey(s)
	return NewTriggerKey(name, group)
}

func splitKey(s string) (group, name string) {
	if i := strings.IndexByte(s, '.'); i > 0 && i < len(s)-1 {
		return s[:i], s[i+1:]
	}
	return "", s
}
