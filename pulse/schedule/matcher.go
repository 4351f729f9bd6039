package schedule

import "strings"

// KeyMatcher selects job or trigger keys, e.g. when registering a listener
// or pausing by group. Compose with And, Or and Not.
type KeyMatcher[K Keyed] func(K) bool

// Everything matches every key
func Everything[K Keyed]() KeyMatcher[K] {
	return func(K) bool { return true }
}

// KeyEquals matches exactly key
func KeyEquals[K Keyed](key K) KeyMatcher[K] {
	return func(k K) bool { return k == key }
}

// GroupEquals matches keys in group
func GroupEquals[K Keyed](group string) KeyMatcher[K] {
	return func(k K) bool { return k.KeyGroup() == group }
}

// GroupStartsWith matches keys whose group has prefix
func GroupStartsWith[K Keyed](prefix string) KeyMatcher[K] {
	return func(k K) bool { return strings.HasPrefix(k.KeyGroup(), prefix) }
}

// GroupContains matches keys whose group contains s
func GroupContains[K Keyed](s string) KeyMatcher[K] {
	return func(k K) bool { return strings.Contains(k.KeyGroup(), s) }
}

// And matches keys every matcher accepts
func And[K Keyed](ms ...KeyMatcher[K]) KeyMatcher[K] {
	return func(k K) bool {
		for _, m := range ms {
			if !m(k) {
				return false
			}
		}
		return true
	}
}

// Or matches keys any matcher accepts
func Or[K Keyed](ms ...KeyMatcher[K]) KeyMatcher[K] {
	return func(k K) bool {
		for _, m := range ms {
			if m(k) {
				return true
			}
		}
		return false
	}
}

// Not inverts m
func Not[K Keyed](m KeyMatcher[K]) KeyMatcher[K] {
	return func(k K) bool { return !m(k) }
}

// GroupMatcher selects groups by name for the store's group operations
type GroupMatcher struct {
	Op    GroupOp
	Value string
}

// GroupOp is the comparison a GroupMatcher applies
type GroupOp int

const (
	GroupOpEquals GroupOp = iota
	GroupOpStartsWith
	GroupOpEndsWith
	GroupOpContains
	GroupOpAny
)

// MatchGroup returns a matcher for exactly group
func MatchGroup(group string) GroupMatcher { return GroupMatcher{Op: GroupOpEquals, Value: group} }

// MatchGroupPrefix returns a matcher for groups starting with prefix
func MatchGroupPrefix(prefix string) GroupMatcher {
	return GroupMatcher{Op: GroupOpStartsWith, Value: prefix}
}

// MatchAnyGroup matches every group
func MatchAnyGroup() GroupMatcher { return GroupMatcher{Op: GroupOpAny} }

// Matches reports whether group is selected
func (g GroupMatcher) Matches(group string) bool {
	switch g.Op {
	case GroupOpEquals:
		return group == g.Value
	case GroupOpStartsWith:
		return strings.HasPrefix(group, g.Value)
	case GroupOpEndsWith:
		return strings.HasSuffix(group, g.Value)
	case GroupOpContains:
		return strings.Contains(group, g.Value)
	case GroupOpAny:
		return true
	}
	return false
}

// IsExact reports whether the matcher names a single group
func (g GroupMatcher) IsExact() bool { return g.Op == GroupOpEquals }
