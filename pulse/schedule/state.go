package schedule

// TriggerState is the store-side lifecycle state of a trigger
type TriggerState string

const (
	StateNone          TriggerState = "NONE" // no such trigger
	StateWaiting       TriggerState = "WAITING"
	StateAcquired      TriggerState = "ACQUIRED"
	StateExecuting     TriggerState = "EXECUTING"
	StatePaused        TriggerState = "PAUSED"
	StateBlocked       TriggerState = "BLOCKED"
	StatePausedBlocked TriggerState = "PAUSED_BLOCKED"
	StateComplete      TriggerState = "COMPLETE"
	StateError         TriggerState = "ERROR"
)

// IsTerminal reports whether the trigger will never fire again
func (s TriggerState) IsTerminal() bool {
	return s == StateComplete || s == StateError
}

// IsHeld reports whether a scheduler instance owns the trigger
func (s TriggerState) IsHeld() bool {
	return s == StateAcquired || s == StateExecuting
}

// IsPaused reports whether the trigger is paused (blocked or not)
func (s TriggerState) IsPaused() bool {
	return s == StatePaused || s == StatePausedBlocked
}

// Paused returns the state a trigger moves to when paused
func (s TriggerState) Paused() TriggerState {
	switch s {
	case StateWaiting, StateAcquired:
		return StatePaused
	case StateBlocked, StateExecuting:
		return StatePausedBlocked
	}
	return s
}

// Resumed returns the state a paused trigger moves to when resumed
func (s TriggerState) Resumed() TriggerState {
	switch s {
	case StatePaused:
		return StateWaiting
	case StatePausedBlocked:
		return StateBlocked
	}
	return s
}

// Blocked returns the state a trigger moves to when a sibling starts
// executing. An ACQUIRED sibling is blocked too; its holder will find it
// no longer ACQUIRED when it tries to fire.
func (s TriggerState) Blocked() TriggerState {
	switch s {
	case StateWaiting, StateAcquired:
		return StateBlocked
	case StatePaused:
		return StatePausedBlocked
	}
	return s
}

// Unblocked returns the state a blocked trigger moves to when its sibling completes
func (s TriggerState) Unblocked() TriggerState {
	switch s {
	case StateBlocked:
		return StateWaiting
	case StatePausedBlocked:
		return StatePaused
	}
	return s
}
