package schedule

import "github.com/teranos/tempo/errors"

// ErrInvalidSchedule marks configuration errors: bad rules, missing keys,
// end before start. They are rejected before anything reaches a store.
var ErrInvalidSchedule = errors.New("invalid schedule")

func invalidf(format string, args ...interface{}) error {
	return errors.Mark(errors.NewInvalidRequestError(format, args...), ErrInvalidSchedule)
}

// IsInvalidSchedule reports whether err is a schedule configuration error
func IsInvalidSchedule(err error) bool {
	return err != nil && errors.Is(err, ErrInvalidSchedule)
}
