package jobstore

import (
	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/schedule"
)

// Sentinels, marked with the matching errors/ category so callers can test
// either the specific condition or the broad class.
var (
	ErrObjectAlreadyExists = errors.Mark(errors.New("object already exists"), errors.ErrConflict)
	ErrJobNotFound         = errors.Mark(errors.New("job not found"), errors.ErrNotFound)
	ErrTriggerNotFound     = errors.Mark(errors.New("trigger not found"), errors.ErrNotFound)
	ErrCalendarNotFound    = errors.Mark(errors.New("calendar not found"), errors.ErrNotFound)
	ErrTriggerInUse        = errors.Mark(errors.New("trigger is held by another scheduler instance"), errors.ErrConflict)
	ErrCalendarInUse       = errors.Mark(errors.New("calendar is referenced by triggers"), errors.ErrConflict)
	ErrJobPersistence      = errors.Mark(errors.New("job store failure"), errors.ErrServiceUnavailable)
)

func jobExists(key schedule.JobKey) error {
	return errors.Wrapf(ErrObjectAlreadyExists, "job %s", key)
}

func triggerExists(key schedule.TriggerKey) error {
	return errors.Wrapf(ErrObjectAlreadyExists, "trigger %s", key)
}

func jobNotFound(key schedule.JobKey) error {
	return errors.Wrapf(ErrJobNotFound, "job %s", key)
}

func triggerNotFound(key schedule.TriggerKey) error {
	return errors.Wrapf(ErrTriggerNotFound, "trigger %s", key)
}

func calendarNotFound(name string) error {
	return errors.Wrapf(ErrCalendarNotFound, "calendar %q", name)
}

// persistence wraps a driver error so the scheduler treats it as retryable.
// A constraint violation means a concurrent writer got there first and is
// reported as a conflict instead.
func persistence(err error, op string) error {
	if err == nil {
		return nil
	}
	if db.IsConstraintViolation(err) {
		return errors.Mark(errors.Wrapf(err, "job store: %s", op), ErrObjectAlreadyExists)
	}
	hint := "the scheduler retries automatically; check that the database is reachable and writable"
	switch {
	case db.IsBusy(err):
		hint = "the database stayed locked past the busy timeout; another process holds a long write transaction"
	case db.IsDatabaseClosed(err):
		hint = "the database was closed, usually during shutdown"
	}
	return errors.WithHint(errors.Mark(errors.Wrapf(err, "job store: %s", op), ErrJobPersistence), hint)
}

// IsPersistenceError reports whether err came from the backing store rather
// than from the request itself.
func IsPersistenceError(err error) bool {
	return err != nil && errors.Is(err, ErrJobPersistence)
}
