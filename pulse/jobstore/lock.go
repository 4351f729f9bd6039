package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/tempo/errors"
)

// Lock names used by SQLStore
const (
	// LockTriggerAccess guards acquisition, firing, completion and admin mutations
	LockTriggerAccess = "TRIGGER_ACCESS"
	// LockStateAccess guards heartbeats and failed-instance recovery
	LockStateAccess = "STATE_ACCESS"
)

// ErrLockFailure is returned when a named lock cannot be obtained in time
var ErrLockFailure = errors.Mark(errors.New("could not obtain lock"), errors.ErrTimeout)

// Semaphore provides named mutual exclusion. Locks are held per owner: the
// in-process semaphore by the instance, a distributed one across instances.
type Semaphore interface {
	// ObtainLock blocks until name is held or fails with ErrLockFailure
	ObtainLock(ctx context.Context, name string) error
	ReleaseLock(ctx context.Context, name string) error
	IsLockOwner(name string) bool
}

// DefaultLockTimeout bounds how long ObtainLock waits
const DefaultLockTimeout = 10 * time.Second

// LocalSemaphore is an in-process Semaphore built on channels so that
// waiting honours context cancellation and a timeout.
type LocalSemaphore struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalSemaphore returns a semaphore whose ObtainLock gives up after timeout
func NewLocalSemaphore(timeout time.Duration) *LocalSemaphore {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LocalSemaphore{timeout: timeout, locks: make(map[string]chan struct{})}
}

func (s *LocalSemaphore) slot(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	return ch
}

// ObtainLock implements Semaphore
func (s *LocalSemaphore) ObtainLock(ctx context.Context, name string) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.slot(name) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ErrLockFailure, "%s: %v", name, ctx.Err())
	case <-timer.C:
		return errors.Wrapf(ErrLockFailure, "%s: timed out after %s", name, s.timeout)
	}
}

// ReleaseLock implements Semaphore. Releasing a lock that is not held is an error.
func (s *LocalSemaphore) ReleaseLock(_ context.Context, name string) error {
	select {
	case <-s.slot(name):
		return nil
	default:
		return errors.Newf("lock %s is not held", name)
	}
}

// IsLockOwner implements Semaphore
func (s *LocalSemaphore) IsLockOwner(name string) bool {
	return len(s.slot(name)) == 1
}
