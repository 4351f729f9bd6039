// Package cluster provides a jobstore.Semaphore shared by scheduler
// instances running on different hosts.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/jobstore"
)

// Defaults for RedisOptions
const (
	DefaultKeyPrefix  = "tempo:lock:"
	DefaultLockTTL    = 30 * time.Second
	DefaultRetryDelay = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisOptions configures a RedisSemaphore
type RedisOptions struct {
	// KeyPrefix namespaces lock keys; the scheduler name is appended
	KeyPrefix string
	// SchedulerName scopes locks to one cluster
	SchedulerName string
	// TTL expires a lock whose holder died without releasing it
	TTL time.Duration
	// Timeout bounds ObtainLock
	Timeout time.Duration
	// RetryDelay is the pause between attempts while a lock is taken
	RetryDelay time.Duration
	Logger     *zap.SugaredLogger
}

// RedisSemaphore implements jobstore.Semaphore with SET NX locks. Every
// obtained lock carries a fresh token so a release after expiry cannot
// free a lock another instance has since taken.
type RedisSemaphore struct {
	client *redis.Client
	opts   RedisOptions
	log    *zap.SugaredLogger

	mu     sync.Mutex
	tokens map[string]string
}

var _ jobstore.Semaphore = (*RedisSemaphore)(nil)

// NewRedisSemaphore returns a semaphore backed by client
func NewRedisSemaphore(client *redis.Client, opts RedisOptions) *RedisSemaphore {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.SchedulerName == "" {
		opts.SchedulerName = "tempo"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultLockTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = jobstore.DefaultLockTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logger.ComponentLogger("pulse.cluster")
	}
	return &RedisSemaphore{
		client: client,
		opts:   opts,
		log:    logger.AddLockSymbol(opts.Logger),
		tokens: make(map[string]string),
	}
}

func (s *RedisSemaphore) key(name string) string {
	return s.opts.KeyPrefix + s.opts.SchedulerName + ":" + name
}

// ObtainLock implements jobstore.Semaphore
func (s *RedisSemaphore) ObtainLock(ctx context.Context, name string) error {
	if s.IsLockOwner(name) {
		return errors.Wrapf(jobstore.ErrLockFailure, "%s is already held by this instance", name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	token := uuid.NewString()
	for attempt := 1; ; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(name), token, s.opts.TTL).Result()
		if err != nil && ctx.Err() == nil {
			return errors.Mark(errors.Wrapf(err, "obtain lock %s", name), jobstore.ErrLockFailure)
		}
		if ok {
			s.mu.Lock()
			s.tokens[name] = token
			s.mu.Unlock()
			if attempt > 1 {
				s.log.Debugw("Obtained lock after contention",
					logger.FieldLock, name,
					logger.FieldAttempts, attempt)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(jobstore.ErrLockFailure, "%s: %v after %d attempts", name, ctx.Err(), attempt)
		case <-time.After(s.opts.RetryDelay):
		}
	}
}

// ReleaseLock implements jobstore.Semaphore. A lock that expired and was
// taken by another instance is reported as an error and left alone.
func (s *RedisSemaphore) ReleaseLock(ctx context.Context, name string) error {
	s.mu.Lock()
	token, ok := s.tokens[name]
	delete(s.tokens, name)
	s.mu.Unlock()
	if !ok {
		return errors.Newf("lock %s is not held", name)
	}

	deleted, err := releaseScript.Run(ctx, s.client, []string{s.key(name)}, token).Int()
	if err != nil {
		return errors.Wrapf(err, "release lock %s", name)
	}
	if deleted == 0 {
		s.log.Warnw("Lock expired before release", logger.FieldLock, name)
		return errors.Newf("lock %s expired before release", name)
	}
	return nil
}

// IsLockOwner implements jobstore.Semaphore. It reflects this process's
// view; an expired lock is still reported until released.
func (s *RedisSemaphore) IsLockOwner(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[name]
	return ok
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.NewInvalidRequestError("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.WithHint(
			errors.Wrapf(err, "redis ping %s failed", addr),
			"check redis.addr in am.toml or set cluster.semaphore = \"local\"")
	}
	return client, nil
}
