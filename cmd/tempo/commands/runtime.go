package commands

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/teranos/tempo/am"
	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/jobs"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/jobstore"
	"github.com/teranos/tempo/pulse/scheduler"
)

// openDatabase opens and migrates the configured database. TEMPO_DB_PATH
// overrides database.path.
func openDatabase() (*sql.DB, error) {
	path, err := am.GetDatabasePath()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		path = "tempo.db"
	}
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	return database, nil
}

// instanceID resolves scheduler.instance_id. Unclustered schedulers always
// use the fixed id so a restart recovers its own lost executions.
func instanceID(cfg *am.Config) string {
	if !cfg.Cluster.Enabled {
		return scheduler.DefaultInstanceID
	}
	if cfg.Scheduler.InstanceID != am.AutoInstanceID {
		return cfg.Scheduler.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tempo"
	}
	return host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// runtime bundles a scheduler with the resources it was built from
type runtime struct {
	cfg      *am.Config
	sched    *scheduler.Scheduler
	database *sql.DB // nil for the memory store
	redis    *redis.Client
}

// newRuntime builds a scheduler in standby from configuration. Admin
// commands use it unstarted: they write to the shared store and the
// running daemon picks the changes up on its next acquisition.
func newRuntime(ctx context.Context, workers int, daemon bool) (*runtime, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if workers <= 0 {
		workers = cfg.Scheduler.Workers
	}

	rt := &runtime{cfg: cfg}
	id := instanceID(cfg)
	base := jobstore.Options{
		SchedulerName:    cfg.Scheduler.Name,
		InstanceID:       id,
		MisfireThreshold: cfg.Scheduler.MisfireThreshold(),
		Logger:           logger.Logger.Named("pulse.jobstore"),
	}

	var store jobstore.Store
	switch cfg.Scheduler.Store {
	case am.StoreMemory:
		if !daemon {
			return nil, errors.WithHint(errors.New("the memory store only lives inside a running daemon"),
				`set scheduler.store = "sqlite" to manage jobs from the CLI`)
		}
		store = jobstore.NewMemoryStore(base)
	default:
		if rt.database, err = openDatabase(); err != nil {
			return nil, err
		}
		opts := jobstore.SQLOptions{
			Options:         base,
			Clustered:       cfg.Cluster.Enabled && daemon,
			CheckinInterval: cfg.Cluster.CheckinInterval(),
			CheckinGrace:    cfg.Cluster.CheckinGrace(),
		}
		if cfg.Cluster.Semaphore == am.SemaphoreRedis {
			if rt.redis, err = cluster.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
				rt.close()
				return nil, err
			}
			opts.Semaphore = cluster.NewRedisSemaphore(rt.redis, cluster.RedisOptions{
				KeyPrefix:     cfg.Redis.KeyPrefix,
				SchedulerName: cfg.Scheduler.Name,
				TTL:           cfg.Redis.LockTTL(),
				Timeout:       cfg.Cluster.LockTimeout(),
				Logger:        logger.Logger.Named("pulse.cluster"),
			})
		} else {
			opts.Semaphore = jobstore.NewLocalSemaphore(cfg.Cluster.LockTimeout())
		}
		store = jobstore.NewSQLStore(rt.database, opts)
	}

	log := logger.Logger.Named("pulse")
	handlers := async.NewHandlerRegistry(jobs.Builtin(log.Named("jobs"), jobs.Options{})...)
	rt.sched, err = scheduler.New(ctx, store, async.NewWorkerPool(workers, log.Named("pool")), handlers, scheduler.Config{
		Name:                      cfg.Scheduler.Name,
		InstanceID:                id,
		IdleWaitTime:              cfg.Scheduler.IdleWait(),
		StoreFailureRetryInterval: cfg.Scheduler.StoreFailureRetry(),
		ReevaluationThreshold:     cfg.Scheduler.ReevaluationThreshold(),
		CompletionRetryMax:        cfg.Scheduler.CompletionRetryMax(),
		Logger:                    log.Named("scheduler"),
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

// shutdown stops the scheduler and releases its resources
func (rt *runtime) shutdown(ctx context.Context, wait bool) error {
	err := rt.sched.Shutdown(ctx, wait)
	rt.close()
	return err
}

func (rt *runtime) close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.database != nil {
		_ = rt.database.Close()
	}
}

// withRuntime runs fn against an unstarted scheduler and shuts it down
func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx, 1, false)
	if err != nil {
		return err
	}
	defer rt.shutdown(ctx, false)
	return fn(ctx, rt)
}

// FormatError renders err with its hints for the terminal
func FormatError(err error) string {
	msg := "Error: " + err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		msg += "\nHint: " + hint
	}
	return msg
}
