package am

import "github.com/teranos/tempo/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	s := c.Scheduler

	if s.Name == "" {
		return errors.New("scheduler.name cannot be empty")
	}
	if s.InstanceID == "" {
		return errors.WithHint(errors.New("scheduler.instance_id cannot be empty"),
			`use "AUTO" to generate one`)
	}

	switch s.Store {
	case StoreSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path cannot be empty when scheduler.store = \"sqlite\"")
		}
	case StoreMemory:
		if c.Cluster.Enabled {
			return errors.WithHint(errors.New("cluster.enabled requires a shared store"),
				`set scheduler.store = "sqlite"`)
		}
	default:
		return errors.Newf("scheduler.store must be %q or %q, got %q", StoreSQLite, StoreMemory, s.Store)
	}

	// Workers: zero would stall the loop forever
	if s.Workers <= 0 {
		return errors.Newf("scheduler.workers must be > 0, got %d", s.Workers)
	}
	if s.IdleWaitMS <= 0 {
		return errors.Newf("scheduler.idle_wait_ms must be > 0, got %d", s.IdleWaitMS)
	}
	if s.MisfireThresholdMS < 0 {
		return errors.Newf("scheduler.misfire_threshold_ms must be >= 0, got %d", s.MisfireThresholdMS)
	}
	if s.StoreFailureRetryMS <= 0 {
		return errors.Newf("scheduler.store_failure_retry_ms must be > 0, got %d", s.StoreFailureRetryMS)
	}
	if s.ReevaluationThresholdMS < 0 {
		return errors.Newf("scheduler.reevaluation_threshold_ms must be >= 0, got %d", s.ReevaluationThresholdMS)
	}
	if s.CompletionRetryMaxMS <= 0 {
		return errors.Newf("scheduler.completion_retry_max_ms must be > 0, got %d", s.CompletionRetryMaxMS)
	}
	if s.WatchDefinitions && s.DefinitionsPath == "" {
		return errors.New("scheduler.watch_definitions requires scheduler.definitions_path")
	}

	if c.Cluster.Enabled {
		if c.Cluster.CheckinIntervalMS <= 0 {
			return errors.Newf("cluster.checkin_interval_ms must be > 0, got %d", c.Cluster.CheckinIntervalMS)
		}
		if c.Cluster.CheckinGraceMS < 0 {
			return errors.Newf("cluster.checkin_grace_ms must be >= 0, got %d", c.Cluster.CheckinGraceMS)
		}
	}
	if c.Cluster.LockTimeoutMS <= 0 {
		return errors.Newf("cluster.lock_timeout_ms must be > 0, got %d", c.Cluster.LockTimeoutMS)
	}

	switch c.Cluster.Semaphore {
	case SemaphoreLocal:
	case SemaphoreRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr cannot be empty when cluster.semaphore = \"redis\"")
		}
		if c.Redis.LockTTLMS <= 0 {
			return errors.Newf("redis.lock_ttl_ms must be > 0, got %d", c.Redis.LockTTLMS)
		}
	default:
		return errors.Newf("cluster.semaphore must be %q or %q, got %q", SemaphoreLocal, SemaphoreRedis, c.Cluster.Semaphore)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr cannot be empty when metrics are enabled")
	}

	return nil
}
