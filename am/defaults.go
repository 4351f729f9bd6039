package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "tempo.db")

	// Scheduler defaults
	v.SetDefault("scheduler.name", "tempo")
	v.SetDefault("scheduler.instance_id", AutoInstanceID)
	v.SetDefault("scheduler.store", StoreSQLite)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.idle_wait_ms", 30000)          // 30s idle sleep
	v.SetDefault("scheduler.misfire_threshold_ms", 60000)  // 1 minute tolerance
	v.SetDefault("scheduler.store_failure_retry_ms", 15000) // 15s between failed acquisitions
	v.SetDefault("scheduler.reevaluation_threshold_ms", 0) // store decides
	v.SetDefault("scheduler.completion_retry_max_ms", 15000)
	v.SetDefault("scheduler.definitions_path", "")
	v.SetDefault("scheduler.watch_definitions", false)

	// Cluster defaults
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.checkin_interval_ms", 7500)
	v.SetDefault("cluster.checkin_grace_ms", 7500)
	v.SetDefault("cluster.lock_timeout_ms", 10000)
	v.SetDefault("cluster.semaphore", SemaphoreLocal)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "tempo:lock:")
	v.SetDefault("redis.lock_ttl_ms", 30000)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9107")

	// Log defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.theme", "everforest")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("redis.password", "TEMPO_REDIS_PASSWORD")
}
