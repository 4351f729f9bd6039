package am

import "time"

// Config represents the tempo configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database backing the persistent store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the firing loop
type SchedulerConfig struct {
	Name       string `mapstructure:"name"`        // Scheduler name, shared by all instances of a cluster
	InstanceID string `mapstructure:"instance_id"` // "AUTO" = generate a unique id at startup
	Store      string `mapstructure:"store"`       // "sqlite" or "memory"
	Workers    int    `mapstructure:"workers"`     // Worker pool size (must be > 0)

	IdleWaitMS              int `mapstructure:"idle_wait_ms"`              // Sleep when nothing is due (default: 30000)
	MisfireThresholdMS      int `mapstructure:"misfire_threshold_ms"`      // Lateness tolerated before misfire handling (default: 60000)
	StoreFailureRetryMS     int `mapstructure:"store_failure_retry_ms"`    // Pause after a failed acquisition (default: 15000)
	ReevaluationThresholdMS int `mapstructure:"reevaluation_threshold_ms"` // 0 = use the store's estimate
	CompletionRetryMaxMS    int `mapstructure:"completion_retry_max_ms"`   // Backoff cap for completion retries (default: 15000)

	// Job/trigger definitions applied at startup (optional)
	DefinitionsPath  string `mapstructure:"definitions_path"`
	WatchDefinitions bool   `mapstructure:"watch_definitions"`
}

// ClusterConfig configures cooperation between instances sharing one store
type ClusterConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CheckinIntervalMS int    `mapstructure:"checkin_interval_ms"` // Heartbeat period (default: 7500)
	CheckinGraceMS    int    `mapstructure:"checkin_grace_ms"`    // Extra tolerance before a peer is recovered (default: 7500)
	LockTimeoutMS     int    `mapstructure:"lock_timeout_ms"`     // Bound on ObtainLock (default: 10000)
	Semaphore         string `mapstructure:"semaphore"`           // "local" or "redis"
}

// RedisConfig configures the Redis lock backend used when cluster.semaphore = "redis"
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	LockTTLMS int    `mapstructure:"lock_ttl_ms"` // Expiry on held locks so a crashed holder cannot wedge the cluster
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures console output
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Theme string `mapstructure:"theme"` // Color theme: gruvbox, everforest
}

// Store backends
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Semaphore backends
const (
	SemaphoreLocal = "local"
	SemaphoreRedis = "redis"
)

// AutoInstanceID requests a generated instance id
const AutoInstanceID = "AUTO"

// File system constants
const (
	DefaultDirPermissions = 0755 // Standard directory permissions (rwxr-xr-x)
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// IdleWait returns the configured idle wait as a duration
func (c SchedulerConfig) IdleWait() time.Duration { return ms(c.IdleWaitMS) }

// MisfireThreshold returns the configured misfire threshold as a duration
func (c SchedulerConfig) MisfireThreshold() time.Duration { return ms(c.MisfireThresholdMS) }

// StoreFailureRetry returns the configured store failure retry interval
func (c SchedulerConfig) StoreFailureRetry() time.Duration { return ms(c.StoreFailureRetryMS) }

// ReevaluationThreshold returns the configured threshold, zero meaning "store default"
func (c SchedulerConfig) ReevaluationThreshold() time.Duration { return ms(c.ReevaluationThresholdMS) }

// CompletionRetryMax returns the cap for completion retry backoff
func (c SchedulerConfig) CompletionRetryMax() time.Duration { return ms(c.CompletionRetryMaxMS) }

// CheckinInterval returns the heartbeat period
func (c ClusterConfig) CheckinInterval() time.Duration { return ms(c.CheckinIntervalMS) }

// CheckinGrace returns the tolerance added to a peer's interval
func (c ClusterConfig) CheckinGrace() time.Duration { return ms(c.CheckinGraceMS) }

// LockTimeout returns the bound on lock acquisition
func (c ClusterConfig) LockTimeout() time.Duration { return ms(c.LockTimeoutMS) }

// LockTTL returns the expiry applied to Redis locks
func (c RedisConfig) LockTTL() time.Duration { return ms(c.LockTTLMS) }
