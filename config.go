package orchestra

import "time"

// Config holds configuration for an Orchestra and the engine built on it.
type Config struct {
	// Concurrency is the maximum number of tasks processed concurrently.
	Concurrency int `koanf:"concurrency"`

	// Queues is the list of task queues this process polls.
	Queues []string `koanf:"queues"`

	// PollInterval is how often to poll for new tasks.
	PollInterval time.Duration `koanf:"poll_interval"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// HeartbeatInterval is how often running tasks send heartbeats.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// StaleTaskThreshold is how long before a task without heartbeat is
	// considered abandoned and handed to another worker.
	StaleTaskThreshold time.Duration `koanf:"stale_task_threshold"`

	// LockTTL bounds how long a run or step lock is held by a backend
	// that leases locks (redis, mongo).
	LockTTL time.Duration `koanf:"lock_ttl"`

	// StepRetries is the retry budget of steps that do not set their own.
	StepRetries int `koanf:"step_retries"`

	// StepRetryDelay is the delay between step attempts when a step does
	// not set its own. Zero means the engine backoff strategy decides.
	StepRetryDelay time.Duration `koanf:"step_retry_delay"`

	// TaskMaxAttempts is how many times a task is redelivered after an
	// infrastructure error before it is abandoned.
	TaskMaxAttempts int `koanf:"task_max_attempts"`

	// TaskTimeout bounds a single task delivery. Zero disables it.
	TaskTimeout time.Duration `koanf:"task_timeout"`

	Log   LogConfig   `koanf:"log"`
	Store StoreConfig `koanf:"store"`
}

// LogConfig configures the slog handler built by the config package.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects and configures a store backend.
type StoreConfig struct {
	// Driver is one of "memory", "postgres", "redis", "mongo".
	Driver string `koanf:"driver"`

	DSN           string `koanf:"dsn"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	MongoURI      string `koanf:"mongo_uri"`
	MongoDatabase string `koanf:"mongo_database"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		Queues:             []string{"default"},
		PollInterval:       1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		StaleTaskThreshold: 30 * time.Second,
		LockTTL:            30 * time.Second,
		StepRetries:        0,
		StepRetryDelay:     0,
		TaskMaxAttempts:    5,
		TaskTimeout:        5 * time.Minute,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver:        "memory",
			MongoDatabase: "orchestra",
		},
	}
}
