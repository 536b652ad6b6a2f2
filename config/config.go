package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/xraph/orchestra"
)

const (
	// EnvPrefix marks the environment variables read by Load.
	EnvPrefix = "ORCHESTRA__"

	// EnvDelimiter separates nesting levels in environment variable names.
	EnvDelimiter = "__"

	// ConfigDelimiter separates nesting levels in koanf keys.
	ConfigDelimiter = "."
)

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (orchestra.Config, error) {
	return load(path, nil)
}

// load is Load with an injectable environment lookup for tests.
func load(path string, environ func() []string) (orchestra.Config, error) {
	k := koanf.New(ConfigDelimiter)

	if err := k.Load(confmap.Provider(defaults(), ConfigDelimiter), nil); err != nil {
		return orchestra.Config{}, fmt.Errorf("orchestra/config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return orchestra.Config{}, fmt.Errorf("orchestra/config: load %s: %w", path, err)
		}
	}

	if environ == nil {
		if err := k.Load(env.Provider(EnvPrefix, ConfigDelimiter, envKey), nil); err != nil {
			return orchestra.Config{}, fmt.Errorf("orchestra/config: load env: %w", err)
		}
	} else {
		vals := make(map[string]any)
		for _, kv := range environ() {
			name, val, ok := strings.Cut(kv, "=")
			if !ok || !strings.HasPrefix(name, EnvPrefix) {
				continue
			}
			vals[envKey(name)] = val
		}
		if err := k.Load(confmap.Provider(vals, ConfigDelimiter), nil); err != nil {
			return orchestra.Config{}, fmt.Errorf("orchestra/config: load env: %w", err)
		}
	}

	var cfg orchestra.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return orchestra.Config{}, fmt.Errorf("orchestra/config: unmarshal: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return orchestra.Config{}, err
	}
	return cfg, nil
}

// envKey maps ORCHESTRA__STORE__DRIVER to store.driver.
func envKey(name string) string {
	name = strings.TrimPrefix(name, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(name), EnvDelimiter, ConfigDelimiter)
}

// defaults flattens orchestra.DefaultConfig into koanf keys.
func defaults() map[string]any {
	d := orchestra.DefaultConfig()
	return map[string]any{
		"concurrency":          d.Concurrency,
		"queues":               d.Queues,
		"poll_interval":        d.PollInterval.String(),
		"shutdown_timeout":     d.ShutdownTimeout.String(),
		"heartbeat_interval":   d.HeartbeatInterval.String(),
		"stale_task_threshold": d.StaleTaskThreshold.String(),
		"lock_ttl":             d.LockTTL.String(),
		"step_retries":         d.StepRetries,
		"step_retry_delay":     d.StepRetryDelay.String(),
		"task_max_attempts":    d.TaskMaxAttempts,
		"task_timeout":         d.TaskTimeout.String(),
		"log.level":            d.Log.Level,
		"log.format":           d.Log.Format,
		"store.driver":         d.Store.Driver,
		"store.dsn":            d.Store.DSN,
		"store.redis_addr":     d.Store.RedisAddr,
		"store.redis_password": d.Store.RedisPassword,
		"store.redis_db":       d.Store.RedisDB,
		"store.mongo_uri":      d.Store.MongoURI,
		"store.mongo_database": d.Store.MongoDatabase,
	}
}

// Validate reports the first setting that cannot be used.
func Validate(cfg orchestra.Config) error {
	switch {
	case cfg.Concurrency < 1:
		return fmt.Errorf("orchestra/config: concurrency must be positive, got %d", cfg.Concurrency)
	case cfg.PollInterval <= 0:
		return fmt.Errorf("orchestra/config: poll_interval must be positive, got %s", cfg.PollInterval)
	case cfg.StepRetries < 0:
		return fmt.Errorf("orchestra/config: step_retries must not be negative, got %d", cfg.StepRetries)
	case cfg.TaskMaxAttempts < 1:
		return fmt.Errorf("orchestra/config: task_max_attempts must be positive, got %d", cfg.TaskMaxAttempts)
	}
	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Store.DSN == "" {
			return fmt.Errorf("orchestra/config: store.dsn is required for driver %q", cfg.Store.Driver)
		}
	case DriverRedis:
		if cfg.Store.RedisAddr == "" {
			return fmt.Errorf("orchestra/config: store.redis_addr is required for driver %q", cfg.Store.Driver)
		}
	case DriverMongo:
		if cfg.Store.MongoURI == "" {
			return fmt.Errorf("orchestra/config: store.mongo_uri is required for driver %q", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("orchestra/config: unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}
