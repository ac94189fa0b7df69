package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the global engine defaults. Per-operation capabilities take
// precedence over explicit call parameters, which take precedence over
// these defaults.
type Config struct {
	// LockName keys the cross-process mutual-exclusion lock.
	LockName string `mapstructure:"lock_name" yaml:"lock_name"`

	// LockTimeout bounds how long an isolated run waits to acquire a
	// contested lock before failing.
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`

	// LockTTL bounds how long the lock may be held before the backing store
	// expires it, so a crashed holder cannot block forever.
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`

	// QueueName is the background dispatch queue for asynchronous operations.
	QueueName string `mapstructure:"queue_name" yaml:"queue_name"`

	// AutoTransaction wraps every synchronous operation in a transaction
	// scope unless the operation declares otherwise.
	AutoTransaction bool `mapstructure:"auto_transaction" yaml:"auto_transaction"`

	// Workers is the size of the in-process dispatch worker pool.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// QueueBuffer is the dispatch channel capacity.
	QueueBuffer int `mapstructure:"queue_buffer" yaml:"queue_buffer"`

	// ManifestPath optionally points at a TOML manifest with dependency and
	// capability overrides.
	ManifestPath string `mapstructure:"manifest_path" yaml:"manifest_path"`

	// DatabaseURL selects the SQL execution state store when set; the
	// in-memory store is used otherwise.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LockName:    "deploy-operations",
		LockTimeout: 10 * time.Second,
		LockTTL:     5 * time.Minute,
		QueueName:   "operations",
		Workers:     4,
		QueueBuffer: 64,
	}
}

// LoadConfig loads configuration from an optional YAML file with
// DEPLOYOPS_* environment variable overrides layered on top of the
// defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("lock_name", defaults.LockName)
	v.SetDefault("lock_timeout", defaults.LockTimeout)
	v.SetDefault("lock_ttl", defaults.LockTTL)
	v.SetDefault("queue_name", defaults.QueueName)
	v.SetDefault("auto_transaction", defaults.AutoTransaction)
	v.SetDefault("workers", defaults.Workers)
	v.SetDefault("queue_buffer", defaults.QueueBuffer)
	v.SetDefault("manifest_path", defaults.ManifestPath)
	v.SetDefault("database_url", defaults.DatabaseURL)

	v.SetEnvPrefix("DEPLOYOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
