package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/divviup/ppm-aggregator/internal/crypter"
)

// durations are kept as strings in koanf config structs and parsed with
// time.ParseDuration by callers, the same convention the teacher's
// AggregationConfig.CronInterval used ("parsed as time.Duration in main").

// Config is the top-level configuration for an aggregator binary.
type Config struct {
	Server      ServerConfig         `koanf:"server"`
	Database    DatabaseConfig       `koanf:"database"`
	Aggregation AggregationJobConfig `koanf:"aggregation"`
	Collection  CollectionJobConfig  `koanf:"collection"`
	Lease       LeaseConfig          `koanf:"lease"`
	Crypter     CrypterConfig        `koanf:"crypter"`
}

// ServerConfig holds the health HTTP server configuration.
type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // "debug" or "release"
}

// DatabaseConfig holds the database connection settings.
type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// LeaseConfig governs how a driver acquires and holds work leases,
// shared by the Aggregation Job Driver and the Collection Job Driver.
type LeaseConfig struct {
	WorkerLeaseDuration           string `koanf:"worker_lease_duration"`
	WorkerLeaseClockSkewAllowance string `koanf:"worker_lease_clock_skew_allowance"`
	MaxConcurrentJobWorkers       int    `koanf:"max_concurrent_job_workers"`
	MaximumAttemptsBeforeFailure  int    `koanf:"maximum_attempts_before_failure"`
	JobDiscoveryInterval          string `koanf:"job_discovery_interval"`
}

// LeaseDuration parses WorkerLeaseDuration, defaulting to 10m if unset or
// malformed.
func (c LeaseConfig) LeaseDuration() time.Duration {
	if d, err := time.ParseDuration(c.WorkerLeaseDuration); err == nil {
		return d
	}
	return 10 * time.Minute
}

// ClockSkewAllowance parses WorkerLeaseClockSkewAllowance, defaulting to 1m
// if unset or malformed.
func (c LeaseConfig) ClockSkewAllowance() time.Duration {
	if d, err := time.ParseDuration(c.WorkerLeaseClockSkewAllowance); err == nil {
		return d
	}
	return time.Minute
}

// DiscoveryInterval parses JobDiscoveryInterval, defaulting to 10s if
// unset or malformed.
func (c LeaseConfig) DiscoveryInterval() time.Duration {
	if d, err := time.ParseDuration(c.JobDiscoveryInterval); err == nil {
		return d
	}
	return 10 * time.Second
}

// AggregationJobConfig holds settings for the Aggregation Job Creator and
// Driver.
type AggregationJobConfig struct {
	ConfigDir                      string `koanf:"config_dir"`
	Enabled                        bool   `koanf:"enabled"`
	MinAggregationJobSize          int    `koanf:"min_aggregation_job_size"`
	MaxAggregationJobSize          int    `koanf:"max_aggregation_job_size"`
	AggregationJobCreationInterval string `koanf:"aggregation_job_creation_interval"`
	TasksUpdateFrequency           string `koanf:"tasks_update_frequency"`
	BatchAggregationShardCount     int    `koanf:"batch_aggregation_shard_count"`
}

// CreationInterval parses AggregationJobCreationInterval, defaulting to 2m
// if unset or malformed.
func (c AggregationJobConfig) CreationInterval() time.Duration {
	if d, err := time.ParseDuration(c.AggregationJobCreationInterval); err == nil {
		return d
	}
	return 2 * time.Minute
}

// TasksRefreshInterval parses TasksUpdateFrequency, defaulting to 5m if
// unset or malformed.
func (c AggregationJobConfig) TasksRefreshInterval() time.Duration {
	if d, err := time.ParseDuration(c.TasksUpdateFrequency); err == nil {
		return d
	}
	return 5 * time.Minute
}

// CollectionJobConfig holds settings specific to the Collection Job
// Driver; lease behavior is shared via LeaseConfig.
type CollectionJobConfig struct {
	Enabled bool `koanf:"enabled"`
}

// CrypterConfig lists the row-level encryption keys (oldest first, base64
// std encoding of each 16-byte AES-128 key) used to seal task verify keys
// and helper auth tokens at rest.
type CrypterConfig struct {
	Keys []string `koanf:"keys"`
}

// Build decodes Keys into a crypter.Crypter, or returns a nil Crypter (no
// error) when no keys are configured, leaving task verify keys and auth
// tokens unsealed — the dev/test fixture case.
func (c CrypterConfig) Build() (*crypter.Crypter, error) {
	if len(c.Keys) == 0 {
		return nil, nil
	}
	keys := make([][]byte, len(c.Keys))
	for i, k := range c.Keys {
		raw, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("crypter key %d: invalid base64: %w", i, err)
		}
		keys[i] = raw
	}
	return crypter.New(keys)
}

// Load loads the configuration from the given file path and environment
// variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                                   8080,
		"server.host":                                   "0.0.0.0",
		"server.max_body_size_mb":                       1,
		"server.mode":                                   "release",
		"database.type":                                 "postgres",
		"database.dsn":                                  "ppm-aggregator.db",
		"database.max_open_conns":                       25,
		"database.max_idle_conns":                       25,
		"database.auto_migrate":                         true,
		"aggregation.config_dir":                        "./config/tasks",
		"aggregation.enabled":                           true,
		"aggregation.min_aggregation_job_size":          50,
		"aggregation.max_aggregation_job_size":          60,
		"aggregation.aggregation_job_creation_interval": "2m",
		"aggregation.tasks_update_frequency":            "5m",
		"aggregation.batch_aggregation_shard_count":     8,
		"collection.enabled":                            true,
		"lease.worker_lease_duration":                   "10m",
		"lease.worker_lease_clock_skew_allowance":       "1m",
		"lease.max_concurrent_job_workers":              10,
		"lease.maximum_attempts_before_failure":         10,
		"lease.job_discovery_interval":                  "10s",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// PPM_SERVER__PORT=9090 overrides server.port
	if err := k.Load(env.Provider("PPM_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "PPM_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
