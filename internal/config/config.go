package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for feedweir.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Redis    RedisConfig    `mapstructure:"redis"    yaml:"redis"`
	Ingest   IngestConfig   `mapstructure:"ingest"   yaml:"ingest"`
	Fetch    FetchConfig    `mapstructure:"fetch"    yaml:"fetch"`
	CDN      CDNConfig      `mapstructure:"cdn"      yaml:"cdn"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
}

// DatabaseConfig selects the persistence backend by URL scheme
// (postgres:// or mongodb://).
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// Mongo-only: database name. Ignored for postgres.
	Name string `mapstructure:"name" yaml:"name"`
}

// RedisConfig points at the queue backend.
type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// IngestConfig controls the scheduler and scanner.
type IngestConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"          yaml:"poll_interval"`
	MaxPagesPerRun       int           `mapstructure:"max_pages_per_run"      yaml:"max_pages_per_run"`
	MaxItemsPerRun       int           `mapstructure:"max_items_per_run"      yaml:"max_items_per_run"`
	ScanTimeout          time.Duration `mapstructure:"scan_timeout"           yaml:"scan_timeout"`
	MaxDuration          time.Duration `mapstructure:"max_duration"           yaml:"max_duration"`        // scan-time validity cap
	CommitMaxDuration    time.Duration `mapstructure:"commit_max_duration"    yaml:"commit_max_duration"` // stricter cap enforced at commit
	MaxItemAge           time.Duration `mapstructure:"max_item_age"           yaml:"max_item_age"`        // 0 disables the age filter
	MaxConcurrentSources int           `mapstructure:"max_concurrent_sources" yaml:"max_concurrent_sources"`
	WorkerConcurrency    int           `mapstructure:"worker_concurrency"     yaml:"worker_concurrency"`
	JobsPerMinute        int           `mapstructure:"jobs_per_minute"        yaml:"jobs_per_minute"`
	MaxAttempts          int           `mapstructure:"max_attempts"           yaml:"max_attempts"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"          yaml:"retry_backoff"` // doubles per attempt
	CatchUpDelay         time.Duration `mapstructure:"catch_up_delay"         yaml:"catch_up_delay"`
	MaxFailures          int           `mapstructure:"max_failures"           yaml:"max_failures"` // consecutive failures before cooldown
	FailureCooldown      time.Duration `mapstructure:"failure_cooldown"       yaml:"failure_cooldown"`
	KeepCompleted        int           `mapstructure:"keep_completed"         yaml:"keep_completed"`
	KeepCompletedAge     time.Duration `mapstructure:"keep_completed_age"     yaml:"keep_completed_age"`
	KeepFailed           int           `mapstructure:"keep_failed"            yaml:"keep_failed"`
	KeepFailedAge        time.Duration `mapstructure:"keep_failed_age"        yaml:"keep_failed_age"`
}

// FetchConfig controls outbound HTTP.
type FetchConfig struct {
	UserAgent    string        `mapstructure:"user_agent"    yaml:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"       yaml:"timeout"`
	MaxBodySize  int64         `mapstructure:"max_body_size" yaml:"max_body_size"`
	MaxRedirects int           `mapstructure:"max_redirects" yaml:"max_redirects"`
	// AllowedHosts is the outbound allowlist for CDN pre-cache
	// downloads, matched exactly or by suffix.
	AllowedHosts []string `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
}

// CDNConfig holds the optional R2 object-store sink. The sink is
// disabled when the credentials are unset.
type CDNConfig struct {
	AccountID       string        `mapstructure:"account_id"        yaml:"account_id"`
	AccessKeyID     string        `mapstructure:"access_key_id"     yaml:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	Bucket          string        `mapstructure:"bucket"            yaml:"bucket"`
	PublicURL       string        `mapstructure:"public_url"        yaml:"public_url"`
	MaxBytes        int64         `mapstructure:"max_bytes"         yaml:"max_bytes"`
	Timeout         time.Duration `mapstructure:"timeout"           yaml:"timeout"`
}

// Enabled reports whether the CDN sink is configured.
func (c CDNConfig) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != ""
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Name: "feedweir",
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Ingest: IngestConfig{
			PollInterval:         10 * time.Minute,
			MaxPagesPerRun:       10,
			MaxItemsPerRun:       100,
			ScanTimeout:          5 * time.Minute,
			MaxDuration:          10 * time.Minute,
			CommitMaxDuration:    30 * time.Second,
			MaxItemAge:           0,
			MaxConcurrentSources: 10,
			WorkerConcurrency:    5,
			JobsPerMinute:        10,
			MaxAttempts:          3,
			RetryBackoff:         30 * time.Second,
			CatchUpDelay:         60 * time.Second,
			MaxFailures:          5,
			FailureCooldown:      60 * time.Minute,
			KeepCompleted:        1000,
			KeepCompletedAge:     24 * time.Hour,
			KeepFailed:           500,
			KeepFailedAge:        7 * 24 * time.Hour,
		},
		Fetch: FetchConfig{
			UserAgent:    "feedweir/1.0 (+https://feedweir.dev/bot)",
			Timeout:      30 * time.Second,
			MaxBodySize:  10 * 1024 * 1024,
			MaxRedirects: 5,
		},
		CDN: CDNConfig{
			MaxBytes: 50 * 1024 * 1024,
			Timeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
