package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("FEEDWEIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("feedweir")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".feedweir"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyContractEnv(cfg)
	return cfg, nil
}

// applyContractEnv overlays the flat deployment environment variables
// that predate the FEEDWEIR_ naming scheme.
func applyContractEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if ms, ok := envInt("INGEST_POLL_INTERVAL_MS"); ok {
		cfg.Ingest.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt("INGEST_MAX_PAGES_PER_RUN"); ok {
		cfg.Ingest.MaxPagesPerRun = int(n)
	}
	if n, ok := envInt("INGEST_MAX_CONCURRENT_SOURCES"); ok {
		cfg.Ingest.MaxConcurrentSources = int(n)
	}
	if v := os.Getenv("R2_ACCOUNT_ID"); v != "" {
		cfg.CDN.AccountID = v
	}
	if v := os.Getenv("R2_ACCESS_KEY_ID"); v != "" {
		cfg.CDN.AccessKeyID = v
	}
	if v := os.Getenv("R2_SECRET_ACCESS_KEY"); v != "" {
		cfg.CDN.SecretAccessKey = v
	}
	if v := os.Getenv("R2_BUCKET"); v != "" {
		cfg.CDN.Bucket = v
	}
	if v := os.Getenv("R2_PUBLIC_URL"); v != "" {
		cfg.CDN.PublicURL = v
	}
}

func envInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.name", cfg.Database.Name)
	v.SetDefault("redis.url", cfg.Redis.URL)

	v.SetDefault("ingest.poll_interval", cfg.Ingest.PollInterval)
	v.SetDefault("ingest.max_pages_per_run", cfg.Ingest.MaxPagesPerRun)
	v.SetDefault("ingest.max_items_per_run", cfg.Ingest.MaxItemsPerRun)
	v.SetDefault("ingest.scan_timeout", cfg.Ingest.ScanTimeout)
	v.SetDefault("ingest.max_duration", cfg.Ingest.MaxDuration)
	v.SetDefault("ingest.commit_max_duration", cfg.Ingest.CommitMaxDuration)
	v.SetDefault("ingest.max_item_age", cfg.Ingest.MaxItemAge)
	v.SetDefault("ingest.max_concurrent_sources", cfg.Ingest.MaxConcurrentSources)
	v.SetDefault("ingest.worker_concurrency", cfg.Ingest.WorkerConcurrency)
	v.SetDefault("ingest.jobs_per_minute", cfg.Ingest.JobsPerMinute)
	v.SetDefault("ingest.max_attempts", cfg.Ingest.MaxAttempts)
	v.SetDefault("ingest.retry_backoff", cfg.Ingest.RetryBackoff)
	v.SetDefault("ingest.catch_up_delay", cfg.Ingest.CatchUpDelay)
	v.SetDefault("ingest.max_failures", cfg.Ingest.MaxFailures)
	v.SetDefault("ingest.failure_cooldown", cfg.Ingest.FailureCooldown)
	v.SetDefault("ingest.keep_completed", cfg.Ingest.KeepCompleted)
	v.SetDefault("ingest.keep_completed_age", cfg.Ingest.KeepCompletedAge)
	v.SetDefault("ingest.keep_failed", cfg.Ingest.KeepFailed)
	v.SetDefault("ingest.keep_failed_age", cfg.Ingest.KeepFailedAge)

	v.SetDefault("fetch.user_agent", cfg.Fetch.UserAgent)
	v.SetDefault("fetch.timeout", cfg.Fetch.Timeout)
	v.SetDefault("fetch.max_body_size", cfg.Fetch.MaxBodySize)
	v.SetDefault("fetch.max_redirects", cfg.Fetch.MaxRedirects)
	v.SetDefault("fetch.allowed_hosts", cfg.Fetch.AllowedHosts)

	v.SetDefault("cdn.max_bytes", cfg.CDN.MaxBytes)
	v.SetDefault("cdn.timeout", cfg.CDN.Timeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
