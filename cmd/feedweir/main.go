package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/feedweir/feedweir/internal/config"
)

const version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "feedweir",
		Short: "Incremental media-feed ingestion engine",
		Long: `feedweir watches configured feeds (forum threads, subreddits, user
galleries) and ingests new media incrementally: each scan walks pages
backward from the newest until it meets the last checkpoint, then
persists what it found, idempotently.

Sources are rate limited, circuit broken, and fetched under a global
concurrency cap. Partial scans resume through catch-up cursors.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("feedweir %s\n", version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Database:\n")
			fmt.Printf("  URL:                  %s\n", redact(cfg.Database.URL))
			fmt.Printf("Redis:\n")
			fmt.Printf("  URL:                  %s\n", redact(cfg.Redis.URL))
			fmt.Printf("\nIngest:\n")
			fmt.Printf("  Poll Interval:        %s\n", cfg.Ingest.PollInterval)
			fmt.Printf("  Max Pages / Run:      %d\n", cfg.Ingest.MaxPagesPerRun)
			fmt.Printf("  Max Items / Run:      %d\n", cfg.Ingest.MaxItemsPerRun)
			fmt.Printf("  Scan Timeout:         %s\n", cfg.Ingest.ScanTimeout)
			fmt.Printf("  Max Concurrent:       %d\n", cfg.Ingest.MaxConcurrentSources)
			fmt.Printf("  Workers:              %d\n", cfg.Ingest.WorkerConcurrency)
			fmt.Printf("  Jobs / Minute:        %d\n", cfg.Ingest.JobsPerMinute)
			fmt.Printf("  Max Attempts:         %d\n", cfg.Ingest.MaxAttempts)
			fmt.Printf("  Retry Backoff:        %s\n", cfg.Ingest.RetryBackoff)
			fmt.Printf("  Catch-up Delay:       %s\n", cfg.Ingest.CatchUpDelay)
			fmt.Printf("  Failure Cooldown:     %s after %d failures\n",
				cfg.Ingest.FailureCooldown, cfg.Ingest.MaxFailures)
			fmt.Printf("\nFetch:\n")
			fmt.Printf("  User-Agent:           %s\n", cfg.Fetch.UserAgent)
			fmt.Printf("  Timeout:              %s\n", cfg.Fetch.Timeout)
			fmt.Printf("  Max Body Size:        %d bytes\n", cfg.Fetch.MaxBodySize)
			fmt.Printf("  Allowed Hosts:        %d configured\n", len(cfg.Fetch.AllowedHosts))
			fmt.Printf("\nCDN:\n")
			fmt.Printf("  Enabled:              %v\n", cfg.CDN.Enabled())
			if cfg.CDN.Enabled() {
				fmt.Printf("  Bucket:               %s\n", cfg.CDN.Bucket)
				fmt.Printf("  Max Bytes:            %d\n", cfg.CDN.MaxBytes)
			}
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:              %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:                 %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

// redact hides credentials embedded in connection URLs.
func redact(raw string) string {
	if raw == "" {
		return "(unset)"
	}
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		if scheme := strings.IndexByte(raw, ':'); scheme >= 0 && scheme < at {
			return raw[:scheme+3] + "***" + raw[at:]
		}
	}
	return raw
}

// setupLogger creates a structured logger.
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}
