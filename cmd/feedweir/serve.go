package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/feedweir/feedweir/internal/breaker"
	"github.com/feedweir/feedweir/internal/cdn"
	"github.com/feedweir/feedweir/internal/checkpoint"
	"github.com/feedweir/feedweir/internal/climit"
	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/observability"
	"github.com/feedweir/feedweir/internal/persist"
	"github.com/feedweir/feedweir/internal/queue"
	"github.com/feedweir/feedweir/internal/ratelimit"
	"github.com/feedweir/feedweir/internal/scanner"
	"github.com/feedweir/feedweir/internal/scheduler"
	"github.com/feedweir/feedweir/internal/store"
)

// serveCmd creates the "serve" subcommand: the long-running engine.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion engine",
		Long:  "Start the scheduler, worker pool, and periodic feed polling. Runs until interrupted.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis url is required (REDIS_URL)")
	}

	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.Name)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close(ctx)
	logger.Info("store connected", "backend", st.Name())

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	metrics := observability.NewMetrics(logger)
	if cfg.Metrics.Enabled {
		if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	client := fetch.NewClient(cfg.Fetch, logger)
	buckets := ratelimit.NewRegistry()
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	global := climit.New(cfg.Ingest.MaxConcurrentSources)

	var sink persist.CDNSink
	if cfg.CDN.Enabled() {
		cache, err := cdn.New(ctx, cfg.CDN, cfg.Fetch, metrics, logger)
		if err != nil {
			return fmt.Errorf("cdn sink: %w", err)
		}
		sink = cache
		logger.Info("cdn sink enabled", "bucket", cfg.CDN.Bucket)
	} else {
		logger.Info("cdn sink disabled")
	}

	checkpoints := checkpoint.NewManager(st, cfg.Ingest.MaxFailures, cfg.Ingest.FailureCooldown, logger)
	committer := persist.NewCommitter(st, sink, cfg.Ingest.CommitMaxDuration, logger)
	scan := scanner.New(st, checkpoints, committer, buckets, breakers, global, cfg.Ingest, logger)

	ingestionQ := queue.New(rdb, "ingestion", logger)
	ingestionQ.SetRetention(cfg.Ingest.KeepCompleted, cfg.Ingest.KeepCompletedAge,
		cfg.Ingest.KeepFailed, cfg.Ingest.KeepFailedAge)
	schedulerQ := queue.New(rdb, "scheduler", logger)

	sched := scheduler.New(st, scan, client, ingestionQ, schedulerQ,
		breakers, buckets, global, metrics, cfg.Ingest, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down...", "signal", sig)

	sched.Stop()
	return nil
}
