package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/queue"
	"github.com/feedweir/feedweir/internal/scheduler"
)

// queues connects to redis and returns both named queues. The caller
// closes the returned client.
func queues(ctx context.Context) (*redis.Client, *queue.Queue, *queue.Queue, *config.Config, error) {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Redis.URL == "" {
		return nil, nil, nil, nil, fmt.Errorf("redis url is required (REDIS_URL)")
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, queue.New(rdb, "ingestion", logger), queue.New(rdb, "scheduler", logger), cfg, nil
}

// triggerCmd enqueues work immediately: a full poll, or one thread.
func triggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [thread-id]",
		Short: "Trigger ingestion now",
		Long: `Without arguments, enqueue an immediate poll of every enabled
thread. With a thread id, enqueue that one thread at the highest
priority.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rdb, ingestion, schedulerQ, cfg, err := queues(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			if len(args) == 0 {
				err := schedulerQ.Enqueue(ctx, &queue.Job{
					ID:          fmt.Sprintf("poll-%d", time.Now().UnixMilli()),
					Name:        "poll",
					MaxAttempts: 1,
				}, 0)
				if err != nil {
					return err
				}
				fmt.Println("poll enqueued")
				return nil
			}

			threadID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid thread id %q", args[0])
			}
			err = ingestion.Enqueue(ctx, &queue.Job{
				ID:          fmt.Sprintf("ingest-%d", threadID),
				Name:        "ingest",
				ThreadID:    threadID,
				Priority:    0,
				MaxAttempts: cfg.Ingest.MaxAttempts,
				Backoff:     cfg.Ingest.RetryBackoff,
			}, 0)
			if err != nil {
				return err
			}
			fmt.Printf("thread %d enqueued\n", threadID)
			return nil
		},
	}
}

// statsCmd prints both queues' state as JSON.
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rdb, ingestion, schedulerQ, _, err := queues(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			ing, err := ingestion.Stats(ctx)
			if err != nil {
				return err
			}
			sch, err := schedulerQ.Stats(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(scheduler.Stats{Ingestion: ing, Scheduler: sch}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// pauseCmd stops workers from taking new ingestion jobs.
func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the ingestion queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rdb, ingestion, _, _, err := queues(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()
			if err := ingestion.Pause(ctx); err != nil {
				return err
			}
			fmt.Println("ingestion paused")
			return nil
		},
	}
}

// resumeCmd re-opens the ingestion queue.
func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the ingestion queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rdb, ingestion, _, _, err := queues(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()
			if err := ingestion.Resume(ctx); err != nil {
				return err
			}
			fmt.Println("ingestion resumed")
			return nil
		},
	}
}
