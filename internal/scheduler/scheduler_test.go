package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/feedweir/feedweir/internal/breaker"
	"github.com/feedweir/feedweir/internal/climit"
	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/observability"
	"github.com/feedweir/feedweir/internal/queue"
	"github.com/feedweir/feedweir/internal/ratelimit"
	"github.com/feedweir/feedweir/internal/store"
	"github.com/feedweir/feedweir/internal/types"
)

func testScheduler(t *testing.T) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.NewMemoryStore()
	cfg := config.IngestConfig{
		MaxAttempts:  3,
		RetryBackoff: time.Second,
	}
	s := New(
		st, nil, nil,
		queue.New(rdb, "ingestion", logger),
		queue.New(rdb, "scheduler", logger),
		breaker.NewRegistry(breaker.DefaultConfig()),
		ratelimit.NewRegistry(),
		climit.New(2),
		observability.NewMetrics(logger),
		cfg, logger,
	)
	return s, st
}

func TestPollAllEnqueuesEnabledThreads(t *testing.T) {
	ctx := context.Background()
	s, st := testScheduler(t)

	st.AddSource(types.Source{ID: 1, Kind: types.KindReddit, Enabled: true})
	st.AddThread(types.Thread{ID: 1, SourceID: 1, Enabled: true, Priority: 5})
	st.AddThread(types.Thread{ID: 2, SourceID: 1, Enabled: true, Priority: 1})
	st.AddThread(types.Thread{ID: 3, SourceID: 1, Enabled: false})

	if err := s.pollAll(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := s.ingestion.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 2 {
		t.Fatalf("waiting = %d, want 2 (disabled thread skipped)", stats.Waiting)
	}

	// A second poll while jobs are still pending is a no-op.
	if err := s.pollAll(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ = s.ingestion.Stats(ctx)
	if stats.Waiting != 2 {
		t.Errorf("waiting = %d after repoll, want 2", stats.Waiting)
	}

	// Higher thread priority dequeues first.
	job, err := s.ingestion.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	if job.ThreadID != 1 {
		t.Errorf("first job thread = %d, want the priority-5 thread", job.ThreadID)
	}
}

func TestExecuteScanDropsDisabled(t *testing.T) {
	ctx := context.Background()
	s, st := testScheduler(t)
	logger := s.logger

	st.AddSource(types.Source{ID: 1, Kind: types.KindReddit, Enabled: true})
	st.AddThread(types.Thread{ID: 1, SourceID: 1, Enabled: false})

	result, err := s.executeScan(ctx, logger, &queue.Job{ID: "ingest-1", ThreadID: 1})
	if err != nil {
		t.Fatalf("disabled thread should drop the job, not fail it: %v", err)
	}
	if result.Status != types.RunFailed {
		t.Errorf("status = %s", result.Status)
	}

	// Same for a disabled source under an enabled thread.
	st.AddSource(types.Source{ID: 2, Kind: types.KindReddit, Enabled: false})
	st.AddThread(types.Thread{ID: 2, SourceID: 2, Enabled: true})
	if _, err := s.executeScan(ctx, logger, &queue.Job{ID: "ingest-2", ThreadID: 2}); err != nil {
		t.Errorf("disabled source should drop the job, not fail it: %v", err)
	}
}

func TestExecuteScanCircuitOpen(t *testing.T) {
	ctx := context.Background()
	s, st := testScheduler(t)

	st.AddSource(types.Source{ID: 1, Kind: types.KindReddit, Enabled: true})
	st.AddThread(types.Thread{ID: 1, SourceID: 1, Enabled: true})

	brk := s.breakers.For(1)
	for i := 0; i < 5; i++ {
		brk.RecordFailure()
	}
	if brk.State() != breaker.Open {
		t.Fatal("breaker should be open")
	}

	result, err := s.executeScan(ctx, s.logger, &queue.Job{ID: "ingest-1", ThreadID: 1})
	if err != nil {
		t.Fatalf("open circuit completes the job, it does not fail it: %v", err)
	}
	if result.Status != types.RunCircuitOpen {
		t.Errorf("status = %s, want circuit_open", result.Status)
	}
}

func TestTriggerThread(t *testing.T) {
	ctx := context.Background()
	s, st := testScheduler(t)

	st.AddSource(types.Source{ID: 1, Kind: types.KindReddit, Enabled: true})
	st.AddThread(types.Thread{ID: 9, SourceID: 1, Enabled: true})

	if err := s.TriggerThread(ctx, 9); err != nil {
		t.Fatal(err)
	}
	job, err := s.ingestion.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	if job.ID != "ingest-9" || job.Priority != 0 {
		t.Errorf("job = %+v", job)
	}

	if err := s.TriggerThread(ctx, 404); err == nil {
		t.Error("unknown thread should error")
	}
}
