package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/feedweir/feedweir/internal/types"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func ingestJob(id string, priority int) *Job {
	return &Job{
		ID:          id,
		Name:        "ingest",
		Priority:    priority,
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
	}
}

func TestEnqueueDequeuePriority(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	for _, j := range []*Job{
		ingestJob("a", 5),
		ingestJob("b", 1),
		ingestJob("c", 5),
	} {
		if err := q.Enqueue(ctx, j, 0); err != nil {
			t.Fatal(err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("dequeue %d returned nil", i)
		}
		order = append(order, job.ID)
	}
	if order[0] != "b" || order[1] != "a" || order[2] != "c" {
		t.Errorf("dequeue order = %v, want [b a c]", order)
	}

	job, err := q.Dequeue(ctx)
	if err != nil || job != nil {
		t.Errorf("empty queue: job=%v err=%v", job, err)
	}
}

func TestDuplicateJobID(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	if err := q.Enqueue(ctx, ingestJob("ingest-7", 0), 0); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(ctx, ingestJob("ingest-7", 0), 0)
	if !errors.Is(err, types.ErrDuplicateJob) {
		t.Fatalf("second enqueue err = %v, want ErrDuplicateJob", err)
	}

	// A delayed duplicate is rejected the same way.
	err = q.Enqueue(ctx, ingestJob("ingest-7", 0), time.Minute)
	if !errors.Is(err, types.ErrDuplicateJob) {
		t.Fatalf("delayed duplicate err = %v, want ErrDuplicateJob", err)
	}
}

func TestCompleteFreesJobID(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	if err := q.Enqueue(ctx, ingestJob("ingest-7", 0), 0); err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}

	// The id is reusable once the job retires; this is what lets a
	// catch-up run re-enqueue under the same thread id.
	if err := q.Enqueue(ctx, ingestJob("ingest-7", 0), 0); err != nil {
		t.Fatalf("re-enqueue after complete: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 || stats.Active != 0 || stats.Waiting != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDelayedPromotion(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	if err := q.Enqueue(ctx, ingestJob("later", 0), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("delayed job handed out early: %+v", job)
	}

	time.Sleep(40 * time.Millisecond)
	job, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != "later" {
		t.Fatalf("delayed job not promoted: %+v", job)
	}
}

func TestRetryThenPermanentFailure(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	j := ingestJob("flaky", 0)
	j.MaxAttempts = 2
	if err := q.Enqueue(ctx, j, 0); err != nil {
		t.Fatal(err)
	}

	job, _ := q.Dequeue(ctx)
	if job == nil {
		t.Fatal("dequeue returned nil")
	}
	if err := q.Fail(ctx, job, fmt.Errorf("fetch timed out")); err != nil {
		t.Fatal(err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Delayed != 1 || stats.Failed != 0 {
		t.Fatalf("after first failure: %+v", stats)
	}

	// Backoff is 10ms on attempt one.
	time.Sleep(20 * time.Millisecond)
	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("retry dequeue: job=%v err=%v", job, err)
	}
	if job.Attempts != 1 || job.LastError == "" {
		t.Errorf("retried job = %+v", job)
	}

	if err := q.Fail(ctx, job, fmt.Errorf("fetch timed out again")); err != nil {
		t.Fatal(err)
	}
	stats, _ = q.Stats(ctx)
	if stats.Failed != 1 || stats.Delayed != 0 || stats.Waiting != 0 {
		t.Errorf("after final failure: %+v", stats)
	}

	// The id frees up once the job is parked in the failed set.
	if err := q.Enqueue(ctx, ingestJob("flaky", 0), 0); err != nil {
		t.Errorf("re-enqueue after permanent failure: %v", err)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	q.SetLease(20 * time.Millisecond)

	if err := q.Enqueue(ctx, ingestJob("ingest-7", 0), 0); err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}

	// The worker holding the job dies without settling it. While the
	// lease is live the id stays taken and the job stays active.
	err = q.Enqueue(ctx, ingestJob("ingest-7", 0), 0)
	if !errors.Is(err, types.ErrDuplicateJob) {
		t.Fatalf("enqueue under live lease err = %v, want ErrDuplicateJob", err)
	}

	time.Sleep(30 * time.Millisecond)
	reclaimed, err := q.Dequeue(ctx)
	if err != nil || reclaimed == nil {
		t.Fatalf("reclaim dequeue: job=%v err=%v", reclaimed, err)
	}
	if reclaimed.ID != "ingest-7" {
		t.Fatalf("reclaimed job = %q, want ingest-7", reclaimed.ID)
	}
	if reclaimed.Attempts != 1 || reclaimed.LastError != "lease expired" {
		t.Errorf("reclaimed job = %+v", reclaimed)
	}

	stats, _ := q.Stats(ctx)
	if stats.Active != 1 || stats.Waiting != 0 {
		t.Errorf("stats after reclaim = %+v", stats)
	}
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	q.SetLease(50 * time.Millisecond)

	if err := q.Enqueue(ctx, ingestJob("ingest-7", 0), 0); err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}

	// Heartbeat past the original expiry; the job must stay active.
	time.Sleep(30 * time.Millisecond)
	if err := q.Extend(ctx, job); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	other, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Fatalf("extended job was reclaimed: %+v", other)
	}
	stats, _ := q.Stats(ctx)
	if stats.Active != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStalledJobExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	q.SetLease(10 * time.Millisecond)

	j := ingestJob("wedged", 0)
	j.MaxAttempts = 1
	if err := q.Enqueue(ctx, j, 0); err != nil {
		t.Fatal(err)
	}
	if job, _ := q.Dequeue(ctx); job == nil {
		t.Fatal("dequeue returned nil")
	}

	time.Sleep(20 * time.Millisecond)
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("exhausted job handed out again: %+v", job)
	}

	stats, _ := q.Stats(ctx)
	if stats.Failed != 1 || stats.Active != 0 {
		t.Errorf("stats = %+v", stats)
	}
	// The id frees up so the thread can be scheduled again.
	if err := q.Enqueue(ctx, ingestJob("wedged", 0), 0); err != nil {
		t.Errorf("re-enqueue after stall: %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	if err := q.Enqueue(ctx, ingestJob("a", 0), 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil || job != nil {
		t.Fatalf("paused queue handed out a job: %+v", job)
	}

	// Enqueues still land while paused.
	if err := q.Enqueue(ctx, ingestJob("b", 0), 0); err != nil {
		t.Fatal(err)
	}

	if err := q.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	job, err = q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("resume did not unblock dequeue: job=%v err=%v", job, err)
	}
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	q.Enqueue(ctx, ingestJob("a", 0), 0)
	q.Enqueue(ctx, ingestJob("b", 0), time.Minute)
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 0 || stats.Delayed != 0 {
		t.Errorf("stats after drain = %+v", stats)
	}
}
