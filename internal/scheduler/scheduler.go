// Package scheduler drives ingestion: a repeating poll job enumerates
// enabled threads and fans them out to a bounded worker pool through
// the redis queue, with retries, catch-up continuation, and an admin
// control surface.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/feedweir/feedweir/internal/adapter"
	"github.com/feedweir/feedweir/internal/breaker"
	"github.com/feedweir/feedweir/internal/climit"
	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/observability"
	"github.com/feedweir/feedweir/internal/queue"
	"github.com/feedweir/feedweir/internal/ratelimit"
	"github.com/feedweir/feedweir/internal/scanner"
	"github.com/feedweir/feedweir/internal/store"
	"github.com/feedweir/feedweir/internal/types"
)

const (
	jobNameIngest = "ingest"
	jobNamePoll   = "poll"

	// Idle workers poll the queue on this cadence.
	dequeueIdleSleep = 50 * time.Millisecond

	// Running jobs renew their queue lease on this cadence. Must be
	// well under the queue's lease window.
	leaseHeartbeat = 20 * time.Second
)

// Stats is the combined census of both queues.
type Stats struct {
	Ingestion queue.Stats `json:"ingestion"`
	Scheduler queue.Stats `json:"scheduler"`
}

// Scheduler owns the worker pool and both queues.
type Scheduler struct {
	store     store.Store
	scanner   *scanner.Scanner
	client    *fetch.Client
	ingestion *queue.Queue
	scheduler *queue.Queue
	breakers  *breaker.Registry
	buckets   *ratelimit.Registry
	global    *climit.Limiter
	jobLimit  *rate.Limiter
	metrics   *observability.Metrics
	cfg       config.IngestConfig
	logger    *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(
	s store.Store,
	sc *scanner.Scanner,
	client *fetch.Client,
	ingestion, schedulerQ *queue.Queue,
	breakers *breaker.Registry,
	buckets *ratelimit.Registry,
	global *climit.Limiter,
	metrics *observability.Metrics,
	cfg config.IngestConfig,
	logger *slog.Logger,
) *Scheduler {
	jobsPerMinute := cfg.JobsPerMinute
	if jobsPerMinute <= 0 {
		jobsPerMinute = 10
	}
	return &Scheduler{
		store:     s,
		scanner:   sc,
		client:    client,
		ingestion: ingestion,
		scheduler: schedulerQ,
		breakers:  breakers,
		buckets:   buckets,
		global:    global,
		jobLimit:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(jobsPerMinute)), 1),
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}
}

// Start launches the poll loop and the worker pool. It returns once
// everything is running; Stop shuts it down.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.enqueuePoll(ctx, 0); err != nil && !errors.Is(err, types.ErrDuplicateJob) {
		return fmt.Errorf("seed poll job: %w", err)
	}

	s.wg.Add(1)
	go s.pollLoop(ctx)

	workers := s.cfg.WorkerConcurrency
	if workers <= 0 {
		workers = 5
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info("scheduler started",
		"workers", workers, "poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop cancels all loops and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) enqueuePoll(ctx context.Context, delay time.Duration) error {
	return s.scheduler.Enqueue(ctx, &queue.Job{
		ID:          fmt.Sprintf("%s-%d", jobNamePoll, time.Now().UnixMilli()),
		Name:        jobNamePoll,
		MaxAttempts: 1,
	}, delay)
}

// pollLoop consumes the repeatable poll job: each execution enumerates
// threads, then schedules the next poll after the configured interval.
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.scheduler.Dequeue(ctx)
		if err != nil {
			s.logger.Error("scheduler dequeue failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			sleep(ctx, dequeueIdleSleep)
			continue
		}

		if err := s.pollAll(ctx); err != nil {
			s.logger.Error("poll failed", "error", err)
		}
		if err := s.scheduler.Complete(ctx, job); err != nil {
			s.logger.Error("complete poll job failed", "error", err)
		}
		if err := s.enqueuePoll(ctx, s.cfg.PollInterval); err != nil {
			s.logger.Error("schedule next poll failed", "error", err)
		}
	}
}

// pollAll enqueues one ingestion job per enabled thread, highest
// thread priority first. A thread with a job still pending or running
// is skipped by the queue's unique-id check, which is what serializes
// runs per thread.
func (s *Scheduler) pollAll(ctx context.Context) error {
	threads, err := s.store.ListEnabledThreads(ctx)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, et := range threads {
		err := s.enqueueThread(ctx, &et.Thread, 10-et.Thread.Priority, false, 0)
		if errors.Is(err, types.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			s.logger.Error("enqueue failed", "thread_id", et.Thread.ID, "error", err)
			continue
		}
		enqueued++
	}

	s.logger.Info("poll complete", "threads", len(threads), "enqueued", enqueued)
	return nil
}

func (s *Scheduler) enqueueThread(ctx context.Context, th *types.Thread, priority int, catchUp bool, delay time.Duration) error {
	if priority < 0 {
		priority = 0
	}
	err := s.ingestion.Enqueue(ctx, &queue.Job{
		ID:          fmt.Sprintf("%s-%d", jobNameIngest, th.ID),
		Name:        jobNameIngest,
		ThreadID:    th.ID,
		Priority:    priority,
		IsCatchUp:   catchUp,
		MaxAttempts: s.cfg.MaxAttempts,
		Backoff:     s.cfg.RetryBackoff,
	}, delay)
	if err == nil && s.metrics != nil {
		s.metrics.JobsEnqueued.Add(1)
		if catchUp {
			s.metrics.CatchUpEnqueued.Add(1)
		}
	}
	return err
}

// worker pulls ingestion jobs under the queue-level rate limit.
func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.ingestion.Dequeue(ctx)
		if err != nil {
			logger.Error("dequeue failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			sleep(ctx, dequeueIdleSleep)
			continue
		}

		if err := s.jobLimit.Wait(ctx); err != nil {
			// Shutting down; put the job back through the retry path.
			s.ingestion.Fail(ctx, job, err)
			return
		}

		if s.metrics != nil {
			s.metrics.ActiveWorkers.Add(1)
		}
		s.runJob(ctx, logger, job)
		if s.metrics != nil {
			s.metrics.ActiveWorkers.Add(-1)
		}
	}
}

// heartbeat renews the job's queue lease until its context ends, so a
// scan that outlives the lease window is not reclaimed out from under
// its worker.
func (s *Scheduler) heartbeat(ctx context.Context, job *queue.Job) {
	ticker := time.NewTicker(leaseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ingestion.Extend(ctx, job); err != nil {
				s.logger.Warn("lease heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

// runJob executes one ingestion job end to end and settles it with the
// queue.
func (s *Scheduler) runJob(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go s.heartbeat(hbCtx, job)
	result, err := s.executeScan(ctx, logger, job)
	stopHeartbeat()

	if s.metrics != nil {
		s.metrics.RecordRun(string(result.Status))
		s.metrics.PagesScanned.Add(int64(result.Counters.PagesScanned))
		s.metrics.ItemsSeen.Add(int64(result.Counters.ItemsSeen))
		s.metrics.ItemsInserted.Add(int64(result.Counters.ItemsNew))
		s.metrics.ItemsDuplicate.Add(int64(result.Counters.ItemsDuplicate))
		s.metrics.ItemsFailed.Add(int64(result.Counters.ItemsFailed))
	}

	if err != nil {
		if s.metrics != nil {
			s.metrics.JobsRetried.Add(1)
		}
		if ferr := s.ingestion.Fail(ctx, job, err); ferr != nil {
			logger.Error("settle failed job", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if cerr := s.ingestion.Complete(ctx, job); cerr != nil {
		logger.Error("settle completed job", "job_id", job.ID, "error", cerr)
	}

	// A partial run continues after a short delay, with a priority
	// boost so catch-up work is not starved by fresh polls. The job id
	// matches the poll-enqueued one, keeping the thread single-flight.
	if result.Status == types.RunPartial && result.ResumePage > 0 {
		th, terr := s.store.GetThread(ctx, job.ThreadID)
		if terr != nil {
			logger.Error("load thread for catch-up", "thread_id", job.ThreadID, "error", terr)
			return
		}
		delay := s.cfg.CatchUpDelay
		if delay <= 0 {
			delay = 60 * time.Second
		}
		err := s.enqueueThread(ctx, th, job.Priority-1, true, delay)
		if err != nil && !errors.Is(err, types.ErrDuplicateJob) {
			logger.Error("enqueue catch-up", "thread_id", th.ID, "error", err)
		}
		logger.Info("catch-up scheduled",
			"thread_id", th.ID, "resume_page", result.ResumePage, "delay", delay)
	}
}

// executeScan resolves the thread, checks the breaker up front, and
// hands off to the scanner. Errors returned here trigger queue retry.
func (s *Scheduler) executeScan(ctx context.Context, logger *slog.Logger, job *queue.Job) (scanner.Result, error) {
	th, err := s.store.GetThread(ctx, job.ThreadID)
	if err != nil {
		return scanner.Result{Status: types.RunFailed}, fmt.Errorf("thread %d: %w", job.ThreadID, err)
	}
	if !th.Enabled || th.Deleted {
		logger.Info("thread disabled, dropping job", "thread_id", th.ID)
		return scanner.Result{Status: types.RunFailed}, nil
	}

	src, err := s.store.GetSource(ctx, th.SourceID)
	if err != nil {
		return scanner.Result{Status: types.RunFailed}, fmt.Errorf("source %d: %w", th.SourceID, err)
	}
	if !src.Enabled {
		logger.Info("source disabled, dropping job", "source_id", src.ID)
		return scanner.Result{Status: types.RunFailed}, nil
	}

	// Up-front breaker check. An open breaker is not a job failure:
	// the job completes as circuit_open and the next poll tries again.
	brk := s.breakers.For(src.ID)
	if !brk.Allow() {
		logger.Warn("circuit open, skipping run",
			"source_id", src.ID, "retry_after", brk.RetryAfter())
		return scanner.Result{Status: types.RunCircuitOpen}, nil
	}

	ad, err := adapter.New(src, th, s.client, logger)
	if err != nil {
		return scanner.Result{Status: types.RunFailed}, err
	}

	logger.Info("ingest run starting",
		"thread_id", th.ID, "adapter", ad.Name(), "catch_up", job.IsCatchUp)
	result, err := s.scanner.Run(ctx, src, th, ad)
	if err != nil {
		return result, err
	}
	logger.Info("ingest run finished",
		"thread_id", th.ID, "status", result.Status,
		"pages", result.Counters.PagesScanned,
		"new", result.Counters.ItemsNew,
		"duplicate", result.Counters.ItemsDuplicate)
	return result, nil
}

// TriggerAll enqueues an immediate poll.
func (s *Scheduler) TriggerAll(ctx context.Context) error {
	return s.enqueuePoll(ctx, 0)
}

// TriggerThread enqueues one thread at the highest priority.
func (s *Scheduler) TriggerThread(ctx context.Context, threadID int64) error {
	th, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	return s.enqueueThread(ctx, th, 0, false, 0)
}

// Pause stops workers from picking up new ingestion jobs.
func (s *Scheduler) Pause(ctx context.Context) error {
	return s.ingestion.Pause(ctx)
}

// Resume re-opens the ingestion queue.
func (s *Scheduler) Resume(ctx context.Context) error {
	return s.ingestion.Resume(ctx)
}

// Stats reports both queues.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	ing, err := s.ingestion.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	sch, err := s.scheduler.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Ingestion: ing, Scheduler: sch}, nil
}

// BreakerState reports every source breaker for the admin surface.
func (s *Scheduler) BreakerState() map[int64]map[string]any {
	return s.breakers.Snapshot()
}

// LimiterState reports every source bucket plus the global limiter.
func (s *Scheduler) LimiterState() map[string]any {
	return map[string]any{
		"sources": s.buckets.Snapshot(),
		"global": map[string]any{
			"active":   s.global.Active(),
			"capacity": s.global.Capacity(),
		},
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
