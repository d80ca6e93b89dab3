// Package queue is a small redis-backed job queue with the features
// the scheduler needs: priorities, delayed enqueues, unique job ids,
// bounded retries with backoff, pause/resume, and retention trimming.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feedweir/feedweir/internal/types"
)

// Job is one unit of queued work.
type Job struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ThreadID    int64         `json:"thread_id,omitempty"`
	Priority    int           `json:"priority"` // lower runs sooner
	IsCatchUp   bool          `json:"is_catch_up,omitempty"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	LastError   string        `json:"last_error,omitempty"`
}

// Stats is a point-in-time census of a queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Default retention bounds for terminal job records.
const (
	defaultCompletedKeep   = 1000
	defaultCompletedMaxAge = 24 * time.Hour
	defaultFailedKeep      = 500
	defaultFailedMaxAge    = 7 * 24 * time.Hour
	priorityScoreMul       = 1e12

	// defaultLease bounds how long a dequeued job may sit unsettled
	// before it is considered abandoned and requeued.
	defaultLease = time.Minute
)

// Queue is one named queue. Waiting jobs live in a sorted set scored
// by priority then arrival order; delayed jobs sit in a second sorted
// set scored by their ready time and are promoted on dequeue. Active
// jobs hold a lease: a worker that dies without settling its job
// leaves an expired lease behind, and the job is requeued instead of
// parking its thread behind the unique-id check forever.
type Queue struct {
	rdb    *redis.Client
	name   string
	prefix string
	logger *slog.Logger
	lease  time.Duration

	completedKeep   int64
	completedMaxAge time.Duration
	failedKeep      int64
	failedMaxAge    time.Duration
}

func New(rdb *redis.Client, name string, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:             rdb,
		name:            name,
		prefix:          "feedweir:q:" + name,
		logger:          logger.With("component", "queue", "queue", name),
		lease:           defaultLease,
		completedKeep:   defaultCompletedKeep,
		completedMaxAge: defaultCompletedMaxAge,
		failedKeep:      defaultFailedKeep,
		failedMaxAge:    defaultFailedMaxAge,
	}
}

// SetLease overrides the active-job lease. A worker must Complete,
// Fail, or Extend its job within this window.
func (q *Queue) SetLease(lease time.Duration) {
	if lease > 0 {
		q.lease = lease
	}
}

// SetRetention overrides the terminal-record retention bounds. Zero
// values keep the current setting.
func (q *Queue) SetRetention(completedKeep int, completedMaxAge time.Duration, failedKeep int, failedMaxAge time.Duration) {
	if completedKeep > 0 {
		q.completedKeep = int64(completedKeep)
	}
	if completedMaxAge > 0 {
		q.completedMaxAge = completedMaxAge
	}
	if failedKeep > 0 {
		q.failedKeep = int64(failedKeep)
	}
	if failedMaxAge > 0 {
		q.failedMaxAge = failedMaxAge
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string { return q.prefix + ":" + suffix }

// Enqueue adds a job, delayed when delay > 0. A job id already present
// anywhere in the queue returns types.ErrDuplicateJob; this is what
// keeps one thread from being scanned by two workers at once.
func (q *Queue) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	job.EnqueuedAt = time.Now()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ok, err := q.rdb.HSetNX(ctx, q.key("data"), job.ID, payload).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrDuplicateJob, job.ID)
	}

	if delay > 0 {
		err = q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: job.ID,
		}).Err()
	} else {
		err = q.rdb.ZAdd(ctx, q.key("waiting"), redis.Z{
			Score:  q.waitingScore(ctx, job.Priority),
			Member: job.ID,
		}).Err()
	}
	if err != nil {
		q.rdb.HDel(ctx, q.key("data"), job.ID)
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

// waitingScore orders by priority first, arrival second.
func (q *Queue) waitingScore(ctx context.Context, priority int) float64 {
	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		seq = time.Now().UnixMicro()
	}
	return float64(priority)*priorityScoreMul + float64(seq)
}

// Dequeue pops the highest-priority waiting job, promoting due delayed
// jobs first. Returns (nil, nil) when the queue is empty or paused.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil || paused {
		return nil, err
	}

	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	popped, err := q.rdb.ZPopMin(ctx, q.key("waiting"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	jobID := popped[0].Member.(string)

	payload, err := q.rdb.HGet(ctx, q.key("data"), jobID).Result()
	if errors.Is(err, redis.Nil) {
		// Data vanished under us (trimmed or cancelled); skip it.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		q.rdb.HDel(ctx, q.key("data"), jobID)
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}

	err = q.rdb.ZAdd(ctx, q.key("active"), redis.Z{
		Score:  float64(time.Now().Add(q.lease).UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("activate job %s: %w", jobID, err)
	}
	return &job, nil
}

// Extend renews the lease on an active job. Long-running workers call
// this as a heartbeat; an unknown job id is a no-op.
func (q *Queue) Extend(ctx context.Context, job *Job) error {
	err := q.rdb.ZAddXX(ctx, q.key("active"), redis.Z{
		Score:  float64(time.Now().Add(q.lease).UnixMilli()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("extend %s: %w", job.ID, err)
	}
	return nil
}

// promoteDue moves delayed jobs whose ready time has passed into the
// waiting set, and requeues active jobs whose lease has expired.
func (q *Queue) promoteDue(ctx context.Context) error {
	if err := q.reclaimExpired(ctx); err != nil {
		return err
	}

	now := float64(time.Now().UnixMilli())
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}

	for _, jobID := range due {
		payload, err := q.rdb.HGet(ctx, q.key("data"), jobID).Result()
		if err != nil {
			q.rdb.ZRem(ctx, q.key("delayed"), jobID)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.rdb.ZRem(ctx, q.key("delayed"), jobID)
			q.rdb.HDel(ctx, q.key("data"), jobID)
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), jobID)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{
			Score:  q.waitingScore(ctx, job.Priority),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote %s: %w", jobID, err)
		}
	}
	return nil
}

// reclaimExpired sweeps active jobs whose lease ran out. Each one
// counts as a failed attempt; jobs with attempts left go back to the
// waiting set, exhausted ones are parked in the failed set.
func (q *Queue) reclaimExpired(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	expired, err := q.rdb.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}

	for _, jobID := range expired {
		payload, err := q.rdb.HGet(ctx, q.key("data"), jobID).Result()
		if err != nil {
			q.rdb.ZRem(ctx, q.key("active"), jobID)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.rdb.ZRem(ctx, q.key("active"), jobID)
			q.rdb.HDel(ctx, q.key("data"), jobID)
			continue
		}

		job.Attempts++
		job.LastError = "lease expired"

		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("active"), jobID)
		if job.Attempts < job.MaxAttempts {
			updated, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}
			pipe.HSet(ctx, q.key("data"), jobID, updated)
			pipe.ZAdd(ctx, q.key("waiting"), redis.Z{
				Score:  q.waitingScore(ctx, job.Priority),
				Member: jobID,
			})
			q.logger.Warn("stalled job requeued",
				"job_id", jobID, "attempt", job.Attempts)
		} else {
			pipe.HDel(ctx, q.key("data"), jobID)
			pipe.ZAdd(ctx, q.key("failed"), redis.Z{
				Score:  float64(time.Now().UnixMilli()),
				Member: jobID + "|" + job.LastError,
			})
			q.logger.Error("stalled job failed permanently",
				"job_id", jobID, "attempts", job.Attempts)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("reclaim %s: %w", jobID, err)
		}
	}
	return nil
}

// Complete retires a finished job and trims the completed record set.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.HDel(ctx, q.key("data"), job.ID)
	pipe.ZAdd(ctx, q.key("completed"), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	return q.trim(ctx, "completed", q.completedKeep, q.completedMaxAge)
}

// Fail retries the job with exponential backoff until attempts run
// out, then parks it in the failed set.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) error {
	job.Attempts++
	job.LastError = jobErr.Error()

	if err := q.rdb.ZRem(ctx, q.key("active"), job.ID).Err(); err != nil {
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}

	if job.Attempts < job.MaxAttempts {
		backoff := job.Backoff << (job.Attempts - 1)
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.key("data"), job.ID, payload)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(time.Now().Add(backoff).UnixMilli()),
			Member: job.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("retry %s: %w", job.ID, err)
		}
		q.logger.Warn("job retry scheduled",
			"job_id", job.ID, "attempt", job.Attempts, "backoff", backoff, "error", jobErr)
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.key("data"), job.ID)
	pipe.ZAdd(ctx, q.key("failed"), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: job.ID + "|" + job.LastError,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	q.logger.Error("job failed permanently",
		"job_id", job.ID, "attempts", job.Attempts, "error", jobErr)
	return q.trim(ctx, "failed", q.failedKeep, q.failedMaxAge)
}

// trim enforces count and age retention bounds on a terminal set.
func (q *Queue) trim(ctx context.Context, set string, keep int64, maxAge time.Duration) error {
	key := q.key(set)
	cutoff := float64(time.Now().Add(-maxAge).UnixMilli())
	pipe := q.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZRemRangeByRank(ctx, key, 0, -keep-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Pause stops Dequeue from handing out jobs; enqueues still land.
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.key("paused"), "1", 0).Err()
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.key("paused")).Err()
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.key("paused")).Result()
	if err != nil {
		return false, fmt.Errorf("paused check: %w", err)
	}
	return n > 0, nil
}

// Stats counts jobs in every state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// Drain removes every pending job. Used by tests and by shutdown when
// a clean slate is requested.
func (q *Queue) Drain(ctx context.Context) error {
	keys := []string{
		q.key("waiting"), q.key("delayed"), q.key("active"),
		q.key("data"), q.key("completed"), q.key("failed"),
	}
	return q.rdb.Del(ctx, keys...).Err()
}
