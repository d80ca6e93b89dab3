// Package scanner implements the backward page walk: start at the
// newest page, descend toward page 1, stop when the checkpoint is hit
// or a budget runs out, and commit what was collected.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feedweir/feedweir/internal/adapter"
	"github.com/feedweir/feedweir/internal/breaker"
	"github.com/feedweir/feedweir/internal/checkpoint"
	"github.com/feedweir/feedweir/internal/climit"
	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/dedup"
	"github.com/feedweir/feedweir/internal/persist"
	"github.com/feedweir/feedweir/internal/ratelimit"
	"github.com/feedweir/feedweir/internal/store"
	"github.com/feedweir/feedweir/internal/types"
)

// Result is the outcome of one scan.
type Result struct {
	Status   types.RunStatus
	Counters types.RunCounters
	// ResumePage is set on partial runs; the scheduler enqueues a
	// catch-up job for it.
	ResumePage int
}

// Scanner runs incremental scans. It is shared by all workers; per-run
// state lives on the stack.
type Scanner struct {
	store       store.Store
	checkpoints *checkpoint.Manager
	committer   *persist.Committer
	buckets     *ratelimit.Registry
	breakers    *breaker.Registry
	global      *climit.Limiter
	cfg         config.IngestConfig
	logger      *slog.Logger
}

func New(
	s store.Store,
	cpm *checkpoint.Manager,
	committer *persist.Committer,
	buckets *ratelimit.Registry,
	breakers *breaker.Registry,
	global *climit.Limiter,
	cfg config.IngestConfig,
	logger *slog.Logger,
) *Scanner {
	return &Scanner{
		store:       s,
		checkpoints: cpm,
		committer:   committer,
		buckets:     buckets,
		breakers:    breakers,
		global:      global,
		cfg:         cfg,
		logger:      logger.With("component", "scanner"),
	}
}

// Run scans one thread end to end and records an ingest run.
func (s *Scanner) Run(ctx context.Context, src *types.Source, th *types.Thread, ad adapter.Adapter) (Result, error) {
	logger := s.logger.With("thread_id", th.ID, "source_id", src.ID, "adapter", ad.Name())
	started := time.Now()

	run := &types.IngestRun{
		ID:        uuid.NewString(),
		ThreadID:  th.ID,
		Status:    types.RunRunning,
		StartedAt: started,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return Result{Status: types.RunFailed}, err
	}

	cp, err := s.checkpoints.GetOrCreate(ctx, th.ID)
	if err != nil {
		return s.finish(ctx, run, Result{Status: types.RunFailed}, err)
	}
	run.CheckpointBefore = cp.Clone()

	if s.checkpoints.ShouldSkip(cp) {
		logger.Warn("thread parked after repeated failures",
			"consecutive_failures", cp.ConsecutiveFailures)
		return s.finish(ctx, run, Result{Status: types.RunFailed}, errFailureCooldown)
	}
	if s.checkpoints.CooldownElapsed(cp) {
		// Cooldown over: forget the failures and the stale resume point.
		if err := s.checkpoints.ResetFailures(ctx, cp); err != nil {
			return s.finish(ctx, run, Result{Status: types.RunFailed}, err)
		}
		cp.CatchUp = nil
	}

	result, scanErr := s.scan(ctx, logger, src, th, ad, cp, started)
	if scanErr != nil {
		// Catastrophic path: count the failure and drop the catch-up
		// cursor so the retry starts from the latest page again.
		cp.CatchUp = nil
		if _, ferr := s.checkpoints.UpdateFailure(ctx, cp); ferr != nil {
			logger.Error("failure bookkeeping failed", "error", ferr)
		}
		return s.finish(ctx, run, Result{Status: types.RunFailed, Counters: result.Counters}, scanErr)
	}

	run.CheckpointAfter = cp.Clone()
	return s.finish(ctx, run, result, nil)
}

var errFailureCooldown = &cooldownError{}

type cooldownError struct{}

func (*cooldownError) Error() string { return "thread in failure cooldown" }

// scan is the page loop. It mutates cp through the checkpoint manager
// and returns the terminal status.
func (s *Scanner) scan(
	ctx context.Context,
	logger *slog.Logger,
	src *types.Source,
	th *types.Thread,
	ad adapter.Adapter,
	cp *types.Checkpoint,
	started time.Time,
) (Result, error) {
	currentPage := checkpoint.StartingPage(cp)
	if currentPage == 0 {
		info, err := s.fetchLatest(ctx, src, ad)
		if err != nil {
			return Result{}, err
		}
		currentPage = info.LatestPage
		logger.Debug("starting fresh scan", "latest_page", currentPage)
	} else {
		logger.Info("resuming catch-up", "page", currentPage)
	}

	var (
		counters      types.RunCounters
		buffer        []*types.ScrapedItem
		newestItem    *types.ScrapedItem
		hitCheckpoint bool
	)

	commit := func() {
		c := s.committer.CommitItems(ctx, th.ID, buffer)
		counters.ItemsNew += c.Inserted
		counters.ItemsDuplicate += c.Duplicates
		counters.ItemsFailed += c.Failed
		buffer = buffer[:0]
	}

	partial := func(page int, reason types.CatchUpReason) (Result, error) {
		commit()
		if err := s.checkpoints.SaveCatchUp(ctx, cp, page, counters.ItemsNew, reason); err != nil {
			return Result{}, err
		}
		return Result{Status: types.RunPartial, Counters: counters, ResumePage: page}, nil
	}

	stopOnAge := false

pages:
	for counters.PagesScanned < s.cfg.MaxPagesPerRun && currentPage >= 1 {
		if time.Since(started) > s.cfg.ScanTimeout {
			logger.Warn("scan timeout", "page", currentPage, "elapsed", time.Since(started))
			return partial(currentPage, types.CatchUpTimeout)
		}

		page, err := s.fetchPage(ctx, src, ad, currentPage)
		if err != nil {
			return Result{Counters: counters}, err
		}
		counters.PagesScanned++

		for _, item := range page.Items {
			counters.ItemsSeen++
			item.Fingerprint = dedup.Fingerprint(item)

			// The newest item observed anywhere in the scan becomes the
			// next checkpoint, even when it is never inserted (e.g. a
			// blocklisted id). Otherwise tombstoned items would be
			// re-seen every run.
			if newestItem == nil {
				newestItem = item
			}

			cmp := checkpoint.Compare(item, cp)
			switch cmp.Status {
			case checkpoint.StatusSeen:
				logger.Debug("hit checkpoint", "page", currentPage, "matched_by", cmp.MatchedBy)
				hitCheckpoint = true
				break pages
			case checkpoint.StatusOlder:
				continue
			}

			if !s.valid(item) {
				continue
			}
			buffer = append(buffer, item)

			if len(buffer) >= s.cfg.MaxItemsPerRun {
				logger.Info("item cap reached", "page", currentPage, "items", len(buffer))
				return partial(currentPage, types.CatchUpPageCap)
			}
		}

		if s.cfg.MaxItemAge > 0 && len(page.Items) > 0 {
			oldest := page.Items[len(page.Items)-1]
			if time.Since(oldest.PostedAt) > s.cfg.MaxItemAge {
				stopOnAge = true
			}
		}

		currentPage--
		if stopOnAge {
			logger.Debug("age limit reached, stopping descent", "page", currentPage+1)
			break
		}
	}

	commit()

	switch {
	case hitCheckpoint:
		if err := s.checkpoints.UpdateSuccess(ctx, cp, newestItem, currentPage); err != nil {
			return Result{}, err
		}
		return Result{Status: types.RunComplete, Counters: counters}, nil

	case counters.PagesScanned >= s.cfg.MaxPagesPerRun && currentPage >= 1 && !stopOnAge:
		if err := s.checkpoints.SaveCatchUp(ctx, cp, currentPage, counters.ItemsNew, types.CatchUpPageCap); err != nil {
			return Result{}, err
		}
		return Result{Status: types.RunPartial, Counters: counters, ResumePage: currentPage}, nil

	default:
		// Walked to page 1 (or the age floor) without meeting the
		// checkpoint: everything reachable has been ingested.
		if err := s.checkpoints.UpdateSuccess(ctx, cp, newestItem, currentPage+1); err != nil {
			return Result{}, err
		}
		return Result{Status: types.RunCaughtUp, Counters: counters}, nil
	}
}

// valid applies the scan-time item filter.
func (s *Scanner) valid(item *types.ScrapedItem) bool {
	if item.MediaURL == "" {
		return false
	}
	switch item.MediaType {
	case types.MediaImage, types.MediaGIF, types.MediaVideo:
	default:
		return false
	}
	if !dedup.ValidDuration(item.DurationMS, s.cfg.MaxDuration.Milliseconds()) {
		return false
	}
	if s.cfg.MaxItemAge > 0 && !item.PostedAt.IsZero() &&
		time.Since(item.PostedAt) > s.cfg.MaxItemAge {
		return false
	}
	return true
}

// fetchPage runs one adapter fetch inside the source's breaker and
// bucket and the global concurrency cap.
func (s *Scanner) fetchPage(ctx context.Context, src *types.Source, ad adapter.Adapter, page int) (adapter.PageResult, error) {
	var result adapter.PageResult
	err := s.guard(ctx, src, func() error {
		var err error
		result, err = ad.ScanPage(ctx, page)
		return err
	})
	return result, err
}

func (s *Scanner) fetchLatest(ctx context.Context, src *types.Source, ad adapter.Adapter) (adapter.PageInfo, error) {
	var info adapter.PageInfo
	err := s.guard(ctx, src, func() error {
		var err error
		info, err = ad.LatestPage(ctx)
		return err
	})
	return info, err
}

func (s *Scanner) guard(ctx context.Context, src *types.Source, fn func() error) error {
	brk := s.breakers.For(src.ID)
	bucket := s.buckets.For(src.ID, src.RateLimit)
	return brk.Execute(func() error {
		return bucket.Execute(ctx, func() error {
			return s.global.Execute(ctx, fn)
		})
	})
}

// finish stamps and persists the run record. A failing FinishRun is
// logged, not propagated; the scan outcome matters more.
func (s *Scanner) finish(ctx context.Context, run *types.IngestRun, result Result, cause error) (Result, error) {
	run.Status = result.Status
	run.Counters = result.Counters
	run.FinishedAt = time.Now()
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := s.store.FinishRun(ctx, run); err != nil {
		s.logger.Error("finalize run failed", "run_id", run.ID, "error", err)
	}
	return result, cause
}
