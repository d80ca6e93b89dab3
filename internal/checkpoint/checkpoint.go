// Package checkpoint manages per-thread scan cursors: comparison of
// incoming items against the recorded high-water mark, success and
// failure bookkeeping, and catch-up cursor lifecycle.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/feedweir/feedweir/internal/store"
	"github.com/feedweir/feedweir/internal/types"
)

// clockSkewTolerance absorbs out-of-order timestamps between the
// source's clock and ours when comparing by time.
const clockSkewTolerance = 60 * time.Second

// CompareStatus classifies an item against a checkpoint.
type CompareStatus int

const (
	// StatusNew means the item has not been seen before.
	StatusNew CompareStatus = iota
	// StatusSeen means the item matches the checkpoint: the scan has
	// walked back into known territory and can stop.
	StatusSeen
	// StatusOlder means the item predates the checkpoint but does not
	// match it; it is skipped, not a stop signal, to protect against
	// out-of-order items on a page.
	StatusOlder
)

// CompareResult carries the status and what matched.
type CompareResult struct {
	Status    CompareStatus
	MatchedBy string // "id", "fingerprint", or "timestamp"
	Reason    string
}

// Compare classifies item against cp. Priority: external-id match,
// then fingerprint match, then timestamp with skew tolerance. A fresh
// checkpoint classifies everything as new.
func Compare(item *types.ScrapedItem, cp *types.Checkpoint) CompareResult {
	if cp == nil || cp.Fresh() {
		return CompareResult{Status: StatusNew}
	}

	if cp.LastSeenItemID != "" && item.ExternalID == cp.LastSeenItemID {
		return CompareResult{Status: StatusSeen, MatchedBy: "id"}
	}
	if cp.LastSeenFingerprint != "" && item.Fingerprint == cp.LastSeenFingerprint {
		return CompareResult{Status: StatusSeen, MatchedBy: "fingerprint"}
	}
	if !cp.LastSeenTimestamp.IsZero() && !item.PostedAt.IsZero() {
		if !item.PostedAt.After(cp.LastSeenTimestamp.Add(-clockSkewTolerance)) {
			return CompareResult{
				Status: StatusOlder,
				Reason: fmt.Sprintf("posted %s before checkpoint", cp.LastSeenTimestamp.Sub(item.PostedAt)),
			}
		}
	}
	return CompareResult{Status: StatusNew}
}

// Manager wraps the store with checkpoint operations. Checkpoint
// writes are serialized per thread by single-flight job scheduling, so
// no locking happens here.
type Manager struct {
	store           store.Store
	maxFailures     int
	failureCooldown time.Duration
	logger          *slog.Logger
}

// NewManager creates a Manager. maxFailures and cooldown control when
// a repeatedly failing thread is parked.
func NewManager(s store.Store, maxFailures int, cooldown time.Duration, logger *slog.Logger) *Manager {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Minute
	}
	return &Manager{
		store:           s,
		maxFailures:     maxFailures,
		failureCooldown: cooldown,
		logger:          logger.With("component", "checkpoint"),
	}
}

// Load returns the thread's checkpoint or nil.
func (m *Manager) Load(ctx context.Context, threadID int64) (*types.Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, threadID)
}

// GetOrCreate returns the thread's checkpoint, creating an empty one
// on first contact.
func (m *Manager) GetOrCreate(ctx context.Context, threadID int64) (*types.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		return cp, nil
	}
	cp = &types.Checkpoint{ThreadID: threadID}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// UpdateSuccess advances the cursor to newest, clears the catch-up
// cursor, and resets the failure counter.
func (m *Manager) UpdateSuccess(ctx context.Context, cp *types.Checkpoint, newest *types.ScrapedItem, page int) error {
	now := time.Now()
	if newest != nil {
		cp.LastSeenItemID = newest.ExternalID
		cp.LastSeenFingerprint = newest.Fingerprint
		cp.LastSeenTimestamp = newest.PostedAt
		cp.LastSeenPage = page
	}
	cp.CatchUp = nil
	cp.LastRunAt = now
	cp.LastSuccessAt = now
	cp.ConsecutiveFailures = 0
	return m.store.SaveCheckpoint(ctx, cp)
}

// SaveCatchUp records a partial-run resume marker without touching the
// last-seen cursor.
func (m *Manager) SaveCatchUp(ctx context.Context, cp *types.Checkpoint, page, itemsIngested int, reason types.CatchUpReason) error {
	started := time.Now()
	if cp.CatchUp != nil {
		started = cp.CatchUp.StartedAt
	}
	cp.CatchUp = &types.CatchUpCursor{
		CurrentPage:   page,
		StartedAt:     started,
		ItemsIngested: itemsIngested,
		Reason:        reason,
	}
	cp.LastRunAt = time.Now()
	return m.store.SaveCheckpoint(ctx, cp)
}

// ClearCatchUp drops the resume marker.
func (m *Manager) ClearCatchUp(ctx context.Context, cp *types.Checkpoint) error {
	if cp.CatchUp == nil {
		return nil
	}
	cp.CatchUp = nil
	return m.store.SaveCheckpoint(ctx, cp)
}

// UpdateFailure bumps the failure counter and returns the new count.
func (m *Manager) UpdateFailure(ctx context.Context, cp *types.Checkpoint) (int, error) {
	cp.ConsecutiveFailures++
	cp.LastRunAt = time.Now()
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return cp.ConsecutiveFailures, err
	}
	return cp.ConsecutiveFailures, nil
}

// ResetFailures zeroes the failure counter.
func (m *Manager) ResetFailures(ctx context.Context, cp *types.Checkpoint) error {
	if cp.ConsecutiveFailures == 0 {
		return nil
	}
	cp.ConsecutiveFailures = 0
	return m.store.SaveCheckpoint(ctx, cp)
}

// ShouldSkip reports whether the thread is parked: at or past the
// failure cap with a recent run. Once the cooldown elapses the thread
// unblocks on its own.
func (m *Manager) ShouldSkip(cp *types.Checkpoint) bool {
	if cp == nil || cp.ConsecutiveFailures < m.maxFailures {
		return false
	}
	return time.Since(cp.LastRunAt) < m.failureCooldown
}

// CooldownElapsed reports whether a thread with past failures is due
// for a fresh attempt.
func (m *Manager) CooldownElapsed(cp *types.Checkpoint) bool {
	if cp == nil || cp.ConsecutiveFailures == 0 {
		return false
	}
	return time.Since(cp.LastRunAt) >= m.failureCooldown
}

// StartingPage returns the page a scan should resume at, or 0 meaning
// "ask the adapter for the latest page".
func StartingPage(cp *types.Checkpoint) int {
	if cp != nil && cp.CatchUp != nil {
		return cp.CatchUp.CurrentPage
	}
	return 0
}
