// Package store abstracts the engine's persistence: sources and
// threads (read), checkpoints, media items and assets, the blocklist,
// and ingest-run audit records.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/feedweir/feedweir/internal/types"
)

// EnabledThread pairs a thread with its source for scheduling.
type EnabledThread struct {
	Thread types.Thread
	Source types.Source
}

// Store is the persistence interface the engine runs against. The
// engine owns checkpoints, runs, media items/assets and CDN URL
// updates; sources, threads and the blocklist are read-only here.
type Store interface {
	// GetSource returns a source by id, types.ErrNotFound when absent.
	GetSource(ctx context.Context, id int64) (*types.Source, error)

	// GetThread returns a thread by id, types.ErrNotFound when absent.
	GetThread(ctx context.Context, id int64) (*types.Thread, error)

	// ListEnabledThreads enumerates (source, thread) pairs where both
	// are enabled and the thread is not deleted, ordered by thread
	// priority descending.
	ListEnabledThreads(ctx context.Context) ([]EnabledThread, error)

	// GetCheckpoint loads a thread's checkpoint; (nil, nil) when the
	// thread has never been scanned.
	GetCheckpoint(ctx context.Context, threadID int64) (*types.Checkpoint, error)

	// SaveCheckpoint upserts a checkpoint.
	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error

	// IsBlocked reports whether (threadID, externalID) is tombstoned.
	IsBlocked(ctx context.Context, threadID int64, externalID string) (bool, error)

	// InsertMediaItem inserts idempotently keyed on
	// (thread_id, external_item_id). inserted is false on conflict, in
	// which case nothing is modified. On success the item's ID is set.
	InsertMediaItem(ctx context.Context, item *types.MediaItem) (inserted bool, err error)

	// InsertAssets inserts gallery assets for a media item,
	// conflict-do-nothing on (media_item_id, url).
	InsertAssets(ctx context.Context, mediaItemID int64, assets []types.MediaAsset) error

	// MergeCDNURLs merges non-empty CDN URLs into the item's media_urls.
	MergeCDNURLs(ctx context.Context, mediaItemID int64, cdnOriginal, cdnThumbnail string) error

	// CreateRun records a new ingest run in status running.
	CreateRun(ctx context.Context, run *types.IngestRun) error

	// FinishRun persists a run's terminal state.
	FinishRun(ctx context.Context, run *types.IngestRun) error

	// Close releases the backing connections.
	Close(ctx context.Context) error

	// Name identifies the backend.
	Name() string
}

// Open selects a backend from the database URL scheme: postgres:// (or
// postgresql://) and mongodb:// (or mongodb+srv://) are supported. An
// empty URL or memory:// yields the in-process store, which holds
// nothing but lets commands like validate run without a database.
func Open(ctx context.Context, databaseURL, mongoDatabase string) (Store, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, &types.StorageError{Backend: "store", Op: "open", Err: err}
	}
	switch {
	case databaseURL == "" || u.Scheme == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(u.Scheme, "postgres"):
		return OpenPostgres(ctx, databaseURL)
	case strings.HasPrefix(u.Scheme, "mongodb"):
		return OpenMongo(ctx, databaseURL, mongoDatabase)
	default:
		return nil, &types.StorageError{
			Backend: "store",
			Op:      "open",
			Err:     fmt.Errorf("unsupported database scheme %q", u.Scheme),
		}
	}
}
