// Package persist commits scanned items to the store: blocklist
// filtering, the commit-time duration cap, idempotent inserts, gallery
// assets, and the optional CDN mirror.
package persist

import (
	"context"
	"log/slog"
	"time"

	"github.com/feedweir/feedweir/internal/store"
	"github.com/feedweir/feedweir/internal/types"
)

// CDNSink mirrors media into an object store and returns public URLs.
// A nil sink disables mirroring.
type CDNSink interface {
	Cache(ctx context.Context, itemID int64, originalURL, thumbnailURL string) (cdnOriginal, cdnThumbnail string, err error)
}

// Counters reports the outcome of one commit batch.
type Counters struct {
	Inserted   int
	Duplicates int
	Failed     int
}

func (c Counters) Add(other Counters) Counters {
	return Counters{
		Inserted:   c.Inserted + other.Inserted,
		Duplicates: c.Duplicates + other.Duplicates,
		Failed:     c.Failed + other.Failed,
	}
}

// Committer persists scanned items one at a time so a bad item never
// takes its batch down with it.
type Committer struct {
	store         store.Store
	cdn           CDNSink
	maxDurationMS int64
	logger        *slog.Logger
}

// NewCommitter builds a Committer. maxDuration caps video/gif length at
// commit time; cdn may be nil.
func NewCommitter(s store.Store, cdn CDNSink, maxDuration time.Duration, logger *slog.Logger) *Committer {
	if maxDuration <= 0 {
		maxDuration = 30 * time.Second
	}
	return &Committer{
		store:         s,
		cdn:           cdn,
		maxDurationMS: maxDuration.Milliseconds(),
		logger:        logger.With("component", "committer"),
	}
}

// CommitItems persists items for a thread and returns per-batch
// counters. Item failures are independent: an insert error counts one
// failed and moves on.
func (c *Committer) CommitItems(ctx context.Context, threadID int64, items []*types.ScrapedItem) Counters {
	var counters Counters
	for _, item := range items {
		switch c.commitOne(ctx, threadID, item) {
		case outcomeInserted:
			counters.Inserted++
		case outcomeDuplicate:
			counters.Duplicates++
		case outcomeFailed:
			counters.Failed++
		}
	}
	return counters
}

type outcome int

const (
	outcomeInserted outcome = iota
	outcomeDuplicate
	outcomeFailed
)

func (c *Committer) commitOne(ctx context.Context, threadID int64, item *types.ScrapedItem) outcome {
	logger := c.logger.With("thread_id", threadID, "external_id", item.ExternalID)

	blocked, err := c.store.IsBlocked(ctx, threadID, item.ExternalID)
	if err != nil {
		logger.Error("blocklist check failed", "error", err)
		return outcomeFailed
	}
	if blocked {
		logger.Debug("item is blocklisted, skipping")
		return outcomeDuplicate
	}

	// The scanner's validity check is looser; the commit cap is final.
	if item.MediaType == types.MediaVideo || item.MediaType == types.MediaGIF {
		if item.DurationMS != nil && *item.DurationMS > c.maxDurationMS {
			logger.Debug("item over duration cap", "duration_ms", *item.DurationMS)
			return outcomeFailed
		}
	}

	record := &types.MediaItem{
		ThreadID:       threadID,
		ExternalItemID: item.ExternalID,
		Fingerprint:    item.Fingerprint,
		Permalink:      item.Permalink,
		PostedAt:       item.PostedAt,
		Author:         item.Author,
		AuthorURL:      item.AuthorURL,
		Title:          item.Title,
		Caption:        item.Caption,
		MediaType:      item.MediaType,
		MediaURLs: types.MediaURLs{
			Original:  item.MediaURL,
			Thumbnail: item.ThumbnailURL,
		},
		DurationMS: item.DurationMS,
		Width:      item.Width,
		Height:     item.Height,
		Tags:       item.Tags,
	}

	inserted, err := c.store.InsertMediaItem(ctx, record)
	if err != nil {
		logger.Error("insert failed", "error", err)
		return outcomeFailed
	}
	if !inserted {
		return outcomeDuplicate
	}

	if assets := types.AssetsOf(item); len(assets) > 0 {
		if err := c.store.InsertAssets(ctx, record.ID, assets); err != nil {
			// The primary row is in; losing gallery extras is not worth
			// failing the item over.
			logger.Error("asset insert failed", "media_item_id", record.ID, "error", err)
		}
	}

	c.mirror(ctx, logger, record)
	return outcomeInserted
}

// mirror uploads the item's media to the CDN sink and merges the
// resulting URLs. Mirror failures never fail the commit.
func (c *Committer) mirror(ctx context.Context, logger *slog.Logger, record *types.MediaItem) {
	if c.cdn == nil {
		return
	}

	cdnOriginal, cdnThumbnail, err := c.cdn.Cache(ctx, record.ID,
		record.MediaURLs.Original, record.MediaURLs.Thumbnail)
	if err != nil {
		logger.Warn("cdn mirror failed", "media_item_id", record.ID, "error", err)
	}
	if cdnOriginal == "" && cdnThumbnail == "" {
		return
	}
	if err := c.store.MergeCDNURLs(ctx, record.ID, cdnOriginal, cdnThumbnail); err != nil {
		logger.Warn("cdn url merge failed", "media_item_id", record.ID, "error", err)
	}
}
