package types

import (
	"time"
)

// MediaType classifies the kind of media an item points at.
type MediaType string

const (
	MediaImage   MediaType = "image"
	MediaGIF     MediaType = "gif"
	MediaVideo   MediaType = "video"
	MediaUnknown MediaType = "unknown"
)

// ScrapedItem is the normalized output of an adapter for one post.
// It is transient: the scanner validates it, fingerprints it, and hands
// it to the committer, which maps it onto a persisted MediaItem.
type ScrapedItem struct {
	ExternalID   string
	Permalink    string
	PostedAt     time.Time
	Author       string
	AuthorURL    string
	Title        string
	Caption      string
	MediaType    MediaType
	MediaURL     string
	ThumbnailURL string

	// DurationMS is nil when the source did not report a duration.
	// A nil duration passes validation; a zero duration does not.
	DurationMS *int64

	Width  int
	Height int

	// Assets holds the remaining gallery entries when a post carries
	// more than one piece of media. The primary entry is MediaURL.
	Assets []ScrapedAsset

	Tags          []string
	SourceMetrics map[string]int64

	// Fingerprint is filled in by the scanner before commit.
	Fingerprint string
}

// ScrapedAsset is a secondary gallery entry of a scraped item.
// Position is the entry's order within the gallery, primary excluded.
type ScrapedAsset struct {
	URL        string
	Type       MediaType
	Position   int
	Width      int
	Height     int
	DurationMS *int64
}

// MediaURLs is the JSON shape persisted with every media item.
type MediaURLs struct {
	Original     string `json:"original" bson:"original"`
	Thumbnail    string `json:"thumbnail,omitempty" bson:"thumbnail,omitempty"`
	CDNOriginal  string `json:"cdn_original,omitempty" bson:"cdn_original,omitempty"`
	CDNThumbnail string `json:"cdn_thumbnail,omitempty" bson:"cdn_thumbnail,omitempty"`
}

// MediaItem is a persisted media record. The engine creates these rows
// and never touches user-owned engagement counters or moderation fields
// on re-ingest.
type MediaItem struct {
	ID             int64     `bson:"id"`
	ThreadID       int64     `bson:"thread_id"`
	ExternalItemID string    `bson:"external_item_id"`
	Fingerprint    string    `bson:"fingerprint"`
	Permalink      string    `bson:"permalink"`
	PostedAt       time.Time `bson:"posted_at"`
	Author         string    `bson:"author,omitempty"`
	AuthorURL      string    `bson:"author_url,omitempty"`
	Title          string    `bson:"title,omitempty"`
	Caption        string    `bson:"caption,omitempty"`
	MediaType      MediaType `bson:"media_type"`
	MediaURLs      MediaURLs `bson:"media_urls"`
	DurationMS     *int64    `bson:"duration_ms,omitempty"`
	Width          int       `bson:"width,omitempty"`
	Height         int       `bson:"height,omitempty"`
	Tags           []string  `bson:"tags,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

// MediaAsset is a child record of a media item, ordered by Position.
type MediaAsset struct {
	ID          int64     `bson:"id,omitempty"`
	MediaItemID int64     `bson:"media_item_id"`
	Position    int       `bson:"position"`
	URL         string    `bson:"url"`
	Type        MediaType `bson:"type"`
	Width       int       `bson:"width,omitempty"`
	Height      int       `bson:"height,omitempty"`
	DurationMS  *int64    `bson:"duration_ms,omitempty"`
}

// AssetsOf converts a scraped item's gallery entries into persistable
// assets, carrying the adapter's positions through.
func AssetsOf(item *ScrapedItem) []MediaAsset {
	if len(item.Assets) == 0 {
		return nil
	}
	assets := make([]MediaAsset, len(item.Assets))
	for i, a := range item.Assets {
		assets[i] = MediaAsset{
			Position:   a.Position,
			URL:        a.URL,
			Type:       a.Type,
			Width:      a.Width,
			Height:     a.Height,
			DurationMS: a.DurationMS,
		}
	}
	return assets
}
