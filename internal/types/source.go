package types

// AdapterKind selects which fetch adapter serves a source.
type AdapterKind string

const (
	KindGenericHTML AdapterKind = "generic-html"
	KindReddit      AdapterKind = "reddit"
	KindRedGifs     AdapterKind = "redgifs"
)

// Valid reports whether the kind names a known adapter. Unknown kinds
// are rejected when the source is loaded, not when a job starts.
func (k AdapterKind) Valid() bool {
	switch k {
	case KindGenericHTML, KindReddit, KindRedGifs:
		return true
	}
	return false
}

// RateLimitSpec is the per-source rate-limit configuration.
// Either the bucket parameters are given directly, or only
// RequestsPerMinute is set and the bucket is derived from it.
// A non-zero CrawlDelayMS bypasses the bucket entirely: the source
// simply sleeps that long between fetches.
type RateLimitSpec struct {
	RequestsPerMinute float64 `json:"requests_per_minute,omitempty" bson:"requests_per_minute,omitempty"`
	RefillRate        float64 `json:"refill_rate,omitempty" bson:"refill_rate,omitempty"` // tokens per second
	BucketSize        int     `json:"bucket_size,omitempty" bson:"bucket_size,omitempty"`
	CrawlDelayMS      int64   `json:"crawl_delay_ms,omitempty" bson:"crawl_delay_ms,omitempty"`
}

// Source is an origin site. Created by the admin surface; the engine
// only reads it.
type Source struct {
	ID        int64             `bson:"_id"`
	Name      string            `bson:"name"`
	BaseURL   string            `bson:"base_url"`
	Kind      AdapterKind       `bson:"kind"`
	RateLimit RateLimitSpec     `bson:"rate_limit"`
	HTML      *HTMLSourceConfig `bson:"html,omitempty"` // adapter-specific, generic-html only
	UserAgent string            `bson:"user_agent,omitempty"`
	// Headers are merged into every outbound request for this source
	// (cookies for authenticated forums, Referer/Origin for downloads).
	Headers map[string]string `bson:"headers,omitempty"`
	Enabled bool              `bson:"enabled"`
}

// Thread is one monitored feed within a source: a subreddit, a user
// gallery, a board path. (SourceID, ExternalID) is unique.
type Thread struct {
	ID         int64  `bson:"_id"`
	SourceID   int64  `bson:"source_id"`
	ExternalID string `bson:"external_id"`
	URL        string `bson:"url"`
	Priority   int    `bson:"priority"` // 0..10, higher runs first
	Enabled    bool   `bson:"enabled"`
	Deleted    bool   `bson:"deleted"`
}

// PaginationStyle selects how the generic HTML adapter maps a page
// number onto a URL.
type PaginationStyle string

const (
	PaginateQuery  PaginationStyle = "query"  // ?page=N, page 1 omits the param
	PaginatePath   PaginationStyle = "path"   // /page-N suffix or {page} template
	PaginateOffset PaginationStyle = "offset" // ?offset=(N-1)*items_per_page
)

// HTMLSourceConfig is the stored configuration of a generic-html
// source: URL pattern plus the selector set used to pull fields out of
// each item container. Validated at source-creation time.
type HTMLSourceConfig struct {
	Style        PaginationStyle `json:"style" bson:"style"`
	PageParam    string          `json:"page_param,omitempty" bson:"page_param,omitempty"`       // query style, default "page"
	PathTemplate string          `json:"path_template,omitempty" bson:"path_template,omitempty"` // path style, "{page}" placeholder; default XenForo "page-N"
	OffsetParam  string          `json:"offset_param,omitempty" bson:"offset_param,omitempty"`   // offset style, default "offset"
	ItemsPerPage int             `json:"items_per_page,omitempty" bson:"items_per_page,omitempty"`

	// NewestFirst is true when the source lists newest items at the top
	// of a page. When false, parsed items are reversed.
	NewestFirst bool `json:"newest_first" bson:"newest_first"`

	Container string   `json:"container" bson:"container"` // selects one element per item
	ItemID    Selector `json:"item_id" bson:"item_id"`
	Permalink Selector `json:"permalink" bson:"permalink"`
	Timestamp Selector `json:"timestamp" bson:"timestamp"`
	Author    Selector `json:"author" bson:"author"`
	AuthorURL Selector `json:"author_url,omitempty" bson:"author_url,omitempty"`
	Title     Selector `json:"title,omitempty" bson:"title,omitempty"`
	Caption   Selector `json:"caption,omitempty" bson:"caption,omitempty"`
	Media     Selector `json:"media" bson:"media"`
	Images    Selector `json:"images,omitempty" bson:"images,omitempty"` // multi-image posts; each match becomes an item
	Thumbnail Selector `json:"thumbnail,omitempty" bson:"thumbnail,omitempty"`
	Tags      Selector `json:"tags,omitempty" bson:"tags,omitempty"`
	Duration  Selector `json:"duration,omitempty" bson:"duration,omitempty"`
	Width     Selector `json:"width,omitempty" bson:"width,omitempty"`
	Height    Selector `json:"height,omitempty" bson:"height,omitempty"`

	// Explicit pagination selectors. When absent, pagination is derived
	// by scanning links for /page-N or ?page=N and taking the max.
	LatestPage Selector `json:"latest_page,omitempty" bson:"latest_page,omitempty"`
	TotalItems Selector `json:"total_items,omitempty" bson:"total_items,omitempty"`
}

// Selector addresses one field inside an item container. Type is "css"
// (default) or "xpath". Attr extracts an attribute instead of text;
// the empty attr means trimmed text content.
type Selector struct {
	Query string `json:"query" bson:"query"`
	Type  string `json:"type,omitempty" bson:"type,omitempty"`
	Attr  string `json:"attr,omitempty" bson:"attr,omitempty"`
}

// IsZero reports whether the selector is unset.
func (s Selector) IsZero() bool { return s.Query == "" }
