package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/feedweir/feedweir/internal/dedup"
	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/types"
)

// Reddit listings paginate with opaque cursors (after=t3_xxx). The
// adapter imposes the dense page range the scanner expects by fixing
// the history depth at redditLatestPage listings of redditPageSize
// posts and mapping scanner page N to reddit page latest-N+1, so the
// highest scanner page is the newest listing.
const (
	redditLatestPage = 10
	redditPageSize   = 25

	// One bounded retry on a 429 before giving the page up.
	reddit429Wait = 5 * time.Second
)

// RedditAdapter scans /r/<sub>/new.json. Cursors are cached per reddit
// page; asking for a deep page first makes the adapter walk forward
// internally to materialize the cursors in between.
type RedditAdapter struct {
	source *types.Source
	thread *types.Thread
	client *fetch.Client
	logger *slog.Logger

	mu      sync.Mutex
	cursors map[int]string // reddit page -> after token that fetches it
}

func NewReddit(source *types.Source, thread *types.Thread, client *fetch.Client, logger *slog.Logger) *RedditAdapter {
	return &RedditAdapter{
		source:  source,
		thread:  thread,
		client:  client,
		logger:  logger.With("component", "reddit_adapter", "subreddit", thread.ExternalID),
		cursors: map[int]string{1: ""},
	}
}

func (a *RedditAdapter) Name() string { return "reddit" }

func (a *RedditAdapter) Validate(ctx context.Context) error {
	_, err := a.fetchListing(ctx, "", 1)
	return err
}

func (a *RedditAdapter) LatestPage(ctx context.Context) (PageInfo, error) {
	return PageInfo{LatestPage: redditLatestPage, TotalPages: redditLatestPage}, nil
}

func (a *RedditAdapter) ScanPage(ctx context.Context, page int) (PageResult, error) {
	if page < 1 || page > redditLatestPage {
		return PageResult{}, &types.AdapterError{
			Adapter: a.Name(), Page: page,
			Err: fmt.Errorf("page out of range [1,%d]", redditLatestPage),
		}
	}
	redditPage := redditLatestPage - page + 1

	listing, err := a.fetchRedditPage(ctx, redditPage)
	if err != nil {
		return PageResult{}, err
	}

	items := make([]*types.ScrapedItem, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		item := a.toItem(&child.Data)
		if item != nil {
			items = append(items, item)
		}
	}
	return PageResult{Items: items, Page: page, HasMore: page > 1}, nil
}

// fetchRedditPage returns the listing for reddit page n (1 = newest),
// walking forward from the deepest cached cursor when needed. Walks
// that run out of posts return an empty listing rather than an error.
func (a *RedditAdapter) fetchRedditPage(ctx context.Context, n int) (*redditListing, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := n
	for start > 1 {
		if _, ok := a.cursors[start]; ok {
			break
		}
		start--
	}

	var listing *redditListing
	for p := start; p <= n; p++ {
		after := a.cursors[p]
		if p > 1 && after == "" {
			return &redditListing{}, nil // history exhausted
		}
		var err error
		listing, err = a.fetchListing(ctx, after, p)
		if err != nil {
			return nil, err
		}
		a.cursors[p+1] = listing.Data.After
	}
	return listing, nil
}

func (a *RedditAdapter) fetchListing(ctx context.Context, after string, page int) (*redditListing, error) {
	u := fmt.Sprintf("https://www.reddit.com/r/%s/new.json?limit=%d&raw_json=1",
		url.PathEscape(a.thread.ExternalID), redditPageSize)
	if after != "" {
		u += "&after=" + url.QueryEscape(after)
	}

	headers := map[string]string{}
	if a.source.UserAgent != "" {
		headers["User-Agent"] = a.source.UserAgent
	}

	resp, err := a.client.Get(ctx, u, headers, nil)
	var fetchErr *types.FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode == 429 {
		a.logger.Warn("rate limited by reddit, retrying once", "page", page)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reddit429Wait):
		}
		resp, err = a.client.Get(ctx, u, headers, nil)
	}
	if err != nil {
		return nil, err
	}

	var listing redditListing
	if err := json.Unmarshal(resp.Body, &listing); err != nil {
		return nil, &types.AdapterError{Adapter: a.Name(), Page: page, Err: fmt.Errorf("decode listing: %w", err)}
	}
	return &listing, nil
}

// toItem converts a post into a scraped item, or nil when the post
// carries no ingestible media.
func (a *RedditAdapter) toItem(post *redditPost) *types.ScrapedItem {
	media := a.extractMedia(post)
	if media == nil {
		return nil
	}

	item := &types.ScrapedItem{
		ExternalID:   post.ID,
		Permalink:    "https://www.reddit.com" + post.Permalink,
		PostedAt:     time.Unix(int64(post.CreatedUTC), 0).UTC(),
		Author:       post.Author,
		AuthorURL:    "https://www.reddit.com/user/" + post.Author,
		Title:        post.Title,
		MediaType:    media.kind,
		MediaURL:     media.url,
		ThumbnailURL: media.thumbnail,
		DurationMS:   media.durationMS,
		Width:        media.width,
		Height:       media.height,
		Assets:       media.assets,
	}
	if item.ThumbnailURL == "" && post.Thumbnail != "" && strings.HasPrefix(post.Thumbnail, "http") {
		item.ThumbnailURL = post.Thumbnail
	}
	return item
}

type redditMedia struct {
	url        string
	kind       types.MediaType
	thumbnail  string
	durationMS *int64
	width      int
	height     int
	assets     []types.ScrapedAsset
}

// extractMedia walks the priority cascade: reddit-hosted video,
// crosspost video, external oEmbed, gallery, direct image URL,
// preview variants, imgur gifv rewrite. Returns nil when nothing
// usable is found.
func (a *RedditAdapter) extractMedia(post *redditPost) *redditMedia {
	if m := redditVideoOf(post); m != nil {
		return m
	}
	for i := range post.CrosspostParentList {
		if m := redditVideoOf(&post.CrosspostParentList[i]); m != nil {
			return m
		}
	}
	if m := a.oembedOf(post); m != nil {
		return m
	}
	if m := galleryOf(post); m != nil {
		return m
	}
	if m := directOf(post); m != nil {
		return m
	}
	if m := previewOf(post); m != nil {
		return m
	}
	if m := imgurGifvOf(post); m != nil {
		return m
	}
	return nil
}

func redditVideoOf(post *redditPost) *redditMedia {
	video := post.Media.RedditVideo
	if video == nil {
		video = post.SecureMedia.RedditVideo
	}
	if video == nil || video.FallbackURL == "" {
		return nil
	}
	m := &redditMedia{
		url:    video.FallbackURL,
		kind:   types.MediaVideo,
		width:  video.Width,
		height: video.Height,
	}
	if video.DurationSeconds > 0 {
		ms := int64(video.DurationSeconds) * 1000
		m.durationMS = &ms
	}
	return m
}

// oembedOf handles externally hosted embeds. RedGifs embeds are
// dropped: those feeds are ingested through the redgifs source kind
// and double-ingesting them here would fight the dedup layer.
func (a *RedditAdapter) oembedOf(post *redditPost) *redditMedia {
	oembed := post.Media.Oembed
	if oembed == nil {
		oembed = post.SecureMedia.Oembed
	}
	if oembed == nil {
		return nil
	}
	if strings.EqualFold(oembed.ProviderName, "redgifs") || strings.Contains(post.URL, "redgifs.com") {
		a.logger.Debug("dropping redgifs embed", "post_id", post.ID)
		return nil
	}
	if oembed.ThumbnailURL == "" {
		return nil
	}
	return &redditMedia{
		url:       post.URL,
		kind:      types.MediaVideo,
		thumbnail: oembed.ThumbnailURL,
		width:     oembed.Width,
		height:    oembed.Height,
	}
}

// galleryOf expands a reddit gallery. Entry order follows
// gallery_data.items; metadata map order is the fallback. The first
// valid entry becomes the primary, the rest become positioned assets.
func galleryOf(post *redditPost) *redditMedia {
	if !post.IsGallery || len(post.MediaMetadata) == 0 {
		return nil
	}

	var order []string
	for _, it := range post.GalleryData.Items {
		order = append(order, it.MediaID)
	}
	if len(order) == 0 {
		for id := range post.MediaMetadata {
			order = append(order, id)
		}
	}

	var m *redditMedia
	position := 0
	for _, id := range order {
		meta, ok := post.MediaMetadata[id]
		if !ok || meta.Status != "valid" {
			continue
		}
		entryURL, kind := galleryEntryURL(&meta)
		if entryURL == "" {
			continue
		}
		if m == nil {
			m = &redditMedia{
				url:    entryURL,
				kind:   kind,
				width:  meta.Source.Width,
				height: meta.Source.Height,
			}
			continue
		}
		m.assets = append(m.assets, types.ScrapedAsset{
			URL:      entryURL,
			Type:     kind,
			Width:    meta.Source.Width,
			Height:   meta.Source.Height,
			Position: position,
		})
		position++
	}
	return m
}

func galleryEntryURL(meta *redditGalleryMeta) (string, types.MediaType) {
	switch {
	case meta.Source.MP4 != "":
		return meta.Source.MP4, types.MediaVideo
	case meta.Source.GIF != "":
		return meta.Source.GIF, types.MediaGIF
	case meta.Source.URL != "":
		kind := types.MediaImage
		if strings.HasPrefix(meta.MimeType, "image/gif") {
			kind = types.MediaGIF
		}
		return meta.Source.URL, kind
	}
	return "", types.MediaUnknown
}

var redditMediaHosts = []string{"i.redd.it", "i.imgur.com", "preview.redd.it"}

// directOf accepts plain links whose extension or host marks them as
// media.
func directOf(post *redditPost) *redditMedia {
	if post.URL == "" {
		return nil
	}
	// .gifv pages are not fetchable as-is; the rewrite step handles them.
	if strings.HasSuffix(strings.ToLower(post.URL), ".gifv") {
		return nil
	}
	kind := dedup.InferMediaType(post.URL, "")
	if kind == types.MediaUnknown {
		u, err := url.Parse(post.URL)
		if err != nil {
			return nil
		}
		hosted := false
		for _, h := range redditMediaHosts {
			if u.Host == h {
				hosted = true
				break
			}
		}
		if !hosted {
			return nil
		}
		kind = types.MediaImage
	}
	m := &redditMedia{url: post.URL, kind: kind}
	if src := previewSource(post); src != nil {
		m.width = src.Width
		m.height = src.Height
	}
	return m
}

func previewSource(post *redditPost) *redditImageSource {
	if len(post.Preview.Images) == 0 {
		return nil
	}
	return &post.Preview.Images[0].Source
}

// previewOf falls back to reddit's preview variants for posts whose
// canonical URL is not directly fetchable.
func previewOf(post *redditPost) *redditMedia {
	if len(post.Preview.Images) == 0 {
		return nil
	}
	img := post.Preview.Images[0]
	if v := img.Variants.MP4; v != nil && v.Source.URL != "" {
		return &redditMedia{
			url: v.Source.URL, kind: types.MediaVideo,
			width: v.Source.Width, height: v.Source.Height,
		}
	}
	if v := img.Variants.GIF; v != nil && v.Source.URL != "" {
		return &redditMedia{
			url: v.Source.URL, kind: types.MediaGIF,
			width: v.Source.Width, height: v.Source.Height,
		}
	}
	return nil
}

// imgurGifvOf rewrites imgur .gifv pages to their raw .mp4.
func imgurGifvOf(post *redditPost) *redditMedia {
	if !strings.HasSuffix(strings.ToLower(post.URL), ".gifv") || !strings.Contains(post.URL, "imgur.com") {
		return nil
	}
	return &redditMedia{
		url:  post.URL[:len(post.URL)-len(".gifv")] + ".mp4",
		kind: types.MediaVideo,
	}
}

// Listing JSON, trimmed to the fields the cascade reads.

type redditListing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID                  string                       `json:"id"`
	Permalink           string                       `json:"permalink"`
	CreatedUTC          float64                      `json:"created_utc"`
	Author              string                       `json:"author"`
	Title               string                       `json:"title"`
	URL                 string                       `json:"url"`
	Thumbnail           string                       `json:"thumbnail"`
	IsGallery           bool                         `json:"is_gallery"`
	Media               redditMediaField             `json:"media"`
	SecureMedia         redditMediaField             `json:"secure_media"`
	CrosspostParentList []redditPost                 `json:"crosspost_parent_list"`
	GalleryData         redditGalleryData            `json:"gallery_data"`
	MediaMetadata       map[string]redditGalleryMeta `json:"media_metadata"`
	Preview             redditPreview                `json:"preview"`
}

type redditMediaField struct {
	RedditVideo *redditVideo  `json:"reddit_video"`
	Oembed      *redditOembed `json:"oembed"`
}

type redditVideo struct {
	FallbackURL     string `json:"fallback_url"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	DurationSeconds int    `json:"duration"`
}

type redditOembed struct {
	ProviderName string `json:"provider_name"`
	ThumbnailURL string `json:"thumbnail_url"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

type redditGalleryData struct {
	Items []struct {
		MediaID string `json:"media_id"`
	} `json:"items"`
}

type redditGalleryMeta struct {
	Status   string `json:"status"`
	MimeType string `json:"m"`
	Source   struct {
		URL    string `json:"u"`
		GIF    string `json:"gif"`
		MP4    string `json:"mp4"`
		Width  int    `json:"x"`
		Height int    `json:"y"`
	} `json:"s"`
}

type redditPreview struct {
	Images []struct {
		Source   redditImageSource `json:"source"`
		Variants struct {
			MP4 *struct {
				Source redditImageSource `json:"source"`
			} `json:"mp4"`
			GIF *struct {
				Source redditImageSource `json:"source"`
			} `json:"gif"`
		} `json:"variants"`
	} `json:"images"`
}

type redditImageSource struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}
