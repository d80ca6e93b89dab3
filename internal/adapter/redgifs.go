package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/types"
)

const (
	redgifsAPIBase   = "https://api.redgifs.com"
	redgifsPageSize  = 40
	redgifsTokenTTL  = time.Hour // tokens are issued for ~24h; refresh well before
	redgifsOrderNew  = "new"
	redgifsWatchBase = "https://www.redgifs.com/watch/"
)

// RedGifsAdapter lists a creator's uploads through the v2 search API.
// The server paginates natively, so scanner pages map straight through
// with no cursor bookkeeping.
type RedGifsAdapter struct {
	source *types.Source
	thread *types.Thread
	client *fetch.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewRedGifs(source *types.Source, thread *types.Thread, client *fetch.Client, logger *slog.Logger) *RedGifsAdapter {
	return &RedGifsAdapter{
		source: source,
		thread: thread,
		client: client,
		logger: logger.With("component", "redgifs_adapter", "user", thread.ExternalID),
	}
}

func (a *RedGifsAdapter) Name() string { return "redgifs" }

// bearer returns a cached API token, fetching a fresh one when the
// cache has expired.
func (a *RedGifsAdapter) bearer(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := a.client.GetJSON(ctx, redgifsAPIBase+"/v2/auth/temporary", nil, &resp); err != nil {
		return "", &types.AdapterError{Adapter: a.Name(), Err: fmt.Errorf("temporary token: %w", err)}
	}
	if resp.Token == "" {
		return "", &types.AdapterError{Adapter: a.Name(), Err: fmt.Errorf("empty token response")}
	}

	a.token = resp.Token
	a.tokenExpiry = time.Now().Add(redgifsTokenTTL)
	a.logger.Debug("refreshed api token")
	return a.token, nil
}

func (a *RedGifsAdapter) headers(token string) map[string]string {
	h := map[string]string{
		"Authorization": "Bearer " + token,
		"Referer":       "https://www.redgifs.com/",
		"Origin":        "https://www.redgifs.com",
	}
	if a.source.UserAgent != "" {
		h["User-Agent"] = a.source.UserAgent
	}
	return h
}

func (a *RedGifsAdapter) search(ctx context.Context, page int) (*redgifsSearch, error) {
	token, err := a.bearer(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v2/users/%s/search?order=%s&count=%d&page=%d",
		redgifsAPIBase, url.PathEscape(a.thread.ExternalID), redgifsOrderNew, redgifsPageSize, page)

	var result redgifsSearch
	if err := a.client.GetJSON(ctx, u, a.headers(token), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *RedGifsAdapter) Validate(ctx context.Context) error {
	_, err := a.search(ctx, 1)
	return err
}

// LatestPage reports the server-side page count.
func (a *RedGifsAdapter) LatestPage(ctx context.Context) (PageInfo, error) {
	result, err := a.search(ctx, 1)
	if err != nil {
		return PageInfo{}, err
	}
	latest := result.Pages
	if latest < 1 {
		latest = 1
	}
	return PageInfo{LatestPage: latest, TotalPages: latest, TotalItems: result.Total}, nil
}

func (a *RedGifsAdapter) ScanPage(ctx context.Context, page int) (PageResult, error) {
	result, err := a.search(ctx, page)
	if err != nil {
		return PageResult{}, err
	}

	items := make([]*types.ScrapedItem, 0, len(result.Gifs))
	for _, gif := range result.Gifs {
		mediaURL := gif.URLs.HD
		if mediaURL == "" {
			mediaURL = gif.URLs.SD
		}
		if mediaURL == "" {
			continue
		}
		items = append(items, &types.ScrapedItem{
			ExternalID:   gif.ID,
			Permalink:    redgifsWatchBase + gif.ID,
			PostedAt:     time.Unix(gif.CreateDate, 0).UTC(),
			Author:       gif.UserName,
			AuthorURL:    "https://www.redgifs.com/users/" + gif.UserName,
			Caption:      gif.Description,
			MediaType:    types.MediaGIF, // uniform typing keeps these out of the video duration filter
			MediaURL:     mediaURL,
			ThumbnailURL: gif.URLs.Poster,
			Width:        gif.Width,
			Height:       gif.Height,
			Tags:         gif.Tags,
		})
	}

	return PageResult{
		Items:      items,
		Page:       page,
		HasMore:    page > 1,
		TotalItems: result.Total,
	}, nil
}

type redgifsSearch struct {
	Page  int          `json:"page"`
	Pages int          `json:"pages"`
	Total int          `json:"total"`
	Gifs  []redgifsGif `json:"gifs"`
}

type redgifsGif struct {
	ID          string   `json:"id"`
	CreateDate  int64    `json:"createDate"`
	UserName    string   `json:"userName"`
	Description string   `json:"description"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Tags        []string `json:"tags"`
	URLs        struct {
		HD     string `json:"hd"`
		SD     string `json:"sd"`
		Poster string `json:"poster"`
	} `json:"urls"`
}
