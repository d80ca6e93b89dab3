package adapter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/feedweir/feedweir/internal/dedup"
	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/types"
)

// HTMLAdapter scrapes paginated HTML boards configured with a URL
// pattern and a selector set. It is the adapter behind the
// generic-html source kind.
type HTMLAdapter struct {
	source *types.Source
	thread *types.Thread
	cfg    *types.HTMLSourceConfig
	client *fetch.Client
	logger *slog.Logger
}

// NewHTML builds the adapter and validates the stored selector
// configuration up front.
func NewHTML(source *types.Source, thread *types.Thread, client *fetch.Client, logger *slog.Logger) (*HTMLAdapter, error) {
	cfg := source.HTML
	if cfg == nil {
		return nil, &types.AdapterError{Adapter: "generic-html", Err: fmt.Errorf("source %d has no html config", source.ID)}
	}
	if err := validateHTMLConfig(cfg); err != nil {
		return nil, &types.AdapterError{Adapter: "generic-html", Err: err}
	}
	return &HTMLAdapter{
		source: source,
		thread: thread,
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "html_adapter", "thread_id", thread.ID),
	}, nil
}

func validateHTMLConfig(cfg *types.HTMLSourceConfig) error {
	switch cfg.Style {
	case types.PaginateQuery, types.PaginatePath, types.PaginateOffset:
	default:
		return fmt.Errorf("unknown pagination style %q", cfg.Style)
	}
	if cfg.Container == "" {
		return fmt.Errorf("container selector is required")
	}
	required := map[string]types.Selector{
		"item_id":   cfg.ItemID,
		"permalink": cfg.Permalink,
		"timestamp": cfg.Timestamp,
		"author":    cfg.Author,
		"media":     cfg.Media,
	}
	for name, sel := range required {
		if sel.IsZero() {
			return fmt.Errorf("%s selector is required", name)
		}
	}
	all := []types.Selector{
		cfg.ItemID, cfg.Permalink, cfg.Timestamp, cfg.Author, cfg.AuthorURL,
		cfg.Title, cfg.Caption, cfg.Media, cfg.Images, cfg.Thumbnail,
		cfg.Tags, cfg.Duration, cfg.Width, cfg.Height, cfg.LatestPage, cfg.TotalItems,
	}
	for _, sel := range all {
		if sel.Type != "" && sel.Type != "css" && sel.Type != "xpath" {
			return fmt.Errorf("unknown selector type %q", sel.Type)
		}
	}
	if cfg.Style == types.PaginateOffset && cfg.ItemsPerPage <= 0 {
		return fmt.Errorf("offset pagination requires items_per_page")
	}
	return nil
}

func (a *HTMLAdapter) Name() string { return "generic-html" }

// pageURL maps a page number onto the thread URL per the configured
// pagination style.
func (a *HTMLAdapter) pageURL(page int) (string, error) {
	base, err := url.Parse(a.thread.URL)
	if err != nil {
		return "", fmt.Errorf("thread url: %w", err)
	}

	switch a.cfg.Style {
	case types.PaginateQuery:
		if page > 1 {
			param := a.cfg.PageParam
			if param == "" {
				param = "page"
			}
			q := base.Query()
			q.Set(param, strconv.Itoa(page))
			base.RawQuery = q.Encode()
		}
	case types.PaginatePath:
		if page > 1 {
			tmpl := a.cfg.PathTemplate
			if tmpl == "" {
				tmpl = "page-{page}" // XenForo style
			}
			segment := strings.ReplaceAll(tmpl, "{page}", strconv.Itoa(page))
			base.Path = strings.TrimRight(base.Path, "/") + "/" + segment
		}
	case types.PaginateOffset:
		param := a.cfg.OffsetParam
		if param == "" {
			param = "offset"
		}
		q := base.Query()
		q.Set(param, strconv.Itoa((page-1)*a.cfg.ItemsPerPage))
		base.RawQuery = q.Encode()
	}
	return base.String(), nil
}

func (a *HTMLAdapter) fetchDocument(ctx context.Context, page int) (*goquery.Document, error) {
	pageURL, err := a.pageURL(page)
	if err != nil {
		return nil, &types.AdapterError{Adapter: a.Name(), Page: page, Err: err}
	}
	resp, err := a.client.Get(ctx, pageURL, a.headers(), nil)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &types.AdapterError{Adapter: a.Name(), Page: page, Err: fmt.Errorf("parse html: %w", err)}
	}
	return doc, nil
}

func (a *HTMLAdapter) headers() map[string]string {
	headers := make(map[string]string, len(a.source.Headers)+1)
	for k, v := range a.source.Headers {
		headers[k] = v
	}
	if a.source.UserAgent != "" {
		headers["User-Agent"] = a.source.UserAgent
	}
	return headers
}

// Validate fetches page 1 and requires at least one item container.
func (a *HTMLAdapter) Validate(ctx context.Context) error {
	doc, err := a.fetchDocument(ctx, 1)
	if err != nil {
		return err
	}
	if doc.Find(a.cfg.Container).Length() == 0 {
		return &types.AdapterError{
			Adapter: a.Name(),
			Err:     fmt.Errorf("container selector %q matched nothing", a.cfg.Container),
		}
	}
	return nil
}

var pageLinkPattern = regexp.MustCompile(`(?:/page-(\d+)|[?&]page=(\d+))`)

// LatestPage reads pagination from the explicit selectors when
// configured, otherwise derives it by scanning pagination links for
// /page-N or ?page=N and taking the max. A page-less board is a single
// page.
func (a *HTMLAdapter) LatestPage(ctx context.Context) (PageInfo, error) {
	doc, err := a.fetchDocument(ctx, 1)
	if err != nil {
		return PageInfo{}, err
	}

	info := PageInfo{LatestPage: 1}

	if !a.cfg.LatestPage.IsZero() {
		if v := extractFirst(doc.Selection, a.cfg.LatestPage); v != "" {
			if n, err := strconv.Atoi(digitsOnly(v)); err == nil && n >= 1 {
				info.LatestPage = n
				info.TotalPages = n
			}
		}
	}
	if !a.cfg.TotalItems.IsZero() {
		if v := extractFirst(doc.Selection, a.cfg.TotalItems); v != "" {
			if n, err := strconv.Atoi(digitsOnly(v)); err == nil {
				info.TotalItems = n
			}
		}
	}
	if info.LatestPage > 1 {
		return info, nil
	}

	max := 1
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := pageLinkPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if n, err := strconv.Atoi(g); err == nil && n > max {
				max = n
			}
		}
	})
	info.LatestPage = max
	if info.TotalPages == 0 {
		info.TotalPages = max
	}
	return info, nil
}

// ScanPage fetches and parses one page. Items come back newest first;
// when the board lists oldest first the parsed order is reversed.
func (a *HTMLAdapter) ScanPage(ctx context.Context, page int) (PageResult, error) {
	doc, err := a.fetchDocument(ctx, page)
	if err != nil {
		return PageResult{}, err
	}

	now := time.Now()
	var items []*types.ScrapedItem
	doc.Find(a.cfg.Container).Each(func(_ int, sel *goquery.Selection) {
		parsed := a.parseItem(sel, now)
		items = append(items, parsed...)
	})

	if !a.cfg.NewestFirst {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}

	return PageResult{
		Items:   items,
		Page:    page,
		HasMore: page > 1,
	}, nil
}

// parseItem extracts one container into scraped items. A post with
// several images expands into one item per image with synthetic ids.
func (a *HTMLAdapter) parseItem(sel *goquery.Selection, now time.Time) []*types.ScrapedItem {
	id := extractFirst(sel, a.cfg.ItemID)
	if id == "" {
		a.logger.Debug("item without id skipped")
		return nil
	}

	postedAt, err := parseTimestamp(extractFirst(sel, a.cfg.Timestamp), now)
	if err != nil {
		a.logger.Debug("unparseable item timestamp", "item_id", id, "error", err)
		return nil
	}

	base := types.ScrapedItem{
		ExternalID:   id,
		Permalink:    a.absolute(extractFirst(sel, a.cfg.Permalink)),
		PostedAt:     postedAt,
		Author:       extractFirst(sel, a.cfg.Author),
		AuthorURL:    a.absolute(extractFirst(sel, a.cfg.AuthorURL)),
		Title:        extractFirst(sel, a.cfg.Title),
		Caption:      extractFirst(sel, a.cfg.Caption),
		ThumbnailURL: a.absolute(extractFirst(sel, a.cfg.Thumbnail)),
		DurationMS:   parseDurationMS(extractFirst(sel, a.cfg.Duration)),
		Width:        atoiOrZero(extractFirst(sel, a.cfg.Width)),
		Height:       atoiOrZero(extractFirst(sel, a.cfg.Height)),
		Tags:         extractAll(sel, a.cfg.Tags),
	}

	var images []string
	if !a.cfg.Images.IsZero() {
		seen := make(map[string]struct{})
		for _, raw := range extractAll(sel, a.cfg.Images) {
			abs := a.absolute(raw)
			if abs == "" {
				continue
			}
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			images = append(images, abs)
		}
	}

	if len(images) > 1 {
		out := make([]*types.ScrapedItem, 0, len(images))
		for i, img := range images {
			item := base
			item.ExternalID = fmt.Sprintf("%s-img-%d", id, i)
			item.MediaURL = img
			item.MediaType = dedup.InferMediaType(img, "")
			out = append(out, &item)
		}
		return out
	}

	mediaURL := a.absolute(extractFirst(sel, a.cfg.Media))
	if mediaURL == "" && len(images) == 1 {
		mediaURL = images[0]
	}
	base.MediaURL = mediaURL
	base.MediaType = dedup.InferMediaType(mediaURL, "")
	return []*types.ScrapedItem{&base}
}

// absolute resolves a possibly-relative URL against the source base.
func (a *HTMLAdapter) absolute(raw string) string {
	if raw == "" {
		return ""
	}
	base, err := url.Parse(a.source.BaseURL)
	if err != nil {
		return raw
	}
	ref, err := base.Parse(raw)
	if err != nil {
		return raw
	}
	return ref.String()
}

// extractFirst applies a selector within sel and returns the first
// matched value: trimmed text, or the named attribute.
func extractFirst(sel *goquery.Selection, s types.Selector) string {
	values := extract(sel, s, true)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// extractAll returns every matched value.
func extractAll(sel *goquery.Selection, s types.Selector) []string {
	return extract(sel, s, false)
}

func extract(sel *goquery.Selection, s types.Selector, firstOnly bool) []string {
	if s.IsZero() {
		return nil
	}
	if s.Type == "xpath" {
		return extractXPath(sel, s, firstOnly)
	}

	var values []string
	sel.Find(s.Query).EachWithBreak(func(_ int, m *goquery.Selection) bool {
		var v string
		switch s.Attr {
		case "", "text":
			v = strings.TrimSpace(m.Text())
		case "html":
			v, _ = m.Html()
		default:
			v, _ = m.Attr(s.Attr)
			v = strings.TrimSpace(v)
		}
		if v != "" {
			values = append(values, v)
		}
		return !(firstOnly && len(values) > 0)
	})
	return values
}

// extractXPath runs an xpath query against the selection's nodes.
func extractXPath(sel *goquery.Selection, s types.Selector, firstOnly bool) []string {
	var values []string
	for _, node := range sel.Nodes {
		matches, err := htmlquery.QueryAll(node, s.Query)
		if err != nil {
			return nil
		}
		for _, m := range matches {
			v := xpathValue(m, s.Attr)
			if v != "" {
				values = append(values, v)
				if firstOnly {
					return values
				}
			}
		}
	}
	return values
}

func xpathValue(node *html.Node, attr string) string {
	switch attr {
	case "", "text":
		return strings.TrimSpace(htmlquery.InnerText(node))
	default:
		return strings.TrimSpace(htmlquery.SelectAttr(node, attr))
	}
}

var nonDigits = regexp.MustCompile(`[^\d]`)

func digitsOnly(s string) string {
	return nonDigits.ReplaceAllString(s, "")
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
