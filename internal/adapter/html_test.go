package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/types"
)

func testClient() *fetch.Client {
	return fetch.NewClient(config.FetchConfig{
		UserAgent:    "feedweir-test/1.0",
		Timeout:      5 * time.Second,
		MaxBodySize:  1 << 20,
		MaxRedirects: 3,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func boardConfig() *types.HTMLSourceConfig {
	return &types.HTMLSourceConfig{
		Style:     types.PaginateQuery,
		Container: "article.post",
		ItemID:    types.Selector{Query: "a.pid", Attr: "href"},
		Permalink: types.Selector{Query: "a.pid", Attr: "href"},
		Timestamp: types.Selector{Query: "time"},
		Author:    types.Selector{Query: ".author"},
		Media:     types.Selector{Query: "img.media", Attr: "src"},
	}
}

func newBoardAdapter(t *testing.T, serverURL string, cfg *types.HTMLSourceConfig) *HTMLAdapter {
	t.Helper()
	src := &types.Source{ID: 1, BaseURL: serverURL, Kind: types.KindGenericHTML, HTML: cfg}
	th := &types.Thread{ID: 10, SourceID: 1, URL: serverURL + "/thread"}
	a, err := NewHTML(src, th, testClient(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestHTMLPageURL(t *testing.T) {
	cases := []struct {
		cfg  types.HTMLSourceConfig
		page int
		want string
	}{
		{types.HTMLSourceConfig{Style: types.PaginateQuery}, 1, "https://x.test/thread"},
		{types.HTMLSourceConfig{Style: types.PaginateQuery}, 3, "https://x.test/thread?page=3"},
		{types.HTMLSourceConfig{Style: types.PaginateQuery, PageParam: "p"}, 2, "https://x.test/thread?p=2"},
		{types.HTMLSourceConfig{Style: types.PaginatePath}, 1, "https://x.test/thread"},
		{types.HTMLSourceConfig{Style: types.PaginatePath}, 4, "https://x.test/thread/page-4"},
		{types.HTMLSourceConfig{Style: types.PaginatePath, PathTemplate: "p{page}"}, 2, "https://x.test/thread/p2"},
		{types.HTMLSourceConfig{Style: types.PaginateOffset, ItemsPerPage: 20}, 1, "https://x.test/thread?offset=0"},
		{types.HTMLSourceConfig{Style: types.PaginateOffset, ItemsPerPage: 20}, 3, "https://x.test/thread?offset=40"},
	}

	for _, c := range cases {
		a := &HTMLAdapter{
			cfg:    &c.cfg,
			thread: &types.Thread{URL: "https://x.test/thread"},
		}
		got, err := a.pageURL(c.page)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("style=%s page=%d: %q, want %q", c.cfg.Style, c.page, got, c.want)
		}
	}
}

func TestHTMLConfigValidation(t *testing.T) {
	src := &types.Source{ID: 1, Kind: types.KindGenericHTML}
	th := &types.Thread{ID: 1}

	if _, err := NewHTML(src, th, testClient(), slog.Default()); err == nil {
		t.Error("nil html config should be rejected")
	}

	bad := boardConfig()
	bad.Media = types.Selector{}
	src.HTML = bad
	if _, err := NewHTML(src, th, testClient(), slog.Default()); err == nil {
		t.Error("missing media selector should be rejected")
	}

	bad = boardConfig()
	bad.Style = "spiral"
	src.HTML = bad
	if _, err := NewHTML(src, th, testClient(), slog.Default()); err == nil {
		t.Error("unknown pagination style should be rejected")
	}
}

const boardPage = `<html><body>
<article class="post">
  <a class="pid" href="/post/101">first</a>
  <time>3 hours ago</time>
  <span class="author">alice</span>
  <img class="media" src="/files/a.jpg">
</article>
<article class="post">
  <a class="pid" href="/post/102">second</a>
  <time>1 hour ago</time>
  <span class="author">bob</span>
  <img class="media" src="/files/b.mp4">
</article>
<nav>
  <a href="/thread/page-7">7</a>
  <a href="/thread?page=4">4</a>
</nav>
</body></html>`

func TestHTMLScanPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, boardPage)
	}))
	defer server.Close()

	// Board lists oldest first, so parsed items are reversed.
	a := newBoardAdapter(t, server.URL, boardConfig())
	result, err := a.ScanPage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(result.Items))
	}

	newest := result.Items[0]
	if newest.ExternalID != "/post/102" {
		t.Errorf("newest id = %q, want the later post first", newest.ExternalID)
	}
	if newest.Author != "bob" {
		t.Errorf("author = %q", newest.Author)
	}
	if newest.MediaType != types.MediaVideo {
		t.Errorf("media type = %q, want video", newest.MediaType)
	}
	if !strings.HasPrefix(newest.MediaURL, server.URL) {
		t.Errorf("media url %q not resolved against base", newest.MediaURL)
	}
	if !result.Items[1].PostedAt.Before(newest.PostedAt) {
		t.Error("items should be newest first")
	}
}

func TestHTMLLatestPageFromLinks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, boardPage)
	}))
	defer server.Close()

	a := newBoardAdapter(t, server.URL, boardConfig())
	info, err := a.LatestPage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.LatestPage != 7 {
		t.Errorf("latest page = %d, want 7 (max of pagination links)", info.LatestPage)
	}
}

func TestHTMLLatestPageExplicitSelector(t *testing.T) {
	page := `<html><body>
<span id="last">42</span>
<article class="post"><a class="pid" href="/post/1">x</a><time>1 hour ago</time>
<span class="author">a</span><img class="media" src="/m.jpg"></article>
</body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer server.Close()

	cfg := boardConfig()
	cfg.LatestPage = types.Selector{Query: "#last"}
	a := newBoardAdapter(t, server.URL, cfg)

	info, err := a.LatestPage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.LatestPage != 42 {
		t.Errorf("latest page = %d, want 42 from the explicit selector", info.LatestPage)
	}
}

func TestHTMLMultiImageExpansion(t *testing.T) {
	page := `<html><body>
<article class="post">
  <a class="pid" href="/post/55">gallery</a>
  <time>2 hours ago</time>
  <span class="author">carol</span>
  <img class="media" src="/g/1.jpg">
  <div class="gallery">
    <img class="shot" src="/g/1.jpg">
    <img class="shot" src="/g/2.jpg">
    <img class="shot" src="/g/1.jpg">
  </div>
</article>
</body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer server.Close()

	cfg := boardConfig()
	cfg.Images = types.Selector{Query: "img.shot", Attr: "src"}
	a := newBoardAdapter(t, server.URL, cfg)

	result, err := a.ScanPage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d, want 2 (duplicate url dropped)", len(result.Items))
	}
	seen := map[string]bool{}
	for _, item := range result.Items {
		seen[item.ExternalID] = true
	}
	if !seen["/post/55-img-0"] || !seen["/post/55-img-1"] {
		t.Errorf("missing synthetic ids, got %v", seen)
	}
}

func TestHTMLValidate(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>nothing here</p></body></html>")
	}))
	defer empty.Close()

	a := newBoardAdapter(t, empty.URL, boardConfig())
	if err := a.Validate(context.Background()); err == nil {
		t.Error("validate should fail when the container matches nothing")
	}
}

func TestHTMLXPathSelector(t *testing.T) {
	page := `<html><body>
<article class="post">
  <a class="pid" href="/post/9">x</a>
  <time>1 hour ago</time>
  <span class="author">dave</span>
  <img class="media" src="/m.gif">
</article>
</body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer server.Close()

	cfg := boardConfig()
	cfg.Author = types.Selector{Query: `.//span[@class="author"]`, Type: "xpath"}
	a := newBoardAdapter(t, server.URL, cfg)

	result, err := a.ScanPage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Items) != 1 || result.Items[0].Author != "dave" {
		t.Fatalf("xpath author extraction failed: %+v", result.Items)
	}
}
