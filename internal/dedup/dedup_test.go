package dedup

import (
	"testing"
	"time"

	"github.com/feedweir/feedweir/internal/types"
)

func item(mediaURL, author string, posted time.Time, w, h int) *types.ScrapedItem {
	return &types.ScrapedItem{
		MediaURL: mediaURL,
		Author:   author,
		PostedAt: posted,
		Width:    w,
		Height:   h,
	}
}

func TestFingerprintStability(t *testing.T) {
	base := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	a := Fingerprint(item("https://cdn.example.com/a/b.jpg?sig=1", "Alice", base, 800, 600))
	b := Fingerprint(item("https://cdn.example.com/a/b.jpg?sig=2", "  alice ", base.Add(20*time.Minute), 800, 600))

	if a != b {
		t.Errorf("fingerprints differ for equivalent inputs:\n%s\n%s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}
	for _, c := range a {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("fingerprint contains non-hex char %q", c)
		}
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	ref := Fingerprint(item("https://cdn.example.com/a/b.jpg", "alice", base, 800, 600))

	cases := map[string]*types.ScrapedItem{
		"different path":   item("https://cdn.example.com/a/c.jpg", "alice", base, 800, 600),
		"different author": item("https://cdn.example.com/a/b.jpg", "bob", base, 800, 600),
		"different hour":   item("https://cdn.example.com/a/b.jpg", "alice", base.Add(time.Hour), 800, 600),
		"different dims":   item("https://cdn.example.com/a/b.jpg", "alice", base, 801, 600),
	}
	for name, it := range cases {
		if Fingerprint(it) == ref {
			t.Errorf("%s: fingerprint unchanged", name)
		}
	}
}

func TestFingerprintOmitsUnknownDims(t *testing.T) {
	base := time.Now()
	withZeroW := Fingerprint(item("https://x.test/p.jpg", "a", base, 0, 600))
	withNone := Fingerprint(item("https://x.test/p.jpg", "a", base, 0, 0))
	if withZeroW != withNone {
		t.Error("partial dimensions should be omitted from the tuple")
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"http://example.com/post/", "https://example.com/post"},
		{"https://example.com/post?utm_source=x&id=5", "https://example.com/post?id=5"},
		{"https://example.com/post?fbclid=abc", "https://example.com/post"},
		{"https://example.com/", "https://example.com/"},
	}
	for _, c := range cases {
		if got := NormalizeURL(c.in); got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestInferMediaType(t *testing.T) {
	cases := []struct {
		url         string
		contentType string
		want        types.MediaType
	}{
		{"https://x.test/a.GIF?x=1", "", types.MediaGIF},
		{"https://x.test/v.mp4#t=5", "", types.MediaVideo},
		{"https://i.redd.it/abc", "", types.MediaImage},
		{"https://x.test/photo.jpeg", "", types.MediaImage},
		{"https://x.test/clip.webm", "", types.MediaVideo},
		{"https://x.test/blob", "image/png", types.MediaImage},
		{"https://x.test/blob", "video/mp4", types.MediaVideo},
		{"https://x.test/blob", "image/gif", types.MediaGIF},
		{"https://x.test/whatever", "", types.MediaUnknown},
	}
	for _, c := range cases {
		if got := InferMediaType(c.url, c.contentType); got != c.want {
			t.Errorf("InferMediaType(%q, %q) = %q, want %q", c.url, c.contentType, got, c.want)
		}
	}
}

func TestValidDuration(t *testing.T) {
	ms := func(v int64) *int64 { return &v }
	cases := []struct {
		d     *int64
		valid bool
	}{
		{nil, true},
		{ms(0), false},
		{ms(-1), false},
		{ms(30000), true},
		{ms(30001), false},
	}
	for _, c := range cases {
		if got := ValidDuration(c.d, 30000); got != c.valid {
			t.Errorf("ValidDuration(%v, 30000) = %v, want %v", c.d, got, c.valid)
		}
	}
}
