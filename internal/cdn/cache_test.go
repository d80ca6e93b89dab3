package cdn

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/observability"
)

func testCache(t *testing.T) (*Cache, *observability.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(logger)

	c, err := New(context.Background(), config.CDNConfig{
		AccountID:       "acct",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Bucket:          "media",
		PublicURL:       "https://cdn.test",
		MaxBytes:        1024,
		Timeout:         2 * time.Second,
	}, config.FetchConfig{
		UserAgent:    "feedweir-test",
		Timeout:      2 * time.Second,
		MaxBodySize:  1024,
		MaxRedirects: 2,
		AllowedHosts: []string{"media.test"},
	}, metrics, logger)
	if err != nil {
		t.Fatalf("build sink: %v", err)
	}
	return c, metrics
}

func TestCacheSkipsHostsOutsideAllowlist(t *testing.T) {
	c, metrics := testCache(t)

	// A URL outside the allowlist is skipped silently, not counted as
	// an upload or a failure.
	got, err := c.cacheVariant(context.Background(), 1, "original", "https://elsewhere.example/a.jpg")
	if err != nil {
		t.Fatalf("cacheVariant: %v", err)
	}
	if got != "" {
		t.Errorf("skipped variant returned url %q", got)
	}
	if n := metrics.CDNUploads.Load(); n != 0 {
		t.Errorf("uploads = %d, want 0", n)
	}
	if n := metrics.CDNFailures.Load(); n != 0 {
		t.Errorf("failures = %d, want 0", n)
	}
}

func TestCacheCountsDownloadFailures(t *testing.T) {
	c, metrics := testCache(t)

	// media.test passes the allowlist but does not resolve, so the
	// download fails before anything reaches the bucket.
	_, err := c.cacheVariant(context.Background(), 1, "original", "https://media.test/a.jpg")
	if err == nil {
		t.Fatal("expected a download error")
	}
	if n := metrics.CDNFailures.Load(); n != 1 {
		t.Errorf("failures = %d, want 1", n)
	}
	if n := metrics.CDNUploads.Load(); n != 0 {
		t.Errorf("uploads = %d, want 0", n)
	}
	if n := metrics.BytesMirrored.Load(); n != 0 {
		t.Errorf("bytes mirrored = %d, want 0", n)
	}
}
