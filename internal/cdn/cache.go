// Package cdn mirrors ingested media into a Cloudflare R2 bucket so the
// read side can serve from the CDN instead of hammering origin hosts.
package cdn

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/observability"
)

// Cache downloads media through the outbound allowlist and uploads it
// to R2 under media/<item_id>/<variant>.<ext>.
type Cache struct {
	s3        *s3.Client
	client    *fetch.Client
	allow     *fetch.Allowlist
	bucket    string
	publicURL string
	timeout   time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New builds the sink. The download client gets its own body and
// timeout limits; media files run far larger than scrape pages.
// metrics may be nil.
func New(ctx context.Context, cfg config.CDNConfig, fetchCfg config.FetchConfig, metrics *observability.Metrics, logger *slog.Logger) (*Cache, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("cdn sink is not configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	downloadCfg := fetchCfg
	downloadCfg.MaxBodySize = cfg.MaxBytes
	downloadCfg.Timeout = cfg.Timeout

	return &Cache{
		s3:        s3Client,
		client:    fetch.NewClient(downloadCfg, logger),
		allow:     fetch.NewAllowlist(fetchCfg.AllowedHosts),
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		timeout:   cfg.Timeout,
		metrics:   metrics,
		logger:    logger.With("component", "cdn"),
	}, nil
}

// Cache mirrors the original and thumbnail URLs. Each variant fails
// independently; the returned URLs are empty for variants that were
// skipped or failed.
func (c *Cache) Cache(ctx context.Context, itemID int64, originalURL, thumbnailURL string) (string, string, error) {
	var firstErr error

	cdnOriginal, err := c.cacheVariant(ctx, itemID, "original", originalURL)
	if err != nil {
		firstErr = err
	}
	cdnThumbnail, err := c.cacheVariant(ctx, itemID, "thumbnail", thumbnailURL)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return cdnOriginal, cdnThumbnail, firstErr
}

func (c *Cache) cacheVariant(ctx context.Context, itemID int64, variant, rawURL string) (string, error) {
	if rawURL == "" {
		return "", nil
	}
	if err := c.allow.CheckURL(rawURL); err != nil {
		c.logger.Debug("url outside allowlist, not mirrored", "variant", variant, "url", rawURL)
		return "", nil
	}

	dlCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Each redirect hop is re-validated against the allowlist.
	resp, err := c.client.Get(dlCtx, rawURL, nil, c.allow.CheckURL)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CDNFailures.Add(1)
		}
		return "", fmt.Errorf("download %s: %w", variant, err)
	}

	contentType := fixContentType(rawURL, resp.ContentType)
	key := objectKey(itemID, variant, rawURL, contentType)

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(resp.Body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.CDNFailures.Add(1)
		}
		return "", fmt.Errorf("upload %s: %w", variant, err)
	}

	if c.metrics != nil {
		c.metrics.CDNUploads.Add(1)
		c.metrics.BytesMirrored.Add(int64(len(resp.Body)))
	}
	c.logger.Debug("mirrored media", "key", key, "bytes", len(resp.Body))
	return c.publicURL + "/" + key, nil
}

// fixContentType corrects servers that label video files as images,
// which breaks browser playback when served from the CDN verbatim.
func fixContentType(rawURL, contentType string) string {
	ext := strings.ToLower(path.Ext(urlPath(rawURL)))
	if strings.HasPrefix(contentType, "image/") {
		switch ext {
		case ".mp4":
			return "video/mp4"
		case ".webm":
			return "video/webm"
		}
	}
	if contentType == "" {
		return "application/octet-stream"
	}
	// Strip any charset suffix.
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType
}

func objectKey(itemID int64, variant, rawURL, contentType string) string {
	ext := strings.ToLower(path.Ext(urlPath(rawURL)))
	if ext == "" {
		ext = extensionFor(contentType)
	}
	return fmt.Sprintf("media/%d/%s%s", itemID, variant, ext)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
