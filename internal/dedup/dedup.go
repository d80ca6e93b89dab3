// Package dedup computes content fingerprints and the normalization
// helpers backing them. The fingerprint is the fallback identity for
// items whose external ids are unstable across fetches.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/feedweir/feedweir/internal/types"
)

// Fingerprint hashes the canonical tuple of a scraped item: URL path,
// lowercased trimmed author, the posting timestamp rounded down to the
// hour, and the dimensions when known. The result is 64 hex chars.
func Fingerprint(item *types.ScrapedItem) string {
	parts := []string{
		urlPath(item.MediaURL),
		strings.ToLower(strings.TrimSpace(item.Author)),
		item.PostedAt.UTC().Truncate(time.Hour).Format(time.RFC3339),
	}
	if item.Width > 0 && item.Height > 0 {
		parts = append(parts, fmt.Sprintf("%dx%d", item.Width, item.Height))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	hexed := hex.EncodeToString(sum[:])
	if len(hexed) > 64 {
		hexed = hexed[:64]
	}
	return hexed
}

// urlPath extracts the path component of a URL; when the input does
// not parse, the query and fragment are stripped off the raw string.
func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil && u.Path != "" {
		return u.Path
	}
	s := rawURL
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

// trackingParams are stripped during client-facing URL normalization.
var trackingParams = []string{"ref", "source", "fbclid", "gclid", "mc_cid", "mc_eid"}

// NormalizeURL canonicalizes a URL for client-facing equality checks:
// https scheme, tracking params removed, no trailing slash on non-root
// paths. Not used for fingerprinting.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = "https"

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if strings.HasPrefix(strings.ToLower(key), "utm_") {
				q.Del(key)
				continue
			}
			for _, p := range trackingParams {
				if strings.EqualFold(key, p) {
					q.Del(key)
					break
				}
			}
		}
		u.RawQuery = q.Encode()
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}

	return u.String()
}

var extensionTypes = map[string]types.MediaType{
	".gif":  types.MediaGIF,
	".mp4":  types.MediaVideo,
	".webm": types.MediaVideo,
	".mov":  types.MediaVideo,
	".jpg":  types.MediaImage,
	".jpeg": types.MediaImage,
	".png":  types.MediaImage,
	".webp": types.MediaImage,
	".avif": types.MediaImage,
}

// InferMediaType classifies a media URL: extension first, then the
// content-type header, then substring matching, else unknown.
func InferMediaType(rawURL, contentType string) types.MediaType {
	path := strings.ToLower(urlPath(rawURL))
	for ext, t := range extensionTypes {
		if strings.HasSuffix(path, ext) {
			return t
		}
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/gif"):
		return types.MediaGIF
	case strings.HasPrefix(ct, "video/"):
		return types.MediaVideo
	case strings.HasPrefix(ct, "image/"):
		return types.MediaImage
	}

	lower := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lower, ".gif"):
		return types.MediaGIF
	case strings.Contains(lower, ".mp4"), strings.Contains(lower, ".webm"), strings.Contains(lower, "video"):
		return types.MediaVideo
	case strings.Contains(lower, "i.redd.it"), strings.Contains(lower, "i.imgur.com"), strings.Contains(lower, "image"):
		return types.MediaImage
	}

	return types.MediaUnknown
}

// ValidDuration reports whether a duration passes the cap. A nil
// duration (not reported by the source) is always valid; a reported
// duration must be positive and at most max milliseconds.
func ValidDuration(durationMS *int64, maxMS int64) bool {
	if durationMS == nil {
		return true
	}
	return *durationMS > 0 && *durationMS <= maxMS
}
