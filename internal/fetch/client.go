// Package fetch provides the shared outbound HTTP client used by every
// adapter and by the CDN pre-cache downloader.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/types"
)

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	FinalURL    string
	ContentType string
	Duration    time.Duration
}

// Client wraps net/http with the engine's outbound policy: a fixed
// User-Agent, per-request header merging, bounded bodies, content
// decompression, and redirects followed manually so each hop can be
// re-validated by the caller.
type Client struct {
	http         *http.Client
	userAgent    string
	maxBodySize  int64
	maxRedirects int
	logger       *slog.Logger
}

// NewClient creates a Client from fetch config.
func NewClient(cfg config.FetchConfig, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // decompression handled below, including brotli
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			// Redirects are followed by Get so each hop can be checked.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:    cfg.UserAgent,
		maxBodySize:  cfg.MaxBodySize,
		maxRedirects: cfg.MaxRedirects,
		logger:       logger.With("component", "fetch"),
	}
}

// HopCheck validates each redirect hop's URL. A nil check allows all.
type HopCheck func(rawURL string) error

// Get fetches rawURL with the engine's headers merged under headers.
// Redirect hops are validated with check before being followed.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string, check HopCheck) (*Response, error) {
	current := rawURL
	for hop := 0; ; hop++ {
		if check != nil {
			if err := check(current); err != nil {
				return nil, &types.FetchError{URL: current, Err: err, Retryable: false}
			}
		}

		resp, err := c.do(ctx, current, headers)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			if loc == "" {
				return nil, &types.FetchError{
					URL:        current,
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("redirect without Location"),
					Retryable:  false,
				}
			}
			if hop+1 > c.maxRedirects {
				return nil, &types.FetchError{
					URL:       current,
					Err:       fmt.Errorf("max redirects (%d) reached", c.maxRedirects),
					Retryable: false,
				}
			}
			next, err := resolveLocation(current, loc)
			if err != nil {
				return nil, &types.FetchError{URL: current, Err: err, Retryable: false}
			}
			current = next
			continue
		}

		return resp, nil
	}
}

// do performs a single request without following redirects.
func (c *Client) do(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Err: err, Retryable: false}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Err: err, Retryable: true}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 512))
		return nil, &types.FetchError{
			URL:        rawURL,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("rate limited"),
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	}

	if httpResp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, &types.FetchError{
			URL:        rawURL,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body))),
			Retryable:  true,
		}
	}

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, &types.FetchError{
			URL:        rawURL,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body))),
			Retryable:  false,
		}
	}

	var reader io.Reader = httpResp.Body
	if c.maxBodySize > 0 {
		reader = io.LimitReader(reader, c.maxBodySize)
	}
	reader, err = decompress(httpResp.Header.Get("Content-Encoding"), reader)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Err: err, Retryable: false}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Err: err, Retryable: true}
	}

	return &Response{
		StatusCode:  httpResp.StatusCode,
		Header:      httpResp.Header,
		Body:        body,
		FinalURL:    rawURL,
		ContentType: httpResp.Header.Get("Content-Type"),
		Duration:    duration,
	}, nil
}

// GetJSON fetches rawURL and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	resp, err := c.Get(ctx, rawURL, headers, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &types.FetchError{URL: rawURL, Err: fmt.Errorf("decode json: %w", err), Retryable: false}
	}
	return nil
}

// decompress wraps reader according to the Content-Encoding header.
func decompress(encoding string, reader io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return reader, nil
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// parseRetryAfter reads a Retry-After header value in seconds or
// HTTP-date form.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func resolveLocation(base, loc string) (string, error) {
	baseReq, err := http.NewRequest(http.MethodGet, base, nil)
	if err != nil {
		return "", err
	}
	ref, err := baseReq.URL.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("invalid redirect location %q: %w", loc, err)
	}
	return ref.String(), nil
}
