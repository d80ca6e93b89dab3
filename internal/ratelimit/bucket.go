// Package ratelimit implements the per-source token bucket that paces
// outbound fetches.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/feedweir/feedweir/internal/types"
)

// Bucket is a token bucket: it accumulates refillRate tokens per second
// up to size, and each fetch consumes one token. A bucket built with a
// crawl delay bypasses tokens entirely and sleeps a fixed interval
// between fetches instead.
type Bucket struct {
	mu         sync.Mutex
	size       float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	crawlDelay time.Duration
	lastFetch  time.Time
}

// New builds a bucket from a source's rate-limit spec. When only
// requests-per-minute is supplied, the refill rate is rpm/60 and the
// burst is max(ceil(rate*10), supplied burst). An explicit refill rate
// keeps the configured bucket size untouched: inflating it would let a
// source burst past its configured budget.
func New(spec types.RateLimitSpec) *Bucket {
	if spec.CrawlDelayMS > 0 {
		return &Bucket{crawlDelay: time.Duration(spec.CrawlDelayMS) * time.Millisecond}
	}

	rate := spec.RefillRate
	if rate <= 0 && spec.RequestsPerMinute > 0 {
		rate = spec.RequestsPerMinute / 60
	}
	if rate <= 0 {
		rate = 1 // one request per second when nothing is configured
	}

	size := float64(spec.BucketSize)
	if spec.RefillRate <= 0 {
		if derived := math.Ceil(rate * 10); derived > size {
			size = derived
		}
	}
	if size < 1 {
		size = 1
	}

	return &Bucket{
		size:       size,
		tokens:     size, // start full
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// refillLocked tops up tokens from wall-clock elapsed time. Tokens are
// clamped to [0, size].
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.size, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// TryAcquire consumes one token if available.
func (b *Bucket) TryAcquire() bool {
	if b.crawlDelay > 0 {
		return b.tryCrawlDelay()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *Bucket) tryCrawlDelay() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if now.Sub(b.lastFetch) < b.crawlDelay {
		return false
	}
	b.lastFetch = now
	return true
}

// Acquire blocks until a token is consumed or the context ends. Between
// attempts it sleeps the time one token takes to accrue.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		if b.TryAcquire() {
			return nil
		}

		wait := b.waitTime()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitTime estimates how long until the next token is available.
func (b *Bucket) waitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.crawlDelay > 0 {
		remaining := b.crawlDelay - time.Since(b.lastFetch)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		return remaining
	}

	b.refillLocked(time.Now())
	deficit := 1 - b.tokens
	if deficit <= 0 {
		return time.Millisecond
	}
	ms := math.Ceil(deficit / b.refillRate * 1000)
	return time.Duration(ms) * time.Millisecond
}

// Execute acquires a token, then runs fn.
func (b *Bucket) Execute(ctx context.Context, fn func() error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	return fn()
}

// Snapshot reports the current bucket state for the admin surface.
func (b *Bucket) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.crawlDelay > 0 {
		return map[string]any{
			"mode":       "crawl_delay",
			"delay_ms":   b.crawlDelay.Milliseconds(),
			"last_fetch": b.lastFetch,
		}
	}
	b.refillLocked(time.Now())
	return map[string]any{
		"mode":        "token_bucket",
		"tokens":      b.tokens,
		"bucket_size": b.size,
		"refill_rate": b.refillRate,
	}
}

// Registry holds one bucket per source id. Buckets are shared by every
// thread of a source and by all workers.
type Registry struct {
	mu      sync.RWMutex
	buckets map[int64]*Bucket
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[int64]*Bucket)}
}

// For returns the bucket for a source, building it from spec on first use.
func (r *Registry) For(sourceID int64, spec types.RateLimitSpec) *Bucket {
	r.mu.RLock()
	b, ok := r.buckets[sourceID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[sourceID]; ok {
		return b
	}
	b = New(spec)
	r.buckets[sourceID] = b
	return b
}

// Snapshot reports the state of every bucket keyed by source id.
func (r *Registry) Snapshot() map[int64]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]map[string]any, len(r.buckets))
	for id, b := range r.buckets {
		out[id] = b.Snapshot()
	}
	return out
}
