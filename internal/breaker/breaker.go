// Package breaker implements the per-source three-state circuit
// breaker that isolates failing origins from request storms.
package breaker

import (
	"sync"
	"time"

	"github.com/feedweir/feedweir/internal/types"
)

// State is the breaker's current position.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker behavior.
type Config struct {
	FailureThreshold int           // failures within the window before opening
	FailureWindow    time.Duration // sliding window for counted failures
	ResetTimeout     time.Duration // open -> half-open delay
	SuccessThreshold int           // half-open successes before closing
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker tracks failures for one source. All methods are safe under
// parallel workers.
type Breaker struct {
	sourceID int64
	cfg      Config

	mu          sync.Mutex
	state       State
	failures    []time.Time // sliding window, pruned on every touch
	lastFailure time.Time
	successes   int // consecutive successes while half-open
}

// New creates a closed breaker for a source.
func New(sourceID int64, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{sourceID: sourceID, cfg: cfg, state: Closed}
}

// Execute runs fn if the breaker permits it, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// check transitions state and rejects when open.
func (b *Breaker) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		since := time.Since(b.lastFailure)
		if since < b.cfg.ResetTimeout {
			return &types.CircuitOpenError{
				SourceID:   b.sourceID,
				RetryAfter: b.cfg.ResetTimeout - since,
			}
		}
		b.state = HalfOpen
		b.successes = 0
	}
	return nil
}

// Allow reports whether a call would currently be admitted: true in
// CLOSED and HALF_OPEN, and in OPEN only once the reset timeout has
// elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	return time.Since(b.lastFailure) >= b.cfg.ResetTimeout
}

// RetryAfter reports how long until an open breaker admits a probe.
// Zero when the breaker is not open or the timeout has elapsed.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	remaining := b.cfg.ResetTimeout - time.Since(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = b.failures[:0]
			b.successes = 0
		}
	case Closed:
		// A success does not clear the window; only time does.
	}
}

// RecordFailure notes a failed call and opens the breaker when the
// pruned window crosses the threshold. A failure while half-open
// reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now

	if b.state == HalfOpen {
		b.state = Open
		b.successes = 0
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.state = Open
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// State returns the current state, pruning the window first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	return b.state
}

// Snapshot reports breaker state for the admin surface.
func (b *Breaker) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	snap := map[string]any{
		"state":           b.state.String(),
		"recent_failures": len(b.failures),
	}
	if b.state == Open {
		remaining := b.cfg.ResetTimeout - time.Since(b.lastFailure)
		if remaining < 0 {
			remaining = 0
		}
		snap["retry_after_ms"] = remaining.Milliseconds()
	}
	return snap
}

// Registry holds one breaker per source id, shared across all threads
// of that source.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[int64]*Breaker
}

// NewRegistry creates a Registry applying cfg to every new breaker.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{cfg: cfg, breakers: make(map[int64]*Breaker)}
}

// For returns the breaker for a source, creating it on first use.
func (r *Registry) For(sourceID int64) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[sourceID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[sourceID]; ok {
		return b
	}
	b = New(sourceID, r.cfg)
	r.breakers[sourceID] = b
	return b
}

// Snapshot reports every breaker's state keyed by source id.
func (r *Registry) Snapshot() map[int64]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]map[string]any, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
