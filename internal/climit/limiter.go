// Package climit bounds the number of in-flight source fetches
// process-wide, regardless of which source they target.
package climit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter is a FIFO semaphore of fixed capacity. Callers beyond the
// cap park until a slot is released.
type Limiter struct {
	sem    *semaphore.Weighted
	cap    int64
	active atomic.Int64
}

// New creates a Limiter with the given capacity.
func New(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = 10
	}
	return &Limiter{
		sem: semaphore.NewWeighted(int64(capacity)),
		cap: int64(capacity),
	}
}

// Acquire takes one slot, blocking until one is free or ctx ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.active.Add(1)
	return nil
}

// Release frees one slot, waking the longest-waiting caller.
func (l *Limiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// Execute wraps fn with acquire/release, releasing on every exit path.
func (l *Limiter) Execute(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Active returns the number of slots currently held.
func (l *Limiter) Active() int64 { return l.active.Load() }

// Capacity returns the limiter's capacity.
func (l *Limiter) Capacity() int64 { return l.cap }
