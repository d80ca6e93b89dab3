package climit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterCaps(t *testing.T) {
	l := New(2)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if l.Active() != 2 {
		t.Fatalf("active = %d, want 2", l.Active())
	}

	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(full); err == nil {
		t.Fatal("third acquire should block until timeout")
	}

	l.Release()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestExecuteReleasesOnError(t *testing.T) {
	l := New(1)
	boom := errors.New("boom")

	err := l.Execute(context.Background(), func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if l.Active() != 0 {
		t.Errorf("slot leaked: active = %d", l.Active())
	}

	// The slot must be reusable.
	if err := l.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultCapacity(t *testing.T) {
	if got := New(0).Capacity(); got != 10 {
		t.Errorf("default capacity = %d, want 10", got)
	}
}
