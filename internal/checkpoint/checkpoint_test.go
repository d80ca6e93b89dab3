package checkpoint

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/feedweir/feedweir/internal/store"
	"github.com/feedweir/feedweir/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompareFreshCheckpoint(t *testing.T) {
	item := &types.ScrapedItem{ExternalID: "a", PostedAt: time.Now()}
	if got := Compare(item, nil); got.Status != StatusNew {
		t.Errorf("nil checkpoint: %v, want new", got.Status)
	}
	if got := Compare(item, &types.Checkpoint{}); got.Status != StatusNew {
		t.Errorf("fresh checkpoint: %v, want new", got.Status)
	}
}

func TestCompareMatches(t *testing.T) {
	now := time.Now()
	cp := &types.Checkpoint{
		LastSeenItemID:      "b",
		LastSeenFingerprint: "fp-b",
		LastSeenTimestamp:   now.Add(-time.Hour),
	}

	byID := Compare(&types.ScrapedItem{ExternalID: "b", PostedAt: now}, cp)
	if byID.Status != StatusSeen || byID.MatchedBy != "id" {
		t.Errorf("id match: %+v", byID)
	}

	byFP := Compare(&types.ScrapedItem{ExternalID: "c", Fingerprint: "fp-b", PostedAt: now}, cp)
	if byFP.Status != StatusSeen || byFP.MatchedBy != "fingerprint" {
		t.Errorf("fingerprint match: %+v", byFP)
	}

	newer := Compare(&types.ScrapedItem{ExternalID: "d", PostedAt: now}, cp)
	if newer.Status != StatusNew {
		t.Errorf("newer item: %v, want new", newer.Status)
	}

	older := Compare(&types.ScrapedItem{ExternalID: "e", PostedAt: now.Add(-2 * time.Hour)}, cp)
	if older.Status != StatusOlder {
		t.Errorf("older item: %v, want older", older.Status)
	}
}

func TestCompareClockSkew(t *testing.T) {
	base := time.Now()
	cp := &types.Checkpoint{LastSeenItemID: "x", LastSeenTimestamp: base}

	// Inside the 60s band an item is still new; the deduplicator is the
	// backstop for anything already stored.
	within := Compare(&types.ScrapedItem{ExternalID: "y", PostedAt: base.Add(-30 * time.Second)}, cp)
	if within.Status != StatusNew {
		t.Errorf("item inside skew band: %v, want new", within.Status)
	}

	beyond := Compare(&types.ScrapedItem{ExternalID: "z", PostedAt: base.Add(-90 * time.Second)}, cp)
	if beyond.Status != StatusOlder {
		t.Errorf("item beyond skew band: %v, want older", beyond.Status)
	}
}

func TestManagerSuccessLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := NewManager(st, 5, time.Hour, testLogger())

	cp, err := m.GetOrCreate(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Fresh() {
		t.Fatal("new checkpoint should be fresh")
	}

	cp.ConsecutiveFailures = 2
	cp.CatchUp = &types.CatchUpCursor{CurrentPage: 4, Reason: types.CatchUpPageCap}

	newest := &types.ScrapedItem{
		ExternalID:  "n1",
		Fingerprint: "fp-n1",
		PostedAt:    time.Now().Add(-time.Minute),
	}
	if err := m.UpdateSuccess(ctx, cp, newest, 9); err != nil {
		t.Fatal(err)
	}

	saved, err := m.Load(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if saved.LastSeenItemID != "n1" || saved.LastSeenFingerprint != "fp-n1" {
		t.Errorf("cursor not advanced: %+v", saved)
	}
	if saved.CatchUp != nil {
		t.Error("catch-up cursor must be cleared on success")
	}
	if saved.ConsecutiveFailures != 0 {
		t.Error("failures must reset on success")
	}
	if saved.LastSuccessAt.IsZero() {
		t.Error("last_success_at not stamped")
	}
}

func TestManagerCatchUpPreservesStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := NewManager(st, 5, time.Hour, testLogger())

	cp, _ := m.GetOrCreate(ctx, 1)
	if err := m.SaveCatchUp(ctx, cp, 7, 10, types.CatchUpTimeout); err != nil {
		t.Fatal(err)
	}
	firstStart := cp.CatchUp.StartedAt

	time.Sleep(5 * time.Millisecond)
	if err := m.SaveCatchUp(ctx, cp, 5, 25, types.CatchUpPageCap); err != nil {
		t.Fatal(err)
	}

	if !cp.CatchUp.StartedAt.Equal(firstStart) {
		t.Error("started_at should survive successive partial runs")
	}
	if cp.CatchUp.CurrentPage != 5 || cp.CatchUp.ItemsIngested != 25 {
		t.Errorf("cursor = %+v", cp.CatchUp)
	}
	if got := StartingPage(cp); got != 5 {
		t.Errorf("StartingPage = %d, want 5", got)
	}
}

func TestStartingPageDefaults(t *testing.T) {
	if got := StartingPage(nil); got != 0 {
		t.Errorf("nil checkpoint: %d, want 0", got)
	}
	if got := StartingPage(&types.Checkpoint{LastSeenItemID: "x"}); got != 0 {
		t.Errorf("no catch-up: %d, want 0 (fetch latest)", got)
	}
}

func TestFailureParking(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := NewManager(st, 3, 50*time.Millisecond, testLogger())

	cp, _ := m.GetOrCreate(ctx, 1)
	for i := 1; i <= 3; i++ {
		n, err := m.UpdateFailure(ctx, cp)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Errorf("failure count = %d, want %d", n, i)
		}
	}

	if !m.ShouldSkip(cp) {
		t.Fatal("thread at the failure cap should be parked")
	}
	if m.CooldownElapsed(cp) {
		t.Fatal("cooldown should not have elapsed yet")
	}

	time.Sleep(60 * time.Millisecond)
	if m.ShouldSkip(cp) {
		t.Error("cooldown elapsed, thread should unpark")
	}
	if !m.CooldownElapsed(cp) {
		t.Error("cooldown should read as elapsed")
	}

	if err := m.ResetFailures(ctx, cp); err != nil {
		t.Fatal(err)
	}
	if cp.ConsecutiveFailures != 0 {
		t.Error("failures not reset")
	}
}
