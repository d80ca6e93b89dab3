package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/feedweir/feedweir/internal/adapter"
	"github.com/feedweir/feedweir/internal/breaker"
	"github.com/feedweir/feedweir/internal/checkpoint"
	"github.com/feedweir/feedweir/internal/climit"
	"github.com/feedweir/feedweir/internal/config"
	"github.com/feedweir/feedweir/internal/persist"
	"github.com/feedweir/feedweir/internal/ratelimit"
	"github.com/feedweir/feedweir/internal/store"
	"github.com/feedweir/feedweir/internal/types"
)

// fakeAdapter serves pages from a map and counts fetches so tests can
// tell whether the breaker let a call through.
type fakeAdapter struct {
	latest  int
	pages   map[int][]*types.ScrapedItem
	err     error
	fetches int
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Validate(ctx context.Context) error { return nil }

func (f *fakeAdapter) LatestPage(ctx context.Context) (adapter.PageInfo, error) {
	f.fetches++
	if f.err != nil {
		return adapter.PageInfo{}, f.err
	}
	return adapter.PageInfo{LatestPage: f.latest}, nil
}

func (f *fakeAdapter) ScanPage(ctx context.Context, page int) (adapter.PageResult, error) {
	f.fetches++
	if f.err != nil {
		return adapter.PageResult{}, f.err
	}
	items := make([]*types.ScrapedItem, len(f.pages[page]))
	for i, item := range f.pages[page] {
		copied := *item
		items[i] = &copied
	}
	return adapter.PageResult{Items: items, Page: page}, nil
}

type harness struct {
	store    *store.MemoryStore
	scanner  *Scanner
	breakers *breaker.Registry
	src      *types.Source
	th       *types.Thread
}

func newHarness(t *testing.T, cfg config.IngestConfig, brkCfg breaker.Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if cfg.MaxPagesPerRun == 0 {
		cfg.MaxPagesPerRun = 10
	}
	if cfg.MaxItemsPerRun == 0 {
		cfg.MaxItemsPerRun = 100
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = 10 * time.Minute
	}

	st := store.NewMemoryStore()
	breakers := breaker.NewRegistry(brkCfg)
	sc := New(
		st,
		checkpoint.NewManager(st, 5, time.Hour, logger),
		persist.NewCommitter(st, nil, 30*time.Second, logger),
		ratelimit.NewRegistry(),
		breakers,
		climit.New(4),
		cfg,
		logger,
	)
	return &harness{
		store:    st,
		scanner:  sc,
		breakers: breakers,
		src:      &types.Source{ID: 1, Kind: types.KindGenericHTML, Enabled: true, RateLimit: types.RateLimitSpec{RefillRate: 1000, BucketSize: 1000}},
		th:       &types.Thread{ID: 7, SourceID: 1, Enabled: true},
	}
}

func feedItem(id string, ago time.Duration) *types.ScrapedItem {
	return &types.ScrapedItem{
		ExternalID: id,
		Permalink:  "https://board.test/post/" + id,
		Author:     "poster",
		PostedAt:   time.Now().Add(-ago),
		MediaType:  types.MediaImage,
		MediaURL:   "https://board.test/media/" + id + ".jpg",
	}
}

func TestFreshThreadCaughtUp(t *testing.T) {
	h := newHarness(t, config.IngestConfig{ScanTimeout: time.Minute}, breaker.DefaultConfig())
	ad := &fakeAdapter{latest: 1, pages: map[int][]*types.ScrapedItem{
		1: {feedItem("A", 80*time.Minute), feedItem("B", 90*time.Minute), feedItem("C", 100*time.Minute)},
	}}

	result, err := h.scanner.Run(context.Background(), h.src, h.th, ad)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != types.RunCaughtUp {
		t.Errorf("status = %s, want caught_up", result.Status)
	}
	if result.Counters.ItemsNew != 3 || result.Counters.ItemsSeen != 3 {
		t.Errorf("counters = %+v", result.Counters)
	}

	cp, _ := h.store.GetCheckpoint(context.Background(), h.th.ID)
	if cp.LastSeenItemID != "A" {
		t.Errorf("checkpoint = %q, want the newest item A", cp.LastSeenItemID)
	}
	if n := len(h.store.Items()); n != 3 {
		t.Errorf("stored = %d, want 3", n)
	}
}

func TestIncrementalStopsAtCheckpoint(t *testing.T) {
	h := newHarness(t, config.IngestConfig{ScanTimeout: time.Minute}, breaker.DefaultConfig())
	ctx := context.Background()

	ad := &fakeAdapter{latest: 1, pages: map[int][]*types.ScrapedItem{
		1: {feedItem("B", 90*time.Minute), feedItem("C", 100*time.Minute)},
	}}
	if _, err := h.scanner.Run(ctx, h.src, h.th, ad); err != nil {
		t.Fatal(err)
	}

	// Two new posts have landed above the checkpoint since.
	ad.pages[1] = []*types.ScrapedItem{
		feedItem("D", 10*time.Minute),
		feedItem("A", 20*time.Minute),
		feedItem("B", 90*time.Minute),
		feedItem("C", 100*time.Minute),
	}

	result, err := h.scanner.Run(ctx, h.src, h.th, ad)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != types.RunComplete {
		t.Errorf("status = %s, want complete", result.Status)
	}
	if result.Counters.ItemsNew != 2 {
		t.Errorf("inserted = %d, want 2 (D and A)", result.Counters.ItemsNew)
	}

	cp, _ := h.store.GetCheckpoint(ctx, h.th.ID)
	if cp.LastSeenItemID != "D" {
		t.Errorf("checkpoint = %q, want D", cp.LastSeenItemID)
	}
	if n := len(h.store.Items()); n != 4 {
		t.Errorf("stored = %d, want 4", n)
	}
}

func TestItemCapYieldsPartial(t *testing.T) {
	h := newHarness(t, config.IngestConfig{ScanTimeout: time.Minute, MaxItemsPerRun: 2}, breaker.DefaultConfig())
	ad := &fakeAdapter{latest: 10, pages: map[int][]*types.ScrapedItem{
		10: {
			feedItem("e1", 10*time.Minute),
			feedItem("e2", 20*time.Minute),
			feedItem("e3", 30*time.Minute),
			feedItem("e4", 40*time.Minute),
			feedItem("e5", 50*time.Minute),
		},
	}}

	result, err := h.scanner.Run(context.Background(), h.src, h.th, ad)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != types.RunPartial {
		t.Fatalf("status = %s, want partial", result.Status)
	}
	if result.Counters.ItemsNew != 2 {
		t.Errorf("inserted = %d, want 2", result.Counters.ItemsNew)
	}
	if result.ResumePage != 10 {
		t.Errorf("resume page = %d, want 10", result.ResumePage)
	}

	cp, _ := h.store.GetCheckpoint(context.Background(), h.th.ID)
	if cp.CatchUp == nil || cp.CatchUp.CurrentPage != 10 {
		t.Fatalf("catch-up cursor = %+v", cp.CatchUp)
	}
	if cp.CatchUp.Reason != types.CatchUpPageCap {
		t.Errorf("reason = %s, want page_cap", cp.CatchUp.Reason)
	}
	// The last-seen cursor must not move on a partial run.
	if cp.LastSeenItemID != "" {
		t.Errorf("checkpoint advanced on partial run: %q", cp.LastSeenItemID)
	}
}

func TestZeroTimeoutYieldsPartialAtLatest(t *testing.T) {
	h := newHarness(t, config.IngestConfig{ScanTimeout: 0}, breaker.DefaultConfig())
	ad := &fakeAdapter{latest: 6, pages: map[int][]*types.ScrapedItem{
		6: {feedItem("A", 10*time.Minute)},
	}}

	result, err := h.scanner.Run(context.Background(), h.src, h.th, ad)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != types.RunPartial {
		t.Fatalf("status = %s, want partial", result.Status)
	}
	if result.ResumePage != 6 {
		t.Errorf("resume page = %d, want the latest page", result.ResumePage)
	}
	if result.Counters.ItemsNew != 0 || result.Counters.PagesScanned != 0 {
		t.Errorf("counters = %+v, want nothing committed", result.Counters)
	}

	cp, _ := h.store.GetCheckpoint(context.Background(), h.th.ID)
	if cp.CatchUp == nil || cp.CatchUp.Reason != types.CatchUpTimeout {
		t.Fatalf("catch-up cursor = %+v, want timeout reason", cp.CatchUp)
	}
}

func TestBlocklistedItemStillAdvancesCheckpoint(t *testing.T) {
	h := newHarness(t, config.IngestConfig{ScanTimeout: time.Minute}, breaker.DefaultConfig())
	ctx := context.Background()
	h.store.Block(h.th.ID, "X")

	ad := &fakeAdapter{latest: 1, pages: map[int][]*types.ScrapedItem{
		1: {feedItem("X", 5*time.Minute)},
	}}

	result, err := h.scanner.Run(ctx, h.src, h.th, ad)
	if err != nil {
		t.Fatal(err)
	}
	if result.Counters.ItemsNew != 0 || result.Counters.ItemsDuplicate != 1 {
		t.Errorf("counters = %+v", result.Counters)
	}
	if n := len(h.store.Items()); n != 0 {
		t.Errorf("tombstoned item was stored")
	}

	// The tombstoned item becomes the checkpoint anyway; the next run
	// stops at it instead of rescanning it forever.
	cp, _ := h.store.GetCheckpoint(ctx, h.th.ID)
	if cp.LastSeenItemID != "X" {
		t.Fatalf("checkpoint = %q, want X", cp.LastSeenItemID)
	}

	result, err = h.scanner.Run(ctx, h.src, h.th, ad)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != types.RunComplete || result.Counters.ItemsDuplicate != 0 {
		t.Errorf("second run = %s %+v, want complete with no commits", result.Status, result.Counters)
	}
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	brkCfg := breaker.Config{
		FailureThreshold: 2,
		FailureWindow:    time.Second,
		ResetTimeout:     50 * time.Millisecond,
		SuccessThreshold: 2,
	}
	h := newHarness(t, config.IngestConfig{ScanTimeout: time.Minute}, brkCfg)
	ctx := context.Background()

	ad := &fakeAdapter{latest: 1, err: fmt.Errorf("origin down")}
	for i := 0; i < 2; i++ {
		if _, err := h.scanner.Run(ctx, h.src, h.th, ad); err == nil {
			t.Fatalf("run %d should fail", i)
		}
	}
	if h.breakers.For(h.src.ID).State() != breaker.Open {
		t.Fatal("breaker should be open after the failure threshold")
	}

	// While open the adapter is never called.
	before := ad.fetches
	_, err := h.scanner.Run(ctx, h.src, h.th, ad)
	var open *types.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want CircuitOpenError", err)
	}
	if ad.fetches != before {
		t.Errorf("adapter called %d times while the circuit was open", ad.fetches-before)
	}

	// After the reset timeout the half-open probe succeeds; a clean run
	// makes two guarded calls, which closes the circuit.
	time.Sleep(60 * time.Millisecond)
	ad.err = nil
	ad.pages = map[int][]*types.ScrapedItem{1: {feedItem("A", 10*time.Minute)}}

	result, err := h.scanner.Run(ctx, h.src, h.th, ad)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != types.RunCaughtUp || result.Counters.ItemsNew != 1 {
		t.Errorf("recovery run = %s %+v", result.Status, result.Counters)
	}
	if h.breakers.For(h.src.ID).State() != breaker.Closed {
		t.Error("breaker should close after successful probes")
	}
}

func TestRunRecordsAudit(t *testing.T) {
	h := newHarness(t, config.IngestConfig{ScanTimeout: time.Minute}, breaker.DefaultConfig())
	ad := &fakeAdapter{latest: 1, pages: map[int][]*types.ScrapedItem{
		1: {feedItem("A", 10*time.Minute)},
	}}

	if _, err := h.scanner.Run(context.Background(), h.src, h.th, ad); err != nil {
		t.Fatal(err)
	}

	runs := h.store.Runs()
	if len(runs) != 1 {
		t.Fatalf("runs recorded = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != types.RunCaughtUp || run.FinishedAt.IsZero() {
		t.Errorf("run = %+v", run)
	}
	if run.CheckpointBefore == nil || run.CheckpointAfter == nil {
		t.Error("run should snapshot the checkpoint before and after")
	}
	if run.CheckpointAfter.LastSeenItemID != "A" {
		t.Errorf("checkpoint after = %q", run.CheckpointAfter.LastSeenItemID)
	}
}
