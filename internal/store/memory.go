package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feedweir/feedweir/internal/types"
)

// MemoryStore is an in-process Store used by tests and by the validate
// command when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	sources     map[int64]types.Source
	threads     map[int64]types.Thread
	checkpoints map[int64]types.Checkpoint
	blocked     map[string]struct{} // "<threadID>/<externalID>"
	items       map[string]*types.MediaItem
	assets      map[int64][]types.MediaAsset
	runs        map[string]*types.IngestRun
	nextItemID  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:     make(map[int64]types.Source),
		threads:     make(map[int64]types.Thread),
		checkpoints: make(map[int64]types.Checkpoint),
		blocked:     make(map[string]struct{}),
		items:       make(map[string]*types.MediaItem),
		assets:      make(map[int64][]types.MediaAsset),
		runs:        make(map[string]*types.IngestRun),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

// AddSource registers a source (test setup).
func (s *MemoryStore) AddSource(src types.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
}

// AddThread registers a thread (test setup).
func (s *MemoryStore) AddThread(th types.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[th.ID] = th
}

// Block tombstones (threadID, externalID) (test setup).
func (s *MemoryStore) Block(threadID int64, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[blockKey(threadID, externalID)] = struct{}{}
}

func (s *MemoryStore) GetSource(ctx context.Context, id int64) (*types.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &src, nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id int64) (*types.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &th, nil
}

func (s *MemoryStore) ListEnabledThreads(ctx context.Context) ([]EnabledThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EnabledThread
	for _, th := range s.threads {
		if !th.Enabled || th.Deleted {
			continue
		}
		src, ok := s.sources[th.SourceID]
		if !ok || !src.Enabled {
			continue
		}
		out = append(out, EnabledThread{Thread: th, Source: src})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Thread.Priority != out[j].Thread.Priority {
			return out[i].Thread.Priority > out[j].Thread.Priority
		}
		return out[i].Thread.ID < out[j].Thread.ID
	})
	return out, nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, threadID int64) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, nil
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ThreadID] = *cp.Clone()
	return nil
}

func (s *MemoryStore) IsBlocked(ctx context.Context, threadID int64, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocked[blockKey(threadID, externalID)]
	return ok, nil
}

func (s *MemoryStore) InsertMediaItem(ctx context.Context, item *types.MediaItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := blockKey(item.ThreadID, item.ExternalItemID)
	if existing, ok := s.items[key]; ok {
		item.ID = existing.ID
		return false, nil
	}
	// The fingerprint is the secondary uniqueness key.
	for _, existing := range s.items {
		if existing.ThreadID == item.ThreadID && existing.Fingerprint == item.Fingerprint {
			item.ID = existing.ID
			return false, nil
		}
	}

	s.nextItemID++
	item.ID = s.nextItemID
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	stored := *item
	s.items[key] = &stored
	return true, nil
}

func (s *MemoryStore) InsertAssets(ctx context.Context, mediaItemID int64, assets []types.MediaAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.assets[mediaItemID]
	seen := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		seen[a.URL] = struct{}{}
	}
	for _, a := range assets {
		if _, dup := seen[a.URL]; dup {
			continue
		}
		a.MediaItemID = mediaItemID
		existing = append(existing, a)
		seen[a.URL] = struct{}{}
	}
	s.assets[mediaItemID] = existing
	return nil
}

func (s *MemoryStore) MergeCDNURLs(ctx context.Context, mediaItemID int64, cdnOriginal, cdnThumbnail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ID == mediaItemID {
			if cdnOriginal != "" {
				item.MediaURLs.CDNOriginal = cdnOriginal
			}
			if cdnThumbnail != "" {
				item.MediaURLs.CDNThumbnail = cdnThumbnail
			}
			return nil
		}
	}
	return types.ErrNotFound
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.IngestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, run *types.IngestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

// Items returns all persisted media items (test inspection).
func (s *MemoryStore) Items() []*types.MediaItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.MediaItem, 0, len(s.items))
	for _, item := range s.items {
		copied := *item
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assets returns the assets of a media item (test inspection).
func (s *MemoryStore) Assets(mediaItemID int64) []types.MediaAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.MediaAsset(nil), s.assets[mediaItemID]...)
}

// Runs returns all recorded ingest runs (test inspection).
func (s *MemoryStore) Runs() []*types.IngestRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.IngestRun, 0, len(s.runs))
	for _, r := range s.runs {
		copied := *r
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func blockKey(threadID int64, externalID string) string {
	return fmt.Sprintf("%d/%s", threadID, externalID)
}
