// Package adapter holds the source-specific fetch plugins. Every
// adapter presents its feed as a dense page range [1, latest]; the
// scanner walks that range downward and never needs to know how the
// source actually paginates.
package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/feedweir/feedweir/internal/fetch"
	"github.com/feedweir/feedweir/internal/types"
)

// PageInfo describes where a fresh scan should begin.
type PageInfo struct {
	LatestPage int
	TotalPages int // 0 when unknown
	TotalItems int // 0 when unknown
}

// PageResult is one fetched page. Items are ordered newest to oldest.
type PageResult struct {
	Items      []*types.ScrapedItem
	Page       int
	HasMore    bool
	TotalItems int
}

// Adapter is the capability set every source plugin implements.
type Adapter interface {
	// Name identifies the adapter for logs and run records.
	Name() string

	// Validate probes the source minimally, confirming it is
	// reachable and parseable with the stored configuration.
	Validate(ctx context.Context) error

	// LatestPage returns the page number a fresh scan starts from.
	LatestPage(ctx context.Context) (PageInfo, error)

	// ScanPage fetches one page of items, newest first.
	ScanPage(ctx context.Context, page int) (PageResult, error)
}

// New resolves an adapter from the source kind. Unknown kinds fail
// here, at source-load time, not when a job starts.
func New(source *types.Source, thread *types.Thread, client *fetch.Client, logger *slog.Logger) (Adapter, error) {
	switch source.Kind {
	case types.KindGenericHTML:
		return NewHTML(source, thread, client, logger)
	case types.KindReddit:
		return NewReddit(source, thread, client, logger), nil
	case types.KindRedGifs:
		return NewRedGifs(source, thread, client, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownAdapter, source.Kind)
	}
}
