package types

import (
	"time"
)

// CatchUpReason explains why a scan was truncated.
type CatchUpReason string

const (
	CatchUpPageCap CatchUpReason = "page_cap"
	CatchUpTimeout CatchUpReason = "timeout"
	CatchUpError   CatchUpReason = "error"
)

// CatchUpCursor marks where a truncated scan should resume.
type CatchUpCursor struct {
	CurrentPage   int           `json:"current_page" bson:"current_page"`
	StartedAt     time.Time     `json:"started_at" bson:"started_at"`
	ItemsIngested int           `json:"items_ingested" bson:"items_ingested"`
	Reason        CatchUpReason `json:"reason" bson:"reason"`
}

// Checkpoint is the persistent cursor for one thread. It records the
// newest item seen so an incremental scan can stop as soon as it walks
// back into known territory.
type Checkpoint struct {
	ThreadID            int64          `json:"thread_id" bson:"thread_id"`
	LastSeenItemID      string         `json:"last_seen_item_id,omitempty" bson:"last_seen_item_id,omitempty"`
	LastSeenFingerprint string         `json:"last_seen_fingerprint,omitempty" bson:"last_seen_fingerprint,omitempty"`
	LastSeenTimestamp   time.Time      `json:"last_seen_timestamp,omitzero" bson:"last_seen_timestamp,omitempty"`
	LastSeenPage        int            `json:"last_seen_page,omitempty" bson:"last_seen_page,omitempty"`
	CatchUp             *CatchUpCursor `json:"catch_up_cursor,omitempty" bson:"catch_up_cursor,omitempty"`
	LastRunAt           time.Time      `json:"last_run_at,omitzero" bson:"last_run_at,omitempty"`
	LastSuccessAt       time.Time      `json:"last_success_at,omitzero" bson:"last_success_at,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures" bson:"consecutive_failures"`
}

// Fresh reports whether the checkpoint has never seen an item: every
// scanned item compares as new.
func (c *Checkpoint) Fresh() bool {
	return c.LastSeenItemID == "" && c.LastSeenFingerprint == "" && c.LastSeenTimestamp.IsZero()
}

// Clone returns a copy safe to snapshot into a run record.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	if c.CatchUp != nil {
		cur := *c.CatchUp
		cp.CatchUp = &cur
	}
	return &cp
}
