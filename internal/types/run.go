package types

import (
	"time"
)

// RunStatus is the terminal state of one ingestion job execution.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunComplete    RunStatus = "complete"    // scan hit the checkpoint
	RunPartial     RunStatus = "partial"     // truncated; catch-up cursor saved
	RunCaughtUp    RunStatus = "caught_up"   // reached page 1 without hitting the checkpoint
	RunFailed      RunStatus = "failed"      // error or failure cooldown
	RunCircuitOpen RunStatus = "circuit_open" // rejected before fetching
)

// RunCounters aggregates per-run item accounting. ItemsNew, ItemsDuplicate
// and ItemsFailed come straight from the commit result.
type RunCounters struct {
	PagesScanned   int `json:"pages_scanned" bson:"pages_scanned"`
	ItemsSeen      int `json:"items_seen" bson:"items_seen"`
	ItemsNew       int `json:"items_new" bson:"items_new"`
	ItemsDuplicate int `json:"items_duplicate" bson:"items_duplicate"`
	ItemsFailed    int `json:"items_failed" bson:"items_failed"`
}

// IngestRun is the audit record of one scanner execution on one thread.
type IngestRun struct {
	ID               string      `json:"id" bson:"id"`
	ThreadID         int64       `json:"thread_id" bson:"thread_id"`
	Status           RunStatus   `json:"status" bson:"status"`
	Counters         RunCounters `json:"counters" bson:"counters"`
	CheckpointBefore *Checkpoint `json:"checkpoint_before,omitempty" bson:"checkpoint_before,omitempty"`
	CheckpointAfter  *Checkpoint `json:"checkpoint_after,omitempty" bson:"checkpoint_after,omitempty"`
	Error            string      `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt        time.Time   `json:"started_at" bson:"started_at"`
	FinishedAt       time.Time   `json:"finished_at,omitzero" bson:"finished_at,omitempty"`
}
