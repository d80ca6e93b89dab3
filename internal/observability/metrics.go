package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Metrics tracks operational metrics for the ingestion engine.
type Metrics struct {
	// Run metrics
	RunsTotal       atomic.Int64
	RunsComplete    atomic.Int64
	RunsPartial     atomic.Int64
	RunsCaughtUp    atomic.Int64
	RunsFailed      atomic.Int64
	RunsCircuitOpen atomic.Int64

	// Item metrics
	ItemsSeen      atomic.Int64
	ItemsInserted  atomic.Int64
	ItemsDuplicate atomic.Int64
	ItemsFailed    atomic.Int64

	// Scan metrics
	PagesScanned atomic.Int64

	// Scheduler metrics
	ActiveWorkers   atomic.Int32
	JobsEnqueued    atomic.Int64
	JobsRetried     atomic.Int64
	CatchUpEnqueued atomic.Int64

	// CDN metrics
	CDNUploads    atomic.Int64
	CDNFailures   atomic.Int64
	BytesMirrored atomic.Int64

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	metrics := []struct {
		name  string
		help  string
		value int64
	}{
		{"feedweir_runs_total", "Total ingest runs started", m.RunsTotal.Load()},
		{"feedweir_runs_complete_total", "Runs that hit the checkpoint", m.RunsComplete.Load()},
		{"feedweir_runs_partial_total", "Runs truncated with a catch-up cursor", m.RunsPartial.Load()},
		{"feedweir_runs_caught_up_total", "Runs that exhausted all pages", m.RunsCaughtUp.Load()},
		{"feedweir_runs_failed_total", "Runs that ended in error", m.RunsFailed.Load()},
		{"feedweir_runs_circuit_open_total", "Runs rejected by an open breaker", m.RunsCircuitOpen.Load()},
		{"feedweir_items_seen_total", "Items observed during scans", m.ItemsSeen.Load()},
		{"feedweir_items_inserted_total", "Items newly persisted", m.ItemsInserted.Load()},
		{"feedweir_items_duplicate_total", "Items skipped as duplicates", m.ItemsDuplicate.Load()},
		{"feedweir_items_failed_total", "Items that failed to persist", m.ItemsFailed.Load()},
		{"feedweir_pages_scanned_total", "Pages fetched across all runs", m.PagesScanned.Load()},
		{"feedweir_active_workers", "Currently busy workers", int64(m.ActiveWorkers.Load())},
		{"feedweir_jobs_enqueued_total", "Ingestion jobs enqueued", m.JobsEnqueued.Load()},
		{"feedweir_jobs_retried_total", "Job retry attempts", m.JobsRetried.Load()},
		{"feedweir_catch_up_enqueued_total", "Catch-up jobs enqueued", m.CatchUpEnqueued.Load()},
		{"feedweir_cdn_uploads_total", "Media files mirrored to the CDN", m.CDNUploads.Load()},
		{"feedweir_cdn_failures_total", "CDN mirror failures", m.CDNFailures.Load()},
		{"feedweir_bytes_mirrored_total", "Bytes uploaded to the CDN", m.BytesMirrored.Load()},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", metric.name)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// RecordRun bumps the counter matching a run's terminal status.
func (m *Metrics) RecordRun(status string) {
	m.RunsTotal.Add(1)
	switch status {
	case "complete":
		m.RunsComplete.Add(1)
	case "partial":
		m.RunsPartial.Add(1)
	case "caught_up":
		m.RunsCaughtUp.Add(1)
	case "failed":
		m.RunsFailed.Add(1)
	case "circuit_open":
		m.RunsCircuitOpen.Add(1)
	}
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"runs_total":        m.RunsTotal.Load(),
		"runs_complete":     m.RunsComplete.Load(),
		"runs_partial":      m.RunsPartial.Load(),
		"runs_caught_up":    m.RunsCaughtUp.Load(),
		"runs_failed":       m.RunsFailed.Load(),
		"runs_circuit_open": m.RunsCircuitOpen.Load(),
		"items_seen":        m.ItemsSeen.Load(),
		"items_inserted":    m.ItemsInserted.Load(),
		"items_duplicate":   m.ItemsDuplicate.Load(),
		"items_failed":      m.ItemsFailed.Load(),
		"pages_scanned":     m.PagesScanned.Load(),
		"active_workers":    int64(m.ActiveWorkers.Load()),
		"jobs_enqueued":     m.JobsEnqueued.Load(),
		"jobs_retried":      m.JobsRetried.Load(),
		"catch_up_enqueued": m.CatchUpEnqueued.Load(),
		"cdn_uploads":       m.CDNUploads.Load(),
		"cdn_failures":      m.CDNFailures.Load(),
		"bytes_mirrored":    m.BytesMirrored.Load(),
	}
}
