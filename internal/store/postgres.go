package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedweir/feedweir/internal/types"
)

// PostgresStore is the primary Store backend, running on a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database and pings it.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, &types.StorageError{Backend: "postgres", Op: "parse", Err: err}
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &types.StorageError{Backend: "postgres", Op: "connect", Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, &types.StorageError{Backend: "postgres", Op: "ping", Err: err}
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id int64) (*types.Source, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, base_url, kind, rate_limit, html_config, user_agent, headers, enabled
		FROM sources WHERE id = $1`, id)

	var src types.Source
	var rateLimit, htmlConfig, headers []byte
	err := row.Scan(&src.ID, &src.Name, &src.BaseURL, &src.Kind, &rateLimit, &htmlConfig, &src.UserAgent, &headers, &src.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.StorageError{Backend: "postgres", Op: "get_source", Err: err}
	}
	if err := decodeSourceJSON(&src, rateLimit, htmlConfig, headers); err != nil {
		return nil, err
	}
	return &src, nil
}

func decodeSourceJSON(src *types.Source, rateLimit, htmlConfig, headers []byte) error {
	if len(rateLimit) > 0 {
		if err := json.Unmarshal(rateLimit, &src.RateLimit); err != nil {
			return &types.StorageError{Backend: "postgres", Op: "decode_rate_limit", Err: err}
		}
	}
	if len(htmlConfig) > 0 {
		src.HTML = &types.HTMLSourceConfig{}
		if err := json.Unmarshal(htmlConfig, src.HTML); err != nil {
			return &types.StorageError{Backend: "postgres", Op: "decode_html_config", Err: err}
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &src.Headers); err != nil {
			return &types.StorageError{Backend: "postgres", Op: "decode_headers", Err: err}
		}
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id int64) (*types.Thread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_id, external_id, url, priority, enabled, deleted_at IS NOT NULL
		FROM threads WHERE id = $1`, id)

	var th types.Thread
	err := row.Scan(&th.ID, &th.SourceID, &th.ExternalID, &th.URL, &th.Priority, &th.Enabled, &th.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.StorageError{Backend: "postgres", Op: "get_thread", Err: err}
	}
	return &th, nil
}

func (s *PostgresStore) ListEnabledThreads(ctx context.Context) ([]EnabledThread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.source_id, t.external_id, t.url, t.priority,
		       s.id, s.name, s.base_url, s.kind, s.rate_limit, s.html_config, s.user_agent, s.headers
		FROM threads t
		JOIN sources s ON s.id = t.source_id
		WHERE t.enabled AND s.enabled AND t.deleted_at IS NULL
		ORDER BY t.priority DESC, t.id`)
	if err != nil {
		return nil, &types.StorageError{Backend: "postgres", Op: "list_threads", Err: err}
	}
	defer rows.Close()

	var out []EnabledThread
	for rows.Next() {
		var e EnabledThread
		var rateLimit, htmlConfig, headers []byte
		err := rows.Scan(
			&e.Thread.ID, &e.Thread.SourceID, &e.Thread.ExternalID, &e.Thread.URL, &e.Thread.Priority,
			&e.Source.ID, &e.Source.Name, &e.Source.BaseURL, &e.Source.Kind,
			&rateLimit, &htmlConfig, &e.Source.UserAgent, &headers,
		)
		if err != nil {
			return nil, &types.StorageError{Backend: "postgres", Op: "scan_thread", Err: err}
		}
		e.Thread.Enabled = true
		e.Source.Enabled = true
		if err := decodeSourceJSON(&e.Source, rateLimit, htmlConfig, headers); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, threadID int64) (*types.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT thread_id, last_seen_item_id, last_seen_fingerprint, last_seen_timestamp,
		       last_seen_page, catch_up_cursor, last_run_at, last_success_at, consecutive_failures
		FROM checkpoints WHERE thread_id = $1`, threadID)

	var cp types.Checkpoint
	var lastSeenTS, lastRunAt, lastSuccessAt *time.Time
	var cursor []byte
	err := row.Scan(&cp.ThreadID, &cp.LastSeenItemID, &cp.LastSeenFingerprint, &lastSeenTS,
		&cp.LastSeenPage, &cursor, &lastRunAt, &lastSuccessAt, &cp.ConsecutiveFailures)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StorageError{Backend: "postgres", Op: "get_checkpoint", Err: err}
	}
	if lastSeenTS != nil {
		cp.LastSeenTimestamp = *lastSeenTS
	}
	if lastRunAt != nil {
		cp.LastRunAt = *lastRunAt
	}
	if lastSuccessAt != nil {
		cp.LastSuccessAt = *lastSuccessAt
	}
	if len(cursor) > 0 {
		cp.CatchUp = &types.CatchUpCursor{}
		if err := json.Unmarshal(cursor, cp.CatchUp); err != nil {
			return nil, &types.StorageError{Backend: "postgres", Op: "decode_cursor", Err: err}
		}
	}
	return &cp, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	var cursor []byte
	if cp.CatchUp != nil {
		var err error
		cursor, err = json.Marshal(cp.CatchUp)
		if err != nil {
			return &types.StorageError{Backend: "postgres", Op: "encode_cursor", Err: err}
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, last_seen_item_id, last_seen_fingerprint, last_seen_timestamp,
		                         last_seen_page, catch_up_cursor, last_run_at, last_success_at, consecutive_failures)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (thread_id) DO UPDATE SET
			last_seen_item_id = EXCLUDED.last_seen_item_id,
			last_seen_fingerprint = EXCLUDED.last_seen_fingerprint,
			last_seen_timestamp = EXCLUDED.last_seen_timestamp,
			last_seen_page = EXCLUDED.last_seen_page,
			catch_up_cursor = EXCLUDED.catch_up_cursor,
			last_run_at = EXCLUDED.last_run_at,
			last_success_at = EXCLUDED.last_success_at,
			consecutive_failures = EXCLUDED.consecutive_failures`,
		cp.ThreadID, cp.LastSeenItemID, cp.LastSeenFingerprint, nullTime(cp.LastSeenTimestamp),
		cp.LastSeenPage, cursor, nullTime(cp.LastRunAt), nullTime(cp.LastSuccessAt), cp.ConsecutiveFailures)
	if err != nil {
		return &types.StorageError{Backend: "postgres", Op: "save_checkpoint", Err: err}
	}
	return nil
}

func (s *PostgresStore) IsBlocked(ctx context.Context, threadID int64, externalID string) (bool, error) {
	var blocked bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM blocked_media WHERE thread_id = $1 AND external_item_id = $2)`,
		threadID, externalID).Scan(&blocked)
	if err != nil {
		return false, &types.StorageError{Backend: "postgres", Op: "is_blocked", Err: err}
	}
	return blocked, nil
}

func (s *PostgresStore) InsertMediaItem(ctx context.Context, item *types.MediaItem) (bool, error) {
	urls, err := json.Marshal(item.MediaURLs)
	if err != nil {
		return false, &types.StorageError{Backend: "postgres", Op: "encode_urls", Err: err}
	}

	// Counters default to zero on insert; on conflict nothing is
	// touched so the read side's counters survive re-ingestion.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO media_items (thread_id, external_item_id, fingerprint, permalink, posted_at,
		                         author, author_url, title, caption, media_type, media_urls,
		                         duration_ms, width, height, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		item.ThreadID, item.ExternalItemID, item.Fingerprint, item.Permalink, item.PostedAt,
		item.Author, item.AuthorURL, item.Title, item.Caption, item.MediaType, urls,
		item.DurationMS, item.Width, item.Height, item.Tags)

	err = row.Scan(&item.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &types.StorageError{Backend: "postgres", Op: "insert_item", Err: err}
	}
	return true, nil
}

func (s *PostgresStore) InsertAssets(ctx context.Context, mediaItemID int64, assets []types.MediaAsset) error {
	for _, a := range assets {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO media_assets (media_item_id, position, url, media_type, width, height, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (media_item_id, url) DO NOTHING`,
			mediaItemID, a.Position, a.URL, a.Type, a.Width, a.Height, a.DurationMS)
		if err != nil {
			return &types.StorageError{Backend: "postgres", Op: "insert_asset", Err: err}
		}
	}
	return nil
}

func (s *PostgresStore) MergeCDNURLs(ctx context.Context, mediaItemID int64, cdnOriginal, cdnThumbnail string) error {
	patch := map[string]string{}
	if cdnOriginal != "" {
		patch["cdn_original"] = cdnOriginal
	}
	if cdnThumbnail != "" {
		patch["cdn_thumbnail"] = cdnThumbnail
	}
	if len(patch) == 0 {
		return nil
	}
	encoded, err := json.Marshal(patch)
	if err != nil {
		return &types.StorageError{Backend: "postgres", Op: "encode_cdn", Err: err}
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE media_items SET media_urls = media_urls || $2::jsonb, updated_at = now()
		WHERE id = $1`, mediaItemID, encoded)
	if err != nil {
		return &types.StorageError{Backend: "postgres", Op: "merge_cdn", Err: err}
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *types.IngestRun) error {
	before, err := encodeCheckpoint(run.CheckpointBefore)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingest_runs (id, thread_id, status, counters, checkpoint_before, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.ThreadID, run.Status, encodeCounters(run.Counters), before, run.StartedAt)
	if err != nil {
		return &types.StorageError{Backend: "postgres", Op: "create_run", Err: err}
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *types.IngestRun) error {
	after, err := encodeCheckpoint(run.CheckpointAfter)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE ingest_runs
		SET status = $2, counters = $3, checkpoint_after = $4, error = $5, finished_at = $6
		WHERE id = $1`,
		run.ID, run.Status, encodeCounters(run.Counters), after, run.Error, run.FinishedAt)
	if err != nil {
		return &types.StorageError{Backend: "postgres", Op: "finish_run", Err: err}
	}
	return nil
}

func encodeCheckpoint(cp *types.Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, nil
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, &types.StorageError{Backend: "postgres", Op: "encode_checkpoint", Err: err}
	}
	return b, nil
}

func encodeCounters(c types.RunCounters) []byte {
	b, _ := json.Marshal(c)
	return b
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Store = (*PostgresStore)(nil)
