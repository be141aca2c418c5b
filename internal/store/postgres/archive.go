// Package postgres persists committed transcript entries in a PostgreSQL
// table with a full-text search index, for review after the process exits.
//
// The archive is strictly write-behind: the in-memory store never waits on
// it, and a failed append loses one row, never state.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxguard/voxguard/internal/store"
)

var _ store.Archiver = (*Archive)(nil)

// Archive is a PostgreSQL-backed transcript archive. Obtain one via [Open].
// All methods are safe for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// schema creates the transcript_entries table and its FTS index. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id                   TEXT PRIMARY KEY,
    session_id           TEXT             NOT NULL,
    timestamp            TIMESTAMPTZ      NOT NULL,
    text                 TEXT             NOT NULL,
    sentiment_label      TEXT             NOT NULL,
    asr_confidence       DOUBLE PRECISION NOT NULL,
    sentiment_confidence DOUBLE PRECISION NOT NULL,
    overall_confidence   DOUBLE PRECISION NOT NULL,
    warning              BOOLEAN          NOT NULL,
    bad_keywords         TEXT[],
    audio_duration       DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS transcript_entries_session_ts
    ON transcript_entries (session_id, timestamp);

CREATE INDEX IF NOT EXISTS transcript_entries_text_fts
    ON transcript_entries
    USING GIN (to_tsvector('english', text));
`

// Open connects to the database at dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Truncate removes every archived entry. Intended for tests and operator
// resets.
func (a *Archive) Truncate(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, "TRUNCATE transcript_entries"); err != nil {
		return fmt.Errorf("archive: truncate: %w", err)
	}
	return nil
}

// Append implements [store.Archiver]. It inserts one committed entry.
func (a *Archive) Append(ctx context.Context, e store.Entry) error {
	const q = `
		INSERT INTO transcript_entries
		    (id, session_id, timestamp, text, sentiment_label,
		     asr_confidence, sentiment_confidence, overall_confidence,
		     warning, bad_keywords, audio_duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := a.pool.Exec(ctx, q,
		e.ID,
		e.SessionID,
		e.Timestamp,
		e.Text,
		e.SentimentLabel,
		e.ASRConfidence,
		e.SentimentConfidence,
		e.OverallConfidence,
		e.Warning,
		e.BadKeywords,
		e.AudioDuration,
	)
	if err != nil {
		return fmt.Errorf("archive: append: %w", err)
	}
	return nil
}

// Recent returns all archived entries for sessionID no older than window,
// oldest first.
func (a *Archive) Recent(ctx context.Context, sessionID string, window time.Duration) ([]store.Entry, error) {
	const q = `
		SELECT id, session_id, timestamp, text, sentiment_label,
		       asr_confidence, sentiment_confidence, overall_confidence,
		       warning, bad_keywords, audio_duration
		FROM   transcript_entries
		WHERE  session_id = $1
		  AND  timestamp >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp`

	rows, err := a.pool.Query(ctx, q, sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	return collectEntries(rows)
}

// SearchOpts filters an archive [Archive.Search].
type SearchOpts struct {
	SessionID   string
	After       time.Time
	Before      time.Time
	WarningOnly bool
	Limit       int
}

// Search performs a full-text search over archived entry text and applies the
// optional filters from opts. The query goes through plainto_tsquery, so no
// operator syntax is required.
func (a *Archive) Search(ctx context.Context, query string, opts SearchOpts) ([]store.Entry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}
	if opts.WarningOnly {
		conditions = append(conditions, "warning")
	}

	q := "SELECT id, session_id, timestamp, text, sentiment_label,\n" +
		"       asr_confidence, sentiment_confidence, overall_confidence,\n" +
		"       warning, bad_keywords, audio_duration\n" +
		"FROM   transcript_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := a.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]store.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Entry, error) {
		var e store.Entry
		err := row.Scan(
			&e.ID,
			&e.SessionID,
			&e.Timestamp,
			&e.Text,
			&e.SentimentLabel,
			&e.ASRConfidence,
			&e.SentimentConfidence,
			&e.OverallConfidence,
			&e.Warning,
			&e.BadKeywords,
			&e.AudioDuration,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	return entries, nil
}
