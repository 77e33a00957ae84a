package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxscribe/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store is a [history.Store] backed by a [pgxpool.Pool]. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate]. Errors never include the DSN, which may carry a password.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Record implements [history.Store]. Recording the same session twice keeps
// the first entry.
func (s *Store) Record(ctx context.Context, e history.Entry) error {
	const q = `
		INSERT INTO dictations
		    (session_id, model_id, provider, text, raw_text, refined, refine_error,
		     timestamp, audio_duration_ns, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO NOTHING`

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.ModelID,
		e.Provider,
		e.Text,
		e.RawText,
		e.Refined,
		e.RefineError,
		ts,
		e.AudioDuration.Nanoseconds(),
		e.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("history store: record: %w", err)
	}
	return nil
}

const selectColumns = `
		SELECT session_id, model_id, provider, text, raw_text, refined, refine_error,
		       timestamp, audio_duration_ns, duration_ns
		FROM   dictations`

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, n int) ([]history.Entry, error) {
	q := selectColumns + `
		ORDER  BY timestamp DESC, id DESC`
	var args []any
	if n > 0 {
		q += `
		LIMIT  $1`
		args = append(args, n)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [history.Store]. The query is passed to plainto_tsquery,
// so no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]history.Entry, error) {
	q := selectColumns + `
		WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)
		ORDER  BY timestamp DESC, id DESC`
	args := []any{query}
	if limit > 0 {
		q += `
		LIMIT  $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	return collectEntries(rows)
}

// collectEntries scans pgx rows into history entries.
func collectEntries(rows pgx.Rows) ([]history.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var (
			e             history.Entry
			audioNS, durN int64
		)
		if err := row.Scan(
			&e.SessionID,
			&e.ModelID,
			&e.Provider,
			&e.Text,
			&e.RawText,
			&e.Refined,
			&e.RefineError,
			&e.Timestamp,
			&audioNS,
			&durN,
		); err != nil {
			return history.Entry{}, err
		}
		e.AudioDuration = time.Duration(audioNS)
		e.Duration = time.Duration(durN)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}
