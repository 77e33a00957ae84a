// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Entries live in a single dictations table with a GIN full-text index over
// the delivered text. [Migrate] creates the schema idempotently and runs on
// every [NewStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Record(ctx, entry)
//	recent, _ := store.Recent(ctx, 20)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDictations = `
CREATE TABLE IF NOT EXISTS dictations (
    id                BIGSERIAL    PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    model_id          TEXT         NOT NULL DEFAULT '',
    provider          TEXT         NOT NULL DEFAULT '',
    text              TEXT         NOT NULL,
    raw_text          TEXT         NOT NULL DEFAULT '',
    refined           BOOLEAN      NOT NULL DEFAULT false,
    refine_error      TEXT         NOT NULL DEFAULT '',
    timestamp         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    audio_duration_ns BIGINT       NOT NULL DEFAULT 0,
    duration_ns       BIGINT       NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_dictations_session_id
    ON dictations (session_id);

CREATE INDEX IF NOT EXISTS idx_dictations_timestamp
    ON dictations (timestamp DESC);

CREATE INDEX IF NOT EXISTS idx_dictations_fts
    ON dictations USING GIN (to_tsvector('simple', text));
`

// Migrate creates the history schema. It is idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDictations); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
