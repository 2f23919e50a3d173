package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    session_key  TEXT     NOT NULL,
    entry_id     TEXT     NOT NULL,
    position     INTEGER  NOT NULL,
    role         TEXT     NOT NULL,
    text         TEXT     NOT NULL,
    blocked      BOOLEAN  NOT NULL DEFAULT false,
    timestamp_ms BIGINT   NOT NULL,
    PRIMARY KEY (session_key, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_position
    ON transcript_entries (session_key, position);
`

// Migrate creates the transcript table and its indexes when they do not exist.
// It is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("transcript postgres: migrate: %w", err)
	}
	return nil
}
