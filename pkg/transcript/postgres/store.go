// Package postgres implements [transcript.Store] on PostgreSQL through a
// pgx connection pool.
//
// Every Save upserts the whole snapshot in one batch keyed by
// (session_key, entry_id), so repeated saves of a growing transcript only
// insert the new tail and rewrite entries a guardrail redacted.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livevoice/pkg/transcript"
)

var _ transcript.Store = (*Store)(nil)

const upsertEntry = `
INSERT INTO transcript_entries (session_key, entry_id, position, role, text, blocked, timestamp_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_key, entry_id) DO UPDATE
SET position = EXCLUDED.position,
    text     = EXCLUDED.text,
    blocked  = EXCLUDED.blocked`

const selectEntries = `
SELECT entry_id, role, text, blocked, timestamp_ms
FROM transcript_entries
WHERE session_key = $1
ORDER BY position`

// Store is a PostgreSQL-backed transcript store. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool. The caller keeps ownership of it.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save implements [transcript.Store].
func (s *Store) Save(ctx context.Context, sessionKey string, entries []transcript.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, e := range entries {
		batch.Queue(upsertEntry, sessionKey, e.ID, i, string(e.Role), e.Text, e.Blocked, e.TimestampMs)
	}

	br := s.pool.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("transcript postgres: save %q: %w", sessionKey, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("transcript postgres: save %q: %w", sessionKey, err)
	}
	return nil
}

// Load implements [transcript.Store].
func (s *Store) Load(ctx context.Context, sessionKey string) ([]transcript.Entry, error) {
	rows, err := s.pool.Query(ctx, selectEntries, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: load %q: %w", sessionKey, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e    transcript.Entry
			role string
		)
		if err := row.Scan(&e.ID, &role, &e.Text, &e.Blocked, &e.TimestampMs); err != nil {
			return transcript.Entry{}, err
		}
		e.Role = transcript.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: load %q: %w", sessionKey, err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
