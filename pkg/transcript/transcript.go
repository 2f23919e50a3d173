// Package transcript defines the conversation transcript model and the
// persistence contract for it.
//
// Entries are append-only. The orchestrator owns the ordered in-memory list
// and hands a snapshot to a [Store] after every finalized turn; stores must
// treat Save as an idempotent upsert keyed by entry ID.
package transcript

import (
	"context"
	"time"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem:
		return true
	default:
		return false
	}
}

// Entry is one finalized turn.
type Entry struct {
	ID          string
	Role        Role
	Text        string
	TimestampMs int64

	// Blocked is set when a guardrail suppressed the original text; Text then
	// holds the substitute message.
	Blocked bool
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time { return time.UnixMilli(e.TimestampMs) }

// Store persists transcripts. Implementations must be safe for concurrent use.
type Store interface {
	// Save upserts entries for sessionKey. entries is the full transcript in
	// order; entries already stored are updated in place.
	Save(ctx context.Context, sessionKey string, entries []Entry) error

	// Load returns the stored transcript for sessionKey in order. An unknown
	// key returns an empty slice and no error.
	Load(ctx context.Context, sessionKey string) ([]Entry, error)
}

// Clone returns a copy of entries that shares no backing array.
func Clone(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	return append(make([]Entry, 0, len(entries)), entries...)
}
