package session

import (
	"time"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Handle identifies one negotiated link. Handles are never mutated; every
// Connect, Resume or Reconnect yields a new one and supersedes the previous.
// The rolling resumption token of the link is read through [Handle.Token].
type Handle struct {
	gen     uint64
	cfg     live.SessionConfig
	created time.Time
	ttl     time.Duration
	resumed bool
	link    *link
}

// Generation is the handle's position in the protocol's handle history,
// starting at 1.
func (h *Handle) Generation() uint64 { return h.gen }

// Config is the negotiated session config, without resumption token.
func (h *Handle) Config() live.SessionConfig { return h.cfg }

// Resumed reports whether the link continues the remote context of an
// earlier handle.
func (h *Handle) Resumed() bool { return h.resumed }

// Token is the latest resumption token the server issued for this link, or
// the token it was resumed with. Empty when none is usable.
func (h *Handle) Token() string {
	tok, _ := h.link.resumption()
	return tok
}

// ExpiresAt is when the current token stops being accepted.
func (h *Handle) ExpiresAt() time.Time {
	_, at := h.link.resumption()
	if at.IsZero() {
		at = h.created
	}
	return at.Add(h.ttl)
}

// Expired reports whether the token is past its expiry at now.
func (h *Handle) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt())
}
