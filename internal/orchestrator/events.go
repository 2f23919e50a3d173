package orchestrator

import (
	"github.com/MrWong99/livevoice/pkg/transcript"
)

// EventKind classifies an [Event].
type EventKind int

const (
	// EventState reports a state change. State and Prev are set.
	EventState EventKind = iota

	// EventPartial carries in-progress transcript text. Role and Text are set.
	EventPartial

	// EventFinal carries a finalized transcript entry. Entry is set.
	EventFinal

	// EventWarning carries a guardrail warning. Text and Entry are set.
	EventWarning

	// EventEscalation recommends a human handoff. Text holds the reason.
	EventEscalation

	// EventFailure reports the cause of a move to Failed. Failure is set.
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventWarning:
		return "warning"
	case EventEscalation:
		return "escalation"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is a notification for the host UI.
type Event struct {
	Kind    EventKind
	State   State
	Prev    State
	Role    transcript.Role
	Text    string
	Entry   *transcript.Entry
	Failure *FailureReason
}
