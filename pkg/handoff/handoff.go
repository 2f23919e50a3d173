// Package handoff defines the advisory check that decides whether a
// conversation should be escalated to a human.
//
// The orchestrator asks after every finalized entry and only raises an event;
// what escalation means is up to the host.
package handoff

import (
	"context"
	"strings"

	"github.com/MrWong99/livevoice/pkg/transcript"
)

// Decision is an evaluator verdict.
type Decision struct {
	Escalate bool
	Reason   string
}

// Evaluator inspects the transcript so far. Implementations must be safe for
// concurrent use and must not retain entries.
type Evaluator interface {
	ShouldEscalate(ctx context.Context, entries []transcript.Entry) (Decision, error)
}

// Nop never escalates.
type Nop struct{}

// ShouldEscalate implements [Evaluator].
func (Nop) ShouldEscalate(context.Context, []transcript.Entry) (Decision, error) {
	return Decision{}, nil
}

// PhraseEvaluator escalates when the latest user entry contains one of
// Phrases, compared case-insensitively. It also escalates once MaxUserTurns
// user entries have accumulated, when that limit is positive.
type PhraseEvaluator struct {
	Phrases      []string
	MaxUserTurns int
}

// ShouldEscalate implements [Evaluator].
func (p PhraseEvaluator) ShouldEscalate(_ context.Context, entries []transcript.Entry) (Decision, error) {
	var (
		last  *transcript.Entry
		turns int
	)
	for i := range entries {
		if entries[i].Role == transcript.RoleUser {
			last = &entries[i]
			turns++
		}
	}
	if last == nil {
		return Decision{}, nil
	}
	text := strings.ToLower(last.Text)
	for _, ph := range p.Phrases {
		if ph = strings.ToLower(strings.TrimSpace(ph)); ph != "" && strings.Contains(text, ph) {
			return Decision{Escalate: true, Reason: "user asked for " + ph}, nil
		}
	}
	if p.MaxUserTurns > 0 && turns >= p.MaxUserTurns {
		return Decision{Escalate: true, Reason: "turn limit reached"}, nil
	}
	return Decision{}, nil
}

var (
	_ Evaluator = Nop{}
	_ Evaluator = PhraseEvaluator{}
)
