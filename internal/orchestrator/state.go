package orchestrator

import "fmt"

// State is the connection state of a conversation.
type State int32

const (
	Idle State = iota
	Connecting
	Negotiating
	Listening
	Thinking
	Speaking
	Reconnecting
	Closed
	Failed
)

var stateNames = [...]string{
	Idle:         "idle",
	Connecting:   "connecting",
	Negotiating:  "negotiating",
	Listening:    "listening",
	Thinking:     "thinking",
	Speaking:     "speaking",
	Reconnecting: "reconnecting",
	Closed:       "closed",
	Failed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Conversational reports whether s is one of the states in which audio flows:
// Listening, Thinking and Speaking.
func (s State) Conversational() bool {
	return s == Listening || s == Thinking || s == Speaking
}

// transitions is the only legal way to change state. Disconnect is allowed
// from every state except Closed and is handled separately.
var transitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Negotiating, Failed},
	Negotiating:  {Listening, Failed},
	Listening:    {Thinking, Reconnecting, Failed},
	Thinking:     {Speaking, Listening, Reconnecting, Failed},
	Speaking:     {Listening, Reconnecting, Failed},
	Reconnecting: {Listening, Thinking, Speaking, Failed},
	Closed:       {Connecting},
	Failed:       {Connecting},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if to == Closed {
		return from != Closed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
