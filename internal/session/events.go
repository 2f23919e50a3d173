package session

import (
	"fmt"

	"github.com/MrWong99/livevoice/pkg/transcript"
)

// ServerEvent is one event of a handle's sequence, see [Protocol.Events].
// The concrete types are [PartialTranscript], [FinalTranscript], [AudioChunk],
// [TurnComplete], [Interrupted] and [Disconnected].
type ServerEvent interface {
	serverEvent()
}

// PartialTranscript carries the text of the current turn aggregated so far.
type PartialTranscript struct {
	Role transcript.Role
	Text string
}

// FinalTranscript carries the complete text of a finished turn.
type FinalTranscript struct {
	Role transcript.Role
	Text string
}

// AudioChunk is model audio, PCM16 mono at 24 kHz.
type AudioChunk struct {
	Data []byte
}

// TurnComplete marks the end of the model's turn.
type TurnComplete struct{}

// Interrupted reports that the server detected the user talking over the
// model. Model audio already sent for the turn is obsolete.
type Interrupted struct{}

// DisconnectReason says why a link ended.
type DisconnectReason string

const (
	DisconnectNetwork        DisconnectReason = "network"
	DisconnectGoAway         DisconnectReason = "go_away"
	DisconnectMalformed      DisconnectReason = "malformed"
	DisconnectClosedByServer DisconnectReason = "closed_by_server"
)

// Disconnected is always the last event of a link that dropped. A link
// closed locally ends its sequence without it.
type Disconnected struct {
	Reason DisconnectReason
	Err    error
}

func (PartialTranscript) serverEvent() {}
func (FinalTranscript) serverEvent()   {}
func (AudioChunk) serverEvent()        {}
func (TurnComplete) serverEvent()      {}
func (Interrupted) serverEvent()       {}
func (Disconnected) serverEvent()      {}

func (d Disconnected) String() string {
	if d.Err == nil {
		return "disconnected (" + string(d.Reason) + ")"
	}
	return fmt.Sprintf("disconnected (%s): %v", d.Reason, d.Err)
}
