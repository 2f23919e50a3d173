// Package live defines the transport contract for a duplex, low-latency
// conversation with a remote multimodal model.
//
// A [Transport] negotiates one connection per session attempt. The returned
// [Conn] carries raw PCM and text turns upstream and yields decoded
// [Message] values downstream. Wire details (framing, encoding, field names)
// stay inside the adapter; callers see only the types in this package.
//
// Sessions are resumable: adapters surface rolling resumption tokens through
// [Message.Resumption], and a later Negotiate with [SessionConfig.ResumeToken]
// set asks the server to continue the same remote context.
package live

import (
	"context"
	"time"
)

// Modality selects what the model responds with.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool { return m == ModalityAudio || m == ModalityText }

// VADMode selects who decides where user turns start and end.
type VADMode string

const (
	// VADServer lets the remote model detect activity from the audio stream.
	VADServer VADMode = "server"

	// VADClient disables remote detection; the client marks turns with
	// [Conn.SendActivity].
	VADClient VADMode = "client"
)

// Valid reports whether v is a known VAD mode.
func (v VADMode) Valid() bool { return v == VADServer || v == VADClient }

// SessionConfig is what a session asks the server for.
type SessionConfig struct {
	// Model identifies the remote model. Empty selects the adapter default.
	Model string

	// Modality is the response modality. Empty means audio.
	Modality Modality

	// VADMode is the turn detection mode. Empty means server.
	VADMode VADMode

	// Voice is the prebuilt voice name for audio responses. Optional.
	Voice string

	// Instructions is the system prompt. Optional.
	Instructions string

	// ResumeToken, when set, resumes the remote context the token was issued
	// for instead of starting fresh.
	ResumeToken string
}

// WithDefaults returns c with empty Modality and VADMode filled in.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.Modality == "" {
		c.Modality = ModalityAudio
	}
	if c.VADMode == "" {
		c.VADMode = VADServer
	}
	return c
}

// TranscriptDelta is an incremental chunk of transcription text.
type TranscriptDelta struct {
	Text string

	// Finished is set when the server marks the transcription of the current
	// turn as complete.
	Finished bool
}

// ResumptionUpdate carries a rolling resumption token.
type ResumptionUpdate struct {
	Token string

	// Resumable is false while the server is in a state it cannot resume
	// from, e.g. mid tool call. Token may be empty then.
	Resumable bool
}

// GoAway warns that the server will close the connection soon.
type GoAway struct {
	TimeLeft time.Duration
}

// Message is one decoded server message. Several fields may be set at once.
// A message with only Err set reports a server message that could not be
// decoded; the connection itself is still usable.
type Message struct {
	// Audio is raw PCM16 mono at 24 kHz from the model.
	Audio []byte

	// Text is model output text when the response modality is text.
	Text string

	// Input is transcription of the user's audio.
	Input *TranscriptDelta

	// Output is transcription of the model's audio.
	Output *TranscriptDelta

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Interrupted reports that the server detected the user talking over the
	// model and stopped generating.
	Interrupted bool

	Resumption *ResumptionUpdate
	GoAway     *GoAway

	Err *ProtocolError
}

// Empty reports whether m carries nothing the session acts on.
func (m Message) Empty() bool {
	return len(m.Audio) == 0 && m.Text == "" && m.Input == nil && m.Output == nil &&
		!m.TurnComplete && !m.Interrupted && m.Resumption == nil && m.GoAway == nil && m.Err == nil
}

// Conn is one negotiated connection. Send methods may be called concurrently
// with each other and with Receive. Receive must be called from a single
// goroutine.
type Conn interface {
	// SendAudio streams PCM16 mono at 16 kHz.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendText sends a textual user turn. turnComplete asks the model to
	// respond immediately.
	SendText(ctx context.Context, text string, turnComplete bool) error

	// SendActivity marks the start (true) or end (false) of user speech in
	// client VAD mode.
	SendActivity(ctx context.Context, start bool) error

	// Receive blocks for the next server message. It returns an error once the
	// connection is gone; a [*ConnectError] describes why when known.
	Receive(ctx context.Context) (Message, error)

	// Close tears down the connection. It is safe to call more than once.
	Close() error
}

// Transport establishes connections.
type Transport interface {
	// Negotiate dials the server and completes session setup. Failures are
	// returned as [*ConnectError].
	Negotiate(ctx context.Context, cfg SessionConfig) (Conn, error)
}

type dialedKey struct{}

// WithDialed returns a copy of ctx that makes a Negotiate call report, by
// calling fn, when the transport is connected and session setup begins.
func WithDialed(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, dialedKey{}, fn)
}

// Dialed invokes the function registered with [WithDialed], if any.
// Transports call it once per Negotiate, right before sending setup.
func Dialed(ctx context.Context) {
	if fn, ok := ctx.Value(dialedKey{}).(func()); ok && fn != nil {
		fn()
	}
}
