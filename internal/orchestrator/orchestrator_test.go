package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/guardrail"
	"github.com/MrWong99/livevoice/pkg/handoff"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/mock"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
	vadmock "github.com/MrWong99/livevoice/pkg/provider/vad/mock"
	"github.com/MrWong99/livevoice/pkg/telemetry"
	"github.com/MrWong99/livevoice/pkg/transcript"
	storemock "github.com/MrWong99/livevoice/pkg/transcript/mock"
)

const waitFor = 3 * time.Second

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	tr       *mock.Transport
	proto    *session.Protocol
	in       *audiomock.Input
	capture  *audio.Capture
	playback *audio.Playback
	o        *Orchestrator
	rec      *recorder
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps), conns ...*mock.Conn) *harness {
	t.Helper()
	h := &harness{
		tr: &mock.Transport{},
		in: audiomock.NewInput(audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}),
	}
	h.tr.Enqueue(conns...)
	h.proto = session.New(h.tr, session.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3})
	h.capture = audio.NewCapture(h.in, audio.WithDropPolicy(audio.BufferAndReplay{Backlog: 512}))
	h.playback = audio.NewPlayback(audiomock.NewOutput(audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1}))

	deps := Deps{Session: h.proto, Capture: h.capture, Playback: h.playback}
	if mutate != nil {
		mutate(&deps)
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = "test"
	}
	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	h.rec = record(o)
	t.Cleanup(func() {
		_ = o.Close()
		_ = h.capture.Close()
		_ = h.playback.Close()
		_ = h.proto.Close()
	})
	return h
}

// connect brings the orchestrator to listening and waits for the recorder to
// see the connect-phase states, so later len(h.rec.states()) reads are current.
func (h *harness) connect(t *testing.T) *mock.Conn {
	t.Helper()
	from := len(h.rec.states())
	if err := h.o.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.o.State(); got != Listening {
		t.Fatalf("State() = %s after Connect, want listening", got)
	}
	h.rec.statesSince(t, from, Connecting, Negotiating, Listening)
	return h.tr.Last()
}

// pushFrames feeds n frames of the given amplitude, waiting for each one to
// reach conn so the capture queue never builds up.
func (h *harness) pushFrames(t *testing.T, conn *mock.Conn, n int, amplitude int16) {
	t.Helper()
	frame := pcmFrame(amplitude)
	for range n {
		want := len(conn.SentAudio()) + 1
		if err := h.in.Push(frame); err != nil {
			t.Fatalf("Push: %v", err)
		}
		eventually(t, func() bool { return len(conn.SentAudio()) >= want })
	}
}

// pcmFrame is 20 ms of 16 kHz mono PCM at a constant level.
func pcmFrame(amplitude int16) []byte {
	pcm := make([]byte, 640)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(amplitude))
	}
	return pcm
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	eventually(t, func() bool { return o.State() == want })
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(o *Orchestrator) *recorder {
	r := &recorder{}
	go func() {
		for ev := range o.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) states() []State {
	var out []State
	for _, ev := range r.all() {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) kinds(k EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// statesSince waits until the recorded states from index from match want.
func (r *recorder) statesSince(t *testing.T, from int, want ...State) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		got := r.states()
		if len(got) >= from && slices.Equal(got[from:], want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v, want %v after index %d", got, want, from)
		}
		time.Sleep(time.Millisecond)
	}
}

func agentText(text string) live.Message {
	return live.Message{Output: &live.TranscriptDelta{Text: text}}
}

func roles(entries []transcript.Entry) []transcript.Role {
	out := make([]transcript.Role, len(entries))
	for i, e := range entries {
		out[i] = e.Role
	}
	return out
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	if err == nil {
		t.Fatal("New with no deps succeeded")
	}
	for _, want := range []string{"session", "capture", "playback"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestConnect_ReachesListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.connect(t)

	h.rec.statesSince(t, 0, Connecting, Negotiating, Listening)
	if !h.in.Started() {
		t.Error("capture not started in listening")
	}
	if err := h.o.Connect(t.Context()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnect_AuthFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.tr.EnqueueErr(&live.ConnectError{Reason: live.ConnectAuth, Err: errors.New("bad key")})

	err := h.o.Connect(t.Context())
	var fr *FailureReason
	if !errors.As(err, &fr) {
		t.Fatalf("Connect = %v, want *FailureReason", err)
	}
	if fr.Kind != FailureAuth || fr.Retryable() {
		t.Errorf("failure = %s retryable=%v", fr.Kind, fr.Retryable())
	}
	if got := h.o.State(); got != Failed {
		t.Errorf("State() = %s, want failed", got)
	}
	if h.o.Failure() != fr {
		t.Error("Failure() does not report the reason")
	}
	if err := h.o.Ready(t.Context()); !errors.Is(err, fr) {
		t.Errorf("Ready() = %v, want the failure", err)
	}
	eventually(t, func() bool { return len(h.rec.kinds(EventFailure)) == 1 })
}

func TestConnect_PermissionDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.in.StartErr = errors.New("microphone permission denied")

	err := h.o.Connect(t.Context())
	var fr *FailureReason
	if !errors.As(err, &fr) || !fr.PermissionDenied() {
		t.Fatalf("Connect = %v, want permission denied", err)
	}
	if got := h.o.State(); got != Failed {
		t.Errorf("State() = %s, want failed", got)
	}
	if conn := h.tr.Last(); conn == nil || !conn.Closed() {
		t.Error("session left open after device failure")
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	conn := h.connect(t)

	if err := h.o.Disconnect(t.Context()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := h.o.State(); got != Closed {
		t.Errorf("State() = %s, want closed", got)
	}
	if !conn.Closed() {
		t.Error("connection not closed")
	}
	if h.in.Started() {
		t.Error("capture still running")
	}
	if err := h.o.Disconnect(t.Context()); err != nil {
		t.Errorf("second Disconnect = %v", err)
	}
	if err := h.o.SendText(t.Context(), "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText after Disconnect = %v, want ErrNotConnected", err)
	}

	h.rec.statesSince(t, 0, Connecting, Negotiating, Listening, Closed)

	// A closed conversation can start again.
	next := h.connect(t)
	if next == conn {
		t.Error("reconnected over the closed connection")
	}
}

func TestClose_ClosesEvents(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		kinds []telemetry.Kind
	)
	sink := telemetry.SinkFunc(func(e telemetry.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})
	h := newHarness(t, Config{}, func(d *Deps) { d.Telemetry = sink })
	h.connect(t)

	if err := h.o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.o.Connect(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	select {
	case _, ok := <-h.o.Events():
		for ok {
			_, ok = <-h.o.Events()
		}
	case <-time.After(waitFor):
		t.Fatal("events channel not closed")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, want := range []telemetry.Kind{telemetry.KindSessionStarted, telemetry.KindConnect, telemetry.KindSessionEnded} {
		if !slices.Contains(kinds, want) {
			t.Errorf("telemetry %v missing %s", kinds, want)
		}
	}
}

// ── Turns ────────────────────────────────────────────────────────────────────

func TestSendText_OneResponseCycle(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	conn.OnText = func(c *mock.Conn, _ string, _ bool) {
		c.Push(agentText("Sure"), live.Message{Audio: make([]byte, 960)}, live.Message{TurnComplete: true})
	}
	h := newHarness(t, Config{}, nil, conn)
	h.connect(t)
	base := len(h.rec.states())

	if err := h.o.SendText(t.Context(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	h.rec.statesSince(t, base, Thinking, Speaking, Listening)

	got := h.o.Transcript()
	if len(got) != 2 || got[0].Text != "hello" || got[1].Text != "Sure" {
		t.Fatalf("transcript = %+v", got)
	}
	if !slices.Equal(roles(got), []transcript.Role{transcript.RoleUser, transcript.RoleAgent}) {
		t.Errorf("roles = %v", roles(got))
	}
	if texts := conn.SentTexts(); len(texts) != 1 || !texts[0].TurnComplete {
		t.Errorf("sent texts = %+v", texts)
	}
	if h.playback.Buffered() == 0 {
		t.Error("agent audio not queued for playback")
	}
}

func TestSendText_NotConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	if err := h.o.SendText(t.Context(), "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText = %v, want ErrNotConnected", err)
	}
}

func TestClientVAD_OneUtterance(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	conn.OnActivity = func(c *mock.Conn, start bool) {
		if start {
			return
		}
		c.Push(
			live.Message{Input: &live.TranscriptDelta{Text: "hello there", Finished: true}},
			agentText("hi"),
			live.Message{TurnComplete: true},
		)
	}
	h := newHarness(t, Config{Live: live.SessionConfig{VADMode: live.VADClient}}, nil, conn)
	h.connect(t)

	h.pushFrames(t, conn, 150, 0)
	if got := conn.SentActivities(); len(got) != 0 {
		t.Fatalf("activity on silence: %v", got)
	}
	h.pushFrames(t, conn, 100, 8000)
	h.pushFrames(t, conn, 40, 0)

	eventually(t, func() bool { return len(h.o.Transcript()) == 2 })
	waitState(t, h.o, Listening)

	got := h.o.Transcript()
	if !slices.Equal(roles(got), []transcript.Role{transcript.RoleUser, transcript.RoleAgent}) || got[0].Text != "hello there" {
		t.Errorf("transcript = %+v", got)
	}
	if acts := conn.SentActivities(); !slices.Equal(acts, []bool{true, false}) {
		t.Errorf("activities = %v, want [true false]", acts)
	}
	if n := len(conn.SentAudio()); n != 290 {
		t.Errorf("sent %d frames, want 290", n)
	}
}

func TestMute_EndsDetectedSpeech(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Script: []vad.VADEventType{vad.VADSpeechStart}, EventResult: vad.VADEvent{Type: vad.VADSpeechContinue}}
	h := newHarness(t, Config{Live: live.SessionConfig{VADMode: live.VADClient}}, func(d *Deps) {
		d.VAD = &vadmock.Engine{Session: sess}
	})
	conn := h.connect(t)

	h.pushFrames(t, conn, 1, 8000)
	eventually(t, func() bool { return slices.Equal(conn.SentActivities(), []bool{true}) })

	h.o.SetMuted(true)
	eventually(t, func() bool { return slices.Equal(conn.SentActivities(), []bool{true, false}) })
	waitState(t, h.o, Thinking)
	if h.o.Level() != 0 {
		t.Errorf("Level() = %v while muted", h.o.Level())
	}
}

func TestSetVAD(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{}
	h := newHarness(t, Config{Live: live.SessionConfig{VADMode: live.VADClient}}, func(d *Deps) {
		d.VAD = &vadmock.Engine{Session: sess}
	})
	h.connect(t)

	if err := h.o.SetVAD(t.Context(), vad.Config{SpeechThreshold: 0.01, SilenceThreshold: 0.5}); err == nil {
		t.Error("SetVAD accepted silence above speech threshold")
	}
	if err := h.o.SetVAD(t.Context(), vad.Config{SpeechThreshold: 0.1, SilenceFrames: 10}); err != nil {
		t.Fatalf("SetVAD: %v", err)
	}
	got := sess.Reconfigs()
	if len(got) != 1 || got[0].SpeechThreshold != 0.1 || got[0].SilenceFrames != 10 || got[0].FrameSizeMs != 20 {
		t.Errorf("reconfigured with %+v", got)
	}
}

// ── Barge-in ─────────────────────────────────────────────────────────────────

func TestBargeIn_ServerInterrupt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	conn := h.connect(t)

	conn.Push(live.Message{Audio: make([]byte, 960)})
	waitState(t, h.o, Speaking)
	eventually(t, func() bool { return h.playback.Buffered() > 0 })

	conn.Push(live.Message{Interrupted: true})
	waitState(t, h.o, Listening)
	if got := h.playback.Flushes(); got != 1 {
		t.Fatalf("Flushes() = %d, want 1", got)
	}

	// Late audio from the interrupted turn is dropped until TurnComplete.
	conn.Push(live.Message{Audio: make([]byte, 960)}, live.Message{Input: &live.TranscriptDelta{Text: "wait"}})
	eventually(t, func() bool { return len(h.rec.kinds(EventPartial)) == 1 })
	if h.playback.Buffered() != 0 || h.o.State() != Listening {
		t.Fatalf("late audio played: buffered=%v state=%s", h.playback.Buffered(), h.o.State())
	}

	conn.Push(live.Message{TurnComplete: true}, live.Message{Audio: make([]byte, 960)})
	waitState(t, h.o, Speaking)
	if got := h.playback.Flushes(); got != 1 {
		t.Errorf("Flushes() = %d after next turn, want 1", got)
	}
}

func TestBargeIn_ClientSpeech(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Script: []vad.VADEventType{vad.VADSpeechStart}, EventResult: vad.VADEvent{Type: vad.VADSpeechContinue}}
	h := newHarness(t, Config{Live: live.SessionConfig{VADMode: live.VADClient}}, func(d *Deps) {
		d.VAD = &vadmock.Engine{Session: sess}
	})
	conn := h.connect(t)

	conn.Push(live.Message{Audio: make([]byte, 960)})
	waitState(t, h.o, Speaking)

	h.pushFrames(t, conn, 1, 8000)
	waitState(t, h.o, Listening)
	if got := h.playback.Flushes(); got != 1 {
		t.Errorf("Flushes() = %d, want 1", got)
	}
	if acts := conn.SentActivities(); !slices.Equal(acts, []bool{true}) {
		t.Errorf("activities = %v", acts)
	}

	// The server confirming the interruption does not flush again.
	conn.Push(live.Message{Interrupted: true}, live.Message{Input: &live.TranscriptDelta{Text: "stop"}})
	eventually(t, func() bool { return len(h.rec.kinds(EventPartial)) == 1 })
	if got := h.playback.Flushes(); got != 1 {
		t.Errorf("Flushes() = %d after server interrupt, want 1", got)
	}
}

// ── Reconnect ────────────────────────────────────────────────────────────────

func TestReconnect_ResumesPreviousState(t *testing.T) {
	t.Parallel()

	first, second := mock.NewConn(), mock.NewConn()
	h := newHarness(t, Config{}, nil, first, second)
	h.connect(t)

	first.Push(live.Message{Resumption: &live.ResumptionUpdate{Token: "tok-1", Resumable: true}})
	eventually(t, func() bool { return h.proto.Current().Token() == "tok-1" })
	first.Push(agentText("Let me"))
	waitState(t, h.o, Speaking)
	base := len(h.rec.states())

	first.Drop(nil)
	h.rec.statesSince(t, base, Reconnecting, Speaking)

	calls := h.tr.Calls()
	if len(calls) != 2 || calls[1].ResumeToken != "tok-1" {
		t.Fatalf("negotiate calls = %+v", calls)
	}
	eventually(t, h.in.Started)

	second.Push(agentText("help"), live.Message{TurnComplete: true})
	waitState(t, h.o, Listening)
	if got := h.o.Transcript(); len(got) != 1 || got[0].Text != "help" {
		t.Errorf("transcript = %+v", got)
	}
}

func TestReconnect_FreshReturnsToListening(t *testing.T) {
	t.Parallel()

	first, second := mock.NewConn(), mock.NewConn()
	h := newHarness(t, Config{}, nil, first, second)
	h.connect(t)
	first.Push(agentText("Hel"))
	waitState(t, h.o, Speaking)
	base := len(h.rec.states())

	first.Drop(nil)
	h.rec.statesSince(t, base, Reconnecting, Listening)
	eventually(t, func() bool { return len(h.rec.kinds(EventWarning)) == 1 })
}

func TestReconnect_IgnoresStaleHandle(t *testing.T) {
	t.Parallel()

	first, second := mock.NewConn(), mock.NewConn()
	h := newHarness(t, Config{}, nil, first, second)
	h.connect(t)
	old := h.proto.Current()
	base := len(h.rec.states())

	first.Drop(nil)
	h.rec.statesSince(t, base, Reconnecting, Listening)

	h.o.post(serverMsg{h: old, ev: session.AudioChunk{Data: make([]byte, 960)}})
	second.Push(live.Message{Input: &live.TranscriptDelta{Text: "marker"}})
	eventually(t, func() bool { return len(h.rec.kinds(EventPartial)) == 1 })
	if got := h.o.State(); got != Listening {
		t.Errorf("State() = %s after stale audio, want listening", got)
	}
	if h.playback.Buffered() != 0 {
		t.Error("stale audio reached playback")
	}
}

func TestReconnect_ExhaustedFails(t *testing.T) {
	t.Parallel()

	first := mock.NewConn()
	h := newHarness(t, Config{}, nil, first)
	h.connect(t)

	netErr := &live.ConnectError{Reason: live.ConnectNetwork, Err: errors.New("unreachable")}
	h.tr.EnqueueErr(netErr, netErr, netErr, netErr, netErr, netErr)
	first.Drop(nil)

	waitState(t, h.o, Failed)
	fr := h.o.Failure()
	if fr == nil || fr.Kind != FailureReconnectExhausted || !fr.Retryable() {
		t.Fatalf("Failure() = %v", fr)
	}
	if slices.Contains(h.rec.states()[1:], Idle) {
		t.Errorf("states %v pass through idle", h.rec.states())
	}
	eventually(t, func() bool { return !h.in.Started() })
}

// ── Hooks ────────────────────────────────────────────────────────────────────

func TestGuardrail_BlocksInput(t *testing.T) {
	t.Parallel()

	checker := guardrail.CheckerFunc(func(_ context.Context, text string, dir guardrail.Direction) (guardrail.Result, error) {
		if dir == guardrail.Input && strings.Contains(text, "secret") {
			return guardrail.Result{Action: guardrail.Block, Rule: "secret"}, nil
		}
		return guardrail.Result{Action: guardrail.Allow}, nil
	})
	h := newHarness(t, Config{}, func(d *Deps) { d.Guardrail = checker })
	conn := h.connect(t)

	if err := h.o.SendText(t.Context(), "tell me the secret"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("SendText = %v, want ErrBlocked", err)
	}
	if texts := conn.SentTexts(); len(texts) != 0 {
		t.Errorf("blocked text forwarded: %+v", texts)
	}
	got := h.o.Transcript()
	if len(got) != 1 || !got[0].Blocked || got[0].Text != guardrail.DefaultBlockMessage {
		t.Errorf("transcript = %+v", got)
	}
	if got := h.o.State(); got != Listening {
		t.Errorf("State() = %s, want listening", got)
	}
}

func TestGuardrail_RedactsOutput(t *testing.T) {
	t.Parallel()

	checker := guardrail.CheckerFunc(func(_ context.Context, text string, dir guardrail.Direction) (guardrail.Result, error) {
		if dir == guardrail.Output && strings.Contains(text, "forbidden") {
			return guardrail.Result{Action: guardrail.Block, Message: "[removed]"}, nil
		}
		return guardrail.Result{Action: guardrail.Allow}, nil
	})
	h := newHarness(t, Config{}, func(d *Deps) { d.Guardrail = checker })
	conn := h.connect(t)

	conn.Push(agentText("forbidden words"), live.Message{TurnComplete: true})
	eventually(t, func() bool { return len(h.rec.kinds(EventFinal)) == 1 })

	final := h.rec.kinds(EventFinal)[0].Entry
	if final == nil || !final.Blocked || final.Text != "[removed]" {
		t.Fatalf("final entry = %+v", final)
	}
	if got := h.o.Transcript(); len(got) != 1 || got[0].Text != "[removed]" {
		t.Errorf("transcript = %+v", got)
	}
}

func TestGuardrail_HidesOutputUntilVerdict(t *testing.T) {
	t.Parallel()

	checking, release := make(chan struct{}), make(chan struct{})
	checker := guardrail.CheckerFunc(func(ctx context.Context, text string, dir guardrail.Direction) (guardrail.Result, error) {
		if dir != guardrail.Output {
			return guardrail.Result{Action: guardrail.Allow}, nil
		}
		close(checking)
		select {
		case <-release:
		case <-ctx.Done():
			return guardrail.Result{}, ctx.Err()
		}
		return guardrail.Result{Action: guardrail.Block, Message: "withheld"}, nil
	})
	store := &storemock.Store{}
	h := newHarness(t, Config{}, func(d *Deps) {
		d.Guardrail = checker
		d.Store = store
	})
	conn := h.connect(t)

	if err := h.o.SendText(t.Context(), "what is it"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	eventually(t, func() bool { return len(h.rec.kinds(EventFinal)) == 1 })
	conn.Push(agentText("secret forbidden words"), live.Message{TurnComplete: true})
	select {
	case <-checking:
	case <-time.After(waitFor):
		t.Fatal("guardrail never saw the agent turn")
	}

	// A user entry settling meanwhile must not smuggle the agent text into a save.
	if err := h.o.SendText(t.Context(), "and again"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	eventually(t, func() bool { return len(store.Entries("test")) == 2 })
	for _, e := range store.Entries("test") {
		if strings.Contains(e.Text, "secret") {
			t.Errorf("unchecked agent text saved: %+v", e)
		}
	}
	for _, e := range h.o.Transcript() {
		if e.Role == transcript.RoleAgent {
			t.Errorf("agent entry visible before verdict: %+v", e)
		}
	}

	close(release)
	eventually(t, func() bool { return len(h.rec.kinds(EventFinal)) == 3 })
	got := h.o.Transcript()
	if want := []transcript.Role{transcript.RoleUser, transcript.RoleAgent, transcript.RoleUser}; !slices.Equal(roles(got), want) {
		t.Fatalf("roles = %v, want %v", roles(got), want)
	}
	if !got[1].Blocked || got[1].Text != "withheld" {
		t.Errorf("agent entry = %+v", got[1])
	}
}

func TestHandoff_EscalatesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, func(d *Deps) {
		d.Handoff = handoff.PhraseEvaluator{Phrases: []string{"human"}}
	})
	h.connect(t)

	if err := h.o.SendText(t.Context(), "let me talk to a human"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	eventually(t, func() bool { return len(h.rec.kinds(EventEscalation)) == 1 })
	if got := h.rec.kinds(EventEscalation)[0].Text; got != "user asked for human" {
		t.Errorf("reason = %q", got)
	}

	if err := h.o.SendText(t.Context(), "a human please"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	eventually(t, func() bool { return len(h.rec.kinds(EventFinal)) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(h.rec.kinds(EventEscalation)); n != 1 {
		t.Errorf("escalated %d times, want 1", n)
	}
}

func TestStore_RestoresAndSaves(t *testing.T) {
	t.Parallel()

	store := &storemock.Store{}
	store.Seed("kitchen", []transcript.Entry{{ID: "old", Role: transcript.RoleUser, Text: "earlier", TimestampMs: 1}})
	h := newHarness(t, Config{SessionKey: "kitchen"}, func(d *Deps) { d.Store = store })
	h.connect(t)

	if got := h.o.Transcript(); len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("restored transcript = %+v", got)
	}
	if err := h.o.SendText(t.Context(), "and now"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	eventually(t, func() bool { return len(store.Entries("kitchen")) == 2 })

	got := store.Entries("kitchen")
	if got[0].ID != "old" || got[1].Text != "and now" {
		t.Errorf("stored = %+v", got)
	}
}
