// Package orchestrator drives one voice conversation: it owns the state
// machine, moves audio between the devices and the live session, turns
// server events into transcript entries, and applies the guardrail, handoff
// and persistence hooks to every finalized entry.
//
// All state changes happen on a single goroutine. Public methods post
// commands to it and wait for a reply where the caller needs one, so the
// orchestrator is safe for concurrent use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/guardrail"
	"github.com/MrWong99/livevoice/pkg/handoff"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
	"github.com/MrWong99/livevoice/pkg/provider/vad/energy"
	"github.com/MrWong99/livevoice/pkg/telemetry"
	"github.com/MrWong99/livevoice/pkg/transcript"
)

// ── Collaborators ────────────────────────────────────────────────────────────

// Session is the live session protocol as the orchestrator uses it.
type Session interface {
	Connect(ctx context.Context, cfg live.SessionConfig) (*session.Handle, error)
	Reconnect(ctx context.Context, last *session.Handle) (*session.Handle, error)
	SendAudio(h *session.Handle, frame audio.AudioFrame)
	SendText(ctx context.Context, h *session.Handle, text string, turnComplete bool) error
	SendActivity(ctx context.Context, h *session.Handle, start bool) error
	Events(h *session.Handle) iter.Seq[session.ServerEvent]
	Close() error
}

// Capture is the microphone side.
type Capture interface {
	Start() error
	Stop() error
	Frames() <-chan audio.AudioFrame
	FrameDuration() time.Duration
	Dropped() uint64
}

// Playback is the speaker side.
type Playback interface {
	Start() error
	Enqueue(frame audio.AudioFrame) error
	Flush()
}

var (
	_ Session  = (*session.Protocol)(nil)
	_ Capture  = (*audio.Capture)(nil)
	_ Playback = (*audio.Playback)(nil)
)

// Deps are the collaborators of an [Orchestrator]. Session, Capture and
// Playback are required.
type Deps struct {
	Session  Session
	Capture  Capture
	Playback Playback

	// VAD detects user turns in client VAD mode. Nil selects the energy
	// detector.
	VAD vad.Engine

	// Guardrail checks every finalized entry. Optional.
	Guardrail guardrail.Checker

	// Handoff is consulted after every finalized entry. Optional.
	Handoff handoff.Evaluator

	// Store persists the transcript. Optional.
	Store transcript.Store

	// Telemetry receives lifecycle events. Optional.
	Telemetry telemetry.Sink
}

// ── Configuration ────────────────────────────────────────────────────────────

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultHookTimeout    = 5 * time.Second
	DefaultEventBuffer    = 256
)

// Config controls one conversation.
type Config struct {
	// SessionKey names the transcript in the store and tags telemetry.
	SessionKey string

	// Live is what the session asks the server for.
	Live live.SessionConfig

	// VAD tunes the client detector. FrameSizeMs defaults to the capture
	// frame duration.
	VAD vad.Config

	// ConnectTimeout bounds one Connect including the transcript load.
	ConnectTimeout time.Duration

	// HookTimeout bounds each guardrail, handoff and save call.
	HookTimeout time.Duration

	// EventBuffer is the capacity of the Events channel. Events are dropped
	// when the host does not keep up.
	EventBuffer int

	// TelemetryQueue is the capacity of the telemetry queue.
	TelemetryQueue int
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithClock replaces time.Now for entry timestamps and telemetry.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDs replaces the entry ID generator.
func WithIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// ── Orchestrator ─────────────────────────────────────────────────────────────

// Orchestrator runs one conversation at a time. Create with [New]; release
// with Close.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	now   func() time.Time
	newID func() string

	tel     *telemetry.Async
	persist *persister

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	events chan Event
	done   chan struct{}
	once   sync.Once

	state   atomic.Int32
	level   atomic.Uint64
	failure atomic.Pointer[FailureReason]
	dropped atomic.Uint64

	tmu     sync.RWMutex
	entries []transcript.Entry
	// IDs of entries still waiting on the guardrail. They hold their place
	// in entries but are not visible until settled.
	pending map[string]struct{}

	// Owned by the run loop.
	lp loopState
}

// New validates deps and starts the run loop.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if deps.Session == nil {
		errs = append(errs, errors.New("session is required"))
	}
	if deps.Capture == nil {
		errs = append(errs, errors.New("capture is required"))
	}
	if deps.Playback == nil {
		errs = append(errs, errors.New("playback is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	cfg.Live = cfg.Live.WithDefaults()
	cfg.VAD = vadConfig(cfg.VAD, deps.Capture)
	if err := cfg.VAD.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if deps.VAD == nil {
		deps.VAD = energy.New()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop{}
	}

	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		newID:  uuid.NewString,
		inbox:  make(chan any, 64),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.ctx, o.cancel = context.WithCancel(observe.WithSession(context.Background(), cfg.SessionKey))
	o.tel = telemetry.NewAsync(deps.Telemetry, cfg.TelemetryQueue)
	if deps.Store != nil {
		o.persist = newPersister(deps.Store, cfg.SessionKey, cfg.HookTimeout,
			resilience.NewBreaker(resilience.BreakerConfig{Name: "transcript-store"}))
	}

	go o.run()
	return o, nil
}

func vadConfig(c vad.Config, capture Capture) vad.Config {
	if c.FrameSizeMs == 0 {
		c.FrameSizeMs = int(capture.FrameDuration() / time.Millisecond)
	}
	if c.SampleRate == 0 {
		c.SampleRate = audio.InputSampleRate
	}
	return c.WithDefaults()
}

// State returns the current state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Level returns the RMS level of the last captured frame in [0, 1].
func (o *Orchestrator) Level() float64 { return math.Float64frombits(o.level.Load()) }

// Failure returns the reason of the last move to Failed, or nil.
func (o *Orchestrator) Failure() *FailureReason { return o.failure.Load() }

// Ready returns the failure reason while the conversation is Failed and nil
// otherwise. It fits a readiness probe.
func (o *Orchestrator) Ready(context.Context) error {
	if o.State() != Failed {
		return nil
	}
	if fr := o.Failure(); fr != nil {
		return fr
	}
	return errors.New("orchestrator: failed")
}

// DroppedEvents reports events the host did not consume in time.
func (o *Orchestrator) DroppedEvents() uint64 { return o.dropped.Load() }

// Events returns the notification channel. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Transcript returns a copy of the finalized entries in order.
func (o *Orchestrator) Transcript() []transcript.Entry {
	o.tmu.RLock()
	defer o.tmu.RUnlock()
	if len(o.pending) == 0 {
		return transcript.Clone(o.entries)
	}
	out := make([]transcript.Entry, 0, len(o.entries))
	for _, e := range o.entries {
		if _, ok := o.pending[e.ID]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// Connect starts a conversation from Idle, Closed or Failed and blocks until
// it is Listening or has failed. Cancelling ctx stops the wait; the attempt
// itself is bounded by Config.ConnectTimeout and cancelled by Disconnect.
func (o *Orchestrator) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := o.send(ctx, connectCmd{reply: reply}); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// SendText sends a typed user turn. The input guardrail runs first; blocked
// text is recorded as a blocked entry, never forwarded, and reported as
// [ErrBlocked].
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !o.State().Conversational() {
		return ErrNotConnected
	}

	res := o.check(ctx, text, guardrail.Input)
	reply := make(chan textReply, 1)
	if err := o.send(ctx, textCmd{text: text, res: res, reply: reply}); err != nil {
		return err
	}
	var r textReply
	select {
	case r = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
	if r.err != nil {
		return r.err
	}

	if err := o.deps.Session.SendText(ctx, r.h, text, true); err != nil {
		o.post(textFailed{h: r.h})
		return fmt.Errorf("orchestrator: send text: %w", err)
	}
	return nil
}

// SetMuted stops or resumes sending captured audio. Muting during detected
// speech ends the user turn.
func (o *Orchestrator) SetMuted(muted bool) {
	o.post(muteCmd{muted: muted})
}

// SetVAD replaces the client detector tuning. Zero fields take defaults.
func (o *Orchestrator) SetVAD(ctx context.Context, cfg vad.Config) error {
	cfg = vadConfig(cfg, o.deps.Capture)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator: set vad: %w", err)
	}
	reply := make(chan error, 1)
	if err := o.send(ctx, vadCmd{cfg: cfg, reply: reply}); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// Disconnect ends the conversation: capture stops, playback is flushed, the
// session is closed and the state becomes Closed. It is a no-op when already
// Closed.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := o.send(ctx, disconnectCmd{reply: reply}); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// Close disconnects, stops the run loop, flushes telemetry and pending saves,
// and closes the Events channel. Safe to call more than once.
func (o *Orchestrator) Close() error {
	o.once.Do(func() {
		o.cancel()
		<-o.done
		o.tel.Close()
		if o.persist != nil {
			o.persist.close()
		}
		close(o.events)
	})
	return nil
}

// send delivers a command to the run loop.
func (o *Orchestrator) send(ctx context.Context, cmd any) error {
	select {
	case o.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
}

// post delivers a message from a background goroutine. It reports false
// once the loop has stopped.
func (o *Orchestrator) post(msg any) bool {
	select {
	case o.inbox <- msg:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
}

// check runs the guardrail. Checker errors fail open.
func (o *Orchestrator) check(ctx context.Context, text string, dir guardrail.Direction) guardrail.Result {
	allow := guardrail.Result{Action: guardrail.Allow}
	if o.deps.Guardrail == nil {
		return allow
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HookTimeout)
	defer cancel()
	res, err := o.deps.Guardrail.Check(ctx, text, dir)
	if err != nil {
		slog.Warn("orchestrator: guardrail check failed, allowing", "session_key", o.cfg.SessionKey, "direction", dir, "err", err)
		return allow
	}
	return res
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		if o.dropped.Add(1) == 1 {
			slog.Warn("orchestrator: event consumer is slow, dropping events", "session_key", o.cfg.SessionKey)
		}
	}
}

func (o *Orchestrator) telemetry(ev telemetry.Event) {
	ev.SessionKey = o.cfg.SessionKey
	ev.Time = o.now()
	o.tel.Emit(ev)
}
