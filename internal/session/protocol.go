// Package session implements the resumable duplex session between a voice
// conversation and a remote model.
//
// A [Protocol] owns at most one current [Handle]. Each handle wraps one
// negotiated [live.Conn] with an outbound write queue and a decoded,
// per-turn-aggregated event sequence. Reconnecting replaces the handle
// atomically; operations on superseded handles are no-ops.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var (
	// ErrStaleHandle is returned for operations on a handle that was
	// superseded or closed.
	ErrStaleHandle = errors.New("session: stale handle")

	// ErrReconnectExhausted is returned when every reconnection attempt
	// failed with a retryable error.
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")

	// ErrClosed is returned when the link or protocol shut down while an
	// operation was in flight.
	ErrClosed = errors.New("session: closed")
)

// Config tunes a [Protocol]. Zero fields take the defaults below.
type Config struct {
	// ResumptionTTL is how long a resumption token stays valid after issue.
	ResumptionTTL time.Duration `yaml:"resumption_ttl"`

	// MaxAttempts bounds one Reconnect call.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the wait before the second attempt. It doubles on every
	// further attempt up to MaxDelay.
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`

	// MalformedThreshold consecutive undecodable server messages end the link.
	MalformedThreshold int `yaml:"malformed_threshold"`

	// OutboundQueue is the capacity of the upstream write queue per link.
	OutboundQueue int `yaml:"outbound_queue"`

	// EventBuffer is the capacity of the event sequence per link.
	EventBuffer int `yaml:"event_buffer"`
}

// Defaults for [Config].
const (
	DefaultResumptionTTL      = 2 * time.Hour
	DefaultMaxAttempts        = 5
	DefaultBaseDelay          = 500 * time.Millisecond
	DefaultMaxDelay           = 10 * time.Second
	DefaultMalformedThreshold = 5
	DefaultOutboundQueue      = 64
	DefaultEventBuffer        = 256
)

// WithDefaults returns c with zero fields filled in.
func (c Config) WithDefaults() Config {
	if c.ResumptionTTL <= 0 {
		c.ResumptionTTL = DefaultResumptionTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MalformedThreshold <= 0 {
		c.MalformedThreshold = DefaultMalformedThreshold
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// Option configures a [Protocol].
type Option func(*Protocol)

// WithClock replaces time.Now, used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithJitter replaces the backoff jitter. The default picks uniformly from
// [d/2, d].
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(p *Protocol) { p.jitter = fn }
}

// WithAttemptHook registers fn to observe every reconnection attempt.
func WithAttemptHook(fn func(Attempt)) Option {
	return func(p *Protocol) { p.onAttempt = fn }
}

// Protocol is the live session protocol. All methods are safe for concurrent
// use.
type Protocol struct {
	transport live.Transport
	cfg       Config
	now       func() time.Time
	jitter    func(time.Duration) time.Duration
	sleep     func(context.Context, time.Duration) error
	onAttempt func(Attempt)

	mu      sync.Mutex // serialises handle installation and Close
	epoch   uint64
	gen     atomic.Uint64
	current atomic.Pointer[Handle]
	dropped atomic.Uint64
}

// New returns a Protocol negotiating links through transport.
func New(transport live.Transport, cfg Config, opts ...Option) *Protocol {
	p := &Protocol{
		transport: transport,
		cfg:       cfg.WithDefaults(),
		now:       time.Now,
		jitter:    halfJitter,
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Current returns the current handle, or nil.
func (p *Protocol) Current() *Handle { return p.current.Load() }

// DroppedSends reports how many audio frames were discarded because their
// handle was stale or the outbound queue was full.
func (p *Protocol) DroppedSends() uint64 { return p.dropped.Load() }

// Connect negotiates a fresh link and makes it current. Failures are
// returned as [*live.ConnectError].
func (p *Protocol) Connect(ctx context.Context, cfg live.SessionConfig) (*Handle, error) {
	cfg = cfg.WithDefaults()
	cfg.ResumeToken = ""

	ctx, span := observe.StartSpan(ctx, "session.connect",
		attribute.String("model", cfg.Model),
		attribute.String("modality", string(cfg.Modality)),
		attribute.String("vad", string(cfg.VADMode)),
	)
	defer span.End()

	if !cfg.Modality.Valid() || !cfg.VADMode.Valid() {
		err := &live.ConnectError{
			Reason: live.ConnectUnsupportedConfig,
			Err:    fmt.Errorf("modality %q with vad %q", cfg.Modality, cfg.VADMode),
		}
		return nil, span.Fail(err)
	}

	epoch := p.currentEpoch()
	conn, err := p.transport.Negotiate(ctx, cfg)
	if err != nil {
		var ce *live.ConnectError
		if !errors.As(err, &ce) {
			err = &live.ConnectError{Reason: live.ConnectNetwork, Err: err}
		}
		return nil, span.Fail(err)
	}

	h, err := p.install(epoch, conn, cfg, false, "", time.Time{})
	if err != nil {
		return nil, span.Fail(err)
	}
	span.SetAttributes(attribute.Int64("generation", int64(h.gen)))
	observe.Logger(ctx).Info("session: connected",
		"generation", h.gen,
		"model", cfg.Model,
		"modality", cfg.Modality,
		"vad", cfg.VADMode,
	)
	return h, nil
}

// Resume negotiates a link continuing the remote context of hint, using its
// latest resumption token. Failures are returned as [*live.ResumeError].
func (p *Protocol) Resume(ctx context.Context, hint *Handle) (*Handle, error) {
	ctx, span := observe.StartSpan(ctx, "session.resume")
	defer span.End()

	if hint == nil {
		return nil, span.Fail(&live.ResumeError{Reason: live.ResumeNotFound, Err: errors.New("no handle")})
	}
	token, tokenAt := hint.link.resumption()
	if token == "" {
		return nil, span.Fail(&live.ResumeError{Reason: live.ResumeNotFound, Err: errors.New("no resumption token")})
	}
	if hint.Expired(p.now()) {
		return nil, span.Fail(&live.ResumeError{Reason: live.ResumeExpired})
	}

	cfg := hint.cfg
	cfg.ResumeToken = token
	span.SetAttributes(attribute.Int64("hint_generation", int64(hint.gen)))

	epoch := p.currentEpoch()
	conn, err := p.transport.Negotiate(ctx, cfg)
	if err != nil {
		reason := live.ResumeNotFound
		if live.ConnectReasonOf(err) == live.ConnectNetwork {
			reason = live.ResumeNetwork
		}
		return nil, span.Fail(&live.ResumeError{Reason: reason, Err: err})
	}

	cfg.ResumeToken = ""
	h, err := p.install(epoch, conn, cfg, true, token, tokenAt)
	if err != nil {
		return nil, span.Fail(err)
	}
	observe.Logger(ctx).Info("session: resumed", "generation", h.gen, "from", hint.gen)
	return h, nil
}

// install makes conn the current link unless Close ran since epoch.
func (p *Protocol) install(epoch uint64, conn live.Conn, cfg live.SessionConfig, resumed bool, token string, tokenAt time.Time) (*Handle, error) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	gen := p.gen.Add(1)
	l := newLink(conn, gen, p.cfg, p.now)
	l.setResumption(token, tokenAt)
	h := &Handle{
		gen:     gen,
		cfg:     cfg,
		created: p.now(),
		ttl:     p.cfg.ResumptionTTL,
		resumed: resumed,
		link:    l,
	}
	old := p.current.Swap(h)
	l.start(func() bool { return p.current.Load() == h })
	p.mu.Unlock()

	if old != nil {
		old.link.close()
	}
	return h, nil
}

func (p *Protocol) currentEpoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// Close invalidates the current handle and tears down its link. Connects in
// flight fail with [ErrClosed]. The Protocol stays usable for a new Connect.
func (p *Protocol) Close() error {
	p.mu.Lock()
	p.epoch++
	h := p.current.Swap(nil)
	p.mu.Unlock()
	if h != nil {
		h.link.close()
		slog.Info("session: closed", "generation", h.gen)
	}
	return nil
}

// ── Data plane ───────────────────────────────────────────────────────────────

// SendAudio queues frame for h without blocking. Frames for a stale handle,
// a dead link or a full queue are dropped and counted.
func (p *Protocol) SendAudio(h *Handle, frame audio.AudioFrame) {
	if h == nil || p.current.Load() != h || !h.link.tryEnqueue(outbound{kind: outAudio, pcm: frame.Data}) {
		p.dropped.Add(1)
	}
}

// SendText sends a textual user turn on h and waits until it is written.
func (p *Protocol) SendText(ctx context.Context, h *Handle, text string, turnComplete bool) error {
	if err := p.roundTrip(ctx, h, outbound{kind: outText, text: text, flag: turnComplete}); err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}
	return nil
}

// SendActivity queues a client VAD start (true) or end (false) marker on h
// behind the audio already queued. It blocks only while the queue is full;
// write failures surface as the link dropping.
func (p *Protocol) SendActivity(ctx context.Context, h *Handle, start bool) error {
	if h == nil || p.current.Load() != h {
		return fmt.Errorf("session: send activity: %w", ErrStaleHandle)
	}
	if err := h.link.enqueue(ctx, outbound{kind: outActivity, flag: start}); err != nil {
		return fmt.Errorf("session: send activity: %w", err)
	}
	return nil
}

func (p *Protocol) roundTrip(ctx context.Context, h *Handle, o outbound) error {
	if h == nil || p.current.Load() != h {
		return ErrStaleHandle
	}
	o.result = make(chan error, 1)
	if err := h.link.enqueue(ctx, o); err != nil {
		return err
	}
	select {
	case err := <-o.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.link.ctx.Done():
		// The writer may have finished just before the link died.
		select {
		case err := <-o.result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Events returns the event sequence of h. The sequence ends after a
// [Disconnected] event or when the handle is superseded or closed. It can be
// ranged over once; later calls yield nothing.
func (p *Protocol) Events(h *Handle) iter.Seq[ServerEvent] {
	return func(yield func(ServerEvent) bool) {
		if h == nil || !h.link.claim() {
			return
		}
		for ev := range h.link.events {
			if !yield(ev) {
				return
			}
		}
	}
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
