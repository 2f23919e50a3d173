package audio

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStaleFrame is returned by [Playback.Enqueue] for a frame whose sequence
// number is not greater than the last accepted one.
var ErrStaleFrame = errors.New("audio: stale playback frame")

// DefaultMaxBuffered bounds how much unrendered audio Playback holds.
const DefaultMaxBuffered = 60 * time.Second

// PlaybackOption configures a [Playback].
type PlaybackOption func(*Playback)

// WithMaxBuffered caps the unrendered audio held by Playback. Beyond it the
// oldest audio is discarded.
func WithMaxBuffered(d time.Duration) PlaybackOption {
	return func(p *Playback) {
		if d > 0 {
			p.maxBuffered = d
		}
	}
}

// Playback renders model audio on an [OutputDevice]. Pacing comes from the
// device clock: the device pulls exactly the bytes it is about to render, and
// missing audio is rendered as silence rather than compressing later audio.
type Playback struct {
	dev         OutputDevice
	maxBuffered time.Duration

	ctl     sync.Mutex // serialises Start, Close
	started bool
	closed  bool

	mu      sync.Mutex // guards the fields below, taken on the device thread
	conv    FormatConverter
	buf     []byte
	paused  bool
	lastSeq uint64

	flushes  atomic.Uint64
	rendered atomic.Uint64
	stale    atomic.Uint64
}

// NewPlayback wraps dev. Call Start to begin rendering.
func NewPlayback(dev OutputDevice, opts ...PlaybackOption) *Playback {
	p := &Playback{
		dev:         dev,
		maxBuffered: DefaultMaxBuffered,
		conv:        FormatConverter{Target: dev.Format()},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins pulling audio. Calling Start on a started playback is a no-op.
func (p *Playback) Start() error {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	if p.closed {
		return &DeviceError{Reason: DeviceUnavailable, Device: "playback", Err: errClosed}
	}
	if p.started {
		return nil
	}
	if err := p.dev.Start(p.fill); err != nil {
		return NewDeviceError("playback", err)
	}
	p.started = true
	return nil
}

// Enqueue schedules frame for rendering after everything already queued.
// Frames with a non-zero Seq not greater than the last accepted one return
// [ErrStaleFrame] and are dropped. Frames are converted to the device format
// when they differ.
func (p *Playback) Enqueue(frame AudioFrame) error {
	p.mu.Lock()
	if frame.Seq != 0 && frame.Seq <= p.lastSeq {
		p.mu.Unlock()
		p.stale.Add(1)
		return ErrStaleFrame
	}
	if frame.Seq != 0 {
		p.lastSeq = frame.Seq
	}
	p.mu.Unlock()

	// Conversion runs outside the lock so the device thread is never held up
	// by resampling.
	converted, err := p.conv.Convert(frame)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, converted.Data...)
	if limit := p.dev.Format().BytesFor(p.maxBuffered); limit > 0 && len(p.buf) > limit {
		excess := len(p.buf) - limit
		excess -= excess % p.dev.Format().BytesPerFrame()
		n := copy(p.buf, p.buf[excess:])
		p.buf = p.buf[:n]
		slog.Warn("audio: playback buffer full, discarding oldest audio", "discarded", p.dev.Format().DurationOf(excess))
	}
	return nil
}

// fill runs on the device thread.
func (p *Playback) fill(out []byte) {
	p.mu.Lock()
	n := 0
	if !p.paused {
		n = copy(out, p.buf)
		rest := copy(p.buf, p.buf[n:])
		p.buf = p.buf[:rest]
	}
	p.mu.Unlock()

	clear(out[n:])
	p.rendered.Add(uint64(n))
}

// Pause renders silence without consuming queued audio.
func (p *Playback) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume continues rendering queued audio after [Playback.Pause].
func (p *Playback) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

// Paused reports whether playback is paused.
func (p *Playback) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Flush discards all audio not yet rendered. Sequence tracking is kept so
// late frames of a flushed response are still rejected as stale.
func (p *Playback) Flush() {
	p.mu.Lock()
	discarded := len(p.buf)
	p.buf = p.buf[:0]
	p.mu.Unlock()

	p.flushes.Add(1)
	slog.Debug("audio: playback flushed", "discarded", p.dev.Format().DurationOf(discarded))
}

// Flushes reports how many times Flush was called.
func (p *Playback) Flushes() uint64 { return p.flushes.Load() }

// StaleDropped reports how many frames Enqueue rejected as stale.
func (p *Playback) StaleDropped() uint64 { return p.stale.Load() }

// Rendered reports how much queued audio the device has consumed.
func (p *Playback) Rendered() time.Duration {
	return p.dev.Format().DurationOf(int(p.rendered.Load()))
}

// Buffered reports how much audio is queued but not yet rendered.
func (p *Playback) Buffered() time.Duration {
	p.mu.Lock()
	n := len(p.buf)
	p.mu.Unlock()
	return p.dev.Format().DurationOf(n)
}

// Close stops rendering and releases the device.
func (p *Playback) Close() error {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var stopErr error
	if p.started {
		stopErr = p.dev.Stop()
	}
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
	if err := p.dev.Close(); err != nil {
		return NewDeviceError("playback", err)
	}
	if stopErr != nil {
		return NewDeviceError("playback", stopErr)
	}
	return nil
}
