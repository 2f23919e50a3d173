package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Frame duration bounds for [Capture].
const (
	DefaultFrameDuration = 20 * time.Millisecond
	MinFrameDuration     = 20 * time.Millisecond
	MaxFrameDuration     = 100 * time.Millisecond
)

// DefaultCaptureQueue is how many frames Capture holds for a lagging consumer
// before the drop policy starts evicting.
const DefaultCaptureQueue = 8

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithFrameDuration sets the emitted frame size. Values are clamped to
// [MinFrameDuration, MaxFrameDuration].
func WithFrameDuration(d time.Duration) CaptureOption {
	return func(c *Capture) {
		c.frameDur = max(MinFrameDuration, min(MaxFrameDuration, d))
	}
}

// WithDropPolicy sets the strategy used when the consumer lags.
func WithDropPolicy(p DropPolicy) CaptureOption {
	return func(c *Capture) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithQueueFrames sets the queue capacity handed to the drop policy.
func WithQueueFrames(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithCaptureFormat overrides the emitted format. The default is the wire
// format, 16 kHz mono.
func WithCaptureFormat(f Format) CaptureOption {
	return func(c *Capture) {
		c.target = f
	}
}

// Capture turns an [InputDevice]'s callback stream into fixed-duration,
// sequenced frames in the wire format. The device callback only slices,
// converts and queues; a pump goroutine delivers queued frames to [Capture.Frames].
//
// Sequence numbers keep increasing across Stop and Start. No frame captured
// before Stop is delivered after Stop returns.
type Capture struct {
	dev      InputDevice
	target   Format
	frameDur time.Duration
	policy   DropPolicy
	capacity int

	ctl     sync.Mutex // serialises Start, Stop, Close
	active  atomic.Bool
	closed  bool
	sending sync.Mutex // held by the pump from pop until the frame is handed off

	mu       sync.Mutex // guards the fields below, taken on the device thread
	conv     FormatConverter
	pending  []byte
	queue    []AudioFrame
	run      chan struct{} // closed when the current run stops
	seq      uint64
	captured time.Duration

	dropped atomic.Uint64
	notify  chan struct{}
	out     chan AudioFrame
	done    chan struct{}
}

// NewCapture wraps dev. Call Start to begin capturing and Close to release
// the device.
func NewCapture(dev InputDevice, opts ...CaptureOption) *Capture {
	c := &Capture{
		dev:      dev,
		target:   Format{SampleRate: InputSampleRate, Channels: 1},
		frameDur: DefaultFrameDuration,
		policy:   KeepLatest{},
		capacity: DefaultCaptureQueue,
		notify:   make(chan struct{}, 1),
		out:      make(chan AudioFrame),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.conv = FormatConverter{Target: c.target}
	go c.pump()
	return c
}

// Frames delivers captured frames in sequence order. The channel is closed by
// [Capture.Close].
func (c *Capture) Frames() <-chan AudioFrame { return c.out }

// FrameDuration is the duration of each emitted frame.
func (c *Capture) FrameDuration() time.Duration { return c.frameDur }

// Dropped reports how many frames the drop policy has evicted.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }

// Running reports whether the device is delivering audio.
func (c *Capture) Running() bool { return c.active.Load() }

// Start begins capturing. Calling Start on a running capture is a no-op.
// Failures are returned as *[DeviceError].
func (c *Capture) Start() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if c.closed {
		return &DeviceError{Reason: DeviceUnavailable, Device: "capture", Err: errClosed}
	}
	if c.active.Load() {
		return nil
	}
	c.mu.Lock()
	c.run = make(chan struct{})
	c.mu.Unlock()
	c.active.Store(true)
	if err := c.dev.Start(c.onData); err != nil {
		c.active.Store(false)
		c.endRun()
		return NewDeviceError("capture", err)
	}
	slog.Debug("audio: capture started", "format", c.target, "frame", c.frameDur)
	return nil
}

// Stop halts capturing and discards partial and queued audio. Calling Stop on
// a stopped capture is a no-op.
func (c *Capture) Stop() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.stopLocked()
}

func (c *Capture) stopLocked() error {
	if !c.active.Swap(false) {
		return nil
	}
	// The device may still be inside onData; it sees active=false and returns
	// without touching the queue.
	err := c.dev.Stop()
	c.endRun()

	// Wait out a frame the pump popped before the queue was cleared.
	c.sending.Lock()
	c.sending.Unlock()

	slog.Debug("audio: capture stopped", "dropped", c.dropped.Load())
	if err != nil {
		return NewDeviceError("capture", err)
	}
	return nil
}

// Close stops capturing, releases the device and closes the frame channel.
func (c *Capture) Close() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	stopErr := c.stopLocked()
	close(c.done)
	if err := c.dev.Close(); err != nil {
		return NewDeviceError("capture", err)
	}
	return stopErr
}

// onData runs on the device thread.
func (c *Capture) onData(pcm []byte) {
	if !c.active.Load() {
		return
	}
	native := c.dev.Format()
	frameBytes := native.BytesFor(c.frameDur)
	if frameBytes == 0 {
		return
	}

	c.mu.Lock()
	c.pending = append(c.pending, pcm...)
	var dropped, queued int
	for len(c.pending) >= frameBytes {
		raw := make([]byte, frameBytes)
		copy(raw, c.pending)
		n := copy(c.pending, c.pending[frameBytes:])
		c.pending = c.pending[:n]

		frame, err := c.conv.Convert(AudioFrame{
			Data:       raw,
			SampleRate: native.SampleRate,
			Channels:   native.Channels,
		})
		if err != nil {
			continue
		}
		c.seq++
		frame.Seq = c.seq
		frame.Timestamp = c.captured
		c.captured += c.frameDur

		var d int
		c.queue, d = c.policy.Admit(c.queue, frame, c.capacity)
		dropped += d
		queued++
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.dropped.Add(uint64(dropped))
	}
	if queued > 0 {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// endRun discards partial and queued audio and releases a pump blocked on a
// frame from the run.
func (c *Capture) endRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = c.pending[:0]
	clear(c.queue)
	c.queue = c.queue[:0]
	if c.run != nil {
		close(c.run)
		c.run = nil
	}
}

// pop returns the oldest queued frame and the run it belongs to.
func (c *Capture) pop() (AudioFrame, <-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 || c.run == nil {
		return AudioFrame{}, nil, false
	}
	f := c.queue[0]
	n := copy(c.queue, c.queue[1:])
	c.queue[n] = AudioFrame{}
	c.queue = c.queue[:n]
	return f, c.run, true
}

// deliver hands one queued frame to the consumer, dropping it if its run
// ends first. It reports false once the queue is empty or the capture closed.
func (c *Capture) deliver() bool {
	c.sending.Lock()
	defer c.sending.Unlock()
	f, run, ok := c.pop()
	if !ok {
		return false
	}
	select {
	case c.out <- f:
	case <-run:
	case <-c.done:
		return false
	}
	return true
}

func (c *Capture) pump() {
	defer close(c.out)
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		for c.deliver() {
		}
	}
}
