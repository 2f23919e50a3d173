// Package mock provides in-memory [audio.InputDevice] and [audio.OutputDevice]
// implementations for unit tests.
//
// All mocks are safe for concurrent use. They record lifecycle calls and let
// the test drive the device thread explicitly:
//
//	in := mock.NewInput(audio.Format{SampleRate: 48000, Channels: 2})
//	capture := audio.NewCapture(in)
//	_ = capture.Start()
//	in.Push(pcm) // runs the capture callback synchronously
//
//	out := mock.NewOutput(audio.Format{SampleRate: 24000, Channels: 1})
//	playback := audio.NewPlayback(out)
//	_ = playback.Start()
//	rendered := out.Pull(960) // asks playback for 960 bytes
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrNotStarted is returned by Push and Pull on a device that is not running.
var ErrNotStarted = errors.New("mock: device not started")

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock [audio.InputDevice].
type Input struct {
	mu     sync.Mutex
	format audio.Format
	onData func([]byte)

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// CallCountStart, CallCountStop and CallCountClose record lifecycle calls.
	CallCountStart int
	CallCountStop  int
	CallCountClose int
}

// NewInput returns an input device reporting format f.
func NewInput(f audio.Format) *Input {
	return &Input{format: f}
}

// Format implements [audio.InputDevice].
func (d *Input) Format() audio.Format { return d.format }

// Start implements [audio.InputDevice].
func (d *Input) Start(onData func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.onData = onData
	return nil
}

// Stop implements [audio.InputDevice].
func (d *Input) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.onData = nil
	return nil
}

// Close implements [audio.InputDevice].
func (d *Input) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.onData = nil
	return nil
}

// Started reports whether the device holds a callback.
func (d *Input) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onData != nil
}

// Push delivers pcm to the registered callback on the calling goroutine.
func (d *Input) Push(pcm []byte) error {
	d.mu.Lock()
	cb := d.onData
	d.mu.Unlock()
	if cb == nil {
		return ErrNotStarted
	}
	cb(pcm)
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.OutputDevice].
type Output struct {
	mu     sync.Mutex
	format audio.Format
	fill   func([]byte)

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// CallCountStart, CallCountStop and CallCountClose record lifecycle calls.
	CallCountStart int
	CallCountStop  int
	CallCountClose int
}

// NewOutput returns an output device reporting format f.
func NewOutput(f audio.Format) *Output {
	return &Output{format: f}
}

// Format implements [audio.OutputDevice].
func (d *Output) Format() audio.Format { return d.format }

// Start implements [audio.OutputDevice].
func (d *Output) Start(fill func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.fill = fill
	return nil
}

// Stop implements [audio.OutputDevice].
func (d *Output) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.fill = nil
	return nil
}

// Close implements [audio.OutputDevice].
func (d *Output) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.fill = nil
	return nil
}

// Pull simulates one device period asking for n bytes.
func (d *Output) Pull(n int) ([]byte, error) {
	d.mu.Lock()
	fill := d.fill
	d.mu.Unlock()
	if fill == nil {
		return nil, ErrNotStarted
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xAA // fill must overwrite every byte
	}
	fill(out)
	return out, nil
}

var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
)
