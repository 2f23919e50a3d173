// Package miniaudio implements [audio.InputDevice] and [audio.OutputDevice]
// over the miniaudio library through malgo.
//
// The backend context is owned explicitly: the host creates one [Context],
// opens devices from it and closes it after every device is closed.
package miniaudio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Context owns the miniaudio backend context.
type Context struct {
	ctx  *malgo.AllocatedContext
	once sync.Once
}

// NewContext initialises the default backend. Failures are returned as
// *[audio.DeviceError].
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio: backend", "message", message)
	})
	if err != nil {
		return nil, audio.NewDeviceError("backend", fmt.Errorf("miniaudio: init context: %w", err))
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the backend context. Devices opened from it must be closed
// first.
func (c *Context) Close() error {
	c.once.Do(func() {
		_ = c.ctx.Uninit()
		c.ctx.Free()
	})
	return nil
}

// DeviceConfig selects a device and its native format.
type DeviceConfig struct {
	// Name picks the first device whose name contains it, case-insensitively.
	// Empty selects the system default.
	Name string

	SampleRate int
	Channels   int

	// PeriodFrames is the device period in sample frames. Zero lets the
	// backend choose.
	PeriodFrames int
	Periods      int
}

func (c DeviceConfig) format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: max(c.Channels, 1)}
}

func (c DeviceConfig) apply(dc *malgo.DeviceConfig) {
	dc.SampleRate = uint32(c.SampleRate)
	dc.Alsa.NoMMap = 1
	dc.PerformanceProfile = malgo.LowLatency
	if c.PeriodFrames > 0 {
		dc.PeriodSizeInFrames = uint32(c.PeriodFrames)
	}
	if c.Periods > 0 {
		dc.Periods = uint32(c.Periods)
	}
}

// Devices lists the names of the capture or playback devices.
func (c *Context) Devices(capture bool) ([]string, error) {
	infos, err := c.ctx.Context.Devices(kindOf(capture))
	if err != nil {
		return nil, audio.NewDeviceError("backend", fmt.Errorf("miniaudio: list devices: %w", err))
	}
	names := make([]string, len(infos))
	for i := range infos {
		names[i] = infos[i].Name()
	}
	return names, nil
}

// lookup returns the device matching name. The returned info must stay
// reachable until the device is initialised since its ID is passed by
// pointer.
func (c *Context) lookup(capture bool, name string) (*malgo.DeviceInfo, error) {
	infos, err := c.ctx.Context.Devices(kindOf(capture))
	if err != nil {
		return nil, fmt.Errorf("miniaudio: list devices: %w", err)
	}
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), strings.ToLower(name)) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("miniaudio: no device matches %q", name)
}

func kindOf(capture bool) malgo.DeviceType {
	if capture {
		return malgo.Capture
	}
	return malgo.Playback
}

// device is the shared lifecycle of input and output devices.
type device struct {
	role   string
	format audio.Format
	dev    *malgo.Device

	mu     sync.Mutex
	closed bool
}

func (d *device) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.NewDeviceError(d.role, fmt.Errorf("miniaudio: device closed"))
	}
	if d.dev.IsStarted() {
		return nil
	}
	if err := d.dev.Start(); err != nil {
		return audio.NewDeviceError(d.role, fmt.Errorf("miniaudio: start %s: %w", d.role, err))
	}
	return nil
}

func (d *device) stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.dev.IsStarted() {
		return nil
	}
	if err := d.dev.Stop(); err != nil {
		return audio.NewDeviceError(d.role, fmt.Errorf("miniaudio: stop %s: %w", d.role, err))
	}
	return nil
}

func (d *device) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var err error
	if d.dev.IsStarted() {
		err = d.dev.Stop()
	}
	d.dev.Uninit()
	if err != nil {
		return audio.NewDeviceError(d.role, fmt.Errorf("miniaudio: stop %s: %w", d.role, err))
	}
	return nil
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a microphone opened through miniaudio.
type Input struct {
	device
	onData atomic.Pointer[func([]byte)]
}

// NewInput opens a capture device in S16 format.
func (c *Context) NewInput(cfg DeviceConfig) (*Input, error) {
	in := &Input{device: device{role: "capture", format: cfg.format()}}
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * in.format.Channels

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(in.format.Channels)
	cfg.apply(&dc)
	if cfg.Name != "" {
		info, err := c.lookup(true, cfg.Name)
		if err != nil {
			return nil, audio.NewDeviceError("capture", err)
		}
		dc.Capture.DeviceID = info.ID.Pointer()
	}

	dev, err := malgo.InitDevice(c.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(pInput) < n {
				return
			}
			if cb := in.onData.Load(); cb != nil {
				(*cb)(pInput[:n])
			}
		},
	})
	if err != nil {
		return nil, audio.NewDeviceError("capture", fmt.Errorf("miniaudio: init capture: %w", err))
	}
	in.dev = dev
	return in, nil
}

// Format implements [audio.InputDevice].
func (in *Input) Format() audio.Format { return in.format }

// Start implements [audio.InputDevice].
func (in *Input) Start(onData func([]byte)) error {
	in.onData.Store(&onData)
	if err := in.start(); err != nil {
		in.onData.Store(nil)
		return err
	}
	return nil
}

// Stop implements [audio.InputDevice].
func (in *Input) Stop() error {
	err := in.stop()
	in.onData.Store(nil)
	return err
}

// Close implements [audio.InputDevice].
func (in *Input) Close() error {
	in.onData.Store(nil)
	return in.close()
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a speaker opened through miniaudio.
type Output struct {
	device
	fill atomic.Pointer[func([]byte)]
}

// NewOutput opens a playback device in S16 format.
func (c *Context) NewOutput(cfg DeviceConfig) (*Output, error) {
	out := &Output{device: device{role: "playback", format: cfg.format()}}
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * out.format.Channels

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.Playback.Format = malgo.FormatS16
	dc.Playback.Channels = uint32(out.format.Channels)
	cfg.apply(&dc)
	if cfg.Name != "" {
		info, err := c.lookup(false, cfg.Name)
		if err != nil {
			return nil, audio.NewDeviceError("playback", err)
		}
		dc.Playback.DeviceID = info.ID.Pointer()
	}

	dev, err := malgo.InitDevice(c.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			n := min(int(frameCount)*bytesPerFrame, len(pOutput))
			if fill := out.fill.Load(); fill != nil {
				(*fill)(pOutput[:n])
				return
			}
			clear(pOutput[:n])
		},
	})
	if err != nil {
		return nil, audio.NewDeviceError("playback", fmt.Errorf("miniaudio: init playback: %w", err))
	}
	out.dev = dev
	return out, nil
}

// Format implements [audio.OutputDevice].
func (out *Output) Format() audio.Format { return out.format }

// Start implements [audio.OutputDevice].
func (out *Output) Start(fill func([]byte)) error {
	out.fill.Store(&fill)
	if err := out.start(); err != nil {
		out.fill.Store(nil)
		return err
	}
	return nil
}

// Stop implements [audio.OutputDevice].
func (out *Output) Stop() error {
	err := out.stop()
	out.fill.Store(nil)
	return err
}

// Close implements [audio.OutputDevice].
func (out *Output) Close() error {
	out.fill.Store(nil)
	return out.close()
}

var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
)
