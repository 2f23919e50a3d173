// Package audio holds the local audio path of a live voice session: the PCM
// sample pipeline, microphone capture with fixed-cadence framing, and
// clock-paced playback.
//
// Hardware access sits behind two narrow contracts:
//
//   - [InputDevice] pushes raw PCM from the device callback into [Capture].
//   - [OutputDevice] pulls exactly the bytes it is about to render from [Playback].
//
// The malgo subpackage implements both over miniaudio. Device callbacks run on
// real-time threads, so nothing reached from them may block.
package audio

import (
	"errors"
	"fmt"
	"strings"
)

// InputDevice is a capture device delivering interleaved PCM16 in its native
// [Format].
type InputDevice interface {
	// Format reports the native format of the bytes passed to onData.
	Format() Format

	// Start begins delivery. onData runs on the device thread and must copy pcm
	// if it retains it.
	Start(onData func(pcm []byte)) error

	// Stop halts delivery. Stopping a stopped device is a no-op.
	Stop() error

	// Close releases the device. It implies Stop.
	Close() error
}

// OutputDevice is a playback device that pulls PCM16 in its native [Format].
type OutputDevice interface {
	// Format reports the native format the device renders.
	Format() Format

	// Start begins rendering. fill runs on the device thread and must write
	// exactly len(out) bytes.
	Start(fill func(out []byte)) error

	// Stop halts rendering. Stopping a stopped device is a no-op.
	Stop() error

	// Close releases the device. It implies Stop.
	Close() error
}

var errClosed = errors.New("device closed")

// DeviceErrorReason classifies a [DeviceError].
type DeviceErrorReason int

const (
	// DeviceUnavailable covers missing hardware, busy devices and backend
	// initialisation failures.
	DeviceUnavailable DeviceErrorReason = iota

	// DevicePermissionDenied means the OS refused access to the device.
	DevicePermissionDenied
)

func (r DeviceErrorReason) String() string {
	switch r {
	case DevicePermissionDenied:
		return "permission_denied"
	default:
		return "unavailable"
	}
}

// DeviceError reports a failure to open or run an audio device.
type DeviceError struct {
	Reason DeviceErrorReason
	// Device names the device role, "capture" or "playback".
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: %s device %s: %v", e.Device, e.Reason, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// NewDeviceError wraps err and classifies it from the backend's message.
// A nil err returns nil. Errors that already are a *DeviceError are returned
// unchanged.
func NewDeviceError(device string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	reason := DeviceUnavailable
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed") {
		reason = DevicePermissionDenied
	}
	return &DeviceError{Reason: reason, Device: device, Err: err}
}
