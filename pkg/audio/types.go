package audio

import (
	"encoding/binary"
	"time"
)

// Wire rates used by the live session.
const (
	// InputSampleRate is the rate of captured audio sent to the model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of model audio handed to playback.
	OutputSampleRate = 24000
)

// AudioFrame is a single chunk of PCM audio. Capture produces frames at the
// wire rate and the model's audio is wrapped in frames before playback.
// A frame is never mutated after it has been handed to another component.
type AudioFrame struct {
	// Data holds little-endian int16 PCM samples, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for model audio).
	SampleRate int

	// Channels is 1 for mono and 2 for stereo.
	Channels int

	// Seq increases strictly per direction and is never reused. Zero means
	// the frame has not been sequenced.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples decodes Data into int16 samples.
func (f AudioFrame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// Duration reports how much audio the frame holds.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().DurationOf(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame is the size of one interleaved sample frame.
func (f Format) BytesPerFrame() int {
	return max(f.Channels, 1) * 2
}

// BytesFor returns the number of PCM16 bytes that hold d of audio in this
// format, rounded down to a whole sample frame.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.BytesPerFrame()
}

// DurationOf is the inverse of [Format.BytesFor].
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	frames := n / f.BytesPerFrame()
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
