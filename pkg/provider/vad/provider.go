// Package vad defines the client-side voice activity detection contract used
// when a live session runs with client VAD.
//
// A [Engine] creates one [SessionHandle] per audio stream. Each handle keeps
// its own hysteresis state, so concurrent streams never interfere. Detection
// is synchronous: ProcessFrame returns immediately and is cheap enough to run
// for every captured frame.
package vad

import (
	"errors"
	"fmt"
)

// Default hysteresis parameters.
const (
	DefaultSpeechThreshold  = 0.02
	DefaultSilenceThreshold = 0.01
	DefaultSpeechFrames     = 3
	DefaultSilenceFrames    = 25
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the rate of the PCM16 frames passed to ProcessFrame.
	SampleRate int `yaml:"sample_rate"`

	// FrameSizeMs is the duration of each frame. ProcessFrame rejects frames of
	// any other size.
	FrameSizeMs int `yaml:"frame_size_ms"`

	// SpeechThreshold is the level at or above which a frame counts as voiced.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the level below which a frame counts as unvoiced
	// while speech is active. Must be <= SpeechThreshold.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SpeechFrames is how many consecutive voiced frames start speech.
	SpeechFrames int `yaml:"speech_frames"`

	// SilenceFrames is how many consecutive unvoiced frames end speech.
	SilenceFrames int `yaml:"silence_frames"`
}

// WithDefaults returns c with zero fields replaced by the package defaults.
func (c Config) WithDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameSizeMs == 0 {
		c.FrameSizeMs = 20
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.SpeechFrames == 0 {
		c.SpeechFrames = DefaultSpeechFrames
	}
	if c.SilenceFrames == 0 {
		c.SilenceFrames = DefaultSilenceFrames
	}
	return c
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame_size_ms must be positive, got %d", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech_threshold %v out of range [0,1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: silence_threshold %v out of range [0,1]", c.SilenceThreshold))
	}
	if c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence_threshold must not exceed speech_threshold"))
	}
	if c.SpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: speech_frames must be at least 1, got %d", c.SpeechFrames))
	}
	if c.SilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: silence_frames must be at least 1, got %d", c.SilenceFrames))
	}
	return errors.Join(errs...)
}

// FrameBytes is the PCM16 mono size of one frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle is the detection state for one audio stream. It is not safe
// for concurrent use.
type SessionHandle interface {
	// ProcessFrame classifies one mono PCM16 frame of the configured size.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reconfigure swaps thresholds and frame counts in place. The current
	// speech state is kept; counters restart.
	Reconfigure(cfg Config) error

	// Reset drops all detection state and returns to silence.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates VAD sessions. Implementations are safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
