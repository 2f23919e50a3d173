// Package energy implements [vad.Engine] with an RMS energy detector and
// two-threshold hysteresis.
//
// A stream moves from silence to speech after SpeechFrames consecutive frames
// at or above SpeechThreshold, and back to silence after SilenceFrames
// consecutive frames below SilenceThreshold. Levels between the two
// thresholds keep the current state.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Engine creates energy detector sessions.
type Engine struct{}

// New returns an energy detector engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine]. Zero config fields take the vad package
// defaults.
func (*Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: new session: %w", err)
	}
	return &Session{cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

// Session is one stream's detector state.
type Session struct {
	mu         sync.Mutex
	cfg        vad.Config
	frameBytes int
	speaking   bool
	run        int // consecutive frames pushing toward the opposite state
	closed     bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := audio.RMSLevelPCM(frame)
	ev := vad.VADEvent{Probability: level}

	if !s.speaking {
		if level >= s.cfg.SpeechThreshold {
			s.run++
		} else {
			s.run = 0
		}
		if s.run >= s.cfg.SpeechFrames {
			s.speaking = true
			s.run = 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
		ev.Type = vad.VADSilence
		return ev, nil
	}

	if level < s.cfg.SilenceThreshold {
		s.run++
	} else {
		s.run = 0
	}
	if s.run >= s.cfg.SilenceFrames {
		s.speaking = false
		s.run = 0
		ev.Type = vad.VADSpeechEnd
		return ev, nil
	}
	ev.Type = vad.VADSpeechContinue
	return ev, nil
}

// Speaking reports whether the session is inside a speech segment.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reconfigure implements [vad.SessionHandle].
func (s *Session) Reconfigure(cfg vad.Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("energy: reconfigure: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.frameBytes = cfg.FrameBytes()
	s.run = 0
	return nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.run = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
