// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted sequence of events, one per ProcessFrame call,
// and falls back to EventResult once the script is exhausted:
//
//	sess := &mock.Session{Script: []vad.VADEventType{vad.VADSpeechStart, vad.VADSpeechEnd}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a fresh Session is returned.
	Session *Session

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// Configs records the Config of every NewSession call.
	Configs []vad.Config
}

// NewSession records cfg and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session == nil {
		e.Session = &Session{}
	}
	return e.Session, nil
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script is consumed front to back by ProcessFrame.
	Script []vad.VADEventType

	// EventResult is returned once Script is empty.
	EventResult vad.VADEvent

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	Frames         int
	Reconfigured   []vad.Config
	ResetCallCount int
	CloseCallCount int
}

// ProcessFrame returns the next scripted event.
func (s *Session) ProcessFrame(_ []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	if len(s.Script) > 0 {
		t := s.Script[0]
		s.Script = s.Script[1:]
		return vad.VADEvent{Type: t}, nil
	}
	return s.EventResult, nil
}

// Reconfigure records cfg.
func (s *Session) Reconfigure(cfg vad.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reconfigured = append(s.Reconfigured, cfg)
	return nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Processed reports how many frames were processed.
func (s *Session) Processed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Frames
}

// Reconfigs returns a copy of the recorded Reconfigure calls.
func (s *Session) Reconfigs() []vad.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vad.Config(nil), s.Reconfigured...)
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
