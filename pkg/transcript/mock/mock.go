// Package mock provides an in-memory [transcript.Store] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevoice/pkg/transcript"
)

var _ transcript.Store = (*Store)(nil)

// SaveCall records one Save.
type SaveCall struct {
	SessionKey string
	Entries    []transcript.Entry
}

// Store is a mock [transcript.Store] backed by a map.
type Store struct {
	mu   sync.Mutex
	data map[string][]transcript.Entry

	// SaveErr and LoadErr, if non-nil, are returned by Save and Load.
	SaveErr error
	LoadErr error

	SaveCalls []SaveCall
	LoadCalls []string

	// Saved, if non-nil, receives a signal after every Save.
	Saved chan struct{}
}

// Seed stores entries under key as if they had been saved earlier.
func (s *Store) Seed(key string, entries []transcript.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string][]transcript.Entry)
	}
	s.data[key] = transcript.Clone(entries)
}

// Save implements [transcript.Store].
func (s *Store) Save(_ context.Context, key string, entries []transcript.Entry) error {
	s.mu.Lock()
	s.SaveCalls = append(s.SaveCalls, SaveCall{SessionKey: key, Entries: transcript.Clone(entries)})
	err := s.SaveErr
	if err == nil {
		if s.data == nil {
			s.data = make(map[string][]transcript.Entry)
		}
		s.data[key] = transcript.Clone(entries)
	}
	saved := s.Saved
	s.mu.Unlock()

	if saved != nil {
		select {
		case saved <- struct{}{}:
		default:
		}
	}
	return err
}

// Load implements [transcript.Store].
func (s *Store) Load(_ context.Context, key string) ([]transcript.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoadCalls = append(s.LoadCalls, key)
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	return transcript.Clone(s.data[key]), nil
}

// Entries returns what is currently stored under key.
func (s *Store) Entries(key string) []transcript.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transcript.Clone(s.data[key])
}

// Saves returns a copy of SaveCalls.
func (s *Store) Saves() []SaveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SaveCall(nil), s.SaveCalls...)
}
