package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to transport and VAD constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]func(LiveConfig) (live.Transport, error)
	vad        map[string]func() (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]func(LiveConfig) (live.Transport, error)),
		vad:        make(map[string]func() (vad.Engine, error)),
	}
}

// RegisterTransport registers a transport factory under name. Registering the
// same name again replaces the factory.
func (r *Registry) RegisterTransport(name string, factory func(LiveConfig) (live.Transport, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func() (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateTransport builds the transport named by cfg.Provider.
func (r *Registry) CreateTransport(cfg LiveConfig) (live.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q (known: %v)", ErrProviderNotRegistered, cfg.Provider, r.TransportNames())
	}
	return factory(cfg)
}

// CreateVAD builds the engine registered under name.
func (r *Registry) CreateVAD(name string) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, name)
	}
	return factory()
}

// TransportNames returns the registered transport names in sorted order.
func (r *Registry) TransportNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
