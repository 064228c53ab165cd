package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/weltlinger/trunkline/pkg/provider/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.CreateRealtime] when no
// factory has been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RealtimeFactory builds a realtime provider from one upstream config block.
// The entry names the backend; the shared block carries voice and sampling
// parameters common to primary and fallbacks.
type RealtimeFactory func(entry UpstreamEntry, shared UpstreamConfig) (realtime.Provider, error)

// Registry maps upstream backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]RealtimeFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]RealtimeFactory)}
}

// RegisterRealtime registers a backend factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// CreateRealtime instantiates the backend registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateRealtime(entry UpstreamEntry, shared UpstreamConfig) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, shared)
}

// Names returns the registered backend names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
