package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DialerFactory builds a realtime dialer from its provider configuration.
type DialerFactory func(ProviderEntry) (realtime.Dialer, error)

// Registry maps provider names to realtime dialer constructors.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]DialerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		realtime: make(map[string]DialerFactory),
	}
}

// Register registers a dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory DialerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// Create instantiates a dialer using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) Create(entry ProviderEntry) (realtime.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.realtime[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.realtime))
	for name := range r.realtime {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OptionString returns the string option key from e.Options, or "" when it
// is absent or not a string.
func (e ProviderEntry) OptionString(key string) (string, bool) {
	v, ok := e.Options[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
