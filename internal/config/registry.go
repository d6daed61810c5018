package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/micgraph/pkg/audio/capture"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// DriverFactory builds a capture driver from the capture section.
type DriverFactory func(CaptureConfig) (capture.Driver, error)

// SinkFactory builds a destination sink. The full config is passed because
// sinks need the format produced by the worklet as well as their own section.
type SinkFactory func(*Config) (sink.Sink, error)

// Registry maps driver and destination names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]DriverFactory
	sinks   map[string]SinkFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]DriverFactory),
		sinks:   make(map[string]SinkFactory),
	}
}

// RegisterDriver registers a capture driver factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDriver(name string, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = factory
}

// RegisterSink registers a destination sink factory under name.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateDriver instantiates the capture driver registered under c.Driver.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDriver(c CaptureConfig) (capture.Driver, error) {
	r.mu.RLock()
	factory, ok := r.drivers[c.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: driver/%q", ErrNotRegistered, c.Driver)
	}
	return factory(c)
}

// CreateSink instantiates the sink registered under cfg.Destination.Kind.
func (r *Registry) CreateSink(cfg *Config) (sink.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[cfg.Destination.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, cfg.Destination.Kind)
	}
	return factory(cfg)
}

// Drivers returns the registered driver names, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
