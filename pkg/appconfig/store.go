// Package appconfig provides named application configurations: small
// property sets that hold values, such as broker credentials, which must
// not live in the connector's own configuration.
package appconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a configuration or one of its properties does
// not exist.
var ErrNotFound = errors.New("appconfig: not found")

// Properties is the content of one application configuration.
type Properties map[string]string

// Store retrieves application configurations by name.
type Store interface {
	Fetch(ctx context.Context, name string) (Properties, error)
	Close() error
}

// InMemoryStore is a thread-safe Store backed by a map. It suits tests and
// single-process deployments that load configurations at start-up.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]Properties
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]Properties)}
}

// Put stores a copy of the given properties under name, replacing any
// previous configuration.
func (s *InMemoryStore) Put(_ context.Context, name string, props Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = props.clone()
	return nil
}

// Fetch returns a copy of the named configuration.
func (s *InMemoryStore) Fetch(_ context.Context, name string) (Properties, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	props, ok := s.data[name]
	if !ok {
		return nil, fmt.Errorf("configuration '%s': %w", name, ErrNotFound)
	}
	return props.clone(), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func (p Properties) clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
