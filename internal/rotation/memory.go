package rotation

import (
	"context"
	"fmt"
	"sync"
)

// SelectStore resolves the configured store name. "postgres" (or empty) keeps
// the shared store, "memory" swaps in a per-process one.
func SelectStore(name string, shared Store) (Store, error) {
	switch name {
	case "", "postgres":
		return shared, nil
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown rotation store %q", name)
}

// MemoryStore keeps rings in process. Each terminal has its own lock, so
// updates for different terminals never wait on each other.
type MemoryStore struct {
	mu    sync.Mutex
	rings map[string]*memRing
}

type memRing struct {
	mu   sync.Mutex
	ring Ring
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rings: make(map[string]*memRing)}
}

func (s *MemoryStore) terminal(id string) *memRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rings[id]
	if !ok {
		m = &memRing{ring: Ring{TerminalID: id}}
		s.rings[id] = m
	}
	return m
}

func (s *MemoryStore) Load(_ context.Context, terminalID string) (Ring, error) {
	m := s.terminal(terminalID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, terminalID string, fn func(r *Ring) error) error {
	m := s.terminal(terminalID)
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.ring.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	m.ring = next
	return nil
}
