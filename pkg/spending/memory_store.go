package spending

import (
	"context"
	"sync"
)

// MemoryStore keeps windows in a map. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[Key]Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[Key]Window)}
}

func (s *MemoryStore) Load(_ context.Context, key Key) (Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windows[key], nil
}

func (s *MemoryStore) SaveAll(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.windows[e.Key] = e.Window
	}
	return nil
}

// Len returns the number of stored windows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}
