package treasury

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

// Registry owns every treasury. Each treasury has its own lock so that
// transitions on one treasury never wait on another.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu sync.RWMutex
	t  *Treasury
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create registers a new treasury and returns a copy of it.
func (r *Registry) Create(owners []string, threshold int, now time.Time) (*Treasury, error) {
	t, err := New(owners, threshold, now)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.entries[t.ID] = &entry{t: t}
	r.mu.Unlock()
	return t.Clone(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("treasury %q: %w", id, fault.ErrNotFound)
	}
	return e, nil
}

// Exclusive runs fn with the treasury's write lock held. fn receives a copy;
// the copy replaces the stored treasury only if fn returns nil, so a failed
// transition leaves the treasury unchanged.
func (r *Registry) Exclusive(id string, fn func(t *Treasury) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.t.Clone()
	if err := fn(work); err != nil {
		return err
	}
	e.t = work
	return nil
}

// Shared runs fn with the treasury's read lock held. fn receives a copy.
func (r *Registry) Shared(id string, fn func(t *Treasury) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(e.t.Clone())
}

// Get returns a snapshot of the treasury.
func (r *Registry) Get(id string) (*Treasury, error) {
	var out *Treasury
	err := r.Shared(id, func(t *Treasury) error {
		out = t
		return nil
	})
	return out, err
}

// List returns snapshots of every treasury ordered by creation time.
func (r *Registry) List() []*Treasury {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*Treasury, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.t.Clone())
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
