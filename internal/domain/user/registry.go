package user

import (
	"sync"
)

// Registry holds the current profile snapshot per user. Reload swaps a
// user's profile atomically; readers always observe a complete generation.
type Registry struct {
	mu         sync.RWMutex
	profiles   map[string]*Profile
	generation int64
}

func NewRegistry(profiles ...*Profile) *Registry {
	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r
}

// Get returns the current profile for a user, or nil.
func (r *Registry) Get(userID string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[userID]
}

// Swap replaces a user's profile snapshot and returns the new generation.
func (r *Registry) Swap(p *Profile) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
	r.generation++
	return r.generation
}

// Generation returns the current configuration generation.
func (r *Registry) Generation() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// All returns a snapshot of every registered profile.
func (r *Registry) All() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}
