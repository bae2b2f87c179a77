package session

import (
	"sort"
	"sync"
)

// Registry is the set of dial contexts owned by known tenants. It only grows.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]struct{})}
}

// AddContext registers dialContext. Empty strings are ignored.
func (r *Registry) AddContext(dialContext string) {
	if dialContext == "" {
		return
	}
	r.mu.Lock()
	r.contexts[dialContext] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) HasContext(dialContext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contexts[dialContext]
	return ok
}

// Contexts returns the registered contexts sorted.
func (r *Registry) Contexts() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.contexts))
	for c := range r.contexts {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}
