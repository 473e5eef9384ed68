// Package listener tracks the realtime subscriptions belonging to one room
// session so they can all be released together. The registry is owned by the
// active session object, never shared globally; every path that ends a
// session must call ReleaseAll.
package listener

import "sync"

// Registry collects unsubscribe handles scoped to the current room session.
type Registry struct {
	mu      sync.Mutex
	handles []func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers an unsubscribe handle. Nil handles are ignored so callers
// can pass the result of a failed subscribe without checking.
func (r *Registry) Add(unsub func()) {
	if unsub == nil {
		return
	}
	r.mu.Lock()
	r.handles = append(r.handles, unsub)
	r.mu.Unlock()
}

// Len reports the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// ReleaseAll unsubscribes every registered handle and clears the registry.
// Idempotent; each handle runs at most once even if it panics elsewhere.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	for _, unsub := range handles {
		unsub()
	}
}
