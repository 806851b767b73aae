package network

import (
	"sync"

	"zipchat/metrics"
)

// Registry is the set of live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[*Conn]struct{})}
}

// Add registers c.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; ok {
		return
	}
	r.conns[c] = struct{}{}
	metrics.ActiveConnections.Inc()
}

// Remove unregisters c and reports whether it was present.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	metrics.ActiveConnections.Dec()
	return true
}

// ConnectionsFor scans the live set for authenticated connections bound to
// userID. A user may hold several connections at once.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	if userID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for c := range r.conns {
		if c.UserID() == userID && c.Authenticated() {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns the current members.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
