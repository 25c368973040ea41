package controller

import (
	"slices"
	"sync"
)

// Registry is the set of sessions attached to the controller. The registrar
// adds to it, the scheduler iterates and prunes it; one mutex covers every
// access.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
	changed  chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{changed: make(chan struct{}, 1)}
}

// Add attaches a session. It must be called before the session runs.
func (r *Registry) Add(s *Session) {
	s.notify = r.signal
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	r.signal()
}

// Remove detaches a session.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = slices.DeleteFunc(r.sessions, func(other *Session) bool { return other == s })
}

// Snapshot returns the sessions in registration order.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sessions)
}

// Len returns the number of attached sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Changed fires after a session is added, reports results or dies.
func (r *Registry) Changed() <-chan struct{} {
	return r.changed
}

func (r *Registry) signal() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}
