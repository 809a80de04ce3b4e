package session

import (
	"fmt"
	"sync"
)

// NoSessionError is returned when a session id is not in the registry.
type NoSessionError struct {
	ID string
}

func (e NoSessionError) Error() string {
	return fmt.Sprintf("no session %q", e.ID)
}

// Registry keeps the open sessions keyed by id. Sessions are not safe
// for concurrent use but the registry is.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	r.sessions[s.ID] = s
}

// Get returns the session whose id is id or starts with it.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	var found *Session
	for _, sid := range r.order {
		if len(id) > 0 && len(sid) >= len(id) && sid[:len(id)] == id {
			if found != nil {
				return nil, fmt.Errorf("session id %q is ambiguous", id)
			}
			found = r.sessions[sid]
		}
	}
	if found == nil {
		return nil, NoSessionError{id}
	}
	return found, nil
}

// List returns the sessions in the order they were added.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ss := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		ss = append(ss, r.sessions[id])
	}
	return ss
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove closes and unregisters the session id.
func (r *Registry) Remove(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.sessions, s.ID)
	for i, sid := range r.order {
		if sid == s.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return s.Close()
}

// CloseAll closes every session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ss := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		ss = append(ss, r.sessions[id])
	}
	r.sessions = make(map[string]*Session)
	r.order = nil
	r.mu.Unlock()
	for _, s := range ss {
		s.Close()
	}
}
