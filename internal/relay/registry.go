package relay

import (
	"context"
	"sync"
)

// Registry tracks active sessions and supports graceful draining. When
// draining, new sessions are rejected while existing ones finish.
//
// The draining check and wg.Add happen under mu in Add so StartDraining
// followed by Wait cannot miss a session that slipped in between.
type Registry struct {
	mu       sync.Mutex
	draining bool
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. It returns false if the registry is draining.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	if _, ok := r.sessions[s.ID()]; ok {
		return true
	}
	r.sessions[s.ID()] = s
	r.wg.Add(1)
	return true
}

// Remove unregisters the session with id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.wg.Done()
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StartDraining makes future Add calls fail.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// CloseAll closes every active session. Sessions stay registered until
// their transport removes them.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Wait blocks until every registered session has been removed or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
