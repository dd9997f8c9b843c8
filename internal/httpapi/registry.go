package httpapi

import (
	"sync"

	"github.com/p-n-ai/pai-grader/internal/grading"
)

// Registry holds the active grading sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*grading.Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*grading.Session)}
}

// Add registers sess under its id.
func (r *Registry) Add(sess *grading.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID()] = sess
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*grading.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove drops a session. It reports whether the session existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
