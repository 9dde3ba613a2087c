package registry

import (
	"sort"
	"sync"
	"time"
)

// Session describes one logged-in client.
type Session struct {
	// Username is the identity declared in the handshake
	Username string

	// SessionID distinguishes successive sessions of the same user in logs
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// ConnectedAt is when the handshake completed
	ConnectedAt time.Time
}

// Registry tracks the usernames that currently hold a session.
//
// At most one session per username is allowed. TryRegister is an atomic
// check-and-insert, so two connections racing with the same username cannot
// both succeed.
//
// The mutex is held only for map access, never across network or disk I/O.
//
// Example usage:
//
//	reg := registry.New()
//	if !reg.TryRegister(registry.Session{Username: "alice"}) {
//	    // reject: alice is already connected
//	}
//	defer reg.Unregister("alice", sessionID)
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
	}
}

// TryRegister adds s if its username is not already registered.
// Returns false, leaving the registry unchanged, if the username is taken.
func (r *Registry) TryRegister(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.Username]; exists {
		return false
	}
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = time.Now()
	}
	r.sessions[s.Username] = s
	return true
}

// Unregister removes username if it is held by sessionID.
//
// Matching on the session ID keeps a stale session from removing the entry
// of a newer session that registered after a Clear.
func (r *Registry) Unregister(username, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.sessions[username]
	if !exists || current.SessionID != sessionID {
		return false
	}
	delete(r.sessions, username)
	return true
}

// Contains reports whether username has an active session.
func (r *Registry) Contains(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.sessions[username]
	return exists
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// List returns a snapshot of active sessions sorted by username.
func (r *Registry) List() []Session {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Username < sessions[j].Username })
	return sessions
}

// Usernames returns the sorted names of connected users.
func (r *Registry) Usernames() []string {
	sessions := r.List()
	names := make([]string, len(sessions))
	for i, s := range sessions {
		names[i] = s.Username
	}
	return names
}

// Clear drops every entry. Used when the server stops.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.sessions)
}
