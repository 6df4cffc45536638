package app

import (
	"sort"
	"sync"
	"time"
)

// ClientRegistry tracks connected MCP client sessions so apply notifications can
// be pushed to them. It also remembers the management UI URL once the HTTP
// server knows its port.
type ClientRegistry struct {
	mu           sync.RWMutex
	clients      map[string]string    // sessionID → client name
	lastActivity map[string]time.Time // sessionID → last activity timestamp
	dashboardURL string
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:      make(map[string]string),
		lastActivity: make(map[string]time.Time),
	}
}

// SetClient associates a session with the client name it reported on initialize.
func (r *ClientRegistry) SetClient(sessionID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sessionID] = name
	r.lastActivity[sessionID] = time.Now()
}

// ClientName returns the client name for a session, or "" if unknown.
func (r *ClientRegistry) ClientName(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[sessionID]
}

// SessionIDs returns the connected session ids, sorted.
func (r *ClientRegistry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TouchSession records activity for a session (call on each tool invocation).
func (r *ClientRegistry) TouchSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[sessionID]; ok {
		r.lastActivity[sessionID] = time.Now()
	}
}

// LastActivity returns the last activity of a session, or the zero time.
func (r *ClientRegistry) LastActivity(sessionID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity[sessionID]
}

// RemoveSession unregisters a session (e.g. on disconnect).
func (r *ClientRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sessionID)
	delete(r.lastActivity, sessionID)
}

// ClientCount returns the number of connected clients.
func (r *ClientRegistry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SetDashboardURL records where the management UI is served.
func (r *ClientRegistry) SetDashboardURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dashboardURL = url
}

// DashboardURL returns the management UI URL, or "" before the HTTP server started.
func (r *ClientRegistry) DashboardURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dashboardURL
}
