package gridsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session describes one connected stream subscriber: which surface class
// it is (excel, web, ...) and which document it has open. Sessions are
// in-memory only; they exist for the lifetime of the connection.
type Session struct {
	ID          string    `json:"sessionId"`
	Platform    string    `json:"platform"`
	DocumentID  string    `json:"documentId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Status      string    `json:"status"`
}

// SessionActive is the status of every registered session; disconnected
// sessions are removed from the registry rather than kept with a marker.
const SessionActive = "active"

// sessionRegistry tracks live stream sessions for the /api/sessions view.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

// Register records a new active session. Platform defaults to "unknown"
// so the listing stays readable when a client omits it.
func (r *sessionRegistry) Register(platform, documentID string) *Session {
	if platform == "" {
		platform = "unknown"
	}
	s := &Session{
		ID:          uuid.NewString(),
		Platform:    platform,
		DocumentID:  documentID,
		ConnectedAt: time.Now().UTC(),
		Status:      SessionActive,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Disconnect removes a session. Idempotent.
func (r *sessionRegistry) Disconnect(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Count returns the number of active sessions.
func (r *sessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns active sessions ordered by connect time.
func (r *sessionRegistry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		copied := *s
		out = append(out, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
