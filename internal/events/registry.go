package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Session is one live in-process subscription for a connected user. Events
// arrive on C; a session that does not drain fast enough loses events rather
// than blocking the publishing path.
type Session struct {
	ID     uuid.UUID
	UserID uuid.UUID
	C      chan StatusEvent
}

// Registry tracks live sessions keyed by session id and fans events out to
// every session of the addressed user. Eviction is explicit: callers remove
// sessions when the underlying connection goes away instead of relying on a
// disconnect callback firing.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	buffer   int
}

func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = 16
	}
	return &Registry{sessions: make(map[uuid.UUID]*Session), buffer: buffer}
}

func (r *Registry) Register(userID uuid.UUID) *Session {
	sess := &Session{
		ID:     uuid.New(),
		UserID: userID,
		C:      make(chan StatusEvent, r.buffer),
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess
}

func (r *Registry) Evict(sessionID uuid.UUID) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if ok {
		close(sess.C)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Publish delivers the event to every session of the addressed user,
// dropping it for sessions with a full buffer.
func (r *Registry) Publish(_ context.Context, ev StatusEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if sess.UserID != ev.Notify {
			continue
		}
		select {
		case sess.C <- ev:
		default:
		}
	}
	return nil
}

var _ Publisher = (*Registry)(nil)
