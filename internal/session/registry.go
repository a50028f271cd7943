package session

import (
	"sync"
	"time"
)

// Registry maps userId to the single live Session per user on this instance.
// It owns the grace window that keeps a session alive after the glasses
// socket drops, so a brief network blip does not tear down running Apps.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
	grace    map[string]*time.Timer
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*Session),
		grace:    make(map[string]*time.Timer),
	}
}

// GetOrCreate returns the user's session, creating it on first use. A
// pending grace timer is cancelled: the returned session is live again.
func (r *Registry) GetOrCreate(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.grace[userID]; ok {
		t.Stop()
		delete(r.grace, userID)
	}
	if s, ok := r.sessions[userID]; ok {
		return s
	}

	s := New(r.deps, userID)
	r.sessions[userID] = s
	if r.deps.Met != nil {
		r.deps.Met.SessionsTotal.Inc()
		r.deps.Met.SessionsActive.Inc()
	}
	return s
}

// Get returns the user's session if one exists.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// GetBySessionID finds a session by the sessionId handed to Apps in the
// start webhook.
func (r *Registry) GetBySessionID(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.SessionID == sessionID {
			return s, true
		}
	}
	return nil, false
}

// GlassesDisconnected starts the grace window. If the glasses do not
// reconnect before it expires the session is disposed.
func (r *Registry) GlassesDisconnected(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[userID]; !ok {
		return
	}
	if t, ok := r.grace[userID]; ok {
		t.Stop()
	}
	r.grace[userID] = time.AfterFunc(r.deps.Cfg.GlassesGraceWindow, func() {
		r.graceExpired(userID)
	})
}

func (r *Registry) graceExpired(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok && s.GlassesConnected() {
		// Reconnected through a path that did not cancel the timer.
		delete(r.grace, userID)
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	delete(r.grace, userID)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.log.Info("glasses grace expired, disposing session")
	s.Dispose()
	if r.deps.Met != nil {
		r.deps.Met.SessionsActive.Dec()
	}
}

// Dispose removes and disposes the user's session immediately.
func (r *Registry) Dispose(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	if t, graced := r.grace[userID]; graced {
		t.Stop()
		delete(r.grace, userID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Dispose()
	if r.deps.Met != nil {
		r.deps.Met.SessionsActive.Dec()
	}
}

// DisposeAll tears down every session, bounded per session by the dispose
// timeout. Used during server shutdown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	for _, t := range r.grace {
		t.Stop()
	}
	r.grace = make(map[string]*time.Timer)
	r.mu.Unlock()

	for _, s := range all {
		done := make(chan struct{})
		go func(s *Session) {
			s.Dispose()
			close(done)
		}(s)
		select {
		case <-done:
		case <-time.After(r.deps.Cfg.SessionDisposeTimeout):
			s.log.Warn("session dispose exceeded timeout")
		}
		if r.deps.Met != nil {
			r.deps.Met.SessionsActive.Dec()
		}
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
