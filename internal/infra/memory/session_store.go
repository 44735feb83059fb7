package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*app.Session),
	}
}

func (s *SessionStore) GetOrCreate(roomID string, create func() *app.Session) *app.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[roomID]; ok {
		return session
	}
	session := create()
	s.sessions[roomID] = session
	return session
}

func (s *SessionStore) Get(roomID string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[roomID]
	return session, ok
}

func (s *SessionStore) Delete(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, roomID)
}

// Save is a no-op: the live session is the only copy.
func (s *SessionStore) Save(context.Context, domain.QuizState) {}

// Snapshot returns the live state of roomID.
func (s *SessionStore) Snapshot(_ context.Context, roomID string) (domain.QuizState, error) {
	session, ok := s.Get(roomID)
	if !ok {
		return domain.QuizState{}, domain.ErrSessionNotFound
	}
	return session.State(), nil
}

// Each calls fn for every live session.
func (s *SessionStore) Each(fn func(*app.Session)) {
	s.mu.RLock()
	sessions := make([]*app.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()
	for _, session := range sessions {
		fn(session)
	}
}
