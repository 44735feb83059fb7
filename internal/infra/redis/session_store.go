package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// SessionStore is a Redis-aware implementation of SessionRepository.
// Notes:
//   - Live sessions (and their timers) stay in a local map; this process owns them.
//   - Redis holds a liveness marker per room and the latest state snapshot so
//     other processes and operators can observe running quizzes.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:   client,
		ttl:      ttl,
		log:      logrus.WithField("component", "redis-sessions"),
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
	// best-effort liveness marker
	_ = s.client.Set(context.Background(), s.key(roomID), "1", s.ttl).Err()
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
	delete(s.sessions, roomID)
	s.mu.Unlock()
	_ = s.client.Del(context.Background(), s.key(roomID), s.stateKey(roomID)).Err()
}

// Save writes the snapshot and refreshes the liveness marker.
func (s *SessionStore) Save(ctx context.Context, state domain.QuizState) {
	raw, err := json.Marshal(state)
	if err != nil {
		s.log.WithError(err).WithField("room_id", state.RoomID).Warn("encode snapshot failed")
		return
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.stateKey(state.RoomID), raw, s.ttl)
	pipe.Set(ctx, s.key(state.RoomID), "1", s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).WithField("room_id", state.RoomID).Warn("save snapshot failed")
	}
}

// Snapshot reads the last saved state of roomID, which may belong to another process.
func (s *SessionStore) Snapshot(ctx context.Context, roomID string) (domain.QuizState, error) {
	raw, err := s.client.Get(ctx, s.stateKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.QuizState{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.QuizState{}, err
	}
	var state domain.QuizState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.QuizState{}, err
	}
	return state, nil
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

func (s *SessionStore) key(roomID string) string {
	return "quiz:session:" + roomID
}

func (s *SessionStore) stateKey(roomID string) string {
	return "quiz:session:" + roomID + ":state"
}
