package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/domain"
)

// ResultStore keeps the latest final leaderboard per quiz when no database is configured.
type ResultStore struct {
	mu     sync.RWMutex
	latest map[string]domain.Leaderboard
}

func NewResultStore() *ResultStore {
	return &ResultStore{latest: make(map[string]domain.Leaderboard)}
}

func (s *ResultStore) RecordResults(_ context.Context, lb domain.Leaderboard) error {
	entries := make([]domain.LeaderboardEntry, len(lb.Entries))
	copy(entries, lb.Entries)
	lb.Entries = entries

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[lb.QuizID] = lb
	return nil
}

// Latest returns the last recorded leaderboard of quizID.
func (s *ResultStore) Latest(_ context.Context, quizID string) (domain.Leaderboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lb, ok := s.latest[quizID]
	if !ok {
		return domain.Leaderboard{}, domain.ErrSessionNotFound
	}
	return lb, nil
}
