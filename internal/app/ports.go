package app

import (
	"context"

	"live-quiz-service/internal/domain"
)

// Notifier delivers server events to live connections. Delivery is best-effort:
// a user without a live connection simply misses the event.
type Notifier interface {
	SendToUser(userID, event string, payload any)
	Broadcast(event string, payload any)
}

// TokenVerifier is the auth collaborator boundary used during handshakes.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (domain.Claims, error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizCache is a QuizRepository whose entries can be dropped after writes.
type QuizCache interface {
	QuizRepository
	Invalidate(ctx context.Context, quizID string)
}

// QuizStore is the quiz content CRUD collaborator.
type QuizStore interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	ListQuizzes(ctx context.Context) ([]domain.Quiz, error)
	CreateQuiz(ctx context.Context, quiz domain.Quiz) (domain.Quiz, error)
	UpdateQuiz(ctx context.Context, quizID string, patch domain.QuizPatch) (domain.Quiz, error)
	DeleteQuiz(ctx context.Context, quizID string) error
}

// QuestionGenerator is the AI generation collaborator.
type QuestionGenerator interface {
	GenerateQuestion(ctx context.Context, topic string, opts domain.GenerateOptions) (domain.Question, error)
}

// SessionRepository abstracts how quiz sessions are held (in-memory, Redis, etc).
type SessionRepository interface {
	GetOrCreate(roomID string, create func() *Session) *Session
	Get(roomID string) (*Session, bool)
	Delete(roomID string)
	// Save records the latest state snapshot; implementations may ignore it.
	Save(ctx context.Context, state domain.QuizState)
}

// ResultRecorder receives final leaderboards of completed sessions.
type ResultRecorder interface {
	RecordResults(ctx context.Context, lb domain.Leaderboard) error
}

// PresenceMirror receives presence changes for external observers.
type PresenceMirror interface {
	Sync(ctx context.Context, entry domain.PresenceEntry) error
	Remove(ctx context.Context, userID string) error
}

type nopNotifier struct{}

func (nopNotifier) SendToUser(string, string, any) {}
func (nopNotifier) Broadcast(string, any)          {}
