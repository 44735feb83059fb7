package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

type sentEvent struct {
	userID  string
	event   string
	payload any
}

// recordingNotifier captures every delivery for assertions.
type recordingNotifier struct {
	mu         sync.Mutex
	sent       []sentEvent
	broadcasts []sentEvent
}

func (n *recordingNotifier) SendToUser(userID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEvent{userID: userID, event: event, payload: payload})
}

func (n *recordingNotifier) Broadcast(event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, sentEvent{event: event, payload: payload})
}

func (n *recordingNotifier) sentTo(userID, event string) []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []any
	for _, e := range n.sent {
		if e.userID == userID && e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (n *recordingNotifier) broadcastsOf(event string) []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []any
	for _, e := range n.broadcasts {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
	n.broadcasts = nil
}

type recordingRecorder struct {
	mu      sync.Mutex
	results []domain.Leaderboard
}

func (r *recordingRecorder) RecordResults(_ context.Context, lb domain.Leaderboard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, lb)
	return nil
}

func (r *recordingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	alice = domain.Identity{UserID: "u1", Username: "alice", Role: domain.RoleUser}
	bob   = domain.Identity{UserID: "u2", Username: "bob", Role: domain.RoleUser}
	carol = domain.Identity{UserID: "u3", Username: "carol", Role: domain.RoleUser}
	host  = domain.Identity{UserID: "admin-1", Username: "host", Role: domain.RoleAdmin}
)

type quizFixture struct {
	service  *app.QuizService
	sessions *memory.SessionStore
	rooms    *app.RoomManager
	notifier *recordingNotifier
	recorder *recordingRecorder
	clock    *fakeClock
}

func newQuizFixture(t *testing.T, duration time.Duration) *quizFixture {
	t.Helper()
	f := &quizFixture{
		sessions: memory.NewSessionStore(),
		notifier: &recordingNotifier{},
		recorder: &recordingRecorder{},
		clock:    newFakeClock(),
	}
	f.rooms = app.NewRoomManagerWithClock(f.notifier, 0, f.clock.Now)
	quizzes := memory.NewQuizRepository(memory.NewQuizStore(sampleQuiz()), 5*time.Minute)
	f.service = app.NewQuizService(f.sessions, quizzes, f.rooms, f.recorder, app.QuizOptions{
		QuestionDuration: duration,
		Now:              f.clock.Now,
	})
	t.Cleanup(f.service.Close)
	return f
}

func (f *quizFixture) session(t *testing.T) *app.Session {
	t.Helper()
	session, ok := f.sessions.Get(app.QuizRoomID("quiz-1"))
	if !ok {
		t.Fatalf("expected session for quiz-1")
	}
	return session
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Basics",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{ID: "o1", Text: "3", Correct: false},
					{ID: "o2", Text: "4", Correct: true},
				},
				Explanation: "Two pairs make four.",
			},
			{
				ID:     "q2",
				Prompt: "Capital of France?",
				Options: []domain.Option{
					{ID: "o1", Text: "Paris", Correct: true},
					{ID: "o2", Text: "Lyon", Correct: false},
				},
			},
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
