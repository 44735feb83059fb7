package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

func TestSessionStoreSetsAndClearsKeys(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	store := NewSessionStore(newClient(mr), time.Minute)

	_ = store.GetOrCreate("quiz_1", func() *app.Session { return &app.Session{} })
	if !mr.Exists("quiz:session:quiz_1") {
		t.Fatalf("expected redis key to be set")
	}

	store.Delete("quiz_1")
	if mr.Exists("quiz:session:quiz_1") {
		t.Fatalf("expected redis key to be removed")
	}
	if _, ok := store.Get("quiz_1"); ok {
		t.Fatalf("expected local session removed")
	}
}

func TestSessionStoreSnapshots(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	store := NewSessionStore(newClient(mr), time.Minute)
	ctx := context.Background()

	if _, err := store.Snapshot(ctx, "quiz_1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	store.Save(ctx, domain.QuizState{
		RoomID:       "quiz_1",
		QuizID:       "1",
		Status:       domain.SessionActive,
		Participants: []domain.ParticipantView{{UserID: "u1", Username: "alice", Score: 10}},
	})
	state, err := store.Snapshot(ctx, "quiz_1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if state.Status != domain.SessionActive || len(state.Participants) != 1 || state.Participants[0].Score != 10 {
		t.Fatalf("unexpected snapshot %+v", state)
	}

	mr.FastForward(2 * time.Minute)
	if mr.Exists("quiz:session:quiz_1:state") {
		t.Fatalf("expected snapshot to expire")
	}
}
