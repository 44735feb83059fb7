package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

type stubGenerator struct {
	question domain.Question
	lastOpts domain.GenerateOptions
}

func (g *stubGenerator) GenerateQuestion(_ context.Context, _ string, opts domain.GenerateOptions) (domain.Question, error) {
	g.lastOpts = opts
	return g.question, nil
}

func newCatalogFixture(gen app.QuestionGenerator) (*app.QuizCatalog, *memory.QuizRepository) {
	store := memory.NewQuizStore(sampleQuiz())
	cache := memory.NewQuizRepository(store, time.Hour)
	return app.NewQuizCatalog(store, cache, gen), cache
}

func TestCatalogRequiresAdmin(t *testing.T) {
	catalog, _ := newCatalogFixture(nil)
	ctx := context.Background()
	if _, err := catalog.Create(ctx, alice, sampleQuiz()); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := catalog.Delete(ctx, alice, "quiz-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCatalogValidatesContent(t *testing.T) {
	catalog, _ := newCatalogFixture(nil)
	ctx := context.Background()

	bad := domain.Quiz{ID: "bad", Questions: []domain.Question{{
		ID:      "q1",
		Options: []domain.Option{{ID: "a", Correct: true}, {ID: "b", Correct: true}},
	}}}
	if _, err := catalog.Create(ctx, host, bad); !errors.Is(err, domain.ErrInvalidQuiz) {
		t.Fatalf("expected ErrInvalidQuiz, got %v", err)
	}

	created, err := catalog.Create(ctx, host, domain.Quiz{Title: "Empty"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected a generated id")
	}
}

func TestCatalogUpdateInvalidatesCache(t *testing.T) {
	catalog, cache := newCatalogFixture(nil)
	ctx := context.Background()

	if q, _ := cache.GetQuiz(ctx, "quiz-1"); q.Title != "Basics" {
		t.Fatalf("unexpected cached title %q", q.Title)
	}
	title := "Renamed"
	if _, err := catalog.Update(ctx, host, "quiz-1", domain.QuizPatch{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if q, _ := cache.GetQuiz(ctx, "quiz-1"); q.Title != "Renamed" {
		t.Fatalf("cache served stale title %q", q.Title)
	}
}

func TestCatalogGenerateQuestionAppends(t *testing.T) {
	gen := &stubGenerator{question: domain.Question{
		Prompt:  "Largest planet?",
		Options: []domain.Option{{ID: "a", Text: "Jupiter", Correct: true}, {ID: "b", Text: "Mars"}},
	}}
	catalog, _ := newCatalogFixture(gen)
	ctx := context.Background()

	q, err := catalog.GenerateQuestion(ctx, host, "quiz-1", "space", domain.GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if q.ID == "" {
		t.Fatalf("expected an id on the generated question")
	}
	if len(gen.lastOpts.Avoid) != 2 {
		t.Fatalf("expected existing prompts passed as avoid list, got %v", gen.lastOpts.Avoid)
	}
	quiz, _ := catalog.Get(ctx, "quiz-1")
	if len(quiz.Questions) != 3 || quiz.Questions[2].Prompt != "Largest planet?" {
		t.Fatalf("expected the question appended, got %+v", quiz.Questions)
	}

	gen.question.Prompt = "What is 2 + 2?"
	gen.question.ID = ""
	if _, err := catalog.GenerateQuestion(ctx, host, "quiz-1", "math", domain.GenerateOptions{}); !errors.Is(err, domain.ErrInvalidQuiz) {
		t.Fatalf("expected duplicate prompt to be rejected, got %v", err)
	}
}
