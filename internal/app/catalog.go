package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"live-quiz-service/internal/domain"
)

// QuizCatalog is the admin-facing quiz content service. Writes go to the
// store and drop the read cache entry.
type QuizCatalog struct {
	store     QuizStore
	cache     QuizCache
	generator QuestionGenerator
}

func NewQuizCatalog(store QuizStore, cache QuizCache, generator QuestionGenerator) *QuizCatalog {
	return &QuizCatalog{store: store, cache: cache, generator: generator}
}

func (c *QuizCatalog) Get(ctx context.Context, quizID string) (domain.Quiz, error) {
	return c.store.GetQuiz(ctx, quizID)
}

func (c *QuizCatalog) List(ctx context.Context) ([]domain.Quiz, error) {
	return c.store.ListQuizzes(ctx)
}

func (c *QuizCatalog) Create(ctx context.Context, caller domain.Identity, quiz domain.Quiz) (domain.Quiz, error) {
	if !caller.IsAdmin() {
		return domain.Quiz{}, domain.ErrUnauthorized
	}
	if quiz.ID == "" {
		quiz.ID = uuid.NewString()
	}
	if err := ValidateQuiz(quiz); err != nil {
		return domain.Quiz{}, err
	}
	return c.store.CreateQuiz(ctx, quiz)
}

func (c *QuizCatalog) Update(ctx context.Context, caller domain.Identity, quizID string, patch domain.QuizPatch) (domain.Quiz, error) {
	if !caller.IsAdmin() {
		return domain.Quiz{}, domain.ErrUnauthorized
	}
	current, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Quiz{}, err
	}
	if err := ValidateQuiz(patch.Apply(current)); err != nil {
		return domain.Quiz{}, err
	}
	updated, err := c.store.UpdateQuiz(ctx, quizID, patch)
	if err != nil {
		return domain.Quiz{}, err
	}
	c.invalidate(ctx, quizID)
	return updated, nil
}

func (c *QuizCatalog) Delete(ctx context.Context, caller domain.Identity, quizID string) error {
	if !caller.IsAdmin() {
		return domain.ErrUnauthorized
	}
	if err := c.store.DeleteQuiz(ctx, quizID); err != nil {
		return err
	}
	c.invalidate(ctx, quizID)
	return nil
}

// GenerateQuestion asks the AI collaborator for a question on topic and
// appends it to the quiz. Existing prompts are passed along so the
// generator avoids repeating them.
func (c *QuizCatalog) GenerateQuestion(ctx context.Context, caller domain.Identity, quizID, topic string, opts domain.GenerateOptions) (domain.Question, error) {
	if !caller.IsAdmin() {
		return domain.Question{}, domain.ErrUnauthorized
	}
	if c.generator == nil {
		return domain.Question{}, fmt.Errorf("question generation not configured")
	}
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Question{}, err
	}
	for _, q := range quiz.Questions {
		opts.Avoid = append(opts.Avoid, q.Prompt)
	}

	question, err := c.generator.GenerateQuestion(ctx, topic, opts)
	if err != nil {
		return domain.Question{}, fmt.Errorf("generate question: %w", err)
	}
	if question.ID == "" {
		question.ID = uuid.NewString()
	}
	for _, q := range quiz.Questions {
		if strings.EqualFold(strings.TrimSpace(q.Prompt), strings.TrimSpace(question.Prompt)) {
			return domain.Question{}, fmt.Errorf("%w: generated question duplicates %q", domain.ErrInvalidQuiz, q.ID)
		}
	}

	questions := append(append([]domain.Question{}, quiz.Questions...), question)
	if _, err := c.Update(ctx, caller, quizID, domain.QuizPatch{Questions: &questions}); err != nil {
		return domain.Question{}, err
	}
	return question, nil
}

func (c *QuizCatalog) invalidate(ctx context.Context, quizID string) {
	if c.cache != nil {
		c.cache.Invalidate(ctx, quizID)
	}
}

// ValidateQuiz checks that every question has a unique id and exactly one correct option.
func ValidateQuiz(quiz domain.Quiz) error {
	if strings.TrimSpace(quiz.ID) == "" {
		return fmt.Errorf("%w: missing id", domain.ErrInvalidQuiz)
	}
	seen := make(map[string]struct{}, len(quiz.Questions))
	for i, q := range quiz.Questions {
		if q.ID == "" {
			return fmt.Errorf("%w: question %d has no id", domain.ErrInvalidQuiz, i)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: duplicate question id %q", domain.ErrInvalidQuiz, q.ID)
		}
		seen[q.ID] = struct{}{}
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: question %q needs at least two options", domain.ErrInvalidQuiz, q.ID)
		}
		correct := 0
		options := make(map[string]struct{}, len(q.Options))
		for _, opt := range q.Options {
			if _, dup := options[opt.ID]; dup || opt.ID == "" {
				return fmt.Errorf("%w: question %q has a missing or duplicate option id", domain.ErrInvalidQuiz, q.ID)
			}
			options[opt.ID] = struct{}{}
			if opt.Correct {
				correct++
			}
		}
		if correct != 1 {
			return fmt.Errorf("%w: question %q must have exactly one correct option", domain.ErrInvalidQuiz, q.ID)
		}
	}
	return nil
}
