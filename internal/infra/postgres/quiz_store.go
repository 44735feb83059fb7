package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
	"live-quiz-service/internal/domain"
)

type quizRow struct {
	bun.BaseModel `bun:"table:quizzes"`

	ID        string      `bun:"id,pk"`
	Data      domain.Quiz `bun:"data,type:jsonb,notnull"`
	CreatedAt time.Time   `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time   `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// QuizStore is the bun-backed quiz content store.
type QuizStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewQuizStore(db *bun.DB) *QuizStore {
	return &QuizStore{db: db, now: time.Now}
}

func (s *QuizStore) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	return s.GetQuiz(ctx, quizID)
}

func (s *QuizStore) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	row := new(quizRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", quizID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("select quiz: %w", err)
	}
	return row.quiz(), nil
}

func (s *QuizStore) ListQuizzes(ctx context.Context) ([]domain.Quiz, error) {
	var rows []quizRow
	if err := s.db.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	out := make([]domain.Quiz, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.quiz())
	}
	return out, nil
}

func (s *QuizStore) CreateQuiz(ctx context.Context, quiz domain.Quiz) (domain.Quiz, error) {
	now := s.now()
	row := &quizRow{ID: quiz.ID, Data: quiz, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return domain.Quiz{}, fmt.Errorf("%w: quiz %q already exists", domain.ErrInvalidQuiz, quiz.ID)
		}
		return domain.Quiz{}, fmt.Errorf("insert quiz: %w", err)
	}
	return quiz, nil
}

func (s *QuizStore) UpdateQuiz(ctx context.Context, quizID string, patch domain.QuizPatch) (domain.Quiz, error) {
	var updated domain.Quiz
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := new(quizRow)
		err := tx.NewSelect().Model(row).Where("id = ?", quizID).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrQuizNotFound
		}
		if err != nil {
			return fmt.Errorf("select quiz: %w", err)
		}
		updated = patch.Apply(row.quiz())
		row.Data = updated
		row.UpdatedAt = s.now()
		_, err = tx.NewUpdate().Model(row).Column("data", "updated_at").WherePK().Exec(ctx)
		if err != nil {
			return fmt.Errorf("update quiz: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return updated, nil
}

func (s *QuizStore) DeleteQuiz(ctx context.Context, quizID string) error {
	res, err := s.db.NewDelete().Model((*quizRow)(nil)).Where("id = ?", quizID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete quiz: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrQuizNotFound
	}
	return nil
}

func (r *quizRow) quiz() domain.Quiz {
	quiz := r.Data
	quiz.ID = r.ID
	return quiz
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}
