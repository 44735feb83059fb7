package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"live-quiz-service/internal/domain"
)

type resultRow struct {
	bun.BaseModel `bun:"table:quiz_results"`

	ID             int64     `bun:"id,pk,autoincrement"`
	QuizID         string    `bun:"quiz_id,notnull"`
	RoomID         string    `bun:"room_id,notnull"`
	UserID         string    `bun:"user_id,notnull"`
	Username       string    `bun:"username,notnull"`
	Rank           int       `bun:"rank,notnull"`
	Score          int       `bun:"score,notnull"`
	LastAnsweredAt time.Time `bun:"last_answered_at,nullzero"`
	CompletedAt    time.Time `bun:"completed_at,notnull"`
}

// ResultRecorder persists final leaderboards of completed sessions.
type ResultRecorder struct {
	db *bun.DB
}

func NewResultRecorder(db *bun.DB) *ResultRecorder {
	return &ResultRecorder{db: db}
}

func (r *ResultRecorder) RecordResults(ctx context.Context, lb domain.Leaderboard) error {
	if len(lb.Entries) == 0 {
		return nil
	}
	rows := make([]resultRow, 0, len(lb.Entries))
	for _, e := range lb.Entries {
		rows = append(rows, resultRow{
			QuizID:         lb.QuizID,
			RoomID:         lb.RoomID,
			UserID:         e.UserID,
			Username:       e.Username,
			Rank:           e.Rank,
			Score:          e.Score,
			LastAnsweredAt: e.LastAnsweredAt,
			CompletedAt:    lb.UpdatedAt,
		})
	}
	if _, err := r.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("insert results: %w", err)
	}
	return nil
}

// Latest returns the most recently recorded leaderboard of quizID.
func (r *ResultRecorder) Latest(ctx context.Context, quizID string) (domain.Leaderboard, error) {
	var rows []resultRow
	err := r.db.NewSelect().
		Model(&rows).
		Where("quiz_id = ?", quizID).
		Where("completed_at = (?)", r.db.NewSelect().Model((*resultRow)(nil)).ColumnExpr("max(completed_at)").Where("quiz_id = ?", quizID)).
		Order("rank ASC").
		Scan(ctx)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("select results: %w", err)
	}
	if len(rows) == 0 {
		return domain.Leaderboard{}, domain.ErrSessionNotFound
	}
	lb := domain.Leaderboard{QuizID: quizID, RoomID: rows[0].RoomID, UpdatedAt: rows[0].CompletedAt}
	for _, row := range rows {
		lb.Entries = append(lb.Entries, domain.LeaderboardEntry{
			Rank:           row.Rank,
			UserID:         row.UserID,
			Username:       row.Username,
			Score:          row.Score,
			LastAnsweredAt: row.LastAnsweredAt,
		})
	}
	return lb, nil
}
