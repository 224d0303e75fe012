package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionRepository writes finished sessions.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Save writes final answers, the navigation ledger and the session outcome
// in one transaction. Saving the same session twice is a no-op.
func (r *SubmissionRepository) Save(ctx context.Context, g *model.GradedSubmission) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status model.SessionStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM exam_sessions WHERE id = $1 FOR UPDATE`, g.SessionID,
	).Scan(&status)
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	if status != model.SessionStatusInProgress && status != model.SessionStatusAbandoned {
		return nil
	}

	if len(g.Answers) > 0 {
		batch := &pgx.Batch{}
		for _, a := range g.Answers {
			batch.Queue(
				`INSERT INTO session_answers (session_id, question_id, option, is_correct)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (session_id, question_id) DO UPDATE
				 SET option = EXCLUDED.option, is_correct = EXCLUDED.is_correct`,
				g.SessionID, a.QuestionID, a.Option, a.Correct,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("write answers: %w", err)
		}
	}

	if len(g.Navigation) > 0 {
		rows := make([][]any, 0, len(g.Navigation))
		for _, e := range g.Navigation {
			rows = append(rows, []any{g.SessionID, string(e.Action), e.Detail, e.Timestamp})
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"navigation_events"},
			[]string{"session_id", "action", "detail", "recorded_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy navigation events: %w", err)
		}
	}

	var lastActive any
	if !g.LastActiveAt.IsZero() {
		lastActive = g.LastActiveAt
	}
	var ip any
	if g.IPAddress != "" {
		ip = g.IPAddress
	}
	_, err = tx.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, submit_reason = $2, finished_at = $3, warning_count = $4,
		     final_score = $5, ip_address = COALESCE($6, ip_address), fullscreen_exits = $7,
		     last_active_at = $8, flagged_for_review = $9
		 WHERE id = $10`,
		g.Status, g.Reason, g.FinishedAt, g.WarningCount, g.Score, ip,
		g.FullscreenExits, lastActive, g.FlaggedReview, g.SessionID,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	return tx.Commit(ctx)
}
