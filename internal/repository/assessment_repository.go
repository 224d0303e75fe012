package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AssessmentRepository handles assessment, section and question data access.
type AssessmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(pool *pgxpool.Pool) *AssessmentRepository {
	return &AssessmentRepository{pool: pool}
}

// GetByID loads an assessment with its sections and questions in order.
func (r *AssessmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a := &model.Assessment{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_seconds, proctoring, security, entry_token_hash, created_at
		 FROM assessments WHERE id = $1`, id,
	).Scan(&a.ID, &a.Title, &a.DurationSeconds, &a.Proctoring, &a.Security, &a.EntryTokenHash, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.name, s.time_limit_seconds, q.id, q.question_text, q.options, q.correct_option
		 FROM sections s
		 JOIN questions q ON q.section_id = s.id
		 WHERE s.assessment_id = $1
		 ORDER BY s.position, q.position`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sec model.Section
		var q model.Question
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.TimeLimitSeconds, &q.ID, &q.Text, &q.Options, &q.CorrectOption); err != nil {
			return nil, err
		}
		if n := len(a.Sections); n == 0 || a.Sections[n-1].ID != sec.ID {
			a.Sections = append(a.Sections, sec)
		}
		last := &a.Sections[len(a.Sections)-1]
		last.Questions = append(last.Questions, q)
	}
	return a, rows.Err()
}

// AnswerKey returns question id → correct option for an assessment.
func (r *AssessmentRepository) AnswerKey(ctx context.Context, id uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT q.id, q.correct_option
		 FROM questions q
		 JOIN sections s ON q.section_id = s.id
		 WHERE s.assessment_id = $1`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	key := make(map[uuid.UUID]int)
	for rows.Next() {
		var qid uuid.UUID
		var opt int
		if err := rows.Scan(&qid, &opt); err != nil {
			return nil, err
		}
		key[qid] = opt
	}
	return key, rows.Err()
}

// Create inserts an assessment with all of its sections and questions in
// one transaction and fills in the generated ids.
func (r *AssessmentRepository) Create(ctx context.Context, a *model.Assessment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO assessments (title, duration_seconds, proctoring, security, entry_token_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		a.Title, a.DurationSeconds, a.Proctoring, a.Security, a.EntryTokenHash,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}

	for i := range a.Sections {
		sec := &a.Sections[i]
		err := tx.QueryRow(ctx,
			`INSERT INTO sections (assessment_id, position, name, time_limit_seconds)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			a.ID, i, sec.Name, sec.TimeLimitSeconds,
		).Scan(&sec.ID)
		if err != nil {
			return fmt.Errorf("insert section %d: %w", i, err)
		}

		for j := range sec.Questions {
			q := &sec.Questions[j]
			err := tx.QueryRow(ctx,
				`INSERT INTO questions (section_id, position, question_text, options, correct_option)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id`,
				sec.ID, j, q.Text, q.Options, q.CorrectOption,
			).Scan(&q.ID)
			if err != nil {
				return fmt.Errorf("insert question %d of section %d: %w", j, i, err)
			}
		}
	}

	return tx.Commit(ctx)
}
