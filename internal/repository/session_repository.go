package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const sessionColumns = `id, assessment_id, candidate_id, status, started_at, finished_at, submit_reason,
	warning_count, final_score, ip_address, reference_photo, device_info, flagged_for_review`

// SessionRepository handles exam session data access.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.AssessmentID, &s.CandidateID, &s.Status, &s.StartedAt, &s.FinishedAt,
		&s.SubmitReason, &s.WarningCount, &s.FinalScore, &s.IPAddress, &s.ReferencePhoto,
		&s.DeviceInfo, &s.FlaggedReview)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new in-progress session.
func (r *SessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	s.Status = model.SessionStatusInProgress
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (assessment_id, candidate_id, status, device_info)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, started_at`,
		s.AssessmentID, s.CandidateID, s.Status, s.DeviceInfo,
	).Scan(&s.ID, &s.StartedAt)
}

// GetByID retrieves a session.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// GetInProgress returns the candidate's running session on an assessment.
func (r *SessionRepository) GetInProgress(ctx context.Context, assessmentID uuid.UUID, candidateID string) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE assessment_id = $1 AND candidate_id = $2 AND status = $3
		 ORDER BY started_at DESC
		 LIMIT 1`, assessmentID, candidateID, model.SessionStatusInProgress))
}

// RecordPreflight stores the reference photo path and the device
// description captured before the exam started.
func (r *SessionRepository) RecordPreflight(ctx context.Context, id uuid.UUID, photoPath, deviceInfo string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET reference_photo = NULLIF($1, ''), device_info = NULLIF($2, '')
		 WHERE id = $3`, photoPath, deviceInfo, id)
	return err
}

// Abandon closes an in-progress session that ended without a submission.
func (r *SessionRepository) Abandon(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET status = $1, finished_at = NOW()
		 WHERE id = $2 AND status = $3`,
		model.SessionStatusAbandoned, id, model.SessionStatusInProgress)
	return err
}

// AbandonStale closes every session left in progress, e.g. by a crash.
// Live sessions exist only in memory, so none survive a restart.
func (r *SessionRepository) AbandonStale(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET status = $1, finished_at = NOW() WHERE status = $2`,
		model.SessionStatusAbandoned, model.SessionStatusInProgress)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
