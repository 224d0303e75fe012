package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AuditRepository reads the persisted audit trail of sessions.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// ListActivities returns a session's suspicious activities in order.
func (r *AuditRepository) ListActivities(ctx context.Context, sessionID uuid.UUID) ([]model.SuspiciousActivity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT recorded_at, activity_type, detail, COALESCE(snapshot_ref, ''), severity, confidence
		 FROM suspicious_activities
		 WHERE session_id = $1
		 ORDER BY recorded_at, id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activities := make([]model.SuspiciousActivity, 0)
	for rows.Next() {
		var a model.SuspiciousActivity
		if err := rows.Scan(&a.Timestamp, &a.Type, &a.Detail, &a.SnapshotRef, &a.Severity, &a.Confidence); err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// ListNavigation returns a session's navigation ledger in order.
func (r *AuditRepository) ListNavigation(ctx context.Context, sessionID uuid.UUID) ([]model.NavigationEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT recorded_at, action, detail
		 FROM navigation_events
		 WHERE session_id = $1
		 ORDER BY recorded_at, id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]model.NavigationEvent, 0)
	for rows.Next() {
		var e model.NavigationEvent
		if err := rows.Scan(&e.Timestamp, &e.Action, &e.Detail); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountActivities returns the number of activities recorded per session of
// an assessment.
func (r *AuditRepository) CountActivities(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sa.session_id, COUNT(*)
		 FROM suspicious_activities sa
		 JOIN exam_sessions es ON es.id = sa.session_id
		 WHERE es.assessment_id = $1
		 GROUP BY sa.session_id`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
