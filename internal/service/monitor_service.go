package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/rtc"
	"golang.org/x/sync/errgroup"
)

// AuditStore reads the persisted audit trail.
type AuditStore interface {
	ListActivities(ctx context.Context, sessionID uuid.UUID) ([]model.SuspiciousActivity, error)
	ListNavigation(ctx context.Context, sessionID uuid.UUID) ([]model.NavigationEvent, error)
	CountActivities(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int64, error)
}

// MonitorService serves proctors: session audits, live views and the
// answer leg of live stream signaling.
type MonitorService struct {
	audits      AuditStore
	store       SessionStore
	sessions    *SessionService
	assessments *AssessmentService
	rdb         *redis.Client
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(audits AuditStore, store SessionStore, sessions *SessionService, assessments *AssessmentService, rdb *redis.Client) *MonitorService {
	return &MonitorService{audits: audits, store: store, sessions: sessions, assessments: assessments, rdb: rdb}
}

// AssessmentOverview is the first event of a monitor stream.
type AssessmentOverview struct {
	AssessmentID   uuid.UUID             `json:"assessment_id"`
	Title          string                `json:"title"`
	Live           []proctor.SessionView `json:"live"`
	ActivityCounts map[uuid.UUID]int64   `json:"activity_counts"`
}

// Overview returns the running sessions of an assessment and the
// persisted activity counts of all its sessions.
func (s *MonitorService) Overview(ctx context.Context, assessmentID uuid.UUID) (*AssessmentOverview, error) {
	a, err := s.assessments.Get(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	counts, err := s.ActivityCounts(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	o := &AssessmentOverview{
		AssessmentID:   assessmentID,
		Title:          a.Title,
		Live:           make([]proctor.SessionView, 0),
		ActivityCounts: counts,
	}
	for _, l := range s.sessions.LiveIn(assessmentID) {
		c := l.Controller()
		if c == nil {
			continue
		}
		v, err := c.Snapshot(ctx)
		if err != nil {
			continue
		}
		o.Live = append(o.Live, v)
	}
	return o, nil
}

// Session returns a session record, preferring the in-memory copy.
func (s *MonitorService) Session(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	if l, ok := s.sessions.Live(sessionID); ok {
		return l.Session, nil
	}
	sess, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// RelayAnswer hands the proctor console's SDP answer to the session
// waiting on it.
func (s *MonitorService) RelayAnswer(ctx context.Context, sessionID uuid.UUID, answer string) error {
	if _, ok := s.sessions.Live(sessionID); !ok {
		return ErrSessionNotFound
	}
	return rtc.RelayAnswer(ctx, s.rdb, sessionID, answer)
}

// SessionAudit returns the activities and navigation of a session. A live
// session is read from memory, a finished one from the database.
func (s *MonitorService) SessionAudit(ctx context.Context, sessionID uuid.UUID) (*model.SessionAudit, error) {
	if l, ok := s.sessions.Live(sessionID); ok {
		audit := &model.SessionAudit{Session: l.Session}
		if c := l.Controller(); c != nil {
			activities, navigation, err := c.Audit(ctx)
			if err != nil {
				return nil, fmt.Errorf("read live audit: %w", err)
			}
			audit.Activities, audit.Navigation = activities, navigation
		}
		return audit.Normalized(), nil
	}

	audit := &model.SessionAudit{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sess, err := s.store.GetByID(gctx, sessionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		audit.Session = sess
		return err
	})
	g.Go(func() error {
		var err error
		audit.Activities, err = s.audits.ListActivities(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		audit.Navigation, err = s.audits.ListNavigation(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return audit.Normalized(), nil
}

// LiveView returns the current view of a running session.
func (s *MonitorService) LiveView(ctx context.Context, sessionID uuid.UUID) (*proctor.SessionView, error) {
	l, ok := s.sessions.Live(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := l.Controller()
	if c == nil {
		return nil, ErrPreflightRequired
	}
	v, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ActivityCounts returns the number of persisted suspicious activities
// per session of an assessment.
func (s *MonitorService) ActivityCounts(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int64, error) {
	counts, err := s.audits.CountActivities(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("count activities: %w", err)
	}
	return counts, nil
}
