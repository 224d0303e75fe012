package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/bridge"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// Session errors.
var (
	ErrSessionNotFound    = errors.New("exam session not found")
	ErrSessionClosed      = errors.New("exam session is no longer in progress")
	ErrNotSessionOwner    = errors.New("exam session belongs to another candidate")
	ErrIPNotAllowed       = errors.New("your network is not allowed to take this assessment")
	ErrPreflightRequired  = errors.New("preflight checks must be completed first")
	ErrServiceUnavailable = errors.New("session service is shutting down")
)

const (
	abandonTimeout = 5 * time.Second
	// endedMarkerTTL outlives the persistence backlog a submission can sit in.
	endedMarkerTTL = 24 * time.Hour
)

// SessionStore is the persistent record of exam sessions.
type SessionStore interface {
	Create(ctx context.Context, s *model.ExamSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetInProgress(ctx context.Context, assessmentID uuid.UUID, candidateID string) (*model.ExamSession, error)
	RecordPreflight(ctx context.Context, id uuid.UUID, photoPath, deviceInfo string) error
	Abandon(ctx context.Context, id uuid.UUID) error
}

// SessionDeps are the collaborators shared by every live session.
type SessionDeps struct {
	Store       SessionStore
	Assessments *AssessmentService
	Media       *MediaService
	Rdb         *redis.Client
	Peers       proctor.PeerFactory
	// Signaler returns the signaler used by sessions of an assessment.
	Signaler   func(assessmentID uuid.UUID) proctor.Signaler
	Classifier proctor.Classifier
	Clock      clock.Clock
}

// LiveSession is a session held in memory: the candidate bridge, the
// preflight gate and, once preflight is complete, the exam controller.
type LiveSession struct {
	Session    *model.ExamSession
	Assessment *model.Assessment
	Bridge     *bridge.Bridge
	Gate       *proctor.PreflightGate

	mu         sync.Mutex
	controller *proctor.ExamController
	signaler   proctor.Signaler
	clientIP   string
}

// Controller returns the exam controller, or nil before the exam began.
func (l *LiveSession) Controller() *proctor.ExamController {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.controller
}

// SetClientIP records the address of the latest candidate connection.
func (l *LiveSession) SetClientIP(ip string) {
	l.mu.Lock()
	l.clientIP = ip
	l.mu.Unlock()
}

// SessionService creates exam sessions and owns the registry of live
// ones.
type SessionService struct {
	cfg  *config.Config
	deps SessionDeps
	base zerolog.Logger
	log  zerolog.Logger

	journal   *RedisJournal
	telemetry *RedisTelemetry
	submitter *SubmissionQueue

	mu     sync.Mutex
	live   map[uuid.UUID]*LiveSession
	ended  map[uuid.UUID]model.TerminalFlag
	closed bool
}

// NewSessionService creates a new SessionService.
func NewSessionService(cfg *config.Config, deps SessionDeps, log zerolog.Logger) *SessionService {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &SessionService{
		cfg:       cfg,
		deps:      deps,
		base:      log,
		log:       log.With().Str("component", "session_service").Logger(),
		journal:   NewRedisJournal(deps.Rdb),
		telemetry: NewRedisTelemetry(deps.Rdb, log),
		submitter: NewSubmissionQueue(deps.Rdb),
		live:      make(map[uuid.UUID]*LiveSession),
		ended:     make(map[uuid.UUID]model.TerminalFlag),
	}
}

// Join validates the entry token and network, then returns the
// candidate's running session or creates one. Joining twice is
// idempotent.
func (s *SessionService) Join(ctx context.Context, assessmentID uuid.UUID, candidateID, entryToken, clientIP string) (*model.ExamSession, error) {
	a, err := s.deps.Assessments.Get(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Assessments.VerifyEntryToken(a, entryToken); err != nil {
		return nil, err
	}
	if !ipAllowed(a.Security.AllowedIPRanges, clientIP) {
		return nil, ErrIPNotAllowed
	}

	existing, err := s.deps.Store.GetInProgress(ctx, assessmentID, candidateID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}
	if existing != nil {
		if s.hasEnded(ctx, existing.ID) {
			return nil, ErrSessionClosed
		}
		return existing, nil
	}

	sess := &model.ExamSession{AssessmentID: assessmentID, CandidateID: candidateID}
	if err := s.deps.Store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := s.deps.Rdb.Set(ctx,
		config.CacheKey.CandidateActiveSessionKey(assessmentID.String(), candidateID),
		sess.ID.String(), time.Duration(a.DurationSeconds)*time.Second+time.Hour,
	).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache active session")
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("assessment_id", assessmentID.String()).
		Str("candidate_id", candidateID).
		Msg("Candidate joined")
	return sess, nil
}

// ipAllowed reports whether ip falls in one of ranges. An empty list
// allows every address.
func ipAllowed(ranges []string, ip string) bool {
	if len(ranges) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if p, err := netip.ParsePrefix(r); err == nil {
			if p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(r); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// Active returns the candidate's running session on an assessment.
func (s *SessionService) Active(ctx context.Context, assessmentID uuid.UUID, candidateID string) (*model.ExamSession, error) {
	key := config.CacheKey.CandidateActiveSessionKey(assessmentID.String(), candidateID)
	if cached, err := s.deps.Rdb.Get(ctx, key).Result(); err == nil {
		if id, err := uuid.Parse(cached); err == nil {
			if l, ok := s.Live(id); ok {
				return l.Session, nil
			}
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Active session cache unavailable")
	}

	sess, err := s.deps.Store.GetInProgress(ctx, assessmentID, candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

// Get returns a candidate's own session record.
func (s *SessionService) Get(ctx context.Context, sessionID uuid.UUID, candidateID string) (*model.ExamSession, error) {
	sess, err := s.deps.Store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.CandidateID != candidateID {
		return nil, ErrNotSessionOwner
	}
	return sess, nil
}

// Live returns the in-memory session, if any.
func (s *SessionService) Live(sessionID uuid.UUID) (*LiveSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live[sessionID]
	return l, ok
}

// Open returns the live session for a candidate connection, creating its
// bridge and preflight gate on first use.
func (s *SessionService) Open(ctx context.Context, sessionID uuid.UUID, candidateID string) (*LiveSession, error) {
	if l, ok := s.Live(sessionID); ok {
		if l.Session.CandidateID != candidateID {
			return nil, ErrNotSessionOwner
		}
		return l, nil
	}

	sess, err := s.deps.Store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.CandidateID != candidateID {
		return nil, ErrNotSessionOwner
	}
	if sess.Status != model.SessionStatusInProgress || s.hasEnded(ctx, sessionID) {
		return nil, ErrSessionClosed
	}
	a, err := s.deps.Assessments.Get(ctx, sess.AssessmentID)
	if err != nil {
		return nil, err
	}

	logger := s.base.With().
		Str("session_id", sessionID.String()).
		Str("assessment_id", a.ID.String()).
		Str("candidate_id", candidateID).
		Logger()
	b := bridge.New(sessionID, s.cfg.BridgeRequestTimeout, logger)
	l := &LiveSession{
		Session:    sess,
		Assessment: a,
		Bridge:     b,
		Gate:       proctor.NewPreflightGate(b, b, logger),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		b.Close()
		return nil, ErrServiceUnavailable
	}
	if _, ok := s.ended[sessionID]; ok {
		b.Close()
		return nil, ErrSessionClosed
	}
	// Another connection may have raced us here.
	if existing, ok := s.live[sessionID]; ok {
		b.Close()
		return existing, nil
	}
	s.live[sessionID] = l
	return l, nil
}

// Begin starts the exam with the result of a completed gate: it stores
// the reference photo, builds the controller with every collaborator and
// starts it. Calling Begin on a running session returns its controller.
func (s *SessionService) Begin(ctx context.Context, l *LiveSession, result proctor.PreflightResult, deviceInfo string) (*proctor.ExamController, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.controller != nil {
		return l.controller, nil
	}
	if !result.Success || l.Gate.Phase() != proctor.PhaseComplete {
		return nil, ErrPreflightRequired
	}
	sessionID := l.Session.ID

	photo, err := s.deps.Media.SaveReferencePhoto(sessionID, result.ReferenceImage)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Reference photo not stored")
	}
	if err := s.deps.Store.RecordPreflight(ctx, sessionID, photo, deviceInfo); err != nil {
		return nil, fmt.Errorf("record preflight: %w", err)
	}

	icfg := proctor.IntegrityConfigFor(l.Assessment.Proctoring, l.Assessment.Security)
	icfg.InactivityTimeout = s.cfg.InactivityTimeout
	icfg.ClassifierThreshold = s.cfg.ClassifierThreshold

	mcfg := proctor.MonitoringConfigFor(l.Assessment.Proctoring)
	mcfg.RetryBackoff = s.cfg.PeerRetryBackoff
	mcfg.HeartbeatInterval = s.cfg.PeerHeartbeat
	mcfg.ScreenReacquireDelay = s.cfg.ScreenReacquireDelay
	mcfg.NegotiationTimeout = s.cfg.SignalingAnswerTimeout + 10*time.Second

	if s.deps.Signaler != nil {
		l.signaler = s.deps.Signaler(l.Assessment.ID)
	}

	c, err := proctor.NewExamController(proctor.Options{
		SessionID:      sessionID,
		CandidateID:    l.Session.CandidateID,
		Assessment:     l.Assessment,
		ReferenceImage: result.ReferenceImage,
		DeviceInfo:     deviceInfo,
		Integrity:      &icfg,
		Monitoring:     &mcfg,
		OnEnded: func(sub *proctor.Submission, _ error) {
			s.end(sessionID, sub)
		},
	}, proctor.Dependencies{
		Clock:      s.deps.Clock,
		Media:      l.Bridge,
		Fullscreen: l.Bridge,
		Classifier: s.deps.Classifier,
		Peers:      s.deps.Peers,
		Signaler:   l.signaler,
		Identity:   StaticIdentity(l.clientIP),
		Submitter:  s.submitter,
		Journal:    s.journal,
		Notifier:   l.Bridge,
		Telemetry:  s.telemetry,
		Snapshots:  s.deps.Media,
		Log:        s.base,
	})
	if err != nil {
		return nil, fmt.Errorf("build exam controller: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("start exam: %w", err)
	}
	l.controller = c
	return c, nil
}

// Abandon closes a live session without submitting and marks it
// abandoned.
func (s *SessionService) Abandon(ctx context.Context, l *LiveSession) error {
	if c := l.Controller(); c != nil {
		c.Close()
	}
	l.Gate.Abort()
	s.release(l.Session.ID)
	if err := s.deps.Store.Abandon(ctx, l.Session.ID); err != nil {
		return fmt.Errorf("abandon session: %w", err)
	}
	s.log.Info().Str("session_id", l.Session.ID.String()).Msg("Session abandoned")
	return nil
}

// end marks a finished exam so it cannot be reopened before its record
// leaves IN_PROGRESS, then releases it. The marker is written before the
// live entry goes away.
func (s *SessionService) end(sessionID uuid.UUID, sub *proctor.Submission) {
	flag := model.TerminalSubmitted
	if sub != nil {
		flag = sub.Outcome
	}

	s.mu.Lock()
	s.ended[sessionID] = flag
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()
	if err := s.deps.Rdb.Set(ctx, config.CacheKey.SessionEndedKey(sessionID.String()), string(flag), endedMarkerTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to store ended marker")
	}
	s.release(sessionID)
}

// hasEnded reports whether the session finished on this or another
// instance while its record may still read IN_PROGRESS.
func (s *SessionService) hasEnded(ctx context.Context, sessionID uuid.UUID) bool {
	s.mu.Lock()
	_, ok := s.ended[sessionID]
	s.mu.Unlock()
	if ok {
		return true
	}
	n, err := s.deps.Rdb.Exists(ctx, config.CacheKey.SessionEndedKey(sessionID.String())).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Ended marker unavailable")
		return false
	}
	return n > 0
}

// releaser is implemented by signalers that hold per-session resources.
type releaser interface {
	Release(sessionID uuid.UUID)
}

func (s *SessionService) release(sessionID uuid.UUID) {
	s.mu.Lock()
	l, ok := s.live[sessionID]
	delete(s.live, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}

	l.Bridge.Close()
	s.deps.Rdb.Del(context.Background(),
		config.CacheKey.CandidateActiveSessionKey(l.Session.AssessmentID.String(), l.Session.CandidateID))

	l.mu.Lock()
	signaler := l.signaler
	l.mu.Unlock()
	if r, ok := signaler.(releaser); ok {
		r.Release(sessionID)
	}
}

// LiveIn returns the live sessions of an assessment.
func (s *SessionService) LiveIn(assessmentID uuid.UUID) []*LiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LiveSession, 0)
	for _, l := range s.live {
		if l.Session.AssessmentID == assessmentID {
			out = append(out, l)
		}
	}
	return out
}

// LiveCount returns the number of sessions held in memory.
func (s *SessionService) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Shutdown closes every live session without submitting and marks them
// abandoned. Later Open calls fail.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	s.closed = true
	live := make([]*LiveSession, 0, len(s.live))
	for _, l := range s.live {
		live = append(live, l)
	}
	s.mu.Unlock()

	for _, l := range live {
		ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
		if err := s.Abandon(ctx, l); err != nil {
			s.log.Error().Err(err).Str("session_id", l.Session.ID.String()).Msg("Failed to abandon session on shutdown")
		}
		cancel()
	}
	s.log.Info().Int("sessions", len(live)).Msg("Live sessions closed")
}
