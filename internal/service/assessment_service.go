package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/crypto/bcrypt"
)

// Domain Errors
var (
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrInvalidEntryToken  = errors.New("invalid entry token")
)

// AssessmentStore is the persistent source of assessments.
type AssessmentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error)
	AnswerKey(ctx context.Context, id uuid.UUID) (map[uuid.UUID]int, error)
	Create(ctx context.Context, a *model.Assessment) error
}

// AssessmentService loads assessments and keeps the candidate paper and
// the answer key warm in Redis.
type AssessmentService struct {
	store AssessmentStore
	rdb   *redis.Client
	cost  int
	log   zerolog.Logger
}

// NewAssessmentService creates a new AssessmentService. cost is the
// bcrypt cost used when hashing entry tokens.
func NewAssessmentService(store AssessmentStore, rdb *redis.Client, cost int, log zerolog.Logger) *AssessmentService {
	return &AssessmentService{
		store: store,
		rdb:   rdb,
		cost:  cost,
		log:   log.With().Str("component", "assessment_service").Logger(),
	}
}

// Get loads the full assessment, answer key included.
func (s *AssessmentService) Get(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	if len(a.Sections) == 0 {
		return nil, ErrAssessmentNotFound
	}
	return a, nil
}

// Create hashes the plain entry token, stores the assessment and warms
// its cache.
func (s *AssessmentService) Create(ctx context.Context, a *model.Assessment, entryToken string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(entryToken), s.cost)
	if err != nil {
		return fmt.Errorf("hash entry token: %w", err)
	}
	a.EntryTokenHash = string(hash)
	return s.CreateOpen(ctx, a)
}

// CreateOpen persists an assessment that any candidate may join without
// an entry token unless a.EntryTokenHash is already set.
func (s *AssessmentService) CreateOpen(ctx context.Context, a *model.Assessment) error {
	if err := s.store.Create(ctx, a); err != nil {
		return fmt.Errorf("create assessment: %w", err)
	}
	if err := s.WarmCache(ctx, a); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", a.ID.String()).Msg("Failed to warm cache after create")
	}
	return nil
}

// VerifyEntryToken checks token against the stored bcrypt hash.
func (s *AssessmentService) VerifyEntryToken(a *model.Assessment, token string) error {
	if a.EntryTokenHash == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.EntryTokenHash), []byte(token)); err != nil {
		return ErrInvalidEntryToken
	}
	return nil
}

// WarmCache writes the candidate paper and the answer key to Redis.
func (s *AssessmentService) WarmCache(ctx context.Context, a *model.Assessment) error {
	paperJSON, err := json.Marshal(a.Paper())
	if err != nil {
		return fmt.Errorf("marshal paper: %w", err)
	}

	answerKey := make(map[string]any, a.TotalQuestions())
	for _, sec := range a.Sections {
		for _, q := range sec.Questions {
			answerKey[q.ID.String()] = q.CorrectOption
		}
	}

	id := a.ID.String()
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.AssessmentPaperKey(id), paperJSON, 0)
	pipe.Del(ctx, config.CacheKey.AssessmentAnswerKey(id))
	if len(answerKey) > 0 {
		pipe.HSet(ctx, config.CacheKey.AssessmentAnswerKey(id), answerKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("assessment_id", id).
		Int("questions", len(answerKey)).
		Msg("Cache warmed")
	return nil
}

// Paper returns the candidate-facing paper, loading and caching it on a
// miss.
func (s *AssessmentService) Paper(ctx context.Context, id uuid.UUID) (*model.AssessmentPaper, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.AssessmentPaperKey(id.String())).Bytes()
	if err == nil {
		var paper model.AssessmentPaper
		if err := json.Unmarshal(data, &paper); err == nil {
			return &paper, nil
		}
		s.log.Warn().Str("assessment_id", id.String()).Msg("Discarding malformed cached paper")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Paper cache unavailable, loading from database")
	}

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.WarmCache(ctx, a); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", id.String()).Msg("Failed to warm cache")
	}
	return a.Paper(), nil
}

// AnswerKey returns question id → correct option, served from Redis when
// warm.
func (s *AssessmentService) AnswerKey(ctx context.Context, id uuid.UUID) (map[uuid.UUID]int, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.AssessmentAnswerKey(id.String())).Result()
	if err == nil && len(raw) > 0 {
		key := make(map[uuid.UUID]int, len(raw))
		for k, v := range raw {
			qid, perr := uuid.Parse(k)
			opt, aerr := strconv.Atoi(v)
			if perr != nil || aerr != nil {
				key = nil
				break
			}
			key[qid] = opt
		}
		if key != nil {
			return key, nil
		}
	}

	key, err := s.store.AnswerKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}
	if len(key) == 0 {
		return nil, pgx.ErrNoRows
	}
	return key, nil
}
