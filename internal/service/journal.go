package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// Compile-time interface checks.
var (
	_ proctor.Journal          = (*RedisJournal)(nil)
	_ proctor.Submitter        = (*SubmissionQueue)(nil)
	_ proctor.Telemetry        = (*RedisTelemetry)(nil)
	_ proctor.IdentityResolver = StaticIdentity("")
)

const publishTimeout = 2 * time.Second

// RedisJournal autosaves answers into the session hash and hands answers
// and activities to the persistence workers.
type RedisJournal struct {
	rdb *redis.Client
}

func NewRedisJournal(rdb *redis.Client) *RedisJournal {
	return &RedisJournal{rdb: rdb}
}

func (j *RedisJournal) RecordAnswer(ctx context.Context, sessionID, questionID uuid.UUID, option int) error {
	payload, err := json.Marshal(model.AnswerRecord{
		SessionID:  sessionID,
		QuestionID: questionID,
		Option:     option,
		AnsweredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}

	pipe := j.rdb.TxPipeline()
	pipe.HSet(ctx, config.CacheKey.SessionAnswersKey(sessionID.String()), questionID.String(), strconv.Itoa(option))
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("autosave answer: %w", err)
	}
	return nil
}

func (j *RedisJournal) RecordActivity(ctx context.Context, sessionID uuid.UUID, activity model.SuspiciousActivity) error {
	payload, err := json.Marshal(model.ActivityRecord{SessionID: sessionID, Activity: activity})
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	if err := j.rdb.RPush(ctx, config.WorkerKey.PersistActivitiesQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue activity: %w", err)
	}
	return nil
}

// AutosavedAnswers returns the answers buffered for a session.
func (j *RedisJournal) AutosavedAnswers(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error) {
	raw, err := j.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get autosaved answers: %w", err)
	}
	out := make(map[uuid.UUID]int, len(raw))
	for k, v := range raw {
		qid, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		opt, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[qid] = opt
	}
	return out, nil
}

// SubmissionQueue hands finished sessions to the SubmissionWorker.
type SubmissionQueue struct {
	rdb *redis.Client
}

func NewSubmissionQueue(rdb *redis.Client) *SubmissionQueue {
	return &SubmissionQueue{rdb: rdb}
}

func (q *SubmissionQueue) Submit(ctx context.Context, sub *proctor.Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	if err := q.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue submission: %w", err)
	}
	return nil
}

// RedisTelemetry publishes session events on the assessment's monitor
// channel, where the proctor SSE stream picks them up.
type RedisTelemetry struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisTelemetry(rdb *redis.Client, log zerolog.Logger) *RedisTelemetry {
	return &RedisTelemetry{
		rdb: rdb,
		log: log.With().Str("component", "telemetry").Logger(),
	}
}

func (t *RedisTelemetry) Publish(ev proctor.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		t.log.Error().Err(err).Str("type", ev.Type).Msg("Failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	channel := config.CacheKey.AssessmentMonitorChannel(ev.AssessmentID.String())
	if err := t.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		t.log.Warn().Err(err).Str("type", ev.Type).Str("session_id", ev.SessionID.String()).Msg("Failed to publish event")
	}
}

// StaticIdentity reports the address the candidate connected from.
type StaticIdentity string

func (s StaticIdentity) ResolveIP(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("client address unknown")
	}
	return string(s), nil
}
