package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// AnswerKeySource resolves the correct options of an assessment.
type AnswerKeySource interface {
	AnswerKey(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int, error)
}

// SubmissionStore writes graded sessions.
type SubmissionStore interface {
	Save(ctx context.Context, g *model.GradedSubmission) error
}

// SubmissionWorker consumes the submissions queue, grades each
// submission and closes its session.
type SubmissionWorker struct {
	keys  AnswerKeySource
	store SubmissionStore
	rdb   *redis.Client
	log   zerolog.Logger

	retryDelay time.Duration
}

func NewSubmissionWorker(keys AnswerKeySource, store SubmissionStore, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		keys:       keys,
		store:      store,
		rdb:        rdb,
		log:        log.With().Str("component", "submission_worker").Logger(),
		retryDelay: retryDelay,
	}
}

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("SubmissionWorker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SubmissionWorker) processNext(ctx context.Context) {
	item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistSubmissionsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleep(ctx, redisErrorDelay)
		}
		return
	}
	if len(item) < 2 {
		return
	}

	var sub proctor.Submission
	if err := json.Unmarshal([]byte(item[1]), &sub); err != nil {
		w.log.Error().Err(err).Str("data", item[1]).Msg("Discarding malformed JSON")
		return
	}

	subLog := w.log.With().Str("session_id", sub.SessionID.String()).Logger()
	if err := w.process(ctx, &sub); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			subLog.Error().Err(err).Msg("Discarding submission for unknown session")
			return
		}
		subLog.Error().Err(err).Msg("Persist error, requeueing in 5s")
		w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistSubmissionsQueue, item[1])
		sleep(ctx, w.retryDelay)
	}
}

func (w *SubmissionWorker) process(ctx context.Context, sub *proctor.Submission) error {
	key, err := w.keys.AnswerKey(ctx, sub.AssessmentID)
	if err != nil {
		return err
	}

	graded := Grade(sub, key)
	if err := w.store.Save(ctx, graded); err != nil {
		return err
	}

	// The autosave buffer is no longer needed once the session is closed.
	w.rdb.Del(ctx, config.CacheKey.SessionAnswersKey(sub.SessionID.String()))

	w.log.Info().
		Str("session_id", sub.SessionID.String()).
		Str("status", string(graded.Status)).
		Str("reason", string(graded.Reason)).
		Float64("score", graded.Score).
		Int("warnings", graded.WarningCount).
		Msg("Submission persisted")
	return nil
}

// Grade scores a submission against the answer key. Answers to questions
// outside the key are dropped. The score is the percentage of the key
// answered correctly.
func Grade(sub *proctor.Submission, key map[uuid.UUID]int) *model.GradedSubmission {
	g := &model.GradedSubmission{
		SessionID:       sub.SessionID,
		Status:          model.SessionStatusCompleted,
		Reason:          sub.Reason,
		Navigation:      sub.Navigation,
		WarningCount:    sub.WarningCount,
		IPAddress:       sub.IPAddress,
		FullscreenExits: sub.FullscreenExits,
		LastActiveAt:    sub.LastActiveAt,
		FinishedAt:      sub.FinishedAt,
	}
	if sub.Outcome == model.TerminalTerminated {
		g.Status = model.SessionStatusTerminated
	}
	g.FlaggedReview = g.Status == model.SessionStatusTerminated || sub.WarningCount > 0

	correct := 0
	for qid, opt := range sub.Answers {
		want, ok := key[qid]
		if !ok {
			continue
		}
		ok = opt == want
		if ok {
			correct++
		}
		g.Answers = append(g.Answers, model.GradedAnswer{QuestionID: qid, Option: opt, Correct: ok})
	}
	sort.Slice(g.Answers, func(i, j int) bool {
		return g.Answers[i].QuestionID.String() < g.Answers[j].QuestionID.String()
	})

	if len(key) > 0 {
		g.Score = float64(correct) / float64(len(key)) * 100
	}
	return g
}
