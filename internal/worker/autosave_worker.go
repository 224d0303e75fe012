package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AutosaveWorker consumes the answers queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	db  DB
	rdb *redis.Client
	log zerolog.Logger

	retryDelay time.Duration
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(db DB, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		db:         db,
		rdb:        rdb,
		log:        log.With().Str("component", "autosave_worker").Logger(),
		retryDelay: retryDelay,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or the poll timeout.
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleep(ctx, redisErrorDelay)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var rec model.AnswerRecord
	if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
		return
	}

	if err := w.persistAnswer(ctx, &rec); err != nil {
		w.log.Error().Err(err).
			Str("session_id", rec.SessionID.String()).
			Msg("Persist error, retrying in 5s")
		// Push back to queue for retry.
		w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistAnswersQueue, result[1])
		sleep(ctx, w.retryDelay)
	}
}

func (w *AutosaveWorker) persistAnswer(ctx context.Context, rec *model.AnswerRecord) error {
	// A later autosave always wins; stale redeliveries never overwrite it.
	_, err := w.db.Exec(ctx,
		`INSERT INTO session_answers (session_id, question_id, option, answered_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET option = EXCLUDED.option, answered_at = EXCLUDED.answered_at
		 WHERE session_answers.answered_at <= EXCLUDED.answered_at`,
		rec.SessionID, rec.QuestionID, rec.Option, rec.AnsweredAt,
	)
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var rec model.AnswerRecord
		if err := json.Unmarshal([]byte(result), &rec); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persistAnswer(ctx, &rec); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistAnswersQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
