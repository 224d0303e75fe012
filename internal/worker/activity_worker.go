package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var activityColumns = []string{
	"session_id", "activity_type", "detail", "severity", "confidence", "snapshot_ref", "recorded_at",
}

// ActivityWorker consumes the activities queue and batches suspicious
// activities into PostgreSQL.
type ActivityWorker struct {
	db  DB
	rdb *redis.Client
	log zerolog.Logger

	requeueDelay time.Duration
}

func NewActivityWorker(db DB, rdb *redis.Client, log zerolog.Logger) *ActivityWorker {
	return &ActivityWorker{
		db:           db,
		rdb:          rdb,
		log:          log.With().Str("component", "activity_worker").Logger(),
		requeueDelay: 2 * time.Second,
	}
}

func (w *ActivityWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ActivityWorker started")

	buffer := make([]*model.ActivityRecord, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistActivitiesQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Queue empty, loop back to check flush timer
			}
			if ctx.Err() != nil {
				continue // Shutdown is handled above
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, redisErrorDelay)
			continue
		}

		// 4. Process Data
		if len(result) < 2 {
			continue
		}

		var rec model.ActivityRecord
		if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
			// Malformed JSON can never succeed. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}

		buffer = append(buffer, &rec)
	}
}

func activityRow(r *model.ActivityRecord) []any {
	var snapshot any
	if r.Activity.SnapshotRef != "" {
		snapshot = r.Activity.SnapshotRef
	}
	return []any{
		r.SessionID, string(r.Activity.Type), r.Activity.Detail, string(r.Activity.Severity),
		r.Activity.Confidence, snapshot, r.Activity.Timestamp,
	}
}

// flushSafe attempts bulk insert, then fallback insert, then requeue.
func (w *ActivityWorker) flushSafe(ctx context.Context, batch []*model.ActivityRecord) {
	if len(batch) == 0 {
		return
	}
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *ActivityWorker) bulkInsert(ctx context.Context, batch []*model.ActivityRecord) error {
	rows := make([][]any, 0, len(batch))
	for _, r := range batch {
		rows = append(rows, activityRow(r))
	}

	_, err := w.db.CopyFrom(ctx,
		pgx.Identifier{"suspicious_activities"},
		activityColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *ActivityWorker) fallbackInsert(ctx context.Context, batch []*model.ActivityRecord) {
	requeueList := make([]*model.ActivityRecord, 0)

	for _, r := range batch {
		_, err := w.db.Exec(ctx,
			`INSERT INTO suspicious_activities
			 (session_id, activity_type, detail, severity, confidence, snapshot_ref, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			activityRow(r)...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("session_id", r.SessionID.String()).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, r)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ActivityWorker) requeue(ctx context.Context, items []*model.ActivityRecord) {
	ctx = context.WithoutCancel(ctx)
	pipe := w.rdb.Pipeline()
	for _, r := range items {
		data, _ := json.Marshal(r)
		pipe.RPush(ctx, config.WorkerKey.PersistActivitiesQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleep(ctx, w.requeueDelay)
}

func (w *ActivityWorker) shutdown(buffer []*model.ActivityRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
