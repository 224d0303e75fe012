package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/classifier"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/rtc"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("signaling", cfg.SignalingMode).
		Str("classifier", cfg.ClassifierMode).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	assessmentRepo := repository.NewAssessmentRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)

	// Sessions live in memory only; none survive a restart.
	if n, err := sessionRepo.AbandonStale(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to abandon stale sessions")
	} else if n > 0 {
		log.Info().Int64("sessions", n).Msg("Abandoned sessions left from a previous run")
	}

	// ─── Proctoring Collaborators ─────────────────────────────────────
	cls, err := classifier.New(cfg.ClassifierMode, uint64(time.Now().UnixNano()))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid classifier mode")
	}

	var signalerFor func(uuid.UUID) proctor.Signaler
	switch cfg.SignalingMode {
	case config.SignalingLoopback:
		loopback := rtc.NewLoopbackSignaler(log)
		defer loopback.Close()
		signalerFor = func(uuid.UUID) proctor.Signaler { return loopback }
	case config.SignalingRedis:
		signalerFor = func(assessmentID uuid.UUID) proctor.Signaler {
			return rtc.NewRedisSignaler(rdb, assessmentID, cfg.SignalingAnswerTimeout, log)
		}
	default:
		log.Fatal().Str("mode", cfg.SignalingMode).Msg("Invalid signaling mode")
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	assessmentService := service.NewAssessmentService(assessmentRepo, rdb, cfg.BcryptCost, log)
	mediaService := service.NewMediaService(cfg)
	sessionService := service.NewSessionService(cfg, service.SessionDeps{
		Store:       sessionRepo,
		Assessments: assessmentService,
		Media:       mediaService,
		Rdb:         rdb,
		Peers:       rtc.NewFactory(cfg.ICEServers, log),
		Signaler:    signalerFor,
		Classifier:  cls,
	}, log)
	monitorService := service.NewMonitorService(auditRepo, sessionRepo, sessionService, assessmentService, rdb)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Candidate: handler.NewCandidateHandler(sessionService, assessmentService, log),
		Stream:    handler.NewStreamHandler(sessionService, authService, log, cfg.AllowedOrigins),
		Monitor:   handler.NewMonitorHandler(rdb, monitorService, log),
		Media:     handler.NewMediaHandler(mediaService),
		System:    handler.NewSystemHandler(pool, rdb, sessionService, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(ctx, authService, handlers, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Workers get their own context so they drain after HTTP stops.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	g, gctx := errgroup.WithContext(ctx)

	// ─── Start Server ──────────────────────────────────────────────────
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ─── Start Background Workers ─────────────────────────────────────
	workers := errgroup.Group{}
	if cfg.WorkersEnabled {
		autosaveWorker := worker.NewAutosaveWorker(pool, rdb, log)
		activityWorker := worker.NewActivityWorker(pool, rdb, log)
		submissionWorker := worker.NewSubmissionWorker(assessmentService, submissionRepo, rdb, log)

		workers.Go(func() error { autosaveWorker.Start(workerCtx); return nil })
		workers.Go(func() error { activityWorker.Start(workerCtx); return nil })
		workers.Go(func() error { submissionWorker.Start(workerCtx); return nil })
	} else {
		log.Info().Msg("Persistence workers disabled in this process")
	}

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		// 1. Stop accepting new HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// 2. Close live sessions without submitting.
		sessionService.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	_ = workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
