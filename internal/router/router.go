package router

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Candidate *handler.CandidateHandler
	Stream    *handler.StreamHandler
	Monitor   *handler.MonitorHandler
	Media     *handler.MediaHandler
	System    *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ctx bounds background work started by middlewares.
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Images are already compressed.
	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Quality: middleware.DefaultBrotliConfig.Quality,
		Skipper: middleware.SkipPrefixes("/uploads/"),
	}))

	// Health check.
	router.GET("/health", handlers.System.Health)

	// Reference photos and snapshots identify candidates: proctors only.
	uploads := router.Group("/uploads")
	uploads.Use(middleware.RequireProctorJWT(authService), middleware.CacheControl(time.Hour))
	{
		uploads.GET("/*filepath", handlers.Media.ServeUpload)
	}

	// Join is the only endpoint that checks a guessable secret.
	joinLimiter := middleware.NewRateLimiter(ctx, 10, time.Minute).ByCandidate()

	// ─── 1. Candidate Group (JWT) ──────────────────────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	candidateAPI.Use(middleware.RequireCandidateJWT(authService))
	{
		candidateAPI.POST("/assessments/:assessment_id/join", joinLimiter.Middleware(), handlers.Candidate.JoinAssessment)
		candidateAPI.GET("/assessments/:assessment_id/paper", handlers.Candidate.GetPaper)
		candidateAPI.GET("/sessions/:session_id/state", middleware.NoStore(), handlers.Candidate.GetSessionState)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateWSAuth(authService))
	{
		ws.GET("/candidate/sessions/:session_id/stream", handlers.Stream.SessionStream)
	}

	// ─── 3. Proctor Group (JWT) ────────────────────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(authService))
	{
		proctorAPI.GET("/assessments/:assessment_id/monitor", handlers.Monitor.MonitorAssessmentSSE)
		proctorAPI.GET("/sessions/:session_id/audit", handlers.Monitor.GetSessionAudit)
		proctorAPI.GET("/sessions/:session_id/live", middleware.NoStore(), handlers.Monitor.GetLiveView)
		proctorAPI.POST("/sessions/:session_id/sdp-answer", handlers.Monitor.PostSDPAnswer)
		proctorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
