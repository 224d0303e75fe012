package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const (
	metricsInterval = 7 * time.Second
	healthTimeout   = 2 * time.Second
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LiveCounter reports the sessions held in memory.
type LiveCounter interface {
	LiveCount() int
}

// SystemHandler reports process health and streams runtime metrics.
type SystemHandler struct {
	db        Pinger
	rdb       *redis.Client
	sessions  LiveCounter
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(db Pinger, rdb *redis.Client, sessions LiveCounter, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		db:        db,
		rdb:       rdb,
		sessions:  sessions,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
// 200 when Postgres and Redis answer, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := gin.H{"database": "ok", "redis": "ok"}
	healthy := true
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			status["database"] = "unreachable"
			healthy = false
		}
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		status["redis"] = "unreachable"
		healthy = false
	}

	if !healthy {
		h.log.Warn().Interface("health", status).Msg("Health check failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrUnavailable)
		return
	}
	response.Success(c, http.StatusOK, status)
}

// ---------- SSE Endpoint ----------

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	LiveSessions int `json:"live_sessions"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	StackInuse uint64 `json:"stack_inuse"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	// Pending items per persistence queue.
	Queues map[string]int64 `json:"queues"`
}

// SystemMetricsSSE godoc
// GET /api/v1/proctor/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Debug().Msg("Proctor connected to system metrics")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c)

	for {
		select {
		case <-reqCtx.Done():
			return
		case <-ticker.C:
			h.writeMetrics(c)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context) {
	data, err := json.Marshal(h.collect(c.Request.Context()))
	if err != nil {
		return
	}
	writeSSEData(c, data)
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	m := systemMetrics{
		Timestamp: time.Now().Unix(),
		Uptime:    formatDuration(time.Since(h.startTime)),
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
	}
	if h.sessions != nil {
		m.LiveSessions = h.sessions.LiveCount()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.HeapSys = ms.Sys
	m.StackInuse = ms.StackInuse
	m.NumGC = ms.NumGC

	// ── Worker Queues (pipelined LLEN) ──
	pipe := h.rdb.Pipeline()
	cmds := make(map[string]*redis.IntCmd)
	for label, key := range config.WorkerKey.Queues() {
		cmds[label] = pipe.LLen(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err == nil {
		m.Queues = make(map[string]int64, len(cmds))
		for label, cmd := range cmds {
			m.Queues[label] = cmd.Val()
		}
	}

	return m
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
