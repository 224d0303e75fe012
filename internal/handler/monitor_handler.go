package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	keepAliveInterval = 30 * time.Second
	snapshotTimeout   = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler serves proctors: the live event stream of an assessment,
// session audits and the answer leg of live stream signaling.
type MonitorHandler struct {
	rdb     *redis.Client
	monitor *service.MonitorService
	log     zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, monitor *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:     rdb,
		monitor: monitor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorAssessmentSSE godoc
// GET /api/v1/proctor/assessments/:assessment_id/monitor
// Sends an overview, then relays every session event of the assessment.
func (h *MonitorHandler) MonitorAssessmentSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	if !claims.CanAccess(assessmentID) {
		failService(c, service.ErrOutOfScope)
		return
	}

	reqCtx := c.Request.Context()

	// Subscribe before reading the overview so no event falls between
	// the two.
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.AssessmentMonitorChannel(assessmentID.String()))
	defer pubsub.Close()
	ch := pubsub.Channel()

	fetchCtx, cancel := context.WithTimeout(reqCtx, snapshotTimeout)
	overview, err := h.monitor.Overview(fetchCtx, assessmentID)
	cancel()
	if err != nil {
		if !isClientError(err) {
			h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Msg("Monitor overview failed")
		}
		failService(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("message", gin.H{"type": "snapshot", "data": overview})
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	h.log.Info().Str("assessment_id", assessmentID.String()).Str("proctor_id", claims.Subject).Msg("Proctor attached to monitor")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("assessment_id", assessmentID.String()).Msg("Proctor detached from monitor")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Events are already JSON; forward them as is.
			writeSSEData(c, []byte(msg.Payload))

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

// GetSessionAudit godoc
// GET /api/v1/proctor/sessions/:session_id/audit
func (h *MonitorHandler) GetSessionAudit(c *gin.Context) {
	sessionID, ok := h.authorizeSession(c)
	if !ok {
		return
	}

	audit, err := h.monitor.SessionAudit(c.Request.Context(), sessionID)
	if err != nil {
		if !isClientError(err) {
			h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Msg("Session audit failed")
		}
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, audit)
}

// GetLiveView godoc
// GET /api/v1/proctor/sessions/:session_id/live
func (h *MonitorHandler) GetLiveView(c *gin.Context) {
	sessionID, ok := h.authorizeSession(c)
	if !ok {
		return
	}

	view, err := h.monitor.LiveView(c.Request.Context(), sessionID)
	if err != nil {
		if !isClientError(err) {
			h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Msg("Live view failed")
		}
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// PostSDPAnswer godoc
// POST /api/v1/proctor/sessions/:session_id/sdp-answer
// Completes the live stream negotiation a session is waiting on.
func (h *MonitorHandler) PostSDPAnswer(c *gin.Context) {
	sessionID, ok := h.authorizeSession(c)
	if !ok {
		return
	}

	var req model.SDPAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.monitor.RelayAnswer(c.Request.Context(), sessionID, req.Answer); err != nil {
		if !isClientError(err) {
			h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Msg("Relay SDP answer failed")
		}
		failService(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"status": "relayed"})
}

// authorizeSession parses the session id and checks the proctor's scope.
func (h *MonitorHandler) authorizeSession(c *gin.Context) (uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return uuid.Nil, false
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}

	if claims.AssessmentID == "" {
		return sessionID, true
	}
	sess, err := h.monitor.Session(c.Request.Context(), sessionID)
	if err != nil {
		if !isClientError(err) {
			h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Msg("Session lookup failed")
		}
		failService(c, err)
		return uuid.Nil, false
	}
	if !claims.CanAccess(sess.AssessmentID) {
		failService(c, service.ErrOutOfScope)
		return uuid.Nil, false
	}
	return sessionID, true
}
