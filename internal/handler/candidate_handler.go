package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// CandidateHandler handles candidate-facing endpoints: joining an
// assessment, reading the paper and the session state.
type CandidateHandler struct {
	sessions    *service.SessionService
	assessments *service.AssessmentService
	log         zerolog.Logger
}

// NewCandidateHandler creates a new CandidateHandler.
func NewCandidateHandler(sessions *service.SessionService, assessments *service.AssessmentService, log zerolog.Logger) *CandidateHandler {
	return &CandidateHandler{
		sessions:    sessions,
		assessments: assessments,
		log:         log.With().Str("component", "candidate_handler").Logger(),
	}
}

// JoinAssessment godoc
// POST /api/v1/candidate/assessments/:assessment_id/join
// Validates the entry token and network, then creates a session (idempotent).
func (h *CandidateHandler) JoinAssessment(c *gin.Context) {
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

	var req model.JoinAssessmentRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.sessions.Join(c.Request.Context(), assessmentID, claims.Subject, req.EntryToken, c.ClientIP())
	if err != nil {
		h.logUnexpected(c, err, "Join failed")
		failService(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

// GetPaper godoc
// GET /api/v1/candidate/assessments/:assessment_id/paper
// Returns the questions without answer keys. The candidate must have
// joined.
func (h *CandidateHandler) GetPaper(c *gin.Context) {
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

	ctx := c.Request.Context()
	if _, err := h.sessions.Active(ctx, assessmentID, claims.Subject); err != nil {
		h.logUnexpected(c, err, "Active session lookup failed")
		failService(c, err)
		return
	}

	paper, err := h.assessments.Paper(ctx, assessmentID)
	if err != nil {
		h.logUnexpected(c, err, "Paper lookup failed")
		failService(c, err)
		return
	}

	response.Success(c, http.StatusOK, paper)
}

// GetSessionState godoc
// GET /api/v1/candidate/sessions/:session_id/state
// Returns the live view while the exam runs, the stored record otherwise.
func (h *CandidateHandler) GetSessionState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	ctx := c.Request.Context()
	if l, ok := h.sessions.Live(sessionID); ok {
		if l.Session.CandidateID != claims.Subject {
			response.Fail(c, http.StatusForbidden, response.ErrNotSessionOwner)
			return
		}
		if ctrl := l.Controller(); ctrl != nil {
			view, err := ctrl.Snapshot(ctx)
			if err != nil {
				response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
				return
			}
			response.Success(c, http.StatusOK, gin.H{"session": l.Session, "state": view, "preflight": l.Gate.Phase()})
			return
		}
		response.Success(c, http.StatusOK, gin.H{"session": l.Session, "preflight": l.Gate.Phase(), "checks": l.Gate.Checks()})
		return
	}

	sess, err := h.sessions.Get(ctx, sessionID, claims.Subject)
	if err != nil {
		h.logUnexpected(c, err, "Session lookup failed")
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

func (h *CandidateHandler) logUnexpected(c *gin.Context, err error, msg string) {
	if !isClientError(err) {
		h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Msg(msg)
	}
}
