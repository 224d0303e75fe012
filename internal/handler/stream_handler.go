package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	// pendingActions bounds the actions queued behind a slow one.
	pendingActions = 32
	beginTimeout   = 30 * time.Second
	closeWait      = time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StreamHandler serves the candidate's exam WebSocket: preflight, exam
// actions, environment signals and replies to bridge requests.
type StreamHandler struct {
	sessions *service.SessionService
	auth     *service.AuthService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(sessions *service.SessionService, auth *service.AuthService, log zerolog.Logger, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		sessions: sessions,
		auth:     auth,
		log:      log.With().Str("component", "stream_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/candidate/sessions/:session_id/stream
// Attaches the candidate's browser to a live session.
func (h *StreamHandler) SessionStream(c *gin.Context) {
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
	live, err := h.sessions.Open(ctx, sessionID, claims.Subject)
	if err != nil {
		if !isClientError(err) {
			h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Open session failed")
		}
		failService(c, err)
		return
	}

	if live.Assessment.Security.BlockMultipleSessions {
		if err := h.auth.ClaimDevice(ctx, sessionID, claims.ID); err != nil {
			if !isClientError(err) {
				h.log.Error().Err(err).Msg("Device claim failed")
			}
			failService(c, err)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	ws.Prepare(conn)

	if err := live.Bridge.Attach(conn); err != nil {
		_ = ws.WriteTyped(conn, ws.NewError("this exam session has ended"))
		return
	}
	defer live.Bridge.Detach(conn)
	live.SetClientIP(c.ClientIP())

	connCtx, cancel := context.WithCancel(context.Background())
	sc := &streamConn{
		h:    h,
		live: live,
		conn: conn,
		ctx:  connCtx,
		log: h.log.With().
			Str("session_id", sessionID.String()).
			Str("candidate_id", claims.Subject).
			Logger(),
	}

	sc.log.Info().Msg("Candidate connected")
	sc.sendCurrent()
	if ctrl := live.Controller(); ctrl != nil {
		if err := ctrl.Reattached(connCtx); err != nil {
			sc.log.Warn().Err(err).Msg("Failed to resume monitoring")
		}
		sc.watch(ctrl)
	}

	actions := make(chan ws.RequestPayload, pendingActions)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for msg := range actions {
			sc.handle(msg)
		}
	}()

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				sc.log.Debug().Msg("Connection closed")
			}
			break
		}

		// Replies must not queue behind the action waiting on them.
		if live.Bridge.Deliver(msg) {
			continue
		}
		if msg.Action == ws.ActionPing {
			sc.send(ws.PongResponse{Event: ws.EventPong})
			continue
		}

		select {
		case actions <- msg:
		default:
			sc.send(ws.NewError("too many pending actions"))
		}
	}

	close(actions)
	cancel()
	<-dispatched
	sc.log.Info().Msg("Candidate disconnected")
}

// streamConn is the state of one candidate connection. Actions run one at
// a time on the dispatch goroutine.
type streamConn struct {
	h    *StreamHandler
	live *service.LiveSession
	conn *websocket.Conn
	ctx  context.Context
	log  zerolog.Logger

	deviceInfo string
	watchOnce  sync.Once
}

func (s *streamConn) handle(msg ws.RequestPayload) {
	switch msg.Action {
	case ws.ActionPreflightReport, ws.ActionPreflightRetry:
		s.runChecks(msg)
	case ws.ActionPreflightProceed:
		if err := s.live.Gate.ProceedToCamera(s.ctx); err != nil {
			s.fail(err)
		}
		s.sendPreflight(nil, "")
	case ws.ActionPreflightCapture:
		frame, err := s.live.Gate.Capture(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}
		s.sendPreflight(nil, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(frame))
	case ws.ActionPreflightComplete:
		s.begin()
	case ws.ActionPreflightAbort:
		s.abort()

	case ws.ActionAnswer:
		s.withController(func(ctrl *proctor.ExamController) error {
			qid, err := uuid.Parse(msg.QuestionID)
			if err != nil {
				return proctor.ErrUnknownQuestion
			}
			if msg.Option == nil {
				return proctor.ErrInvalidOption
			}
			return ctrl.SelectAnswer(s.ctx, qid, *msg.Option)
		})
	case ws.ActionNext:
		s.withController(func(ctrl *proctor.ExamController) error { return ctrl.GoToNext(s.ctx) })
	case ws.ActionPrevious:
		s.withController(func(ctrl *proctor.ExamController) error { return ctrl.GoToPrevious(s.ctx) })
	case ws.ActionFlag:
		ctrl := s.controller()
		if ctrl == nil {
			return
		}
		qid, err := uuid.Parse(msg.QuestionID)
		if err != nil {
			s.fail(proctor.ErrUnknownQuestion)
			return
		}
		flagged, err := ctrl.FlagQuestion(s.ctx, qid)
		if err != nil {
			s.fail(err)
			return
		}
		s.send(ws.FlagResponse{Event: ws.EventFlag, QuestionID: qid.String(), Flagged: flagged})
	case ws.ActionAckWarning:
		s.withController(func(ctrl *proctor.ExamController) error { return ctrl.AcknowledgeWarning(s.ctx) })
	case ws.ActionSubmit:
		if ctrl := s.controller(); ctrl != nil {
			if err := ctrl.Submit(s.ctx); err != nil {
				s.fail(err)
			}
		}
	case ws.ActionSignal:
		ctrl := s.controller()
		if ctrl == nil {
			return
		}
		if msg.Signal == nil {
			s.send(ws.NewError("signal is required"))
			return
		}
		if err := ctrl.Report(s.ctx, *msg.Signal); err != nil {
			s.fail(err)
		}
	case ws.ActionState:
		s.sendCurrent()
	default:
		s.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		s.send(ws.NewError("unknown action: " + string(msg.Action)))
	}
}

func (s *streamConn) runChecks(msg ws.RequestPayload) {
	if msg.Report == nil {
		s.send(ws.NewError("report is required"))
		return
	}
	s.deviceInfo = describeDevice(*msg.Report)

	progress := func(proctor.Check) { s.sendPreflight(nil, "") }
	run := s.live.Gate.Run
	if msg.Action == ws.ActionPreflightRetry {
		run = s.live.Gate.Retry
	}
	if _, err := run(s.ctx, *msg.Report, progress); err != nil {
		s.fail(err)
	}
	s.sendPreflight(nil, "")
}

// begin completes the gate and starts the exam. A gate completed by an
// earlier connection whose exam never started is picked up again.
func (s *streamConn) begin() {
	gate := s.live.Gate
	var result proctor.PreflightResult
	if gate.Phase() == proctor.PhaseComplete {
		result = gate.Abort()
	} else {
		var err error
		if result, err = gate.Complete(); err != nil {
			s.fail(err)
			return
		}
	}
	s.sendPreflight(&result, "")

	// The exam must start even if this connection drops meanwhile.
	ctx, cancel := context.WithTimeout(context.Background(), beginTimeout)
	defer cancel()
	ctrl, err := s.h.sessions.Begin(ctx, s.live, result, s.deviceInfo)
	if err != nil {
		s.log.Error().Err(err).Msg("Exam start failed")
		s.fail(err)
		return
	}
	s.sendState(ctrl)
	s.watch(ctrl)
}

// abort releases every preflight handle and abandons the session.
func (s *streamConn) abort() {
	result := s.live.Gate.Abort()
	s.sendPreflight(&result, "")
	if result.Success || s.live.Controller() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), beginTimeout)
	defer cancel()
	if err := s.h.sessions.Abandon(ctx, s.live); err != nil {
		s.log.Error().Err(err).Msg("Abandon failed")
	}
	s.releaseDevice()
	s.close("preflight aborted")
}

// releaseDevice drops the single-device binding of an ended session.
func (s *streamConn) releaseDevice() {
	if !s.live.Assessment.Security.BlockMultipleSessions {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	if err := s.h.auth.ReleaseDevice(ctx, s.live.Session.ID); err != nil {
		s.log.Warn().Err(err).Msg("Device binding not released")
	}
}

// watch closes the connection once the exam ends.
func (s *streamConn) watch(ctrl *proctor.ExamController) {
	s.watchOnce.Do(func() {
		go func() {
			select {
			case <-ctrl.Done():
				// The bridge may already be closed; write the final view directly.
				if view, err := ctrl.Snapshot(s.ctx); err == nil {
					if err := s.live.Bridge.SendTo(s.conn, ws.StateResponse{Event: ws.EventState, State: view}); err != nil {
						s.log.Debug().Err(err).Msg("Final state not sent")
					}
				}
				s.releaseDevice()
				s.close("session ended")
			case <-s.ctx.Done():
			}
		}()
	})
}

// close sends a close frame; the read loop then ends.
func (s *streamConn) close(reason string) {
	if err := ws.WriteClose(s.conn, reason, closeWait); err != nil {
		s.log.Debug().Err(err).Msg("Close frame not sent")
	}
}

func (s *streamConn) controller() *proctor.ExamController {
	ctrl := s.live.Controller()
	if ctrl == nil {
		s.send(ws.ErrorResponse{Event: ws.EventError, Error: service.ErrPreflightRequired.Error()})
	}
	return ctrl
}

// withController runs fn and replies with the resulting state.
func (s *streamConn) withController(fn func(ctrl *proctor.ExamController) error) {
	ctrl := s.controller()
	if ctrl == nil {
		return
	}
	if err := fn(ctrl); err != nil {
		s.fail(err)
		return
	}
	s.sendState(ctrl)
}

func (s *streamConn) sendCurrent() {
	if ctrl := s.live.Controller(); ctrl != nil {
		s.sendState(ctrl)
		return
	}
	s.sendPreflight(nil, "")
}

func (s *streamConn) sendState(ctrl *proctor.ExamController) {
	view, err := ctrl.Snapshot(s.ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("State unavailable")
		return
	}
	s.send(ws.StateResponse{Event: ws.EventState, State: view})
}

func (s *streamConn) sendPreflight(result *proctor.PreflightResult, preview string) {
	s.send(ws.PreflightResponse{
		Event:   ws.EventPreflight,
		Phase:   s.live.Gate.Phase(),
		Checks:  s.live.Gate.Checks(),
		Result:  result,
		Preview: preview,
	})
}

func (s *streamConn) send(v any) {
	if err := s.live.Bridge.Send(v); err != nil {
		s.log.Debug().Err(err).Msg("Write failed")
	}
}

// candidateErrors are safe to show verbatim.
var candidateErrors = []error{
	proctor.ErrChecksIncomplete, proctor.ErrNoReferenceImage, proctor.ErrEmptyCapture,
	proctor.ErrGateClosed, proctor.ErrPreflightBusy, proctor.ErrPreviewUnavailable,
	proctor.ErrNotStarted, proctor.ErrUnknownQuestion, proctor.ErrInvalidOption,
	proctor.ErrAtLastQuestion, proctor.ErrAtFirstQuestion, proctor.ErrSectionExpired,
	service.ErrPreflightRequired, service.ErrServiceUnavailable,
}

func (s *streamConn) fail(err error) {
	var capErr *proctor.CapabilityError
	if errors.As(err, &capErr) {
		s.send(ws.ErrorResponse{Event: ws.EventError, Error: capErr.Error(), Remediation: capErr.Remediation})
		return
	}
	for _, known := range candidateErrors {
		if errors.Is(err, known) {
			s.send(ws.NewError(known.Error()))
			return
		}
	}
	s.log.Warn().Err(err).Msg("Action failed")
	s.send(ws.NewError("request failed"))
}

func describeDevice(r proctor.DeviceReport) string {
	return fmt.Sprintf("%s; screen %dx%d; viewport %dx%d",
		r.UserAgent, r.ScreenWidth, r.ScreenHeight, r.ViewportWidth, r.ViewportHeight)
}
