package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPreflightReport   Action = "preflight_report"
	ActionPreflightRetry    Action = "preflight_retry"
	ActionPreflightProceed  Action = "preflight_proceed"
	ActionPreflightCapture  Action = "preflight_capture"
	ActionPreflightComplete Action = "preflight_complete"
	ActionPreflightAbort    Action = "preflight_abort"

	ActionAnswer     Action = "answer"
	ActionNext       Action = "next"
	ActionPrevious   Action = "previous"
	ActionFlag       Action = "flag"
	ActionAckWarning Action = "ack_warning"
	ActionSubmit     Action = "submit"
	ActionSignal     Action = "signal"
	ActionState      Action = "state"
	ActionPing       Action = "ping"

	// Replies to bridge requests.
	ActionMediaResponse Action = "media_response"
	ActionFrame         Action = "frame"
	ActionTrackEnded    Action = "track_ended"
	ActionBridgePong    Action = "bridge_pong"
)

// Media error codes reported by the client in a media_response.
const (
	MediaErrPermissionDenied = "permission_denied"
	MediaErrNotFound         = "not_found"
)

// RequestPayload is the single shape of every client message; each action
// reads the fields it needs.
type RequestPayload struct {
	Action    Action `json:"action"`
	RequestID string `json:"request_id,omitempty"`

	QuestionID string `json:"question_id,omitempty"`
	Option     *int   `json:"option,omitempty"`

	Signal *proctor.Signal       `json:"signal,omitempty"`
	Report *proctor.DeviceReport `json:"report,omitempty"`

	StreamID string `json:"stream_id,omitempty"`
	Error    string `json:"error,omitempty"`
	// Frame is a base64-encoded JPEG.
	Frame string `json:"frame,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError             Event = "error"
	EventPreflight         Event = "preflight"
	EventState             Event = "state"
	EventNotice            Event = "notice"
	EventFlag              Event = "flagged"
	EventMediaRequest      Event = "media_request"
	EventMediaRelease      Event = "media_release"
	EventFrameRequest      Event = "frame_request"
	EventFullscreenRequest Event = "fullscreen_request"
	EventBridgePing        Event = "bridge_ping"
	EventPong              Event = "pong"
)

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
	// Remediation accompanies capability errors.
	Remediation string `json:"remediation,omitempty"`
}

type PreflightResponse struct {
	Event   Event                    `json:"event"`
	Phase   proctor.PreflightPhase   `json:"phase"`
	Checks  []proctor.Check          `json:"checks"`
	Result  *proctor.PreflightResult `json:"result,omitempty"`
	Preview string                   `json:"preview,omitempty"`
}

type StateResponse struct {
	Event Event               `json:"event"`
	State proctor.SessionView `json:"state"`
}

type FlagResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
	Flagged    bool   `json:"flagged"`
}

type NoticeEvent struct {
	Event  Event          `json:"event"`
	Notice proctor.Notice `json:"notice"`
}

type MediaRequest struct {
	Event     Event              `json:"event"`
	RequestID string             `json:"request_id"`
	Kind      proctor.StreamKind `json:"kind"`
}

type MediaRelease struct {
	Event    Event  `json:"event"`
	StreamID string `json:"stream_id"`
}

type FrameRequest struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id"`
	StreamID  string `json:"stream_id"`
}

type FullscreenRequest struct {
	Event Event `json:"event"`
}

type BridgePing struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
