package proctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Capability errors returned by MediaCapture implementations.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
)

// CapabilityError describes a recoverable media failure together with
// the guidance shown to the candidate.
type CapabilityError struct {
	Device      string
	Err         error
	Remediation string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Device, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// NewCapabilityError wraps err with remediation text for device.
func NewCapabilityError(device string, err error) *CapabilityError {
	return &CapabilityError{Device: device, Err: err, Remediation: remediationFor(device, err)}
}

func remediationFor(device string, err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return fmt.Sprintf("Allow %s access in your browser settings, then retry.", device)
	case errors.Is(err, ErrDeviceNotFound):
		return fmt.Sprintf("Connect a %s and make sure no other application is using it, then retry.", device)
	default:
		return fmt.Sprintf("Check your %s and retry.", device)
	}
}

// StreamKind tells camera and screen captures apart.
type StreamKind string

const (
	StreamCamera StreamKind = "camera"
	StreamScreen StreamKind = "screen"
)

// Stream is an acquired media capture.
type Stream interface {
	ID() string
	Kind() StreamKind
	// Stop releases every track of the stream. It is idempotent.
	Stop()
	// Snapshot captures one still frame.
	Snapshot(ctx context.Context) ([]byte, error)
	// OnEnded registers fn to run when the capture ends outside our
	// control, e.g. the candidate pressed "stop sharing".
	OnEnded(fn func())
}

// MediaCapture acquires camera and screen streams.
type MediaCapture interface {
	AcquireCamera(ctx context.Context) (Stream, error)
	AcquireScreen(ctx context.Context) (Stream, error)
}

// FullscreenControl asks the candidate's browser to enter fullscreen.
type FullscreenControl interface {
	RequestFullscreen()
}

// Pinger measures reachability of the candidate's client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FaceResult is the classification vocabulary of a snapshot.
type FaceResult string

const (
	FaceOK           FaceResult = "face_ok"
	FaceNone         FaceResult = "no_face"
	FaceMultiple     FaceResult = "multiple_faces"
	FaceUnknown      FaceResult = "unknown_face"
	FaceEyeMovement  FaceResult = "eye_movement"
	FaceHeadMovement FaceResult = "face_movement"
)

// Classification is the outcome of classifying one frame.
type Classification struct {
	Result     FaceResult
	Confidence *float64
}

// Classifier inspects a frame against the reference photo.
type Classifier interface {
	Classify(ctx context.Context, frame, reference []byte, threshold float64) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, frame, reference []byte, threshold float64) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, frame, reference []byte, threshold float64) (Classification, error) {
	return f(ctx, frame, reference, threshold)
}

// PeerState is a transport-level connection state.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// Peer is one attempt at a live connection to the remote proctor.
type Peer interface {
	// Offer creates the local session description.
	Offer(ctx context.Context) (string, error)
	// Accept applies the remote answer.
	Accept(answer string) error
	OnStateChange(fn func(PeerState))
	// Heartbeat round-trips a probe over the connection.
	Heartbeat(ctx context.Context) error
	Send(msg []byte) error
	Close() error
}

// PeerFactory creates a fresh Peer per connection attempt.
type PeerFactory interface {
	NewPeer(ctx context.Context, sessionID uuid.UUID) (Peer, error)
}

// Signaler exchanges an offer for the proctor's answer.
type Signaler interface {
	Exchange(ctx context.Context, sessionID uuid.UUID, offer string) (string, error)
}

// IdentityResolver looks up the candidate's public network address.
type IdentityResolver interface {
	ResolveIP(ctx context.Context) (string, error)
}

// Journal receives incremental session data as it happens.
type Journal interface {
	RecordAnswer(ctx context.Context, sessionID, questionID uuid.UUID, option int) error
	RecordActivity(ctx context.Context, sessionID uuid.UUID, activity model.SuspiciousActivity) error
}

// SnapshotStore persists flagged frames and returns a reference to them.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, sessionID uuid.UUID, frame []byte) (string, error)
}

// Submission is everything handed to the submission sink.
type Submission struct {
	SessionID    uuid.UUID                  `json:"session_id"`
	AssessmentID uuid.UUID                  `json:"assessment_id"`
	CandidateID  string                     `json:"candidate_id"`
	Outcome      model.TerminalFlag         `json:"outcome"`
	Reason       model.SubmitReason         `json:"reason"`
	Answers      map[uuid.UUID]int          `json:"answers"`
	Flagged      []uuid.UUID                `json:"flagged,omitempty"`
	Activities   []model.SuspiciousActivity `json:"activities"`
	Navigation   []model.NavigationEvent    `json:"navigation"`
	WarningCount int                        `json:"warning_count"`
	IPAddress    string                     `json:"ip_address,omitempty"`
	DeviceInfo   string                     `json:"device_info,omitempty"`
	StartedAt    time.Time                  `json:"started_at"`
	FinishedAt   time.Time                  `json:"finished_at"`

	FullscreenExits int       `json:"fullscreen_exits"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// Submitter persists a finished session.
type Submitter interface {
	Submit(ctx context.Context, sub *Submission) error
}

// NoticeKind classifies candidate-facing messages.
type NoticeKind string

const (
	NoticeWarning         NoticeKind = "warning"
	NoticeSectionAdvanced NoticeKind = "section_advanced"
	NoticeCapability      NoticeKind = "capability_error"
	NoticeTransport       NoticeKind = "transport_error"
	NoticeScreenShare     NoticeKind = "screen_share"
	NoticeSessionEnded    NoticeKind = "session_ended"
)

// Notice is a message shown to the candidate. Warnings require an
// acknowledgment; everything else is dismissible.
type Notice struct {
	Kind        NoticeKind `json:"kind"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	RequiresAck bool       `json:"requires_ack"`
}

// Notifier delivers notices to the candidate.
type Notifier interface {
	Notify(n Notice)
}

// Event is a telemetry record for proctors watching the assessment.
type Event struct {
	Type         string         `json:"type"`
	SessionID    uuid.UUID      `json:"session_id"`
	AssessmentID uuid.UUID      `json:"assessment_id"`
	CandidateID  string         `json:"candidate_id"`
	At           time.Time      `json:"at"`
	Data         map[string]any `json:"data,omitempty"`
}

// Telemetry fans session events out to observers.
type Telemetry interface {
	Publish(ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

type nopTelemetry struct{}

func (nopTelemetry) Publish(Event) {}

type nopFullscreen struct{}

func (nopFullscreen) RequestFullscreen() {}

type nopJournal struct{}

func (nopJournal) RecordAnswer(context.Context, uuid.UUID, uuid.UUID, int) error { return nil }

func (nopJournal) RecordActivity(context.Context, uuid.UUID, model.SuspiciousActivity) error {
	return nil
}

type faceOKClassifier struct{}

func (faceOKClassifier) Classify(context.Context, []byte, []byte, float64) (Classification, error) {
	return Classification{Result: FaceOK}, nil
}
