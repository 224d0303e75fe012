package proctor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/eventloop"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	inactivityTaskName = "inactivity_check"
	snapshotTaskName   = "face_snapshot"

	// DefaultInactivityTimeout is the idle period after which inactivity
	// is reported.
	DefaultInactivityTimeout = 30 * time.Second
	// DefaultClassifierThreshold is the confidence threshold passed to
	// the snapshot classifier.
	DefaultClassifierThreshold = 0.7

	inactivityCheckInterval = 5 * time.Second
	multiDisplayRatio       = 1.5
	snapshotTimeout         = 20 * time.Second
)

// SignalKind enumerates environment signals reported by the client.
type SignalKind string

const (
	SignalVisibility SignalKind = "visibility"
	SignalBlur       SignalKind = "blur"
	SignalFullscreen SignalKind = "fullscreen"
	SignalClipboard  SignalKind = "clipboard"
	SignalKeyCombo   SignalKind = "key_combo"
	SignalActivity   SignalKind = "activity"
	SignalDisplay    SignalKind = "display"
	SignalAudio      SignalKind = "audio"
)

// Signal is one environment observation from the candidate's browser.
type Signal struct {
	Kind SignalKind `json:"kind"`
	// Hidden is set for visibility signals.
	Hidden bool `json:"hidden,omitempty"`
	// Active is the fullscreen state for fullscreen signals.
	Active bool `json:"active,omitempty"`
	// Action is copy, cut or paste for clipboard signals.
	Action string `json:"action,omitempty"`
	// Keys is a "+"-joined key combination, e.g. "Meta+Shift+4".
	Keys string `json:"keys,omitempty"`

	ScreenWidth    int `json:"screen_width,omitempty"`
	AvailWidth     int `json:"avail_width,omitempty"`
	ViewportWidth  int `json:"viewport_width,omitempty"`
	ViewportHeight int `json:"viewport_height,omitempty"`

	Level  float64 `json:"level,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

// IntegrityConfig selects the active detection sources.
type IntegrityConfig struct {
	MaxWarnings int

	TabSwitch    bool
	WindowBlur   bool
	Fullscreen   bool
	Clipboard    bool
	Screenshot   bool
	Inactivity   bool
	MultiDisplay bool
	Audio        bool

	Snapshots        bool
	SnapshotInterval time.Duration
	FaceRecognition  bool
	EyeTracking      bool

	InactivityTimeout   time.Duration
	ClassifierThreshold float64
}

// IntegrityConfigFor derives the detection sources from an assessment's
// settings.
func IntegrityConfigFor(p model.ProctoringSetting, s model.SecuritySetting) IntegrityConfig {
	return IntegrityConfig{
		MaxWarnings:         s.MaxWarnings(),
		TabSwitch:           p.PreventTabSwitching,
		WindowBlur:          p.PreventTabSwitching && p.BehaviorAnalysis,
		Fullscreen:          s.EnforceFullscreen,
		Clipboard:           s.PreventCopyPaste,
		Screenshot:          s.PreventScreenshots,
		Inactivity:          p.BehaviorAnalysis,
		MultiDisplay:        p.TrackScreenChanges,
		Audio:               p.AudioMonitoring,
		Snapshots:           p.TakeRandomSnapshots && p.RequireWebcam,
		SnapshotInterval:    p.SnapshotInterval(),
		FaceRecognition:     p.FaceRecognition,
		EyeTracking:         p.EyeMovementTracking,
		InactivityTimeout:   DefaultInactivityTimeout,
		ClassifierThreshold: DefaultClassifierThreshold,
	}
}

// IntegrityHooks connect the monitor to its owner.
type IntegrityHooks struct {
	Terminal          func() bool
	Warn              func(a model.SuspiciousActivity, count int)
	Terminate         func(a model.SuspiciousActivity, count int)
	RequestFullscreen func()
	// CameraStream returns the live camera capture, or nil.
	CameraStream func() Stream
}

// IntegrityMonitor turns environment signals into suspicious activity
// records and drives the warning/termination escalation. It is confined
// to the session's event loop.
type IntegrityMonitor struct {
	cfg        IntegrityConfig
	loop       *eventloop.Loop
	hooks      IntegrityHooks
	classifier Classifier
	snapshots  SnapshotStore
	reference  []byte
	sessionID  uuid.UUID
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	activities []model.SuspiciousActivity
	warnings   int
	stopped    bool

	hidden       bool
	fullscreen   bool
	multiDisplay bool
	lastActive   time.Time
	idle         bool
	inFlight     bool
}

// NewIntegrityMonitor creates a monitor. classifier and snapshots may be nil.
func NewIntegrityMonitor(
	loop *eventloop.Loop,
	cfg IntegrityConfig,
	sessionID uuid.UUID,
	reference []byte,
	classifier Classifier,
	snapshots SnapshotStore,
	hooks IntegrityHooks,
	log zerolog.Logger,
) *IntegrityMonitor {
	if cfg.MaxWarnings <= 0 {
		cfg.MaxWarnings = model.DefaultMaxWarnings
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if classifier == nil {
		classifier = faceOKClassifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IntegrityMonitor{
		cfg:        cfg,
		loop:       loop,
		hooks:      hooks,
		classifier: classifier,
		snapshots:  snapshots,
		reference:  reference,
		sessionID:  sessionID,
		log:        log.With().Str("component", "integrity_monitor").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		lastActive: loop.Clock().Now(),
	}
}

// Start schedules the periodic checks.
func (m *IntegrityMonitor) Start(group *eventloop.Group) {
	if m.stopped {
		return
	}
	m.lastActive = m.loop.Clock().Now()
	if m.cfg.Inactivity {
		group.Add(m.loop.Every(inactivityTaskName, inactivityCheckInterval, m.checkInactivity))
	}
	if m.cfg.Snapshots && m.cfg.SnapshotInterval > 0 {
		group.Add(m.loop.Every(snapshotTaskName, m.cfg.SnapshotInterval, m.takeSnapshot))
	}
}

// Stop ends monitoring. Pending classifications are discarded.
func (m *IntegrityMonitor) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.cancel()
}

// Warnings returns the monotone warning count.
func (m *IntegrityMonitor) Warnings() int { return m.warnings }

// MaxWarnings returns the termination threshold.
func (m *IntegrityMonitor) MaxWarnings() int { return m.cfg.MaxWarnings }

// Activities returns a copy of the recorded activities.
func (m *IntegrityMonitor) Activities() []model.SuspiciousActivity {
	out := make([]model.SuspiciousActivity, len(m.activities))
	copy(out, m.activities)
	return out
}

// LastActive returns the time of the last candidate interaction.
func (m *IntegrityMonitor) LastActive() time.Time { return m.lastActive }

// Touch marks candidate interaction for the inactivity detector.
func (m *IntegrityMonitor) Touch() {
	m.lastActive = m.loop.Clock().Now()
	m.idle = false
}

// Handle processes one environment signal.
func (m *IntegrityMonitor) Handle(s Signal) {
	if m.halted() {
		return
	}

	switch s.Kind {
	case SignalVisibility:
		wasHidden := m.hidden
		m.hidden = s.Hidden
		if !s.Hidden {
			m.Touch()
			return
		}
		if !wasHidden && m.cfg.TabSwitch {
			m.record(model.ActivityTabSwitch, model.SeverityHigh, "Candidate left the exam tab", "", nil)
		}

	case SignalBlur:
		if m.cfg.WindowBlur && !m.hidden {
			m.record(model.ActivityWindowBlur, model.SeverityMedium, "Exam window lost focus", "", nil)
		}

	case SignalFullscreen:
		was := m.fullscreen
		m.fullscreen = s.Active
		if s.Active || !was || !m.cfg.Fullscreen {
			return
		}
		m.record(model.ActivityFullscreenExit, model.SeverityMedium, "Candidate exited fullscreen mode", "", nil)
		if !m.halted() && m.hooks.RequestFullscreen != nil {
			m.hooks.RequestFullscreen()
		}

	case SignalClipboard:
		if !m.cfg.Clipboard {
			return
		}
		action := strings.ToLower(s.Action)
		switch action {
		case "copy", "cut", "paste":
			m.record(model.ActivityOther, model.SeverityLow, fmt.Sprintf("Clipboard %s attempt", action), "", nil)
		}

	case SignalKeyCombo:
		m.Touch()
		if m.cfg.Screenshot && IsScreenshotShortcut(s.Keys) {
			m.record(model.ActivityScreenshotAttempt, model.SeverityMedium,
				fmt.Sprintf("Screenshot shortcut used: %s", s.Keys), "", nil)
		}

	case SignalActivity:
		m.Touch()

	case SignalDisplay:
		if !m.cfg.MultiDisplay || s.ViewportWidth <= 0 {
			return
		}
		suspicious := float64(s.AvailWidth) > multiDisplayRatio*float64(s.ViewportWidth)
		was := m.multiDisplay
		m.multiDisplay = suspicious
		if suspicious && !was {
			m.record(model.ActivityOther, model.SeverityHigh,
				fmt.Sprintf("Multiple displays suspected (available width %d, viewport %d)", s.AvailWidth, s.ViewportWidth), "", nil)
		}

	case SignalAudio:
		if !m.cfg.Audio {
			return
		}
		detail := s.Detail
		if detail == "" {
			detail = "Background voice or noise detected"
		}
		m.record(model.ActivityAudioDetection, model.SeverityMedium, detail, "", nil)
	}
}

// ScreenShareStopped records the candidate ending the screen capture.
func (m *IntegrityMonitor) ScreenShareStopped() {
	if m.halted() {
		return
	}
	m.record(model.ActivityScreenShare, model.SeverityMedium, "Screen sharing was stopped", "", nil)
}

func (m *IntegrityMonitor) halted() bool {
	return m.stopped || (m.hooks.Terminal != nil && m.hooks.Terminal())
}

// record appends one activity, increments the warning count by exactly
// one, then escalates.
func (m *IntegrityMonitor) record(t model.ActivityType, sev model.Severity, detail, snapshotRef string, confidence *float64) {
	if m.halted() {
		return
	}

	a := model.SuspiciousActivity{
		Timestamp:   m.loop.Clock().Now(),
		Type:        t,
		Detail:      detail,
		SnapshotRef: snapshotRef,
		Severity:    sev,
		Confidence:  confidence,
	}
	m.activities = append(m.activities, a)
	m.warnings++

	m.log.Info().
		Str("session_id", m.sessionID.String()).
		Str("type", string(t)).
		Str("severity", string(sev)).
		Int("warnings", m.warnings).
		Msg("Suspicious activity detected")

	if m.warnings >= m.cfg.MaxWarnings {
		m.Stop()
		if m.hooks.Terminate != nil {
			m.hooks.Terminate(a, m.warnings)
		}
		return
	}
	if m.hooks.Warn != nil {
		m.hooks.Warn(a, m.warnings)
	}
}

func (m *IntegrityMonitor) checkInactivity() {
	if m.halted() || m.idle {
		return
	}
	idleFor := m.loop.Clock().Now().Sub(m.lastActive)
	if idleFor <= m.cfg.InactivityTimeout {
		return
	}
	m.idle = true
	m.record(model.ActivityInactivity, model.SeverityLow,
		fmt.Sprintf("No activity for %d seconds", int(idleFor/time.Second)), "", nil)
}

func (m *IntegrityMonitor) takeSnapshot() {
	if m.halted() || m.inFlight || m.hooks.CameraStream == nil {
		return
	}
	stream := m.hooks.CameraStream()
	if stream == nil {
		return
	}
	m.inFlight = true

	ctx := m.ctx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
		defer cancel()

		frame, err := stream.Snapshot(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("Snapshot capture failed")
			m.loop.Post(func() { m.inFlight = false })
			return
		}

		result, err := m.classifier.Classify(ctx, frame, m.reference, m.cfg.ClassifierThreshold)
		if err != nil {
			m.log.Warn().Err(err).Msg("Snapshot classification failed")
			m.loop.Post(func() { m.inFlight = false })
			return
		}

		ref := ""
		if result.Result != FaceOK && m.snapshots != nil {
			if ref, err = m.snapshots.SaveSnapshot(ctx, m.sessionID, frame); err != nil {
				m.log.Warn().Err(err).Msg("Failed to store flagged snapshot")
			}
		}

		m.loop.Post(func() {
			m.inFlight = false
			m.applyClassification(result, ref)
		})
	}()
}

func (m *IntegrityMonitor) applyClassification(c Classification, ref string) {
	switch c.Result {
	case FaceNone:
		m.record(model.ActivityNoFace, model.SeverityMedium, "No face detected in frame", ref, c.Confidence)
	case FaceMultiple:
		m.record(model.ActivityMultipleFaces, model.SeverityHigh, "Multiple faces detected in frame", ref, c.Confidence)
	case FaceUnknown:
		if m.cfg.FaceRecognition {
			m.record(model.ActivityUnknownFace, model.SeverityHigh, "Face does not match the reference photo", ref, c.Confidence)
		}
	case FaceEyeMovement:
		if m.cfg.EyeTracking {
			m.record(model.ActivityEyeMovement, model.SeverityMedium, "Abnormal gaze pattern detected", ref, c.Confidence)
		}
	case FaceHeadMovement:
		m.record(model.ActivityFaceMovement, model.SeverityMedium, "Excessive head movement detected", ref, c.Confidence)
	}
}

var screenshotLetters = map[string]bool{"3": true, "4": true, "5": true, "s": true}

// IsScreenshotShortcut reports whether keys is a well-known screen
// capture combination (PrintScreen, Cmd+Shift+3/4/5, Win+Shift+S).
func IsScreenshotShortcut(keys string) bool {
	var meta, shift bool
	var other []string
	for _, k := range strings.Split(strings.ToLower(keys), "+") {
		switch k = strings.TrimSpace(k); k {
		case "printscreen", "prtsc", "prtscn", "print":
			return true
		case "meta", "cmd", "command", "win", "os":
			meta = true
		case "shift":
			shift = true
		case "":
		default:
			other = append(other, k)
		}
	}
	return meta && shift && len(other) == 1 && screenshotLetters[other[0]]
}
