package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/eventloop"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	peerRetryTaskName       = "peer_retry"
	heartbeatTaskName       = "peer_heartbeat"
	screenReacquireTaskName = "screen_reacquire"

	DefaultRetryBackoff         = 5 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultScreenReacquireDelay = 3 * time.Second
	DefaultNegotiationTimeout   = 45 * time.Second
)

// MonitoringConfig selects captures and tunes the reconnection policy.
type MonitoringConfig struct {
	Camera bool
	Screen bool
	Live   bool

	RetryBackoff         time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ScreenReacquireDelay time.Duration
	NegotiationTimeout   time.Duration
}

// MonitoringConfigFor derives captures from an assessment's settings and
// fills in default timings.
func MonitoringConfigFor(p model.ProctoringSetting) MonitoringConfig {
	return MonitoringConfig{
		Camera: p.RequireWebcam,
		Screen: p.TrackScreenChanges,
		Live:   p.RequireWebcam && (p.WebRTCStream || p.LiveProctoring),
	}.withDefaults()
}

func (c MonitoringConfig) withDefaults() MonitoringConfig {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ScreenReacquireDelay <= 0 {
		c.ScreenReacquireDelay = DefaultScreenReacquireDelay
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return c
}

// MonitoringHooks connect the session to its owner.
type MonitoringHooks struct {
	// Active reports whether the exam is still running.
	Active             func() bool
	ScreenShareStopped func()
	StatusChanged      func(model.MonitoringState)
	Notify             func(Notice)
}

// MonitoringSession owns the media captures and the live peer
// connection to the remote proctor. Its lifecycle is independent of exam
// progress. It is confined to the session's event loop.
type MonitoringSession struct {
	cfg       MonitoringConfig
	loop      *eventloop.Loop
	group     *eventloop.Group
	media     MediaCapture
	peers     PeerFactory
	signaler  Signaler
	hooks     MonitoringHooks
	sessionID uuid.UUID
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state          model.MonitoringState
	camera         Stream
	screen         Stream
	peer           Peer
	generation     int
	videoPermitted bool
	started        bool
	stopped        bool

	// inFlight holds captures acquired off the loop but not yet handed to
	// it, so Stop can release them even if the handoff task is dropped.
	handoffMu sync.Mutex
	inFlight  map[Stream]struct{}
	released  bool
}

// NewMonitoringSession creates a session. peers and signaler may be nil
// when live proctoring is disabled.
func NewMonitoringSession(
	loop *eventloop.Loop,
	cfg MonitoringConfig,
	sessionID uuid.UUID,
	media MediaCapture,
	peers PeerFactory,
	signaler Signaler,
	hooks MonitoringHooks,
	log zerolog.Logger,
) *MonitoringSession {
	cfg = cfg.withDefaults()
	if peers == nil || signaler == nil {
		cfg.Live = false
	}
	ctx, cancel := context.WithCancel(context.Background())

	st := model.StreamWebcam
	switch {
	case cfg.Camera && cfg.Screen:
		st = model.StreamBoth
	case cfg.Screen:
		st = model.StreamScreen
	}

	return &MonitoringSession{
		cfg:            cfg,
		loop:           loop,
		media:          media,
		peers:          peers,
		signaler:       signaler,
		hooks:          hooks,
		sessionID:      sessionID,
		log:            log.With().Str("component", "monitoring_session").Str("session_id", sessionID.String()).Logger(),
		ctx:            ctx,
		cancel:         cancel,
		state:          model.MonitoringState{Status: model.ConnectionDisconnected, StreamType: st},
		videoPermitted: true,
		inFlight:       make(map[Stream]struct{}),
	}
}

// State returns a copy of the monitoring state.
func (m *MonitoringSession) State() model.MonitoringState { return m.state }

// CameraStream returns the live camera capture, or nil.
func (m *MonitoringSession) CameraStream() Stream { return m.camera }

// Start acquires the configured captures and, when live proctoring is
// enabled, begins connecting to the proctor.
func (m *MonitoringSession) Start(group *eventloop.Group) {
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.group = group

	if m.media == nil {
		m.videoPermitted = false
		return
	}
	if m.cfg.Screen {
		m.acquireScreen(false)
	}
	if m.cfg.Camera {
		m.acquireCamera()
		return
	}
	if m.cfg.Live {
		m.connect()
	}
}

// Resume re-acquires the captures a reconnecting client no longer holds.
// Captures that are still live are left alone.
func (m *MonitoringSession) Resume() {
	if !m.started || !m.active() || m.media == nil {
		return
	}
	if m.cfg.Screen && m.screen == nil {
		if m.group != nil {
			m.group.Cancel(screenReacquireTaskName)
		}
		m.acquireScreen(true)
	}
	if m.cfg.Camera && m.camera == nil {
		m.log.Info().Msg("Client reconnected, re-acquiring camera")
		m.acquireCamera()
	}
}

// Stop releases every capture and closes the peer connection. It is
// idempotent and safe on every exit path.
func (m *MonitoringSession) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.generation++
	m.cancel()

	if m.group != nil {
		m.group.Cancel(peerRetryTaskName)
		m.group.Cancel(heartbeatTaskName)
		m.group.Cancel(screenReacquireTaskName)
	}
	if m.peer != nil {
		_ = m.peer.Close()
		m.peer = nil
	}
	if m.camera != nil {
		m.camera.Stop()
		m.camera = nil
	}
	if m.screen != nil {
		m.screen.Stop()
		m.screen = nil
	}
	m.handoffMu.Lock()
	m.released = true
	for s := range m.inFlight {
		s.Stop()
	}
	m.inFlight = nil
	m.handoffMu.Unlock()
	m.state.CameraActive = false
	m.state.ScreenActive = false
	m.setStatus(model.ConnectionDisconnected)
	m.log.Info().Msg("Monitoring stopped, media released")
}

func (m *MonitoringSession) active() bool {
	if m.stopped {
		return false
	}
	return m.hooks.Active == nil || m.hooks.Active()
}

func (m *MonitoringSession) acquireCamera() {
	ctx := m.ctx
	go func() {
		stream, err := m.media.AcquireCamera(ctx)
		if !m.handoff(stream) {
			return
		}
		m.loop.Post(func() { m.cameraAcquired(stream, err) })
	}()
}

// handoff registers a freshly acquired stream until the loop takes it.
// It returns false, releasing the stream, once the session has stopped.
func (m *MonitoringSession) handoff(stream Stream) bool {
	m.handoffMu.Lock()
	defer m.handoffMu.Unlock()
	if m.released {
		if stream != nil {
			stream.Stop()
		}
		return false
	}
	if stream != nil {
		m.inFlight[stream] = struct{}{}
	}
	return true
}

// take removes stream from the handoff set. It returns false if Stop
// already released it.
func (m *MonitoringSession) take(stream Stream) bool {
	m.handoffMu.Lock()
	defer m.handoffMu.Unlock()
	if m.released {
		return false
	}
	delete(m.inFlight, stream)
	return true
}

func (m *MonitoringSession) cameraAcquired(stream Stream, err error) {
	if stream != nil && !m.take(stream) {
		return
	}
	if err != nil {
		// A failure from before the client reconnected is stale once a
		// newer capture is live.
		if m.stopped || m.camera != nil {
			return
		}
		m.videoPermitted = false
		capErr := NewCapabilityError("camera", err)
		m.log.Warn().Err(err).Msg("Camera acquisition failed")
		m.notify(Notice{Kind: NoticeCapability, Title: "Camera unavailable", Message: capErr.Remediation})
		return
	}
	if m.stopped || m.camera != nil {
		stream.Stop()
		return
	}

	m.camera = stream
	m.videoPermitted = true
	m.state.CameraActive = true
	m.publish()
	stream.OnEnded(func() {
		m.loop.Post(func() { m.cameraEnded(stream) })
	})

	if m.cfg.Live && m.state.Status != model.ConnectionConnecting && m.state.Status != model.ConnectionConnected {
		m.connect()
	}
}

func (m *MonitoringSession) cameraEnded(stream Stream) {
	if m.camera != stream {
		return
	}
	m.camera = nil
	m.state.CameraActive = false
	m.videoPermitted = false
	m.publish()
	if m.stopped {
		return
	}
	m.log.Warn().Msg("Camera capture ended")
	m.notify(Notice{
		Kind:    NoticeCapability,
		Title:   "Camera stopped",
		Message: "Your camera stopped sending video. Reconnect it to continue being monitored.",
	})
}

func (m *MonitoringSession) acquireScreen(reacquire bool) {
	ctx := m.ctx
	go func() {
		stream, err := m.media.AcquireScreen(ctx)
		if !m.handoff(stream) {
			return
		}
		m.loop.Post(func() { m.screenAcquired(stream, err, reacquire) })
	}()
}

func (m *MonitoringSession) screenAcquired(stream Stream, err error, reacquire bool) {
	if stream != nil && !m.take(stream) {
		return
	}
	if err != nil {
		if m.stopped || m.screen != nil {
			return
		}
		m.log.Warn().Err(err).Bool("reacquire", reacquire).Msg("Screen acquisition failed")
		msg := NewCapabilityError("screen share", err).Remediation
		if reacquire {
			msg = "Screen sharing is required for this assessment. Please re-enable screen sharing if the prompt does not reappear."
		}
		m.notify(Notice{Kind: NoticeScreenShare, Title: "Screen sharing required", Message: msg})
		return
	}
	if m.stopped {
		stream.Stop()
		return
	}
	if m.screen != nil {
		m.screen.Stop()
	}
	m.screen = stream
	m.state.ScreenActive = true
	m.publish()
	stream.OnEnded(func() {
		m.loop.Post(func() { m.screenEnded(stream) })
	})
}

func (m *MonitoringSession) screenEnded(stream Stream) {
	if m.screen != stream {
		return
	}
	m.screen = nil
	m.state.ScreenActive = false
	m.publish()
	if !m.active() {
		return
	}

	m.log.Warn().Msg("Candidate stopped screen sharing")
	if m.hooks.ScreenShareStopped != nil {
		m.hooks.ScreenShareStopped()
	}
	if !m.active() {
		return
	}
	m.group.Add(m.loop.After(screenReacquireTaskName, m.cfg.ScreenReacquireDelay, func() {
		if m.active() && m.screen == nil {
			m.acquireScreen(true)
		}
	}))
}

// connect starts a new negotiation attempt. Any previous peer is closed
// and callbacks from it are ignored.
func (m *MonitoringSession) connect() {
	if !m.cfg.Live || !m.active() || !m.videoPermitted {
		return
	}

	m.generation++
	gen := m.generation
	if m.peer != nil {
		_ = m.peer.Close()
		m.peer = nil
	}
	m.state.Attempts++
	m.state.ConnectionID = uuid.NewString()
	m.setStatus(model.ConnectionConnecting)
	m.ensureHeartbeat()

	m.log.Info().
		Int("attempt", m.state.Attempts).
		Str("connection_id", m.state.ConnectionID).
		Msg("Connecting to proctor")

	parent := m.ctx
	go func() {
		ctx, cancel := context.WithTimeout(parent, m.cfg.NegotiationTimeout)
		defer cancel()

		peer, err := m.peers.NewPeer(ctx, m.sessionID)
		if err != nil {
			m.loop.Post(func() { m.fail(gen, fmt.Errorf("create peer: %w", err)) })
			return
		}
		if !m.loop.Post(func() { m.attach(gen, peer) }) {
			_ = peer.Close()
			return
		}
		peer.OnStateChange(func(s PeerState) {
			m.loop.Post(func() { m.peerStateChanged(gen, s) })
		})

		offer, err := peer.Offer(ctx)
		if err != nil {
			m.loop.Post(func() { m.fail(gen, fmt.Errorf("create offer: %w", err)) })
			return
		}
		answer, err := m.signaler.Exchange(ctx, m.sessionID, offer)
		if err != nil {
			m.loop.Post(func() { m.fail(gen, fmt.Errorf("signaling exchange: %w", err)) })
			return
		}
		if err := peer.Accept(answer); err != nil {
			m.loop.Post(func() { m.fail(gen, fmt.Errorf("apply answer: %w", err)) })
		}
	}()
}

func (m *MonitoringSession) attach(gen int, peer Peer) {
	if gen != m.generation || m.stopped {
		_ = peer.Close()
		return
	}
	m.peer = peer
}

func (m *MonitoringSession) peerStateChanged(gen int, s PeerState) {
	if gen != m.generation || m.stopped {
		return
	}
	switch s {
	case PeerConnected:
		if m.state.Status != model.ConnectionConnected {
			m.setStatus(model.ConnectionConnected)
			m.log.Info().Str("connection_id", m.state.ConnectionID).Msg("Proctor connection established")
		}
	case PeerFailed, PeerDisconnected, PeerClosed:
		m.fail(gen, fmt.Errorf("peer %s", s))
	}
}

// fail moves to failed and schedules a retry after the backoff.
func (m *MonitoringSession) fail(gen int, err error) {
	if gen != m.generation || m.stopped {
		return
	}
	if errors.Is(err, context.Canceled) && m.ctx.Err() != nil {
		return
	}
	m.generation++
	if m.peer != nil {
		_ = m.peer.Close()
		m.peer = nil
	}
	m.setStatus(model.ConnectionFailed)
	m.log.Warn().Err(err).Dur("backoff", m.cfg.RetryBackoff).Msg("Proctor connection failed, retrying")

	if m.state.Attempts == 1 {
		m.notify(Notice{
			Kind:    NoticeTransport,
			Title:   "Proctor connection lost",
			Message: "The live proctoring connection failed. Reconnecting automatically; your exam time is not affected.",
		})
	}

	if !m.active() {
		return
	}
	m.group.Add(m.loop.After(peerRetryTaskName, m.cfg.RetryBackoff, func() {
		if m.state.Status == model.ConnectionFailed {
			m.connect()
		}
	}))
}

func (m *MonitoringSession) ensureHeartbeat() {
	if m.group == nil || m.group.Has(heartbeatTaskName) {
		return
	}
	m.group.Add(m.loop.Every(heartbeatTaskName, m.cfg.HeartbeatInterval, m.heartbeat))
}

func (m *MonitoringSession) heartbeat() {
	if m.stopped || m.state.Status != model.ConnectionConnected || m.peer == nil {
		return
	}
	gen := m.generation
	peer := m.peer
	parent := m.ctx
	timeout := m.cfg.HeartbeatTimeout
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		err := peer.Heartbeat(ctx)
		if err == nil {
			return
		}
		m.loop.Post(func() {
			if gen != m.generation || m.stopped || m.state.Status != model.ConnectionConnected {
				return
			}
			m.log.Warn().Err(err).Msg("Heartbeat failed on connected peer, renegotiating")
			m.connect()
		})
	}()
}

func (m *MonitoringSession) setStatus(s model.ConnectionStatus) {
	if m.state.Status == s {
		return
	}
	m.state.Status = s
	m.publish()
}

func (m *MonitoringSession) publish() {
	if m.hooks.StatusChanged != nil {
		m.hooks.StatusChanged(m.state)
	}
}

func (m *MonitoringSession) notify(n Notice) {
	if m.hooks.Notify != nil {
		m.hooks.Notify(n)
	}
}
