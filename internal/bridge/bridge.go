// Package bridge reaches the candidate's browser over its WebSocket. A
// Bridge outlives any single connection: a reconnecting candidate attaches
// a new connection to the same Bridge.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Compile-time interface checks.
var (
	_ proctor.MediaCapture      = (*Bridge)(nil)
	_ proctor.FullscreenControl = (*Bridge)(nil)
	_ proctor.Notifier          = (*Bridge)(nil)
	_ proctor.Pinger            = (*Bridge)(nil)
	_ proctor.Stream            = (*stream)(nil)
)

var (
	ErrDetached = errors.New("candidate connection detached")
	ErrClosed   = errors.New("bridge closed")
	ErrNoFrame  = errors.New("client returned no frame")
)

// DefaultRequestTimeout bounds a single request to the browser.
const DefaultRequestTimeout = 20 * time.Second

type reply struct {
	msg ws.RequestPayload
	err error
}

// Bridge correlates server requests with client replies by request id.
// All writes to the attached connection go through it.
type Bridge struct {
	sessionID uuid.UUID
	timeout   time.Duration
	log       zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan reply
	streams map[string]*stream
	closed  bool
}

// New creates a detached Bridge.
func New(sessionID uuid.UUID, timeout time.Duration, log zerolog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Bridge{
		sessionID: sessionID,
		timeout:   timeout,
		log:       log.With().Str("component", "candidate_bridge").Str("session_id", sessionID.String()).Logger(),
		pending:   make(map[string]chan reply),
		streams:   make(map[string]*stream),
	}
}

// Attach makes conn the current connection. Requests still waiting on a
// previous connection fail with ErrDetached.
func (b *Bridge) Attach(conn *websocket.Conn) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	prev := b.conn
	b.conn = conn
	var stale map[string]chan reply
	var lost map[string]*stream
	if prev != nil {
		stale = b.takePendingLocked()
		lost = b.takeStreamsLocked()
	}
	b.mu.Unlock()

	failAll(stale, ErrDetached)
	endAll(lost)
	b.log.Debug().Bool("replaced", prev != nil).Int("streams_lost", len(lost)).Msg("Connection attached")
	return nil
}

// Detach drops conn if it is still the current connection. Captures held
// by that page end with it.
func (b *Bridge) Detach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	stale := b.takePendingLocked()
	lost := b.takeStreamsLocked()
	b.mu.Unlock()

	failAll(stale, ErrDetached)
	endAll(lost)
	b.log.Debug().Int("streams_lost", len(lost)).Msg("Connection detached")
}

// Attached reports whether a connection is present.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Close detaches for good. Later requests fail with ErrClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.conn = nil
	stale := b.takePendingLocked()
	b.mu.Unlock()

	failAll(stale, ErrClosed)
}

func (b *Bridge) takePendingLocked() map[string]chan reply {
	stale := b.pending
	b.pending = make(map[string]chan reply)
	return stale
}

func (b *Bridge) takeStreamsLocked() map[string]*stream {
	lost := b.streams
	b.streams = make(map[string]*stream)
	return lost
}

func endAll(streams map[string]*stream) {
	for _, s := range streams {
		s.ended()
	}
}

func failAll(pending map[string]chan reply, err error) {
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// Send writes v to the current connection.
func (b *Bridge) Send(v any) error {
	b.mu.Lock()
	conn, closed := b.conn, b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDetached
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return ws.WriteTyped(conn, v)
}

// SendTo writes v to conn even after Close, serialized with every other
// write. Handlers use it for the last message of an ended session.
func (b *Bridge) SendTo(conn *websocket.Conn, v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return ws.WriteTyped(conn, v)
}

// Deliver routes a client reply to the request waiting on it. It returns
// false for messages that are not bridge replies.
func (b *Bridge) Deliver(msg ws.RequestPayload) bool {
	switch msg.Action {
	case ws.ActionMediaResponse, ws.ActionFrame, ws.ActionBridgePong:
		b.mu.Lock()
		ch, ok := b.pending[msg.RequestID]
		delete(b.pending, msg.RequestID)
		b.mu.Unlock()
		if ok {
			ch <- reply{msg: msg}
		} else {
			b.log.Debug().Str("request_id", msg.RequestID).Msg("Reply for unknown request")
		}
		return true
	case ws.ActionTrackEnded:
		b.mu.Lock()
		s, ok := b.streams[msg.StreamID]
		delete(b.streams, msg.StreamID)
		b.mu.Unlock()
		if ok {
			s.ended()
		}
		return true
	default:
		return false
	}
}

// request sends the message built for a fresh request id and waits for the
// reply.
func (b *Bridge) request(ctx context.Context, build func(id string) any) (ws.RequestPayload, error) {
	id := uuid.NewString()
	ch := make(chan reply, 1)

	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return ws.RequestPayload{}, ErrClosed
	case b.conn == nil:
		b.mu.Unlock()
		return ws.RequestPayload{}, ErrDetached
	}
	b.pending[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}

	if err := b.Send(build(id)); err != nil {
		cancel()
		return ws.RequestPayload{}, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-timer.C:
		cancel()
		return ws.RequestPayload{}, fmt.Errorf("request timed out after %s", b.timeout)
	case <-ctx.Done():
		cancel()
		return ws.RequestPayload{}, ctx.Err()
	}
}

func (b *Bridge) AcquireCamera(ctx context.Context) (proctor.Stream, error) {
	return b.acquire(ctx, proctor.StreamCamera)
}

func (b *Bridge) AcquireScreen(ctx context.Context) (proctor.Stream, error) {
	return b.acquire(ctx, proctor.StreamScreen)
}

func (b *Bridge) acquire(ctx context.Context, kind proctor.StreamKind) (proctor.Stream, error) {
	resp, err := b.request(ctx, func(id string) any {
		return ws.MediaRequest{Event: ws.EventMediaRequest, RequestID: id, Kind: kind}
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring %s: %w", kind, err)
	}
	if resp.Error != "" {
		return nil, proctor.NewCapabilityError(string(kind), clientError(resp.Error))
	}
	if resp.StreamID == "" {
		return nil, proctor.NewCapabilityError(string(kind), errors.New("client returned no stream"))
	}

	s := &stream{bridge: b, id: resp.StreamID, kind: kind}
	b.mu.Lock()
	b.streams[s.id] = s
	b.mu.Unlock()
	return s, nil
}

func clientError(code string) error {
	switch code {
	case ws.MediaErrPermissionDenied:
		return proctor.ErrPermissionDenied
	case ws.MediaErrNotFound:
		return proctor.ErrDeviceNotFound
	default:
		return errors.New(code)
	}
}

// RequestFullscreen asks the browser to re-enter fullscreen. It is dropped
// while detached.
func (b *Bridge) RequestFullscreen() {
	if err := b.Send(ws.FullscreenRequest{Event: ws.EventFullscreenRequest}); err != nil {
		b.log.Debug().Err(err).Msg("Fullscreen request not delivered")
	}
}

// Notify delivers a notice. It is dropped while detached; the pending
// warning stays visible in the session state.
func (b *Bridge) Notify(n proctor.Notice) {
	if err := b.Send(ws.NoticeEvent{Event: ws.EventNotice, Notice: n}); err != nil {
		b.log.Debug().Err(err).Str("kind", string(n.Kind)).Msg("Notice not delivered")
	}
}

// Ping round-trips a probe to the browser.
func (b *Bridge) Ping(ctx context.Context) error {
	_, err := b.request(ctx, func(id string) any {
		return ws.BridgePing{Event: ws.EventBridgePing, RequestID: id}
	})
	return err
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.streams, id)
	b.mu.Unlock()
}

// stream is a capture held by the browser and referenced by id.
type stream struct {
	bridge *Bridge
	id     string
	kind   proctor.StreamKind

	mu      sync.Mutex
	onEnded func()
	stopped bool
}

func (s *stream) ID() string               { return s.id }
func (s *stream) Kind() proctor.StreamKind { return s.kind }

// Stop releases the capture once.
func (s *stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.bridge.forget(s.id)
	if err := s.bridge.Send(ws.MediaRelease{Event: ws.EventMediaRelease, StreamID: s.id}); err != nil {
		s.bridge.log.Debug().Err(err).Str("stream_id", s.id).Msg("Release not delivered")
	}
}

func (s *stream) Snapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("stream %s stopped", s.id)
	}

	resp, err := s.bridge.request(ctx, func(id string) any {
		return ws.FrameRequest{Event: ws.EventFrameRequest, RequestID: id, StreamID: s.id}
	})
	if err != nil {
		return nil, fmt.Errorf("capturing frame: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("capturing frame: %s", resp.Error)
	}
	if resp.Frame == "" {
		return nil, ErrNoFrame
	}
	frame, err := decodeFrame(resp.Frame)
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return frame, nil
}

// decodeFrame accepts plain base64 or a data URL.
func decodeFrame(raw string) ([]byte, error) {
	if strings.HasPrefix(raw, "data:") {
		if i := strings.IndexByte(raw, ','); i >= 0 {
			raw = raw[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(raw)
}

func (s *stream) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

// ended runs the callback unless the stream was already stopped by us.
func (s *stream) ended() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
