// Package rtc connects a candidate session to the remote proctor over a
// WebRTC data channel. Signaling uses vanilla ICE: every candidate is
// gathered before a description leaves the process, so one offer/answer
// round-trip is enough.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// Compile-time interface checks.
var (
	_ proctor.PeerFactory = (*Factory)(nil)
	_ proctor.Peer        = (*Peer)(nil)
)

const (
	// ChannelLabel names the data channel carried by every peer.
	ChannelLabel = "proctor"

	iceGatherTimeout = 15 * time.Second
)

var (
	ErrChannelNotOpen = errors.New("data channel not open")
	ErrPeerClosed     = errors.New("peer closed")
)

// message is the envelope exchanged on the data channel.
type message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	msgPing = "ping"
	msgPong = "pong"
)

// ICEServers turns STUN/TURN URLs into a pion ICE server list. An empty
// list leaves only host candidates, enough for same-machine testing.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func newAPI() *webrtc.API {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
}

// Factory creates one pion PeerConnection per connection attempt.
type Factory struct {
	api     *webrtc.API
	servers []webrtc.ICEServer
	log     zerolog.Logger
}

// NewFactory creates a Factory using the given STUN/TURN URLs.
func NewFactory(iceURLs []string, log zerolog.Logger) *Factory {
	return &Factory{
		api:     newAPI(),
		servers: ICEServers(iceURLs),
		log:     log.With().Str("component", "rtc_peer").Logger(),
	}
}

func (f *Factory) NewPeer(ctx context.Context, sessionID uuid.UUID) (proctor.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.servers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating %s data channel: %w", ChannelLabel, err)
	}

	p := newPeer(pc, f.log.With().Str("session_id", sessionID.String()).Logger())
	p.bind(dc)
	return p, nil
}

// Peer is one PeerConnection with its data channel.
type Peer struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	open      chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	onState func(proctor.PeerState)
	pending map[string]chan struct{}
}

func newPeer(pc *webrtc.PeerConnection, log zerolog.Logger) *Peer {
	p := &Peer{
		pc:      pc,
		log:     log,
		open:    make(chan struct{}),
		closed:  make(chan struct{}),
		pending: make(map[string]chan struct{}),
	}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("ICE state change")
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(peerState(state))
		}
	})
	return p
}

// bind attaches the data channel handlers. Pings are echoed so both ends
// of a connection can probe it.
func (p *Peer) bind(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.openOnce.Do(func() { close(p.open) })
	})
	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		var msg message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			return
		}
		switch msg.Type {
		case msgPing:
			if err := p.write(message{Type: msgPong, ID: msg.ID}); err != nil {
				p.log.Debug().Err(err).Msg("Failed to answer ping")
			}
		case msgPong:
			p.mu.Lock()
			ch, ok := p.pending[msg.ID]
			delete(p.pending, msg.ID)
			p.mu.Unlock()
			if ok {
				close(ch)
			}
		}
	})
}

func peerState(s webrtc.ICEConnectionState) proctor.PeerState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return proctor.PeerConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return proctor.PeerConnected
	case webrtc.ICEConnectionStateDisconnected:
		return proctor.PeerDisconnected
	case webrtc.ICEConnectionStateFailed:
		return proctor.PeerFailed
	case webrtc.ICEConnectionStateClosed:
		return proctor.PeerClosed
	default:
		return proctor.PeerNew
	}
}

// Offer creates the local offer and waits for ICE gathering to finish.
func (p *Peer) Offer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	if err := waitGathering(ctx, gatherComplete); err != nil {
		return "", err
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *Peer) Accept(answer string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (p *Peer) OnStateChange(fn func(proctor.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// Heartbeat sends a ping and waits for the matching pong.
func (p *Peer) Heartbeat(ctx context.Context) error {
	select {
	case <-p.open:
	case <-p.closed:
		return ErrPeerClosed
	case <-ctx.Done():
		return fmt.Errorf("waiting for data channel: %w", ctx.Err())
	}

	id := uuid.NewString()
	pong := make(chan struct{})
	p.mu.Lock()
	p.pending[id] = pong
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(message{Type: msgPing, ID: id}); err != nil {
		return err
	}
	select {
	case <-pong:
		return nil
	case <-p.closed:
		return ErrPeerClosed
	case <-ctx.Done():
		return fmt.Errorf("waiting for pong: %w", ctx.Err())
	}
}

// Send writes raw bytes on the data channel.
func (p *Peer) Send(msg []byte) error {
	dc, err := p.channel()
	if err != nil {
		return err
	}
	return dc.Send(msg)
}

func (p *Peer) write(msg message) error {
	dc, err := p.channel()
	if err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return dc.Send(b)
}

func (p *Peer) channel() (*webrtc.DataChannel, error) {
	select {
	case <-p.closed:
		return nil, ErrPeerClosed
	default:
	}
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil, ErrChannelNotOpen
	}
	return dc, nil
}

// Close tears down the connection. It is idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		p.onState = nil
		p.mu.Unlock()
		err = p.pc.Close()
	})
	return err
}

func waitGathering(ctx context.Context, done <-chan struct{}) error {
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
