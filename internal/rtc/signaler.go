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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

var (
	_ proctor.Signaler = (*RedisSignaler)(nil)
	_ proctor.Signaler = (*LoopbackSignaler)(nil)
)

// ErrNoAnswer is returned when no proctor answers an offer in time.
var ErrNoAnswer = errors.New("no SDP answer received")

// DefaultAnswerTimeout bounds how long an offer waits for a proctor.
const DefaultAnswerTimeout = 30 * time.Second

// answerKeyTTL keeps a relayed answer around long enough for a slow
// BLPop but not across attempts.
const answerKeyTTL = 2 * time.Minute

// OfferMessage is published on the assessment monitor channel.
type OfferMessage struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	SDP       string    `json:"sdp"`
}

// MessageTypeOffer tags OfferMessage on the monitor channel.
const MessageTypeOffer = "sdp_offer"

// RedisSignaler publishes offers to the proctor console over Redis Pub/Sub
// and waits for the answer the console posts back.
type RedisSignaler struct {
	rdb          *redis.Client
	assessmentID uuid.UUID
	timeout      time.Duration
	log          zerolog.Logger
}

// NewRedisSignaler creates a signaler for sessions of one assessment.
func NewRedisSignaler(rdb *redis.Client, assessmentID uuid.UUID, timeout time.Duration, log zerolog.Logger) *RedisSignaler {
	if timeout < time.Second {
		timeout = DefaultAnswerTimeout
	}
	return &RedisSignaler{
		rdb:          rdb,
		assessmentID: assessmentID,
		timeout:      timeout,
		log:          log.With().Str("component", "redis_signaler").Logger(),
	}
}

func (s *RedisSignaler) Exchange(ctx context.Context, sessionID uuid.UUID, offer string) (string, error) {
	answerKey := config.CacheKey.SessionSDPAnswerKey(sessionID.String())

	// Answers left over from an earlier attempt belong to a dead connection.
	if err := s.rdb.Del(ctx, answerKey).Err(); err != nil {
		return "", fmt.Errorf("clearing stale answers: %w", err)
	}

	payload, err := json.Marshal(OfferMessage{Type: MessageTypeOffer, SessionID: sessionID, SDP: offer})
	if err != nil {
		return "", err
	}
	channel := config.CacheKey.AssessmentMonitorChannel(s.assessmentID.String())
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return "", fmt.Errorf("publishing SDP offer: %w", err)
	}
	s.log.Debug().Str("session_id", sessionID.String()).Msg("SDP offer published")

	result, err := s.rdb.BLPop(ctx, s.timeout, answerKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w after %s", ErrNoAnswer, s.timeout)
		}
		return "", fmt.Errorf("waiting for SDP answer: %w", err)
	}
	if len(result) < 2 || result[1] == "" {
		return "", ErrNoAnswer
	}
	return result[1], nil
}

// RelayAnswer hands a proctor's SDP answer to the session waiting on it.
func RelayAnswer(ctx context.Context, rdb *redis.Client, sessionID uuid.UUID, answer string) error {
	key := config.CacheKey.SessionSDPAnswerKey(sessionID.String())
	pipe := rdb.TxPipeline()
	pipe.RPush(ctx, key, answer)
	pipe.Expire(ctx, key, answerKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relaying SDP answer: %w", err)
	}
	return nil
}

// LoopbackSignaler answers offers in-process with a pion peer that echoes
// heartbeats. It stands in for a proctor console during development.
type LoopbackSignaler struct {
	api *webrtc.API
	log zerolog.Logger

	mu      sync.Mutex
	answers map[uuid.UUID]*webrtc.PeerConnection
	closed  bool
}

// NewLoopbackSignaler creates a LoopbackSignaler.
func NewLoopbackSignaler(log zerolog.Logger) *LoopbackSignaler {
	return &LoopbackSignaler{
		api:     newAPI(),
		log:     log.With().Str("component", "loopback_signaler").Logger(),
		answers: make(map[uuid.UUID]*webrtc.PeerConnection),
	}
}

func (s *LoopbackSignaler) Exchange(ctx context.Context, sessionID uuid.UUID, offer string) (string, error) {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", fmt.Errorf("creating PeerConnection: %w", err)
	}

	echo := newPeer(pc, s.log.With().Str("session_id", sessionID.String()).Logger())
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == ChannelLabel {
			echo.bind(dc)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		pc.Close()
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("setting local description: %w", err)
	}
	if err := waitGathering(ctx, gatherComplete); err != nil {
		pc.Close()
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pc.Close()
		return "", ErrPeerClosed
	}
	if prev, ok := s.answers[sessionID]; ok {
		prev.Close()
	}
	s.answers[sessionID] = pc
	s.mu.Unlock()

	return pc.LocalDescription().SDP, nil
}

// Release closes the answering side of a session.
func (s *LoopbackSignaler) Release(sessionID uuid.UUID) {
	s.mu.Lock()
	pc, ok := s.answers[sessionID]
	delete(s.answers, sessionID)
	s.mu.Unlock()
	if ok {
		pc.Close()
	}
}

// Close releases every answering peer.
func (s *LoopbackSignaler) Close() error {
	s.mu.Lock()
	s.closed = true
	answers := s.answers
	s.answers = make(map[uuid.UUID]*webrtc.PeerConnection)
	s.mu.Unlock()

	for _, pc := range answers {
		pc.Close()
	}
	return nil
}
