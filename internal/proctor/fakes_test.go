package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/eventloop"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestLoop(t *testing.T) (*eventloop.Loop, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(testEpoch)
	l := eventloop.New(fc, zerolog.Nop())
	t.Cleanup(l.Close)
	return l, fc
}

// barrier waits until every task posted so far has run.
func barrier(t *testing.T, l *eventloop.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Do(ctx, func() {}); err != nil && !errors.Is(err, eventloop.ErrClosed) {
		t.Fatalf("barrier: %v", err)
	}
}

// onLoop runs fn on l and waits for it.
func onLoop(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Do(ctx, fn); err != nil {
		t.Fatalf("loop task: %v", err)
	}
}

// tick advances the fake clock one second at a time, draining the loop
// after each step.
func tick(t *testing.T, l *eventloop.Loop, fc *clock.FakeClock, seconds int) {
	t.Helper()
	for i := 0; i < seconds; i++ {
		fc.Advance(time.Second)
		barrier(t, l)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeStream struct {
	id    string
	kind  StreamKind
	frame []byte

	mu      sync.Mutex
	stopped bool
	ended   func()
}

func newFakeStream(kind StreamKind) *fakeStream {
	return &fakeStream{id: uuid.NewString(), kind: kind, frame: []byte("frame")}
}

func (s *fakeStream) ID() string       { return s.id }
func (s *fakeStream) Kind() StreamKind { return s.kind }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeStream) Snapshot(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, errors.New("stream stopped")
	}
	return s.frame, nil
}

func (s *fakeStream) OnEnded(fn func()) {
	s.mu.Lock()
	s.ended = fn
	s.mu.Unlock()
}

// End simulates the browser ending the capture.
func (s *fakeStream) End() {
	s.mu.Lock()
	fn := s.ended
	s.stopped = true
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeMedia struct {
	cameraErr error
	screenErr error

	mu      sync.Mutex
	streams []*fakeStream
}

func (m *fakeMedia) AcquireCamera(context.Context) (Stream, error) {
	return m.acquire(StreamCamera)
}

func (m *fakeMedia) AcquireScreen(context.Context) (Stream, error) {
	return m.acquire(StreamScreen)
}

func (m *fakeMedia) acquire(kind StreamKind) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.cameraErr
	if kind == StreamScreen {
		err = m.screenErr
	}
	if err != nil {
		return nil, err
	}
	s := newFakeStream(kind)
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) all() []*fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*fakeStream, len(m.streams))
	copy(out, m.streams)
	return out
}

func (m *fakeMedia) count(kind StreamKind) int {
	n := 0
	for _, s := range m.all() {
		if s.kind == kind {
			n++
		}
	}
	return n
}

func (m *fakeMedia) active() int {
	n := 0
	for _, s := range m.all() {
		if !s.Stopped() {
			n++
		}
	}
	return n
}

type fakePeer struct {
	heartbeatErr atomic.Pointer[error]

	mu      sync.Mutex
	onState func(PeerState)
	closed  bool
	answer  string
}

func (p *fakePeer) Offer(context.Context) (string, error) { return "offer-sdp", nil }

func (p *fakePeer) Accept(answer string) error {
	p.mu.Lock()
	p.answer = answer
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnStateChange(fn func(PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Heartbeat(context.Context) error {
	if err := p.heartbeatErr.Load(); err != nil {
		return *err
	}
	return nil
}

func (p *fakePeer) Send([]byte) error { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) accepted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answer != ""
}

// Emit reports a transport state change.
func (p *fakePeer) Emit(s PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

type fakePeerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeerFactory) NewPeer(context.Context, uuid.UUID) (Peer, error) {
	p := &fakePeer{}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeSignaler struct {
	calls atomic.Int32
	err   error
}

func (s *fakeSignaler) Exchange(_ context.Context, _ uuid.UUID, offer string) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "answer-for-" + offer, nil
}

type recordingSubmitter struct {
	mu   sync.Mutex
	subs []*Submission
}

func (r *recordingSubmitter) Submit(_ context.Context, sub *Submission) error {
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *recordingSubmitter) first() *Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 {
		return nil
	}
	return r.subs[0]
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) kinds(kind NoticeKind) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type countingFullscreen struct{ n atomic.Int32 }

func (f *countingFullscreen) RequestFullscreen() { f.n.Add(1) }

// testAssessment builds an assessment with the given section limits, each
// holding perSection questions of four options.
func testAssessment(total int, perSection int, limits ...int) *model.Assessment {
	a := &model.Assessment{
		ID:              uuid.New(),
		Title:           "Campus Recruitment Aptitude",
		DurationSeconds: total,
	}
	for si, limit := range limits {
		s := model.Section{ID: uuid.New(), Name: fmt.Sprintf("Section %d", si+1), TimeLimitSeconds: limit}
		for qi := 0; qi < perSection; qi++ {
			s.Questions = append(s.Questions, model.Question{
				ID:            uuid.New(),
				Text:          fmt.Sprintf("Question %d.%d", si+1, qi+1),
				Options:       []string{"A", "B", "C", "D"},
				CorrectOption: qi % 4,
			})
		}
		a.Sections = append(a.Sections, s)
	}
	return a
}
