package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// serverMsg is the union of every event the bridge sends.
type serverMsg struct {
	Event     ws.Event           `json:"event"`
	RequestID string             `json:"request_id"`
	Kind      proctor.StreamKind `json:"kind"`
	StreamID  string             `json:"stream_id"`
	Notice    proctor.Notice     `json:"notice"`
}

// browser plays the candidate's client on the other end of the socket.
type browser struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	cameraErr string
	silent    bool

	requests chan serverMsg
	releases chan string
	notices  chan proctor.Notice
	fullscr  atomic.Int32
	streamN  atomic.Int32
}

func (br *browser) write(v any) {
	br.writeMu.Lock()
	defer br.writeMu.Unlock()
	_ = br.conn.WriteJSON(v)
}

func (br *browser) run() {
	for {
		var msg serverMsg
		if err := br.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Event {
		case ws.EventMediaRequest:
			br.requests <- msg
			if br.silent {
				continue
			}
			if br.cameraErr != "" && msg.Kind == proctor.StreamCamera {
				br.write(ws.RequestPayload{Action: ws.ActionMediaResponse, RequestID: msg.RequestID, Error: br.cameraErr})
				continue
			}
			n := br.streamN.Add(1)
			br.write(ws.RequestPayload{
				Action:    ws.ActionMediaResponse,
				RequestID: msg.RequestID,
				StreamID:  fmt.Sprintf("%s-%d", msg.Kind, n),
			})
		case ws.EventFrameRequest:
			br.write(ws.RequestPayload{
				Action:    ws.ActionFrame,
				RequestID: msg.RequestID,
				Frame:     "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg:"+msg.StreamID)),
			})
		case ws.EventBridgePing:
			br.write(ws.RequestPayload{Action: ws.ActionBridgePong, RequestID: msg.RequestID})
		case ws.EventMediaRelease:
			br.releases <- msg.StreamID
		case ws.EventNotice:
			br.notices <- msg.Notice
		case ws.EventFullscreenRequest:
			br.fullscr.Add(1)
		}
	}
}

func connect(t *testing.T, b *Bridge, setup func(*browser)) *browser {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := b.Attach(conn); err != nil {
			return
		}
		defer b.Detach(conn)
		for {
			var msg ws.RequestPayload
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			b.Deliver(msg)
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	br := &browser{
		conn:     conn,
		requests: make(chan serverMsg, 16),
		releases: make(chan string, 16),
		notices:  make(chan proctor.Notice, 16),
	}
	if setup != nil {
		setup(br)
	}
	go br.run()

	waitFor(t, "bridge attached", b.Attached)
	return br
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestAcquireSnapshotRelease(t *testing.T) {
	b := New(uuid.New(), time.Second, zerolog.Nop())
	br := connect(t, b, nil)
	ctx := context.Background()

	cam, err := b.AcquireCamera(ctx)
	if err != nil {
		t.Fatalf("AcquireCamera: %v", err)
	}
	if cam.Kind() != proctor.StreamCamera || cam.ID() != "camera-1" {
		t.Errorf("stream = %s/%s", cam.Kind(), cam.ID())
	}
	if req := recv(t, br.requests, "media request"); req.Kind != proctor.StreamCamera {
		t.Errorf("requested kind = %s", req.Kind)
	}

	frame, err := cam.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(frame) != "jpeg:camera-1" {
		t.Errorf("frame = %q", frame)
	}

	cam.Stop()
	cam.Stop()
	if id := recv(t, br.releases, "release"); id != "camera-1" {
		t.Errorf("released %q", id)
	}
	select {
	case id := <-br.releases:
		t.Errorf("second release sent for %q", id)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := cam.Snapshot(ctx); err == nil {
		t.Error("Snapshot on a stopped stream succeeded")
	}
}

func TestAcquireMapsClientErrors(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{ws.MediaErrPermissionDenied, proctor.ErrPermissionDenied},
		{ws.MediaErrNotFound, proctor.ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			b := New(uuid.New(), time.Second, zerolog.Nop())
			connect(t, b, func(br *browser) { br.cameraErr = tt.code })

			_, err := b.AcquireCamera(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("AcquireCamera = %v, want %v", err, tt.want)
			}
			var capErr *proctor.CapabilityError
			if !errors.As(err, &capErr) || capErr.Remediation == "" || capErr.Device != "camera" {
				t.Errorf("capability error = %+v", capErr)
			}

			// Screen capture is unaffected.
			if _, err := b.AcquireScreen(context.Background()); err != nil {
				t.Errorf("AcquireScreen: %v", err)
			}
		})
	}
}

func TestTrackEndedRunsCallbackOnce(t *testing.T) {
	b := New(uuid.New(), time.Second, zerolog.Nop())
	br := connect(t, b, nil)

	screen, err := b.AcquireScreen(context.Background())
	if err != nil {
		t.Fatalf("AcquireScreen: %v", err)
	}
	var ended atomic.Int32
	screen.OnEnded(func() { ended.Add(1) })

	br.write(ws.RequestPayload{Action: ws.ActionTrackEnded, StreamID: screen.ID()})
	br.write(ws.RequestPayload{Action: ws.ActionTrackEnded, StreamID: screen.ID()})
	waitFor(t, "ended callback", func() bool { return ended.Load() == 1 })

	// A capture ended by the browser is not released again.
	screen.Stop()
	select {
	case id := <-br.releases:
		t.Errorf("released ended stream %q", id)
	case <-time.After(50 * time.Millisecond):
	}
	if n := ended.Load(); n != 1 {
		t.Errorf("callback ran %d times", n)
	}
}

func TestDetachFailsPendingRequests(t *testing.T) {
	b := New(uuid.New(), 5*time.Second, zerolog.Nop())
	br := connect(t, b, func(br *browser) { br.silent = true })

	errc := make(chan error, 1)
	go func() {
		_, err := b.AcquireCamera(context.Background())
		errc <- err
	}()
	recv(t, br.requests, "media request")

	br.conn.Close()
	err := recv(t, errc, "acquire result")
	if !errors.Is(err, ErrDetached) {
		t.Fatalf("AcquireCamera = %v, want ErrDetached", err)
	}
	waitFor(t, "detach", func() bool { return !b.Attached() })

	if err := b.Ping(context.Background()); !errors.Is(err, ErrDetached) {
		t.Errorf("Ping while detached = %v, want ErrDetached", err)
	}

	// A reconnecting candidate attaches to the same bridge.
	br2 := connect(t, b, nil)
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping after reattach: %v", err)
	}
	b.Notify(proctor.Notice{Kind: proctor.NoticeWarning, Title: "Warning 1 of 3", RequiresAck: true})
	if n := recv(t, br2.notices, "notice"); n.Kind != proctor.NoticeWarning || !n.RequiresAck {
		t.Errorf("notice = %+v", n)
	}
	b.RequestFullscreen()
	waitFor(t, "fullscreen request", func() bool { return br2.fullscr.Load() == 1 })
}

func TestLostConnectionEndsCaptures(t *testing.T) {
	b := New(uuid.New(), time.Second, zerolog.Nop())
	br := connect(t, b, nil)
	ctx := context.Background()

	cam, err := b.AcquireCamera(ctx)
	if err != nil {
		t.Fatalf("AcquireCamera: %v", err)
	}
	screen, err := b.AcquireScreen(ctx)
	if err != nil {
		t.Fatalf("AcquireScreen: %v", err)
	}
	var camEnded, screenEnded atomic.Int32
	cam.OnEnded(func() { camEnded.Add(1) })
	screen.OnEnded(func() { screenEnded.Add(1) })

	br.conn.Close()
	waitFor(t, "captures ended", func() bool { return camEnded.Load() == 1 && screenEnded.Load() == 1 })
	if _, err := cam.Snapshot(ctx); err == nil {
		t.Error("Snapshot on a capture lost with its page succeeded")
	}

	// A page that replaces a still-open connection takes the captures
	// of the old page with it.
	connect(t, b, nil)
	again, err := b.AcquireCamera(ctx)
	if err != nil {
		t.Fatalf("AcquireCamera after reattach: %v", err)
	}
	var againEnded atomic.Int32
	again.OnEnded(func() { againEnded.Add(1) })

	br3 := connect(t, b, nil)
	waitFor(t, "replaced capture ended", func() bool { return againEnded.Load() == 1 })
	if n := camEnded.Load(); n != 1 {
		t.Errorf("old camera ended %d times", n)
	}
	if _, err := b.AcquireScreen(ctx); err != nil {
		t.Errorf("AcquireScreen on the new page: %v", err)
	}
	recv(t, br3.requests, "media request on the new page")
}

func TestRequestTimeout(t *testing.T) {
	b := New(uuid.New(), 100*time.Millisecond, zerolog.Nop())
	connect(t, b, func(br *browser) { br.silent = true })

	start := time.Now()
	if _, err := b.AcquireScreen(context.Background()); err == nil {
		t.Fatal("AcquireScreen succeeded without a reply")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("request outlived its timeout")
	}
}

func TestClosedBridge(t *testing.T) {
	b := New(uuid.New(), time.Second, zerolog.Nop())
	if err := b.Ping(context.Background()); !errors.Is(err, ErrDetached) {
		t.Errorf("Ping before attach = %v, want ErrDetached", err)
	}
	b.Notify(proctor.Notice{Kind: proctor.NoticeTransport})

	b.Close()
	b.Close()
	if err := b.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
	if err := b.Attach(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Attach after Close = %v, want ErrClosed", err)
	}
}

func TestDecodeFrame(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("pixels"))
	for _, in := range []string{raw, "data:image/jpeg;base64," + raw} {
		got, err := decodeFrame(in)
		if err != nil || string(got) != "pixels" {
			t.Errorf("decodeFrame(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := decodeFrame("not base64!"); err == nil {
		t.Error("decoded garbage")
	}
}
