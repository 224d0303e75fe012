package proctor

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/eventloop"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type monitoringHarness struct {
	session  *MonitoringSession
	media    *fakeMedia
	peers    *fakePeerFactory
	signaler *fakeSignaler
	notifier *recordingNotifier
	group    *eventloop.Group

	screenStops atomic.Int32
	statuses    []model.ConnectionStatus
}

func newMonitoringHarness(t *testing.T, l *eventloop.Loop, cfg MonitoringConfig) *monitoringHarness {
	t.Helper()
	h := &monitoringHarness{
		media:    &fakeMedia{},
		peers:    &fakePeerFactory{},
		signaler: &fakeSignaler{},
		notifier: &recordingNotifier{},
		group:    eventloop.NewGroup(),
	}
	h.session = NewMonitoringSession(l, cfg, uuid.New(), h.media, h.peers, h.signaler, MonitoringHooks{
		ScreenShareStopped: func() { h.screenStops.Add(1) },
		StatusChanged: func(st model.MonitoringState) {
			if n := len(h.statuses); n == 0 || h.statuses[n-1] != st.Status {
				h.statuses = append(h.statuses, st.Status)
			}
		},
		Notify: h.notifier.Notify,
	}, zerolog.Nop())
	return h
}

func (h *monitoringHarness) state(t *testing.T, l *eventloop.Loop) model.MonitoringState {
	t.Helper()
	var st model.MonitoringState
	onLoop(t, l, func() { st = h.session.State() })
	return st
}

func TestMonitoringRetriesAfterFailure(t *testing.T) {
	l, fc := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Camera: true, Live: true})
	onLoop(t, l, func() { h.session.Start(h.group) })

	waitFor(t, "first peer negotiated", func() bool {
		p := h.peers.last()
		return p != nil && p.accepted()
	})
	if st := h.state(t, l); st.Status != model.ConnectionConnecting || st.Attempts != 1 {
		t.Fatalf("state = %+v, want connecting attempt 1", st)
	}

	first := h.peers.last()
	first.Emit(PeerFailed)
	waitFor(t, "failed status", func() bool {
		return h.state(t, l).Status == model.ConnectionFailed
	})
	if !first.Closed() {
		t.Error("failed peer was not closed")
	}

	tick(t, l, fc, 4)
	if st := h.state(t, l); st.Status != model.ConnectionFailed {
		t.Fatalf("reconnected before the backoff elapsed: %+v", st)
	}

	tick(t, l, fc, 1)
	st := h.state(t, l)
	if st.Status != model.ConnectionConnecting || st.Attempts != 2 {
		t.Fatalf("state after backoff = %+v, want connecting attempt 2", st)
	}
	waitFor(t, "second peer", func() bool { return h.peers.count() == 2 })

	second := h.peers.last()
	waitFor(t, "second peer negotiated", second.accepted)
	second.Emit(PeerConnected)
	waitFor(t, "connected status", func() bool {
		return h.state(t, l).Status == model.ConnectionConnected
	})

	// A late callback from the first peer must not disturb the new one.
	first.Emit(PeerFailed)
	barrier(t, l)
	if st := h.state(t, l); st.Status != model.ConnectionConnected {
		t.Errorf("stale peer callback changed status to %s", st.Status)
	}

	onLoop(t, l, func() {
		want := []model.ConnectionStatus{
			model.ConnectionDisconnected,
			model.ConnectionConnecting,
			model.ConnectionFailed,
			model.ConnectionConnecting,
			model.ConnectionConnected,
		}
		if len(h.statuses) != len(want) {
			t.Fatalf("statuses = %v, want %v", h.statuses, want)
		}
		for i := range want {
			if h.statuses[i] != want[i] {
				t.Errorf("status %d = %s, want %s", i, h.statuses[i], want[i])
			}
		}
	})
	if n := len(h.notifier.kinds(NoticeTransport)); n != 1 {
		t.Errorf("transport notices = %d, want 1", n)
	}
}

func TestMonitoringSignalingFailureRetries(t *testing.T) {
	l, fc := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Camera: true, Live: true, RetryBackoff: 2 * time.Second})
	h.signaler.err = errors.New("no proctor answered")
	onLoop(t, l, func() { h.session.Start(h.group) })

	waitFor(t, "failed status", func() bool {
		return h.state(t, l).Status == model.ConnectionFailed
	})
	tick(t, l, fc, 2)
	waitFor(t, "second signaling attempt", func() bool { return h.signaler.calls.Load() == 2 })
}

func TestMonitoringHeartbeatFailureRenegotiates(t *testing.T) {
	l, fc := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Camera: true, Live: true})
	onLoop(t, l, func() { h.session.Start(h.group) })

	waitFor(t, "peer negotiated", func() bool {
		p := h.peers.last()
		return p != nil && p.accepted()
	})
	p := h.peers.last()
	p.Emit(PeerConnected)
	waitFor(t, "connected", func() bool { return h.state(t, l).Status == model.ConnectionConnected })

	// A healthy heartbeat keeps the connection.
	tick(t, l, fc, 30)
	barrier(t, l)
	if st := h.state(t, l); st.Status != model.ConnectionConnected || st.Attempts != 1 {
		t.Fatalf("healthy heartbeat changed state: %+v", st)
	}

	hbErr := errors.New("probe timed out")
	p.heartbeatErr.Store(&hbErr)
	tick(t, l, fc, 30)
	waitFor(t, "renegotiation", func() bool {
		st := h.state(t, l)
		return st.Status == model.ConnectionConnecting && st.Attempts == 2
	})
	if !p.Closed() {
		t.Error("unhealthy peer was not closed")
	}
}

func TestMonitoringScreenShareStoppedReacquires(t *testing.T) {
	l, fc := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Screen: true})
	onLoop(t, l, func() { h.session.Start(h.group) })

	waitFor(t, "screen active", func() bool { return h.state(t, l).ScreenActive })
	screen := h.media.all()[0]
	screen.End()

	waitFor(t, "screen share report", func() bool { return h.screenStops.Load() == 1 })
	if h.state(t, l).ScreenActive {
		t.Error("screen still active after the capture ended")
	}

	tick(t, l, fc, 3)
	waitFor(t, "screen reacquired", func() bool {
		return h.media.count(StreamScreen) == 2 && h.state(t, l).ScreenActive
	})
}

func TestMonitoringScreenReacquireFailureNotifies(t *testing.T) {
	l, fc := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Screen: true})
	onLoop(t, l, func() { h.session.Start(h.group) })

	waitFor(t, "screen active", func() bool { return h.state(t, l).ScreenActive })
	h.media.mu.Lock()
	h.media.screenErr = ErrPermissionDenied
	h.media.mu.Unlock()
	h.media.all()[0].End()
	waitFor(t, "screen share report", func() bool { return h.screenStops.Load() == 1 })

	tick(t, l, fc, 3)
	waitFor(t, "re-enable notice", func() bool {
		return len(h.notifier.kinds(NoticeScreenShare)) == 1
	})
}

func TestMonitoringCameraDeniedDoesNotConnect(t *testing.T) {
	l, _ := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Camera: true, Live: true})
	h.media.cameraErr = ErrPermissionDenied
	onLoop(t, l, func() { h.session.Start(h.group) })

	waitFor(t, "capability notice", func() bool {
		return len(h.notifier.kinds(NoticeCapability)) == 1
	})
	barrier(t, l)
	if h.peers.count() != 0 {
		t.Errorf("created %d peers without camera permission", h.peers.count())
	}
	if st := h.state(t, l); st.Status != model.ConnectionDisconnected {
		t.Errorf("status = %s, want disconnected", st.Status)
	}
}

func TestMonitoringStopReleasesEverything(t *testing.T) {
	l, fc := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Camera: true, Screen: true, Live: true})
	onLoop(t, l, func() { h.session.Start(h.group) })

	waitFor(t, "captures and peer", func() bool {
		p := h.peers.last()
		if p == nil || !p.accepted() {
			return false
		}
		st := h.state(t, l)
		return st.CameraActive && st.ScreenActive
	})
	if st := h.state(t, l); st.StreamType != model.StreamBoth {
		t.Errorf("stream type = %s, want both", st.StreamType)
	}

	onLoop(t, l, func() {
		h.session.Stop()
		h.session.Stop()
	})

	if n := h.media.active(); n != 0 {
		t.Errorf("%d media streams still active after Stop", n)
	}
	if !h.peers.last().Closed() {
		t.Error("peer not closed after Stop")
	}
	if st := h.state(t, l); st.Status != model.ConnectionDisconnected || st.CameraActive || st.ScreenActive {
		t.Errorf("state after Stop = %+v", st)
	}
	if n := fc.PendingCount(); n != 0 {
		t.Errorf("%d timers pending after Stop", n)
	}

	// Failures reported after Stop never schedule a retry.
	h.peers.last().Emit(PeerFailed)
	tick(t, l, fc, 10)
	if h.peers.count() != 1 {
		t.Errorf("reconnected after Stop: %d peers", h.peers.count())
	}
}

func TestMonitoringLiveRequiresCollaborators(t *testing.T) {
	l, _ := newTestLoop(t)
	m := NewMonitoringSession(l, MonitoringConfig{Camera: true, Live: true}, uuid.New(), &fakeMedia{}, nil, nil, MonitoringHooks{}, zerolog.Nop())
	if m.cfg.Live {
		t.Error("live proctoring enabled without a peer factory and signaler")
	}
}

func TestMonitoringStopReleasesCapturesInFlight(t *testing.T) {
	l, _ := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Camera: true})

	// A capture that was acquired but whose loop task never ran.
	pending := newFakeStream(StreamCamera)
	if !h.session.handoff(pending) {
		t.Fatal("handoff refused before Stop")
	}
	onLoop(t, l, func() { h.session.Stop() })
	if !pending.Stopped() {
		t.Error("in-flight capture not released by Stop")
	}

	late := newFakeStream(StreamScreen)
	if h.session.handoff(late) {
		t.Error("handoff accepted after Stop")
	}
	if !late.Stopped() {
		t.Error("capture acquired after Stop was not released")
	}
	onLoop(t, l, func() { h.session.cameraAcquired(pending, nil) })
	if st := h.state(t, l); st.CameraActive {
		t.Error("released capture was adopted after Stop")
	}
}

func TestMonitoringResumeReacquiresLostCaptures(t *testing.T) {
	l, fc := newTestLoop(t)
	h := newMonitoringHarness(t, l, MonitoringConfig{Camera: true, Screen: true})
	onLoop(t, l, func() { h.session.Start(h.group) })

	waitFor(t, "captures active", func() bool {
		st := h.state(t, l)
		return st.CameraActive && st.ScreenActive
	})

	// Nothing is missing yet.
	onLoop(t, l, func() { h.session.Resume() })
	barrier(t, l)
	if h.media.count(StreamCamera) != 1 || h.media.count(StreamScreen) != 1 {
		t.Fatalf("Resume re-acquired live captures: camera=%d screen=%d",
			h.media.count(StreamCamera), h.media.count(StreamScreen))
	}

	// The page went away and took its captures with it.
	for _, s := range h.media.all() {
		s.End()
	}
	waitFor(t, "captures lost", func() bool {
		st := h.state(t, l)
		return !st.CameraActive && !st.ScreenActive
	})
	if n := h.screenStops.Load(); n != 1 {
		t.Errorf("screen share reports = %d, want 1", n)
	}

	onLoop(t, l, func() { h.session.Resume() })
	waitFor(t, "captures re-acquired", func() bool {
		st := h.state(t, l)
		return st.CameraActive && st.ScreenActive
	})
	if h.media.count(StreamCamera) != 2 || h.media.count(StreamScreen) != 2 {
		t.Errorf("acquisitions: camera=%d screen=%d, want 2 each",
			h.media.count(StreamCamera), h.media.count(StreamScreen))
	}

	// The delayed screen re-acquire was replaced by the resume.
	tick(t, l, fc, 5)
	barrier(t, l)
	if n := h.media.count(StreamScreen); n != 2 {
		t.Errorf("screen acquired %d times, want 2", n)
	}
}
