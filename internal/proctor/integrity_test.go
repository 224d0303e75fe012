package proctor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/eventloop"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type integrityHarness struct {
	monitor    *IntegrityMonitor
	terminal   bool
	warned     []int
	terminated int
	fullscreen int
	camera     Stream
}

func newIntegrityHarness(t *testing.T, l *eventloop.Loop, cfg IntegrityConfig, classifier Classifier, store SnapshotStore) *integrityHarness {
	t.Helper()
	h := &integrityHarness{}
	h.monitor = NewIntegrityMonitor(l, cfg, uuid.New(), []byte("reference"), classifier, store, IntegrityHooks{
		Terminal: func() bool { return h.terminal },
		Warn:     func(_ model.SuspiciousActivity, count int) { h.warned = append(h.warned, count) },
		Terminate: func(model.SuspiciousActivity, int) {
			h.terminated++
			h.terminal = true
		},
		RequestFullscreen: func() { h.fullscreen++ },
		CameraStream:      func() Stream { return h.camera },
	}, zerolog.Nop())
	return h
}

func (h *integrityHarness) handle(t *testing.T, l *eventloop.Loop, signals ...Signal) {
	t.Helper()
	onLoop(t, l, func() {
		for _, s := range signals {
			h.monitor.Handle(s)
		}
	})
}

func tabSwitch() []Signal {
	return []Signal{{Kind: SignalVisibility, Hidden: true}, {Kind: SignalVisibility, Hidden: false}}
}

func TestIntegrityThreeTabSwitchesTerminate(t *testing.T) {
	l, _ := newTestLoop(t)
	h := newIntegrityHarness(t, l, IntegrityConfig{MaxWarnings: 3, TabSwitch: true}, nil, nil)

	h.handle(t, l, tabSwitch()...)
	h.handle(t, l, tabSwitch()...)
	onLoop(t, l, func() {
		if h.monitor.Warnings() != 2 || h.terminated != 0 {
			t.Fatalf("warnings = %d terminated = %d after two switches", h.monitor.Warnings(), h.terminated)
		}
	})

	h.handle(t, l, tabSwitch()...)
	// Signals after termination are ignored.
	h.handle(t, l, tabSwitch()...)

	onLoop(t, l, func() {
		if h.terminated != 1 {
			t.Errorf("Terminate called %d times, want 1", h.terminated)
		}
		if got := h.monitor.Warnings(); got != 3 {
			t.Errorf("warnings = %d, want 3", got)
		}
		acts := h.monitor.Activities()
		if len(acts) != 3 {
			t.Fatalf("recorded %d activities, want 3", len(acts))
		}
		for _, a := range acts {
			if a.Type != model.ActivityTabSwitch || a.Severity != model.SeverityHigh {
				t.Errorf("activity = %s/%s, want tab_switch/high", a.Type, a.Severity)
			}
		}
		if len(h.warned) != 2 || h.warned[0] != 1 || h.warned[1] != 2 {
			t.Errorf("warned = %v, want [1 2]", h.warned)
		}
	})
}

func TestIntegrityWarningsEqualDetections(t *testing.T) {
	l, _ := newTestLoop(t)
	cfg := IntegrityConfig{
		MaxWarnings:  100,
		TabSwitch:    true,
		WindowBlur:   true,
		Fullscreen:   true,
		Clipboard:    true,
		Screenshot:   true,
		MultiDisplay: true,
		Audio:        true,
	}
	h := newIntegrityHarness(t, l, cfg, nil, nil)

	h.handle(t, l,
		Signal{Kind: SignalVisibility, Hidden: true},
		Signal{Kind: SignalVisibility, Hidden: true}, // still hidden, no new edge
		Signal{Kind: SignalBlur},                     // ignored while hidden
		Signal{Kind: SignalVisibility, Hidden: false},
		Signal{Kind: SignalBlur},
		Signal{Kind: SignalFullscreen, Active: false}, // was never active
		Signal{Kind: SignalFullscreen, Active: true},
		Signal{Kind: SignalFullscreen, Active: false},
		Signal{Kind: SignalClipboard, Action: "copy"},
		Signal{Kind: SignalClipboard, Action: "select"},
		Signal{Kind: SignalKeyCombo, Keys: "Meta+Shift+4"},
		Signal{Kind: SignalKeyCombo, Keys: "Ctrl+C"},
		Signal{Kind: SignalDisplay, AvailWidth: 3840, ViewportWidth: 1280},
		Signal{Kind: SignalDisplay, AvailWidth: 3840, ViewportWidth: 1280},
		Signal{Kind: SignalDisplay, AvailWidth: 1280, ViewportWidth: 1280},
		Signal{Kind: SignalDisplay, AvailWidth: 3840, ViewportWidth: 1280},
		Signal{Kind: SignalAudio},
	)

	onLoop(t, l, func() {
		want := []struct {
			typ model.ActivityType
			sev model.Severity
		}{
			{model.ActivityTabSwitch, model.SeverityHigh},
			{model.ActivityWindowBlur, model.SeverityMedium},
			{model.ActivityFullscreenExit, model.SeverityMedium},
			{model.ActivityOther, model.SeverityLow},
			{model.ActivityScreenshotAttempt, model.SeverityMedium},
			{model.ActivityOther, model.SeverityHigh},
			{model.ActivityOther, model.SeverityHigh},
			{model.ActivityAudioDetection, model.SeverityMedium},
		}
		acts := h.monitor.Activities()
		if len(acts) != len(want) {
			t.Fatalf("recorded %d activities, want %d: %+v", len(acts), len(want), acts)
		}
		for i, w := range want {
			if acts[i].Type != w.typ || acts[i].Severity != w.sev {
				t.Errorf("activity %d = %s/%s, want %s/%s", i, acts[i].Type, acts[i].Severity, w.typ, w.sev)
			}
		}
		if h.monitor.Warnings() != len(acts) {
			t.Errorf("warnings = %d, activities = %d", h.monitor.Warnings(), len(acts))
		}
		if h.fullscreen != 1 {
			t.Errorf("fullscreen re-requested %d times, want 1", h.fullscreen)
		}
		for i := 1; i < len(h.warned); i++ {
			if h.warned[i] != h.warned[i-1]+1 {
				t.Fatalf("warning counts not monotone: %v", h.warned)
			}
		}
	})
}

func TestIntegrityDisabledSourcesRecordNothing(t *testing.T) {
	l, _ := newTestLoop(t)
	h := newIntegrityHarness(t, l, IntegrityConfig{MaxWarnings: 3}, nil, nil)

	h.handle(t, l, tabSwitch()...)
	h.handle(t, l,
		Signal{Kind: SignalBlur},
		Signal{Kind: SignalFullscreen, Active: true},
		Signal{Kind: SignalFullscreen, Active: false},
		Signal{Kind: SignalClipboard, Action: "paste"},
		Signal{Kind: SignalKeyCombo, Keys: "PrintScreen"},
		Signal{Kind: SignalDisplay, AvailWidth: 5000, ViewportWidth: 1000},
		Signal{Kind: SignalAudio},
	)

	onLoop(t, l, func() {
		if n := len(h.monitor.Activities()); n != 0 {
			t.Errorf("recorded %d activities with every source disabled", n)
		}
	})
}

func TestIntegrityInactivityIsEdgeTriggered(t *testing.T) {
	l, fc := newTestLoop(t)
	h := newIntegrityHarness(t, l, IntegrityConfig{
		MaxWarnings:       10,
		Inactivity:        true,
		InactivityTimeout: 30 * time.Second,
	}, nil, nil)
	onLoop(t, l, func() { h.monitor.Start(eventloop.NewGroup()) })

	tick(t, l, fc, 30)
	onLoop(t, l, func() {
		if n := len(h.monitor.Activities()); n != 0 {
			t.Fatalf("inactivity reported at exactly the timeout")
		}
	})

	tick(t, l, fc, 60)
	onLoop(t, l, func() {
		acts := h.monitor.Activities()
		if len(acts) != 1 {
			t.Fatalf("recorded %d inactivity events in one idle period, want 1", len(acts))
		}
		if acts[0].Type != model.ActivityInactivity || acts[0].Severity != model.SeverityLow {
			t.Errorf("activity = %s/%s", acts[0].Type, acts[0].Severity)
		}
	})

	h.handle(t, l, Signal{Kind: SignalActivity})
	tick(t, l, fc, 40)
	onLoop(t, l, func() {
		if n := len(h.monitor.Activities()); n != 2 {
			t.Errorf("recorded %d events after a second idle period, want 2", n)
		}
	})
}

type recordingStore struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingStore) SaveSnapshot(_ context.Context, _ uuid.UUID, frame []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return "snapshots/flagged.jpg", nil
}

func TestIntegritySnapshotClassification(t *testing.T) {
	tests := []struct {
		name     string
		result   FaceResult
		faceRec  bool
		wantType model.ActivityType
		wantSev  model.Severity
	}{
		{"multiple faces", FaceMultiple, false, model.ActivityMultipleFaces, model.SeverityHigh},
		{"no face", FaceNone, false, model.ActivityNoFace, model.SeverityMedium},
		{"unknown face recognized", FaceUnknown, true, model.ActivityUnknownFace, model.SeverityHigh},
		{"unknown face without recognition", FaceUnknown, false, "", ""},
		{"face ok", FaceOK, false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, fc := newTestLoop(t)
			conf := 0.91
			var calls atomic.Int32
			classifier := ClassifierFunc(func(_ context.Context, frame, ref []byte, threshold float64) (Classification, error) {
				calls.Add(1)
				if string(ref) != "reference" || threshold != 0.7 {
					t.Errorf("classifier got reference %q threshold %v", ref, threshold)
				}
				return Classification{Result: tt.result, Confidence: &conf}, nil
			})
			store := &recordingStore{}
			h := newIntegrityHarness(t, l, IntegrityConfig{
				MaxWarnings:         3,
				Snapshots:           true,
				SnapshotInterval:    10 * time.Second,
				FaceRecognition:     tt.faceRec,
				ClassifierThreshold: 0.7,
			}, classifier, store)
			h.camera = newFakeStream(StreamCamera)
			onLoop(t, l, func() { h.monitor.Start(eventloop.NewGroup()) })

			tick(t, l, fc, 10)
			waitFor(t, "classification applied", func() bool {
				if calls.Load() == 0 {
					return false
				}
				var busy bool
				onLoop(t, l, func() { busy = h.monitor.inFlight })
				return !busy
			})

			onLoop(t, l, func() {
				acts := h.monitor.Activities()
				if tt.wantType == "" {
					if len(acts) != 0 {
						t.Errorf("recorded %+v, want nothing", acts)
					}
					return
				}
				if len(acts) != 1 {
					t.Fatalf("recorded %d activities, want 1", len(acts))
				}
				a := acts[0]
				if a.Type != tt.wantType || a.Severity != tt.wantSev {
					t.Errorf("activity = %s/%s, want %s/%s", a.Type, a.Severity, tt.wantType, tt.wantSev)
				}
				if a.Confidence == nil || *a.Confidence != conf {
					t.Errorf("confidence = %v, want %v", a.Confidence, conf)
				}
				if a.SnapshotRef != "snapshots/flagged.jpg" {
					t.Errorf("snapshot ref = %q", a.SnapshotRef)
				}
			})
		})
	}
}

func TestIntegrityStopDiscardsSignals(t *testing.T) {
	l, _ := newTestLoop(t)
	h := newIntegrityHarness(t, l, IntegrityConfig{MaxWarnings: 3, TabSwitch: true}, nil, nil)

	onLoop(t, l, func() { h.monitor.Stop() })
	h.handle(t, l, tabSwitch()...)
	onLoop(t, l, func() { h.monitor.ScreenShareStopped() })

	onLoop(t, l, func() {
		if h.monitor.Warnings() != 0 {
			t.Errorf("warnings = %d after Stop", h.monitor.Warnings())
		}
	})
}

func TestIsScreenshotShortcut(t *testing.T) {
	tests := map[string]bool{
		"PrintScreen":      true,
		"Meta+Shift+3":     true,
		"Cmd+Shift+4":      true,
		"meta+shift+5":     true,
		"Win+Shift+S":      true,
		"Shift+Meta+s":     true,
		"Meta+3":           false,
		"Ctrl+Shift+4":     false,
		"Meta+Shift+Alt+4": false,
		"Ctrl+C":           false,
		"":                 false,
	}
	for keys, want := range tests {
		if got := IsScreenshotShortcut(keys); got != want {
			t.Errorf("IsScreenshotShortcut(%q) = %v, want %v", keys, got, want)
		}
	}
}

func TestIntegrityConfigFor(t *testing.T) {
	p := model.ProctoringSetting{
		PreventTabSwitching:     true,
		BehaviorAnalysis:        false,
		RequireWebcam:           true,
		TakeRandomSnapshots:     true,
		SnapshotIntervalSeconds: 45,
	}
	s := model.SecuritySetting{EnforceFullscreen: true}
	cfg := IntegrityConfigFor(p, s)

	if !cfg.TabSwitch || cfg.WindowBlur || cfg.Inactivity {
		t.Errorf("tab=%v blur=%v inactivity=%v", cfg.TabSwitch, cfg.WindowBlur, cfg.Inactivity)
	}
	if !cfg.Snapshots || cfg.SnapshotInterval != 45*time.Second {
		t.Errorf("snapshots=%v interval=%v", cfg.Snapshots, cfg.SnapshotInterval)
	}
	if cfg.MaxWarnings != model.DefaultMaxWarnings {
		t.Errorf("max warnings = %d, want default %d", cfg.MaxWarnings, model.DefaultMaxWarnings)
	}
}
