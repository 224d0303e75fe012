package proctor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

type countingPinger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPinger) Ping(context.Context) error {
	p.calls.Add(1)
	return p.err
}

func goodReport() DeviceReport {
	return DeviceReport{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/128.0 Safari/537.36",
		Online:         true,
		ViewportWidth:  1440,
		ViewportHeight: 900,
		AudioInputs:    1,
	}
}

func TestPreflightRunsChecksInOrder(t *testing.T) {
	media := &fakeMedia{}
	g := NewPreflightGate(media, &countingPinger{}, zerolog.Nop())

	var progress []string
	checks, err := g.Run(context.Background(), goodReport(), func(c Check) {
		progress = append(progress, string(c.Name)+":"+string(c.Status))
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"browser:checking", "browser:success",
		"resolution:checking", "resolution:success",
		"microphone:checking", "microphone:success",
		"network:checking", "network:success",
		"camera:checking", "camera:success",
	}
	if strings.Join(progress, ",") != strings.Join(want, ",") {
		t.Errorf("progress = %v\nwant %v", progress, want)
	}
	for _, c := range checks {
		if c.Status != CheckSuccess {
			t.Errorf("%s = %s", c.Name, c.Status)
		}
	}
	if checks[0].Message != "Browser Compatibility check passed" {
		t.Errorf("message = %q", checks[0].Message)
	}
	if !g.Passed() {
		t.Error("Passed() = false after all checks succeeded")
	}
	if n := media.active(); n != 0 {
		t.Errorf("camera probe left %d streams active", n)
	}
}

func TestPreflightFailureDoesNotStopBattery(t *testing.T) {
	media := &fakeMedia{cameraErr: ErrPermissionDenied}
	g := NewPreflightGate(media, nil, zerolog.Nop())

	report := goodReport()
	report.UserAgent = "Lynx/2.9"
	report.AudioInputs = 0

	checks, err := g.Run(context.Background(), report, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[CheckName]CheckStatus{
		CheckBrowser:    CheckFail,
		CheckResolution: CheckSuccess,
		CheckMicrophone: CheckFail,
		CheckNetwork:    CheckSuccess,
		CheckCamera:     CheckFail,
	}
	for _, c := range checks {
		if c.Status != want[c.Name] {
			t.Errorf("%s = %s, want %s", c.Name, c.Status, want[c.Name])
		}
		if c.Status == CheckFail && c.Remediation == "" {
			t.Errorf("%s failed without remediation", c.Name)
		}
	}
	if cam := checks[4]; !strings.Contains(cam.Remediation, "Allow camera access") {
		t.Errorf("camera remediation = %q", cam.Remediation)
	}

	if err := g.ProceedToCamera(context.Background()); !errors.Is(err, ErrChecksIncomplete) {
		t.Errorf("ProceedToCamera = %v, want ErrChecksIncomplete", err)
	}
}

func TestPreflightRetrySkipsPassedChecks(t *testing.T) {
	media := &fakeMedia{}
	pinger := &countingPinger{}
	g := NewPreflightGate(media, pinger, zerolog.Nop())

	small := goodReport()
	small.ViewportWidth = 800
	if _, err := g.Run(context.Background(), small, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.Passed() {
		t.Fatal("passed with a small viewport")
	}

	var rerun []CheckName
	checks, err := g.Retry(context.Background(), goodReport(), func(c Check) {
		if c.Status == CheckChecking {
			rerun = append(rerun, c.Name)
		}
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(rerun) != 1 || rerun[0] != CheckResolution {
		t.Errorf("retry re-ran %v, want only resolution", rerun)
	}
	if pinger.calls.Load() != 1 {
		t.Errorf("network probed %d times, want 1", pinger.calls.Load())
	}
	if media.count(StreamCamera) != 1 {
		t.Errorf("camera probed %d times, want 1", media.count(StreamCamera))
	}
	for _, c := range checks {
		if c.Status != CheckSuccess {
			t.Errorf("%s = %s after retry", c.Name, c.Status)
		}
	}
}

func TestPreflightCaptureAndComplete(t *testing.T) {
	media := &fakeMedia{}
	g := NewPreflightGate(media, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := g.Capture(ctx); !errors.Is(err, ErrGateClosed) {
		t.Errorf("Capture before camera phase = %v, want ErrGateClosed", err)
	}
	if _, err := g.Run(ctx, goodReport(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := g.ProceedToCamera(ctx); err != nil {
		t.Fatalf("ProceedToCamera: %v", err)
	}
	if g.Phase() != PhaseCamera {
		t.Fatalf("phase = %s, want camera", g.Phase())
	}
	if _, err := g.Complete(); !errors.Is(err, ErrNoReferenceImage) {
		t.Errorf("Complete without capture = %v, want ErrNoReferenceImage", err)
	}

	frame, err := g.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(frame) == 0 {
		t.Fatal("captured an empty frame")
	}

	res, err := g.Complete()
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !res.Success || string(res.ReferenceImage) != string(frame) {
		t.Errorf("result = %+v", res)
	}
	if g.Phase() != PhaseComplete {
		t.Errorf("phase = %s, want complete", g.Phase())
	}
	if n := media.active(); n != 0 {
		t.Errorf("%d streams active after completion", n)
	}

	// Abort after completion keeps the successful result.
	if res := g.Abort(); !res.Success {
		t.Error("Abort after completion reported failure")
	}
}

func TestPreflightAbortReleasesPreview(t *testing.T) {
	media := &fakeMedia{}
	g := NewPreflightGate(media, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := g.Run(ctx, goodReport(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := g.ProceedToCamera(ctx); err != nil {
		t.Fatalf("ProceedToCamera: %v", err)
	}
	if media.active() != 1 {
		t.Fatalf("preview not active")
	}

	res := g.Abort()
	if res.Success || res.ReferenceImage != nil {
		t.Errorf("abort result = %+v", res)
	}
	if g.Phase() != PhaseAborted {
		t.Errorf("phase = %s, want aborted", g.Phase())
	}
	if n := media.active(); n != 0 {
		t.Errorf("%d streams active after abort", n)
	}
	if _, err := g.Run(ctx, goodReport(), nil); !errors.Is(err, ErrGateClosed) {
		t.Errorf("Run after abort = %v, want ErrGateClosed", err)
	}
}

func TestPreflightNetworkProbeFailure(t *testing.T) {
	g := NewPreflightGate(&fakeMedia{}, &countingPinger{err: errors.New("timeout")}, zerolog.Nop())

	checks, err := g.Run(context.Background(), goodReport(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if checks[3].Name != CheckNetwork || checks[3].Status != CheckFail {
		t.Errorf("network check = %+v", checks[3])
	}
	if checks[3].Message != "Internet Connection check failed" {
		t.Errorf("message = %q", checks[3].Message)
	}
}
