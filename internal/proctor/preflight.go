package proctor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
)

// Preflight errors.
var (
	ErrChecksIncomplete   = errors.New("preflight checks have not all passed")
	ErrNoReferenceImage   = errors.New("reference photo has not been captured")
	ErrEmptyCapture       = errors.New("captured frame is empty")
	ErrGateClosed         = errors.New("preflight gate is not in the required phase")
	ErrPreflightBusy      = errors.New("preflight checks are already running")
	ErrPreviewUnavailable = errors.New("camera preview is not active")
)

// Minimum viewport accepted by the resolution check.
const (
	MinViewportWidth  = 1024
	MinViewportHeight = 768
)

var supportedBrowser = regexp.MustCompile(`Chrome|Firefox|Safari|Edge`)

// PreflightPhase is the gate's state.
type PreflightPhase string

const (
	PhaseChecking PreflightPhase = "checking"
	PhaseCamera   PreflightPhase = "camera"
	PhaseComplete PreflightPhase = "complete"
	PhaseAborted  PreflightPhase = "aborted"
)

// CheckName identifies a capability check.
type CheckName string

const (
	CheckBrowser    CheckName = "browser"
	CheckResolution CheckName = "resolution"
	CheckMicrophone CheckName = "microphone"
	CheckNetwork    CheckName = "network"
	CheckCamera     CheckName = "camera"
)

// CheckStatus is the progress of one check.
type CheckStatus string

const (
	CheckPending  CheckStatus = "pending"
	CheckChecking CheckStatus = "checking"
	CheckSuccess  CheckStatus = "success"
	CheckFail     CheckStatus = "fail"
)

// Check is the result of one capability check.
type Check struct {
	Name        CheckName   `json:"name"`
	Label       string      `json:"label"`
	Status      CheckStatus `json:"status"`
	Message     string      `json:"message"`
	Remediation string      `json:"remediation,omitempty"`
}

// DeviceReport is what the candidate's browser reports about itself.
type DeviceReport struct {
	UserAgent      string `json:"user_agent"`
	Online         bool   `json:"online"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	ScreenWidth    int    `json:"screen_width"`
	ScreenHeight   int    `json:"screen_height"`
	AudioInputs    int    `json:"audio_inputs"`
}

// PreflightResult is emitted when the gate completes or aborts.
type PreflightResult struct {
	Success        bool   `json:"success"`
	ReferenceImage []byte `json:"-"`
}

// PreflightGate runs the capability checks and captures the reference
// photo before an exam may start. Methods are safe for concurrent use.
type PreflightGate struct {
	media  MediaCapture
	pinger Pinger
	log    zerolog.Logger

	mu        sync.Mutex
	phase     PreflightPhase
	checks    []Check
	report    DeviceReport
	running   bool
	preview   Stream
	reference []byte
}

// NewPreflightGate creates a gate in the checking phase. pinger may be nil.
func NewPreflightGate(media MediaCapture, pinger Pinger, log zerolog.Logger) *PreflightGate {
	return &PreflightGate{
		media:  media,
		pinger: pinger,
		log:    log.With().Str("component", "preflight_gate").Logger(),
		phase:  PhaseChecking,
		checks: []Check{
			{Name: CheckBrowser, Label: "Browser Compatibility", Status: CheckPending},
			{Name: CheckResolution, Label: "Screen Resolution", Status: CheckPending},
			{Name: CheckMicrophone, Label: "Audio Device", Status: CheckPending},
			{Name: CheckNetwork, Label: "Internet Connection", Status: CheckPending},
			{Name: CheckCamera, Label: "Camera Access", Status: CheckPending},
		},
	}
}

// Phase returns the current phase.
func (g *PreflightGate) Phase() PreflightPhase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// Checks returns a copy of the check list in battery order.
func (g *PreflightGate) Checks() []Check {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checksLocked()
}

func (g *PreflightGate) checksLocked() []Check {
	out := make([]Check, len(g.checks))
	copy(out, g.checks)
	return out
}

// Passed reports whether every check succeeded.
func (g *PreflightGate) Passed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.passedLocked()
}

func (g *PreflightGate) passedLocked() bool {
	for _, c := range g.checks {
		if c.Status != CheckSuccess {
			return false
		}
	}
	return true
}

// Run executes every pending check in order. A failing check does not
// stop the battery. progress, if non-nil, observes each transition.
func (g *PreflightGate) Run(ctx context.Context, report DeviceReport, progress func(Check)) ([]Check, error) {
	g.mu.Lock()
	if g.phase != PhaseChecking {
		g.mu.Unlock()
		return nil, ErrGateClosed
	}
	if g.running {
		g.mu.Unlock()
		return nil, ErrPreflightBusy
	}
	g.running = true
	g.report = report
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	for i := range g.checks {
		g.mu.Lock()
		if g.phase != PhaseChecking {
			g.mu.Unlock()
			return nil, ErrGateClosed
		}
		if g.checks[i].Status != CheckPending {
			g.mu.Unlock()
			continue
		}
		g.checks[i].Status = CheckChecking
		g.checks[i].Message = fmt.Sprintf("Checking %s...", g.checks[i].Label)
		g.checks[i].Remediation = ""
		current := g.checks[i]
		g.mu.Unlock()

		if progress != nil {
			progress(current)
		}

		remediation, err := g.probe(ctx, current.Name, report)

		g.mu.Lock()
		if err != nil {
			g.checks[i].Status = CheckFail
			g.checks[i].Message = fmt.Sprintf("%s check failed", current.Label)
			g.checks[i].Remediation = remediation
			g.log.Info().Err(err).Str("check", string(current.Name)).Msg("Preflight check failed")
		} else {
			g.checks[i].Status = CheckSuccess
			g.checks[i].Message = fmt.Sprintf("%s check passed", current.Label)
		}
		current = g.checks[i]
		g.mu.Unlock()

		if progress != nil {
			progress(current)
		}
	}

	return g.Checks(), nil
}

// Retry resets failed checks to pending and re-runs only those.
func (g *PreflightGate) Retry(ctx context.Context, report DeviceReport, progress func(Check)) ([]Check, error) {
	g.mu.Lock()
	if g.phase != PhaseChecking {
		g.mu.Unlock()
		return nil, ErrGateClosed
	}
	if g.running {
		g.mu.Unlock()
		return nil, ErrPreflightBusy
	}
	for i := range g.checks {
		if g.checks[i].Status == CheckFail {
			g.checks[i].Status = CheckPending
		}
	}
	g.mu.Unlock()

	return g.Run(ctx, report, progress)
}

func (g *PreflightGate) probe(ctx context.Context, name CheckName, r DeviceReport) (string, error) {
	switch name {
	case CheckBrowser:
		if !supportedBrowser.MatchString(r.UserAgent) {
			return "Use a recent version of Chrome, Firefox, Safari or Edge.", errors.New("unsupported browser")
		}
	case CheckResolution:
		if r.ViewportWidth < MinViewportWidth || r.ViewportHeight < MinViewportHeight {
			return fmt.Sprintf("Enlarge the browser window to at least %dx%d.", MinViewportWidth, MinViewportHeight),
				fmt.Errorf("viewport %dx%d below minimum", r.ViewportWidth, r.ViewportHeight)
		}
	case CheckMicrophone:
		if r.AudioInputs <= 0 {
			return NewCapabilityError("microphone", ErrDeviceNotFound).Remediation, ErrDeviceNotFound
		}
	case CheckNetwork:
		if !r.Online {
			return "Reconnect to the internet, then retry.", errors.New("browser reports offline")
		}
		if g.pinger != nil {
			if err := g.pinger.Ping(ctx); err != nil {
				return "Your connection is unstable. Move closer to your router or switch networks, then retry.", err
			}
		}
	case CheckCamera:
		if g.media == nil {
			return NewCapabilityError("camera", ErrDeviceNotFound).Remediation, ErrDeviceNotFound
		}
		stream, err := g.media.AcquireCamera(ctx)
		if err != nil {
			return NewCapabilityError("camera", err).Remediation, err
		}
		stream.Stop()
	}
	return "", nil
}

// ProceedToCamera moves to the camera phase and acquires the preview
// stream. Every check must have passed.
func (g *PreflightGate) ProceedToCamera(ctx context.Context) error {
	g.mu.Lock()
	if g.phase != PhaseChecking || g.running {
		g.mu.Unlock()
		return ErrGateClosed
	}
	if !g.passedLocked() {
		g.mu.Unlock()
		return ErrChecksIncomplete
	}
	g.phase = PhaseCamera
	g.mu.Unlock()

	return g.acquirePreview(ctx)
}

func (g *PreflightGate) acquirePreview(ctx context.Context) error {
	if g.media == nil {
		return NewCapabilityError("camera", ErrDeviceNotFound)
	}
	stream, err := g.media.AcquireCamera(ctx)
	if err != nil {
		return NewCapabilityError("camera", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase != PhaseCamera {
		stream.Stop()
		return ErrGateClosed
	}
	if g.preview != nil {
		g.preview.Stop()
	}
	g.preview = stream
	return nil
}

// Capture freezes one preview frame as the reference photo. The preview
// is re-acquired if it was lost.
func (g *PreflightGate) Capture(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	if g.phase != PhaseCamera {
		g.mu.Unlock()
		return nil, ErrGateClosed
	}
	preview := g.preview
	g.mu.Unlock()

	if preview == nil {
		if err := g.acquirePreview(ctx); err != nil {
			return nil, err
		}
		g.mu.Lock()
		preview = g.preview
		g.mu.Unlock()
		if preview == nil {
			return nil, ErrPreviewUnavailable
		}
	}

	frame, err := preview.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture reference frame: %w", err)
	}
	if len(frame) == 0 {
		return nil, ErrEmptyCapture
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase != PhaseCamera {
		return nil, ErrGateClosed
	}
	g.reference = frame
	return frame, nil
}

// Complete finishes the gate, releasing the preview stream.
func (g *PreflightGate) Complete() (PreflightResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase != PhaseCamera {
		return PreflightResult{}, ErrGateClosed
	}
	if len(g.reference) == 0 {
		return PreflightResult{}, ErrNoReferenceImage
	}
	g.releaseLocked()
	g.phase = PhaseComplete
	g.log.Info().Int("reference_bytes", len(g.reference)).Msg("Preflight complete")
	return PreflightResult{Success: true, ReferenceImage: g.reference}, nil
}

// Abort cancels the gate from any non-terminal phase and releases every
// acquired handle.
func (g *PreflightGate) Abort() PreflightResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase == PhaseComplete || g.phase == PhaseAborted {
		return PreflightResult{Success: g.phase == PhaseComplete, ReferenceImage: g.reference}
	}
	g.releaseLocked()
	g.reference = nil
	g.phase = PhaseAborted
	g.log.Info().Msg("Preflight aborted")
	return PreflightResult{Success: false}
}

func (g *PreflightGate) releaseLocked() {
	if g.preview != nil {
		g.preview.Stop()
		g.preview = nil
	}
}
