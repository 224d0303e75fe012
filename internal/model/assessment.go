package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxWarnings is used when an assessment does not configure a
// termination threshold.
const DefaultMaxWarnings = 3

// DefaultSnapshotIntervalSeconds is used when snapshots are enabled
// without an explicit interval.
const DefaultSnapshotIntervalSeconds = 30

// Sensitivity enumerates screen capture sensitivity levels.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Assessment is a timed, sectioned paper. It is immutable for the
// lifetime of a session.
type Assessment struct {
	ID              uuid.UUID         `json:"id" yaml:"-"`
	Title           string            `json:"title" yaml:"title" binding:"required"`
	DurationSeconds int               `json:"duration_seconds" yaml:"duration_seconds" binding:"gt=0"`
	Sections        []Section         `json:"sections" yaml:"sections" binding:"min=1,dive"`
	Proctoring      ProctoringSetting `json:"proctoring" yaml:"proctoring"`
	Security        SecuritySetting   `json:"security" yaml:"security"`
	EntryTokenHash  string            `json:"-" yaml:"-"`
	CreatedAt       time.Time         `json:"created_at" yaml:"-"`
}

// Section is an ordered group of questions with its own time limit.
// A non-positive limit means the section is only bounded by the overall
// duration.
type Section struct {
	ID               uuid.UUID  `json:"id" yaml:"-"`
	Name             string     `json:"name" yaml:"name" binding:"required"`
	TimeLimitSeconds int        `json:"time_limit_seconds" yaml:"time_limit_seconds" binding:"gte=0"`
	Questions        []Question `json:"questions" yaml:"questions" binding:"min=1,dive"`
}

// ProctoringSetting selects which monitoring signals are active.
type ProctoringSetting struct {
	RequireWebcam            bool        `json:"require_webcam" yaml:"require_webcam"`
	TrackScreenChanges       bool        `json:"track_screen_changes" yaml:"track_screen_changes"`
	PreventTabSwitching      bool        `json:"prevent_tab_switching" yaml:"prevent_tab_switching"`
	RecordVideo              bool        `json:"record_video" yaml:"record_video"`
	TakeRandomSnapshots      bool        `json:"take_random_snapshots" yaml:"take_random_snapshots"`
	SnapshotIntervalSeconds  int         `json:"snapshot_interval_seconds" yaml:"snapshot_interval_seconds"`
	AIProctoring             bool        `json:"ai_proctoring" yaml:"ai_proctoring"`
	WebRTCStream             bool        `json:"webrtc_stream" yaml:"webrtc_stream"`
	LiveProctoring           bool        `json:"live_proctoring" yaml:"live_proctoring"`
	BehaviorAnalysis         bool        `json:"behavior_analysis" yaml:"behavior_analysis"`
	FaceRecognition          bool        `json:"face_recognition" yaml:"face_recognition"`
	EyeMovementTracking      bool        `json:"eye_movement_tracking" yaml:"eye_movement_tracking"`
	AudioMonitoring          bool        `json:"audio_monitoring" yaml:"audio_monitoring"`
	ScreenCaptureSensitivity Sensitivity `json:"screen_capture_sensitivity" yaml:"screen_capture_sensitivity"`
}

// SecuritySetting controls how strictly the session is locked down.
type SecuritySetting struct {
	EnforceFullscreen            bool     `json:"enforce_fullscreen" yaml:"enforce_fullscreen"`
	PreventScreenshots           bool     `json:"prevent_screenshots" yaml:"prevent_screenshots"`
	PreventCopyPaste             bool     `json:"prevent_copy_paste" yaml:"prevent_copy_paste"`
	BlockMultipleSessions        bool     `json:"block_multiple_sessions" yaml:"block_multiple_sessions"`
	AllowedIPRanges              []string `json:"allowed_ip_ranges,omitempty" yaml:"allowed_ip_ranges"`
	RequireDeviceVerification    bool     `json:"require_device_verification" yaml:"require_device_verification"`
	MaxWarningsBeforeTermination int      `json:"max_warnings_before_termination" yaml:"max_warnings_before_termination"`
}

// MaxWarnings returns the termination threshold, falling back to
// DefaultMaxWarnings.
func (s SecuritySetting) MaxWarnings() int {
	if s.MaxWarningsBeforeTermination <= 0 {
		return DefaultMaxWarnings
	}
	return s.MaxWarningsBeforeTermination
}

// SnapshotInterval returns the snapshot cadence, falling back to
// DefaultSnapshotIntervalSeconds.
func (p ProctoringSetting) SnapshotInterval() time.Duration {
	if p.SnapshotIntervalSeconds <= 0 {
		return DefaultSnapshotIntervalSeconds * time.Second
	}
	return time.Duration(p.SnapshotIntervalSeconds) * time.Second
}

// TotalQuestions counts questions across all sections.
func (a *Assessment) TotalQuestions() int {
	n := 0
	for _, s := range a.Sections {
		n += len(s.Questions)
	}
	return n
}

// AssessmentPaper is the candidate-facing view of an assessment. It never
// carries correct options.
type AssessmentPaper struct {
	AssessmentID    uuid.UUID         `json:"assessment_id"`
	Title           string            `json:"title"`
	DurationSeconds int               `json:"duration_seconds"`
	Sections        []PaperSection    `json:"sections"`
	Proctoring      ProctoringSetting `json:"proctoring"`
	Security        SecuritySetting   `json:"security"`
}

// PaperSection is a Section without answer keys.
type PaperSection struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	TimeLimitSeconds int             `json:"time_limit_seconds"`
	Questions        []PaperQuestion `json:"questions"`
}

// Paper strips answer keys from the assessment.
func (a *Assessment) Paper() *AssessmentPaper {
	p := &AssessmentPaper{
		AssessmentID:    a.ID,
		Title:           a.Title,
		DurationSeconds: a.DurationSeconds,
		Sections:        make([]PaperSection, 0, len(a.Sections)),
		Proctoring:      a.Proctoring,
		Security:        a.Security,
	}
	for _, s := range a.Sections {
		ps := PaperSection{
			ID:               s.ID,
			Name:             s.Name,
			TimeLimitSeconds: s.TimeLimitSeconds,
			Questions:        make([]PaperQuestion, 0, len(s.Questions)),
		}
		for _, q := range s.Questions {
			ps.Questions = append(ps.Questions, PaperQuestion{ID: q.ID, Text: q.Text, Options: q.Options})
		}
		p.Sections = append(p.Sections, ps)
	}
	return p
}

// JoinAssessmentRequest is the payload for a candidate joining an assessment.
type JoinAssessmentRequest struct {
	EntryToken string `json:"entry_token" binding:"max=64"`
}

// SDPAnswerRequest carries the proctor console's answer to a candidate's
// live stream offer.
type SDPAnswerRequest struct {
	Answer string `json:"answer" binding:"required,sdp"`
}
