package model

import "time"

// ActivityType is the closed vocabulary of suspicious behaviors.
type ActivityType string

const (
	ActivityTabSwitch         ActivityType = "tab_switch"
	ActivityWindowBlur        ActivityType = "window_blur"
	ActivityFullscreenExit    ActivityType = "fullscreen_exit"
	ActivityScreenshotAttempt ActivityType = "screenshot_attempt"
	ActivityInactivity        ActivityType = "inactivity"
	ActivityScreenShare       ActivityType = "screen_share"
	ActivityNoFace            ActivityType = "no_face"
	ActivityMultipleFaces     ActivityType = "multiple_faces"
	ActivityUnknownFace       ActivityType = "unknown_face"
	ActivityEyeMovement       ActivityType = "eye_movement"
	ActivityFaceMovement      ActivityType = "face_movement"
	ActivityAudioDetection    ActivityType = "audio_detection"
	ActivityOther             ActivityType = "other"
)

// Severity grades a suspicious activity.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SuspiciousActivity is one detection. Records are append-only.
type SuspiciousActivity struct {
	Timestamp   time.Time    `json:"timestamp"`
	Type        ActivityType `json:"type"`
	Detail      string       `json:"detail"`
	SnapshotRef string       `json:"snapshot_ref,omitempty"`
	Severity    Severity     `json:"severity"`
	Confidence  *float64     `json:"confidence,omitempty"`
}

// NavigationAction enumerates navigation ledger entries.
type NavigationAction string

const (
	NavQuestionView  NavigationAction = "question_view"
	NavSectionChange NavigationAction = "section_change"
	NavAnswerChange  NavigationAction = "answer_change"
	NavFlagQuestion  NavigationAction = "flag_question"
	NavTimerCheck    NavigationAction = "timer_check"
)

// NavigationEvent is one ledger entry. Entries are append-only.
type NavigationEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Action    NavigationAction `json:"action"`
	Detail    string           `json:"detail"`
}
