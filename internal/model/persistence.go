package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerRecord is one autosaved answer on its way to PostgreSQL.
type AnswerRecord struct {
	SessionID  uuid.UUID `json:"session_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Option     int       `json:"option"`
	AnsweredAt time.Time `json:"answered_at"`
}

// ActivityRecord is one suspicious activity on its way to PostgreSQL.
type ActivityRecord struct {
	SessionID uuid.UUID          `json:"session_id"`
	Activity  SuspiciousActivity `json:"activity"`
}

// GradedAnswer is a final answer with its grading.
type GradedAnswer struct {
	QuestionID uuid.UUID
	Option     int
	Correct    bool
}

// GradedSubmission is everything written when a session is closed.
type GradedSubmission struct {
	SessionID       uuid.UUID
	Status          SessionStatus
	Reason          SubmitReason
	Answers         []GradedAnswer
	Navigation      []NavigationEvent
	WarningCount    int
	Score           float64
	IPAddress       string
	FullscreenExits int
	LastActiveAt    time.Time
	FinishedAt      time.Time
	FlaggedReview   bool
}
