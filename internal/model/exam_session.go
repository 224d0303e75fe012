package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates persisted exam session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusTerminated SessionStatus = "TERMINATED"
	SessionStatusAbandoned  SessionStatus = "ABANDONED"
)

// TerminalFlag is the end state of a live session.
type TerminalFlag string

const (
	TerminalNone       TerminalFlag = "none"
	TerminalSubmitted  TerminalFlag = "submitted"
	TerminalTerminated TerminalFlag = "terminated"
)

// SubmitReason records why a session ended.
type SubmitReason string

const (
	ReasonManual           SubmitReason = "manual"
	ReasonTimeExpired      SubmitReason = "time_expired"
	ReasonWarningThreshold SubmitReason = "warning_threshold"
)

// ExamSession is a candidate's attempt at an assessment.
type ExamSession struct {
	ID             uuid.UUID     `json:"id"`
	AssessmentID   uuid.UUID     `json:"assessment_id"`
	CandidateID    string        `json:"candidate_id"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	SubmitReason   *SubmitReason `json:"submit_reason,omitempty"`
	WarningCount   int           `json:"warning_count"`
	FinalScore     *float64      `json:"final_score,omitempty"`
	IPAddress      *string       `json:"ip_address,omitempty"`
	ReferencePhoto *string       `json:"reference_photo,omitempty"`
	DeviceInfo     *string       `json:"device_info,omitempty"`
	FlaggedReview  bool          `json:"flagged_for_review"`
}

// SessionAudit is the proctor-facing record of a session.
type SessionAudit struct {
	Session    *ExamSession         `json:"session"`
	Activities []SuspiciousActivity `json:"activities"`
	Navigation []NavigationEvent    `json:"navigation"`
}

// Normalized replaces nil lists with empty ones so they encode as [].
func (a *SessionAudit) Normalized() *SessionAudit {
	if a.Activities == nil {
		a.Activities = []SuspiciousActivity{}
	}
	if a.Navigation == nil {
		a.Navigation = []NavigationEvent{}
	}
	return a
}
