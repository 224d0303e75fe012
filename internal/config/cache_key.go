package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AssessmentPaperKey returns the cache key for an assessment's candidate paper
// (sections and questions without correct options).
func (r *CacheKeyStruct) AssessmentPaperKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:paper", assessmentID)
}

// AssessmentAnswerKey returns the cache key for an assessment's answer key
func (r *CacheKeyStruct) AssessmentAnswerKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:key", assessmentID)
}

// SessionAnswersKey returns the autosave hash of a session's answers
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionSDPAnswerKey returns the list the proctor console pushes SDP answers to
func (r *CacheKeyStruct) SessionSDPAnswerKey(sessionID string) string {
	return fmt.Sprintf("session:%s:sdp_answer", sessionID)
}

// SessionDeviceKey returns the token id a session is bound to when multiple devices are blocked
func (r *CacheKeyStruct) SessionDeviceKey(sessionID string) string {
	return fmt.Sprintf("session:%s:device", sessionID)
}

// SessionEndedKey marks a session that was submitted or terminated, before its record is persisted
func (r *CacheKeyStruct) SessionEndedKey(sessionID string) string {
	return fmt.Sprintf("session:%s:ended", sessionID)
}

// CandidateActiveSessionKey returns the cache key for a candidate's live session on an assessment
func (r *CacheKeyStruct) CandidateActiveSessionKey(assessmentID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:assessment:%s:session", candidateID, assessmentID)
}

// AssessmentMonitorChannel returns the Redis PubSub channel name for an assessment monitor
func (r *CacheKeyStruct) AssessmentMonitorChannel(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:monitor", assessmentID)
}

var CacheKey = NewCacheKeyStruct()
