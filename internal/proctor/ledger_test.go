package proctor

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestNavigationLedgerAppendOnly(t *testing.T) {
	fc := clock.Fake(testEpoch)
	l := NewNavigationLedger(fc)

	l.Append(model.NavQuestionView, "section 1 question 1")
	fc.Advance(2 * time.Second)
	l.Append(model.NavAnswerChange, "q1 -> 2")
	l.Append(model.NavAnswerChange, "q1 -> 3")

	events := l.Events()
	if len(events) != 3 || l.Len() != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if !events[1].Timestamp.Equal(testEpoch.Add(2 * time.Second)) {
		t.Errorf("event timestamp = %v", events[1].Timestamp)
	}
	if got := l.Count(model.NavAnswerChange); got != 2 {
		t.Errorf("answer_change count = %d, want 2", got)
	}

	// Mutating the returned copy must not affect the ledger.
	events[0].Detail = "tampered"
	if l.Events()[0].Detail != "section 1 question 1" {
		t.Error("Events returned a shared slice")
	}
}
