package proctor

import (
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// NavigationLedger is the append-only log of navigation, answer and
// timer events. It is confined to the session's event loop.
type NavigationLedger struct {
	clock  clock.Clock
	events []model.NavigationEvent
}

// NewNavigationLedger creates an empty ledger.
func NewNavigationLedger(clk clock.Clock) *NavigationLedger {
	return &NavigationLedger{clock: clk}
}

// Append records an event stamped with the current time.
func (l *NavigationLedger) Append(action model.NavigationAction, detail string) model.NavigationEvent {
	ev := model.NavigationEvent{
		Timestamp: l.clock.Now(),
		Action:    action,
		Detail:    detail,
	}
	l.events = append(l.events, ev)
	return ev
}

// Events returns a copy of the log.
func (l *NavigationLedger) Events() []model.NavigationEvent {
	out := make([]model.NavigationEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of entries.
func (l *NavigationLedger) Len() int { return len(l.events) }

// Count returns how many entries have the given action.
func (l *NavigationLedger) Count(action model.NavigationAction) int {
	n := 0
	for _, ev := range l.events {
		if ev.Action == action {
			n++
		}
	}
	return n
}
