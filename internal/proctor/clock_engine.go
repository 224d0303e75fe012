package proctor

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/eventloop"
)

const tickTaskName = "clock_tick"

// ClockEvents are the callbacks ClockEngine invokes on the event loop.
type ClockEvents struct {
	// Terminal reports whether the session already ended. Ticks are
	// ignored once it returns true.
	Terminal func() bool
	// OverallExpired fires once when the overall countdown reaches zero.
	OverallExpired func()
	// SectionExpired fires when the current section's countdown reaches
	// zero. The owner decides whether to advance or submit.
	SectionExpired func(section int)
	// Checkpoint fires every checkpoint interval with the remaining times.
	Checkpoint func(overall, section int)
}

// ClockEngine runs the overall and section countdowns from one
// one-second tick. It is confined to the session's event loop.
type ClockEngine struct {
	loop   *eventloop.Loop
	events ClockEvents

	limits []int
	// left holds the seconds each section keeps while another one runs.
	left []int
	// checkpointEvery is in ticks; zero disables checkpoints.
	checkpointEvery int

	overall int
	section int
	current int
	elapsed int

	task    *eventloop.Task
	stopped bool
}

// NewClockEngine creates an engine for an assessment of overallSeconds
// whose sections have the given limits. A non-positive section limit
// leaves that section bounded only by the overall countdown.
func NewClockEngine(loop *eventloop.Loop, overallSeconds int, sectionLimits []int, checkpoint time.Duration, events ClockEvents) *ClockEngine {
	e := &ClockEngine{
		loop:            loop,
		events:          events,
		limits:          sectionLimits,
		checkpointEvery: int(checkpoint / time.Second),
		overall:         overallSeconds,
		left:            append([]int(nil), sectionLimits...),
	}
	if len(sectionLimits) > 0 {
		e.section = sectionLimits[0]
	}
	return e
}

// Start schedules the tick and registers it with group.
func (e *ClockEngine) Start(group *eventloop.Group) {
	if e.task != nil || e.stopped {
		return
	}
	e.task = group.Add(e.loop.Every(tickTaskName, time.Second, e.tick))
}

// EnterSection switches the section countdown to section i. The section
// being left keeps its remaining seconds; a section entered for the first
// time starts at its full limit.
func (e *ClockEngine) EnterSection(i int) {
	if i < 0 || i >= len(e.limits) {
		return
	}
	if e.current < len(e.left) {
		e.left[e.current] = e.section
	}
	e.current = i
	e.section = e.left[i]
}

// SectionOpen reports whether section i still has time. Untimed sections
// are always open.
func (e *ClockEngine) SectionOpen(i int) bool {
	if i < 0 || i >= len(e.limits) {
		return false
	}
	if e.limits[i] <= 0 {
		return true
	}
	if i == e.current {
		return e.section > 0
	}
	return e.left[i] > 0
}

// Stop halts the countdowns. It is idempotent.
func (e *ClockEngine) Stop() {
	if e.stopped {
		return
	}
	e.stopped = true
	if e.task != nil {
		e.task.Cancel()
	}
}

// Stopped reports whether the engine has been stopped.
func (e *ClockEngine) Stopped() bool { return e.stopped }

// Remaining returns the overall and section seconds left. The section
// value is -1 when the current section is untimed.
func (e *ClockEngine) Remaining() (overall, section int) {
	if !e.sectionTimed() {
		return e.overall, -1
	}
	return e.overall, e.section
}

// CurrentSection returns the section whose countdown is running.
func (e *ClockEngine) CurrentSection() int { return e.current }

func (e *ClockEngine) sectionTimed() bool {
	return e.current < len(e.limits) && e.limits[e.current] > 0
}

func (e *ClockEngine) tick() {
	if e.stopped || (e.events.Terminal != nil && e.events.Terminal()) {
		return
	}

	if e.overall > 0 {
		e.overall--
	}
	timed := e.sectionTimed()
	if timed && e.section > 0 {
		e.section--
	}
	e.elapsed++

	if e.overall <= 0 {
		e.Stop()
		if e.events.OverallExpired != nil {
			e.events.OverallExpired()
		}
		return
	}

	if timed && e.section <= 0 {
		if e.events.SectionExpired != nil {
			e.events.SectionExpired(e.current)
		}
		return
	}

	if e.checkpointEvery > 0 && e.elapsed%e.checkpointEvery == 0 && e.events.Checkpoint != nil {
		overall, section := e.Remaining()
		e.events.Checkpoint(overall, section)
	}
}
