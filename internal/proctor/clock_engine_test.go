package proctor

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/eventloop"
)

func TestClockEngineSectionExpiryResetsToFullLimit(t *testing.T) {
	l, fc := newTestLoop(t)

	var expired []int
	var e *ClockEngine
	e = NewClockEngine(l, 100, []int{5, 7}, 0, ClockEvents{
		SectionExpired: func(s int) {
			expired = append(expired, s)
			e.EnterSection(s + 1)
		},
	})
	onLoop(t, l, func() { e.Start(eventloop.NewGroup()) })

	tick(t, l, fc, 4)
	onLoop(t, l, func() {
		if len(expired) != 0 {
			t.Fatalf("section expired early: %v", expired)
		}
		if _, sec := e.Remaining(); sec != 1 {
			t.Fatalf("section remaining = %d, want 1", sec)
		}
	})

	tick(t, l, fc, 1)
	onLoop(t, l, func() {
		if len(expired) != 1 || expired[0] != 0 {
			t.Fatalf("expired = %v, want [0]", expired)
		}
		overall, sec := e.Remaining()
		if sec != 7 {
			t.Errorf("new section remaining = %d, want full limit 7", sec)
		}
		if overall != 95 {
			t.Errorf("overall remaining = %d, want 95", overall)
		}
		if e.CurrentSection() != 1 {
			t.Errorf("current section = %d, want 1", e.CurrentSection())
		}
	})

	tick(t, l, fc, 7)
	onLoop(t, l, func() {
		if len(expired) != 2 || expired[1] != 1 {
			t.Fatalf("expired = %v, want [0 1]", expired)
		}
	})
}

func TestClockEngineOverallExpiryStopsTicking(t *testing.T) {
	l, fc := newTestLoop(t)

	fired := 0
	e := NewClockEngine(l, 3, []int{0}, 0, ClockEvents{
		OverallExpired: func() { fired++ },
	})
	onLoop(t, l, func() { e.Start(eventloop.NewGroup()) })

	tick(t, l, fc, 10)
	onLoop(t, l, func() {
		if fired != 1 {
			t.Errorf("OverallExpired fired %d times, want 1", fired)
		}
		if !e.Stopped() {
			t.Error("engine not stopped after overall expiry")
		}
		if overall, sec := e.Remaining(); overall != 0 || sec != -1 {
			t.Errorf("Remaining() = %d, %d; want 0, -1", overall, sec)
		}
	})
	if n := fc.PendingCount(); n != 0 {
		t.Errorf("%d timers still pending after expiry", n)
	}
}

func TestClockEngineIgnoresTicksOnceTerminal(t *testing.T) {
	l, fc := newTestLoop(t)

	terminal := false
	e := NewClockEngine(l, 60, []int{30}, 0, ClockEvents{
		Terminal: func() bool { return terminal },
	})
	onLoop(t, l, func() { e.Start(eventloop.NewGroup()) })

	tick(t, l, fc, 2)
	onLoop(t, l, func() { terminal = true })
	tick(t, l, fc, 5)

	onLoop(t, l, func() {
		if overall, sec := e.Remaining(); overall != 58 || sec != 28 {
			t.Errorf("Remaining() = %d, %d; want 58, 28", overall, sec)
		}
	})
}

func TestClockEngineManualSectionSwitchKeepsRemainders(t *testing.T) {
	l, fc := newTestLoop(t)

	e := NewClockEngine(l, 600, []int{10, 20}, 0, ClockEvents{})
	onLoop(t, l, func() { e.Start(eventloop.NewGroup()) })

	tick(t, l, fc, 3)
	onLoop(t, l, func() {
		e.EnterSection(1)
		if _, sec := e.Remaining(); sec != 20 {
			t.Errorf("section remaining = %d, want 20", sec)
		}
	})

	tick(t, l, fc, 5)
	onLoop(t, l, func() {
		e.EnterSection(0)
		if _, sec := e.Remaining(); sec != 7 {
			t.Errorf("section remaining after going back = %d, want 7", sec)
		}
		e.EnterSection(1)
		if _, sec := e.Remaining(); sec != 15 {
			t.Errorf("section remaining on return = %d, want 15", sec)
		}
	})
}

func TestClockEngineExpiredSectionStaysClosed(t *testing.T) {
	l, fc := newTestLoop(t)

	var e *ClockEngine
	e = NewClockEngine(l, 600, []int{4, 0, 6}, 0, ClockEvents{
		SectionExpired: func(s int) { e.EnterSection(s + 1) },
	})
	onLoop(t, l, func() {
		if !e.SectionOpen(0) || !e.SectionOpen(2) {
			t.Error("fresh sections reported closed")
		}
		if e.SectionOpen(3) || e.SectionOpen(-1) {
			t.Error("out-of-range section reported open")
		}
		e.Start(eventloop.NewGroup())
	})

	tick(t, l, fc, 4)
	onLoop(t, l, func() {
		if e.CurrentSection() != 1 {
			t.Fatalf("current section = %d, want 1", e.CurrentSection())
		}
		if e.SectionOpen(0) {
			t.Error("expired section reported open")
		}
		if !e.SectionOpen(1) {
			t.Error("untimed section reported closed")
		}
		e.EnterSection(0)
		if _, sec := e.Remaining(); sec != 0 {
			t.Errorf("expired section remaining = %d, want 0", sec)
		}
	})
}

func TestClockEngineCheckpoints(t *testing.T) {
	l, fc := newTestLoop(t)

	type point struct{ overall, section int }
	var points []point
	e := NewClockEngine(l, 100, []int{0}, 10*time.Second, ClockEvents{
		Checkpoint: func(o, s int) { points = append(points, point{o, s}) },
	})
	onLoop(t, l, func() { e.Start(eventloop.NewGroup()) })

	tick(t, l, fc, 25)
	onLoop(t, l, func() {
		want := []point{{90, -1}, {80, -1}}
		if len(points) != len(want) {
			t.Fatalf("checkpoints = %v, want %v", points, want)
		}
		for i := range want {
			if points[i] != want[i] {
				t.Errorf("checkpoint %d = %v, want %v", i, points[i], want[i])
			}
		}
	})
}

func TestClockEngineStopCancelsTick(t *testing.T) {
	l, fc := newTestLoop(t)

	e := NewClockEngine(l, 100, []int{50}, 0, ClockEvents{})
	onLoop(t, l, func() { e.Start(eventloop.NewGroup()) })
	tick(t, l, fc, 1)
	onLoop(t, l, func() {
		e.Stop()
		e.Stop()
	})
	tick(t, l, fc, 5)

	onLoop(t, l, func() {
		if overall, _ := e.Remaining(); overall != 99 {
			t.Errorf("overall = %d after stop, want 99", overall)
		}
	})
	if n := fc.PendingCount(); n != 0 {
		t.Errorf("%d timers pending after Stop", n)
	}
}
