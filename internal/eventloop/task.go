package eventloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stemsi/exstem-proctor/internal/clock"
)

// Task is a scheduled unit of work that runs on a Loop. A canceled task
// never runs again, including a firing that was already queued.
type Task struct {
	name     string
	canceled atomic.Bool

	mu    sync.Mutex
	timer *clock.Timer
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Cancel stops the task. It returns true only for the call that
// actually canceled it.
func (t *Task) Cancel() bool {
	if !t.canceled.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	return true
}

// Canceled reports whether Cancel has been called.
func (t *Task) Canceled() bool { return t.canceled.Load() }

func (t *Task) setTimer(timer *clock.Timer) {
	t.mu.Lock()
	t.timer = timer
	if t.canceled.Load() {
		timer.Stop()
	}
	t.mu.Unlock()
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(name string, d time.Duration, fn func()) *Task {
	t := &Task{name: name}
	timer := l.clock.AfterFunc(d, func() {
		if t.canceled.Load() {
			return
		}
		l.Post(func() {
			if t.canceled.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	t.setTimer(timer)
	return t
}

// Every runs fn on the loop each time d elapses until the task is
// canceled. Panics if d <= 0.
func (l *Loop) Every(name string, d time.Duration, fn func()) *Task {
	if d <= 0 {
		panic("eventloop: non-positive interval for Every")
	}

	t := &Task{name: name}
	var arm func()
	arm = func() {
		timer := l.clock.AfterFunc(d, func() {
			if t.canceled.Load() {
				return
			}
			arm()
			l.Post(func() {
				if !t.canceled.Load() {
					fn()
				}
			})
		})
		t.setTimer(timer)
	}
	arm()
	return t
}
