// Package clock abstracts time so session timers can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the time source used by every proctoring timer. Production
// code injects Real(); tests inject Fake() and call Advance.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d.
	// If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f. The returned Timer cancels
	// the pending call with Stop. If d <= 0, f is called immediately in
	// a new goroutine (real) or synchronously (fake).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer represents a scheduled callback created by AfterFunc.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stops
// the timer, false if the timer has already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
