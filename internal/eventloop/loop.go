// Package eventloop runs a session's logic on a single goroutine.
//
// Every mutation of a session happens inside a task executed by its Loop,
// so timer callbacks, candidate commands and asynchronous results never
// race with one another. Blocking work (media negotiation, peer
// signaling, persistence) runs on its own goroutine and posts its result
// back to the loop.
package eventloop

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
)

// ErrClosed is returned when work is submitted to a closed Loop.
var ErrClosed = errors.New("event loop closed")

// Loop is a serialized executor with an unbounded FIFO queue.
type Loop struct {
	clock clock.Clock
	log   zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New starts a Loop. Call Close to stop it.
func New(clk clock.Clock, log zerolog.Logger) *Loop {
	l := &Loop{
		clock: clk,
		log:   log.With().Str("component", "event_loop").Logger(),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Clock returns the time source used for scheduled tasks.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Post enqueues fn without blocking. Returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be
// called from a loop task: the task would wait on itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run the task right before stopping.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. Queued tasks that have not started are dropped.
// Close blocks until the running task, if any, returns.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	close(l.stop)
	<-l.done
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.exec(fn)
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Event loop task panicked")
		}
	}()
	fn()
}
