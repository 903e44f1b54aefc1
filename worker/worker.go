// Package worker provides the signal-driven worker the render and vsync
// loops are built from: one goroutine, a state lock, a coalescing wakeup
// and a synchronous exit.
package worker

import (
	"errors"
	"sync"
	"time"
)

// ErrExiting is returned from WaitForSignal once Exit has been
// requested.
var ErrExiting = errors.New("worker exiting")

// ErrTimedOut is returned from WaitForSignal when the timeout expired
// before a signal arrived.
var ErrTimedOut = errors.New("wait timed out")

// Worker runs one routine repeatedly on its own goroutine. The routine
// blocks in WaitForSignal until a producer calls Signal, does one unit
// of work and returns; Exit interrupts the wait and joins the goroutine.
type Worker struct {
	name string

	mu      sync.Mutex
	started bool

	signal chan struct{}
	exit   chan struct{}
	done   chan struct{}

	exitOnce sync.Once
}

// New creates a stopped worker. The name only shows up in logs.
func New(name string) *Worker {
	return &Worker{
		name:   name,
		signal: make(chan struct{}, 1),
		exit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *Worker) Name() string {
	return w.name
}

// Lock acquires the worker's state lock. Specializations guard their
// queues and flags with it. Hold it around state access only, never
// across WaitForSignal.
func (w *Worker) Lock() {
	w.mu.Lock()
}

// Unlock releases the worker's state lock.
func (w *Worker) Unlock() {
	w.mu.Unlock()
}

// Start launches the worker goroutine. routine is one cycle of work,
// invoked outside the lock, over and over until Exit. Starting twice is
// a no-op.
func (w *Worker) Start(routine func()) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.exit:
				return
			default:
			}
			routine()
		}
	}()
}

// Signal wakes the worker. Signals sent while the worker is busy
// coalesce into a single wakeup.
func (w *Worker) Signal() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Exit asks the goroutine to stop and blocks until it has observed the
// request and returned, even when it sits in an indefinite wait. Safe
// to call repeatedly and before Start.
func (w *Worker) Exit() {
	w.exitOnce.Do(func() {
		close(w.exit)
	})
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

// WaitForSignal blocks until Signal is called, Exit is requested or the
// timeout expires, in that order of precedence. A negative timeout
// waits indefinitely. The exit check runs before blocking so a wakeup
// latched behind an exit request is never delivered.
func (w *Worker) WaitForSignal(timeout time.Duration) error {
	select {
	case <-w.exit:
		return ErrExiting
	default:
	}

	if timeout < 0 {
		select {
		case <-w.signal:
			return nil
		case <-w.exit:
			return ErrExiting
		}
	}

	select {
	case <-w.signal:
		return nil
	case <-w.exit:
		return ErrExiting
	case <-time.After(timeout):
		return ErrTimedOut
	}
}
