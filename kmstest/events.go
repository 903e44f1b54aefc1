package kmstest

import (
	"errors"
	"sync"
)

// ErrEventSourceClosed is returned from EventSource.Wait after Close.
var ErrEventSourceClosed = errors.New("kmstest: event source closed")

// EventSource is a manually triggered hotplug event source.
type EventSource struct {
	events chan int64
	done   chan struct{}
	once   sync.Once
	ts     int64
	mu     sync.Mutex
}

func NewEventSource() *EventSource {
	return &EventSource{
		events: make(chan int64, 16),
		done:   make(chan struct{}),
	}
}

// Trigger queues one event. The timestamp is a simple counter in
// microseconds.
func (s *EventSource) Trigger() {
	s.mu.Lock()
	s.ts += 1000
	ts := s.ts
	s.mu.Unlock()
	select {
	case s.events <- ts:
	case <-s.done:
	}
}

func (s *EventSource) Wait() (int64, error) {
	select {
	case ts := <-s.events:
		return ts, nil
	case <-s.done:
		return 0, ErrEventSourceClosed
	}
}

func (s *EventSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
