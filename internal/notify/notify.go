// Package notify delivers short user-facing messages for every terminal
// pipeline state. Sinks must never block the caller.
package notify

import (
	"sync"

	"github.com/cjeanneret/SnapID/internal/debug"
)

// Sink receives user notifications. Notify must return promptly; a sink
// that needs a particular goroutine (UI thread, socket writer) does its
// own marshaling.
type Sink interface {
	Notify(message string)
}

// Func adapts a function to a Sink.
type Func func(message string)

func (f Func) Notify(message string) { f(message) }

// LogSink writes notifications to the debug log.
type LogSink struct{}

func (LogSink) Notify(message string) {
	debug.Info("Notify: %s", message)
}

type multi []Sink

func (m multi) Notify(message string) {
	for _, s := range m {
		s.Notify(message)
	}
}

// Multi fans a notification out to every non-nil sink, in order.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

// Async decouples a possibly slow sink from the caller through a bounded
// queue. When the queue is full the message is dropped and logged.
type Async struct {
	sink  Sink
	queue chan string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAsync starts a delivery goroutine for sink with room for buffer
// queued messages.
func NewAsync(sink Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = 16
	}
	a := &Async{
		sink:  sink,
		queue: make(chan string, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for msg := range a.queue {
		a.sink.Notify(msg)
	}
}

func (a *Async) Notify(message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- message:
	default:
		debug.Info("Notify: queue full, dropped %q", message)
	}
}

// Close delivers what is queued, then stops. Later notifications are
// discarded.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
