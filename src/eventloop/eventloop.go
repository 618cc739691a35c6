// Package eventloop runs posted tasks one at a time on a single goroutine.
// Delivery to sinks that are not safe for concurrent use goes through it.
package eventloop

import (
	"log/slog"
	"sync"
)

// Loop is a single-goroutine serial executor.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// New starts a loop whose queue holds up to buffer pending tasks.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 16
	}
	l := &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for task := range l.tasks {
		l.exec(task)
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event loop task panicked", "panic", r)
		}
	}()
	task()
}

// Do posts fn to the loop. After Close, fn runs on the caller's goroutine.
func (l *Loop) Do(fn func()) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		l.exec(fn)
		return
	}
	l.tasks <- fn
	l.mu.RUnlock()
}

// Close stops accepting tasks, runs the ones already queued and waits.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.tasks)
	l.mu.Unlock()
	<-l.done
}
