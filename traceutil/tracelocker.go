package traceutil

import (
	"sync"

	"github.com/eluv-io/utc-go"

	"github.com/eluv-io/activespan-go/trace"
)

// TraceLocker is a sync.Locker that records lock contention and the duration of the critical section in an active
// span. The span starts when Lock() is called, becomes a child of the caller's active span and ends when Unlock() is
// called. The time spent waiting for the lock is set in the "lock.wait" tag:
//
//	{
//	  "name": "example-lock",
//	  "time": "5ms",
//	  "tags": {
//	    "lock.wait": "3ms"
//	  }
//	}
//
// Spans started while the lock is held are children of the lock span.
type TraceLocker struct {
	mu     sync.Mutex
	name   string
	tracer *Tracer
	span   *trace.Span
}

// NewTraceLocker creates a new TraceLocker with the given name. It uses the given tracer or the current tracer at the
// time of locking if none is provided.
func NewTraceLocker(name string, tracer ...*Tracer) *TraceLocker {
	l := &TraceLocker{
		name: name,
	}
	if len(tracer) > 0 {
		l.tracer = tracer[0]
	}
	return l
}

// Lock starts a new active span and locks the mutex. Unlock must be called on the same goroutine.
func (l *TraceLocker) Lock() {
	span := l.lock()
	l.span = span
}

// Unlock unlocks the mutex and finishes the span.
func (l *TraceLocker) Unlock() {
	span := l.span
	l.span = nil
	l.mu.Unlock()
	if span != nil {
		_ = span.Finish()
	}
}

// LockUnlock is a convenience method that locks the mutex and returns a function that unlocks it. This is useful for
// deferring the unlock right after locking:
//
//	defer locker.LockUnlock()()
func (l *TraceLocker) LockUnlock() (unlock func()) {
	span := l.lock()
	return func() {
		l.mu.Unlock()
		_ = span.Finish()
	}
}

func (l *TraceLocker) lock() *trace.Span {
	t := l.tracer
	if t == nil {
		t = Current()
	}
	span := t.StartActiveSpan(l.name)
	start := utc.Now()
	l.mu.Lock()
	span.SetTag("lock.wait", utc.Now().Sub(start).String())
	return span
}
