// Package traceutil provides the Tracer: the entry point for starting spans, publishing them as the active span of
// the calling execution context and recording them once they finish.
package traceutil

import (
	elog "github.com/eluv-io/log-go"
	"go.uber.org/atomic"

	"github.com/eluv-io/activespan-go/activespan"
	"github.com/eluv-io/activespan-go/trace"
)

var log = elog.Get("/eluvio/traceutil")

var current atomic.Value

func init() {
	current.Store(NewTracer(activespan.Noop(), NoopRecorder()))
}

// Current returns the process-wide tracer. Unless replaced with SetCurrent, it is a tracer that never publishes
// active spans and drops all finished spans.
func Current() *Tracer {
	return current.Load().(*Tracer)
}

// SetCurrent replaces the process-wide tracer and returns the previous one. A nil tracer restores the noop tracer.
func SetCurrent(t *Tracer) (prev *Tracer) {
	if t == nil {
		t = NewTracer(activespan.Noop(), NoopRecorder())
	}
	prev = Current()
	current.Store(t)
	return prev
}

// StartActiveSpan starts an active span with the current tracer. See Tracer.StartActiveSpan.
func StartActiveSpan(name string, opts ...StartOption) *trace.Span {
	return Current().StartActiveSpan(name, opts...)
}

// StartManualSpan starts a manual span with the current tracer. See Tracer.StartManualSpan.
func StartManualSpan(name string, opts ...StartOption) *trace.Span {
	return Current().StartManualSpan(name, opts...)
}

// ActiveSpan returns the active span of the current tracer or nil.
func ActiveSpan() *trace.Span {
	return Current().ActiveSpan()
}

// WithActiveSpan runs fn in a new active span of the current tracer. See Tracer.WithActiveSpan.
func WithActiveSpan(name string, fn func(sp *trace.Span) error, opts ...StartOption) error {
	return Current().WithActiveSpan(name, fn, opts...)
}

// Go runs fn in a new goroutine inheriting the active span of the current tracer.
func Go(fn func()) <-chan struct{} {
	return Current().Go(fn)
}
