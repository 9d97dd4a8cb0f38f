package traceutil

import (
	elog "github.com/eluv-io/log-go"
)

// InitLogTracing starts a root active span with the given name in the given tracer if and only if the given log
// instance is at the TRACE logging level. Otherwise, does nothing.
//
// The returned function should be called in a defer statement: it finishes the root span and logs it at TRACE level
// in the provided log. If tracing is disabled, the returned function is a no-op.
func InitLogTracing(log *elog.Log, tracer *Tracer, rootSpan string) func() {
	if !log.IsTrace() {
		return func() {}
	}
	if tracer == nil {
		tracer = Current()
	}
	span := tracer.StartActiveSpan(rootSpan, ChildOf(nil))
	return func() {
		_ = span.Finish()
		log.Trace("trace", "span", span.Json())
	}
}
