package traceutil

import (
	"github.com/eluv-io/activespan-go/activespan"
	"github.com/eluv-io/activespan-go/trace"
)

// TestTracer is a tracer for tests: it uses sequential ids, keeps all finished spans in Recorder and collects the
// last completed trace in Trace.
type TestTracer struct {
	*Tracer
	Recorder *InMemoryRecorder
	Trace    *TraceInfo
}

// NewTestTracer creates a test tracer on the given store, or on a new GoroutineStore if store is nil.
func NewTestTracer(store activespan.Store) *TestTracer {
	if store == nil {
		store = activespan.NewGoroutineStore()
	}
	tt := &TestTracer{
		Recorder: NewInMemoryRecorder(),
	}
	collector := NewCollector(0, func(trc *TraceInfo) {
		if trc.Complete {
			tt.Trace = trc
		}
	})
	tt.Tracer = NewTracer(store, MultiRecorder(tt.Recorder, collector), WithIDs(trace.SequentialIDs()))
	return tt
}
