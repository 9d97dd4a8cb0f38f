package traceutil

import (
	"fmt"
	"strings"
	"sync"

	elog "github.com/eluv-io/log-go"

	"github.com/eluv-io/activespan-go/trace"
)

// Recorder receives spans once they have finished.
type Recorder interface {
	RecordSpan(sp *trace.Span)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(sp *trace.Span)

func (f RecorderFunc) RecordSpan(sp *trace.Span) {
	f(sp)
}

// NoopRecorder returns a recorder that drops all spans.
func NoopRecorder() Recorder {
	return noopRecorder{}
}

type noopRecorder struct{}

func (noopRecorder) RecordSpan(*trace.Span) {}

// MultiRecorder returns a recorder that forwards spans to all given recorders in order.
func MultiRecorder(recorders ...Recorder) Recorder {
	res := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			res = append(res, r)
		}
	}
	return res
}

type multiRecorder []Recorder

func (m multiRecorder) RecordSpan(sp *trace.Span) {
	for _, r := range m {
		r.RecordSpan(sp)
	}
}

// ---------------------------------------------------------------------------------------------------------------------

// NewLogRecorder creates a recorder that logs every finished span at INFO level. Uses the traceutil log if log is nil.
func NewLogRecorder(log *elog.Log) *LogRecorder {
	return &LogRecorder{log: log}
}

// LogRecorder logs finished spans:
//
//	span name=query id=2ZnBD3eSQkd trace_id=8f1a... parent_id=J7kx3Xv1wQm duration=3ms tags="db:users rows:12"
type LogRecorder struct {
	log *elog.Log
}

func (r *LogRecorder) RecordSpan(sp *trace.Span) {
	l := r.log
	if l == nil {
		l = log
	}
	ctx := sp.Context()
	l.Info("span",
		"name", sp.OperationName(),
		"id", ctx.SpanID,
		"trace_id", ctx.TraceID,
		"parent_id", sp.ParentID(),
		"start", sp.StartTime(),
		"end", sp.EndTime(),
		"duration", sp.Duration(),
		"tags", formatTags(sp))
}

// formatTags formats the span's tags as space-separated key:value pairs sorted by key.
func formatTags(sp *trace.Span) string {
	keys := sp.TagKeys()
	if len(keys) == 0 {
		return ""
	}
	sb := strings.Builder{}
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(" ")
		}
		v, _ := sp.Tag(k)
		sb.WriteString(fmt.Sprintf("%s:%v", k, v))
	}
	return sb.String()
}

// ---------------------------------------------------------------------------------------------------------------------

// NewInMemoryRecorder creates a recorder that keeps all finished spans in memory.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// InMemoryRecorder collects finished spans in the order they finished. It is safe for concurrent use and mostly
// useful in tests.
type InMemoryRecorder struct {
	mutex sync.Mutex
	spans []*trace.Span
}

func (r *InMemoryRecorder) RecordSpan(sp *trace.Span) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.spans = append(r.spans, sp)
}

// Spans returns a copy of the recorded spans.
func (r *InMemoryRecorder) Spans() []*trace.Span {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return append([]*trace.Span(nil), r.spans...)
}

// Names returns the operation names of the recorded spans.
func (r *InMemoryRecorder) Names() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	res := make([]string, len(r.spans))
	for i, sp := range r.spans {
		res[i] = sp.OperationName()
	}
	return res
}

// FindByName returns the first recorded span with the given name or nil.
func (r *InMemoryRecorder) FindByName(name string) *trace.Span {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, sp := range r.spans {
		if sp.OperationName() == name {
			return sp
		}
	}
	return nil
}

func (r *InMemoryRecorder) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.spans)
}

// Reset drops all recorded spans.
func (r *InMemoryRecorder) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.spans = nil
}
