package traceutil

import (
	"encoding/json"
	"sync"

	"github.com/eluv-io/errors-go"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/eluv-io/activespan-go/trace"
)

// DefaultMaxPendingTraces is the default number of incomplete traces held by a Collector.
const DefaultMaxPendingTraces = 1000

// NewCollector creates a collector that calls export with the assembled trace whenever a root span finishes. At most
// maxPending incomplete traces are held; if more are in flight, the least recently updated trace is exported
// incomplete.
func NewCollector(maxPending int, export func(trc *TraceInfo)) *Collector {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingTraces
	}
	if export == nil {
		export = func(*TraceInfo) {}
	}
	c := &Collector{export: export}
	// NewLRU only fails for a non-positive size
	c.pending, _ = simplelru.NewLRU(maxPending, c.onEvict)
	return c
}

// Collector is a Recorder that assembles finished spans into per-trace span trees. A trace is complete when its root
// span finishes. Spans of the trace that finish after the root are collected into a new pending trace that is only
// exported when it is evicted or flushed.
type Collector struct {
	mutex   sync.Mutex
	pending *simplelru.LRU
	evicted []*TraceInfo
	export  func(trc *TraceInfo)
}

func (c *Collector) RecordSpan(sp *trace.Span) {
	var out []*TraceInfo

	c.mutex.Lock()
	id := sp.Context().TraceID
	var trc *TraceInfo
	if val, ok := c.pending.Get(id); ok {
		trc = val.(*TraceInfo)
	} else {
		trc = newTraceInfo(id)
		c.pending.Add(id, trc)
	}
	trc.AddSpan(sp)
	if sp.IsRoot() {
		trc.RootSpanID = sp.Context().SpanID
		trc.Complete = true
		trc.exported = true
		c.pending.Remove(id)
		out = append(out, trc)
	}
	out = append(out, c.evicted...)
	c.evicted = nil
	c.mutex.Unlock()

	for _, t := range out {
		c.export(t)
	}
}

// Pending returns the number of incomplete traces.
func (c *Collector) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.pending.Len()
}

// Flush exports all incomplete traces.
func (c *Collector) Flush() {
	c.mutex.Lock()
	for _, key := range c.pending.Keys() {
		c.pending.Remove(key)
	}
	out := c.evicted
	c.evicted = nil
	c.mutex.Unlock()

	for _, t := range out {
		c.export(t)
	}
}

// onEvict is called by the LRU with the collector's mutex held.
func (c *Collector) onEvict(key interface{}, value interface{}) {
	trc := value.(*TraceInfo)
	if trc.exported {
		return
	}
	trc.exported = true
	log.Debug("exporting incomplete trace", "trace_id", key, "spans", len(trc.Spans))
	c.evicted = append(c.evicted, trc)
}

// ---------------------------------------------------------------------------------------------------------------------

// TraceInfo is the span tree of a trace.
type TraceInfo struct {
	ID         string
	RootSpanID string
	Spans      map[string]*SpanInfo
	Complete   bool // true if the root span has finished
	exported   bool
}

func newTraceInfo(id string) *TraceInfo {
	return &TraceInfo{
		ID:    id,
		Spans: map[string]*SpanInfo{},
	}
}

// AddSpan adds a finished span to the trace and links it to its parent. The parent does not need to be known yet.
func (t *TraceInfo) AddSpan(sp *trace.Span) {
	id := sp.Context().SpanID
	info, found := t.Spans[id]
	if !found {
		info = &SpanInfo{Span: sp, Trace: t}
		t.Spans[id] = info
	} else {
		info.Span = sp
	}
	if sp.IsRoot() {
		return
	}
	parent, ok := t.Spans[sp.ParentID()]
	if !ok {
		parent = &SpanInfo{Trace: t}
		t.Spans[sp.ParentID()] = parent
	}
	parent.Children = append(parent.Children, info)
}

func (t *TraceInfo) RootSpan() *SpanInfo {
	return t.Spans[t.RootSpanID]
}

// FindSpanByName returns a span with the given name or nil.
func (t *TraceInfo) FindSpanByName(name string) *SpanInfo {
	for _, info := range t.Spans {
		if info.Span != nil && info.Span.OperationName() == name {
			return info
		}
	}
	return nil
}

// MarshalJSON marshals the span tree below the root span. Incomplete traces are marshalled as the list of their
// known spans.
func (t *TraceInfo) MarshalJSON() ([]byte, error) {
	if root := t.RootSpan(); root != nil {
		return json.Marshal(root)
	}
	spans := make([]*SpanInfo, 0, len(t.Spans))
	for _, info := range t.Spans {
		if info.Span != nil {
			spans = append(spans, info)
		}
	}
	return json.Marshal(struct {
		TraceID string      `json:"trace_id"`
		Spans   []*SpanInfo `json:"spans"`
	}{t.ID, spans})
}

func (t *TraceInfo) String() string {
	bytes, err := json.Marshal(t)
	if err != nil {
		return errors.E("failed to marshal trace", err).Error()
	}
	return string(bytes)
}

// SpanInfo is a span in a trace tree. Span is nil for a parent that has not finished yet.
type SpanInfo struct {
	Span     *trace.Span
	Trace    *TraceInfo
	Children []*SpanInfo
}

func (s *SpanInfo) MarshalJSON() ([]byte, error) {
	type data struct {
		Name     string                 `json:"name,omitempty"`
		SpanID   string                 `json:"span_id,omitempty"`
		Duration string                 `json:"time,omitempty"`
		Tags     map[string]interface{} `json:"tags,omitempty"`
		Children []*SpanInfo            `json:"subs,omitempty"`
	}
	out := &data{Children: s.Children}
	if s.Span != nil {
		out.Name = s.Span.OperationName()
		out.SpanID = s.Span.Context().SpanID
		out.Duration = s.Span.Duration().String()
		if tags := s.Span.Tags(); len(tags) > 0 {
			out.Tags = tags
		}
	}
	return json.Marshal(out)
}
