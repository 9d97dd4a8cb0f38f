package trace

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
	"github.com/eluv-io/utc-go"
	"go.uber.org/atomic"
)

var log = elog.Get("/eluvio/trace")

// ErrInvalidSpanState is the root cause of errors returned when a span is used in a state that does not permit the
// operation, e.g. finishing or activating a span that has already finished.
var ErrInvalidSpanState = errors.Str("invalid span state")

// IsInvalidSpanState returns true if the root cause of err is ErrInvalidSpanState.
func IsInvalidSpanState(err error) bool {
	return err != nil && errors.GetRootCause(err) == ErrInvalidSpanState
}

// State is the lifecycle state of a span.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// SpanContext is the identity of a span.
type SpanContext struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// IsValid returns true if both trace and span id are set.
func (c SpanContext) IsValid() bool {
	return c.TraceID != "" && c.SpanID != ""
}

// Options are the construction parameters of a span.
type Options struct {
	Name           string
	Parent         *Span   // the parent span or nil for a root span
	Start          utc.UTC // the start time - utc.Now() if zero
	Tags           map[string]interface{}
	AutoDeactivate bool           // true if the span is published through an active-span store
	IDs            IDGenerator    // RandomIDs() if nil
	OnFinish       func(sp *Span) // called exactly once, after the end time has been recorded
}

// Span is a named and timed operation. A span knows its identity and its parent's identity, but not where (or
// whether) it is published as the active span: that is done through the finish hook set by its creator.
//
// Tags may be set from any goroutine. After Finish, the span is immutable.
type Span struct {
	mutex    sync.Mutex
	ctx      SpanContext
	parentID string
	name     string
	auto     bool
	state    atomic.Int32
	start    utc.UTC
	end      utc.UTC
	tags     map[string]interface{}
	onFinish func(sp *Span)
}

// NewSpan creates a new span in state StateCreated, or StateActive if opts.AutoDeactivate is set. The trace id is
// inherited from the parent; root spans get a new trace id.
func NewSpan(opts Options) *Span {
	ids := opts.IDs
	if ids == nil {
		ids = RandomIDs()
	}
	s := &Span{
		name:     opts.Name,
		auto:     opts.AutoDeactivate,
		start:    opts.Start,
		onFinish: opts.OnFinish,
	}
	if s.start == utc.Zero {
		s.start = utc.Now()
	}
	if opts.Parent != nil {
		s.ctx.TraceID = opts.Parent.ctx.TraceID
		s.parentID = opts.Parent.ctx.SpanID
	} else {
		s.ctx.TraceID = ids.TraceID()
	}
	s.ctx.SpanID = ids.SpanID()
	if len(opts.Tags) > 0 {
		s.tags = make(map[string]interface{}, len(opts.Tags))
		for k, v := range opts.Tags {
			s.tags[k] = v
		}
	}
	if s.auto {
		s.state.Store(int32(StateActive))
	}
	return s
}

func (s *Span) Context() SpanContext {
	return s.ctx
}

// ParentID returns the span id of the parent or the empty string for a root span.
func (s *Span) ParentID() string {
	return s.parentID
}

// IsRoot returns true if the span has no parent.
func (s *Span) IsRoot() bool {
	return s.parentID == ""
}

func (s *Span) OperationName() string {
	return s.name
}

// AutoDeactivate returns true if the span was created through the active-span path and is therefore removed from the
// active-span store when it finishes.
func (s *Span) AutoDeactivate() bool {
	return s.auto
}

func (s *Span) State() State {
	return State(s.state.Load())
}

func (s *Span) IsFinished() bool {
	return s.State() == StateFinished
}

// MarkActive moves a created span to StateActive. Returns an ErrInvalidSpanState error if the span has finished.
func (s *Span) MarkActive() error {
	if s.state.CAS(int32(StateCreated), int32(StateActive)) {
		return nil
	}
	if s.IsFinished() {
		return errors.E("Span.MarkActive", errors.K.Invalid, ErrInvalidSpanState,
			"span", s.name,
			"span_id", s.ctx.SpanID,
			"state", StateFinished)
	}
	return nil
}

// SetTag sets a tag on the span. Ignored if the span has finished.
func (s *Span) SetTag(key string, val interface{}) *Span {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.end != utc.Zero {
		log.Debug("tag on finished span ignored", "span", s.name, "tag", key)
		return s
	}
	if s.tags == nil {
		s.tags = make(map[string]interface{})
	}
	s.tags[key] = val
	return s
}

// Tag returns the value of the given tag.
func (s *Span) Tag(key string) (interface{}, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	v, ok := s.tags[key]
	return v, ok
}

// Tags returns a copy of the span's tags.
func (s *Span) Tags() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	res := make(map[string]interface{}, len(s.tags))
	for k, v := range s.tags {
		res[k] = v
	}
	return res
}

// TagKeys returns the sorted tag keys.
func (s *Span) TagKeys() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	keys := make([]string, 0, len(s.tags))
	for k := range s.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Span) StartTime() utc.UTC {
	return s.start
}

// EndTime returns the end time or utc.Zero if the span has not finished.
func (s *Span) EndTime() utc.UTC {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.end
}

// Duration returns the duration of a finished span, 0 otherwise.
func (s *Span) Duration() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.end == utc.Zero {
		return 0
	}
	return s.end.Sub(s.start)
}

// Finish finishes the span with the current time. See FinishAt.
func (s *Span) Finish() error {
	return s.FinishAt(utc.Now())
}

// FinishAt records the given end time, moves the span to StateFinished and calls the finish hook. Only the first call
// has an effect: any further call returns an ErrInvalidSpanState error and leaves the span, its store and its
// recorder untouched.
func (s *Span) FinishAt(end utc.UTC) error {
	for {
		st := s.state.Load()
		if State(st) == StateFinished {
			return errors.E("Span.Finish", errors.K.Invalid, ErrInvalidSpanState,
				"reason", "span already finished",
				"span", s.name,
				"span_id", s.ctx.SpanID)
		}
		if s.state.CAS(st, int32(StateFinished)) {
			break
		}
	}

	s.mutex.Lock()
	if end.Sub(s.start) < 0 {
		end = s.start
	}
	s.end = end
	s.mutex.Unlock()

	if s.onFinish != nil {
		s.onFinish(s)
	}
	return nil
}

type spanData struct {
	Name     string                 `json:"name"`
	TraceID  string                 `json:"trace_id"`
	SpanID   string                 `json:"span_id"`
	ParentID string                 `json:"parent_id,omitempty"`
	Start    utc.UTC                `json:"start"`
	End      *utc.UTC               `json:"end,omitempty"`
	Duration string                 `json:"time,omitempty"`
	Tags     map[string]interface{} `json:"tags,omitempty"`
}

func (s *Span) MarshalJSON() ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data := spanData{
		Name:     s.name,
		TraceID:  s.ctx.TraceID,
		SpanID:   s.ctx.SpanID,
		ParentID: s.parentID,
		Start:    s.start,
		Tags:     s.tags,
	}
	if s.end != utc.Zero {
		end := s.end
		data.End = &end
		data.Duration = s.end.Sub(s.start).String()
	}
	return json.Marshal(data)
}

// Json converts the span to its JSON representation.
func (s *Span) Json() string {
	res, err := s.MarshalJSON()
	if err != nil {
		return "failed to marshal span: " + err.Error()
	}
	return string(res)
}

func (s *Span) String() string {
	if s == nil {
		return "<nil>"
	}
	return s.name + "[" + s.ctx.SpanID + "]"
}
