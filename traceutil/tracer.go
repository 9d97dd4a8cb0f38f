package traceutil

import (
	"context"
	"fmt"

	"github.com/eluv-io/errors-go"
	"github.com/eluv-io/utc-go"

	"github.com/eluv-io/activespan-go/activespan"
	"github.com/eluv-io/activespan-go/trace"
	"github.com/eluv-io/activespan-go/util/goutil"
)

// NewTracer creates a tracer that publishes active spans in the given store and hands finished spans to the given
// recorder. A nil store disables active spans, a nil recorder drops finished spans.
func NewTracer(store activespan.Store, recorder Recorder, opts ...TracerOption) *Tracer {
	if store == nil {
		store = activespan.Noop()
	}
	if recorder == nil {
		recorder = NoopRecorder()
	}
	t := &Tracer{
		store:    store,
		recorder: recorder,
		ids:      trace.RandomIDs(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TracerOption configures a Tracer.
type TracerOption func(t *Tracer)

// WithIDs sets the id generator of the tracer.
func WithIDs(ids trace.IDGenerator) TracerOption {
	return func(t *Tracer) {
		if ids != nil {
			t.ids = ids
		}
	}
}

// Tracer starts spans, publishes them as active spans of the calling execution context and records them when they
// finish.
//
//	span := tracer.StartActiveSpan("request")
//	defer span.Finish()
//	...
//	sub := tracer.StartActiveSpan("query") // child of "request"
//	...
//	sub.Finish()                          // "request" is current again
type Tracer struct {
	store    activespan.Store
	recorder Recorder
	ids      trace.IDGenerator
}

// Store returns the tracer's active-span store.
func (t *Tracer) Store() activespan.Store {
	return t.store
}

// ActiveSpan returns the current span of the calling execution context or nil.
func (t *Tracer) ActiveSpan() *trace.Span {
	return t.store.Current()
}

// StartActiveSpan starts a new span and makes it the current span of the calling execution context. Its parent is the
// span that was current before, unless the ChildOf option is used. The span is deactivated again when it finishes.
func (t *Tracer) StartActiveSpan(name string, opts ...StartOption) *trace.Span {
	o := newStartOptions(opts)
	parent := o.parent
	if !o.explicitParent {
		parent = t.store.Current()
	}
	sp := t.newSpan(name, parent, o, true)
	t.store.Activate(sp)
	return sp
}

// StartManualSpan starts a new span without touching the active-span store. The span's parent is the one given with
// ChildOf; without it the span is the root of a new trace.
func (t *Tracer) StartManualSpan(name string, opts ...StartOption) *trace.Span {
	o := newStartOptions(opts)
	return t.newSpan(name, o.parent, o, false)
}

// Finish finishes the span at the given end time, or now. See trace.Span.FinishAt.
func (t *Tracer) Finish(sp *trace.Span, endTime ...utc.UTC) error {
	if sp == nil {
		return errors.E("Tracer.Finish", errors.K.Invalid, "reason", "span is nil")
	}
	if len(endTime) > 0 {
		return sp.FinishAt(endTime[0])
	}
	return sp.Finish()
}

// Activate makes an existing span - usually a manual span - the current span of the calling execution context. The
// returned function deactivates it again. Finished spans cannot be activated.
func (t *Tracer) Activate(sp *trace.Span) (release func(), err error) {
	e := errors.Template("Tracer.Activate", errors.K.Invalid)
	if sp == nil {
		return func() {}, e("reason", "span is nil")
	}
	if err = sp.MarkActive(); err != nil {
		return func() {}, e(err)
	}
	t.store.Activate(sp)
	return func() {
		t.store.Deactivate(sp)
	}, nil
}

// WithActiveSpan runs fn within a new active span. The span is finished when fn returns or panics. Errors and panics
// are tagged on the span; the panic is re-raised after the span has finished.
func (t *Tracer) WithActiveSpan(name string, fn func(sp *trace.Span) error, opts ...StartOption) (err error) {
	sp := t.StartActiveSpan(name, opts...)
	defer func() {
		r := recover()
		switch {
		case r != nil:
			sp.SetTag("error", true).SetTag("error.message", fmt.Sprint(r))
		case err != nil:
			sp.SetTag("error", true).SetTag("error.message", err.Error())
		}
		if !sp.IsFinished() {
			_ = sp.Finish()
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn(sp)
}

// Go runs fn in a new goroutine that inherits the calling goroutine's current span. The returned channel is closed
// when fn returns.
func (t *Tracer) Go(fn func()) <-chan struct{} {
	return goutil.Go("traceutil.inherit", activespan.Inherit(t.store, fn))
}

// GoDetached runs fn in a new goroutine without a current span. The returned channel is closed when fn returns.
func (t *Tracer) GoDetached(fn func()) <-chan struct{} {
	return goutil.Go("traceutil.detached", activespan.Detach(t.store, fn))
}

// ContextWithActiveSpan returns a context carrying the current span, for APIs that take the parent span from a
// context.Context. Returns ctx itself if there is no current span.
func (t *Tracer) ContextWithActiveSpan(ctx context.Context) context.Context {
	sp := t.store.Current()
	if sp == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, sp)
}

func (t *Tracer) newSpan(name string, parent *trace.Span, o *startOptions, active bool) *trace.Span {
	return trace.NewSpan(trace.Options{
		Name:           name,
		Parent:         parent,
		Start:          o.start,
		Tags:           o.tags,
		AutoDeactivate: active,
		IDs:            t.ids,
		OnFinish:       t.finished,
	})
}

// finished is the finish hook of all spans created by the tracer.
func (t *Tracer) finished(sp *trace.Span) {
	if sp.AutoDeactivate() {
		t.store.Deactivate(sp)
	}
	t.recorder.RecordSpan(sp)
}

// ---------------------------------------------------------------------------------------------------------------------

// StartOption configures a span started by a Tracer.
type StartOption func(o *startOptions)

type startOptions struct {
	parent         *trace.Span
	explicitParent bool
	start          utc.UTC
	tags           map[string]interface{}
}

func newStartOptions(opts []StartOption) *startOptions {
	o := &startOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ChildOf sets the parent of the new span explicitly. A nil parent starts a new trace.
func ChildOf(parent *trace.Span) StartOption {
	return func(o *startOptions) {
		o.parent = parent
		o.explicitParent = true
	}
}

// WithStartTime sets the start time of the new span.
func WithStartTime(start utc.UTC) StartOption {
	return func(o *startOptions) {
		o.start = start
	}
}

// WithTag sets a tag on the new span.
func WithTag(key string, val interface{}) StartOption {
	return func(o *startOptions) {
		if o.tags == nil {
			o.tags = map[string]interface{}{}
		}
		o.tags[key] = val
	}
}

// WithTags sets tags on the new span.
func WithTags(tags map[string]interface{}) StartOption {
	return func(o *startOptions) {
		for k, v := range tags {
			WithTag(k, v)(o)
		}
	}
}
