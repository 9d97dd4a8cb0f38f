package traceutil_test

import (
	"context"
	"io"
	"testing"

	"github.com/eluv-io/errors-go"
	"github.com/eluv-io/utc-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eluv-io/activespan-go/activespan"
	"github.com/eluv-io/activespan-go/trace"
	"github.com/eluv-io/activespan-go/traceutil"
)

func TestStartActiveSpan(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	require.Nil(t, tt.ActiveSpan())

	outer := tt.StartActiveSpan("outer", traceutil.WithTag("k", "v"))
	require.Same(t, outer, tt.ActiveSpan())
	require.True(t, outer.AutoDeactivate())
	require.Equal(t, trace.StateActive, outer.State())
	require.True(t, outer.IsRoot())
	v, ok := outer.Tag("k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	inner := tt.StartActiveSpan("inner")
	require.Same(t, inner, tt.ActiveSpan())
	require.Equal(t, outer.Context().SpanID, inner.ParentID())
	require.Equal(t, outer.Context().TraceID, inner.Context().TraceID)

	require.NoError(t, inner.Finish())
	require.Same(t, outer, tt.ActiveSpan())

	require.NoError(t, outer.Finish())
	require.Nil(t, tt.ActiveSpan())

	require.Equal(t, []string{"inner", "outer"}, tt.Recorder.Names())
}

func TestChildOf(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	outer := tt.StartActiveSpan("outer")
	other := tt.StartManualSpan("other")

	sp := tt.StartActiveSpan("child-of-other", traceutil.ChildOf(other))
	require.Equal(t, other.Context().SpanID, sp.ParentID())
	require.Same(t, sp, tt.ActiveSpan())

	root := tt.StartActiveSpan("root", traceutil.ChildOf(nil))
	require.True(t, root.IsRoot())
	require.NotEqual(t, outer.Context().TraceID, root.Context().TraceID)

	require.NoError(t, root.Finish())
	require.NoError(t, sp.Finish())
	require.Same(t, outer, tt.ActiveSpan())
	require.NoError(t, outer.Finish())
	require.NoError(t, other.Finish())
}

func TestStartManualSpan(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	outer := tt.StartActiveSpan("outer")
	start := utc.UnixMilli(1000)
	sp := tt.StartManualSpan("manual", traceutil.WithStartTime(start), traceutil.WithTags(map[string]interface{}{
		"a": 1,
		"b": 2,
	}))

	require.Same(t, outer, tt.ActiveSpan())
	require.True(t, sp.IsRoot())
	require.False(t, sp.AutoDeactivate())
	require.Equal(t, trace.StateCreated, sp.State())
	require.Equal(t, start, sp.StartTime())
	require.Equal(t, []string{"a", "b"}, sp.TagKeys())

	require.NoError(t, tt.Finish(sp, utc.UnixMilli(3000)))
	require.Equal(t, "2s", sp.Duration().String())
	require.Same(t, outer, tt.ActiveSpan())
	require.Equal(t, []string{"manual"}, tt.Recorder.Names())

	require.NoError(t, tt.Finish(outer))
	require.Error(t, tt.Finish(nil))
}

func TestAutoRestore(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	a := tt.StartActiveSpan("a")
	b := tt.StartActiveSpan("b")
	c := tt.StartActiveSpan("c")

	require.NoError(t, c.Finish())
	require.Same(t, b, tt.ActiveSpan())

	// finishing out of order leaves the current span untouched
	require.NoError(t, a.Finish())
	require.Same(t, b, tt.ActiveSpan())

	// b restores its restore target, even though a has finished meanwhile
	require.NoError(t, b.Finish())
	require.Same(t, a, tt.ActiveSpan())
	tt.Store().Deactivate(a)
	require.Nil(t, tt.ActiveSpan())
	require.Equal(t, []string{"c", "a", "b"}, tt.Recorder.Names())
}

func TestDoubleFinish(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	a := tt.StartActiveSpan("a")
	b := tt.StartActiveSpan("b")
	end := b.EndTime()
	require.Equal(t, utc.Zero, end)

	require.NoError(t, b.Finish())
	end = b.EndTime()
	require.Same(t, a, tt.ActiveSpan())

	// b is not the current span anymore; a second finish must not pop a
	c := tt.StartActiveSpan("c")
	err := b.Finish()
	require.Error(t, err)
	require.True(t, trace.IsInvalidSpanState(err))
	require.True(t, errors.IsKind(errors.K.Invalid, err))
	require.Equal(t, end, b.EndTime())
	require.Same(t, c, tt.ActiveSpan())
	require.Equal(t, []string{"b"}, tt.Recorder.Names())

	err = tt.Finish(b)
	require.True(t, trace.IsInvalidSpanState(err))
	require.Equal(t, 1, tt.Recorder.Len())

	require.NoError(t, c.Finish())
	require.NoError(t, a.Finish())
}

func TestActivate(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	sp := tt.StartManualSpan("manual")
	release, err := tt.Activate(sp)
	require.NoError(t, err)
	require.Same(t, sp, tt.ActiveSpan())
	require.Equal(t, trace.StateActive, sp.State())

	child := tt.StartActiveSpan("child")
	require.Equal(t, sp.Context().SpanID, child.ParentID())
	require.NoError(t, child.Finish())

	// finishing a manual span does not deactivate it
	require.NoError(t, sp.Finish())
	require.Same(t, sp, tt.ActiveSpan())
	release()
	require.Nil(t, tt.ActiveSpan())

	release, err = tt.Activate(sp)
	require.Error(t, err)
	require.True(t, trace.IsInvalidSpanState(err))
	require.Nil(t, tt.ActiveSpan())
	release()

	_, err = tt.Activate(nil)
	require.Error(t, err)
}

func TestWithActiveSpan(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		tt := traceutil.NewTestTracer(nil)
		var inside *trace.Span
		err := tt.WithActiveSpan("op", func(sp *trace.Span) error {
			inside = tt.ActiveSpan()
			require.Same(t, sp, inside)
			return nil
		})
		require.NoError(t, err)
		require.True(t, inside.IsFinished())
		require.Nil(t, tt.ActiveSpan())
		_, tagged := inside.Tag("error")
		require.False(t, tagged)
	})

	t.Run("error", func(t *testing.T) {
		tt := traceutil.NewTestTracer(nil)
		err := tt.WithActiveSpan("op", func(sp *trace.Span) error {
			return io.EOF
		})
		require.Equal(t, io.EOF, err)
		sp := tt.Recorder.FindByName("op")
		require.NotNil(t, sp)
		v, _ := sp.Tag("error")
		require.Equal(t, true, v)
		v, _ = sp.Tag("error.message")
		require.Equal(t, "EOF", v)
		require.Nil(t, tt.ActiveSpan())
	})

	t.Run("panic", func(t *testing.T) {
		tt := traceutil.NewTestTracer(nil)
		outer := tt.StartActiveSpan("outer")
		require.PanicsWithValue(t, "boom", func() {
			_ = tt.WithActiveSpan("op", func(sp *trace.Span) error {
				panic("boom")
			})
		})
		sp := tt.Recorder.FindByName("op")
		require.NotNil(t, sp)
		require.True(t, sp.IsFinished())
		v, _ := sp.Tag("error.message")
		require.Equal(t, "boom", v)
		require.Same(t, outer, tt.ActiveSpan())
		require.NoError(t, outer.Finish())
	})

	t.Run("finished inside", func(t *testing.T) {
		tt := traceutil.NewTestTracer(nil)
		err := tt.WithActiveSpan("op", func(sp *trace.Span) error {
			return sp.Finish()
		})
		require.NoError(t, err)
		require.Equal(t, 1, tt.Recorder.Len())
	})
}

func TestTracerGo(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	parent := tt.StartActiveSpan("parent")

	var inherited, detached *trace.Span
	var child *trace.Span
	done := tt.Go(func() {
		inherited = tt.ActiveSpan()
		child = tt.StartActiveSpan("child")
		assert.NoError(t, child.Finish())
		assert.Same(t, parent, tt.ActiveSpan())
	})
	<-done
	<-tt.GoDetached(func() {
		detached = tt.ActiveSpan()
	})

	require.Same(t, parent, inherited)
	require.Nil(t, detached)
	require.Equal(t, parent.Context().SpanID, child.ParentID())
	require.Same(t, parent, tt.ActiveSpan())

	require.NoError(t, parent.Finish())
	require.Nil(t, tt.ActiveSpan())

	require.NotNil(t, tt.Trace)
	require.Equal(t, parent.Context().SpanID, tt.Trace.RootSpanID)
	require.Len(t, tt.Trace.RootSpan().Children, 1)
}

// A child goroutine finishing its span after the parent finished must not disturb the parent goroutine.
func TestTracerGoOutlivesParent(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	parent := tt.StartActiveSpan("parent")
	started := make(chan struct{})
	proceed := make(chan struct{})
	var child *trace.Span
	done := tt.Go(func() {
		child = tt.StartActiveSpan("child")
		close(started)
		<-proceed
		assert.NoError(t, child.Finish())
		assert.Same(t, parent, tt.ActiveSpan())
	})
	<-started
	require.NoError(t, parent.Finish())
	require.Nil(t, tt.ActiveSpan())

	close(proceed)
	<-done
	require.Nil(t, tt.ActiveSpan())
	require.Equal(t, parent.Context().SpanID, child.ParentID())
}

func TestTracerTaskBackend(t *testing.T) {
	sched := activespan.NewScheduler()
	tt := traceutil.NewTestTracer(activespan.NewTaskStore(sched))

	parents := map[string]string{}
	for _, name := range []string{"t1", "t2", "t3"} {
		name := name
		sched.Spawn(name, func(task *activespan.Task) {
			sp := tt.StartActiveSpan(name)
			task.Yield()
			sub := tt.StartActiveSpan(name + "-sub")
			task.Yield()
			parents[sub.OperationName()] = sub.ParentID()
			assert.NoError(t, sub.Finish())
			task.Yield()
			assert.Same(t, sp, tt.ActiveSpan())
			assert.NoError(t, sp.Finish())
			assert.Nil(t, tt.ActiveSpan())
		})
	}
	require.NoError(t, sched.Run())

	for _, name := range []string{"t1", "t2", "t3"} {
		require.Equal(t, tt.Recorder.FindByName(name).Context().SpanID, parents[name+"-sub"])
	}
}

func TestTracerScopeBackend(t *testing.T) {
	store := activespan.NewScopeStore()
	tt := traceutil.NewTestTracer(store)
	loop := activespan.NewLoop()

	// two requests whose continuations interleave on the same loop
	for _, name := range []string{"a", "b"} {
		name := name
		require.NoError(t, store.Run(func() {
			sp := tt.StartActiveSpan(name)
			loop.Post(store.Wrap(func() {
				require.Same(t, sp, tt.ActiveSpan())
				child := tt.StartActiveSpan(name + "-child")
				require.NoError(t, child.Finish())
				require.NoError(t, sp.Finish())
				require.Nil(t, tt.ActiveSpan())
			}))
		}))
	}
	require.Nil(t, tt.ActiveSpan())
	require.Equal(t, 2, loop.RunPending())

	for _, name := range []string{"a", "b"} {
		require.Equal(t,
			tt.Recorder.FindByName(name).Context().SpanID,
			tt.Recorder.FindByName(name+"-child").ParentID())
	}
	require.Nil(t, tt.ActiveSpan())
}

func TestNoopBackend(t *testing.T) {
	rec := traceutil.NewInMemoryRecorder()
	tracer := traceutil.NewTracer(nil, rec)

	sp := tracer.StartActiveSpan("a")
	require.Nil(t, tracer.ActiveSpan())
	sub := tracer.StartActiveSpan("b")
	require.True(t, sub.IsRoot())
	require.NoError(t, sub.Finish())
	require.NoError(t, sp.Finish())
	require.Equal(t, 2, rec.Len())
}

func TestContextWithActiveSpan(t *testing.T) {
	tt := traceutil.NewTestTracer(nil)

	ctx := context.Background()
	require.Equal(t, ctx, tt.ContextWithActiveSpan(ctx))

	sp := tt.StartActiveSpan("a")
	ctx = tt.ContextWithActiveSpan(ctx)
	require.Same(t, sp, trace.SpanFromContext(ctx))

	sub := tt.StartManualSpan("b", traceutil.ChildOf(trace.SpanFromContext(ctx)))
	require.Equal(t, sp.Context().SpanID, sub.ParentID())
	require.NoError(t, sp.Finish())
}
