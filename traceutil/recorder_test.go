package traceutil_test

import (
	"sync"
	"testing"

	"github.com/eluv-io/apexlog-go/handlers/memory"
	elog "github.com/eluv-io/log-go"
	"github.com/eluv-io/utc-go"
	"github.com/stretchr/testify/require"

	"github.com/eluv-io/activespan-go/trace"
	"github.com/eluv-io/activespan-go/traceutil"
)

func TestLogRecorder(t *testing.T) {
	log := elog.New(&elog.Config{
		Level:   "info",
		Handler: "memory",
	})
	handler := log.Handler().(*memory.Handler)

	tracer := traceutil.NewTracer(nil, traceutil.NewLogRecorder(log), traceutil.WithIDs(trace.SequentialIDs()))
	root := tracer.StartManualSpan("root")
	sp := tracer.StartManualSpan("query",
		traceutil.ChildOf(root),
		traceutil.WithStartTime(utc.UnixMilli(0)),
		traceutil.WithTag("rows", 12),
		traceutil.WithTag("db", "users"))
	require.NoError(t, sp.FinishAt(utc.UnixMilli(3)))

	require.Len(t, handler.Entries, 1)
	entry := handler.Entries[0]
	require.Equal(t, "span", entry.Message)
	fields := entry.Fields.Map()
	require.Equal(t, "query", fields["name"])
	require.Equal(t, "s2", fields["id"])
	require.Equal(t, "t1", fields["trace_id"])
	require.Equal(t, "s1", fields["parent_id"])
	require.Equal(t, "db:users rows:12", fields["tags"])
}

func TestMultiRecorder(t *testing.T) {
	var names []string
	fn := traceutil.RecorderFunc(func(sp *trace.Span) {
		names = append(names, "fn:"+sp.OperationName())
	})
	mem := traceutil.NewInMemoryRecorder()
	tracer := traceutil.NewTracer(nil, traceutil.MultiRecorder(fn, nil, mem, traceutil.NoopRecorder()))

	require.NoError(t, tracer.StartManualSpan("a").Finish())
	require.NoError(t, tracer.StartManualSpan("b").Finish())

	require.Equal(t, []string{"fn:a", "fn:b"}, names)
	require.Equal(t, []string{"a", "b"}, mem.Names())
}

func TestInMemoryRecorder(t *testing.T) {
	mem := traceutil.NewInMemoryRecorder()
	tracer := traceutil.NewTracer(nil, mem)

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tracer.StartManualSpan("op").Finish()
		}()
	}
	wg.Wait()

	require.Equal(t, 10, mem.Len())
	require.Len(t, mem.Spans(), 10)
	require.NotNil(t, mem.FindByName("op"))
	require.Nil(t, mem.FindByName("missing"))

	mem.Reset()
	require.Equal(t, 0, mem.Len())
}
