package activespan

import (
	elog "github.com/eluv-io/log-go"

	"github.com/eluv-io/activespan-go/trace"
)

var log = elog.Get("/eluvio/activespan")

// Store tracks a stack of active spans for each execution context.
type Store interface {
	// Activate makes sp the current span of the calling execution context. The previously current span is restored
	// when sp is deactivated. Nil spans are ignored. The span's state is not checked: finished spans are accepted too,
	// use Tracer.Activate to reject them.
	Activate(sp *trace.Span)

	// Current returns the current span of the calling execution context or nil if there is none.
	Current() *trace.Span

	// Deactivate restores the span that was current before sp was activated, but only if sp is the current span of
	// the calling execution context. Otherwise the call is a no-op.
	Deactivate(sp *trace.Span)
}

// Resetter is implemented by stores whose execution contexts may be reused, e.g. goroutines of a worker pool.
type Resetter interface {
	// Reset drops the stack of the calling execution context.
	Reset()
}

// activation is the record pushed for each Activate call. It links to the record that was current before and is
// restored on deactivation.
type activation struct {
	span    *trace.Span
	restore *activation
}

func (a *activation) top() *trace.Span {
	if a == nil {
		return nil
	}
	return a.span
}

// push returns the new top record after activating sp on top of a.
func (a *activation) push(sp *trace.Span) *activation {
	return &activation{span: sp, restore: a}
}

// pop returns the new top record after deactivating sp and true, or a and false if sp is not on top.
func (a *activation) pop(sp *trace.Span) (*activation, bool) {
	if a == nil || a.span != sp {
		return a, false
	}
	return a.restore, true
}

func logNotOnTop(store string, sp, top *trace.Span) {
	if !log.IsDebug() {
		return
	}
	log.Debug("deactivate ignored: span not on top",
		"store", store,
		"span", sp,
		"current", top)
}

// isolator is implemented by stores that can temporarily replace the whole stack of the calling execution context.
type isolator interface {
	// isolate runs fn with top as the stack of the calling execution context and restores the previous stack when fn
	// returns.
	isolate(top *activation, fn func())
}

// Inherit captures the span that is current in the calling execution context and returns a function that runs fn
// with that span installed as the current span of whatever context it is called in. Use it to hand work over to
// another goroutine or task:
//
//	go activespan.Inherit(store, work)()
//	pool.Submit(activespan.Inherit(store, work))
//
// While fn runs, the span is the only span on the stack of the executing context. The stack the context had before is
// restored when fn returns, so the returned function may also run inline in the capturing context itself.
func Inherit(store Store, fn func()) func() {
	snapshot := store.Current()
	return func() {
		sp := snapshot
		snapshot = nil
		run(store, sp, fn)
	}
}

// Detach returns a function that runs fn without any active span, regardless of what is active in the context it is
// called in. The context's stack is restored when fn returns.
func Detach(store Store, fn func()) func() {
	return func() {
		run(store, nil, fn)
	}
}

func run(store Store, sp *trace.Span, fn func()) {
	if is, ok := store.(isolator); ok {
		var top *activation
		if sp != nil {
			top = top.push(sp)
		}
		is.isolate(top, fn)
		return
	}
	if sp != nil {
		store.Activate(sp)
		defer store.Deactivate(sp)
	}
	fn()
}
