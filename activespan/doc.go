// Package activespan tracks the span that is currently in progress for an execution context, so that code can find
// its parent span without passing it along every call chain.
//
// A Store keeps a stack of active spans per execution context. What an execution context is depends on the backend:
//
//   - GoroutineStore: the calling goroutine
//   - TaskStore: the running Task of a cooperative Scheduler
//   - ScopeStore: the innermost Scope of an explicitly propagated callback chain
//   - Noop: nothing, tracing is disabled
//
// Stacks are never shared between contexts. The only value crossing a context boundary is the span reference that
// Inherit (or TaskStore.Spawn, ScopeStore.Wrap) captures in the spawning context and installs in the new one:
//
//	store := activespan.NewGoroutineStore()
//	...
//	store.Go(func() {
//		parent := store.Current() // the span that was active when Go was called
//		...
//	})
//
// Deactivating a span that is not on top of the calling context's stack is a no-op. Spans finishing out of order, or
// from a different context, therefore never corrupt another span's or another context's state.
package activespan
