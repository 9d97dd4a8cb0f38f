package activespan

import (
	"sync"

	"github.com/eluv-io/errors-go"
	"go.uber.org/atomic"

	"github.com/eluv-io/activespan-go/trace"
)

// NewScopeStore creates a store that propagates active spans along explicit callback chains.
func NewScopeStore() *ScopeStore {
	return &ScopeStore{}
}

// ScopeStore is a Store for callback-driven code, where a logical operation hops between callbacks that are scheduled
// on an event loop. The execution context is the chain of Scopes that is installed while a callback runs:
//
//   - Enter installs a new Scope on top of the current chain; Scope.Exit removes it again. Enter and Exit must be
//     strictly nested.
//   - Wrap captures the current chain. The wrapped function runs within the captured chain, whenever and from
//     wherever it is called, and therefore sees the same current span as the code that wrapped it.
//   - Functions that are not wrapped (or are wrapped with Detach) run in whatever chain is installed when they are
//     called, usually none.
//
// Spans are activated in the innermost active scope. Current returns the top span of the innermost active scope
// holding one, so nested scopes see the spans of their enclosing scopes.
//
// The chain is state of the store, not of a goroutine: callbacks of one store must be run one at a time, e.g. by a
// single Loop.
type ScopeStore struct {
	mutex sync.Mutex
	head  *frame
}

// frame is an immutable link of a scope chain.
type frame struct {
	scope  *Scope
	parent *frame
}

func (f *frame) contains(o *frame) bool {
	for ; f != nil; f = f.parent {
		if f == o {
			return true
		}
	}
	return false
}

// Enter installs a new scope on top of the current chain.
func (s *ScopeStore) Enter() *Scope {
	sc := &Scope{
		store: s,
		done:  make(chan struct{}),
	}
	sc.active.Store(true)
	sc.refs.Store(1)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	sc.prev = s.head
	sc.own = &frame{scope: sc, parent: s.head}
	s.head = sc.own
	return sc
}

// Run runs fn within a new scope and returns the error of the scope's Exit.
func (s *ScopeStore) Run(fn func()) (err error) {
	sc := s.Enter()
	defer func() {
		if e := sc.Exit(); e != nil && err == nil {
			err = e
		}
	}()
	fn()
	return nil
}

// Wrap returns a function that runs fn within the scope chain that is current at the time of the call to Wrap. Each
// scope of the captured chain stays referenced until the returned function has run once. The returned function may be
// called any number of times; scopes that are already done are not referenced again.
func (s *ScopeStore) Wrap(fn func()) func() {
	s.mutex.Lock()
	captured := s.head
	s.mutex.Unlock()

	var retained []*Scope
	for f := captured; f != nil; f = f.parent {
		if f.scope.retain() {
			retained = append(retained, f.scope)
		}
	}
	var once sync.Once
	return func() {
		defer once.Do(func() {
			for _, sc := range retained {
				sc.release()
			}
		})
		s.runIn(captured, fn)
	}
}

// Detach returns a function that runs fn with an empty scope chain.
func (s *ScopeStore) Detach(fn func()) func() {
	return func() {
		s.runIn(nil, fn)
	}
}

// isolate runs fn in a new scope holding top, on an otherwise empty chain.
func (s *ScopeStore) isolate(top *activation, fn func()) {
	s.runIn(nil, func() {
		sc := s.Enter()
		s.mutex.Lock()
		sc.top = top
		s.mutex.Unlock()
		defer func() {
			if err := sc.Exit(); err != nil {
				log.Warn("isolated scope exited inconsistently", "error", err)
			}
		}()
		fn()
	})
}

func (s *ScopeStore) runIn(chain *frame, fn func()) {
	s.mutex.Lock()
	prev := s.head
	s.head = chain
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		s.head = prev
		s.mutex.Unlock()
	}()
	fn()
}

func (s *ScopeStore) Activate(sp *trace.Span) {
	if sp == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for f := s.head; f != nil; f = f.parent {
		if f.scope.active.Load() {
			f.scope.top = f.scope.top.push(sp)
			return
		}
	}
	log.Debug("activate ignored: no active scope", "span", sp)
}

func (s *ScopeStore) Current() *trace.Span {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if sc := s.owner(); sc != nil {
		return sc.top.top()
	}
	return nil
}

func (s *ScopeStore) Deactivate(sp *trace.Span) {
	if sp == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	sc := s.owner()
	if sc == nil {
		logNotOnTop("scope", sp, nil)
		return
	}
	top, ok := sc.top.pop(sp)
	if !ok {
		logNotOnTop("scope", sp, sc.top.top())
		return
	}
	sc.top = top
}

// owner returns the innermost active scope holding a span. The mutex must be held.
func (s *ScopeStore) owner() *Scope {
	for f := s.head; f != nil; f = f.parent {
		if f.scope.active.Load() && f.scope.top != nil {
			return f.scope
		}
	}
	return nil
}

// ---------------------------------------------------------------------------------------------------------------------

// Scope is a frame of a ScopeStore's chain. It holds the stack of spans activated while it is the innermost active
// scope.
type Scope struct {
	store  *ScopeStore
	prev   *frame      // the chain replaced by Enter
	own    *frame      // the chain installed by Enter
	top    *activation // guarded by store.mutex
	exited bool        // guarded by store.mutex
	active atomic.Bool
	refs   atomic.Int32
	done   chan struct{}
}

// Exit removes the scope from the chain. It returns an ErrPropagationInconsistency error if the chain is not the one
// installed by Enter:
//
//   - a scope that is still part of the chain (e.g. an enclosing scope exited before the scopes nested in it) is
//     removed together with everything stacked on top of it
//   - a scope that is not part of the chain anymore (double exit, or the chain was swapped by a callback) leaves the
//     chain untouched
func (sc *Scope) Exit() error {
	s := sc.store
	e := errors.Template("Scope.Exit", errors.K.Invalid)

	s.mutex.Lock()
	if sc.exited {
		s.mutex.Unlock()
		return e(ErrPropagationInconsistency, "reason", "scope exited twice")
	}
	sc.exited = true
	final := s.head
	inChain := final.contains(sc.own)
	if inChain {
		s.head = sc.prev
	}
	s.mutex.Unlock()

	sc.release()

	switch {
	case !inChain:
		return e(ErrPropagationInconsistency, "reason", "scope not found in current chain (may be caused by a suspension within the scope)")
	case final != sc.own:
		return e(ErrPropagationInconsistency, "reason", "nested scopes not exited")
	}
	return nil
}

// Deactivate makes the scope transparent: it is skipped when looking up or activating spans.
func (sc *Scope) Deactivate() {
	sc.active.Store(false)
}

// Active returns false if the scope has been deactivated.
func (sc *Scope) Active() bool {
	return sc.active.Load()
}

// Done returns a channel that is closed once the scope has exited and every function wrapped within it has run.
func (sc *Scope) Done() <-chan struct{} {
	return sc.done
}

// retain adds a reference to the scope, unless all references are already gone and Done is closed.
func (sc *Scope) retain() bool {
	for {
		n := sc.refs.Load()
		if n <= 0 {
			return false
		}
		if sc.refs.CAS(n, n+1) {
			return true
		}
	}
}

func (sc *Scope) release() {
	if sc.refs.Dec() == 0 {
		close(sc.done)
	}
}
