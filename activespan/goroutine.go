package activespan

import (
	"sync"

	"github.com/eluv-io/activespan-go/trace"
	"github.com/eluv-io/activespan-go/util/goutil"
)

// NewGoroutineStore creates a store that keeps a stack of active spans per goroutine.
func NewGoroutineStore() *GoroutineStore {
	return &GoroutineStore{stacks: map[int64]*entry{}}
}

// GoroutineStore is a Store whose execution contexts are goroutines. It is essentially a thread-local implementation:
// a new goroutine starts without a current span unless it was launched with Go (or runs a function wrapped with
// Inherit).
type GoroutineStore struct {
	stacks map[int64]*entry
	mutex  sync.Mutex // guards access to stacks map
}

// entry is the struct stored in the stacks map - one per goroutine. The top record is not directly stored in the map,
// so that it can be modified without modifying the map.
type entry struct {
	top *activation
}

func (s *GoroutineStore) Activate(sp *trace.Span) {
	if sp == nil {
		return
	}
	e := s.entry(true)
	// modification of the entry requires no locking, since the entry is unique for each goroutine.
	e.top = e.top.push(sp)
}

func (s *GoroutineStore) Current() *trace.Span {
	e := s.entry(false)
	if e == nil {
		return nil
	}
	return e.top.top()
}

// Deactivate pops sp if it is on top of the calling goroutine's stack and removes the stack altogether if it becomes
// empty.
func (s *GoroutineStore) Deactivate(sp *trace.Span) {
	if sp == nil {
		return
	}
	e := s.entry(false)
	if e == nil {
		logNotOnTop("goroutine", sp, nil)
		return
	}
	top, ok := e.top.pop(sp)
	if !ok {
		logNotOnTop("goroutine", sp, e.top.top())
		return
	}
	e.top = top
	if top == nil {
		s.remove()
	}
}

// Reset drops the calling goroutine's stack.
func (s *GoroutineStore) Reset() {
	s.remove()
}

func (s *GoroutineStore) isolate(top *activation, fn func()) {
	prev := s.swap(top)
	defer s.swap(prev)
	fn()
}

// swap installs top as the stack of the calling goroutine and returns the stack it replaced.
func (s *GoroutineStore) swap(top *activation) *activation {
	gid := goutil.GoID()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var prev *activation
	e, ok := s.stacks[gid]
	if ok {
		prev = e.top
	}
	if top == nil {
		delete(s.stacks, gid)
		return prev
	}
	if !ok {
		e = &entry{}
		s.stacks[gid] = e
	}
	e.top = top
	return prev
}

// Go starts fn in a new goroutine with the calling goroutine's current span installed as the new goroutine's current
// span. The returned channel is closed when fn returns.
func (s *GoroutineStore) Go(fn func()) <-chan struct{} {
	return goutil.Go("activespan.inherit", Inherit(s, fn))
}

// GoDetached starts fn in a new goroutine without a current span. The returned channel is closed when fn returns.
func (s *GoroutineStore) GoDetached(fn func()) <-chan struct{} {
	return goutil.Go("activespan.detached", Detach(s, fn))
}

// Len returns the number of goroutines with a non-empty stack.
func (s *GoroutineStore) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.stacks)
}

// entry returns the entry for the current goroutine. Creates an new entry if necessary and "create" is true.
func (s *GoroutineStore) entry(create bool) *entry {
	gid := goutil.GoID()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.stacks[gid]
	if !ok && create {
		e = &entry{}
		s.stacks[gid] = e
	}
	return e
}

func (s *GoroutineStore) remove() {
	gid := goutil.GoID()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.stacks, gid)
}
