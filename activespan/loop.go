package activespan

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// NewLoop creates a callback loop.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Loop runs posted callbacks one at a time, in the order they were posted. Callbacks run on the goroutine that calls
// Run or RunPending. Posting does not propagate anything: use ScopeStore.Wrap to have a callback continue the scope
// chain of the code posting it.
type Loop struct {
	mutex sync.Mutex
	queue deque.Deque // func()
	wake  chan struct{}
}

// Post adds fn to the end of the queue. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mutex.Lock()
	l.queue.PushBack(fn)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending callbacks.
func (l *Loop) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.queue.Len()
}

// RunPending runs callbacks until the queue is empty, including callbacks posted by the callbacks it runs. Returns the
// number of callbacks run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mutex.Lock()
		if l.queue.Len() == 0 {
			l.mutex.Unlock()
			return n
		}
		fn := l.queue.PopFront().(func())
		l.mutex.Unlock()

		fn()
		n++
	}
}

// Run runs callbacks as they are posted until ctx is cancelled. Returns the context's error.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
