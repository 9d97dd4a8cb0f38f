package activespan

import (
	"github.com/eluv-io/activespan-go/trace"
)

// NewTaskStore creates a store that keeps a stack of active spans per task of the given scheduler.
func NewTaskStore(sched *Scheduler) *TaskStore {
	return &TaskStore{sched: sched}
}

// TaskStore is a Store whose execution contexts are the tasks of a cooperative Scheduler. The stack is attached to the
// task itself, so it survives suspension points: a task resumes after Yield or Await with the same current span it had
// before.
//
// Tasks started with Scheduler.Spawn (or SpawnDetached) start with an empty stack; tasks started with Spawn inherit the
// spawning task's current span. Calls made outside of a running task see no current span and activations there are
// ignored.
type TaskStore struct {
	sched *Scheduler
}

func (s *TaskStore) Scheduler() *Scheduler {
	return s.sched
}

func (s *TaskStore) Activate(sp *trace.Span) {
	if sp == nil {
		return
	}
	t := s.sched.Current()
	if t == nil {
		log.Debug("activate ignored: not called from a running task", "span", sp)
		return
	}
	t.SetValue(s, s.top(t).push(sp))
}

func (s *TaskStore) Current() *trace.Span {
	t := s.sched.Current()
	if t == nil {
		return nil
	}
	return s.top(t).top()
}

func (s *TaskStore) Deactivate(sp *trace.Span) {
	if sp == nil {
		return
	}
	t := s.sched.Current()
	if t == nil {
		logNotOnTop("task", sp, nil)
		return
	}
	cur := s.top(t)
	top, ok := cur.pop(sp)
	if !ok {
		logNotOnTop("task", sp, cur.top())
		return
	}
	if top == nil {
		t.SetValue(s, nil)
		return
	}
	t.SetValue(s, top)
}

// Reset drops the stack of the running task.
func (s *TaskStore) Reset() {
	if t := s.sched.Current(); t != nil {
		t.SetValue(s, nil)
	}
}

func (s *TaskStore) isolate(top *activation, fn func()) {
	prev := s.swap(top)
	defer s.swap(prev)
	fn()
}

// swap installs top as the stack of the calling task and returns the stack it replaced.
func (s *TaskStore) swap(top *activation) *activation {
	t := s.sched.Current()
	if t == nil {
		return nil
	}
	prev := s.top(t)
	if top == nil {
		t.SetValue(s, nil)
	} else {
		t.SetValue(s, top)
	}
	return prev
}

// Spawn spawns a new task whose first action is to install the spawning context's current span as its own current
// span.
func (s *TaskStore) Spawn(name string, fn func(t *Task)) *Task {
	snapshot := s.Current()
	return s.sched.Spawn(name, func(t *Task) {
		sp := snapshot
		snapshot = nil
		run(s, sp, func() { fn(t) })
	})
}

// SpawnDetached spawns a new task that starts without a current span.
func (s *TaskStore) SpawnDetached(name string, fn func(t *Task)) *Task {
	return s.sched.Spawn(name, fn)
}

func (s *TaskStore) top(t *Task) *activation {
	a, _ := t.Value(s).(*activation)
	return a
}
