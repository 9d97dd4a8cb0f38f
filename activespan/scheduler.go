package activespan

import (
	"sync"

	"github.com/eluv-io/errors-go"
	"github.com/gammazero/deque"

	"github.com/eluv-io/activespan-go/util/goutil"
)

// NewScheduler creates a cooperative scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{yield: make(chan struct{})}
}

// Scheduler runs tasks cooperatively: exactly one task runs at any time, and control only passes to another task when
// the running task calls Yield or Await, or returns. Each task runs on its own goroutine, but the scheduler hands a
// single baton between them, so tasks behave like coroutines on a single-threaded event loop.
//
//	sched := activespan.NewScheduler()
//	sched.Spawn("job", func(t *activespan.Task) {
//		...
//		t.Yield()
//		...
//	})
//	err := sched.Run()
type Scheduler struct {
	mutex   sync.Mutex  // guards all fields below and the scheduling fields of tasks
	ready   deque.Deque // *Task
	current *Task
	yield   chan struct{} // signaled by the running task when it hands control back
	live    int
	seq     int64
	err     error
}

// Spawn adds a new task to the end of the ready queue. It may be called before Run or from within a running task.
func (s *Scheduler) Spawn(name string, fn func(t *Task)) *Task {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.seq++
	t := &Task{
		sched:  s,
		id:     s.seq,
		name:   name,
		fn:     fn,
		resume: make(chan struct{}),
	}
	s.live++
	s.ready.PushBack(t)
	return t
}

// Current returns the running task if called from that task's goroutine, nil otherwise.
func (s *Scheduler) Current() *Task {
	gid := goutil.GoID()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.current == nil || s.current.gid != gid {
		return nil
	}
	return s.current
}

// Run runs ready tasks until none is left. It returns an error if a task panicked or if tasks remain that are blocked
// forever in Await.
func (s *Scheduler) Run() error {
	for {
		s.mutex.Lock()
		if s.ready.Len() == 0 {
			err, live := s.err, s.live
			s.err = nil
			s.mutex.Unlock()
			if err != nil {
				return err
			}
			if live > 0 {
				return errors.E("Scheduler.Run", errors.K.Invalid,
					"reason", "tasks blocked forever",
					"blocked", live)
			}
			return nil
		}
		t := s.ready.PopFront().(*Task)
		s.current = t
		start := !t.started
		t.started = true
		s.mutex.Unlock()

		if start {
			go t.run()
		} else {
			t.resume <- struct{}{}
		}
		<-s.yield

		s.mutex.Lock()
		s.current = nil
		s.mutex.Unlock()
	}
}

// handOver passes control back to the scheduler and blocks until the task is resumed.
func (s *Scheduler) handOver(t *Task) {
	s.yield <- struct{}{}
	<-t.resume
}

// ---------------------------------------------------------------------------------------------------------------------

// Task is a unit of work run by a Scheduler. A task carries a set of opaque values that other components (like
// TaskStore) use to attach per-task state.
type Task struct {
	sched   *Scheduler
	id      int64
	name    string
	fn      func(t *Task)
	resume  chan struct{}
	gid     int64
	started bool
	done    bool
	waiters []*Task
	vmu     sync.Mutex
	values  map[interface{}]interface{}
}

func (t *Task) ID() int64 {
	return t.id
}

func (t *Task) Name() string {
	return t.name
}

// Done returns true if the task's function has returned.
func (t *Task) Done() bool {
	t.sched.mutex.Lock()
	defer t.sched.mutex.Unlock()

	return t.done
}

// Yield suspends the task and moves it to the end of the ready queue. Must be called from the task itself.
func (t *Task) Yield() {
	s := t.sched
	t.mustRun("Task.Yield")

	s.mutex.Lock()
	s.ready.PushBack(t)
	s.mutex.Unlock()

	s.handOver(t)
}

// Await suspends the task until other is done. Returns immediately if other is already done. Must be called from the
// task itself.
func (t *Task) Await(other *Task) {
	s := t.sched
	t.mustRun("Task.Await")

	s.mutex.Lock()
	if other.done || other == t {
		s.mutex.Unlock()
		return
	}
	other.waiters = append(other.waiters, t)
	s.mutex.Unlock()

	s.handOver(t)
}

// Value returns the value stored for key or nil.
func (t *Task) Value(key interface{}) interface{} {
	t.vmu.Lock()
	defer t.vmu.Unlock()

	return t.values[key]
}

// SetValue stores val for key. A nil value removes the key.
func (t *Task) SetValue(key, val interface{}) {
	t.vmu.Lock()
	defer t.vmu.Unlock()

	if val == nil {
		delete(t.values, key)
		return
	}
	if t.values == nil {
		t.values = make(map[interface{}]interface{})
	}
	t.values[key] = val
}

func (t *Task) String() string {
	return t.name
}

func (t *Task) mustRun(op string) {
	if t.sched.Current() != t {
		panic(errors.E(op, errors.K.Invalid, "reason", "not called from the running task", "task", t.name))
	}
}

func (t *Task) run() {
	s := t.sched
	s.mutex.Lock()
	t.gid = goutil.GoID()
	s.mutex.Unlock()

	defer t.exit()
	t.fn(t)
}

// exit marks the task done, wakes up the tasks awaiting it and hands control back to the scheduler for good.
func (t *Task) exit() {
	r := recover()
	s := t.sched

	s.mutex.Lock()
	if r != nil {
		log.Error("task panicked", "task", t.name, "panic", r)
		if s.err == nil {
			s.err = errors.E("Scheduler.Run", errors.K.Internal, "task", t.name, "panic", r)
		}
	}
	t.done = true
	s.live--
	for _, w := range t.waiters {
		s.ready.PushBack(w)
	}
	t.waiters = nil
	s.mutex.Unlock()

	s.yield <- struct{}{}
}
