package iomanager

import (
	"sync"

	"github.com/joeycumines/go-iomanager/scheduler"
)

// defaultFDCapacity is the initial size of the fd table.
const defaultFDCapacity = 32

// eventContext is the pending action for one event kind on one fd.
type eventContext struct {
	sched *scheduler.Scheduler
	cb    func()
	fiber *scheduler.Fiber
}

func (x *eventContext) empty() bool {
	return x.sched == nil && x.cb == nil && x.fiber == nil
}

// action is an eventContext taken out of the table, ready to dispatch.
type action eventContext

// dispatch hands the action to its scheduler.
func (a action) dispatch() error {
	task := scheduler.Task{Fn: a.cb, Fiber: a.fiber, Worker: scheduler.AnyWorker}
	return a.sched.Schedule(task)
}

// fdContext tracks the registered interest for a single fd. events is
// always the union of the kinds whose eventContext is non-empty.
type fdContext struct {
	mu     sync.Mutex
	read   eventContext
	write  eventContext
	fd     int
	events Event
}

// context returns the eventContext for a single event kind.
func (x *fdContext) context(ev Event) *eventContext {
	switch ev {
	case EventRead:
		return &x.read
	case EventWrite:
		return &x.write
	default:
		panic("iomanager: invalid event kind " + ev.String())
	}
}

// arm installs an action. Caller holds mu.
func (x *fdContext) arm(ev Event, a action) {
	*x.context(ev) = eventContext(a)
	x.events |= ev
}

// clear removes interest in ev without returning the action. Caller holds mu.
func (x *fdContext) clear(ev Event) {
	*x.context(ev) = eventContext{}
	x.events &^= ev
}

// take removes interest in ev and returns its action. Caller holds mu.
func (x *fdContext) take(ev Event) action {
	ctx := x.context(ev)
	a := action(*ctx)
	*ctx = eventContext{}
	x.events &^= ev
	return a
}

// fdTable is a dense, fd indexed table of contexts. It grows on demand and
// never shrinks; slots are pointers, so growth never moves a context that
// another goroutine has locked.
type fdTable struct {
	mu      sync.RWMutex
	slots   []*fdContext
	initial int
}

func newFDTable(capacity int) *fdTable {
	if capacity <= 0 {
		capacity = defaultFDCapacity
	}
	t := &fdTable{initial: capacity}
	t.resize(capacity)
	return t
}

// resize grows the table to size. Caller holds mu for writing, or owns t.
func (t *fdTable) resize(size int) {
	if size <= len(t.slots) {
		return
	}
	slots := make([]*fdContext, size)
	copy(slots, t.slots)
	for i := len(t.slots); i < size; i++ {
		slots[i] = &fdContext{fd: i}
	}
	t.slots = slots
}

// get returns the context for fd, or nil if fd is beyond the table.
func (t *fdTable) get(fd int) *fdContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return t.slots[fd]
}

// getOrCreate returns the context for fd, growing the table to 1.5x the fd
// if required.
func (t *fdTable) getOrCreate(fd int) *fdContext {
	if c := t.get(fd); c != nil {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.slots) {
		t.resize(max(fd*3/2, fd+1, t.initial))
	}
	return t.slots[fd]
}

// capacity returns the current table size.
func (t *fdTable) capacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}
