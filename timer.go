package iomanager

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// Timer is a handle to a scheduled callback, returned by
// [TimerManager.AddTimer].
type Timer struct {
	mgr       *TimerManager
	cb        func()
	cond      func() bool
	when      time.Time
	period    time.Duration
	seq       uint64
	index     int // position in the heap, -1 when not queued
	recurring bool
}

// Cancel removes the timer. It reports false if the timer already fired
// (one-shot) or was already cancelled.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.cb = nil
	t.cond = nil
	return true
}

// Refresh restarts the current period from now.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.when = m.now().Add(t.period)
	t.seq = m.nextSeq()
	heap.Push(&m.timers, t)
	return true
}

// Reset changes the period to d. If fromNow is set the new expiry is
// measured from now, otherwise from the start of the current period. A
// recurring timer's period is clamped to MinRecurringPeriod.
func (t *Timer) Reset(d time.Duration, fromNow bool) bool {
	m := t.mgr
	m.mu.Lock()
	if t.index < 0 {
		m.mu.Unlock()
		return false
	}
	d = clampPeriod(d, t.recurring)
	if d == t.period && !fromNow {
		m.mu.Unlock()
		return true
	}
	heap.Remove(&m.timers, t.index)
	var start time.Time
	if fromNow {
		start = m.now()
	} else {
		start = t.when.Add(-t.period)
	}
	t.period = d
	t.when = start.Add(d)
	front := m.insertLocked(t)
	m.mu.Unlock()

	if front {
		m.onFront()
	}
	return true
}

// guarded wraps cb so it only runs while cond holds.
func guarded(cb func(), cond func() bool) func() {
	return func() {
		if cond() {
			cb()
		}
	}
}

// Period returns the timer's current period.
func (t *Timer) Period() time.Duration {
	t.mgr.mu.RLock()
	defer t.mgr.mu.RUnlock()
	return t.period
}

// timerHeap orders timers by expiry, then insertion order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager keeps timers ordered by expiry. It does not run anything
// itself: the owner asks for [TimerManager.NextTimeout] to bound its wait,
// then collects due callbacks with [TimerManager.ListExpired].
type TimerManager struct {
	mu      sync.RWMutex
	timers  timerHeap
	onFront func()
	now     func() time.Time
	seq     uint64
	// set once onFront has been called, cleared by NextTimeout
	tickled bool
}

// NewTimerManager returns an empty manager. onFront, if non-nil, is called
// (outside any lock) when a new timer becomes the earliest, at most once
// between calls to NextTimeout.
func NewTimerManager(onFront func()) *TimerManager {
	if onFront == nil {
		onFront = func() {}
	}
	return &TimerManager{onFront: onFront, now: time.Now}
}

// AddTimer schedules cb to run after d, and every d thereafter if recurring.
func (m *TimerManager) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	return m.AddConditionTimer(d, cb, nil, recurring)
}

// AddConditionTimer is like AddTimer, but cond is checked each time the
// timer fires, and cb is skipped if it reports false. A recurring timer
// stays scheduled until cancelled. See [WeakCondition].
//
// Negative durations are treated as zero. A recurring timer's period is at
// least MinRecurringPeriod, so it cannot keep the reactor from blocking.
func (m *TimerManager) AddConditionTimer(d time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	if cb == nil {
		panic("iomanager: nil timer callback")
	}
	d = clampPeriod(d, recurring)
	t := &Timer{mgr: m, cb: cb, cond: cond, period: d, recurring: recurring, index: -1}

	m.mu.Lock()
	t.when = m.now().Add(d)
	front := m.insertLocked(t)
	m.mu.Unlock()

	if front {
		m.onFront()
	}
	return t
}

// MinRecurringPeriod is the shortest period of a recurring timer, matching
// the reactor's millisecond wait resolution.
const MinRecurringPeriod = time.Millisecond

func clampPeriod(d time.Duration, recurring bool) time.Duration {
	if d < 0 {
		d = 0
	}
	if recurring && d < MinRecurringPeriod {
		d = MinRecurringPeriod
	}
	return d
}

// insertLocked queues t, returning true if onFront should be called.
func (m *TimerManager) insertLocked(t *Timer) bool {
	t.seq = m.nextSeq()
	heap.Push(&m.timers, t)
	if t.index == 0 && !m.tickled {
		m.tickled = true
		return true
	}
	return false
}

func (m *TimerManager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// NextTimeout returns the time until the earliest timer is due (zero if it
// is overdue), or false if there are no timers. It re-arms the onFront hook.
func (m *TimerManager) NextTimeout() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.timers) == 0 {
		return 0, false
	}
	d := m.timers[0].when.Sub(m.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// ListExpired removes every timer due at or before now and returns their
// callbacks in expiry order. Recurring timers are queued again one period
// later (or one period from now, if that is already past).
func (m *TimerManager) ListExpired(now time.Time) []func() {
	m.mu.RLock()
	empty := len(m.timers) == 0
	m.mu.RUnlock()
	if empty {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cbs []func()
	var again []*Timer
	for len(m.timers) != 0 && !m.timers[0].when.After(now) {
		t := heap.Pop(&m.timers).(*Timer)
		if t.cond != nil {
			cbs = append(cbs, guarded(t.cb, t.cond))
		} else {
			cbs = append(cbs, t.cb)
		}
		if t.recurring {
			t.when = t.when.Add(t.period)
			if !t.when.After(now) {
				t.when = now.Add(t.period)
			}
			again = append(again, t)
		} else {
			t.cb = nil
			t.cond = nil
		}
	}
	for _, t := range again {
		t.seq = m.nextSeq()
		heap.Push(&m.timers, t)
	}
	return cbs
}

// HasTimers reports whether any timer is queued.
func (m *TimerManager) HasTimers() bool {
	return m.Len() != 0
}

// Len returns the number of queued timers.
func (m *TimerManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers)
}

// WeakCondition returns a timer condition that holds while p has not been
// garbage collected. The condition does not keep p alive.
func WeakCondition[T any](p *T) func() bool {
	wp := weak.Make(p)
	return func() bool {
		return wp.Value() != nil
	}
}
