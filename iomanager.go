package iomanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-iomanager/scheduler"
	"github.com/joeycumines/logiface"
)

// IOManager is a [scheduler.Scheduler] whose idle workers block in an epoll
// reactor, dispatching readiness callbacks and timer expirations as tasks.
//
// Registration is edge triggered and one-shot: once an event fires (or is
// cancelled), its action is scheduled and the interest removed. Re-arm with
// another AddEvent to keep watching.
type IOManager struct { // betteralign:ignore
	*scheduler.Scheduler
	*TimerManager

	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	reactor *reactor
	wake    *wakePipe
	fds     *fdTable
	ready   sync.Pool

	name        string
	id          uuid.UUID
	idleTimeout time.Duration

	pending   atomic.Int64
	idle      atomic.Int32
	stopped   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Stats is a point in time snapshot of an IOManager.
type Stats struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PendingEvents int64  `json:"pending_events"`
	Timers        int    `json:"timers"`
	IdleWorkers   int    `json:"idle_workers"`
	FDCapacity    int    `json:"fd_capacity"`
	Threads       int    `json:"threads"`
}

type managerKey struct{}

// FromContext returns the IOManager owning the worker (or fiber) that ctx
// was handed to, or nil.
func FromContext(ctx context.Context) *IOManager {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(managerKey{}).(*IOManager)
	return m
}

// New creates an IOManager with the given number of worker threads and
// starts it. If useCaller is set, the goroutine that calls Stop counts as
// one of the threads, running its share of the work from within Stop.
func New(threads int, useCaller bool, name string, opts ...Option) (*IOManager, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	limiter, err := newLogLimiter(cfg.logRates)
	if err != nil {
		return nil, err
	}

	r, err := newReactor(cfg.maxEvents)
	if err != nil {
		return nil, err
	}

	wake, err := newWakePipe()
	if err != nil {
		_ = r.close()
		return nil, err
	}

	if err := r.update(wake.readFD(), EventNone, EventRead); err != nil {
		_ = wake.close()
		_ = r.close()
		return nil, err
	}

	m := &IOManager{
		logger:      cfg.logger,
		limiter:     limiter,
		reactor:     r,
		wake:        wake,
		fds:         newFDTable(cfg.fdCapacity),
		name:        name,
		id:          uuid.New(),
		idleTimeout: cfg.idleTimeout,
	}
	m.ready.New = func() any {
		buf := make([]readiness, 0, cfg.maxEvents)
		return &buf
	}
	m.TimerManager = NewTimerManager(m.Tickle)

	m.Scheduler, err = scheduler.New(threads, useCaller, name,
		scheduler.WithHooks(m),
		scheduler.WithContext(context.WithValue(cfg.ctx, managerKey{}, m)),
		scheduler.WithLogger(cfg.logger),
	)
	if err != nil {
		_ = m.close()
		return nil, err
	}

	if err := m.Scheduler.Start(); err != nil {
		_ = m.close()
		return nil, err
	}

	m.logger.Info().
		Str("manager", m.name).
		Str("id", m.id.String()).
		Int("threads", threads).
		Bool("use_caller", useCaller).
		Dur("idle_timeout", m.idleTimeout).
		Log("iomanager started")

	return m, nil
}

// ID returns the unique id of this manager instance.
func (m *IOManager) ID() uuid.UUID { return m.id }

// AddEvent arms a one-shot callback for a single event kind on fd.
func (m *IOManager) AddEvent(fd int, event Event, cb func()) error {
	if cb == nil {
		return ErrNilCallback
	}
	return m.addEvent(fd, event, action{cb: cb})
}

// AddEventFiber arms fd so that f is resumed when the event fires.
func (m *IOManager) AddEventFiber(fd int, event Event, f *scheduler.Fiber) error {
	if f == nil {
		return ErrNilFiber
	}
	return m.addEvent(fd, event, action{fiber: f})
}

func (m *IOManager) addEvent(fd int, event Event, a action) error {
	if fd < 0 {
		return ErrInvalidFD
	}
	if !event.single() {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, event)
	}
	if m.stopped.Load() {
		return ErrManagerStopped
	}

	fdc := m.fds.getOrCreate(fd)
	fdc.mu.Lock()
	defer fdc.mu.Unlock()

	if fdc.events&event != 0 {
		return fmt.Errorf("%w: fd %d %s", ErrEventAlreadyRegistered, fd, event)
	}

	if err := m.reactor.update(fd, fdc.events, fdc.events|event); err != nil {
		m.logFailure(logCategoryCtl, fd, err, "failed to add event")
		return err
	}

	a.sched = m.Scheduler
	fdc.arm(event, a)
	m.pending.Add(1)
	m.logEvent("event added", fd, event)
	return nil
}

// WaitEvent blocks until event fires on fd. Called from within a fiber run
// by this manager, the fiber yields instead of blocking its worker. If ctx
// ends first the registration is removed and ctx.Err() returned.
func (m *IOManager) WaitEvent(ctx context.Context, fd int, event Event) error {
	if f, ok := scheduler.FiberFromContext(ctx); ok && f.IsCurrent() {
		return m.waitFiber(ctx, f, fd, event)
	}

	fired := make(chan struct{})
	if err := m.AddEvent(fd, event, func() { close(fired) }); err != nil {
		return err
	}

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
	}

	if err := m.DelEvent(fd, event); err != nil {
		if errors.Is(err, ErrEventNotRegistered) {
			// lost the race with a trigger, the readiness was consumed
			<-fired
			return nil
		}
		return err
	}
	return ctx.Err()
}

func (m *IOManager) waitFiber(ctx context.Context, f *scheduler.Fiber, fd int, event Event) error {
	if err := m.AddEventFiber(fd, event, f); err != nil {
		return err
	}

	var cancelled atomic.Bool
	cancelDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(cancelDone)
		if m.CancelEvent(fd, event) == nil {
			cancelled.Store(true)
		}
	})

	if err := f.Yield(); err != nil {
		stop()
		return err
	}

	if !stop() {
		<-cancelDone
		if cancelled.Load() {
			return ctx.Err()
		}
	}
	return nil
}

// DelEvent disarms event on fd without running its action.
func (m *IOManager) DelEvent(fd int, event Event) error {
	fdc, err := m.lookup(fd, event)
	if err != nil {
		return err
	}

	fdc.mu.Lock()
	defer fdc.mu.Unlock()

	if fdc.events&event == 0 {
		return fmt.Errorf("%w: fd %d %s", ErrEventNotRegistered, fd, event)
	}

	if err := m.reactor.update(fd, fdc.events, fdc.events&^event); err != nil {
		m.logFailure(logCategoryCtl, fd, err, "failed to delete event")
		if !registrationGone(err) {
			return err
		}
	}

	fdc.clear(event)
	m.pending.Add(-1)
	m.logEvent("event deleted", fd, event)
	return nil
}

// CancelEvent disarms event on fd and dispatches its action, as if the
// event had fired.
func (m *IOManager) CancelEvent(fd int, event Event) error {
	fdc, err := m.lookup(fd, event)
	if err != nil {
		return err
	}

	fdc.mu.Lock()

	if fdc.events&event == 0 {
		fdc.mu.Unlock()
		return fmt.Errorf("%w: fd %d %s", ErrEventNotRegistered, fd, event)
	}

	if err := m.reactor.update(fd, fdc.events, fdc.events&^event); err != nil {
		m.logFailure(logCategoryCtl, fd, err, "failed to cancel event")
		if !registrationGone(err) {
			fdc.mu.Unlock()
			return err
		}
	}

	a := fdc.take(event)
	m.pending.Add(-1)
	fdc.mu.Unlock()

	m.logEvent("event cancelled", fd, event)
	m.dispatch(fd, a)
	return nil
}

// CancelAll disarms every event on fd, dispatching each action.
func (m *IOManager) CancelAll(fd int) error {
	if fd < 0 {
		return ErrInvalidFD
	}
	fdc := m.fds.get(fd)
	if fdc == nil {
		return fmt.Errorf("%w: fd %d", ErrFDNotRegistered, fd)
	}

	fdc.mu.Lock()

	if fdc.events == EventNone {
		fdc.mu.Unlock()
		return fmt.Errorf("%w: fd %d", ErrFDNotRegistered, fd)
	}

	if err := m.reactor.update(fd, fdc.events, EventNone); err != nil {
		m.logFailure(logCategoryCtl, fd, err, "failed to cancel all events")
		if !registrationGone(err) {
			fdc.mu.Unlock()
			return err
		}
	}

	actions := m.takeAll(fdc, fdc.events)
	fdc.mu.Unlock()

	for _, a := range actions {
		m.dispatch(fd, a)
	}
	return nil
}

// lookup validates arguments and finds the context for fd.
func (m *IOManager) lookup(fd int, event Event) (*fdContext, error) {
	if fd < 0 {
		return nil, ErrInvalidFD
	}
	if !event.single() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEvent, event)
	}
	fdc := m.fds.get(fd)
	if fdc == nil {
		return nil, fmt.Errorf("%w: fd %d", ErrFDNotRegistered, fd)
	}
	return fdc, nil
}

// takeAll removes every kind in events from fdc. Caller holds fdc.mu.
func (m *IOManager) takeAll(fdc *fdContext, events Event) []action {
	var actions []action
	for _, ev := range [...]Event{EventRead, EventWrite} {
		if events&ev != 0 {
			actions = append(actions, fdc.take(ev))
			m.pending.Add(-1)
		}
	}
	return actions
}

func (m *IOManager) dispatch(fd int, a action) {
	if err := a.dispatch(); err != nil {
		m.logFailure(logCategoryDispatch, fd, err, "failed to dispatch event")
	}
}

// trigger handles readiness reported for fd, narrowing the registration to
// whatever interest remains and dispatching the fired actions.
func (m *IOManager) trigger(fd int, events Event) {
	fdc := m.fds.get(fd)
	if fdc == nil {
		return
	}

	fdc.mu.Lock()

	events &= fdc.events
	if events == EventNone {
		fdc.mu.Unlock()
		return
	}

	if err := m.reactor.update(fd, fdc.events, fdc.events&^events); err != nil {
		// the fd was most likely closed without CancelAll, fire anyway so
		// the waiters observe the failure themselves
		m.logFailure(logCategoryCtl, fd, err, "failed to narrow registration")
	}

	actions := m.takeAll(fdc, events)
	fdc.mu.Unlock()

	for _, a := range actions {
		m.dispatch(fd, a)
	}
}

// Tickle wakes a worker blocked in the reactor, if any.
func (m *IOManager) Tickle() {
	if m.idle.Load() <= 0 {
		return
	}
	if err := m.wake.notify(); err != nil {
		m.logFailure(logCategoryWake, m.wake.readFD(), err, "failed to write wake pipe")
	}
}

// Stopping reports whether the workers may exit: Stop has been called, no
// task is queued or running, no timer is queued, and no event is armed.
func (m *IOManager) Stopping() bool {
	return m.Scheduler.Drained() &&
		!m.HasTimers() &&
		m.pending.Load() == 0
}

// Idle runs one iteration of the reactor loop for the calling worker. It
// returns false once the manager is stopping, and returns early once ctx
// ends.
func (m *IOManager) Idle(ctx context.Context) bool {
	if m.Stopping() {
		return false
	}
	if ctx.Err() != nil {
		return true
	}

	worker := scheduler.AnyWorker
	if _, id, ok := scheduler.WorkerFromContext(ctx); ok {
		worker = id
	}

	m.idle.Add(1)
	if m.Scheduler.Runnable(worker) {
		m.idle.Add(-1)
		return true
	}

	timeout := m.idleTimeout
	if next, ok := m.NextTimeout(); ok && next < timeout {
		timeout = next
	}
	// the Stop caller's worker must return by its deadline
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, max(time.Until(deadline), 0))
	}

	bp := m.ready.Get().(*[]readiness)
	ready, err := m.reactor.wait(timeout, (*bp)[:0])
	m.idle.Add(-1)
	defer func() {
		*bp = ready[:0]
		m.ready.Put(bp)
	}()

	if err != nil {
		m.logFailure(logCategoryWait, -1, err, "epoll_wait failed")
		return true
	}

	wakeFD := m.wake.readFD()
	for _, r := range ready {
		if r.fd == wakeFD {
			if _, err := m.wake.drain(); err != nil {
				m.logFailure(logCategoryWake, wakeFD, err, "failed to drain wake pipe")
			}
			break
		}
	}

	for _, cb := range m.ListExpired(time.Now()) {
		if err := m.Scheduler.ScheduleFunc(cb); err != nil {
			m.logFailure(logCategoryDispatch, -1, err, "failed to dispatch timer")
		}
	}

	for _, r := range ready {
		if r.fd != wakeFD {
			m.trigger(r.fd, r.events)
		}
	}

	return true
}

// Stop waits for all armed events, timers and tasks to finish, stops the
// workers, and releases the reactor. If ctx ends first its error is
// returned and the manager keeps running. With useCaller, the calling
// goroutine works as a worker until then; a context without a deadline is
// observed within the idle timeout.
func (m *IOManager) Stop(ctx context.Context) error {
	if err := m.Scheduler.Stop(ctx); err != nil {
		return err
	}
	err := m.close()
	m.logger.Info().
		Str("manager", m.name).
		Str("id", m.id.String()).
		Log("iomanager stopped")
	return err
}

func (m *IOManager) close() error {
	m.closeOnce.Do(func() {
		m.stopped.Store(true)
		m.closeErr = errors.Join(m.wake.close(), m.reactor.close())
	})
	return m.closeErr
}

// Stats returns a snapshot of the manager's counters.
func (m *IOManager) Stats() Stats {
	return Stats{
		ID:            m.id.String(),
		Name:          m.name,
		PendingEvents: m.pending.Load(),
		Timers:        m.Len(),
		IdleWorkers:   int(m.idle.Load()),
		FDCapacity:    m.fds.capacity(),
		Threads:       m.Threads(),
	}
}
