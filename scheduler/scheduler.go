package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

// AnyWorker marks a Task that may run on any worker.
const AnyWorker = -1

// Standard errors.
var (
	// ErrNilTask is returned when a Task has neither Fn nor Fiber set.
	ErrNilTask = errors.New("scheduler: task has no callback or fiber")

	// ErrInvalidWorker is returned when a Task targets a worker that does not exist.
	ErrInvalidWorker = errors.New("scheduler: invalid worker index")

	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("scheduler: already started")

	// ErrStopped is returned when scheduling onto a scheduler whose workers have exited.
	ErrStopped = errors.New("scheduler: stopped")

	// ErrReentrantStop is returned when Stop is called from one of the scheduler's own workers.
	ErrReentrantStop = errors.New("scheduler: cannot call Stop from a worker")

	// ErrInvalidThreadCount is returned by New when threads < 1.
	ErrInvalidThreadCount = errors.New("scheduler: thread count must be at least 1")
)

// Task is a unit of work handed to a Scheduler. Exactly one of Fn and Fiber
// should be set. Worker pins the task to a specific worker index, or
// AnyWorker.
type Task struct {
	Fn     func()
	Fiber  *Fiber
	Worker int
}

// Hooks are the override points an IO manager implements.
type Hooks interface {
	// Tickle interrupts (at least) one idle worker, if any.
	Tickle()

	// Stopping reports whether workers may exit. Implementations should
	// include Scheduler.Drained in their decision.
	Stopping() bool

	// Idle is called by a worker with no runnable task. It should block
	// until there may be work, then return true. Returning false ends the
	// worker's idle participation: it exits once Stopping reports true.
	// ctx carries the worker's values; it ends (possibly with a deadline)
	// only when the Stop caller running worker 0 must return, and Idle
	// should return by then.
	Idle(ctx context.Context) bool
}

// Scheduler runs tasks on a fixed pool of worker goroutines, each locked to
// an OS thread.
type Scheduler struct { // betteralign:ignore
	hooks  Hooks
	ctx    context.Context
	logger *logiface.Logger[logiface.Event]

	name      string
	threads   int
	useCaller bool
	idleTick  time.Duration

	// run queues, guarded by mu
	mu     sync.Mutex
	shared *queue.Queue
	local  []*queue.Queue

	workers sync.Map // goroutine id -> worker index

	active        atomic.Int32
	started       atomic.Bool
	stopRequested atomic.Bool
	terminated    atomic.Bool

	// held while the Stop caller runs worker 0
	callerMu     sync.Mutex
	callerExited atomic.Bool
	wg           sync.WaitGroup
	done       chan struct{}
	signal     chan struct{}
}

// New creates a scheduler with the given number of worker threads. If
// useCaller is set, the goroutine that later calls Stop counts as one of the
// threads, and runs its worker loop from within Stop, until the workers exit
// or Stop's context ends.
func New(threads int, useCaller bool, name string, opts ...Option) (*Scheduler, error) {
	if threads < 1 {
		return nil, ErrInvalidThreadCount
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		ctx:       cfg.ctx,
		logger:    cfg.logger,
		name:      name,
		threads:   threads,
		useCaller: useCaller,
		idleTick:  cfg.idleTick,
		shared:    queue.New(),
		local:     make([]*queue.Queue, threads),
		done:      make(chan struct{}),
		signal:    make(chan struct{}, threads),
	}
	for i := range s.local {
		s.local[i] = queue.New()
	}
	if cfg.hooks != nil {
		s.hooks = cfg.hooks
	} else {
		s.hooks = defaultHooks{s}
	}

	return s, nil
}

// Name returns the diagnostic name given to New.
func (s *Scheduler) Name() string { return s.name }

// Threads returns the total number of workers, including the caller slot.
func (s *Scheduler) Threads() int { return s.threads }

// Start launches the worker goroutines. With useCaller, worker 0 is
// reserved for the goroutine calling Stop.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.wg.Add(s.threads)
	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < s.threads; i++ {
		go s.run(i)
	}

	go func() {
		s.wg.Wait()
		s.terminated.Store(true)
		close(s.done)
	}()

	s.logger.Info().
		Str("scheduler", s.name).
		Int("threads", s.threads).
		Bool("use_caller", s.useCaller).
		Log("scheduler started")

	return nil
}

// Stop requests shutdown, wakes every worker, and waits until all of them
// have observed Hooks.Stopping. If ctx ends first, its error is returned and
// the workers keep running.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.IsWorker() {
		return ErrReentrantStop
	}

	s.stopRequested.Store(true)

	if !s.started.Load() {
		return nil
	}

	for i := 0; i < s.threads; i++ {
		s.hooks.Tickle()
	}

	if s.useCaller && !s.callerExited.Load() && s.callerMu.TryLock() {
		if !s.callerExited.Load() && s.runCaller(ctx) {
			s.callerExited.Store(true)
		}
		s.callerMu.Unlock()
	}

	select {
	case <-s.done:
		s.logger.Info().Str("scheduler", s.name).Log("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every worker has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Schedule queues a task and tickles an idle worker.
func (s *Scheduler) Schedule(task Task) error {
	if task.Fn == nil && task.Fiber == nil {
		return ErrNilTask
	}
	if task.Worker != AnyWorker && (task.Worker < 0 || task.Worker >= s.threads) {
		return fmt.Errorf("%w: %d", ErrInvalidWorker, task.Worker)
	}
	if s.terminated.Load() {
		return ErrStopped
	}

	s.mu.Lock()
	if task.Worker == AnyWorker {
		s.shared.Add(task)
	} else {
		s.local[task.Worker].Add(task)
	}
	s.mu.Unlock()

	s.hooks.Tickle()
	return nil
}

// ScheduleFunc queues fn to run on any worker.
func (s *Scheduler) ScheduleFunc(fn func()) error {
	return s.Schedule(Task{Fn: fn, Worker: AnyWorker})
}

// ScheduleFiber queues f to be resumed on any worker.
func (s *Scheduler) ScheduleFiber(f *Fiber) error {
	return s.Schedule(Task{Fiber: f, Worker: AnyWorker})
}

// Drained reports whether Stop was requested, no task is queued, and no
// task is executing.
func (s *Scheduler) Drained() bool {
	if !s.stopRequested.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shared.Length() != 0 {
		return false
	}
	for _, q := range s.local {
		if q.Length() != 0 {
			return false
		}
	}
	return s.active.Load() == 0
}

// StopRequested reports whether Stop has been called.
func (s *Scheduler) StopRequested() bool { return s.stopRequested.Load() }

// IsWorker reports whether the caller is running on one of this
// scheduler's worker goroutines.
func (s *Scheduler) IsWorker() bool {
	_, ok := s.workers.Load(getGoroutineID())
	return ok
}

// run is the loop of a background worker.
func (s *Scheduler) run(id int) {
	defer s.wg.Done()
	s.loop(id, nil)
}

// runCaller runs worker 0 on the goroutine calling Stop. It reports false if
// stop ended first, leaving the slot free for a later Stop.
func (s *Scheduler) runCaller(stop context.Context) bool {
	if !s.loop(0, stop) {
		return false
	}
	s.wg.Done()
	return true
}

// loop runs tasks and idles until Hooks.Stopping reports true, or stop (if
// non-nil) ends, in which case it returns false. Idle is handed a context
// that ends only with stop.
func (s *Scheduler) loop(id int, stop context.Context) bool {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gid := getGoroutineID()
	s.workers.Store(gid, id)
	defer s.workers.Delete(gid)

	ctx := context.WithValue(s.ctx, workerKey{}, &workerInfo{sched: s, id: id})
	// Idle only observes stop, never the base context's cancellation
	idleCtx := context.WithoutCancel(ctx)
	if stop != nil {
		var cancel context.CancelFunc
		if deadline, ok := stop.Deadline(); ok {
			idleCtx, cancel = context.WithDeadline(idleCtx, deadline)
		} else {
			idleCtx, cancel = context.WithCancel(idleCtx)
		}
		defer cancel()
		defer context.AfterFunc(stop, func() {
			cancel()
			s.hooks.Tickle()
		})()
	}

	s.logger.Debug().Str("scheduler", s.name).Int("worker", id).Log("worker started")
	defer func() {
		s.logger.Debug().Str("scheduler", s.name).Int("worker", id).Log("worker exited")
	}()

	for {
		if stop != nil && stop.Err() != nil {
			return false
		}

		task, ok, elsewhere := s.next(id)
		if elsewhere {
			// work is queued for another worker, make sure one is awake
			s.hooks.Tickle()
		}
		if ok {
			s.execute(ctx, id, task)
			continue
		}

		if s.hooks.Stopping() {
			return true
		}
		if !s.hooks.Idle(idleCtx) {
			runtime.Gosched()
		}
	}
}

// next pops a task for worker id, preferring its own queue. The active
// counter is incremented under the same lock so Drained never observes a
// task that is neither queued nor active. elsewhere reports tasks pinned to
// other workers.
func (s *Scheduler) next(id int) (task Task, ok bool, elsewhere bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var q *queue.Queue
	switch {
	case s.local[id].Length() != 0:
		q = s.local[id]
	case s.shared.Length() != 0:
		q = s.shared
	}

	for i, other := range s.local {
		if i != id && other.Length() != 0 {
			elsewhere = true
			break
		}
	}

	if q == nil {
		return Task{}, false, elsewhere
	}

	task = q.Remove().(Task)
	s.active.Add(1)
	return task, true, elsewhere
}

// Runnable reports whether worker has a task waiting, either pinned to it
// or in the shared queue. Hooks.Idle implementations check it after
// announcing themselves idle, so that a concurrent Schedule either sees the
// idle worker or is seen by it.
func (s *Scheduler) Runnable(worker int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shared.Length() != 0 {
		return true
	}
	return worker >= 0 && worker < len(s.local) && s.local[worker].Length() != 0
}

func (s *Scheduler) execute(ctx context.Context, id int, task Task) {
	defer s.active.Add(-1)

	if task.Fiber != nil {
		if err := task.Fiber.Resume(ctx); err != nil {
			s.logger.Err().
				Str("scheduler", s.name).
				Int("worker", id).
				Err(err).
				Log("fiber resume failed")
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Err().
				Str("scheduler", s.name).
				Int("worker", id).
				Interface("panic", r).
				Log("task panicked")
		}
	}()
	task.Fn()
}

// defaultHooks parks idle workers on the scheduler's signal channel.
type defaultHooks struct{ s *Scheduler }

func (h defaultHooks) Tickle() {
	select {
	case h.s.signal <- struct{}{}:
	default:
	}
}

func (h defaultHooks) Stopping() bool { return h.s.Drained() }

func (h defaultHooks) Idle(ctx context.Context) bool {
	if h.s.Drained() {
		return false
	}
	timer := time.NewTimer(h.s.idleTick)
	defer timer.Stop()
	select {
	case <-h.s.signal:
	case <-timer.C:
	case <-ctx.Done():
	}
	return true
}

type workerKey struct{}

type workerInfo struct {
	sched *Scheduler
	id    int
}

// WorkerFromContext returns the scheduler and worker index associated with
// a context handed out by a worker (to Hooks.Idle, or to a fiber).
func WorkerFromContext(ctx context.Context) (*Scheduler, int, bool) {
	if ctx == nil {
		return nil, 0, false
	}
	w, ok := ctx.Value(workerKey{}).(*workerInfo)
	if !ok {
		return nil, 0, false
	}
	return w.sched, w.id, true
}
