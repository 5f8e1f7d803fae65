package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// FiberState is the lifecycle state of a Fiber.
type FiberState int32

const (
	// FiberInit is a fiber that has never been resumed.
	FiberInit FiberState = iota
	// FiberHold is a fiber parked in Yield.
	FiberHold
	// FiberRunning is a fiber currently executing.
	FiberRunning
	// FiberTerm is a fiber whose function returned.
	FiberTerm
	// FiberPanicked is a fiber whose function panicked.
	FiberPanicked
)

func (s FiberState) String() string {
	switch s {
	case FiberInit:
		return "init"
	case FiberHold:
		return "hold"
	case FiberRunning:
		return "running"
	case FiberTerm:
		return "term"
	case FiberPanicked:
		return "panicked"
	default:
		return fmt.Sprintf("FiberState(%d)", int32(s))
	}
}

var (
	// ErrFiberTerminated is returned when resuming a fiber that has finished.
	ErrFiberTerminated = errors.New("scheduler: fiber terminated")

	// ErrFiberPanic wraps the value recovered from a panicking fiber.
	ErrFiberPanic = errors.New("scheduler: fiber panicked")

	// ErrNotInFiber is returned by Yield when called outside the fiber's own goroutine.
	ErrNotInFiber = errors.New("scheduler: yield called outside fiber")

	// ErrSelfResume is returned when a fiber attempts to resume itself.
	ErrSelfResume = errors.New("scheduler: fiber cannot resume itself")
)

// Fiber is a suspendable unit of execution. It is backed by a dedicated
// goroutine, and hands control back and forth with whoever calls Resume:
// exactly one side runs at a time.
type Fiber struct {
	fn func(ctx context.Context)

	resume chan context.Context
	yield  chan struct{}
	done   chan struct{}

	// serializes resumers
	mu sync.Mutex

	state   atomic.Int32
	started atomic.Bool
	gid     atomic.Uint64

	// only touched by the fiber goroutine
	ctx context.Context

	err error
}

// NewFiber returns a fiber that will run fn on its first Resume.
func NewFiber(fn func(ctx context.Context)) *Fiber {
	if fn == nil {
		panic("scheduler: nil fiber function")
	}
	return &Fiber{
		fn:     fn,
		resume: make(chan context.Context),
		yield:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the fiber's current state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// Done is closed once the fiber's function has returned or panicked.
func (f *Fiber) Done() <-chan struct{} { return f.done }

// Err returns the recovered panic, wrapped in ErrFiberPanic, once the fiber
// has finished. It is nil for a fiber that returned normally.
func (f *Fiber) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Resume runs the fiber until it next yields or finishes. Concurrent callers
// are serialized, and a caller that arrives while the fiber is still running
// blocks until it parks. ctx becomes the fiber's current context.
func (f *Fiber) Resume(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.IsCurrent() {
		return ErrSelfResume
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started.CompareAndSwap(false, true) {
		go f.run(ctx)
	} else {
		select {
		case f.resume <- ctx:
		case <-f.done:
			return ErrFiberTerminated
		}
	}

	<-f.yield

	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Yield parks the calling fiber until the next Resume. It must be called
// from the fiber's own goroutine.
func (f *Fiber) Yield() error {
	if !f.IsCurrent() {
		return ErrNotInFiber
	}

	f.leave()
	f.state.Store(int32(FiberHold))
	f.yield <- struct{}{}

	f.ctx = <-f.resume
	f.state.Store(int32(FiberRunning))
	f.enter()
	return nil
}

// IsCurrent reports whether the caller is running inside this fiber.
func (f *Fiber) IsCurrent() bool {
	return f.started.Load() && f.gid.Load() == getGoroutineID()
}

// Context returns the context given by the most recent Resume. It is only
// meaningful when called from within the fiber.
func (f *Fiber) Context() context.Context { return f.ctx }

func (f *Fiber) run(ctx context.Context) {
	f.gid.Store(getGoroutineID())
	f.ctx = ctx
	f.state.Store(int32(FiberRunning))
	f.enter()

	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("%w: %v", ErrFiberPanic, r)
			f.state.Store(int32(FiberPanicked))
		} else {
			f.state.Store(int32(FiberTerm))
		}
		f.leave()
		close(f.done)
		f.yield <- struct{}{}
	}()

	f.fn(context.WithValue(ctx, fiberKey{}, f))
}

// enter marks the fiber goroutine as acting for the worker that resumed it.
func (f *Fiber) enter() {
	if s, id, ok := WorkerFromContext(f.ctx); ok {
		s.workers.Store(f.gid.Load(), id)
	}
}

func (f *Fiber) leave() {
	if s, _, ok := WorkerFromContext(f.ctx); ok {
		s.workers.Delete(f.gid.Load())
	}
}

type fiberKey struct{}

// FiberFromContext returns the fiber whose function was given ctx (or a
// context derived from it).
func FiberFromContext(ctx context.Context) (*Fiber, bool) {
	if ctx == nil {
		return nil, false
	}
	f, ok := ctx.Value(fiberKey{}).(*Fiber)
	return f, ok
}
