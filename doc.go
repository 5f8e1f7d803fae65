// Package iomanager implements an I/O driven task scheduler: a pool of
// worker threads that run queued tasks and fibers, and that block in an
// epoll reactor whenever they run out of work.
//
// Callers arm one-shot interest in a single event kind on a descriptor
// with [IOManager.AddEvent] (or [IOManager.AddEventFiber], or the blocking
// [IOManager.WaitEvent]). When the kernel reports readiness, the action is
// removed from the table and handed to the scheduler, never run under a
// lock held by the manager. [IOManager.DelEvent] drops interest silently,
// while [IOManager.CancelEvent] and [IOManager.CancelAll] dispatch the
// action as though the event had fired.
//
// Timers share the same path: the embedded [TimerManager] bounds each
// reactor wait by the earliest expiry, and expired callbacks are scheduled
// like any other task. Adding a timer that becomes the earliest wakes a
// blocked worker, so its wait is recomputed.
//
// A minimal echo handler:
//
//	m, err := iomanager.New(4, false, "echo")
//	if err != nil {
//	    return err
//	}
//	defer m.Stop(context.Background())
//
//	var onReadable func()
//	onReadable = func() {
//	    // read until EAGAIN, then re-arm
//	    _ = m.AddEvent(fd, iomanager.EventRead, onReadable)
//	}
//	_ = m.AddEvent(fd, iomanager.EventRead, onReadable)
//
// Only Linux is supported; elsewhere New returns [ErrUnsupportedPlatform].
package iomanager
