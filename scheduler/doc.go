// Package scheduler provides the worker pool that an IO manager plugs into.
//
// A [Scheduler] owns a fixed number of worker goroutines, each locked to its
// own OS thread. Workers pull [Task] values from a shared FIFO run queue (or
// from their own queue, for tasks pinned to a specific worker), and run
// either a plain callback or a cooperative [Fiber].
//
// When a worker finds nothing to run, it calls [Hooks.Idle]. The default
// hooks park the worker on an internal signal channel; an IO manager
// replaces them so that idle workers block in the reactor instead, see
// [WithHooks].
//
// # Fibers
//
// A [Fiber] is a unit of work that can suspend itself ([Fiber.Yield]) and be
// resumed later, possibly by a different worker ([Fiber.Resume]). It is
// backed by a goroutine, with an unbuffered handshake guaranteeing that the
// fiber and the worker resuming it never run at the same time.
//
//	s, err := scheduler.New(4, false, "workers")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	_ = s.ScheduleFunc(func() { fmt.Println("hello") })
//	_ = s.Stop(context.Background())
package scheduler
