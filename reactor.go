package iomanager

import "time"

// defaultMaxEvents is the number of readiness events collected per wait.
const defaultMaxEvents = 256

// readiness is one fd reported ready by the reactor, with error and hangup
// conditions already folded into EventRead|EventWrite.
type readiness struct {
	fd     int
	events Event
}

// timeoutMillis converts a wait timeout to whole milliseconds, rounding up
// so that a timer due in under a millisecond does not busy-poll. A negative
// timeout blocks indefinitely.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > time.Duration(maxWaitMillis) {
		return maxWaitMillis
	}
	return int(ms)
}

const maxWaitMillis = 1<<31 - 1
