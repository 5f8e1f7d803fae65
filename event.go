package iomanager

import (
	"strconv"
	"strings"
)

// Event is a set of readiness kinds. Values match EPOLLIN and EPOLLOUT.
type Event uint32

const (
	// EventNone is the empty set.
	EventNone Event = 0x0
	// EventRead is readiness for reading (EPOLLIN).
	EventRead Event = 0x1
	// EventWrite is readiness for writing (EPOLLOUT).
	EventWrite Event = 0x4
)

func (e Event) String() string {
	if e == EventNone {
		return "NONE"
	}
	var parts []string
	if e&EventRead != 0 {
		parts = append(parts, "READ")
	}
	if e&EventWrite != 0 {
		parts = append(parts, "WRITE")
	}
	if rest := e &^ (EventRead | EventWrite); rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// single reports whether e is exactly one of EventRead, EventWrite.
func (e Event) single() bool {
	return e == EventRead || e == EventWrite
}
