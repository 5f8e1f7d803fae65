//go:build linux

package iomanager

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// reactor wraps a single edge-triggered epoll instance.
type reactor struct { // betteralign:ignore
	bufs   sync.Pool
	epfd   int
	closed atomic.Bool
}

func newReactor(maxEvents int) (*reactor, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	r := &reactor{epfd: epfd}
	r.bufs.New = func() any {
		buf := make([]unix.EpollEvent, maxEvents)
		return &buf
	}
	return r, nil
}

// update moves fd's registration from one interest set to another, adding,
// modifying or removing it as required.
func (r *reactor) update(fd int, from, to Event) error {
	var op int
	var name string
	switch {
	case to == EventNone:
		op, name = unix.EPOLL_CTL_DEL, "DEL"
	case from == EventNone:
		op, name = unix.EPOLL_CTL_ADD, "ADD"
	default:
		op, name = unix.EPOLL_CTL_MOD, "MOD"
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(to), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("iomanager: epoll %s fd %d (%s): %w", name, fd, to, os.NewSyscallError("epoll_ctl", err))
	}
	return nil
}

// wait blocks until at least one fd is ready or timeout passes, appending
// the results to dst. EINTR is retried with the remaining time.
func (r *reactor) wait(timeout time.Duration, dst []readiness) ([]readiness, error) {
	bp := r.bufs.Get().(*[]unix.EpollEvent)
	defer r.bufs.Put(bp)
	buf := *bp

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	ms := timeoutMillis(timeout)

	for {
		n, err := unix.EpollWait(r.epfd, buf, ms)
		if err == unix.EINTR {
			if timeout >= 0 {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					return dst, nil
				}
				ms = timeoutMillis(remaining)
			}
			continue
		}
		if err != nil {
			return dst, os.NewSyscallError("epoll_wait", err)
		}
		for i := 0; i < n; i++ {
			dst = append(dst, readiness{
				fd:     int(buf[i].Fd),
				events: epollToEvents(buf[i].Events),
			})
		}
		return dst, nil
	}
}

// registrationGone reports whether an update failed because epoll already
// dropped the fd, which happens when it is closed while still armed.
func registrationGone(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT)
}

func (r *reactor) close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Close(r.epfd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

// eventsToEpoll converts an interest set to epoll flags, always edge triggered.
func eventsToEpoll(events Event) uint32 {
	if events == EventNone {
		return 0
	}
	epollEvents := uint32(unix.EPOLLET)
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll flags to an Event. Error and hangup
// conditions wake both directions; the caller masks by interest.
func epollToEvents(epollEvents uint32) Event {
	var events Event
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventRead | EventWrite
	}
	return events
}
