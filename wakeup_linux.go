//go:build linux

package iomanager

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// wakePipe is the self-pipe used to interrupt workers blocked in epoll_wait.
type wakePipe struct {
	// guards the fds against reuse after close
	mu     sync.RWMutex
	r, w   int
	closed bool
}

func newWakePipe() (*wakePipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("pipe2", err)
	}
	return &wakePipe{r: fds[0], w: fds[1]}, nil
}

// readFD returns the end registered with the reactor.
func (p *wakePipe) readFD() int { return p.r }

// notify writes a single byte. A full pipe already has a wake pending.
func (p *wakePipe) notify() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	for {
		_, err := unix.Write(p.w, []byte{'T'})
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return os.NewSyscallError("write", err)
		}
	}
}

// drain reads until the pipe is empty, returning the number of bytes read.
func (p *wakePipe) drain() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, nil
	}
	var buf [256]byte
	var total int
	for {
		n, err := unix.Read(p.r, buf[:])
		if n > 0 {
			total += n
		}
		switch {
		case err == unix.EAGAIN:
			return total, nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return total, os.NewSyscallError("read", err)
		case n == 0:
			return total, nil
		}
	}
}

func (p *wakePipe) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	if err := unix.Close(p.r); err != nil {
		errs = append(errs, os.NewSyscallError("close", err))
	}
	if err := unix.Close(p.w); err != nil {
		errs = append(errs, os.NewSyscallError("close", err))
	}
	return errors.Join(errs...)
}
