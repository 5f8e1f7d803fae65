//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joeycumines/go-iomanager"
	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

const readBufferSize = 4096

type serveOptions struct {
	*rootOptions
	addr          string
	statsInterval time.Duration
	grace         time.Duration
}

func addPlatformCommands(root *cobra.Command, opts *rootOptions) {
	root.AddCommand(newServeCommand(opts))
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server until interrupted",
		Long: `Run a TCP echo server. Every socket is nonblocking and driven by
one-shot IOManager registrations, re-armed after each readiness event.

Example:
  iomanager-echo serve --addr 127.0.0.1:9000 --threads 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:9000", "listen address (ip:port)")
	cmd.Flags().DurationVar(&opts.statsInterval, "stats-interval", 0, "log manager stats at this interval (0 disables)")
	cmd.Flags().DurationVar(&opts.grace, "grace", 10*time.Second, "how long to wait for shutdown")

	return cmd
}

func (o *serveOptions) run(cmd *cobra.Command) error {
	cfg, err := o.load(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return err
	}

	mgr, err := iomanager.NewFromConfig(cfg, iomanager.WithLogger(logger))
	if err != nil {
		return err
	}

	srv, err := listenEcho(mgr, logger, o.addr)
	if err != nil {
		_ = mgr.Stop(context.Background())
		return err
	}
	if o.statsInterval > 0 {
		srv.logStatsEvery(o.statsInterval)
	}
	if err := srv.start(); err != nil {
		srv.shutdown()
		_ = unix.Close(srv.lfd)
		_ = mgr.Stop(context.Background())
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	stopCtx, cancelStop := context.WithCancel(context.Background())
	defer cancelStop()
	go func() {
		<-sigCtx.Done()
		logger.Info().Log("shutting down")
		srv.shutdown()
		time.AfterFunc(o.grace, cancelStop)
	}()

	// with use_caller set, this goroutine serves as a worker until shutdown
	if err := mgr.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// echoServer owns a listening socket and the connections accepted from it.
// Each fd has at most one registration armed at a time, so handlers for the
// same connection never overlap.
type echoServer struct {
	mgr    *iomanager.IOManager
	logger *logiface.Logger[logiface.Event]
	lfd    int
	local  string

	// guards closing and every re-arm, so shutdown cannot miss a registration
	mu      sync.Mutex
	closing bool
	conns   map[int]*echoConn
	stats   *iomanager.Timer
}

type echoConn struct {
	fd      int
	buf     []byte
	pending []byte
}

func listenEcho(mgr *iomanager.IOManager, logger *logiface.Logger[logiface.Event], addr string) (*echoServer, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	local := addr
	if bound, err := unix.Getsockname(fd); err == nil {
		local = sockaddrString(bound)
	}

	return &echoServer{
		mgr:    mgr,
		logger: logger,
		lfd:    fd,
		local:  local,
		conns:  make(map[int]*echoConn),
	}, nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: int(port)}, unix.AF_INET, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("invalid ip %q", host)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	default:
		return fmt.Sprint(sa)
	}
}

// Addr returns the bound listen address.
func (s *echoServer) Addr() string { return s.local }

func (s *echoServer) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mgr.AddEvent(s.lfd, iomanager.EventRead, s.onAccept); err != nil {
		return err
	}
	s.logger.Info().Str("addr", s.local).Log("listening")
	return nil
}

func (s *echoServer) logStatsEvery(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = s.mgr.AddTimer(d, func() {
		st := s.mgr.Stats()
		s.mu.Lock()
		conns := len(s.conns)
		s.mu.Unlock()
		s.logger.Info().
			Int("connections", conns).
			Int64("pending_events", st.PendingEvents).
			Int("timers", st.Timers).
			Int("idle_workers", st.IdleWorkers).
			Log("stats")
	}, true)
}

// shutdown stops accepting and cancels every armed registration, so the
// handlers run once more and close their fds.
func (s *echoServer) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.stats != nil {
		s.stats.Cancel()
	}
	s.cancel(s.lfd)
	for fd := range s.conns {
		s.cancel(fd)
	}
}

func (s *echoServer) cancel(fd int) {
	if err := s.mgr.CancelAll(fd); err != nil && !errors.Is(err, iomanager.ErrFDNotRegistered) {
		s.logger.Err().Int("fd", fd).Err(err).Log("failed to cancel registration")
	}
}

func (s *echoServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *echoServer) onAccept() {
	for !s.isClosing() {
		nfd, _, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			if !errors.Is(err, unix.EAGAIN) {
				s.logger.Err().Err(err).Log("accept failed")
			}
			break
		}
		c := &echoConn{fd: nfd, buf: make([]byte, readBufferSize)}
		s.mu.Lock()
		s.conns[nfd] = c
		s.mu.Unlock()
		s.logger.Debug().Int("fd", nfd).Log("accepted")
		s.arm(c, iomanager.EventRead, s.onReadable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		_ = unix.Close(s.lfd)
		return
	}
	if err := s.mgr.AddEvent(s.lfd, iomanager.EventRead, s.onAccept); err != nil {
		s.logger.Err().Err(err).Log("failed to re-arm listener")
		_ = unix.Close(s.lfd)
	}
}

// arm registers fn for event on c, closing c if that is not possible.
func (s *echoServer) arm(c *echoConn, event iomanager.Event, fn func(*echoConn)) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.closeConn(c, nil)
		return
	}
	err := s.mgr.AddEvent(c.fd, event, func() { fn(c) })
	s.mu.Unlock()
	if err != nil {
		s.closeConn(c, err)
	}
}

func (s *echoServer) onReadable(c *echoConn) {
	for {
		if s.isClosing() {
			s.closeConn(c, nil)
			return
		}
		n, err := unix.Read(c.fd, c.buf)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				s.arm(c, iomanager.EventRead, s.onReadable)
			default:
				s.closeConn(c, err)
			}
			return
		}
		if n == 0 {
			s.closeConn(c, nil)
			return
		}
		if !s.write(c, c.buf[:n]) {
			return
		}
	}
}

func (s *echoServer) onWritable(c *echoConn) {
	p := c.pending
	c.pending = nil
	if s.write(c, p) {
		s.onReadable(c)
	}
}

// write sends p, reporting false if the connection now waits for
// writability or was closed.
func (s *echoServer) write(c *echoConn, p []byte) bool {
	for len(p) != 0 {
		n, err := unix.Write(c.fd, p)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				c.pending = append(c.pending[:0], p...)
				s.arm(c, iomanager.EventWrite, s.onWritable)
			default:
				s.closeConn(c, err)
			}
			return false
		}
		p = p[n:]
	}
	return true
}

func (s *echoServer) closeConn(c *echoConn, err error) {
	s.mu.Lock()
	delete(s.conns, c.fd)
	s.mu.Unlock()
	if cerr := unix.Close(c.fd); err == nil {
		err = cerr
	}
	if err != nil {
		s.logger.Info().Int("fd", c.fd).Err(err).Log("connection closed")
	} else {
		s.logger.Debug().Int("fd", c.fd).Log("connection closed")
	}
}
