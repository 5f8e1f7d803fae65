//go:build linux

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-iomanager"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolveSockaddr(t *testing.T) {
	_, family, err := resolveSockaddr("127.0.0.1:0")
	require.NoError(t, err)
	require.Equal(t, unix.AF_INET, family)

	_, _, err = resolveSockaddr(":8080")
	require.NoError(t, err)

	_, _, err = resolveSockaddr("[::1]:8080")
	require.NoError(t, err)

	for _, bad := range []string{"localhost", "nohost:1", "127.0.0.1:99999"} {
		_, _, err := resolveSockaddr(bad)
		require.Error(t, err, bad)
	}
}

func TestEchoServer(t *testing.T) {
	var logs bytes.Buffer
	logger, err := newLogger(&lockedWriter{w: &logs}, "debug")
	require.NoError(t, err)

	mgr, err := iomanager.New(2, false, "echo", iomanager.WithLogger(logger))
	require.NoError(t, err)

	srv, err := listenEcho(mgr, logger, "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.start())
	require.False(t, strings.HasSuffix(srv.Addr(), ":0"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", srv.Addr(), 5*time.Second)
			if !assertNoError(t, err) {
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

			// larger than a socket buffer, to exercise write re-arming
			payload := bytes.Repeat([]byte{byte('a' + i)}, 1<<20)
			go func() { _, _ = conn.Write(payload) }()
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, got); !assertNoError(t, err) {
				return
			}
			if !bytes.Equal(payload, got) {
				t.Errorf("conn %d: echoed payload differs", i)
			}
		}()
	}
	wg.Wait()

	// leave one connection open across shutdown
	idle, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer idle.Close()
	_, err = idle.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_ = idle.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(idle, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	srv.shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(ctx))

	// the server closed its end
	_ = idle.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = idle.Read(buf)
	require.Error(t, err)
}

func assertNoError(t *testing.T, err error) bool {
	t.Helper()
	if err != nil {
		t.Error(err)
		return false
	}
	return true
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
