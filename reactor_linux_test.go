//go:build linux

package iomanager

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEpollToEvents(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   uint32
		want Event
	}{
		{"none", 0, EventNone},
		{"in", unix.EPOLLIN, EventRead},
		{"out", unix.EPOLLOUT, EventWrite},
		{"in out", unix.EPOLLIN | unix.EPOLLOUT, EventRead | EventWrite},
		{"err", unix.EPOLLERR, EventRead | EventWrite},
		{"hup", unix.EPOLLHUP, EventRead | EventWrite},
		{"rdhup", unix.EPOLLRDHUP, EventRead | EventWrite},
		{"out hup", unix.EPOLLOUT | unix.EPOLLHUP, EventRead | EventWrite},
		{"unrelated", unix.EPOLLPRI, EventNone},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, epollToEvents(tc.in))
		})
	}
}

func TestEventsToEpoll(t *testing.T) {
	require.Zero(t, eventsToEpoll(EventNone))
	require.Equal(t, uint32(unix.EPOLLET|unix.EPOLLIN), eventsToEpoll(EventRead))
	require.Equal(t, uint32(unix.EPOLLET|unix.EPOLLOUT), eventsToEpoll(EventWrite))
	require.Equal(t, uint32(unix.EPOLLET|unix.EPOLLIN|unix.EPOLLOUT), eventsToEpoll(EventRead|EventWrite))
}

func TestRegistrationGone(t *testing.T) {
	r, err := newReactor(4)
	require.NoError(t, err)
	defer func() { _ = r.close() }()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer func() { _ = unix.Close(fds[1]) }()

	require.NoError(t, r.update(fds[0], EventNone, EventRead))
	require.NoError(t, unix.Close(fds[0]))

	err = r.update(fds[0], EventRead, EventNone)
	require.Error(t, err)
	require.True(t, registrationGone(err))

	require.False(t, registrationGone(unix.EPERM))
}
