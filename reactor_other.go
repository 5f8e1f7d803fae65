//go:build !linux

package iomanager

import "time"

type reactor struct{}

func newReactor(int) (*reactor, error) { return nil, ErrUnsupportedPlatform }

func (*reactor) update(int, Event, Event) error { return ErrUnsupportedPlatform }

func (*reactor) wait(_ time.Duration, dst []readiness) ([]readiness, error) {
	return dst, ErrUnsupportedPlatform
}

func (*reactor) close() error { return nil }

func registrationGone(error) bool { return false }

type wakePipe struct{}

func newWakePipe() (*wakePipe, error) { return nil, ErrUnsupportedPlatform }

func (*wakePipe) readFD() int { return -1 }

func (*wakePipe) notify() error { return ErrUnsupportedPlatform }

func (*wakePipe) drain() (int, error) { return 0, ErrUnsupportedPlatform }

func (*wakePipe) close() error { return nil }
