package iomanager

import "errors"

// Standard errors.
var (
	// ErrInvalidFD is returned for a negative file descriptor.
	ErrInvalidFD = errors.New("iomanager: invalid file descriptor")

	// ErrInvalidEvent is returned when an operation expects exactly one of
	// EventRead and EventWrite.
	ErrInvalidEvent = errors.New("iomanager: event must be exactly one of READ or WRITE")

	// ErrNilCallback is returned by AddEvent when the callback is nil.
	ErrNilCallback = errors.New("iomanager: nil callback")

	// ErrNilFiber is returned by AddEventFiber when the fiber is nil.
	ErrNilFiber = errors.New("iomanager: nil fiber")

	// ErrEventAlreadyRegistered is returned when the event is already armed on the fd.
	ErrEventAlreadyRegistered = errors.New("iomanager: event already registered")

	// ErrFDNotRegistered is returned when the fd has no registered interest.
	ErrFDNotRegistered = errors.New("iomanager: fd not registered")

	// ErrEventNotRegistered is returned when the event is not armed on the fd.
	ErrEventNotRegistered = errors.New("iomanager: event not registered")

	// ErrManagerStopped is returned when registering on a stopped manager.
	ErrManagerStopped = errors.New("iomanager: manager stopped")

	// ErrUnsupportedPlatform is returned by New on platforms without epoll.
	ErrUnsupportedPlatform = errors.New("iomanager: unsupported platform")
)
