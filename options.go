// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package iomanager

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultIdleTimeout bounds how long an idle worker blocks in the reactor
// when no timer is due sooner.
const DefaultIdleTimeout = 3 * time.Second

// ioManagerOptions holds configuration options for IOManager creation.
type ioManagerOptions struct {
	ctx         context.Context
	logger      *logiface.Logger[logiface.Event]
	logRates    map[time.Duration]int
	idleTimeout time.Duration
	maxEvents   int
	fdCapacity  int
}

// Option configures an IOManager instance.
type Option interface {
	applyIOManager(*ioManagerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyIOManagerFunc func(*ioManagerOptions) error
}

func (o *optionImpl) applyIOManager(opts *ioManagerOptions) error {
	return o.applyIOManagerFunc(opts)
}

// WithLogger attaches a structured logger. Nil disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *ioManagerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithContext sets the base context handed to workers and the fibers they
// run. [FromContext] resolves the manager from any context derived from it.
func WithContext(ctx context.Context) Option {
	return &optionImpl{func(opts *ioManagerOptions) error {
		if ctx == nil {
			return errors.New("iomanager: nil context")
		}
		opts.ctx = ctx
		return nil
	}}
}

// WithIdleTimeout caps how long an idle worker blocks in epoll_wait.
func WithIdleTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *ioManagerOptions) error {
		if d <= 0 {
			return errors.New("iomanager: idle timeout must be positive")
		}
		opts.idleTimeout = d
		return nil
	}}
}

// WithMaxEvents sets how many readiness events one wait may return.
func WithMaxEvents(n int) Option {
	return &optionImpl{func(opts *ioManagerOptions) error {
		if n <= 0 {
			return errors.New("iomanager: max events must be positive")
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithInitialFDCapacity sizes the fd table up front.
func WithInitialFDCapacity(n int) Option {
	return &optionImpl{func(opts *ioManagerOptions) error {
		if n <= 0 {
			return errors.New("iomanager: fd capacity must be positive")
		}
		opts.fdCapacity = n
		return nil
	}}
}

// WithLogRateLimits sets the per-category limits applied to repeated
// reactor failure logs, as accepted by catrate.NewLimiter. Nil or empty
// disables rate limiting.
func WithLogRateLimits(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *ioManagerOptions) error {
		opts.logRates = rates
		return nil
	}}
}

// resolveOptions applies Option instances to ioManagerOptions.
func resolveOptions(opts []Option) (*ioManagerOptions, error) {
	cfg := &ioManagerOptions{
		ctx:         context.Background(),
		idleTimeout: DefaultIdleTimeout,
		maxEvents:   defaultMaxEvents,
		fdCapacity:  defaultFDCapacity,
		logRates:    defaultLogRates(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyIOManager(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
