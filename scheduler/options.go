// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	hooks    Hooks
	ctx      context.Context
	logger   *logiface.Logger[logiface.Event]
	idleTick time.Duration
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithHooks replaces the default idle behavior. Tickle is invoked whenever a
// task is scheduled (and once per worker during Stop), Stopping decides when
// a worker may exit, and Idle is called by a worker with nothing to run.
func WithHooks(hooks Hooks) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if hooks == nil {
			return errors.New("scheduler: nil hooks")
		}
		opts.hooks = hooks
		return nil
	}}
}

// WithContext sets the base context handed to Hooks.Idle and to every fiber
// started by a worker. Values stored in it are visible to all workers.
func WithContext(ctx context.Context) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if ctx == nil {
			return errors.New("scheduler: nil context")
		}
		opts.ctx = ctx
		return nil
	}}
}

// WithLogger attaches a structured logger. Task panics are logged at error
// level, worker lifecycle at debug level.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithIdleTick bounds how long a worker parks when using the default hooks.
func WithIdleTick(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return errors.New("scheduler: idle tick must be positive")
		}
		opts.idleTick = d
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		ctx:      context.Background(),
		idleTick: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
