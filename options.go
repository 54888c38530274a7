// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package uthread

import (
	"os"
	"runtime"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// runtimeOptions holds configuration options for Runtime creation.
type runtimeOptions struct {
	allocator  StackAllocator
	logger     *logiface.Logger[logiface.Event]
	exit       func(code int)
	reportPath string
	maxProcs   int
	stackSize  int
}

// --- Runtime Options ---

// RuntimeOption configures a Runtime instance.
type RuntimeOption interface {
	applyRuntime(*runtimeOptions) error
}

// runtimeOptionImpl implements RuntimeOption.
type runtimeOptionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (r *runtimeOptionImpl) applyRuntime(opts *runtimeOptions) error {
	return r.applyRuntimeFunc(opts)
}

// WithMaxProcs sets the capacity of the scheduler and processor slot arenas,
// i.e. the maximum number of OS threads running user threads.
// Defaults to GOMAXPROCS.
func WithMaxProcs(n int) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if n < 1 {
			return errnof(unix.EINVAL, "max procs %d", n)
		}
		opts.maxProcs = n
		return nil
	}}
}

// WithStackSize sets the stack reservation for every scheduler and user
// thread. Defaults to DefaultStackSize.
func WithStackSize(size int) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if size < 1 {
			return errnof(unix.EINVAL, "stack size %d", size)
		}
		opts.stackSize = size
		return nil
	}}
}

// WithAllocator sets the StackAllocator. Defaults to a BudgetAllocator
// derived from system memory.
func WithAllocator(allocator StackAllocator) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.allocator = allocator
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithExit replaces the function terminating the process once every user
// thread is done. Defaults to os.Exit. If the function returns, every run
// loop returns nil instead.
func WithExit(exit func(code int)) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.exit = exit
		return nil
	}}
}

// WithReportPath configures teardown to atomically write a JSON Snapshot
// of the final runtime state to path.
func WithReportPath(path string) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.reportPath = path
		return nil
	}}
}

// resolveRuntimeOptions applies RuntimeOption instances to runtimeOptions.
func resolveRuntimeOptions(opts []RuntimeOption) (*runtimeOptions, error) {
	cfg := &runtimeOptions{
		maxProcs:  runtime.GOMAXPROCS(0),
		stackSize: DefaultStackSize,
		exit:      os.Exit,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.allocator == nil {
		cfg.allocator = NewBudgetAllocator(0)
	}
	if cfg.exit == nil {
		cfg.exit = os.Exit
	}
	return cfg, nil
}
