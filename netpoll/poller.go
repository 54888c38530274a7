// Package netpoll parks user threads on file descriptor readiness.
//
// A Poller owns an epoll instance and a goroutine waiting on it. A user
// thread whose non-blocking I/O fails with EAGAIN registers interest and
// parks; the poll goroutine makes it ready again once the descriptor is
// readable or writable. Every other user thread keeps running meanwhile.
//
// Only Linux is supported. Elsewhere, New returns ErrUnsupported.
package netpoll

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// Events is a set of readiness conditions.
type Events uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead Events = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// Standard errors.
var (
	ErrClosed       = errors.New("netpoll: poller closed")
	ErrUnsupported  = errors.New("netpoll: unsupported platform")
	ErrFDOutOfRange = errors.New("netpoll: fd out of range")

	// ErrBusy is returned when another user thread is already waiting for
	// the same event on the same file descriptor.
	ErrBusy = errors.New("netpoll: fd already has a waiter for this event")
)

type pollerOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// Option configures a Poller.
type Option interface {
	applyPoller(*pollerOptions)
}

type optionFunc func(*pollerOptions)

func (f optionFunc) applyPoller(opts *pollerOptions) { f(opts) }

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(opts *pollerOptions) {
		opts.logger = logger
	})
}

func resolveOptions(opts []Option) *pollerOptions {
	cfg := new(pollerOptions)
	for _, opt := range opts {
		if opt != nil {
			opt.applyPoller(cfg)
		}
	}
	return cfg
}
