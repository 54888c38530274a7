package uthread

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrRuntimeTerminated is returned when work is submitted after the live
	// thread count reached zero and teardown has claimed the runtime.
	ErrRuntimeTerminated = errors.New("uthread: runtime has terminated")

	// ErrNotBound is returned when an operation requires the calling goroutine
	// to be bound to a scheduler (or to be a user thread), and it is not.
	ErrNotBound = errors.New("uthread: caller is not bound to a scheduler")

	// ErrNotUserThread is returned by cooperative operations (Yield, Park,
	// DetachProc) invoked outside a user thread.
	ErrNotUserThread = errors.New("uthread: caller is not a user thread")

	// ErrNoIdleSched is returned by Spawn when every scheduler is in use.
	ErrNoIdleSched = errors.New("uthread: no idle scheduler")

	// ErrNoIdleProc is returned by Spawn when every processor slot is in use.
	ErrNoIdleProc = errors.New("uthread: no idle processor slot")

	// ErrNoProc is returned when a thread cannot be placed, because no
	// processor slot is owned by a running scheduler.
	ErrNoProc = errors.New("uthread: no running processor slot")

	// ErrJoinSelf is returned when a thread attempts to join itself.
	ErrJoinSelf = errors.New("uthread: thread cannot join itself")

	// ErrNotBlocked is returned by Thread.Ready for a thread that is not
	// blocked.
	ErrNotBlocked = errors.New("uthread: thread is not blocked")

	// ErrAlreadyRunning is returned when Run is invoked for a scheduler whose
	// run loop is already active.
	ErrAlreadyRunning = errors.New("uthread: scheduler is already running")
)

// InvariantError reports a violated runtime invariant. These are programmer
// errors; the runtime logs them with a diagnostic dump and panics.
type InvariantError struct {
	// Op is the operation that detected the violation, e.g. "resume".
	Op      string
	Message string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return "uthread: invariant violated: " + e.Op + ": " + e.Message
}

// PanicError wraps a value recovered from a panicking user thread entry.
// It is returned as the join error of that thread.
type PanicError struct {
	Value  any
	Thread uint64
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("uthread: thread %d panicked: %v", e.Thread, e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling [errors.Is] and [errors.As] through the cause chain.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Errno returns the OS error code carried by err: 0 for nil, EIO for an error
// that carries none. Init failures always carry one.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}

func errnof(errno unix.Errno, format string, args ...any) error {
	return fmt.Errorf("uthread: "+format+": %w", append(args, errno)...)
}
