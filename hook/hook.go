// Package hook exposes the runtime under thread and socket shaped names, so
// code written against those can run as user threads. Socket operations park
// the calling user thread instead of blocking its scheduler.
//
// The socket functions require a poller installed by Enable.
package hook

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/joeycumines/go-uthread"
	"github.com/joeycumines/go-uthread/netpoll"
	"golang.org/x/sys/unix"
)

// ErrNotEnabled is returned by the socket functions before Enable.
var ErrNotEnabled = errors.New("hook: not enabled")

var active atomic.Pointer[netpoll.Poller]

// Enable installs the poller used by the socket functions, returning the
// previously installed one, if any.
func Enable(p *netpoll.Poller) *netpoll.Poller {
	return active.Swap(p)
}

// Disable uninstalls the poller, returning it.
func Disable() *netpoll.Poller {
	return active.Swap(nil)
}

func poller() (*netpoll.Poller, error) {
	if p := active.Load(); p != nil {
		return p, nil
	}
	return nil, ErrNotEnabled
}

// Create starts a user thread running fn(arg) on the caller's runtime. The
// caller must be a scheduler or a user thread.
func Create(fn uthread.Func, arg any) (*uthread.Thread, error) {
	return uthread.Go(fn, arg)
}

// Join waits for t to complete, returning its result.
func Join(t *uthread.Thread) (any, error) {
	return t.Join()
}

// Self returns the calling user thread, or nil.
func Self() *uthread.Thread {
	return uthread.Self()
}

// Exit terminates the calling user thread.
func Exit() error {
	return uthread.Exit()
}

// Yield switches the calling user thread back to its scheduler.
func Yield() error {
	return uthread.Yield()
}

// Socket creates a non-blocking, close-on-exec socket.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Connect connects fd to sa.
func Connect(fd int, sa unix.Sockaddr) error {
	p, err := poller()
	if err != nil {
		return err
	}
	return p.Connect(fd, sa)
}

// Accept accepts a connection on the listening socket fd.
func Accept(fd int) (int, unix.Sockaddr, error) {
	p, err := poller()
	if err != nil {
		return -1, nil, err
	}
	return p.Accept(fd)
}

// Read reads up to len(b) bytes from fd.
func Read(fd int, b []byte) (int, error) {
	p, err := poller()
	if err != nil {
		return 0, err
	}
	return p.Read(fd, b)
}

// ReadExact reads exactly len(b) bytes from fd. It fails with
// io.ErrUnexpectedEOF if the peer closes first.
func ReadExact(fd int, b []byte) error {
	return readExact(b, func(b []byte) (int, error) { return Read(fd, b) })
}

// Write writes all of b to fd.
func Write(fd int, b []byte) (int, error) {
	p, err := poller()
	if err != nil {
		return 0, err
	}
	return p.Write(fd, b)
}

// Send writes all of b to the socket fd with the given MSG_* flags.
func Send(fd int, b []byte, flags int) (int, error) {
	p, err := poller()
	if err != nil {
		return 0, err
	}
	return p.Send(fd, b, flags)
}

// Recv reads up to len(b) bytes from the socket fd with the given MSG_*
// flags.
func Recv(fd int, b []byte, flags int) (int, error) {
	p, err := poller()
	if err != nil {
		return 0, err
	}
	return p.Recv(fd, b, flags)
}

// RecvExact receives exactly len(b) bytes from the socket fd.
func RecvExact(fd int, b []byte, flags int) error {
	return readExact(b, func(b []byte) (int, error) { return Recv(fd, b, flags) })
}

// RecvFrom reads from the socket fd, returning the sender's address.
func RecvFrom(fd int, b []byte, flags int) (int, unix.Sockaddr, error) {
	p, err := poller()
	if err != nil {
		return 0, nil, err
	}
	return p.RecvFrom(fd, b, flags)
}

// SendTo sends b as one message to the address to.
func SendTo(fd int, b []byte, flags int, to unix.Sockaddr) error {
	p, err := poller()
	if err != nil {
		return err
	}
	return p.SendTo(fd, b, flags, to)
}

// SendMsg sends b with the ancillary data oob, to the address to if it is
// not nil.
func SendMsg(fd int, b, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	p, err := poller()
	if err != nil {
		return 0, err
	}
	return p.SendMsg(fd, b, oob, to, flags)
}

// RecvMsg reads into b and the ancillary data buffer oob.
func RecvMsg(fd int, b, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	p, err := poller()
	if err != nil {
		return 0, 0, 0, nil, err
	}
	return p.RecvMsg(fd, b, oob, flags)
}

// Writev writes every buffer of iovs to fd, in order.
func Writev(fd int, iovs [][]byte) (int, error) {
	p, err := poller()
	if err != nil {
		return 0, err
	}
	return p.Writev(fd, iovs)
}

// Close removes fd from the poller, then closes it.
func Close(fd int) error {
	var forgetErr error
	if p := active.Load(); p != nil {
		forgetErr = p.Forget(fd)
	}
	return errors.Join(forgetErr, unix.Close(fd))
}

func readExact(b []byte, read func([]byte) (int, error)) error {
	for len(b) != 0 {
		n, err := read(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		b = b[n:]
	}
	return nil
}
