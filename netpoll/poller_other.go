//go:build !linux

package netpoll

import (
	"golang.org/x/sys/unix"
)

// Poller is unavailable on this platform.
type Poller struct{}

// New returns ErrUnsupported.
func New(...Option) (*Poller, error) { return nil, ErrUnsupported }

func (*Poller) Close() error                           { return ErrUnsupported }
func (*Poller) Wait(int, Events) error                 { return ErrUnsupported }
func (*Poller) Forget(int) error                       { return ErrUnsupported }
func (*Poller) Stats() (waits, wakeups uint64)         { return 0, 0 }
func (*Poller) Read(int, []byte) (int, error)          { return 0, ErrUnsupported }
func (*Poller) Write(int, []byte) (int, error)         { return 0, ErrUnsupported }
func (*Poller) Send(int, []byte, int) (int, error)     { return 0, ErrUnsupported }
func (*Poller) Recv(int, []byte, int) (int, error)     { return 0, ErrUnsupported }
func (*Poller) Accept(int) (int, unix.Sockaddr, error) { return -1, nil, ErrUnsupported }
func (*Poller) Connect(int, unix.Sockaddr) error       { return ErrUnsupported }

func (*Poller) RecvFrom(int, []byte, int) (int, unix.Sockaddr, error) {
	return 0, nil, ErrUnsupported
}

func (*Poller) SendTo(int, []byte, int, unix.Sockaddr) error { return ErrUnsupported }

func (*Poller) SendMsg(int, []byte, []byte, unix.Sockaddr, int) (int, error) {
	return 0, ErrUnsupported
}

func (*Poller) RecvMsg(int, []byte, []byte, int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	return 0, 0, 0, nil, ErrUnsupported
}

func (*Poller) Writev(int, [][]byte) (int, error) { return 0, ErrUnsupported }
