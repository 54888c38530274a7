//go:build linux

package netpoll

import (
	"golang.org/x/sys/unix"
)

// Read reads from the non-blocking fd into b, parking the calling user
// thread while no data is available. A zero count with a nil error is EOF.
func (p *Poller) Read(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if err := p.Wait(fd, EventRead); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// Write writes all of b to the non-blocking fd, parking the calling user
// thread whenever the fd is not writable. It returns the number of bytes
// written before any error.
func (p *Poller) Write(fd int, b []byte) (int, error) {
	var written int
	for written < len(b) {
		n, err := unix.Write(fd, b[written:])
		switch err {
		case nil:
			written += n
		case unix.EINTR:
		case unix.EAGAIN:
			if err := p.Wait(fd, EventWrite); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

// Accept accepts a connection on the non-blocking listening fd, parking the
// calling user thread until one is pending. The accepted fd is non-blocking
// and close-on-exec.
func (p *Poller) Accept(fd int) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return nfd, sa, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			if err := p.Wait(fd, EventRead); err != nil {
				return -1, nil, err
			}
		default:
			return -1, nil, err
		}
	}
}

// Connect connects the non-blocking socket fd to sa, parking the calling
// user thread until the connection is established or fails.
func (p *Poller) Connect(fd int, sa unix.Sockaddr) error {
	switch err := unix.Connect(fd, sa); err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
	default:
		return err
	}
	if err := p.Wait(fd, EventWrite); err != nil {
		return err
	}
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// Send writes all of b to the connected socket fd with the given MSG_*
// flags, parking like Write.
func (p *Poller) Send(fd int, b []byte, flags int) (int, error) {
	var sent int
	for sent < len(b) {
		n, err := unix.SendmsgN(fd, b[sent:], nil, nil, flags|unix.MSG_NOSIGNAL)
		switch err {
		case nil:
			sent += n
		case unix.EINTR:
		case unix.EAGAIN:
			if err := p.Wait(fd, EventWrite); err != nil {
				return sent, err
			}
		default:
			return sent, err
		}
	}
	return sent, nil
}

// Recv reads from the socket fd with the given MSG_* flags, parking like
// Read.
func (p *Poller) Recv(fd int, b []byte, flags int) (int, error) {
	for {
		n, _, err := unix.Recvfrom(fd, b, flags)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if err := p.Wait(fd, EventRead); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// RecvFrom reads from the socket fd with the given MSG_* flags, returning
// the sender's address, parking like Read.
func (p *Poller) RecvFrom(fd int, b []byte, flags int) (int, unix.Sockaddr, error) {
	for {
		n, from, err := unix.Recvfrom(fd, b, flags)
		switch err {
		case nil:
			return n, from, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if err := p.Wait(fd, EventRead); err != nil {
				return 0, nil, err
			}
		default:
			return 0, nil, err
		}
	}
}

// SendTo sends b as one message to the address to, parking while the
// socket fd is not writable.
func (p *Poller) SendTo(fd int, b []byte, flags int, to unix.Sockaddr) error {
	for {
		switch err := unix.Sendto(fd, b, flags|unix.MSG_NOSIGNAL, to); err {
		case nil:
			return nil
		case unix.EINTR:
		case unix.EAGAIN:
			if err := p.Wait(fd, EventWrite); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// SendMsg sends b and the ancillary data oob on the socket fd, to the
// address to if it is not nil. It makes a single successful send, so oob is
// delivered once, returning the number of bytes of b sent.
func (p *Poller) SendMsg(fd int, b, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, b, oob, to, flags|unix.MSG_NOSIGNAL)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
		case unix.EAGAIN:
			if err := p.Wait(fd, EventWrite); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// RecvMsg reads into b and the ancillary data buffer oob from the socket fd,
// parking like Read.
func (p *Poller) RecvMsg(fd int, b, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	for {
		n, oobn, recvflags, from, err = unix.Recvmsg(fd, b, oob, flags)
		switch err {
		case nil:
			return n, oobn, recvflags, from, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if err = p.Wait(fd, EventRead); err != nil {
				return 0, 0, 0, nil, err
			}
		default:
			return 0, 0, 0, nil, err
		}
	}
}

// Writev writes every buffer of iovs to fd, in order, parking like Write. It
// returns the number of bytes written before any error. iovs is not
// modified.
func (p *Poller) Writev(fd int, iovs [][]byte) (int, error) {
	var total int
	for _, b := range iovs {
		total += len(b)
	}
	iovs = append([][]byte(nil), iovs...)
	var written int
	for written < total {
		n, err := unix.Writev(fd, iovs)
		switch err {
		case nil:
			written += n
			iovs = consumeIovecs(iovs, n)
		case unix.EINTR:
		case unix.EAGAIN:
			if err := p.Wait(fd, EventWrite); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

// consumeIovecs drops the first n bytes from iovs.
func consumeIovecs(iovs [][]byte, n int) [][]byte {
	for len(iovs) != 0 && n >= len(iovs[0]) {
		n -= len(iovs[0])
		iovs = iovs[1:]
	}
	if len(iovs) != 0 {
		iovs[0] = iovs[0][n:]
	}
	return iovs
}
