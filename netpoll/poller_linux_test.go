//go:build linux

package netpoll

import (
	"testing"
	"time"

	"github.com/joeycumines/go-uthread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testTimeout = 10 * time.Second

// runThreads runs a runtime with procs schedulers until every user thread
// created by setup is done.
func runThreads(t *testing.T, procs int, setup func(rt *uthread.Runtime)) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		rt, err := uthread.Init(
			uthread.WithMaxProcs(procs),
			uthread.WithStackSize(4096),
			uthread.WithAllocator(uthread.NewBudgetAllocator(1<<20)),
			uthread.WithExit(func(int) {}),
		)
		if err != nil {
			done <- err
			return
		}
		for range procs - 1 {
			if _, err := rt.Spawn(); err != nil {
				done <- err
				return
			}
		}
		setup(rt)
		if err := rt.Run(); err != nil {
			done <- err
			return
		}
		done <- rt.Wait()
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("runtime did not terminate")
	}
}

func newPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func socketpair(t *testing.T) [2]int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds
}

func TestPoller_readParksUntilWritten(t *testing.T) {
	p := newPoller(t)
	fds := socketpair(t)

	var got string
	runThreads(t, 1, func(rt *uthread.Runtime) {
		_, err := rt.Go(func(any) any {
			buf := make([]byte, 16)
			n, err := p.Read(fds[0], buf)
			assert.NoError(t, err)
			got = string(buf[:n])
			return nil
		}, nil)
		assert.NoError(t, err)

		_, err = rt.Go(func(any) any {
			// let the reader park first
			for range 3 {
				assert.NoError(t, uthread.Yield())
			}
			n, err := p.Write(fds[1], []byte("hello"))
			assert.NoError(t, err)
			assert.Equal(t, 5, n)
			return nil
		}, nil)
		assert.NoError(t, err)
	})

	assert.Equal(t, "hello", got)
	waits, wakeups := p.Stats()
	assert.Equal(t, uint64(1), waits)
	assert.Equal(t, uint64(1), wakeups)
}

func TestPoller_writeParksWhileFull(t *testing.T) {
	p := newPoller(t)
	fds := socketpair(t)
	require.NoError(t, unix.SetsockoptInt(fds[1], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	received := make([]byte, 0, len(payload))

	runThreads(t, 2, func(rt *uthread.Runtime) {
		_, err := rt.GoOn(0, func(any) any {
			n, err := p.Write(fds[1], payload)
			assert.NoError(t, err)
			assert.Equal(t, len(payload), n)
			return nil
		}, nil)
		assert.NoError(t, err)

		_, err = rt.GoOn(1, func(any) any {
			buf := make([]byte, 8192)
			for len(received) < len(payload) {
				n, err := p.Read(fds[0], buf)
				if !assert.NoError(t, err) || n == 0 {
					return nil
				}
				received = append(received, buf[:n]...)
			}
			return nil
		}, nil)
		assert.NoError(t, err)
	})

	assert.Equal(t, payload, received)
}

func TestPoller_acceptConnect(t *testing.T) {
	p := newPoller(t)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(lfd) })
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 8))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)

	var reply string
	runThreads(t, 1, func(rt *uthread.Runtime) {
		_, err := rt.Go(func(any) any {
			cfd, _, err := p.Accept(lfd)
			if !assert.NoError(t, err) {
				return nil
			}
			defer func() {
				assert.NoError(t, p.Forget(cfd))
				_ = unix.Close(cfd)
			}()
			buf := make([]byte, 16)
			n, err := p.Read(cfd, buf)
			assert.NoError(t, err)
			_, err = p.Write(cfd, buf[:n])
			assert.NoError(t, err)
			return nil
		}, nil)
		assert.NoError(t, err)

		_, err = rt.Go(func(any) any {
			fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
			if !assert.NoError(t, err) {
				return nil
			}
			defer func() {
				assert.NoError(t, p.Forget(fd))
				_ = unix.Close(fd)
			}()
			if !assert.NoError(t, p.Connect(fd, sa)) {
				return nil
			}
			_, err = p.Write(fd, []byte("ping"))
			assert.NoError(t, err)
			buf := make([]byte, 16)
			n, err := p.Read(fd, buf)
			assert.NoError(t, err)
			reply = string(buf[:n])
			return nil
		}, nil)
		assert.NoError(t, err)
	})

	assert.Equal(t, "ping", reply)
}

func TestPoller_connectRefused(t *testing.T) {
	p := newPoller(t)

	// a bound but not listening socket reserves a port nobody accepts on
	rfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(rfd) })
	require.NoError(t, unix.Bind(rfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(rfd)
	require.NoError(t, err)

	runThreads(t, 1, func(rt *uthread.Runtime) {
		_, err := rt.Go(func(any) any {
			fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
			if !assert.NoError(t, err) {
				return nil
			}
			defer unix.Close(fd)
			defer p.Forget(fd)
			assert.ErrorIs(t, p.Connect(fd, sa), unix.ECONNREFUSED)
			return nil
		}, nil)
		assert.NoError(t, err)
	})
}

func TestPoller_busy(t *testing.T) {
	p := newPoller(t)
	fds := socketpair(t)

	runThreads(t, 1, func(rt *uthread.Runtime) {
		_, err := rt.Go(func(any) any {
			buf := make([]byte, 4)
			n, err := p.Read(fds[0], buf)
			assert.NoError(t, err)
			assert.Equal(t, "done", string(buf[:n]))
			return nil
		}, nil)
		assert.NoError(t, err)

		_, err = rt.Go(func(any) any {
			assert.ErrorIs(t, p.Wait(fds[0], EventRead), ErrBusy)
			_, err := p.Write(fds[1], []byte("done"))
			assert.NoError(t, err)
			return nil
		}, nil)
		assert.NoError(t, err)
	})
}

func TestPoller_sendRecv(t *testing.T) {
	p := newPoller(t)
	fds := socketpair(t)

	var peeked, got string
	runThreads(t, 1, func(rt *uthread.Runtime) {
		_, err := rt.Go(func(any) any {
			buf := make([]byte, 8)
			n, err := p.Recv(fds[0], buf, unix.MSG_PEEK)
			assert.NoError(t, err)
			peeked = string(buf[:n])
			n, err = p.Recv(fds[0], buf, 0)
			assert.NoError(t, err)
			got = string(buf[:n])
			return nil
		}, nil)
		assert.NoError(t, err)

		_, err = rt.Go(func(any) any {
			n, err := p.Send(fds[1], []byte("msg"), 0)
			assert.NoError(t, err)
			assert.Equal(t, 3, n)
			return nil
		}, nil)
		assert.NoError(t, err)
	})

	assert.Equal(t, "msg", peeked)
	assert.Equal(t, "msg", got)
}

func udpSocket(t *testing.T) (int, *unix.SockaddrInet4) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, sa.(*unix.SockaddrInet4)
}

func TestPoller_sendToRecvFrom(t *testing.T) {
	p := newPoller(t)
	rfd, raddr := udpSocket(t)
	sfd, saddr := udpSocket(t)

	var (
		got  string
		from unix.Sockaddr
	)
	runThreads(t, 1, func(rt *uthread.Runtime) {
		_, err := rt.Go(func(any) any {
			buf := make([]byte, 64)
			n, sa, err := p.RecvFrom(rfd, buf, 0)
			assert.NoError(t, err)
			got, from = string(buf[:n]), sa
			return nil
		}, nil)
		assert.NoError(t, err)

		_, err = rt.Go(func(any) any {
			assert.NoError(t, uthread.Yield())
			assert.NoError(t, p.SendTo(sfd, []byte("datagram"), 0, raddr))
			return nil
		}, nil)
		assert.NoError(t, err)
	})

	assert.Equal(t, "datagram", got)
	if assert.IsType(t, &unix.SockaddrInet4{}, from) {
		assert.Equal(t, saddr.Port, from.(*unix.SockaddrInet4).Port)
	}
	waits, _ := p.Stats()
	assert.Equal(t, uint64(1), waits)
}

func TestPoller_sendMsgRecvMsg(t *testing.T) {
	p := newPoller(t)
	fds := socketpair(t)

	var pipe [2]int
	require.NoError(t, unix.Pipe2(pipe[:], unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(pipe[0])
		_ = unix.Close(pipe[1])
	})

	var (
		got      string
		received []int
	)
	runThreads(t, 1, func(rt *uthread.Runtime) {
		_, err := rt.Go(func(any) any {
			buf := make([]byte, 16)
			oob := make([]byte, unix.CmsgSpace(4))
			n, oobn, _, _, err := p.RecvMsg(fds[0], buf, oob, unix.MSG_CMSG_CLOEXEC)
			if !assert.NoError(t, err) {
				return nil
			}
			got = string(buf[:n])
			msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			if assert.NoError(t, err) && assert.Len(t, msgs, 1) {
				received, err = unix.ParseUnixRights(&msgs[0])
				assert.NoError(t, err)
			}
			return nil
		}, nil)
		assert.NoError(t, err)

		_, err = rt.Go(func(any) any {
			n, err := p.SendMsg(fds[1], []byte("fd"), unix.UnixRights(pipe[1]), nil, 0)
			assert.NoError(t, err)
			assert.Equal(t, 2, n)
			return nil
		}, nil)
		assert.NoError(t, err)
	})

	assert.Equal(t, "fd", got)
	require.Len(t, received, 1)
	defer unix.Close(received[0])
	// the passed descriptor is the pipe's write end
	_, err := unix.Write(received[0], []byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	n, err := unix.Read(pipe[0], buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}

func TestPoller_writev(t *testing.T) {
	p := newPoller(t)
	fds := socketpair(t)
	require.NoError(t, unix.SetsockoptInt(fds[1], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	iovs := make([][]byte, 3)
	var want []byte
	for i := range iovs {
		iovs[i] = make([]byte, 64<<10)
		for j := range iovs[i] {
			iovs[i][j] = byte(i + j)
		}
		want = append(want, iovs[i]...)
	}
	first := iovs[0]

	received := make([]byte, 0, len(want))
	runThreads(t, 1, func(rt *uthread.Runtime) {
		_, err := rt.Go(func(any) any {
			n, err := p.Writev(fds[1], iovs)
			assert.NoError(t, err)
			assert.Equal(t, len(want), n)
			return nil
		}, nil)
		assert.NoError(t, err)

		_, err = rt.Go(func(any) any {
			buf := make([]byte, 8192)
			for len(received) < len(want) {
				n, err := p.Read(fds[0], buf)
				if !assert.NoError(t, err) || n == 0 {
					return nil
				}
				received = append(received, buf[:n]...)
			}
			return nil
		}, nil)
		assert.NoError(t, err)
	})

	assert.Equal(t, want, received)
	assert.Len(t, iovs, 3)
	assert.Len(t, iovs[0], len(first))
}

func TestConsumeIovecs(t *testing.T) {
	iovs := [][]byte{[]byte("ab"), nil, []byte("cde")}
	assert.Equal(t, [][]byte{[]byte("b"), nil, []byte("cde")}, consumeIovecs(append([][]byte(nil), iovs...), 1))
	assert.Equal(t, [][]byte{[]byte("de")}, consumeIovecs(append([][]byte(nil), iovs...), 3))
	assert.Empty(t, consumeIovecs(append([][]byte(nil), iovs...), 5))
}

func TestPoller_closeWakesWaiters(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	fds := socketpair(t)

	runThreads(t, 1, func(rt *uthread.Runtime) {
		th, err := rt.Go(func(any) any {
			_, err := p.Read(fds[0], make([]byte, 1))
			assert.ErrorIs(t, err, ErrClosed)
			return nil
		}, nil)
		if !assert.NoError(t, err) {
			return
		}

		go func() {
			for th.Status() != uthread.ThreadBlocked {
				time.Sleep(time.Millisecond)
			}
			assert.NoError(t, p.Close())
		}()
	})

	assert.ErrorIs(t, p.Close(), ErrClosed)
}

func TestPoller_waitOutsideUserThread(t *testing.T) {
	p := newPoller(t)
	assert.ErrorIs(t, p.Wait(0, EventRead), uthread.ErrNotUserThread)

	fds := socketpair(t)
	_, err := p.Read(fds[0], make([]byte, 1))
	assert.ErrorIs(t, err, uthread.ErrNotUserThread)
}

func TestEpollToEvents(t *testing.T) {
	assert.Equal(t, EventRead, epollToEvents(unix.EPOLLIN))
	assert.Equal(t, EventRead, epollToEvents(unix.EPOLLRDHUP))
	assert.Equal(t, EventWrite|EventError, epollToEvents(unix.EPOLLOUT|unix.EPOLLERR))
	assert.Equal(t, EventHangup, epollToEvents(unix.EPOLLHUP))
}
