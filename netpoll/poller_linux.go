//go:build linux

package netpoll

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-uthread"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// MaxFDLimit is the largest file descriptor accepted.
const MaxFDLimit = 100000000

// fdWaiters holds the threads parked on one file descriptor.
type fdWaiters struct {
	read  *uthread.Thread
	write *uthread.Thread
	// registered is true once the fd was added to the epoll set. Interest is
	// one-shot, so it is re-armed with EPOLL_CTL_MOD on every wait.
	registered bool
}

func (w *fdWaiters) interest() uint32 {
	events := uint32(unix.EPOLLONESHOT)
	if w.read != nil {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if w.write != nil {
		events |= unix.EPOLLOUT
	}
	return events
}

// Poller manages readiness registrations using epoll.
type Poller struct {
	log      *logiface.Logger[logiface.Event]
	fds      map[int]*fdWaiters
	done     chan struct{}
	eventBuf [128]unix.EpollEvent
	fdMu     sync.Mutex
	epfd     int
	wakefd   int
	waits    atomic.Uint64
	wakeups  atomic.Uint64
	closed   atomic.Bool
}

// New creates the epoll instance and starts the poll goroutine.
func New(opts ...Option) (*Poller, error) {
	cfg := resolveOptions(opts)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}

	p := &Poller{
		log:    cfg.logger,
		fds:    make(map[int]*fdWaiters),
		done:   make(chan struct{}),
		epfd:   epfd,
		wakefd: wakefd,
	}
	go p.run()
	return p, nil
}

// Close stops the poll goroutine and releases the epoll instance. Threads
// still parked are made ready, and their pending operation fails with
// ErrClosed.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	one := [8]byte{1}
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		return err
	}
	<-p.done

	p.fdMu.Lock()
	fds := p.fds
	p.fds = nil
	p.fdMu.Unlock()
	for fd, w := range fds {
		p.readyAll(fd, w.read, w.write)
	}

	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}

// Wait parks the calling user thread until fd is ready for events, which
// must be EventRead or EventWrite (or both).
func (p *Poller) Wait(fd int, events Events) error {
	if uthread.Self() == nil {
		return uthread.ErrNotUserThread
	}
	if fd < 0 || fd >= MaxFDLimit {
		return ErrFDOutOfRange
	}
	var armErr error
	if err := uthread.Park(func(t *uthread.Thread) {
		if armErr = p.arm(fd, events, t); armErr != nil {
			_ = t.Ready()
		}
	}); err != nil {
		return err
	}
	if armErr != nil {
		return armErr
	}
	if p.closed.Load() {
		return ErrClosed
	}
	return nil
}

// arm records t as the waiter for events on fd, and (re-)arms the one-shot
// epoll registration.
func (p *Poller) arm(fd int, events Events, t *uthread.Thread) error {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}
	w := p.fds[fd]
	if w == nil {
		w = new(fdWaiters)
		p.fds[fd] = w
	}
	if (events&EventRead != 0 && w.read != nil) || (events&EventWrite != 0 && w.write != nil) {
		return ErrBusy
	}
	prevRead, prevWrite := w.read, w.write
	if events&EventRead != 0 {
		w.read = t
	}
	if events&EventWrite != 0 {
		w.write = t
	}

	op := unix.EPOLL_CTL_MOD
	if !w.registered {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &unix.EpollEvent{
		Events: w.interest(),
		Fd:     int32(fd),
	}); err != nil {
		w.read, w.write = prevRead, prevWrite
		if !w.registered {
			delete(p.fds, fd)
		}
		return err
	}
	w.registered = true
	p.waits.Add(1)
	return nil
}

// Forget removes fd from the epoll set. It must be called before closing a
// descriptor that was waited on. Waiters, if any, are made ready.
func (p *Poller) Forget(fd int) error {
	p.fdMu.Lock()
	w := p.fds[fd]
	if w == nil {
		p.fdMu.Unlock()
		return nil
	}
	delete(p.fds, fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	p.fdMu.Unlock()
	p.readyAll(fd, w.read, w.write)
	return err
}

// Stats returns the number of waits armed and threads woken by the poll
// goroutine.
func (p *Poller) Stats() (waits, wakeups uint64) {
	return p.waits.Load(), p.wakeups.Load()
}

func (p *Poller) run() {
	defer close(p.done)
	for {
		n, err := unix.EpollWait(p.epfd, p.eventBuf[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.log.Err().
				Err(err).
				Log("epoll wait failed")
			return
		}
		for i := 0; i < n; i++ {
			fd := int(p.eventBuf[i].Fd)
			if fd == p.wakefd {
				if p.closed.Load() {
					return
				}
				continue
			}
			p.dispatch(fd, epollToEvents(p.eventBuf[i].Events))
		}
	}
}

// dispatch takes the waiters satisfied by events, re-arms the registration
// for any that remain, then makes the taken ones ready.
func (p *Poller) dispatch(fd int, events Events) {
	var read, write *uthread.Thread
	p.fdMu.Lock()
	w := p.fds[fd]
	if w == nil {
		p.fdMu.Unlock()
		return
	}
	failed := events&(EventError|EventHangup) != 0
	if w.read != nil && (failed || events&EventRead != 0) {
		read, w.read = w.read, nil
	}
	if w.write != nil && (failed || events&EventWrite != 0) {
		write, w.write = w.write, nil
	}
	// a thread waiting on both is woken by either
	if read != nil && w.write == read {
		w.write = nil
	}
	if write != nil && w.read == write {
		w.read = nil
	}
	if w.read != nil || w.write != nil {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
			Events: w.interest(),
			Fd:     int32(fd),
		}); err != nil {
			p.log.Err().
				Err(err).
				Int("fd", fd).
				Log("failed to re-arm fd")
			if read == nil {
				read, w.read = w.read, nil
			}
			if write == nil {
				write, w.write = w.write, nil
			}
		}
	}
	p.fdMu.Unlock()
	p.readyAll(fd, read, write)
}

func (p *Poller) readyAll(fd int, threads ...*uthread.Thread) {
	for i, t := range threads {
		if t == nil || (i > 0 && t == threads[i-1]) {
			continue
		}
		if err := t.Ready(); err != nil {
			p.log.Err().
				Err(err).
				Int("fd", fd).
				Uint64("thread", t.ID()).
				Log("failed to ready thread")
			continue
		}
		p.wakeups.Add(1)
		p.log.Trace().
			Int("fd", fd).
			Uint64("thread", t.ID()).
			Log("thread ready")
	}
}

// epollToEvents converts epoll event flags to Events.
func epollToEvents(epollEvents uint32) Events {
	var events Events
	if epollEvents&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
