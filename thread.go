package uthread

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Func is the entry function of a user thread.
type Func func(arg any) any

// Thread is a user thread: a cooperatively scheduled flow of execution with
// its own stack reservation and execution context.
type Thread struct {
	rt  *Runtime
	ctx *execContext
	fn  Func
	arg any

	// queue and next are the intrusive ready queue linkage, guarded by the
	// mutex of the queue the thread is linked into.
	queue *readyQueue
	next  *Thread

	// home is the processor slot the thread is enqueued on when ready.
	home atomic.Pointer[P]
	// sched is the scheduler that last resumed the thread.
	sched atomic.Pointer[Sched]

	done chan struct{}

	mu      sync.Mutex
	joiners []*Thread
	result  any
	err     error

	stack  Stack
	id     uint64
	status threadState
}

// ID returns the thread's identity, unique within its runtime.
func (t *Thread) ID() uint64 { return t.id }

// Status returns the thread's current status.
func (t *Thread) Status() ThreadStatus { return t.status.Load() }

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return strconv.FormatUint(t.id, 10) + "(" + t.status.Load().String() + ")"
}

// Go creates a user thread running fn(arg), placed on the calling
// scheduler's processor slot, or round-robin across running slots if the
// caller is not bound to this runtime.
func (rt *Runtime) Go(fn Func, arg any) (*Thread, error) {
	p, err := rt.place()
	if err != nil {
		return nil, err
	}
	return rt.newThread(p, fn, arg)
}

// GoOn creates a user thread running fn(arg), enqueued on the processor slot
// with the given index. It may be called from any goroutine.
func (rt *Runtime) GoOn(proc int, fn Func, arg any) (*Thread, error) {
	p := rt.Proc(proc)
	if p == nil {
		if rt.released.Load() {
			return nil, ErrRuntimeTerminated
		}
		return nil, errnof(unix.EINVAL, "processor slot %d", proc)
	}
	return rt.newThread(p, fn, arg)
}

// Go creates a user thread on the runtime the caller is bound to.
func Go(fn Func, arg any) (*Thread, error) {
	s := Current()
	if s == nil {
		return nil, ErrNotBound
	}
	return s.rt.Go(fn, arg)
}

func (rt *Runtime) place() (*P, error) {
	if s := Current(); s != nil && s.rt == rt {
		if p := s.p.Load(); p != nil {
			return p, nil
		}
	}
	rt.idleMu.Lock()
	defer rt.idleMu.Unlock()
	if rt.released.Load() {
		return nil, ErrRuntimeTerminated
	}
	n := uint64(len(rt.procs))
	start := rt.placement.Add(1)
	for i := range n {
		if p := &rt.procs[(start+i)%n]; p.owner != noSlot {
			return p, nil
		}
	}
	return nil, ErrNoProc
}

func (rt *Runtime) newThread(p *P, fn Func, arg any) (*Thread, error) {
	if fn == nil {
		return nil, errnof(unix.EINVAL, "nil thread entry")
	}
	stack, err := rt.alloc.Allocate(rt.opts.stackSize)
	if err != nil {
		return nil, err
	}
	if !rt.addLive() {
		rt.releaseStack(stack)
		return nil, ErrRuntimeTerminated
	}

	t := &Thread{
		rt:    rt,
		fn:    fn,
		arg:   arg,
		done:  make(chan struct{}),
		stack: stack,
		id:    rt.nextTID.Add(1),
	}
	t.ctx = newExecContext(t.main)
	t.status.Store(ThreadReady)
	t.home.Store(p)
	rt.created.Add(1)

	rt.log.Trace().
		Uint64("thread", t.id).
		Int("proc", p.id).
		Log("thread created")

	rt.enqueue(p, t)
	return t, nil
}

// main is the entry of the thread's execution context.
func (t *Thread) main() {
	gid := bindThread(t)
	var result any
	defer func() {
		var err error
		if r := recover(); r != nil {
			if _, ok := r.(*InvariantError); ok {
				panic(r)
			}
			err = &PanicError{Value: r, Thread: t.id}
			t.rt.log.Err().
				Err(err).
				Uint64("thread", t.id).
				Log("thread panicked")
		}
		unbind(gid)
		t.complete(result, err)
		t.ctx.finish()
	}()
	result = t.fn(t.arg)
}

// complete transitions t to done: joiners are made ready, the stack is
// released, and the live count is decremented.
func (t *Thread) complete(result any, err error) {
	t.mu.Lock()
	t.result, t.err = result, err
	t.status.Store(ThreadDone)
	joiners := t.joiners
	t.joiners = nil
	t.mu.Unlock()
	close(t.done)

	t.rt.releaseStack(t.stack)
	t.stack = Stack{}

	for _, j := range joiners {
		if err := j.Ready(); err != nil {
			t.rt.fatal(&InvariantError{Op: "join", Message: "joiner " + j.String() + " is not blocked"})
		}
	}

	t.rt.log.Trace().
		Uint64("thread", t.id).
		Log("thread done")

	t.rt.threadDone()
}

// Join waits for t to complete, returning the value its entry returned, or a
// *PanicError if it panicked. Called from a user thread, the caller blocks
// cooperatively, releasing its scheduler; called from any other goroutine it
// blocks that goroutine.
func (t *Thread) Join() (any, error) {
	self := Self()
	if self == nil {
		<-t.done
		return t.joinResult()
	}
	if self == t {
		return nil, ErrJoinSelf
	}

	t.mu.Lock()
	if t.status.Load() == ThreadDone {
		t.mu.Unlock()
		return t.joinResult()
	}
	if !self.status.TryTransition(ThreadRunning, ThreadBlocked) {
		t.mu.Unlock()
		self.rt.fatal(&InvariantError{Op: "join", Message: "joining thread " + self.String() + " is not running"})
	}
	t.joiners = append(t.joiners, self)
	t.mu.Unlock()

	self.ctx.switchOut()
	return t.joinResult()
}

func (t *Thread) joinResult() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Wait blocks the calling goroutine until t completes or ctx is done. It must
// not be called from a user thread, use Join.
func (t *Thread) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		_, err := t.joinResult()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once t has completed.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Ready transitions a blocked thread back to ready, enqueueing it at the tail
// of its processor slot. Safe to call from any goroutine.
func (t *Thread) Ready() error {
	if !t.status.TryTransition(ThreadBlocked, ThreadReady) {
		return ErrNotBlocked
	}
	t.rt.enqueue(t.home.Load(), t)
	return nil
}

// Yield re-enqueues the calling user thread at the tail of its processor
// slot and switches back to its scheduler.
func Yield() error {
	t := Self()
	if t == nil {
		return ErrNotUserThread
	}
	if !t.status.TryTransition(ThreadRunning, ThreadReady) {
		t.rt.fatal(&InvariantError{Op: "yield", Message: "thread " + t.String() + " is not running"})
	}
	t.rt.enqueue(t.home.Load(), t)
	t.ctx.switchOut()
	return nil
}

// Park blocks the calling user thread until Ready is called for it. The
// register callback, if any, runs once the thread is marked blocked, and is
// where the thread is handed to whatever will make it ready (an I/O poller,
// for instance). Ready may be called before Park switches out.
func Park(register func(t *Thread)) error {
	t := Self()
	if t == nil {
		return ErrNotUserThread
	}
	if !t.status.TryTransition(ThreadRunning, ThreadBlocked) {
		t.rt.fatal(&InvariantError{Op: "park", Message: "thread " + t.String() + " is not running"})
	}
	if register != nil {
		register(t)
	}
	t.ctx.switchOut()
	return nil
}

// Exit terminates the calling user thread, as if its entry returned nil.
// Deferred calls run. Outside a user thread, it returns ErrNotUserThread.
func Exit() error {
	if Self() == nil {
		return ErrNotUserThread
	}
	runtime.Goexit()
	return nil
}

// DetachProc releases the processor slot of the scheduler running the
// calling user thread back to the idle list. The run loop stops its current
// pass once the thread switches out, then acquires an idle slot (possibly
// the same one) before resuming work.
func DetachProc() error {
	t := Self()
	if t == nil {
		return ErrNotUserThread
	}
	s := t.sched.Load()
	if !s.rt.releaseProc(s) {
		return ErrNoProc
	}
	s.rt.log.Debug().
		Int("sched", s.id).
		Uint64("thread", t.id).
		Log("processor slot detached")
	return nil
}
