package uthread

import (
	"runtime"
	"sync/atomic"
)

// Sched is a scheduler instance: the driver bound 1:1 to an OS thread, which
// owns at most one processor slot and runs the run loop over its ready queue.
type Sched struct {
	rt *Runtime
	// p is the owned processor slot, or nil. Written under the runtime's idle
	// lock; read lock-free by the run loop, which must tolerate it becoming
	// nil across any resume.
	p atomic.Pointer[P]
	// curr is the thread being resumed, accessed only by the run loop.
	curr    *Thread
	stack   Stack
	status  slotState
	id      int
	link    int
	gid     uint64
	tid     int
	running atomic.Bool
	passes  atomic.Uint64
	resumes atomic.Uint64
}

// ID returns the scheduler's index within the runtime arena.
func (s *Sched) ID() int { return s.id }

// Status returns whether the scheduler is idle or running.
func (s *Sched) Status() SlotStatus { return s.status.Load() }

// Proc returns the owned processor slot, or nil.
func (s *Sched) Proc() *P { return s.p.Load() }

// Runtime returns the runtime this scheduler belongs to.
func (s *Sched) Runtime() *Runtime { return s.rt }

// bind sets the calling goroutine's thread-local slot, which must already be
// locked to its OS thread. It is never reassigned.
func (s *Sched) bind() {
	gid, ok := bindSched(s)
	if !ok {
		s.rt.fatal(&InvariantError{Op: "bind", Message: "OS thread is already bound to a scheduler"})
	}
	s.gid = gid
	s.tid = osThreadID()
}

// Run enters the run loop. It is the entry point for the goroutine bound to
// s by Init; spawned schedulers enter it directly (see Runtime.Spawn). Run
// arms termination, see Runtime.Run.
func (s *Sched) Run() error {
	if b, ok := lookup(); !ok || b.sched != s {
		return ErrNotBound
	}
	defer runtime.UnlockOSThread()
	s.rt.armed.Store(true)
	return s.loop()
}

// loop is the run loop:
//
//	Draining:   one pass over the ready queue, bounded by a snapshot of its tail
//	Terminated: the live count is zero, tear down (once) and stop
//	Idle:       no work, park until a push, an idle P, or teardown
func (s *Sched) loop() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer unbind(s.gid)

	for {
		worked := s.pass()
		if s.rt.tryTerminate(s) {
			return nil
		}
		if !worked {
			s.park()
		}
	}
}

// pass resumes the threads present in the ready queue at its start, in FIFO
// order. Threads enqueued during the pass, including those re-enqueued by
// yielding, are left for the next pass. Returns false if there was no work.
func (s *Sched) pass() bool {
	p := s.p.Load()
	if p == nil {
		return false
	}
	marker := p.queue.last()
	if marker == nil {
		return false
	}
	s.passes.Add(1)
	for {
		t := p.queue.pop()
		if t == nil {
			return true
		}
		s.resume(p, t)
		// the slot may have been released while t ran, in which case the
		// marker means nothing
		if s.p.Load() != p {
			s.rt.log.Debug().
				Int("sched", s.id).
				Int("proc", p.id).
				Log("processor slot released during pass")
			return true
		}
		if t == marker {
			return true
		}
	}
}

// resume switches into t until it yields, blocks, or completes.
func (s *Sched) resume(p *P, t *Thread) {
	if !t.status.TryTransition(ThreadReady, ThreadRunning) {
		s.rt.fatal(&InvariantError{
			Op:      "resume",
			Message: "thread " + t.String() + " is not ready",
		})
	}
	t.home.Store(p)
	t.sched.Store(s)
	s.curr = t
	s.resumes.Add(1)
	t.ctx.switchTo()
	s.curr = nil
}

// park blocks the run loop until there may be work.
func (s *Sched) park() {
	p := s.p.Load()
	if p == nil {
		if s.rt.acquireProc(s) {
			return
		}
		s.logIdle(-1)
		select {
		case <-s.rt.procAvail:
		case <-s.rt.done:
		}
		return
	}
	if s.rt.adoptProc(s) {
		return
	}
	s.logIdle(p.id)
	select {
	case <-p.queue.wake:
	case <-s.rt.procAvail:
	case <-s.rt.done:
	}
}

func (s *Sched) logIdle(proc int) {
	if _, ok := s.rt.idleLimiter.Allow(s.id); !ok {
		return
	}
	s.rt.log.Debug().
		Int("sched", s.id).
		Int("proc", proc).
		Int64("live", s.rt.live.Load()).
		Log("scheduler parked")
}
