package uthread

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// liveClosed is the value of Runtime.live once teardown has claimed the
// runtime. Thread creation fails from that point on.
const liveClosed = -1

// noSlot terminates the index-linked idle lists.
const noSlot = -1

// Runtime is the process-wide runtime state: fixed-capacity arenas of
// schedulers and processor slots, their idle lists, and the live user
// thread count.
//
// Every Sched and every P is, at all times, either a member of its idle list
// or actively owned. Ownership changes happen under idleMu.
type Runtime struct {
	_ [0]func()

	opts  *runtimeOptions
	log   *logiface.Logger[logiface.Event]
	alloc StackAllocator

	// idleLimiter bounds the rate of idle-park diagnostics per scheduler.
	idleLimiter *catrate.Limiter

	// boot is the scheduler bound to the OS thread that called Init.
	boot *Sched

	// done is closed by teardown; parked schedulers select on it.
	done chan struct{}

	// procAvail carries a token whenever an unowned P is returned to the idle
	// list or receives a ready thread, waking parked schedulers to adopt it.
	procAvail chan struct{}

	scheds []Sched
	procs  []P

	workers errgroup.Group

	idleMu        sync.Mutex
	schedIdleHead int
	schedIdleTail int
	procIdleHead  int
	procIdleTail  int

	// teardownMu guards the one irreversible action: release + exit.
	teardownMu sync.Mutex

	live      atomic.Int64
	created   atomic.Uint64
	completed atomic.Uint64
	nextTID   atomic.Uint64
	placement atomic.Uint64
	armed     atomic.Bool
	released  atomic.Bool
}

// Init initializes the runtime: it allocates both arenas and their stacks,
// binds the first scheduler and processor slot together, and binds the
// calling goroutine (locked to its OS thread) to that scheduler.
//
// Construction is atomic: on failure every reservation made so far is
// released, and the returned error carries an OS error code (see Errno).
// Init fails with EBUSY if the calling goroutine is already bound to a
// scheduler or is a user thread. The caller is expected to invoke Run from
// the same goroutine.
func Init(opts ...RuntimeOption) (*Runtime, error) {
	cfg, err := resolveRuntimeOptions(opts)
	if err != nil {
		return nil, err
	}
	if _, bound := lookup(); bound {
		return nil, errnof(unix.EBUSY, "calling goroutine is already bound")
	}

	rt := &Runtime{
		opts:          cfg,
		log:           cfg.logger,
		alloc:         cfg.allocator,
		done:          make(chan struct{}),
		procAvail:     make(chan struct{}, cfg.maxProcs),
		scheds:        make([]Sched, cfg.maxProcs),
		procs:         make([]P, cfg.maxProcs),
		schedIdleHead: noSlot,
		schedIdleTail: noSlot,
		procIdleHead:  noSlot,
		procIdleTail:  noSlot,
		idleLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		}),
	}

	for i := range rt.scheds {
		stack, err := rt.alloc.Allocate(cfg.stackSize)
		if err != nil {
			for j := 0; j < i; j++ {
				rt.releaseStack(rt.scheds[j].stack)
				rt.scheds[j].stack = Stack{}
			}
			rt.log.Err().
				Err(err).
				Int("sched", i).
				Log("failed to allocate scheduler stack")
			return nil, err
		}

		s := &rt.scheds[i]
		s.rt = rt
		s.id = i
		s.stack = stack
		s.link = noSlot
		s.status.Store(SlotIdle)
		rt.pushIdleSchedLocked(s)

		p := &rt.procs[i]
		p.id = i
		p.queue = newReadyQueue()
		p.link = noSlot
		p.owner = noSlot
		p.status.Store(SlotIdle)
		rt.pushIdleProcLocked(p)
	}

	rt.idleMu.Lock()
	s, p := rt.popIdleSchedLocked(), rt.popIdleProcLocked()
	rt.ownLocked(s, p)
	rt.idleMu.Unlock()
	rt.boot = s

	runtime.LockOSThread()
	s.bind()

	rt.log.Info().
		Int("max_procs", cfg.maxProcs).
		Int("stack_size", cfg.stackSize).
		Int("sched", s.id).
		Int("proc", p.id).
		Int("tid", s.tid).
		Log("runtime initialized")

	return rt, nil
}

// Run runs the bootstrap scheduler's run loop. It must be called from the
// goroutine that called Init. Run arms termination: from this point the
// first scheduler observing zero live user threads tears down the runtime
// and exits the process. It only returns if the configured exit function
// returns, or on misuse.
func (rt *Runtime) Run() error {
	return rt.boot.Run()
}

// Boot returns the scheduler bound by Init.
func (rt *Runtime) Boot() *Sched { return rt.boot }

// Spawn takes an idle scheduler and an idle processor slot, binds them, and
// starts the scheduler's run loop on a new OS thread.
func (rt *Runtime) Spawn() (*Sched, error) {
	rt.idleMu.Lock()
	if rt.released.Load() {
		rt.idleMu.Unlock()
		return nil, ErrRuntimeTerminated
	}
	if rt.schedIdleHead == noSlot {
		rt.idleMu.Unlock()
		return nil, ErrNoIdleSched
	}
	if rt.procIdleHead == noSlot {
		rt.idleMu.Unlock()
		return nil, ErrNoIdleProc
	}
	s, p := rt.popIdleSchedLocked(), rt.takeIdleProcLocked(false)
	rt.ownLocked(s, p)
	rt.idleMu.Unlock()

	started := make(chan struct{})
	rt.workers.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		s.bind()
		close(started)
		return s.loop()
	})
	<-started

	rt.log.Debug().
		Int("sched", s.id).
		Int("proc", p.id).
		Int("tid", s.tid).
		Log("scheduler spawned")

	return s, nil
}

// Wait blocks until every spawned scheduler's run loop has returned, which
// only happens if the exit function returns.
func (rt *Runtime) Wait() error {
	return rt.workers.Wait()
}

// Done returns a channel closed once teardown has run.
func (rt *Runtime) Done() <-chan struct{} { return rt.done }

// Live returns the number of user threads not yet done, or -1 once the
// runtime has terminated.
func (rt *Runtime) Live() int64 { return rt.live.Load() }

// addLive registers a new live thread, failing once teardown has claimed
// the runtime.
func (rt *Runtime) addLive() bool {
	for {
		n := rt.live.Load()
		if n < 0 {
			return false
		}
		if rt.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (rt *Runtime) threadDone() {
	rt.completed.Add(1)
	if rt.live.Add(-1) < 0 {
		rt.fatal(&InvariantError{Op: "complete", Message: "live thread count underflow"})
	}
}

// tryTerminate reports whether s's run loop must stop. The scheduler that
// moves the live count from 0 to closed performs teardown.
func (rt *Runtime) tryTerminate(s *Sched) bool {
	select {
	case <-rt.done:
		return true
	default:
	}
	if !rt.armed.Load() {
		return false
	}
	if !rt.live.CompareAndSwap(0, liveClosed) {
		return rt.live.Load() == liveClosed
	}
	rt.teardown(s)
	return true
}

// teardown releases every scheduler stack and both arenas, then exits the
// process. It runs exactly once.
func (rt *Runtime) teardown(s *Sched) {
	rt.teardownMu.Lock()
	defer rt.teardownMu.Unlock()
	if rt.released.Load() {
		return
	}

	rt.log.Notice().
		Int("sched", s.id).
		Uint64("threads", rt.created.Load()).
		Log("all user threads done")

	snapshot := rt.snapshot()

	rt.idleMu.Lock()
	stacks := make([]Stack, 0, len(rt.scheds))
	for i := range rt.scheds {
		stacks = append(stacks, rt.scheds[i].stack)
		rt.scheds[i].stack = Stack{}
	}
	rt.scheds = nil
	rt.procs = nil
	rt.released.Store(true)
	rt.idleMu.Unlock()
	close(rt.done)

	for _, stack := range stacks {
		rt.releaseStack(stack)
	}

	if rt.opts.reportPath != "" {
		if err := writeReport(rt.opts.reportPath, snapshot); err != nil {
			rt.log.Err().
				Err(err).
				Str("path", rt.opts.reportPath).
				Log("failed to write teardown report")
		}
	}

	rt.log.Info().Log("process exiting")
	rt.opts.exit(0)
}

// ownLocked binds s and p, marking both running.
func (rt *Runtime) ownLocked(s *Sched, p *P) {
	s.status.Store(SlotRunning)
	p.status.Store(SlotRunning)
	p.owner = s.id
	s.p.Store(p)
}

// acquireProc binds an idle P to s, which must have none. A P holding ready
// threads is preferred over the head of the idle list.
func (rt *Runtime) acquireProc(s *Sched) bool {
	rt.idleMu.Lock()
	defer rt.idleMu.Unlock()
	if rt.released.Load() || rt.procIdleHead == noSlot {
		return false
	}
	if s.p.Load() != nil {
		rt.fatalLocked(&InvariantError{Op: "acquire proc", Message: "scheduler already owns a processor slot"})
	}
	p := rt.takeIdleProcLocked(false)
	p.status.Store(SlotRunning)
	p.owner = s.id
	s.p.Store(p)
	return true
}

// adoptProc swaps s's P, if it has no ready threads, for an idle P that
// has some. The swapped out P joins the idle list.
func (rt *Runtime) adoptProc(s *Sched) bool {
	rt.idleMu.Lock()
	if rt.released.Load() {
		rt.idleMu.Unlock()
		return false
	}
	prev := s.p.Load()
	if prev == nil || !prev.queue.empty() {
		rt.idleMu.Unlock()
		return false
	}
	p := rt.takeIdleProcLocked(true)
	if p == nil {
		rt.idleMu.Unlock()
		return false
	}
	prev.owner = noSlot
	prev.status.Store(SlotIdle)
	rt.pushIdleProcLocked(prev)
	p.status.Store(SlotRunning)
	p.owner = s.id
	s.p.Store(p)
	rt.idleMu.Unlock()

	// a push racing the swap may have observed prev as still owned
	if !prev.queue.empty() {
		rt.signalProcAvail()
	}

	rt.log.Debug().
		Int("sched", s.id).
		Int("proc", p.id).
		Int("prev_proc", prev.id).
		Log("adopted idle processor slot")
	return true
}

// releaseProc returns s's P to the idle list, reporting false if s had none.
func (rt *Runtime) releaseProc(s *Sched) bool {
	rt.idleMu.Lock()
	p := s.p.Load()
	if p == nil || rt.released.Load() {
		rt.idleMu.Unlock()
		return false
	}
	s.p.Store(nil)
	p.owner = noSlot
	p.status.Store(SlotIdle)
	rt.pushIdleProcLocked(p)
	rt.idleMu.Unlock()

	rt.signalProcAvail()
	return true
}

func (rt *Runtime) signalProcAvail() {
	select {
	case rt.procAvail <- struct{}{}:
	default:
	}
}

// enqueue pushes t onto p's ready queue. A push onto a P that no scheduler
// owns signals procAvail, so that a parked scheduler adopts it.
func (rt *Runtime) enqueue(p *P, t *Thread) {
	if !p.queue.push(t) {
		rt.fatal(&InvariantError{Op: "enqueue", Message: "thread " + t.String() + " is already linked into a ready queue"})
	}
	if p.status.Load() == SlotIdle {
		rt.signalProcAvail()
	}
}

func (rt *Runtime) releaseStack(stack Stack) {
	if err := rt.alloc.Release(stack); err != nil {
		rt.fatal(err)
	}
}

func (rt *Runtime) pushIdleSchedLocked(s *Sched) {
	s.link = noSlot
	if rt.schedIdleTail == noSlot {
		rt.schedIdleHead = s.id
	} else {
		rt.scheds[rt.schedIdleTail].link = s.id
	}
	rt.schedIdleTail = s.id
}

func (rt *Runtime) popIdleSchedLocked() *Sched {
	if rt.schedIdleHead == noSlot {
		return nil
	}
	s := &rt.scheds[rt.schedIdleHead]
	rt.schedIdleHead = s.link
	if rt.schedIdleHead == noSlot {
		rt.schedIdleTail = noSlot
	}
	s.link = noSlot
	return s
}

func (rt *Runtime) pushIdleProcLocked(p *P) {
	p.link = noSlot
	if rt.procIdleTail == noSlot {
		rt.procIdleHead = p.id
	} else {
		rt.procs[rt.procIdleTail].link = p.id
	}
	rt.procIdleTail = p.id
}

func (rt *Runtime) popIdleProcLocked() *P {
	if rt.procIdleHead == noSlot {
		return nil
	}
	return rt.unlinkIdleProcLocked(noSlot, rt.procIdleHead)
}

// takeIdleProcLocked removes the first idle P holding ready threads. If
// there is none it falls back to the head of the list, unless busyOnly.
func (rt *Runtime) takeIdleProcLocked(busyOnly bool) *P {
	prev := noSlot
	for i := rt.procIdleHead; i != noSlot; prev, i = i, rt.procs[i].link {
		if !rt.procs[i].queue.empty() {
			return rt.unlinkIdleProcLocked(prev, i)
		}
	}
	if busyOnly {
		return nil
	}
	return rt.popIdleProcLocked()
}

// unlinkIdleProcLocked removes procs[i] from the idle list, prev being its
// predecessor or noSlot.
func (rt *Runtime) unlinkIdleProcLocked(prev, i int) *P {
	p := &rt.procs[i]
	if prev == noSlot {
		rt.procIdleHead = p.link
	} else {
		rt.procs[prev].link = p.link
	}
	if rt.procIdleTail == i {
		rt.procIdleTail = prev
	}
	p.link = noSlot
	return p
}

// Validate checks the ownership invariants: every Sched and every P is in
// exactly one of {idle list, owned}, a P has at most one owner, and a Sched
// owns at most one P.
func (rt *Runtime) Validate() error {
	rt.idleMu.Lock()
	defer rt.idleMu.Unlock()
	if rt.released.Load() {
		return ErrRuntimeTerminated
	}

	idleScheds := make(map[int]bool, len(rt.scheds))
	for i, n := rt.schedIdleHead, 0; i != noSlot; i, n = rt.scheds[i].link, n+1 {
		if n > len(rt.scheds) || idleScheds[i] {
			return &InvariantError{Op: "validate", Message: "scheduler idle list is cyclic"}
		}
		idleScheds[i] = true
	}
	idleProcs := make(map[int]bool, len(rt.procs))
	for i, n := rt.procIdleHead, 0; i != noSlot; i, n = rt.procs[i].link, n+1 {
		if n > len(rt.procs) || idleProcs[i] {
			return &InvariantError{Op: "validate", Message: "processor slot idle list is cyclic"}
		}
		idleProcs[i] = true
	}

	owners := make(map[int]int, len(rt.procs))
	for i := range rt.scheds {
		s := &rt.scheds[i]
		switch s.status.Load() {
		case SlotIdle:
			if !idleScheds[i] {
				return &InvariantError{Op: "validate", Message: fmt.Sprintf("idle scheduler %d is not in the idle list", i)}
			}
			if s.p.Load() != nil {
				return &InvariantError{Op: "validate", Message: fmt.Sprintf("idle scheduler %d owns a processor slot", i)}
			}
		case SlotRunning:
			if idleScheds[i] {
				return &InvariantError{Op: "validate", Message: fmt.Sprintf("running scheduler %d is in the idle list", i)}
			}
		}
		if p := s.p.Load(); p != nil {
			if prev, ok := owners[p.id]; ok {
				return &InvariantError{Op: "validate", Message: fmt.Sprintf("processor slot %d owned by schedulers %d and %d", p.id, prev, i)}
			}
			owners[p.id] = i
		}
	}

	for i := range rt.procs {
		p := &rt.procs[i]
		owner, owned := owners[i]
		switch {
		case owned && idleProcs[i]:
			return &InvariantError{Op: "validate", Message: fmt.Sprintf("owned processor slot %d is in the idle list", i)}
		case !owned && !idleProcs[i]:
			return &InvariantError{Op: "validate", Message: fmt.Sprintf("processor slot %d is neither owned nor idle", i)}
		case owned && (p.owner != owner || p.status.Load() != SlotRunning):
			return &InvariantError{Op: "validate", Message: fmt.Sprintf("processor slot %d has inconsistent owner", i)}
		case !owned && (p.owner != noSlot || p.status.Load() != SlotIdle):
			return &InvariantError{Op: "validate", Message: fmt.Sprintf("idle processor slot %d has inconsistent owner", i)}
		}
	}

	return nil
}

// Proc returns the processor slot with the given index, or nil if out of
// range or terminated.
func (rt *Runtime) Proc(id int) *P {
	rt.idleMu.Lock()
	defer rt.idleMu.Unlock()
	if id < 0 || id >= len(rt.procs) {
		return nil
	}
	return &rt.procs[id]
}

// Sched returns the scheduler with the given index, or nil if out of range or
// terminated.
func (rt *Runtime) Sched(id int) *Sched {
	rt.idleMu.Lock()
	defer rt.idleMu.Unlock()
	if id < 0 || id >= len(rt.scheds) {
		return nil
	}
	return &rt.scheds[id]
}
