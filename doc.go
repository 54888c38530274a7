// Package uthread implements an M:N cooperative threading runtime: user
// threads are multiplexed onto a small, fixed pool of OS threads, each
// driving one scheduler.
//
// # Architecture
//
// A [Runtime] owns fixed-capacity arenas of schedulers ([Sched]) and
// processor slots ([P]), plus an idle list of each. Every scheduler is bound
// to one OS thread for its whole life, and owns at most one processor slot.
// Each processor slot holds a FIFO ready queue of user threads ([Thread]).
//
// A scheduler's run loop drains its slot's ready queue in passes. Each pass
// resumes only the threads present when the pass began (bounded by a snapshot
// of the queue's tail), so a thread that keeps re-enqueueing itself cannot
// starve the termination check that follows every pass. When no user thread
// is live any more, exactly one scheduler tears the runtime down and exits
// the process with status 0.
//
// There is no preemption and no work stealing: a user thread runs until it
// completes, or switches back to its scheduler via [Yield], [Park],
// [Thread.Join] or [Exit].
//
// # Thread Safety
//
//   - [Runtime.Go], [Runtime.GoOn] and [Thread.Ready] are safe to call from
//     any goroutine; they enqueue onto a slot's ready queue, which is the one
//     multi-producer structure
//   - dequeueing is done only by the scheduler owning the slot
//   - [Yield], [Park], [Exit] and [DetachProc] must be called from a user
//     thread
//
// # Usage
//
//	rt, err := uthread.Init(uthread.WithMaxProcs(4))
//	if err != nil {
//	    os.Exit(uthread.Errno(err))
//	}
//	for i := 0; i < 3; i++ {
//	    if _, err := rt.Spawn(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//	if _, err := rt.Go(worker, nil); err != nil {
//	    log.Fatal(err)
//	}
//	_ = rt.Run() // exits the process once every user thread is done
//
// The hook package exposes the same operations under thread and socket
// shaped names, and netpoll parks user threads on socket readiness.
package uthread
