package uthread

import (
	"sync"

	"github.com/joeycumines/go-uthread/internal/goroutineid"
)

// binding is the thread-local slot of one goroutine: either a scheduler
// (a goroutine locked to its OS thread) or a user thread. Both references are
// borrowed; the runtime arena owns them.
type binding struct {
	sched  *Sched
	thread *Thread
}

// bindings maps goroutine id to binding.
var bindings sync.Map

// bindSched binds the calling goroutine to s, reporting false if it is
// already bound to anything else.
func bindSched(s *Sched) (uint64, bool) {
	gid := goroutineid.Get()
	if v, loaded := bindings.LoadOrStore(gid, binding{sched: s}); loaded {
		return gid, v.(binding).sched == s
	}
	return gid, true
}

func bindThread(t *Thread) uint64 {
	gid := goroutineid.Get()
	bindings.Store(gid, binding{thread: t})
	return gid
}

func unbind(gid uint64) {
	bindings.Delete(gid)
}

func lookup() (binding, bool) {
	v, ok := bindings.Load(goroutineid.Get())
	if !ok {
		return binding{}, false
	}
	return v.(binding), true
}

// Current returns the scheduler bound to the calling OS thread. Called from
// within a user thread, it returns the scheduler currently running that
// thread. Returns nil if the caller is bound to neither.
func Current() *Sched {
	b, ok := lookup()
	if !ok {
		return nil
	}
	if b.sched != nil {
		return b.sched
	}
	return b.thread.sched.Load()
}

// Self returns the calling user thread, or nil if the caller is not one.
func Self() *Thread {
	b, ok := lookup()
	if !ok {
		return nil
	}
	return b.thread
}
