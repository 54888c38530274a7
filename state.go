package uthread

import (
	"sync/atomic"
)

// ThreadStatus is the state of a user thread.
//
// State Machine:
//
//	ThreadReady   → ThreadRunning  [resumed by the owning scheduler]
//	ThreadRunning → ThreadReady    [Yield, re-enqueued at the tail]
//	ThreadRunning → ThreadBlocked  [Park, Join on an unfinished thread]
//	ThreadBlocked → ThreadReady    [Thread.Ready, re-enqueued at the tail]
//	ThreadRunning → ThreadDone     [entry returned, Exit, or panicked]
//	ThreadDone    → (terminal)
//
// All transitions other than ThreadDone use TryTransition (CAS).
type ThreadStatus uint32

const (
	// ThreadReady indicates the thread is linked into a ready queue, or about
	// to be.
	ThreadReady ThreadStatus = iota
	// ThreadRunning indicates the thread currently holds its scheduler.
	ThreadRunning
	// ThreadBlocked indicates the thread is suspended, waiting for an
	// external producer to make it ready.
	ThreadBlocked
	// ThreadDone indicates the entry function has returned.
	ThreadDone
)

// String returns a human-readable representation of the status.
func (s ThreadStatus) String() string {
	switch s {
	case ThreadReady:
		return "Ready"
	case ThreadRunning:
		return "Running"
	case ThreadBlocked:
		return "Blocked"
	case ThreadDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// SlotStatus is the state of a scheduler or processor slot within the arena.
type SlotStatus uint32

const (
	// SlotIdle indicates the slot is a member of its idle list.
	SlotIdle SlotStatus = iota
	// SlotRunning indicates the slot is actively owned.
	SlotRunning
)

// String returns a human-readable representation of the status.
func (s SlotStatus) String() string {
	switch s {
	case SlotIdle:
		return "Idle"
	case SlotRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// threadState is a lock-free status holder for a Thread.
type threadState struct {
	v atomic.Uint32
}

func (s *threadState) Load() ThreadStatus {
	return ThreadStatus(s.v.Load())
}

// Store is reserved for the irreversible ThreadDone transition.
func (s *threadState) Store(status ThreadStatus) {
	s.v.Store(uint32(status))
}

func (s *threadState) TryTransition(from, to ThreadStatus) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// slotState is a status holder for a Sched or P. Mutated under the runtime's
// idle lock, read without it.
type slotState struct {
	v atomic.Uint32
}

func (s *slotState) Load() SlotStatus {
	return SlotStatus(s.v.Load())
}

func (s *slotState) Store(status SlotStatus) {
	s.v.Store(uint32(status))
}
