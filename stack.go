package uthread

import (
	"sync"

	"github.com/pbnjay/memory"
	"golang.org/x/sys/unix"
)

// DefaultStackSize is the stack reservation used for schedulers and user
// threads, unless configured otherwise.
const DefaultStackSize = 64 << 10

// Stack is a reservation of stack memory, owned by exactly one scheduler or
// user thread. The execution itself runs on a Go-managed goroutine stack;
// the reservation is what the allocator accounts for and bounds.
type Stack struct {
	size int
}

// Size returns the number of reserved bytes.
func (s Stack) Size() int { return s.size }

// StackAllocator reserves and releases stacks. Implementations must be safe
// for concurrent use, as user threads are created from any OS thread.
type StackAllocator interface {
	Allocate(size int) (Stack, error)
	// Release returns a reservation. An error means the allocator's
	// accounting is corrupt, and is fatal to the runtime.
	Release(stack Stack) error
}

// BudgetAllocator is a StackAllocator enforcing an upper bound on the total
// number of reserved bytes. Reservations beyond the budget fail with ENOMEM.
type BudgetAllocator struct {
	mu     sync.Mutex
	budget uint64
	inUse  uint64
	peak   uint64
}

// NewBudgetAllocator returns an allocator bounded by budget bytes. A budget
// of 0 derives one from the system: a quarter of total memory, or unbounded
// if total memory cannot be determined.
func NewBudgetAllocator(budget uint64) *BudgetAllocator {
	if budget == 0 {
		budget = memory.TotalMemory() / 4
	}
	return &BudgetAllocator{budget: budget}
}

// Allocate implements StackAllocator.
func (x *BudgetAllocator) Allocate(size int) (Stack, error) {
	if size <= 0 {
		return Stack{}, errnof(unix.EINVAL, "stack size %d", size)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.budget != 0 && x.inUse+uint64(size) > x.budget {
		return Stack{}, errnof(unix.ENOMEM, "stack budget exhausted (%d of %d bytes in use)", x.inUse, x.budget)
	}
	x.inUse += uint64(size)
	if x.inUse > x.peak {
		x.peak = x.inUse
	}
	return Stack{size: size}, nil
}

// Release implements StackAllocator. Releasing the zero Stack is a no-op.
func (x *BudgetAllocator) Release(stack Stack) error {
	if stack.size == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if uint64(stack.size) > x.inUse {
		return &InvariantError{Op: "release stack", Message: "release exceeds reserved bytes"}
	}
	x.inUse -= uint64(stack.size)
	return nil
}

// InUse returns the number of bytes currently reserved.
func (x *BudgetAllocator) InUse() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inUse
}

// Peak returns the high-water mark of reserved bytes.
func (x *BudgetAllocator) Peak() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.peak
}

// Budget returns the configured bound, 0 meaning unbounded.
func (x *BudgetAllocator) Budget() uint64 {
	return x.budget
}
