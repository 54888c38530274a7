package uthread

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBudgetAllocator(t *testing.T) {
	x := NewBudgetAllocator(10)
	assert.Equal(t, uint64(10), x.Budget())

	a, err := x.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Size())
	b, err := x.Allocate(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), x.InUse())

	_, err = x.Allocate(1)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.Equal(t, int(unix.ENOMEM), Errno(err))

	require.NoError(t, x.Release(a))
	assert.Equal(t, uint64(6), x.InUse())
	require.NoError(t, x.Release(b))
	require.NoError(t, x.Release(Stack{}))
	assert.Zero(t, x.InUse())
	assert.Equal(t, uint64(10), x.Peak())
}

func TestBudgetAllocator_invalidSize(t *testing.T) {
	x := NewBudgetAllocator(10)
	for _, size := range []int{0, -1} {
		_, err := x.Allocate(size)
		assert.Equal(t, int(unix.EINVAL), Errno(err))
	}
	assert.Zero(t, x.Peak())
}

func TestBudgetAllocator_releaseUnderflow(t *testing.T) {
	x := NewBudgetAllocator(10)
	var invariant *InvariantError
	require.ErrorAs(t, x.Release(Stack{size: 1}), &invariant)
	assert.Equal(t, "release stack", invariant.Op)
	assert.Zero(t, x.InUse())
}

func TestBudgetAllocator_defaultBudget(t *testing.T) {
	x := NewBudgetAllocator(0)
	s, err := x.Allocate(DefaultStackSize)
	require.NoError(t, err)
	require.NoError(t, x.Release(s))
	assert.Zero(t, x.InUse())
}

func TestBudgetAllocator_concurrent(t *testing.T) {
	const n = 64
	x := NewBudgetAllocator(n * 8)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := x.Allocate(8)
			if assert.NoError(t, err) {
				assert.NoError(t, x.Release(s))
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, x.InUse())
	assert.LessOrEqual(t, x.Peak(), uint64(n*8))
}
