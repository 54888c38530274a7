package uthread

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

// exitRecorder stands in for os.Exit.
type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (x *exitRecorder) exit(code int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.codes = append(x.codes, code)
}

func (x *exitRecorder) Codes() []int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]int(nil), x.codes...)
}

// lockedBuffer collects log output from every scheduler.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w *lockedBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

// testRun is the outcome of runRuntime.
type testRun struct {
	rt    *Runtime
	exits *exitRecorder
	logs  *lockedBuffer
	alloc *BudgetAllocator
}

// runRuntime initializes a runtime on a dedicated goroutine, calls setup on
// that goroutine (which is bound to the bootstrap scheduler), then runs the
// bootstrap scheduler until teardown. Later options override the defaults.
func runRuntime(t *testing.T, setup func(r *testRun), opts ...RuntimeOption) *testRun {
	t.Helper()

	r := &testRun{
		exits: new(exitRecorder),
		logs:  new(lockedBuffer),
		alloc: NewBudgetAllocator(64 << 20),
	}
	opts = append([]RuntimeOption{
		WithMaxProcs(1),
		WithStackSize(4096),
		WithAllocator(r.alloc),
		WithExit(r.exits.exit),
		WithLogger(newTestLogger(r.logs)),
	}, opts...)

	ch := make(chan error, 1)
	go func() {
		rt, err := Init(opts...)
		if err != nil {
			ch <- err
			return
		}
		r.rt = rt
		if setup != nil {
			setup(r)
		}
		ch <- rt.Run()
	}()

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatalf("runtime did not terminate, logs:\n%s", r.logs.String())
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- r.rt.Wait() }()
	select {
	case err := <-waitDone:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatalf("spawned schedulers did not stop, logs:\n%s", r.logs.String())
	}

	return r
}

// recorder is a concurrency safe event log.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
