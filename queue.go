package uthread

import (
	"sync"
)

// readyQueue is an intrusive FIFO of threads, linked through Thread.next.
//
// Concurrency Model: MPSC (Multiple Producers, Single Consumer)
//   - push: any goroutine (thread creation, yield, Ready from an I/O poller)
//   - pop, last: only the scheduler owning the processor slot
//
// All operations take mu. A push signals wake, which the consumer parks on
// once the queue is empty.
type readyQueue struct {
	mu     sync.Mutex
	head   *Thread
	tail   *Thread
	length int
	// wake holds at most one pending signal, so a push between the
	// consumer's emptiness check and its park is never lost.
	wake chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{wake: make(chan struct{}, 1)}
}

// push links t at the tail, reporting false if t is already linked into a
// queue, which the caller must treat as an invariant violation.
func (q *readyQueue) push(t *Thread) bool {
	q.mu.Lock()
	if t.queue != nil {
		q.mu.Unlock()
		return false
	}
	t.queue = q
	t.next = nil
	if q.tail == nil {
		q.head = t
	} else {
		q.tail.next = t
	}
	q.tail = t
	q.length++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop unlinks and returns the head, or nil if empty.
func (q *readyQueue) pop() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.next = nil
	t.queue = nil
	q.length--
	return t
}

// last returns the current tail without unlinking it, or nil if empty.
func (q *readyQueue) last() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

func (q *readyQueue) empty() bool {
	return q.len() == 0
}
