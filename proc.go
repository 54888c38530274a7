package uthread

// P is a processor slot: a FIFO ready queue of user threads, owned by at
// most one scheduler at a time.
type P struct {
	queue  *readyQueue
	status slotState
	id     int
	// link is the index of the next P in the idle list, or -1. Guarded by the
	// runtime's idle lock.
	link int
	// owner is the index of the owning scheduler, or -1. Guarded by the
	// runtime's idle lock.
	owner int
}

// ID returns the slot's index within the runtime arena.
func (p *P) ID() int { return p.id }

// Status returns whether the slot is idle or owned.
func (p *P) Status() SlotStatus { return p.status.Load() }

// Len returns the number of threads in the ready queue.
func (p *P) Len() int { return p.queue.len() }
