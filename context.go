package uthread

// execContext is the context-switch primitive: a suspended or not-yet-started
// flow of execution, resumed by a scheduler and switched out by the flow
// itself. Control is handed over on unbuffered channels, so exactly one side
// runs at a time, and every handoff is a happens-before edge.
//
// A context is created "new, not yet started" by newExecContext; the first
// switchTo starts it, every later switchTo resumes it from its last switchOut.
// Either way the scheduler calls the same operation.
type execContext struct {
	entry  func()
	resume chan struct{}
	yield  chan struct{}
	// started is only accessed by the resuming side, which is serialized by
	// the handoff itself.
	started bool
}

func newExecContext(entry func()) *execContext {
	return &execContext{
		entry:  entry,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
}

// switchTo transfers control into the context, returning once it switches
// back out (or finishes).
func (c *execContext) switchTo() {
	if !c.started {
		c.started = true
		go c.trampoline()
	}
	c.resume <- struct{}{}
	<-c.yield
}

// switchOut suspends the calling flow, which must be the one running within
// the context, until the next switchTo.
func (c *execContext) switchOut() {
	c.yield <- struct{}{}
	<-c.resume
}

// finish hands control back for the last time. The context must not be
// resumed again.
func (c *execContext) finish() {
	c.yield <- struct{}{}
}

func (c *execContext) trampoline() {
	<-c.resume
	c.entry()
}
