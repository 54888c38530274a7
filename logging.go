package uthread

import (
	"github.com/davecgh/go-spew/spew"
)

// Snapshot is a point-in-time view of the runtime, used for diagnostics and
// the teardown report.
type Snapshot struct {
	Scheds    []SchedSnapshot `json:"scheds"`
	Procs     []ProcSnapshot  `json:"procs"`
	Live      int64           `json:"live"`
	Created   uint64          `json:"created"`
	Completed uint64          `json:"completed"`
}

// SchedSnapshot describes one scheduler.
type SchedSnapshot struct {
	Status  string `json:"status"`
	ID      int    `json:"id"`
	Proc    int    `json:"proc"`
	TID     int    `json:"tid"`
	Passes  uint64 `json:"passes"`
	Resumes uint64 `json:"resumes"`
}

// ProcSnapshot describes one processor slot.
type ProcSnapshot struct {
	Status string `json:"status"`
	ID     int    `json:"id"`
	Owner  int    `json:"owner"`
	Queued int    `json:"queued"`
}

// Snapshot returns the current state of the runtime. After teardown only the
// counters are populated.
func (rt *Runtime) Snapshot() Snapshot {
	return rt.snapshot()
}

func (rt *Runtime) snapshot() Snapshot {
	rt.idleMu.Lock()
	defer rt.idleMu.Unlock()
	return rt.snapshotLocked()
}

func (rt *Runtime) snapshotLocked() Snapshot {
	v := Snapshot{
		Live:      rt.live.Load(),
		Created:   rt.created.Load(),
		Completed: rt.completed.Load(),
	}
	for i := range rt.scheds {
		s := &rt.scheds[i]
		proc := noSlot
		if p := s.p.Load(); p != nil {
			proc = p.id
		}
		v.Scheds = append(v.Scheds, SchedSnapshot{
			Status:  s.status.Load().String(),
			ID:      s.id,
			Proc:    proc,
			TID:     s.tid,
			Passes:  s.passes.Load(),
			Resumes: s.resumes.Load(),
		})
	}
	for i := range rt.procs {
		p := &rt.procs[i]
		var queued int
		if p.queue != nil {
			queued = p.queue.len()
		}
		v.Procs = append(v.Procs, ProcSnapshot{
			Status: p.status.Load().String(),
			ID:     p.id,
			Owner:  p.owner,
			Queued: queued,
		})
	}
	return v
}

// fatal logs err with a dump of the runtime state, then panics. Steady-state
// scheduling errors have no caller to return to.
func (rt *Runtime) fatal(err error) {
	rt.logFatal(err, rt.snapshot())
	panic(err)
}

// fatalLocked is fatal, for callers holding idleMu, which must release it
// with a deferred unlock.
func (rt *Runtime) fatalLocked(err error) {
	rt.logFatal(err, rt.snapshotLocked())
	panic(err)
}

func (rt *Runtime) logFatal(err error, state Snapshot) {
	if b := rt.log.Crit(); b.Enabled() {
		b.Err(err).
			Str("state", spew.Sdump(state)).
			Log("fatal runtime error")
	}
}
