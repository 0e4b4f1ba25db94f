// Package ioc tracks per-task io contexts and the per-queue device contexts
// hanging off them. Lookups are lock-free; device contexts are released
// through a grace-period domain so a lookup never observes freed state.
package ioc

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-iosched/internal/logging"
)

// IOContext is the io state shared by the tasks of one submitter.
type IOContext struct {
	refcount atomic.Int64
	nrTasks  atomic.Int32

	// mu serializes writers of slots and last
	mu    sync.Mutex
	slots atomic.Pointer[map[int]*DevContext]
	last  atomic.Pointer[DevContext]

	ioprio        atomic.Int32
	ioprioChanged atomic.Bool
	cgroupChanged atomic.Bool
}

var emptySlots = map[int]*DevContext{}

func newIOContext() *IOContext {
	ioc := &IOContext{}
	ioc.refcount.Store(1)
	ioc.nrTasks.Store(1)
	ioc.slots.Store(&emptySlots)
	return ioc
}

// Get takes a reference unless the context is already on its way out.
func (ioc *IOContext) Get() bool {
	for {
		n := ioc.refcount.Load()
		if n == 0 {
			return false
		}
		if ioc.refcount.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put drops a reference. It returns true when there are no more users of
// ioc, in which case every device context still attached has been released.
func (ioc *IOContext) Put() bool {
	if ioc == nil {
		return true
	}

	n := ioc.refcount.Add(-1)
	if n < 0 {
		panic("ioc: put of io context with zero refcount")
	}
	if n > 0 {
		return false
	}

	tok := rcu.readLock()
	ioc.freeContexts(nil)
	rcu.readUnlock(tok)
	return true
}

// Refs returns the current reference count
func (ioc *IOContext) Refs() int64 {
	return ioc.refcount.Load()
}

// Tasks returns the number of tasks sharing ioc
func (ioc *IOContext) Tasks() int32 {
	return ioc.nrTasks.Load()
}

// Priority returns the io priority last set on ioc
func (ioc *IOContext) Priority() int {
	return int(ioc.ioprio.Load())
}

// Len returns the number of device contexts attached to ioc
func (ioc *IOContext) Len() int {
	return len(*ioc.slots.Load())
}

func (ioc *IOContext) slot(index int) *DevContext {
	return (*ioc.slots.Load())[index]
}

// storeLocked publishes a copy of the slot map with d at index.
func (ioc *IOContext) storeLocked(index int, d *DevContext) {
	old := *ioc.slots.Load()
	m := make(map[int]*DevContext, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	m[index] = d
	ioc.slots.Store(&m)
}

func (ioc *IOContext) removeLocked(index int) {
	old := *ioc.slots.Load()
	m := make(map[int]*DevContext, len(old))
	for k, v := range old {
		if k != index {
			m[k] = v
		}
	}
	ioc.slots.Store(&m)
}

// forEach calls fn for every attached device context inside a read-side
// section. fn may take the queue lock but must not wait for a grace period.
func (ioc *IOContext) forEach(fn func(d *DevContext)) {
	tok := rcu.readLock()
	defer rcu.readUnlock(tok)

	for _, d := range *ioc.slots.Load() {
		fn(d)
	}
}

// drop unlinks the dead context d from ioc and schedules its release.
// Whoever removes d from the slot map frees it, so concurrent callers racing
// on the same context release it once.
func (ioc *IOContext) drop(d *DevContext) {
	k := d.key.Load()
	if !k.dead() {
		panic("ioc: dropping device context of a live queue")
	}

	ioc.mu.Lock()
	if ioc.slot(k.index) != d {
		ioc.mu.Unlock()
		return
	}
	ioc.removeLocked(k.index)
	ioc.last.CompareAndSwap(d, nil)
	ioc.mu.Unlock()

	d.builder.freeContext(d.self)
}

// freeContexts releases the device contexts built by b, or all of them when
// b is nil. Nothing may link new contexts to ioc meanwhile.
func (ioc *IOContext) freeContexts(b *Builder) {
	ioc.forEach(func(d *DevContext) {
		if b != nil && d.builder != b {
			return
		}
		ioc.drop(d)
	})
}

// exitContexts unlinks every device context from its queue.
func (ioc *IOContext) exitContexts() {
	ioc.forEach(func(d *DevContext) {
		k := d.key.Load()
		if k.dead() {
			return
		}

		r := k.reg
		r.q.Lock()
		// the queue may have torn d down while we waited for its lock
		if d.key.Load() == r.key {
			r.exitSingleLocked(d, "task exit")
		}
		r.q.Unlock()
	})
}

func (ioc *IOContext) setIOPrio() {
	if !ioc.ioprioChanged.CompareAndSwap(true, false) {
		return
	}
	ioc.forEach(func(d *DevContext) {
		if pc, ok := d.builder.ops.(PriorityChanger); ok {
			pc.ChangedPriority(ioc, d.self)
		}
	})
}

func (ioc *IOContext) setCgroup() {
	if !ioc.cgroupChanged.CompareAndSwap(true, false) {
		return
	}
	ioc.forEach(func(d *DevContext) {
		if cc, ok := d.builder.ops.(CgroupChanger); ok {
			cc.ChangedCgroup(ioc, d.self)
		}
	})
}

func (ioc *IOContext) promote(r *Registry, d *DevContext) {
	ioc.mu.Lock()
	if d.key.Load() == r.key && ioc.slot(r.index) == d {
		ioc.last.Store(d)
	}
	ioc.mu.Unlock()
}

func logDead(d *DevContext, index int, reason string) {
	l := logging.Default()
	if !l.Enabled(logging.LevelDebug) {
		return
	}
	pid := -1
	if p, ok := d.self.(interface{ PID() int }); ok {
		pid = p.PID()
	}
	l.ContextDead(pid, index, reason)
}
