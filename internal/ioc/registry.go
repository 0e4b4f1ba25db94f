package ioc

import (
	"container/list"
	"errors"
	"sync"
)

var errIOCExiting = errors.New("ioc: io context has no tasks left")

// Registry is the per-queue side of the io context machinery: the slot id
// that keys the queue inside every io context and the list of device
// contexts linked to the queue.
type Registry struct {
	index int
	q     sync.Locker
	priv  any

	key  *cicKey
	dead *cicKey

	// guarded by q
	cics list.List
}

// Index returns the slot id of r
func (r *Registry) Index() int {
	return r.index
}

// Priv returns the value the queue owner registered with r
func (r *Registry) Priv() any {
	return r.priv
}

// Len returns the number of linked device contexts. The queue lock must be held.
func (r *Registry) Len() int {
	return r.cics.Len()
}

// Lookup returns the live device context of ioc for r, or nil. Dead
// contexts left behind by a torn down queue that used the same slot are
// dropped on the way.
func (r *Registry) Lookup(ioc *IOContext) Context {
	if ioc == nil {
		return nil
	}

	tok := rcu.readLock()
	// last-hit cache, to avoid the map
	if d := ioc.last.Load(); d != nil && d.key.Load() == r.key {
		rcu.readUnlock(tok)
		return d.self
	}

	for {
		d := ioc.slot(r.index)
		rcu.readUnlock(tok)
		if d == nil {
			return nil
		}

		k := d.key.Load()
		if k != r.key {
			if !k.dead() || k.index != r.index {
				panic("ioc: slot held by a device context of another live queue")
			}
			ioc.drop(d)
			tok = rcu.readLock()
			continue
		}

		ioc.promote(r, d)
		return d.self
	}
}

// link attaches d to both ioc and r.
//
// Lock order is the queue lock before ioc.mu: exitSingleLocked and the
// queue teardown take ioc.mu with the queue lock held. link must therefore
// never hold ioc.mu while taking the queue lock, so it publishes d in ioc
// and releases ioc.mu before it puts d on the queue list.
func (r *Registry) link(ioc *IOContext, d *DevContext) error {
	d.ioc = ioc
	d.key.Store(r.key)

	ioc.mu.Lock()
	if ioc.nrTasks.Load() == 0 {
		ioc.mu.Unlock()
		return errIOCExiting
	}
	if ioc.slot(r.index) != nil {
		ioc.mu.Unlock()
		return errExist
	}
	ioc.storeLocked(r.index, d)
	ioc.mu.Unlock()

	r.q.Lock()
	// a task exit may have killed d before it reached the list
	if d.key.Load() == r.key {
		d.elem = r.cics.PushFront(d)
		d.linked.Store(true)
	}
	r.q.Unlock()
	return nil
}

// exitSingleLocked marks d dead and unlinks it from r. The queue lock is held.
func (r *Registry) exitSingleLocked(d *DevContext, reason string) {
	if d.elem != nil {
		r.cics.Remove(d.elem)
		d.elem = nil
	}
	d.linked.Store(false)

	d.key.Store(r.dead)

	// promote checks the key under the same lock, so the cache cannot be
	// repopulated with d after this
	ioc := d.ioc
	ioc.mu.Lock()
	ioc.last.CompareAndSwap(d, nil)
	ioc.mu.Unlock()

	if ex, ok := d.builder.ops.(ContextExiter); ok {
		ex.ExitContext(r, d.self)
	}
	logDead(d, r.index, reason)
}
