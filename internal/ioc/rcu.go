package ioc

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// rcuDomain lets lookups walk io context state without taking locks while
// writers defer the release of unlinked device contexts until every reader
// that could have observed them has left its read-side section.
//
// Readers register in one of two counters selected by the parity of the
// current epoch. A grace period advances the epoch and waits for the
// counter of the previous parity to drain.
type rcuDomain struct {
	epoch   atomic.Uint64
	readers [2]atomic.Int64

	syncMu sync.Mutex

	cbMu     sync.Mutex
	cbCond   *sync.Cond
	inflight int
}

type rcuToken uint64

var rcu = newRCUDomain()

func newRCUDomain() *rcuDomain {
	d := &rcuDomain{}
	d.cbCond = sync.NewCond(&d.cbMu)
	return d
}

func (d *rcuDomain) readLock() rcuToken {
	for {
		e := d.epoch.Load()
		d.readers[e&1].Add(1)
		if d.epoch.Load() == e {
			return rcuToken(e)
		}
		// A grace period started between the load and the registration.
		d.readers[e&1].Add(-1)
	}
}

func (d *rcuDomain) readUnlock(t rcuToken) {
	if d.readers[uint64(t)&1].Add(-1) < 0 {
		panic("ioc: unbalanced rcu read unlock")
	}
}

// synchronize returns once every read-side section that was active when it
// was called has finished. Must not be called from inside a read-side section.
func (d *rcuDomain) synchronize() {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	prev := d.epoch.Add(1) - 1
	for d.readers[prev&1].Load() != 0 {
		runtime.Gosched()
	}
}

// call runs fn after a grace period, asynchronously.
func (d *rcuDomain) call(fn func()) {
	d.cbMu.Lock()
	d.inflight++
	d.cbMu.Unlock()

	go func() {
		d.synchronize()
		fn()

		d.cbMu.Lock()
		d.inflight--
		if d.inflight == 0 {
			d.cbCond.Broadcast()
		}
		d.cbMu.Unlock()
	}()
}

// barrier waits until every queued callback has run.
func (d *rcuDomain) barrier() {
	d.cbMu.Lock()
	for d.inflight > 0 {
		d.cbCond.Wait()
	}
	d.cbMu.Unlock()
}

// Synchronize waits for a full grace period of the device context domain.
func Synchronize() {
	rcu.synchronize()
}

// Barrier waits until every deferred device context free has completed.
func Barrier() {
	rcu.barrier()
}
