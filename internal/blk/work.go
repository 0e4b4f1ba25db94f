package blk

import "sync"

// Work runs a function asynchronously, at most one pending instance at a
// time.
type Work struct {
	fn func()

	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
	active  int
}

// NewWork creates a work item running fn
func NewWork(fn func()) *Work {
	w := &Work{fn: fn}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Schedule queues w unless it is already pending. It reports whether w was
// queued.
func (w *Work) Schedule() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending {
		return false
	}
	w.pending = true
	w.active++
	go w.run()
	return true
}

func (w *Work) run() {
	w.mu.Lock()
	run := w.pending
	w.pending = false
	w.mu.Unlock()

	if run {
		w.fn()
	}

	w.mu.Lock()
	w.active--
	if w.active == 0 {
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

// CancelSync cancels a pending w and waits for a running one to finish.
// It reports whether w was pending.
func (w *Work) CancelSync() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.pending
	w.pending = false
	for w.active > 0 {
		w.cond.Wait()
	}
	return was
}

// Pending reports whether w is queued and has not started
func (w *Work) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}
