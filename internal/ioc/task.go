package ioc

import (
	"sync"
	"sync/atomic"
)

// Task is a submitter of I/O. Tasks are passed explicitly where a kernel
// would use the current thread.
type Task struct {
	pid int

	// mu is the task lock: it orders publication of ioc against exit
	mu      sync.Mutex
	ioc     atomic.Pointer[IOContext]
	exiting bool
}

// tasks holds every live task so dead device contexts can be trimmed when a
// scheduler goes away.
var tasks sync.Map

// NewTask creates a task with no io context yet
func NewTask(pid int) *Task {
	t := &Task{pid: pid}
	tasks.Store(t, struct{}{})
	return t
}

// PID returns the task id used in logs
func (t *Task) PID() int {
	return t.pid
}

// IOContext returns the io context of t without creating one
func (t *Task) IOContext() *IOContext {
	return t.ioc.Load()
}

// CurrentIOContext returns the io context of t, creating it on first use.
// No reference is taken: the task's own reference keeps it alive for as long
// as the caller runs on behalf of t. It returns nil once t is exiting.
func (t *Task) CurrentIOContext() *IOContext {
	if ioc := t.ioc.Load(); ioc != nil {
		return ioc
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exiting {
		return nil
	}
	if ioc := t.ioc.Load(); ioc != nil {
		return ioc
	}
	ioc := newIOContext()
	t.ioc.Store(ioc)
	return ioc
}

// GetIOContext is CurrentIOContext plus a reference, released with Put.
func (t *Task) GetIOContext() *IOContext {
	for {
		ioc := t.CurrentIOContext()
		if ioc == nil {
			return nil
		}
		// lost against the final put of an exiting task
		if ioc.Get() {
			return ioc
		}
	}
}

// Clone creates a task sharing the io context of t
func (t *Task) Clone(pid int) (*Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exiting {
		return nil, ErrTaskExiting
	}

	c := NewTask(pid)
	if ioc := t.ioc.Load(); ioc != nil {
		ioc.mu.Lock()
		ioc.nrTasks.Add(1)
		ioc.mu.Unlock()
		ioc.Get()
		c.ioc.Store(ioc)
	}
	return c, nil
}

// Exit detaches the io context from t. The last task of an io context
// unlinks its device contexts from their queues before dropping its
// reference; requests still in flight keep the io context itself alive.
func (t *Task) Exit() {
	t.mu.Lock()
	ioc := t.ioc.Swap(nil)
	t.exiting = true
	t.mu.Unlock()
	tasks.Delete(t)

	if ioc == nil {
		return
	}

	// serialized against link so no context slips in after the walk
	ioc.mu.Lock()
	last := ioc.nrTasks.Add(-1) == 0
	ioc.mu.Unlock()

	if last {
		ioc.exitContexts()
	}
	ioc.Put()
}

// SetIOPriority changes the io priority of t. Device contexts pick the
// change up on the next request.
func (t *Task) SetIOPriority(prio int) error {
	ioc := t.CurrentIOContext()
	if ioc == nil {
		return ErrTaskExiting
	}
	ioc.ioprio.Store(int32(prio))
	ioc.ioprioChanged.Store(true)
	return nil
}

// SetCgroupChanged flags that t moved to another cgroup
func (t *Task) SetCgroupChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ioc := t.ioc.Load(); ioc != nil {
		ioc.cgroupChanged.Store(true)
	}
}
