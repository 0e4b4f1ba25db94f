package ioc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-iosched/internal/logging"
)

// AllocFlags describe what an allocation is allowed to do.
type AllocFlags uint

const (
	// AllocAtomic allocations must not block
	AllocAtomic AllocFlags = 0
	// AllocWait allocations may block waiting for resources
	AllocWait AllocFlags = 1 << 0
)

var (
	// ErrNoOps is returned by NewBuilder when ops is missing
	ErrNoOps = errors.New("ioc: builder needs alloc and free ops")
	// ErrNoSlot is returned when no registry slot id is available
	ErrNoSlot = errors.New("ioc: no free registry slot")
	// ErrTaskExiting is returned for operations on an exiting task
	ErrTaskExiting = errors.New("ioc: task is exiting")

	errExist = errors.New("ioc: device context already linked")
)

// BuilderOps is supplied by a scheduler to allocate and release its
// device contexts. Alloc returns nil when the allocation fails.
type BuilderOps interface {
	Alloc(r *Registry, flags AllocFlags) Context
	Free(c Context)
}

// ContextIniter is an optional interface run on every freshly allocated
// device context before it is linked.
type ContextIniter interface {
	InitContext(r *Registry, c Context, t *Task)
}

// ContextExiter is an optional interface run, with the queue lock held,
// when a device context is unlinked from its registry.
type ContextExiter interface {
	ExitContext(r *Registry, c Context)
}

// PriorityChanger is an optional interface notified when the owning io
// context changed priority.
type PriorityChanger interface {
	ChangedPriority(ioc *IOContext, c Context)
}

// CgroupChanger is an optional interface notified when the owning io
// context moved to another cgroup.
type CgroupChanger interface {
	ChangedCgroup(ioc *IOContext, c Context)
}

// Builder binds a scheduler's ops to the generic io context machinery and
// counts the device contexts it has outstanding.
type Builder struct {
	ops   BuilderOps
	count atomic.Int64

	goneMu sync.Mutex
	gone   chan struct{}
}

// NewBuilder creates a builder for ops
func NewBuilder(ops BuilderOps) (*Builder, error) {
	if ops == nil {
		return nil, ErrNoOps
	}
	return &Builder{ops: ops}, nil
}

// Count returns the number of device contexts allocated and not yet freed
func (b *Builder) Count() int64 {
	return b.count.Load()
}

// Exit waits until every device context allocated through b has been freed.
func (b *Builder) Exit(ctx context.Context) error {
	b.goneMu.Lock()
	if b.gone == nil {
		b.gone = make(chan struct{})
	}
	gone := b.gone
	b.goneMu.Unlock()

	// gone must be published before the count is read
	if b.count.Load() == 0 {
		return nil
	}

	select {
	case <-gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Builder) allocContext(r *Registry, t *Task, flags AllocFlags) Context {
	c := b.ops.Alloc(r, flags)
	if c == nil {
		return nil
	}

	d := c.DevIOContext()
	d.self = c
	d.builder = b
	if ini, ok := b.ops.(ContextIniter); ok {
		ini.InitContext(r, c, t)
	}
	b.count.Add(1)
	return c
}

// freeContext releases c after every concurrent lookup is done with it.
func (b *Builder) freeContext(c Context) {
	d := c.DevIOContext()
	if !d.freed.CompareAndSwap(false, true) {
		panic("ioc: device context freed twice")
	}

	rcu.call(func() {
		b.ops.Free(c)
		if b.count.Add(-1) != 0 {
			return
		}

		b.goneMu.Lock()
		if b.gone != nil && b.count.Load() == 0 {
			close(b.gone)
			b.gone = nil
		}
		b.goneMu.Unlock()
	})
}

// GetContext returns the device context of task t for registry r, creating
// and linking one if needed. The returned context holds a reference on the
// task's io context which the caller drops with IOContext.Put. It returns
// nil if no io context or device context could be allocated.
func (b *Builder) GetContext(r *Registry, t *Task, flags AllocFlags) Context {
	ioc := t.GetIOContext()
	if ioc == nil {
		return nil
	}

	var c Context
	for {
		if c = r.Lookup(ioc); c != nil {
			break
		}

		c = b.allocContext(r, t, flags)
		if c == nil {
			ioc.Put()
			return nil
		}

		err := r.link(ioc, c.DevIOContext())
		if err == nil {
			logging.Default().ContextLinked(t.PID(), r.index)
			break
		}
		b.freeContext(c)
		if !errors.Is(err, errExist) {
			ioc.Put()
			return nil
		}
		// someone has linked a context for this queue already
	}

	if ioc.ioprioChanged.Load() {
		ioc.setIOPrio()
	}
	if ioc.cgroupChanged.Load() {
		ioc.setCgroup()
	}
	return c
}

// InitQueue allocates the registry of a new queue. q is the queue lock.
func (b *Builder) InitQueue(q sync.Locker, priv any) (*Registry, error) {
	idx, err := cicIndex.get()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		index: idx,
		q:     q,
		priv:  priv,
	}
	r.key = &cicKey{reg: r, index: idx}
	r.dead = &cicKey{index: idx}
	r.cics.Init()
	return r, nil
}

// ExitQueue unlinks every device context of r and releases its slot id.
// The queue lock must be held and no new requests may enter the queue.
func (b *Builder) ExitQueue(r *Registry) {
	for e := r.cics.Front(); e != nil; e = r.cics.Front() {
		r.exitSingleLocked(e.Value.(*DevContext), "queue exit")
	}
	cicIndex.remove(r.index)
}

// Trim frees the dead device contexts of b still attached to live tasks.
func Trim(b *Builder) {
	tasks.Range(func(k, _ any) bool {
		t := k.(*Task)
		t.mu.Lock()
		defer t.mu.Unlock()
		if ioc := t.ioc.Load(); ioc != nil {
			ioc.freeContexts(b)
		}
		return true
	})
}
