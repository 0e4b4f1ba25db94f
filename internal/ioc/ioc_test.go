package ioc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCtx struct {
	DevContext
	pid    int
	exited   atomic.Int32
	prio     atomic.Int32
	cgroup   atomic.Int32
	released atomic.Bool
}

func (c *testCtx) PID() int { return c.pid }

type countingOps struct {
	allocs atomic.Int64
	frees  atomic.Int64
	exits  atomic.Int64
	fail   atomic.Bool
}

func (o *countingOps) Alloc(r *Registry, flags AllocFlags) Context {
	if o.fail.Load() {
		return nil
	}
	o.allocs.Add(1)
	return &testCtx{}
}

func (o *countingOps) Free(c Context) {
	if !c.DevIOContext().Freed() {
		panic("free before freeContext")
	}
	c.(*testCtx).released.Store(true)
	o.frees.Add(1)
}

func (o *countingOps) InitContext(r *Registry, c Context, t *Task) {
	c.(*testCtx).pid = t.PID()
}

func (o *countingOps) ExitContext(r *Registry, c Context) {
	o.exits.Add(1)
	c.(*testCtx).exited.Add(1)
}

func (o *countingOps) ChangedPriority(ioc *IOContext, c Context) {
	c.(*testCtx).prio.Store(int32(ioc.Priority()))
}

func (o *countingOps) ChangedCgroup(ioc *IOContext, c Context) {
	c.(*testCtx).cgroup.Add(1)
}

func newTestBuilder(t *testing.T) (*Builder, *countingOps) {
	t.Helper()
	ops := &countingOps{}
	b, err := NewBuilder(ops)
	require.NoError(t, err)
	return b, ops
}

func newTestQueue(t *testing.T, b *Builder) (*Registry, *sync.Mutex) {
	t.Helper()
	q := &sync.Mutex{}
	r, err := b.InitQueue(q, "priv")
	require.NoError(t, err)
	return r, q
}

func exitQueue(b *Builder, r *Registry, q sync.Locker) {
	q.Lock()
	b.ExitQueue(r)
	q.Unlock()
}

func TestNewBuilderRequiresOps(t *testing.T) {
	_, err := NewBuilder(nil)
	require.ErrorIs(t, err, ErrNoOps)
}

func TestGetContextReusesLinkedContext(t *testing.T) {
	b, ops := newTestBuilder(t)
	r, q := newTestQueue(t, b)
	task := NewTask(100)

	c1 := b.GetContext(r, task, AllocWait)
	require.NotNil(t, c1)
	c2 := b.GetContext(r, task, AllocWait)
	require.Same(t, c1, c2)

	ioc := task.IOContext()
	assert.Equal(t, int64(3), ioc.Refs())
	assert.Equal(t, int64(1), ops.allocs.Load())
	assert.Equal(t, 100, c1.(*testCtx).pid)
	assert.True(t, c1.DevIOContext().Linked())
	assert.Same(t, r, c1.DevIOContext().Registry())
	assert.Equal(t, "priv", r.Priv())

	q.Lock()
	assert.Equal(t, 1, r.Len())
	q.Unlock()

	assert.False(t, ioc.Put())
	assert.False(t, ioc.Put())

	task.Exit()
	Barrier()
	assert.Equal(t, int64(1), ops.exits.Load())
	assert.Equal(t, int64(1), ops.frees.Load())
	assert.Equal(t, int64(0), b.Count())
	exitQueue(b, r, q)
}

func TestConcurrentGetContextLinksOnce(t *testing.T) {
	b, ops := newTestBuilder(t)
	r, q := newTestQueue(t, b)
	task := NewTask(7)

	const workers = 64
	got := make([]Context, workers)
	var start, wg sync.WaitGroup
	start.Add(1)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			got[i] = b.GetContext(r, task, AllocWait)
		}(i)
	}
	start.Done()
	wg.Wait()
	Barrier()

	for i := range got {
		require.NotNil(t, got[i])
		require.Same(t, got[0], got[i])
	}
	assert.Equal(t, int64(1), ops.allocs.Load()-ops.frees.Load())
	assert.Equal(t, int64(1), b.Count())
	assert.Equal(t, 1, task.IOContext().Len())

	ioc := task.IOContext()
	for i := 0; i < workers; i++ {
		ioc.Put()
	}
	task.Exit()
	Barrier()
	assert.Equal(t, ops.allocs.Load(), ops.frees.Load())
	exitQueue(b, r, q)
}

func TestRefcountBalanceAcrossTasksAndQueues(t *testing.T) {
	b, ops := newTestBuilder(t)
	r1, q1 := newTestQueue(t, b)
	r2, q2 := newTestQueue(t, b)

	parent := NewTask(1)
	c1 := b.GetContext(r1, parent, AllocWait)
	require.NotNil(t, c1)
	child, err := parent.Clone(2)
	require.NoError(t, err)

	ioc := parent.IOContext()
	require.Same(t, ioc, child.IOContext())
	assert.Equal(t, int32(2), ioc.Tasks())

	c2 := b.GetContext(r2, child, AllocWait)
	require.NotNil(t, c2)
	require.Same(t, c1, b.GetContext(r1, child, AllocWait))
	assert.Equal(t, 2, ioc.Len())

	// parent leaves, the child keeps the contexts live
	parent.Exit()
	assert.False(t, c1.DevIOContext().Dead())
	assert.False(t, c2.DevIOContext().Dead())

	child.Exit()
	assert.True(t, c1.DevIOContext().Dead())
	assert.True(t, c2.DevIOContext().Dead())
	assert.Equal(t, int64(2), ops.exits.Load())

	// three request references are still held
	assert.False(t, ioc.Put())
	assert.False(t, ioc.Put())
	assert.True(t, ioc.Put())
	assert.Equal(t, int64(0), ioc.Refs())

	Barrier()
	assert.Equal(t, int64(2), ops.allocs.Load())
	assert.Equal(t, int64(2), ops.frees.Load())
	require.NoError(t, b.Exit(context.Background()))

	exitQueue(b, r1, q1)
	exitQueue(b, r2, q2)
}

func TestPutOfDeadContextPanics(t *testing.T) {
	task := NewTask(3)
	ioc := task.GetIOContext()
	require.NotNil(t, ioc)
	ioc.Put()
	task.Exit()
	assert.Panics(t, func() { ioc.Put() })
}

func TestTeardownWhileContextHeld(t *testing.T) {
	b, ops := newTestBuilder(t)
	r, q := newTestQueue(t, b)
	task := NewTask(9)

	c := b.GetContext(r, task, AllocWait)
	require.NotNil(t, c)
	d := c.DevIOContext()
	ioc := task.IOContext()
	require.Same(t, c, r.Lookup(ioc))
	require.Same(t, d, ioc.last.Load())

	exitQueue(b, r, q)

	assert.True(t, d.Dead())
	assert.False(t, d.Linked())
	assert.Nil(t, d.Registry())
	assert.Nil(t, ioc.last.Load())
	assert.Equal(t, int32(1), c.(*testCtx).exited.Load())
	// still attached until someone trips over it
	assert.Equal(t, 1, ioc.Len())

	// the stale entry is evicted instead of returned
	assert.Nil(t, r.Lookup(ioc))
	assert.Equal(t, 0, ioc.Len())

	r2, q2 := newTestQueue(t, b)
	c2 := b.GetContext(r2, task, AllocWait)
	require.NotNil(t, c2)
	assert.NotSame(t, c, c2)
	assert.False(t, c2.DevIOContext().Dead())

	ioc.Put()
	ioc.Put()
	task.Exit()
	Barrier()
	assert.Equal(t, int64(2), ops.frees.Load())
	exitQueue(b, r2, q2)
}

func TestLookupRacesTeardown(t *testing.T) {
	b, _ := newTestBuilder(t)
	r, q := newTestQueue(t, b)

	const readers = 16
	tasksList := make([]*Task, readers)
	for i := range tasksList {
		tasksList[i] = NewTask(1000 + i)
		require.NotNil(t, b.GetContext(r, tasksList[i], AllocWait))
		tasksList[i].IOContext().Put()
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// a context returned inside a read section is not
				// released before the section ends
				tok := rcu.readLock()
				if c := r.Lookup(task.IOContext()); c != nil && c.(*testCtx).released.Load() {
					t.Errorf("lookup of task %d returned a released context", task.PID())
				}
				rcu.readUnlock(tok)
			}
		}(tasksList[i])
	}

	time.Sleep(5 * time.Millisecond)
	exitQueue(b, r, q)
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	for _, task := range tasksList {
		assert.Nil(t, r.Lookup(task.IOContext()))
		task.Exit()
	}
	Barrier()
	require.NoError(t, b.Exit(context.Background()))
}

func TestTaskExitRacesQueueExit(t *testing.T) {
	b, ops := newTestBuilder(t)

	for i := 0; i < 50; i++ {
		r, q := newTestQueue(t, b)
		task := NewTask(i)
		c := b.GetContext(r, task, AllocWait)
		require.NotNil(t, c)
		task.IOContext().Put()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			task.Exit()
		}()
		go func() {
			defer wg.Done()
			exitQueue(b, r, q)
		}()
		wg.Wait()

		assert.Equal(t, int32(1), c.(*testCtx).exited.Load())
	}

	Barrier()
	assert.Equal(t, ops.allocs.Load(), ops.frees.Load())
}

func TestAllocationFailureDropsReference(t *testing.T) {
	b, ops := newTestBuilder(t)
	r, q := newTestQueue(t, b)
	task := NewTask(5)

	ops.fail.Store(true)
	assert.Nil(t, b.GetContext(r, task, AllocAtomic))
	assert.Equal(t, int64(1), task.IOContext().Refs())

	ops.fail.Store(false)
	assert.NotNil(t, b.GetContext(r, task, AllocAtomic))
	task.IOContext().Put()
	task.Exit()
	exitQueue(b, r, q)
	Barrier()
}

func TestExitingTaskGetsNoContext(t *testing.T) {
	b, _ := newTestBuilder(t)
	r, q := newTestQueue(t, b)
	task := NewTask(6)
	task.Exit()

	assert.Nil(t, task.CurrentIOContext())
	assert.Nil(t, b.GetContext(r, task, AllocWait))
	assert.ErrorIs(t, task.SetIOPriority(2), ErrTaskExiting)
	_, err := task.Clone(7)
	assert.ErrorIs(t, err, ErrTaskExiting)
	exitQueue(b, r, q)
}

func TestPriorityAndCgroupChangesPropagate(t *testing.T) {
	b, _ := newTestBuilder(t)
	r1, q1 := newTestQueue(t, b)
	r2, q2 := newTestQueue(t, b)
	task := NewTask(11)

	c1 := b.GetContext(r1, task, AllocWait).(*testCtx)
	c2 := b.GetContext(r2, task, AllocWait).(*testCtx)

	require.NoError(t, task.SetIOPriority(4))
	task.SetCgroupChanged()
	b.GetContext(r1, task, AllocWait)

	assert.Equal(t, int32(4), c1.prio.Load())
	assert.Equal(t, int32(4), c2.prio.Load())
	assert.Equal(t, int32(1), c1.cgroup.Load())
	assert.Equal(t, int32(1), c2.cgroup.Load())
	assert.Equal(t, 4, task.IOContext().Priority())

	// flags are consumed
	b.GetContext(r2, task, AllocWait)
	assert.Equal(t, int32(1), c1.cgroup.Load())

	ioc := task.IOContext()
	for i := 0; i < 4; i++ {
		ioc.Put()
	}
	task.Exit()
	exitQueue(b, r1, q1)
	exitQueue(b, r2, q2)
	Barrier()
}

func TestTrimFreesDeadContexts(t *testing.T) {
	b, ops := newTestBuilder(t)
	other, otherOps := newTestBuilder(t)
	r, q := newTestQueue(t, b)
	ro, qo := newTestQueue(t, other)
	task := NewTask(12)

	require.NotNil(t, b.GetContext(r, task, AllocWait))
	require.NotNil(t, other.GetContext(ro, task, AllocWait))
	ioc := task.IOContext()
	ioc.Put()
	ioc.Put()

	exitQueue(b, r, q)
	assert.Equal(t, 2, ioc.Len())

	Trim(b)
	Barrier()
	assert.Equal(t, 1, ioc.Len())
	assert.Equal(t, int64(1), ops.frees.Load())
	assert.Equal(t, int64(0), otherOps.frees.Load())
	require.NoError(t, b.Exit(context.Background()))

	task.Exit()
	exitQueue(other, ro, qo)
	Barrier()
	assert.Equal(t, int64(1), otherOps.frees.Load())
}

func TestTrimOfLiveQueueKeepsTaskUsable(t *testing.T) {
	b, _ := newTestBuilder(t)
	r, q := newTestQueue(t, b)
	task := NewTask(14)
	require.NotNil(t, b.GetContext(r, task, AllocWait))
	task.IOContext().Put()

	assert.PanicsWithValue(t, "ioc: dropping device context of a live queue", func() { Trim(b) })

	exited := make(chan struct{})
	go func() {
		task.Exit()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("task exit blocked on the task lock")
	}

	exitQueue(b, r, q)
	Barrier()
	require.NoError(t, b.Exit(context.Background()))
}

func TestBuilderExitWaitsForOutstandingContexts(t *testing.T) {
	b, _ := newTestBuilder(t)
	r, q := newTestQueue(t, b)
	task := NewTask(13)
	require.NotNil(t, b.GetContext(r, task, AllocWait))
	task.IOContext().Put()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Exit(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- b.Exit(context.Background()) }()

	exitQueue(b, r, q)
	task.Exit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("builder exit did not observe the last free")
	}
}

func TestSlotIDsAreReused(t *testing.T) {
	var a idAllocator
	for want := 0; want < 130; want++ {
		id, err := a.get()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	a.remove(5)
	a.remove(70)

	id, _ := a.get()
	assert.Equal(t, 5, id)
	id, _ = a.get()
	assert.Equal(t, 70, id)
	id, _ = a.get()
	assert.Equal(t, 130, id)
	assert.Equal(t, 131, a.allocated())

	assert.Panics(t, func() { a.remove(500) })
	assert.Panics(t, func() { a.remove(-1) })
}

func TestSynchronizeWaitsForReaders(t *testing.T) {
	d := newRCUDomain()
	tok := d.readLock()

	done := make(chan struct{})
	go func() {
		d.synchronize()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("grace period ended with a reader inside")
	case <-time.After(20 * time.Millisecond):
	}

	d.readUnlock(tok)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("grace period never ended")
	}

	// deferred callbacks run once no reader is left
	ran := make(chan struct{})
	d.call(func() { close(ran) })
	d.barrier()
	<-ran
}
