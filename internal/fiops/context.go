package fiops

import (
	"container/list"
	"sync/atomic"

	"github.com/ehrlich-b/go-iosched/internal/blk"
	"github.com/ehrlich-b/go-iosched/internal/ioc"
)

// fiopsIOC is the per task, per queue scheduling state.
type fiopsIOC struct {
	ioc.DevContext

	fd   *fiopsData
	onRR bool

	// vios is the virtual I/O time consumed so far
	vios uint64
	tree *serviceTree
	// position on tree, fixed while queued
	treeVios uint64
	treeSeq  uint64

	sortList *blk.SortList
	fifo     list.List

	pid    int
	ioprio atomic.Int32
}

// PID returns the pid of the task that created c
func (c *fiopsIOC) PID() int {
	return c.pid
}

func rqCIC(rq *blk.Request) *fiopsIOC {
	c, _ := rq.ElvPriv.(*fiopsIOC)
	return c
}

// contextOps plugs fiops contexts into the io context builder.
type contextOps struct{}

var (
	_ ioc.BuilderOps      = contextOps{}
	_ ioc.ContextIniter   = contextOps{}
	_ ioc.ContextExiter   = contextOps{}
	_ ioc.PriorityChanger = contextOps{}
)

func (contextOps) Alloc(r *ioc.Registry, flags ioc.AllocFlags) ioc.Context {
	fd := r.Priv().(*fiopsData)
	if limit := int64(fd.maxContexts.Load()); limit > 0 {
		if fd.nrContexts.Add(1) > limit {
			fd.nrContexts.Add(-1)
			return nil
		}
	} else {
		fd.nrContexts.Add(1)
	}
	return &fiopsIOC{fd: fd}
}

func (contextOps) Free(c ioc.Context) {
	c.(*fiopsIOC).fd.nrContexts.Add(-1)
}

func (contextOps) InitContext(r *ioc.Registry, c ioc.Context, t *ioc.Task) {
	fc := c.(*fiopsIOC)
	fc.sortList = blk.NewSortList()
	fc.fifo.Init()
	fc.pid = t.PID()
}

func (contextOps) ExitContext(r *ioc.Registry, c ioc.Context) {
	fc := c.(*fiopsIOC)
	if fc.onRR {
		fc.fd.log.Warn("device context exits while on service tree", "pid", fc.pid)
	}
}

func (contextOps) ChangedPriority(io *ioc.IOContext, c ioc.Context) {
	c.(*fiopsIOC).ioprio.Store(int32(io.Priority()))
}
