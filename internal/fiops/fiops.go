// Package fiops is an IOPS based fair elevator. Every task doing I/O to a
// queue gets a context charged a virtual cost for each dispatched request;
// the busy context with the lowest charge is served next.
package fiops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-iosched/internal/blk"
	"github.com/ehrlich-b/go-iosched/internal/constants"
	"github.com/ehrlich-b/go-iosched/internal/ioc"
	"github.com/ehrlich-b/go-iosched/internal/logging"
)

// Name is the elevator name fiops registers under
const Name = "fiops"

var errNoContext = errors.New("fiops: no device context")

// ErrInUse is returned by Unregister while queues still run fiops
var ErrInUse = errors.New("fiops: elevator in use")

// fiopsData is the elevator state of one queue. Everything but the
// tunables is guarded by the queue lock.
type fiopsData struct {
	q   *blk.Queue
	reg *ioc.Registry

	tree       *serviceTree
	busyQueues int

	kick *blk.Work

	readScale   atomic.Uint32
	writeScale  atomic.Uint32
	maxContexts atomic.Uint32
	nrContexts  atomic.Int64

	log *logging.Logger
}

var _ blk.Elevator = (*fiopsData)(nil)
var _ blk.AttrElevator = (*fiopsData)(nil)

var (
	regMu      sync.Mutex
	builder    *ioc.Builder
	registered bool
	// liveQueues counts queues between initQueue and Exit. Guarded by regMu.
	liveQueues int
)

// Register makes the fiops elevator available to queues. Calling it again
// is a no-op.
func Register() error {
	regMu.Lock()
	defer regMu.Unlock()
	if registered {
		return nil
	}

	if builder == nil {
		b, err := ioc.NewBuilder(contextOps{})
		if err != nil {
			return err
		}
		builder = b
	}

	err := blk.RegisterElevator(&blk.ElevatorType{
		Name:      Name,
		InitQueue: initQueue,
		Trim:      func() { ioc.Trim(builder) },
	})
	if err != nil {
		return err
	}
	registered = true
	return nil
}

// Unregister removes the elevator, frees what exited queues left in live
// tasks and waits for every fiops context to be released. It fails with
// ErrInUse while any queue still has fiops attached.
func Unregister(ctx context.Context) error {
	regMu.Lock()
	defer regMu.Unlock()
	if !registered {
		return nil
	}
	if liveQueues > 0 {
		return fmt.Errorf("%w: %d queues", ErrInUse, liveQueues)
	}

	if err := blk.UnregisterElevator(Name); err != nil {
		return err
	}
	registered = false
	return builder.Exit(ctx)
}

func initQueue(q *blk.Queue) (blk.Elevator, error) {
	regMu.Lock()
	defer regMu.Unlock()
	if !registered {
		return nil, blk.ErrUnknownElevator
	}

	fd := &fiopsData{
		q:    q,
		tree: newServiceTree(),
		log:  q.Logger().WithElevator(Name),
	}
	fd.readScale.Store(constants.DefaultReadScale)
	fd.writeScale.Store(constants.DefaultWriteScale)
	fd.maxContexts.Store(constants.UnlimitedContexts)
	fd.kick = blk.NewWork(fd.kickQueue)

	reg, err := builder.InitQueue(q, fd)
	if err != nil {
		return nil, err
	}
	fd.reg = reg
	liveQueues++
	return fd, nil
}

func (fd *fiopsData) kickQueue() {
	fd.q.Run()
}

// Exit implements blk.Elevator
func (fd *fiopsData) Exit(q *blk.Queue) {
	fd.kick.CancelSync()

	q.Lock()
	builder.ExitQueue(fd.reg)
	q.Unlock()

	regMu.Lock()
	liveQueues--
	regMu.Unlock()
}

func (fd *fiopsData) addIOCRR(c *fiopsIOC) {
	if c.onRR {
		panic("fiops: context already on round robin")
	}
	c.onRR = true
	fd.busyQueues++
	fd.resortRRList(c)
}

func (fd *fiopsData) delIOCRR(c *fiopsIOC) {
	if !c.onRR {
		panic("fiops: context not on round robin")
	}
	c.onRR = false
	if c.tree != nil {
		c.tree.erase(c)
	}
	if fd.busyQueues == 0 {
		panic("fiops: busy queue count underflow")
	}
	fd.busyQueues--
}

func (fd *fiopsData) resortRRList(c *fiopsIOC) {
	if c.onRR {
		fd.tree.add(c)
	}
}

func (fd *fiopsData) addRqRB(rq *blk.Request) {
	c := rqCIC(rq)
	c.sortList.Add(rq)
	if !c.onRR {
		fd.addIOCRR(c)
	}
}

func (fd *fiopsData) removeRequest(rq *blk.Request) {
	c := rqCIC(rq)
	c.fifo.Remove(rq.QueueElem)
	rq.QueueElem = nil
	c.sortList.Del(rq)
}

func (fd *fiopsData) scaledVios(rq *blk.Request) uint64 {
	if rq.Dir == blk.Read {
		return constants.VIOSScale
	}
	return constants.VIOSScale * uint64(fd.writeScale.Load()) / uint64(fd.readScale.Load())
}

// dispatchRequest moves the oldest request of c to the dispatch list and
// returns its cost.
func (fd *fiopsData) dispatchRequest(c *fiopsIOC) uint64 {
	rq := c.fifo.Front().Value.(*blk.Request)
	fd.removeRequest(rq)
	fd.q.DispatchAdd(rq)
	return fd.scaledVios(rq)
}

func (fd *fiopsData) forcedDispatch() int {
	dispatched := 0
	for c := fd.tree.first(); c != nil; c = fd.tree.first() {
		for c.fifo.Len() > 0 {
			fd.dispatchRequest(c)
			dispatched++
		}
		if c.onRR {
			fd.delIOCRR(c)
		}
	}
	return dispatched
}

func (fd *fiopsData) chargeVios(c *fiopsIOC, vios uint64) {
	st := c.tree
	c.vios += vios

	if c.sortList.Empty() {
		fd.delIOCRR(c)
	} else {
		fd.resortRRList(c)
	}
	st.updateMinVios()
}

// Dispatch implements blk.Elevator
func (fd *fiopsData) Dispatch(q *blk.Queue, force bool) int {
	if force {
		return fd.forcedDispatch()
	}

	c := fd.tree.first()
	if c == nil {
		return 0
	}
	vios := fd.dispatchRequest(c)
	fd.chargeVios(c, vios)
	return 1
}

// InsertRequest implements blk.Elevator
func (fd *fiopsData) InsertRequest(q *blk.Queue, rq *blk.Request) {
	c := rqCIC(rq)
	rq.SetFifoTime(q.Now())
	rq.QueueElem = c.fifo.PushBack(rq)
	fd.addRqRB(rq)
}

func (fd *fiopsData) scheduleDispatch() {
	fd.q.Lock()
	busy := fd.busyQueues
	fd.q.Unlock()
	if busy > 0 {
		fd.kick.Schedule()
	}
}

// SetRequest implements blk.Elevator
func (fd *fiopsData) SetRequest(q *blk.Queue, rq *blk.Request, flags ioc.AllocFlags) error {
	c := builder.GetContext(fd.reg, rq.Task, flags)
	if c == nil {
		// let whatever is queued make progress
		fd.scheduleDispatch()
		return errNoContext
	}
	// the request is not visible to anyone else yet
	rq.ElvPriv = c.(*fiopsIOC)
	return nil
}

// PutRequest implements blk.Elevator
func (fd *fiopsData) PutRequest(rq *blk.Request) {
	if c := rqCIC(rq); c != nil {
		rq.ElvPriv = nil
		c.IOContext().Put()
	}
}

func (fd *fiopsData) lookup(t *ioc.Task) *fiopsIOC {
	if t == nil {
		return nil
	}
	c := fd.reg.Lookup(t.IOContext())
	if c == nil {
		return nil
	}
	return c.(*fiopsIOC)
}

// Merge implements blk.Elevator. Only front merges are looked for.
func (fd *fiopsData) Merge(q *blk.Queue, bio *blk.Bio) (*blk.Request, blk.MergeType) {
	c := fd.lookup(bio.Task)
	if c == nil {
		return nil, blk.NoMerge
	}
	if rq := c.sortList.Find(bio.End()); rq != nil && q.RqMergeOK(rq, bio) {
		return rq, blk.FrontMerge
	}
	return nil, blk.NoMerge
}

// MergedRequest implements blk.Elevator
func (fd *fiopsData) MergedRequest(q *blk.Queue, rq *blk.Request, mt blk.MergeType) {
	if mt == blk.FrontMerge {
		c := rqCIC(rq)
		c.sortList.Del(rq)
		fd.addRqRB(rq)
	}
}

// MergedRequests implements blk.Elevator
func (fd *fiopsData) MergedRequests(q *blk.Queue, rq, next *blk.Request) {
	rc, nc := rqCIC(rq), rqCIC(next)

	// inherit the fifo position of next if it is older
	if rq.QueueElem != nil && next.QueueElem != nil && next.FifoTime() < rq.FifoTime() {
		if rc == nc {
			rc.fifo.MoveAfter(rq.QueueElem, next.QueueElem)
		}
		rq.SetFifoTime(next.FifoTime())
	}

	fd.removeRequest(next)

	// everything the owner of next had queued went to another request
	if nc.onRR && nc.sortList.Empty() {
		fd.delIOCRR(nc)
	}
}

// AllowMerge implements blk.Elevator. Requests only merge within the
// context the bio would be queued on.
func (fd *fiopsData) AllowMerge(q *blk.Queue, rq *blk.Request, bio *blk.Bio) bool {
	c := fd.lookup(bio.Task)
	if c == nil {
		return false
	}
	return c == rqCIC(rq)
}

// FormerRequest implements blk.Elevator
func (fd *fiopsData) FormerRequest(q *blk.Queue, rq *blk.Request) *blk.Request {
	return rqCIC(rq).sortList.Former(rq)
}

// LatterRequest implements blk.Elevator
func (fd *fiopsData) LatterRequest(q *blk.Queue, rq *blk.Request) *blk.Request {
	return rqCIC(rq).sortList.Latter(rq)
}

// Stats is a snapshot of the scheduler state of one queue
type Stats struct {
	BusyQueues int    `json:"busy_queues"`
	MinVios    uint64 `json:"min_vios"`
	Contexts   int64  `json:"contexts"`
	ReadScale  uint32 `json:"read_scale"`
	WriteScale uint32 `json:"write_scale"`
}

// Stats returns the current scheduler state
func (fd *fiopsData) Stats() Stats {
	fd.q.Lock()
	defer fd.q.Unlock()
	return Stats{
		BusyQueues: fd.busyQueues,
		MinVios:    fd.tree.minVios,
		Contexts:   fd.nrContexts.Load(),
		ReadScale:  fd.readScale.Load(),
		WriteScale: fd.writeScale.Load(),
	}
}

// StatsOf returns the fiops state of q, if q runs fiops
func StatsOf(q *blk.Queue) (Stats, bool) {
	fd, ok := q.Elevator().(*fiopsData)
	if !ok {
		return Stats{}, false
	}
	return fd.Stats(), true
}
