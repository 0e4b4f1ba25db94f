package blk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-iosched/internal/constants"
	"github.com/ehrlich-b/go-iosched/internal/interfaces"
	"github.com/ehrlich-b/go-iosched/internal/ioc"
	"github.com/ehrlich-b/go-iosched/internal/logging"
)

var (
	// ErrQueueFail is returned when the elevator could not set up a request
	ErrQueueFail = errors.New("blk: elevator refused request")
	// ErrQueueDead is returned for submissions to a closing queue
	ErrQueueDead = errors.New("blk: queue is dead")
	// ErrNoElevator is returned when no elevator is attached
	ErrNoElevator = errors.New("blk: no elevator attached")
	// ErrInvalidBio is returned for empty or ownerless bios
	ErrInvalidBio = errors.New("blk: invalid bio")
	// ErrUnknownAttr is returned for attributes the elevator does not have
	ErrUnknownAttr = errors.New("blk: unknown elevator attribute")
)

// Config holds queue settings
type Config struct {
	// MaxSectors caps the size of a merged request
	MaxSectors uint32
	Logger     *logging.Logger
	Observer   interfaces.Observer
	// Clock stamps requests entering the elevator; defaults to wall time
	Clock func() int64
}

// Queue is a request queue with an elevator in front of a driver.
type Queue struct {
	mu sync.Mutex

	elv      Elevator
	elvName  string
	dispatch []*Request

	nextID    uint64
	allocated int

	requestFn func(q *Queue)

	// usage is held shared by submitters while they use the elevator
	usage  sync.RWMutex
	dying  bool
	closed bool

	maxSectors uint32
	clock      func() int64
	log        *logging.Logger
	obs        interfaces.Observer
}

// NewQueue creates a queue without an elevator
func NewQueue(cfg Config) *Queue {
	q := &Queue{
		maxSectors: cfg.MaxSectors,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		obs:        cfg.Observer,
	}
	if q.maxSectors == 0 {
		q.maxSectors = constants.DefaultMaxIOSize >> constants.SectorShift
	}
	if q.clock == nil {
		q.clock = func() int64 { return time.Now().UnixNano() }
	}
	if q.log == nil {
		q.log = logging.Default()
	}
	if q.obs == nil {
		q.obs = nopObserver{}
	}
	return q
}

// Lock takes the queue lock
func (q *Queue) Lock() { q.mu.Lock() }

// Unlock releases the queue lock
func (q *Queue) Unlock() { q.mu.Unlock() }

// Logger returns the queue logger
func (q *Queue) Logger() *logging.Logger { return q.log }

// Now returns the queue clock
func (q *Queue) Now() int64 { return q.clock() }

// MaxSectors returns the largest request the queue builds
func (q *Queue) MaxSectors() uint32 { return q.maxSectors }

// InitElevator attaches the registered elevator called name
func (q *Queue) InitElevator(name string) error {
	typ, ok := LookupElevator(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElevator, name)
	}

	q.mu.Lock()
	if q.elv != nil {
		q.mu.Unlock()
		return fmt.Errorf("blk: elevator %s already attached", q.elvName)
	}
	q.mu.Unlock()

	e, err := typ.InitQueue(q)
	if err != nil {
		return fmt.Errorf("init elevator %s: %w", name, err)
	}

	q.mu.Lock()
	q.elv = e
	q.elvName = name
	q.mu.Unlock()
	q.log.Info("elevator attached", "elevator", name)
	return nil
}

// Elevator returns the attached elevator, nil once the queue is closed
func (q *Queue) Elevator() Elevator {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.elv
}

// ElevatorName returns the name of the attached elevator
func (q *Queue) ElevatorName() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.elvName
}

// SetRequestFn installs the driver hook run, with the queue lock held,
// whenever the queue may have work.
func (q *Queue) SetRequestFn(fn func(q *Queue)) {
	q.mu.Lock()
	q.requestFn = fn
	q.mu.Unlock()
}

// Submit queues bio, merging it into a queued request of the same task when
// it ends where that request starts.
func (q *Queue) Submit(bio *Bio) error {
	if bio == nil || bio.Sectors == 0 || bio.Task == nil {
		return ErrInvalidBio
	}

	q.usage.RLock()
	defer q.usage.RUnlock()
	if q.dying {
		return ErrQueueDead
	}

	q.mu.Lock()
	if q.elv == nil {
		q.mu.Unlock()
		return ErrNoElevator
	}
	if rq, mt := q.elv.Merge(q, bio); mt == FrontMerge && rq.Sectors+bio.Sectors <= q.maxSectors {
		rq.frontMerge(bio)
		q.obs.ObserveMerge()
		if !q.attemptFrontMerge(rq) {
			q.elv.MergedRequest(q, rq, mt)
		}
		q.mu.Unlock()
		return nil
	}
	q.nextID++
	rq := &Request{
		id:      q.nextID,
		Sector:  bio.Sector,
		Sectors: bio.Sectors,
		Dir:     bio.Dir,
		Task:    bio.Task,
		bios:    []*Bio{bio},
	}
	elv := q.elv
	q.mu.Unlock()

	if err := elv.SetRequest(q, rq, ioc.AllocWait); err != nil {
		q.obs.ObserveQueueFail()
		q.log.WithError(err).QueueFail(bio.Task.PID())
		return fmt.Errorf("%w: %v", ErrQueueFail, err)
	}

	q.mu.Lock()
	q.allocated++
	elv.InsertRequest(q, rq)
	q.obs.ObserveInsert()
	q.runLocked()
	q.mu.Unlock()
	return nil
}

// RqMergeOK reports whether bio may be merged into rq. Queue lock held.
func (q *Queue) RqMergeOK(rq *Request, bio *Bio) bool {
	if rq.started || rq.Dir != bio.Dir {
		return false
	}
	return q.elv.AllowMerge(q, rq, bio)
}

// attemptFrontMerge merges rq into the request right before it when the
// two became adjacent.
func (q *Queue) attemptFrontMerge(rq *Request) bool {
	prev := q.elv.FormerRequest(q, rq)
	if prev == nil {
		return false
	}
	if prev.End() != rq.Sector || prev.Dir != rq.Dir || prev.started || rq.started {
		return false
	}
	if prev.Sectors+rq.Sectors > q.maxSectors {
		return false
	}

	prev.absorb(rq)
	q.elv.MergedRequests(q, prev, rq)
	q.putRequestLocked(rq)
	q.obs.ObserveMerge()
	return true
}

func (q *Queue) putRequestLocked(rq *Request) {
	q.elv.PutRequest(rq)
	q.allocated--
}

// DispatchAdd appends rq to the dispatch list. Queue lock held.
func (q *Queue) DispatchAdd(rq *Request) {
	q.dispatch = append(q.dispatch, rq)
}

// FetchRequest returns the next request for the driver, asking the
// elevator for one when the dispatch list is empty.
func (q *Queue) FetchRequest() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.dispatch) == 0 {
		if q.elv == nil {
			return nil
		}
		n := q.elv.Dispatch(q, false)
		if n == 0 {
			return nil
		}
		q.obs.ObserveDispatch(n, false)
	}

	rq := q.dispatch[0]
	q.dispatch[0] = nil
	q.dispatch = q.dispatch[1:]
	rq.started = true
	q.obs.ObserveQueueDepth(uint32(len(q.dispatch)))
	return rq
}

// Drain forces every queued request onto the dispatch list
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

func (q *Queue) drainLocked() int {
	if q.elv == nil {
		return 0
	}
	n := q.elv.Dispatch(q, true)
	if n > 0 {
		q.obs.ObserveDispatch(n, true)
	}
	return n
}

// CompleteRequest releases rq and ends every bio it carried with err. The
// elevator state of rq is gone by the time the first bio completes.
func (q *Queue) CompleteRequest(rq *Request, err error) {
	q.mu.Lock()
	q.putRequestLocked(rq)
	q.mu.Unlock()

	for _, bio := range rq.bios {
		bio.complete(err)
	}
}

// Fail forces every queued request onto the dispatch list and ends them
// all with err instead of handing them to the driver. It is for queues
// whose driver is gone; requests the driver already fetched are not
// touched. Fail returns the number of requests ended.
func (q *Queue) Fail(err error) int {
	q.mu.Lock()
	q.drainLocked()
	failed := q.dispatch
	q.dispatch = nil
	for _, rq := range failed {
		rq.started = true
		q.putRequestLocked(rq)
	}
	q.mu.Unlock()

	for _, rq := range failed {
		for _, bio := range rq.bios {
			bio.complete(err)
		}
	}
	return len(failed)
}

// Run pokes the driver
func (q *Queue) Run() {
	q.mu.Lock()
	q.runLocked()
	q.mu.Unlock()
}

func (q *Queue) runLocked() {
	if q.requestFn != nil {
		q.requestFn(q)
	}
}

// Pending returns the number of requests allocated and not yet completed
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allocated
}

// Dispatched returns the number of requests waiting on the dispatch list
func (q *Queue) Dispatched() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dispatch)
}

// Attrs lists the elevator tunables
func (q *Queue) Attrs() []string {
	if a, ok := q.attrElevator(); ok {
		return a.Attrs()
	}
	return nil
}

// ShowAttr reads an elevator tunable
func (q *Queue) ShowAttr(name string) (string, error) {
	a, ok := q.attrElevator()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAttr, name)
	}
	return a.ShowAttr(name)
}

// StoreAttr writes an elevator tunable
func (q *Queue) StoreAttr(name, value string) (int, error) {
	a, ok := q.attrElevator()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAttr, name)
	}
	return a.StoreAttr(name, value)
}

func (q *Queue) attrElevator() (AttrElevator, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.elv.(AttrElevator)
	return a, ok
}

// Close stops new submissions, waits for queued requests to be completed
// by the driver and tears the elevator down. A Close that gave up on ctx
// leaves the queue dying with its elevator attached and may be called
// again.
func (q *Queue) Close(ctx context.Context) error {
	q.usage.Lock()
	if q.closed {
		q.usage.Unlock()
		return ErrQueueDead
	}
	q.dying = true
	q.usage.Unlock()

	for {
		q.mu.Lock()
		left := q.allocated
		if left > 0 {
			q.drainLocked()
			q.runLocked()
		}
		q.mu.Unlock()
		if left == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("drain queue: %d requests left: %w", left, ctx.Err())
		case <-time.After(constants.DrainPollInterval):
		}
	}

	q.usage.Lock()
	if q.closed {
		q.usage.Unlock()
		return ErrQueueDead
	}
	q.closed = true
	q.usage.Unlock()

	q.mu.Lock()
	elv := q.elv
	q.elv = nil
	q.mu.Unlock()
	if elv != nil {
		elv.Exit(q)
	}
	return nil
}

// Dying reports whether Close has been called
func (q *Queue) Dying() bool {
	q.usage.RLock()
	defer q.usage.RUnlock()
	return q.dying
}

type nopObserver struct{}

func (nopObserver) ObserveRead(uint64, uint64, bool)  {}
func (nopObserver) ObserveWrite(uint64, uint64, bool) {}
func (nopObserver) ObserveFlush(uint64, bool)         {}
func (nopObserver) ObserveQueueDepth(uint32)          {}
func (nopObserver) ObserveInsert()                    {}
func (nopObserver) ObserveDispatch(int, bool)         {}
func (nopObserver) ObserveMerge()                     {}
func (nopObserver) ObserveQueueFail()                 {}
