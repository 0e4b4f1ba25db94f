package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-iosched/internal/blk"
	"github.com/ehrlich-b/go-iosched/internal/constants"
	"github.com/ehrlich-b/go-iosched/internal/interfaces"
	"github.com/ehrlich-b/go-iosched/internal/logging"
)

// ErrRunnerStarted is returned by Start on a runner that was started before
var ErrRunnerStarted = errors.New("queue: runner already started")

// Runner drives one request queue: it fetches dispatched requests and
// executes them against a backend, keeping at most depth of them in flight.
type Runner struct {
	devID   uint32
	depth   int
	q       *blk.Queue
	backend interfaces.Backend
	logger  *logging.Logger
	obs     interfaces.Observer

	// kick is signalled, without blocking, whenever the queue may have work
	kick chan struct{}
	// slots holds the indexes of free slots; a slot owns bufs[i]
	slots chan int
	bufs  [][]byte

	inFlight atomic.Int32
	started  atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// Config configures a Runner
type Config struct {
	DevID    uint32
	Queue    *blk.Queue
	Depth    int
	Backend  interfaces.Backend
	Logger   *logging.Logger
	Observer interfaces.Observer
}

// NewRunner creates a runner and installs it as the request fn of the queue
func NewRunner(ctx context.Context, config Config) (*Runner, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("queue: runner needs a queue")
	}
	if config.Backend == nil {
		return nil, fmt.Errorf("queue: runner needs a backend")
	}
	if config.Depth <= 0 {
		config.Depth = constants.DefaultQueueDepth
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		devID:    config.DevID,
		depth:    config.Depth,
		q:        config.Queue,
		backend:  config.Backend,
		logger:   config.Logger.WithDevice(int(config.DevID)),
		obs:      config.Observer,
		kick:     make(chan struct{}, 1),
		slots:    make(chan int, config.Depth),
		bufs:     make([][]byte, config.Depth),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}

	// one slab for all slot buffers
	slab := make([]byte, config.Depth*constants.BounceBufferThreshold)
	for i := range r.bufs {
		off := i * constants.BounceBufferThreshold
		r.bufs[i] = slab[off : off+constants.BounceBufferThreshold : off+constants.BounceBufferThreshold]
		r.slots <- i
	}

	r.q.SetRequestFn(r.requestFn)
	r.logger.Debug("created queue runner", "depth", r.depth)
	return r, nil
}

// requestFn runs with the queue lock held and must not block
func (r *Runner) requestFn(*blk.Queue) {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start begins processing requests
func (r *Runner) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrRunnerStarted
	}
	go r.ioLoop()
	// pick up whatever was queued before the runner existed
	r.requestFn(r.q)
	return nil
}

// Stop stops fetching requests and waits for those in flight to complete.
// Requests still queued stay queued.
func (r *Runner) Stop() error {
	r.cancel()
	if r.started.Load() {
		<-r.loopDone
	}
	r.wg.Wait()
	r.logger.Debug("queue runner stopped")
	return nil
}

// Depth returns the maximum number of requests in flight
func (r *Runner) Depth() int {
	return r.depth
}

// InFlight returns the number of requests being executed
func (r *Runner) InFlight() int {
	return int(r.inFlight.Load())
}

// Flush flushes the backend
func (r *Runner) Flush() error {
	start := time.Now()
	err := r.backend.Flush()
	if r.obs != nil {
		r.obs.ObserveFlush(uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	return err
}

func (r *Runner) ioLoop() {
	defer close(r.loopDone)
	r.logger.Debug("queue runner I/O loop started")

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.kick:
		}
		if err := r.processRequests(); err != nil {
			return
		}
	}
}

// processRequests hands fetched requests to free slots until the queue
// has nothing dispatchable.
func (r *Runner) processRequests() error {
	for {
		var slot int
		select {
		case slot = <-r.slots:
		case <-r.ctx.Done():
			return r.ctx.Err()
		}

		rq := r.q.FetchRequest()
		if rq == nil {
			r.slots <- slot
			return nil
		}

		r.wg.Add(1)
		r.inFlight.Add(1)
		go r.handleRequest(slot, rq)
	}
}

// handleRequest executes rq on the backend and completes it
func (r *Runner) handleRequest(slot int, rq *blk.Request) {
	defer r.wg.Done()

	length := uint32(rq.Sectors) << constants.SectorShift
	offset := int64(rq.Sector) << constants.SectorShift
	op := rq.Dir.String()

	var buf []byte
	if length <= constants.BounceBufferThreshold {
		buf = r.bufs[slot][:length]
	} else {
		buf = GetBuffer(length)
		defer PutBuffer(buf)
	}

	logger := r.logger.WithRequest(rq.ID(), op)
	logger.IOStart(op, rq.Sector, rq.Sectors)

	start := time.Now()
	var err error
	switch rq.Dir {
	case blk.Read:
		_, err = r.backend.ReadAt(buf, offset)
		if err == nil {
			scatter(rq, buf)
		}
	case blk.Write:
		gather(rq, buf)
		_, err = r.backend.WriteAt(buf, offset)
	default:
		err = fmt.Errorf("unsupported direction: %d", rq.Dir)
	}
	latency := time.Since(start)

	if r.obs != nil {
		switch rq.Dir {
		case blk.Read:
			r.obs.ObserveRead(uint64(length), uint64(latency.Nanoseconds()), err == nil)
		case blk.Write:
			r.obs.ObserveWrite(uint64(length), uint64(latency.Nanoseconds()), err == nil)
		}
	}
	if err != nil {
		logger.IOError(op, rq.Sector, rq.Sectors, err)
	} else {
		logger.IOComplete(op, rq.Sector, rq.Sectors, latency.Microseconds())
	}

	r.q.CompleteRequest(rq, err)
	r.slots <- slot
	r.inFlight.Add(-1)
}

// scatter copies a read buffer into the bios that brought their own memory
func scatter(rq *blk.Request, buf []byte) {
	off := 0
	for _, bio := range rq.Bios() {
		n := bio.Bytes()
		if bio.Data != nil {
			copy(bio.Data, buf[off:off+n])
		}
		off += n
	}
}

// gather assembles the write buffer; bios without memory write zeroes
func gather(rq *blk.Request, buf []byte) {
	off := 0
	for _, bio := range rq.Bios() {
		n := bio.Bytes()
		seg := buf[off : off+n]
		if bio.Data != nil {
			k := copy(seg, bio.Data)
			clear(seg[k:])
		} else {
			clear(seg)
		}
		off += n
	}
}
