package main

import (
	"context"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iosched"
	"github.com/ehrlich-b/go-iosched/internal/logging"
)

// groupResult is what one workload group achieved
type groupResult struct {
	Name       string  `json:"name"`
	Op         string  `json:"op"`
	Pattern    string  `json:"pattern"`
	Tasks      int     `json:"tasks"`
	BlockSize  int64   `json:"block_size"`
	Ops        uint64  `json:"ops"`
	Bytes      uint64  `json:"bytes"`
	QueueFails uint64  `json:"queue_fails"`
	IOPS       float64 `json:"iops"`
	Share      float64 `json:"share"`
	Pids       []int   `json:"pids"`
}

type groupState struct {
	g          *Group
	ops        atomic.Uint64
	bytes      atomic.Uint64
	queueFails atomic.Uint64
	pids       []int

	// shared groups hang every submitter off the first one's io context
	leader      *iosched.Task
	leaderReady chan struct{}
}

// delayBackend adds a fixed service time so the queue, not the backend,
// decides who goes next
type delayBackend struct {
	iosched.Backend
	delay time.Duration
}

func (d *delayBackend) ReadAt(p []byte, off int64) (int, error) {
	time.Sleep(d.delay)
	return d.Backend.ReadAt(p, off)
}

func (d *delayBackend) WriteAt(p []byte, off int64) (int, error) {
	time.Sleep(d.delay)
	return d.Backend.WriteAt(p, off)
}

func runWorkload(ctx context.Context, dev *iosched.Device, w *Workload, log *logging.Logger) ([]groupResult, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, w.Duration)
	defer cancel()

	states := make([]*groupState, len(w.Groups))
	for i := range w.Groups {
		states[i] = &groupState{
			g:           &w.Groups[i],
			pids:        make([]int, w.Groups[i].Tasks),
			leaderReady: make(chan struct{}),
		}
	}

	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	for _, st := range states {
		for i := 0; i < st.g.Tasks; i++ {
			st, i := st, i
			eg.Go(func() error {
				return submitter(ctx, dev, st, i, log)
			})
		}
	}
	err := eg.Wait()
	elapsed := time.Since(start)

	var total uint64
	for _, st := range states {
		total += st.ops.Load()
	}

	results := make([]groupResult, len(states))
	for i, st := range states {
		ops := st.ops.Load()
		results[i] = groupResult{
			Name:       st.g.Name,
			Op:         st.g.Op,
			Pattern:    st.g.Pattern,
			Tasks:      st.g.Tasks,
			BlockSize:  st.g.blockSize,
			Ops:        ops,
			Bytes:      st.bytes.Load(),
			QueueFails: st.queueFails.Load(),
			IOPS:       float64(ops) / elapsed.Seconds(),
			Pids:       st.pids,
		}
		if total > 0 {
			results[i].Share = float64(ops) / float64(total)
		}
	}
	return results, elapsed, err
}

func submitter(ctx context.Context, dev *iosched.Device, st *groupState, idx int, log *logging.Logger) error {
	// one OS thread per submitter so the thread id names the task
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := unix.Gettid()
	st.pids[idx] = tid
	g := st.g
	log = log.WithTask(tid)

	var tk *iosched.Task
	switch {
	case g.Shared && idx == 0:
		tk = iosched.NewTask(tid)
		// clones only share a context that exists when they are made
		tk.CurrentIOContext()
		st.leader = tk
		close(st.leaderReady)
	case g.Shared:
		select {
		case <-st.leaderReady:
		case <-ctx.Done():
			return nil
		}
		clone, err := st.leader.Clone(tid)
		if err != nil {
			log.WithError(err).Warn("leader gone, running on a private context", "group", g.Name)
			clone = iosched.NewTask(tid)
		}
		tk = clone
	default:
		tk = iosched.NewTask(tid)
	}
	defer tk.Exit()

	log.DebugContext(ctx, "submitter started", "group", g.Name, "shared", g.Shared)

	if g.Priority != 0 {
		if err := tk.SetIOPriority(g.Priority); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(int64(tid)))
	buf := make([]byte, g.blockSize)
	rng.Read(buf)
	blocks := g.region / g.blockSize
	seq := int64(idx) * (blocks / int64(g.Tasks))

	for ctx.Err() == nil {
		var block int64
		if g.Pattern == "sequential" {
			block = seq % blocks
			seq++
		} else {
			block = rng.Int63n(blocks)
		}
		write := g.Op == "write" || (g.Op == "mixed" && rng.Intn(2) == 0)

		var err error
		if write {
			_, err = dev.WriteAt(tk, buf, block*g.blockSize)
		} else {
			_, err = dev.ReadAt(tk, buf, block*g.blockSize)
		}
		if err != nil {
			if iosched.IsCode(err, iosched.ErrCodeQueueFail) {
				st.queueFails.Add(1)
				time.Sleep(100 * time.Microsecond)
				continue
			}
			return err
		}
		st.ops.Add(1)
		st.bytes.Add(uint64(g.blockSize))
	}
	return nil
}
