//go:build linux

package uring

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// gioRing implements Ring on giouring. One operation is in the ring at a
// time; the mutex serializes submitters.
type gioRing struct {
	mu     sync.Mutex
	ring   *giouring.Ring
	closed bool
	nextID uint64
}

func newRing(config Config) (Ring, error) {
	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, fmt.Errorf("create io_uring: %w", err)
	}
	return &gioRing{ring: ring}, nil
}

// do submits the operation prep fills in and waits for its completion
func (r *gioRing) do(prep func(sqe *giouring.SubmissionQueueEntry)) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("uring: submission queue full")
	}
	prep(sqe)
	r.nextID++
	sqe.UserData = r.nextID

	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("uring: submit: %w", err)
	}

	for {
		cqe, err := r.ring.WaitCQE()
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("uring: wait: %w", err)
		}
		res, id := cqe.Res, cqe.UserData
		r.ring.CQESeen(cqe)
		if id != r.nextID {
			// completion of nothing we are waiting for
			continue
		}
		if res < 0 {
			return 0, unix.Errno(-res)
		}
		return res, nil
	}
}

func (r *gioRing) ReadAt(fd int, p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		buf := p[done:]
		res, err := r.do(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareRead(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), uint64(off)+uint64(done))
		})
		runtime.KeepAlive(buf)
		if err != nil {
			return done, err
		}
		if res == 0 {
			return done, io.EOF
		}
		done += int(res)
	}
	return done, nil
}

func (r *gioRing) WriteAt(fd int, p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		buf := p[done:]
		res, err := r.do(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareWrite(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), uint64(off)+uint64(done))
		})
		runtime.KeepAlive(buf)
		if err != nil {
			return done, err
		}
		if res == 0 {
			return done, io.ErrShortWrite
		}
		done += int(res)
	}
	return done, nil
}

func (r *gioRing) Fsync(fd int) error {
	_, err := r.do(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(fd, 0)
	})
	return err
}

func (r *gioRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.ring.QueueExit()
	}
	return nil
}
