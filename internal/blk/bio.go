// Package blk is a small request layer: it turns bios into requests,
// hands them to a pluggable elevator and lets a driver fetch and complete
// the dispatched requests.
package blk

import (
	"container/list"

	"github.com/ehrlich-b/go-iosched/internal/constants"
	"github.com/ehrlich-b/go-iosched/internal/ioc"
)

// Direction of a bio or request
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// Bio is one contiguous I/O submitted by a task
type Bio struct {
	Sector  uint64
	Sectors uint32
	Dir     Direction
	Task    *ioc.Task

	// Data is read into or written from; nil means the runner uses a
	// bounce buffer
	Data []byte

	// Done is called once the request carrying the bio completes
	Done func(b *Bio, err error)
}

// End returns the first sector after the bio
func (b *Bio) End() uint64 {
	return b.Sector + uint64(b.Sectors)
}

// Bytes returns the size of the bio in bytes
func (b *Bio) Bytes() int {
	return int(b.Sectors) << constants.SectorShift
}

func (b *Bio) complete(err error) {
	if b.Done != nil {
		b.Done(b, err)
	}
}

// Request is a set of adjacent bios of the same task and direction.
type Request struct {
	id      uint64
	Sector  uint64
	Sectors uint32
	Dir     Direction
	Task    *ioc.Task

	bios     []*Bio
	fifoTime int64
	started  bool

	// key the request was filed under in its sort list
	sortKey  uint64
	inSorted bool

	// ElvPriv and QueueElem belong to the elevator while it holds the request
	ElvPriv   any
	QueueElem *list.Element
}

// ID returns the request id, unique per queue
func (rq *Request) ID() uint64 {
	return rq.id
}

// End returns the first sector after the request
func (rq *Request) End() uint64 {
	return rq.Sector + uint64(rq.Sectors)
}

// Bios returns the bios carried by rq in sector order
func (rq *Request) Bios() []*Bio {
	return rq.bios
}

// FifoTime returns the time rq entered the elevator
func (rq *Request) FifoTime() int64 {
	return rq.fifoTime
}

// SetFifoTime stamps rq
func (rq *Request) SetFifoTime(t int64) {
	rq.fifoTime = t
}

// Started reports whether a driver has fetched rq
func (rq *Request) Started() bool {
	return rq.started
}

// frontMerge puts bio in front of rq
func (rq *Request) frontMerge(bio *Bio) {
	rq.bios = append([]*Bio{bio}, rq.bios...)
	rq.Sector = bio.Sector
	rq.Sectors += bio.Sectors
}

// absorb appends the bios of next, which starts where rq ends
func (rq *Request) absorb(next *Request) {
	rq.bios = append(rq.bios, next.bios...)
	rq.Sectors += next.Sectors
	next.bios = nil
}
