package blk

import (
	"errors"
	"sort"
	"sync"

	"github.com/ehrlich-b/go-iosched/internal/ioc"
)

// MergeType tells how a bio merges into a queued request
type MergeType int

const (
	NoMerge MergeType = iota
	// FrontMerge: the bio ends where the request starts
	FrontMerge
)

func (m MergeType) String() string {
	if m == FrontMerge {
		return "front"
	}
	return "none"
}

// Elevator is an I/O scheduler attached to one queue. Every method except
// SetRequest is called with the queue lock held.
type Elevator interface {
	// Merge finds a queued request bio can be merged into
	Merge(q *Queue, bio *Bio) (*Request, MergeType)
	// MergedRequest is called after a bio was merged into rq
	MergedRequest(q *Queue, rq *Request, mt MergeType)
	// MergedRequests is called after next was merged into rq; next is
	// released afterwards
	MergedRequests(q *Queue, rq, next *Request)
	// AllowMerge reports whether bio may be merged into rq
	AllowMerge(q *Queue, rq *Request, bio *Bio) bool
	// Dispatch moves requests to the dispatch list with Queue.DispatchAdd.
	// force drains everything. It returns the number of requests moved.
	Dispatch(q *Queue, force bool) int
	InsertRequest(q *Queue, rq *Request)
	FormerRequest(q *Queue, rq *Request) *Request
	LatterRequest(q *Queue, rq *Request) *Request
	// SetRequest attaches elevator state to a new request. It runs without
	// the queue lock and may fail, in which case the request is not queued.
	SetRequest(q *Queue, rq *Request, flags ioc.AllocFlags) error
	PutRequest(rq *Request)
	// Exit tears the elevator down. The queue is empty and no new requests
	// can arrive. Called without the queue lock.
	Exit(q *Queue)
}

// AttrElevator is implemented by elevators with tunables
type AttrElevator interface {
	Attrs() []string
	ShowAttr(name string) (string, error)
	StoreAttr(name, value string) (int, error)
}

// ElevatorType describes a registered scheduler
type ElevatorType struct {
	Name      string
	InitQueue func(q *Queue) (Elevator, error)
	// Trim releases per-task state left behind by exited queues
	Trim func()
}

var (
	ErrElevatorExists  = errors.New("blk: elevator already registered")
	ErrUnknownElevator = errors.New("blk: unknown elevator")
)

var (
	elvMu     sync.Mutex
	elevators = map[string]*ElevatorType{}
)

// RegisterElevator makes e available to InitElevator
func RegisterElevator(e *ElevatorType) error {
	elvMu.Lock()
	defer elvMu.Unlock()
	if _, ok := elevators[e.Name]; ok {
		return ErrElevatorExists
	}
	elevators[e.Name] = e
	return nil
}

// UnregisterElevator removes the elevator and trims what its queues left
// behind in live tasks.
func UnregisterElevator(name string) error {
	elvMu.Lock()
	e, ok := elevators[name]
	delete(elevators, name)
	elvMu.Unlock()

	if !ok {
		return ErrUnknownElevator
	}
	if e.Trim != nil {
		e.Trim()
	}
	return nil
}

// LookupElevator returns the registered elevator called name
func LookupElevator(name string) (*ElevatorType, bool) {
	elvMu.Lock()
	defer elvMu.Unlock()
	e, ok := elevators[name]
	return e, ok
}

// Elevators lists the registered elevator names
func Elevators() []string {
	elvMu.Lock()
	defer elvMu.Unlock()
	names := make([]string, 0, len(elevators))
	for name := range elevators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
