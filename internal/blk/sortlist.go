package blk

import (
	"github.com/google/btree"
)

const sortListDegree = 8

// SortList keeps requests ordered by start sector. A request is filed under
// the sector it had when added, so it must be removed and re-added after
// its start sector moves.
type SortList struct {
	t *btree.BTreeG[*Request]
}

func sortLess(a, b *Request) bool {
	if a.sortKey != b.sortKey {
		return a.sortKey < b.sortKey
	}
	return a.id < b.id
}

// NewSortList creates an empty sort list
func NewSortList() *SortList {
	return &SortList{t: btree.NewG(sortListDegree, sortLess)}
}

// Add files rq under its current start sector
func (s *SortList) Add(rq *Request) {
	if rq.inSorted {
		panic("blk: request already on a sort list")
	}
	rq.sortKey = rq.Sector
	rq.inSorted = true
	s.t.ReplaceOrInsert(rq)
}

// Del removes rq
func (s *SortList) Del(rq *Request) {
	if _, ok := s.t.Delete(rq); !ok {
		panic("blk: request not on sort list")
	}
	rq.inSorted = false
}

// Find returns the request starting at sector, if any
func (s *SortList) Find(sector uint64) *Request {
	var found *Request
	s.t.AscendGreaterOrEqual(&Request{sortKey: sector}, func(rq *Request) bool {
		if rq.sortKey == sector {
			found = rq
		}
		return false
	})
	return found
}

// Former returns the request filed right before rq
func (s *SortList) Former(rq *Request) *Request {
	var prev *Request
	s.t.DescendLessOrEqual(rq, func(item *Request) bool {
		if item == rq {
			return true
		}
		prev = item
		return false
	})
	return prev
}

// Latter returns the request filed right after rq
func (s *SortList) Latter(rq *Request) *Request {
	var next *Request
	s.t.AscendGreaterOrEqual(rq, func(item *Request) bool {
		if item == rq {
			return true
		}
		next = item
		return false
	})
	return next
}

// Len returns the number of requests on the list
func (s *SortList) Len() int {
	return s.t.Len()
}

// Empty reports whether the list holds no request
func (s *SortList) Empty() bool {
	return s.t.Len() == 0
}
