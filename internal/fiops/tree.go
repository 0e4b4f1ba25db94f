package fiops

import (
	"github.com/google/btree"
)

const serviceTreeDegree = 8

// serviceTree orders busy contexts by vios. Contexts with equal vios are
// served in the order they were (re)inserted.
type serviceTree struct {
	t *btree.BTreeG[*fiopsIOC]
	// leftmost cache, filled lazily
	left  *fiopsIOC
	count int

	minVios uint64
	seq     uint64
}

func treeLess(a, b *fiopsIOC) bool {
	if a.treeVios != b.treeVios {
		return a.treeVios < b.treeVios
	}
	return a.treeSeq < b.treeSeq
}

func newServiceTree() *serviceTree {
	return &serviceTree{t: btree.NewG(serviceTreeDegree, treeLess)}
}

// maxVios returns the later of two vios values, tolerating wraparound
func maxVios(minVios, vios uint64) uint64 {
	if int64(vios-minVios) > 0 {
		return vios
	}
	return minVios
}

func (st *serviceTree) first() *fiopsIOC {
	if st.count == 0 {
		return nil
	}
	if st.left == nil {
		st.left, _ = st.t.Min()
	}
	return st.left
}

func (st *serviceTree) erase(c *fiopsIOC) {
	if st.left == c {
		st.left = nil
	}
	if _, ok := st.t.Delete(c); !ok {
		panic("fiops: context not on service tree")
	}
	c.tree = nil
	st.count--
}

func (st *serviceTree) updateMinVios() {
	c := st.first()
	if c == nil {
		return
	}
	st.minVios = maxVios(st.minVios, c.vios)
}

// add inserts c, or moves it to the position matching its current vios if
// it is already queued. A context joining afresh starts no lower than
// minVios.
func (st *serviceTree) add(c *fiopsIOC) {
	var vios uint64
	if c.tree == nil {
		vios = maxVios(st.minVios, c.vios)
	} else {
		vios = c.vios
		c.tree.erase(c)
	}

	st.seq++
	c.vios = vios
	c.treeVios = vios
	c.treeSeq = st.seq
	c.tree = st

	if st.left != nil && treeLess(c, st.left) {
		st.left = c
	}
	st.t.ReplaceOrInsert(c)
	st.count++

	st.updateMinVios()
}
