package blk

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortList(t *testing.T) {
	s := NewSortList()
	a := &Request{id: 1, Sector: 10, Sectors: 8}
	b := &Request{id: 2, Sector: 30, Sectors: 8}
	c := &Request{id: 3, Sector: 20, Sectors: 8}
	s.Add(a)
	s.Add(b)
	s.Add(c)

	assert.Equal(t, 3, s.Len())
	assert.Same(t, c, s.Find(20))
	assert.Nil(t, s.Find(21))
	assert.Same(t, a, s.Former(c))
	assert.Same(t, b, s.Latter(c))
	assert.Nil(t, s.Former(a))
	assert.Nil(t, s.Latter(b))

	// moved requests are removed by the key they were filed under
	c.Sector = 12
	s.Del(c)
	assert.Nil(t, s.Find(20))
	s.Add(c)
	assert.Same(t, c, s.Find(12))
	assert.Same(t, c, s.Latter(a))

	assert.Panics(t, func() { s.Add(c) })
	s.Del(a)
	assert.Panics(t, func() { s.Del(a) })
	s.Del(b)
	s.Del(c)
	assert.True(t, s.Empty())
}

func TestSortListSameSector(t *testing.T) {
	s := NewSortList()
	a := &Request{id: 1, Sector: 10}
	b := &Request{id: 2, Sector: 10}
	s.Add(a)
	s.Add(b)

	assert.Same(t, a, s.Find(10))
	assert.Same(t, a, s.Former(b))
	assert.Same(t, b, s.Latter(a))
}

func TestWorkCoalescesAndCancels(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	w := NewWork(func() {
		runs.Add(1)
		<-release
	})

	require.True(t, w.Schedule())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// a running instance does not block queueing another one
	assert.True(t, w.Schedule())

	cancelled := make(chan bool, 1)
	go func() { cancelled <- w.CancelSync() }()

	select {
	case <-cancelled:
		t.Fatal("cancel returned while work was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel never returned")
	}
	assert.False(t, w.Pending())
	assert.LessOrEqual(t, runs.Load(), int32(2))
}
