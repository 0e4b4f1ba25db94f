package ioc

import (
	"math/bits"
	"sync"
)

// maxSlotID bounds the slot space handed out to registries.
const maxSlotID = 1 << 20

// idAllocator hands out the smallest free non-negative integer.
type idAllocator struct {
	mu    sync.Mutex
	words []uint64
	inUse int
}

// cicIndex is shared by every registry of every builder, like the slot
// numbers it hands out are shared by every io context.
var cicIndex idAllocator

func (a *idAllocator) get() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, w := range a.words {
		if w == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^w)
		id := i*64 + b
		if id >= maxSlotID {
			return -1, ErrNoSlot
		}
		a.words[i] |= 1 << uint(b)
		a.inUse++
		return id, nil
	}

	id := len(a.words) * 64
	if id >= maxSlotID {
		return -1, ErrNoSlot
	}
	a.words = append(a.words, 1)
	a.inUse++
	return id, nil
}

func (a *idAllocator) remove(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, b := id/64, uint(id%64)
	if id < 0 || w >= len(a.words) || a.words[w]&(1<<b) == 0 {
		panic("ioc: releasing slot id that is not allocated")
	}
	a.words[w] &^= 1 << b
	a.inUse--
}

func (a *idAllocator) allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
