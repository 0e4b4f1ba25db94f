// Package backend provides storage for scheduled queues to dispatch to
package backend

import (
	"fmt"
	"io"
	"sync"

	"github.com/ehrlich-b/go-iosched/internal/interfaces"
)

// memChunkSize is the allocation unit of the memory backend
const memChunkSize = 64 * 1024

// Memory is a sparse RAM backend. Chunks are allocated on first write, so a
// large device that is mostly read costs little memory.
type Memory struct {
	size   int64
	mu     sync.RWMutex
	chunks [][]byte
	closed bool
}

// NewMemory creates a new memory backend of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		size:   size,
		chunks: make([][]byte, (size+memChunkSize-1)/memChunkSize),
	}
}

// ReadAt implements the Backend interface. Unwritten ranges read as zeroes.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, fmt.Errorf("memory backend closed")
	}
	if off >= m.size {
		return 0, io.EOF
	}

	want := len(p)
	if int64(want) > m.size-off {
		p = p[:m.size-off]
	}

	n := 0
	for n < len(p) {
		idx := (off + int64(n)) / memChunkSize
		within := (off + int64(n)) % memChunkSize
		seg := p[n:]
		if int64(len(seg)) > memChunkSize-within {
			seg = seg[:memChunkSize-within]
		}
		if c := m.chunks[idx]; c != nil {
			copy(seg, c[within:])
		} else {
			clear(seg)
		}
		n += len(seg)
	}

	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Backend interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("memory backend closed")
	}
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}

	want := len(p)
	if int64(want) > m.size-off {
		p = p[:m.size-off]
	}

	n := 0
	for n < len(p) {
		idx := (off + int64(n)) / memChunkSize
		within := (off + int64(n)) % memChunkSize
		if m.chunks[idx] == nil {
			m.chunks[idx] = make([]byte, memChunkSize)
		}
		n += copy(m.chunks[idx][within:], p[n:])
	}

	if n < want {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Size implements the Backend interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// drop the data to help the GC
	m.chunks = nil
	m.closed = true
	return nil
}

// Flush implements the Backend interface
func (m *Memory) Flush() error {
	return nil
}

// Stats implements the StatBackend interface
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allocated := 0
	for _, c := range m.chunks {
		if c != nil {
			allocated += len(c)
		}
	}
	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": allocated,
	}
}

// Compile-time interface checks
var (
	_ interfaces.Backend     = (*Memory)(nil)
	_ interfaces.StatBackend = (*Memory)(nil)
)
