package iosched

import (
	"sync"
	"time"
)

// MockBackend provides a mock implementation of Backend for testing.
// It tracks method calls and can inject errors and latency.
type MockBackend struct {
	data    []byte
	size    int64
	closed  bool
	flushed bool
	stats   map[string]interface{}

	readErr  error
	writeErr error
	delay    time.Duration

	// Method call tracking
	mu         sync.RWMutex
	readCalls  int
	writeCalls int
	flushCalls int
}

// NewMockBackend creates a new mock backend with the specified size.
// This is useful for unit testing applications that schedule onto a backend.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data:  make([]byte, size),
		size:  size,
		stats: make(map[string]interface{}),
	}
}

// ReadAt implements the Backend interface
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	m.readCalls++
	delay, err := m.delay, m.readErr
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if err != nil {
		return 0, err
	}
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements the Backend interface
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	m.writeCalls++
	delay, err := m.delay, m.writeErr
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if err != nil {
		return 0, err
	}
	if off >= m.size {
		return 0, ErrInvalidParameters
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size implements the Backend interface
func (m *MockBackend) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Flush implements the Backend interface
func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	m.flushed = true
	return nil
}

// Stats implements the StatBackend interface
func (m *MockBackend) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	for k, v := range m.stats {
		stats[k] = v
	}

	stats["read_calls"] = m.readCalls
	stats["write_calls"] = m.writeCalls
	stats["flush_calls"] = m.flushCalls

	return stats
}

// Testing utility methods

// SetReadError makes every following read fail with err (nil clears it)
func (m *MockBackend) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetWriteError makes every following write fail with err (nil clears it)
func (m *MockBackend) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetDelay adds a fixed service time to every read and write
func (m *MockBackend) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if Flush has been called
func (m *MockBackend) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Reset resets all call counters, state flags and injected faults
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.flushed = false
	m.readErr = nil
	m.writeErr = nil
	m.delay = 0
}

// SetCustomStats allows setting custom statistics for testing
func (m *MockBackend) SetCustomStats(stats map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]interface{})
	for k, v := range stats {
		m.stats[k] = v
	}
}

// RecordingObserver counts every event it sees
type RecordingObserver struct {
	mu sync.Mutex

	Reads      int
	Writes     int
	Flushes    int
	Errors     int
	Inserts    int
	Dispatched int
	Forced     int
	Merges     int
	QueueFails int
	MaxDepth   uint32
}

func (r *RecordingObserver) ObserveRead(_ uint64, _ uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reads++
	if !success {
		r.Errors++
	}
}

func (r *RecordingObserver) ObserveWrite(_ uint64, _ uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Writes++
	if !success {
		r.Errors++
	}
}

func (r *RecordingObserver) ObserveFlush(_ uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Flushes++
	if !success {
		r.Errors++
	}
}

func (r *RecordingObserver) ObserveQueueDepth(depth uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if depth > r.MaxDepth {
		r.MaxDepth = depth
	}
}

func (r *RecordingObserver) ObserveInsert() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Inserts++
}

func (r *RecordingObserver) ObserveDispatch(n int, forced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dispatched += n
	if forced {
		r.Forced += n
	}
}

func (r *RecordingObserver) ObserveMerge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Merges++
}

func (r *RecordingObserver) ObserveQueueFail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.QueueFails++
}

// Snapshot returns a copy of the counters
func (r *RecordingObserver) Snapshot() RecordingObserver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecordingObserver{
		Reads:      r.Reads,
		Writes:     r.Writes,
		Flushes:    r.Flushes,
		Errors:     r.Errors,
		Inserts:    r.Inserts,
		Dispatched: r.Dispatched,
		Forced:     r.Forced,
		Merges:     r.Merges,
		QueueFails: r.QueueFails,
		MaxDepth:   r.MaxDepth,
	}
}

// Compile-time interface checks
var (
	_ Backend     = (*MockBackend)(nil)
	_ StatBackend = (*MockBackend)(nil)
	_ Observer    = (*RecordingObserver)(nil)
)
