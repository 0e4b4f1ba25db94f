package interfaces

// Backend defines the storage a scheduled queue dispatches to.
// This interface is intentionally similar to standard Go interfaces like
// io.ReaderAt and io.WriterAt for familiarity and composability.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// It returns the number of bytes read (0 <= n <= len(p)) and any error encountered.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p to the underlying data stream at offset off.
	// It returns the number of bytes written from p (0 <= n <= len(p)) and
	// any error encountered that caused the write to stop early.
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes.
	Size() int64

	// Close closes the backend and releases any resources.
	// After Close is called, no other methods should be called.
	Close() error

	// Flush flushes any cached writes to stable storage.
	Flush() error
}

// StatBackend is an optional interface that provides backend statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific statistics.
	// The returned map contains string keys with numeric values.
	Stats() map[string]interface{}
}

// Observer receives queue and completion events. Queue events are reported
// with the queue lock held, so implementations must not block.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)

	// ObserveInsert counts a request handed to the elevator
	ObserveInsert()
	// ObserveDispatch counts requests moved to the dispatch list
	ObserveDispatch(n int, forced bool)
	// ObserveMerge counts a bio or request merged into a queued request
	ObserveMerge()
	// ObserveQueueFail counts a submission refused for lack of a device context
	ObserveQueueFail()
}
