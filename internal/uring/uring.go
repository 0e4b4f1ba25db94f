// Package uring runs positional file I/O through io_uring
package uring

import (
	"errors"

	"github.com/ehrlich-b/go-iosched/internal/logging"
)

// ErrNotSupported is returned by NewRing where io_uring is unavailable
var ErrNotSupported = errors.New("uring: io_uring not supported on this platform")

// ErrClosed is returned for operations on a closed ring
var ErrClosed = errors.New("uring: ring closed")

// Ring provides the io_uring operations the file backend needs. All
// methods are safe for concurrent use.
type Ring interface {
	// ReadAt reads len(p) bytes from fd at off, retrying short reads
	ReadAt(fd int, p []byte, off int64) (int, error)

	// WriteAt writes p to fd at off, retrying short writes
	WriteAt(fd int, p []byte, off int64) (int, error)

	// Fsync flushes fd to stable storage
	Fsync(fd int) error

	// Close releases the ring
	Close() error
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of entries in the ring
}

// NewRing creates a ring, or returns ErrNotSupported
func NewRing(config Config) (Ring, error) {
	if config.Entries == 0 {
		config.Entries = 64
	}

	logger := logging.Default()
	logger.Debug("creating io_uring", "entries", config.Entries)

	ring, err := newRing(config)
	if err != nil {
		logger.Debug("io_uring unavailable", "error", err)
		return nil, err
	}
	return ring, nil
}
