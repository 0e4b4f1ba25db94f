package constants

import "time"

// Scheduler constants
const (
	// VIOSScaleShift is the shift of the base virtual cost of one request
	VIOSScaleShift = 10

	// VIOSScale is the virtual cost charged for one read request
	VIOSScale = 1 << VIOSScaleShift

	// DefaultReadScale is the default read_scale tunable
	DefaultReadScale = 1

	// DefaultWriteScale is the default write_scale tunable
	DefaultWriteScale = 1

	// MinScale and MaxScale bound read_scale and write_scale
	MinScale = 1
	MaxScale = 100
)

// Default queue configuration constants
const (
	// SectorShift converts sectors to bytes
	SectorShift = 9

	// SectorSize is the size of one sector in bytes
	SectorSize = 1 << SectorShift

	// DefaultQueueDepth is the default number of requests the driver keeps in flight
	DefaultQueueDepth = 32

	// DefaultMaxIOSize is the default maximum request size in bytes (1MB)
	DefaultMaxIOSize = 1 << 20

	// DefaultElevator is the scheduler attached to new queues
	DefaultElevator = "fiops"

	// UnlimitedContexts disables the per-queue device context cap
	UnlimitedContexts = 0
)

// Timing constants for queue lifecycle
const (
	// DrainPollInterval is the interval to check for in-flight requests while closing
	DrainPollInterval = 1 * time.Millisecond
)

// Memory allocation constants
const (
	// BounceBufferThreshold is the largest request served from a runner slot
	// buffer; anything larger comes from the buffer pool
	BounceBufferThreshold = 64 * 1024
)

// Device identity constants
const (
	// AutoAssignDeviceID lets Open pick the next free device ID
	AutoAssignDeviceID = -1
)
