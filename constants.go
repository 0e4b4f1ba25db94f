package iosched

import "github.com/ehrlich-b/go-iosched/internal/constants"

// Re-export constants for public API
const (
	SectorSize         = constants.SectorSize
	DefaultQueueDepth  = constants.DefaultQueueDepth
	DefaultMaxIOSize   = constants.DefaultMaxIOSize
	DefaultElevator    = constants.DefaultElevator
	DefaultReadScale   = constants.DefaultReadScale
	DefaultWriteScale  = constants.DefaultWriteScale
	MinScale           = constants.MinScale
	MaxScale           = constants.MaxScale
	UnlimitedContexts  = constants.UnlimitedContexts
	VIOSScale          = constants.VIOSScale
	AutoAssignDeviceID = constants.AutoAssignDeviceID
)
