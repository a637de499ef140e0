package xkrt

import "github.com/xkrt-go/xkrt/internal/constants"

// Re-exported for the public API, so callers can size rings and queues
// without importing internal/constants.
const (
	DefaultQueueDepth         = constants.DefaultQueueDepth
	DefaultNumQueuesPerDevice = constants.DefaultNumQueuesPerDevice
	DefaultOffloaderCapacity  = constants.DefaultOffloaderCapacity
	DefaultStreamsPerType     = constants.DefaultStreamsPerType
	DefaultConcurrencyLimit   = constants.DefaultConcurrencyLimit
	AutoAssignDeviceID        = constants.AutoAssignDeviceID
	HostGlobalID              = constants.HostGlobalID
	HostPinnedDeviceID        = constants.HostPinnedDeviceID
	AllocViewsMax             = constants.AllocViewsMax
	DefaultMaxEvictionRetries = constants.DefaultMaxEvictionRetries
	DefaultGPUMemPercent      = constants.DefaultGPUMemPercent
)
