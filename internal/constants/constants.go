// Package constants holds default tunables for the runtime, re-exported
// from the top-level package the same way the driver-specific packages
// keep their defaults private to this internal package.
package constants

import "time"

// Device and queue defaults.
const (
	// DefaultQueueDepth is the default number of in-flight commands per stream.
	DefaultQueueDepth = 128

	// DefaultNumQueuesPerDevice is the default number of worker threads per device.
	DefaultNumQueuesPerDevice = 2

	// DefaultOffloaderCapacity is the default ring capacity (OFFLOADER_CAPACITY).
	DefaultOffloaderCapacity = 256

	// DefaultStreamsPerType is the default stream count per command type, per worker thread.
	DefaultStreamsPerType = 2

	// DefaultConcurrencyLimit is the default in-flight command cap per stream (*_PER_STREAM).
	DefaultConcurrencyLimit = 16

	// AutoAssignDeviceID indicates the runtime should auto-assign a global device id.
	AutoAssignDeviceID = -1

	// HostGlobalID is the reserved global device id of the host pseudo-device.
	HostGlobalID = -1

	// HostPinnedDeviceID, as a task's target device, pins the task to the
	// host team even when accelerators are available. Distinct from
	// AutoAssignDeviceID, which routes accessful tasks round-robin across
	// accelerators.
	HostPinnedDeviceID = -2
)

// Memory / coherency defaults.
const (
	// AllocViewsMax bounds the number of distinct backing allocations a single
	// device replica of a block may reference.
	AllocViewsMax = 4

	// DefaultMaxEvictionRetries bounds OOM-eviction retry passes.
	DefaultMaxEvictionRetries = 32

	// ArenaAlignment is the byte alignment every arena allocation request is rounded up to.
	ArenaAlignment = 8

	// ArenaSplitThresholdHalf is the fraction of the requested size that a free
	// chunk's remainder must reach for the chunk to be split instead of handed
	// over whole.
	ArenaSplitThresholdHalf = 0.5

	// DefaultGPUMemPercent is the default fraction of device memory the arena may claim.
	DefaultGPUMemPercent = 90

	// HostCapacityFraction is the share of the process's GOMEMLIMIT the host
	// pseudo-device's arena may claim for registered/allocated buffers,
	// leaving headroom for the Go runtime itself and non-arena allocations.
	HostCapacityFraction = 0.5

	// DefaultDeviceCapacityFallback sizes an accelerator's arena when its
	// driver reports no memory figure (simulation drivers).
	DefaultDeviceCapacityFallback = 256 << 20 // 256 MiB

	// DefaultHostCapacityFallback sizes the host arena when no GOMEMLIMIT is
	// in effect (the stdlib default of "no limit").
	DefaultHostCapacityFallback = 4 << 30 // 4 GiB
)

// Scheduling / team defaults.
const (
	// DefaultPerfRanks is the number of device-to-device affinity cost ranks.
	DefaultPerfRanks = 4

	// DefaultTaskWaitBackoffInitial is the starting backoff for a blocking task_wait.
	DefaultTaskWaitBackoffInitial = 10 * time.Microsecond

	// DefaultTaskWaitBackoffMax caps the exponential backoff in task_wait.
	DefaultTaskWaitBackoffMax = time.Millisecond
)
