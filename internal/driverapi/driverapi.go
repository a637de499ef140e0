// Package driverapi defines the vendor-neutral boundary between the
// runtime core (arena, offloader, coherency, scheduler) and a concrete
// accelerator backend (vendor drivers such as CUDA/HIP/Level-Zero/OpenCL/
// SYCL out of tree; hostdrv/cpudrv in this repo). The dispatch record is
// the only thing that varies per vendor; everything above it is
// vendor-neutral.
//
// Driver is a plain interface, never type-switched on at the call site
// (callers never type-switch on a concrete driver): internal/offloader
// and internal/device hold a driverapi.Driver value and call through it
// uniformly for host and every accelerator.
package driverapi

import "context"

// StreamType is one of the four tiered command queues a device exposes.
type StreamType uint8

const (
	StreamKernel StreamType = iota
	StreamH2D
	StreamD2H
	StreamD2D
	NumStreamTypes
)

func (s StreamType) String() string {
	switch s {
	case StreamKernel:
		return "kern"
	case StreamH2D:
		return "h2d"
	case StreamD2H:
		return "d2h"
	case StreamD2D:
		return "d2d"
	default:
		return "unknown"
	}
}

// PerfRanksMax is the number of device-to-device affinity tiers a driver
// may report: Affinity[rank] is the set of devices reachable at relative
// cost rank, rank 0 being the device itself.
const PerfRanksMax = 4

// DeviceInfo is the static, driver-reported description of one device.
type DeviceInfo struct {
	GlobalID    int32
	DriverType  string
	DriverID    int32
	Name        string
	MemoryBytes uint64
	NumMemories int

	// Affinity is the per-rank reachability bitmask over global device ids;
	// an all-zero value means the driver reports no topology.
	Affinity [PerfRanksMax]uint32 `json:"-"`
}

// TransferKind distinguishes the three copy directions a driver must
// implement.
type TransferKind uint8

const (
	TransferH2D TransferKind = iota
	TransferD2H
	TransferD2D
)

// TransferRequest describes one asynchronous copy command handed to
// transfer_async. SrcLD/DstLD of 0 mean "contiguous" (width == ld).
type TransferRequest struct {
	Kind TransferKind

	SrcDevice int32
	DstDevice int32

	SrcAddr uint64
	DstAddr uint64

	SrcLD, DstLD     uint64
	WidthBytes, Rows uint64
}

// KernelLaunch carries everything a driver needs to submit a compute
// command: a driver-agnostic launcher closure; grid/block shape and shared
// memory size are opaque to the core and owned by the caller's launcher.
type KernelLaunch struct {
	Launch func(ctx context.Context) error
}

// InstrKind distinguishes the shapes of instruction a stream can carry.
type InstrKind uint8

const (
	InstrTransfer InstrKind = iota
	InstrKernel
)

// Instruction is one command pushed into a Stream's ready ring.
type Instruction struct {
	Kind     InstrKind
	Transfer TransferRequest
	Kernel   KernelLaunch

	// Callback fires exactly once, after the driver reports completion
	// (success or error).
	Callback func(err error)
}

// Handle is an opaque per-instruction completion token a driver may use to
// correlate a later progress() poll with the instruction that produced it
// (e.g. a CUDA event, an io_uring user_data value). The offloader treats it
// as opaque.
type Handle interface{}

// Driver is the hook-table contract every accelerator backend implements.
// Implementations must be safe for concurrent use by multiple
// device worker goroutines, except where individually noted.
type Driver interface {
	// Name identifies the driver for logging and DRIVERS= configuration.
	Name() string

	// MaxDevices reports the backend's hard device-count ceiling
	// (get_ndevices_max).
	MaxDevices() int

	// Init performs one-time backend initialization.
	Init(ctx context.Context, useP2P bool) error

	// Finalize releases all backend-global resources.
	Finalize() error

	// DeviceCreate/DeviceInit/DeviceCommit/DeviceDestroy drive one device
	// through its lifecycle.
	DeviceCreate(driverID int32) (int32, error)
	DeviceInit(globalID int32) error
	DeviceCommit(globalID int32) error
	DeviceDestroy(globalID int32) error

	// DeviceInfo reports the static description of a device.
	DeviceInfo(globalID int32) (DeviceInfo, error)

	// MemoryAllocate/MemoryDeallocate manage one physical memory region on
	// a device (backing internal/arena.Area).
	MemoryAllocate(globalID int32, bytes uint64) (uintptr, error)
	MemoryDeallocate(globalID int32, addr uintptr) error

	// TransferAsync submits one asynchronous copy, returning a Handle the
	// driver can use to recognize its own completion during Progress.
	TransferAsync(streamHandle Handle, req TransferRequest) (Handle, error)

	// KernelLaunch submits one asynchronous compute command.
	KernelLaunch(streamHandle Handle, k KernelLaunch) (Handle, error)

	// StreamCreate/StreamDelete manage a driver-side execution context for
	// one offloader Stream (e.g. a CUDA stream, an io_uring instance).
	StreamCreate(globalID int32, t StreamType, capacity int) (Handle, error)
	StreamDelete(streamHandle Handle) error

	// Progress polls streamHandle for command completions, invoking done
	// once per completed instruction identified by its instruction Handle,
	// in submission order. Progress must never
	// block.
	Progress(streamHandle Handle, done func(instr Handle, err error)) error

	// Wait blocks the calling goroutine until streamHandle has capacity
	// for at least one more in-flight instruction, implementing the
	// backpressure wait hook.
	Wait(ctx context.Context, streamHandle Handle) error
}
