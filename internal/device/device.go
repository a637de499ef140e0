// Package device models one runtime device: a driver-backed accelerator or
// the host pseudo-device, its memory areas, its offloader worker pool, and
// its lifecycle state machine.
package device

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/xkrt-go/xkrt/internal/arena"
	"github.com/xkrt-go/xkrt/internal/constants"
	"github.com/xkrt-go/xkrt/internal/driverapi"
	"github.com/xkrt-go/xkrt/internal/interfaces"
	"github.com/xkrt-go/xkrt/internal/offloader"
)

// State is a device's lifecycle state: a device only accepts commands
// between Commit and Stop.
type State int32

const (
	StateDeallocated State = iota
	StateCreate
	StateInit
	StateCommit
	StateStop
	StateStopped
	StateDestroyed
)

// ID identifies a device by its runtime-assigned global id. HostID is the
// reserved id of the host pseudo-device.
type ID int32

const HostID ID = constants.HostGlobalID

// Device is one accelerator or the host, wired to a driverapi.Driver, with
// its own memory arena(s) and offloader pool.
type Device struct {
	GlobalID   ID
	DriverType string
	DriverID   int32

	state atomic.Int32

	Driver driverapi.Driver
	Areas  []*arena.Area // one per driver-reported memory region
	Pool   *offloader.Pool

	// Affinity is the driver-reported reachability mask per cost rank
	// (rank 0 = the device itself); all-zero when the driver reports no
	// topology. Commands are accepted regardless; the mask only informs
	// transfer-source heuristics.
	Affinity [driverapi.PerfRanksMax]uint32

	// BaseAddr is the driver-issued token backing Areas[0]'s full capacity,
	// obtained once from MemoryAllocate at Create. The coherency tree hands
	// out arena-relative offsets (0..capacity) that mean nothing to a driver
	// on their own; callers building a driverapi.TransferRequest add BaseAddr
	// to an AllocView's BaseOffset to recover an address the driver actually
	// recognizes (see schedule.go's dispatchFetch).
	BaseAddr uintptr

	threadNext atomic.Uint32
}

// New creates a device bound to drv, in state Deallocated; call Create,
// Init, Commit in order to bring it online.
func New(globalID ID, driverType string, driverID int32, drv driverapi.Driver) *Device {
	d := &Device{GlobalID: globalID, DriverType: driverType, DriverID: driverID, Driver: drv}
	d.state.Store(int32(StateDeallocated))
	return d
}

func (d *Device) State() State { return State(d.state.Load()) }

func (d *Device) transition(from, to State) error {
	if !d.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("device %d: cannot transition to %d from state %d (expected %d)", d.GlobalID, to, d.State(), from)
	}
	return nil
}

// Create drives the driver's device_create hook and arena sizing for one
// memory region of the given capacity.
func (d *Device) Create(ctx context.Context, memoryBytes uint64) error {
	if err := d.transition(StateDeallocated, StateCreate); err != nil {
		return err
	}
	id, err := d.Driver.DeviceCreate(d.DriverID)
	if err != nil {
		return fmt.Errorf("device %d: create: %w", d.GlobalID, err)
	}
	d.DriverID = id
	d.Areas = append(d.Areas, arena.NewArea(memoryBytes))
	if info, err := d.Driver.DeviceInfo(int32(d.GlobalID)); err == nil {
		d.Affinity = info.Affinity
	}

	base, err := d.Driver.MemoryAllocate(int32(d.GlobalID), memoryBytes)
	if err != nil {
		return fmt.Errorf("device %d: backing allocation: %w", d.GlobalID, err)
	}
	d.BaseAddr = base
	return nil
}

// Init drives device_init.
func (d *Device) Init(ctx context.Context) error {
	if err := d.transition(StateCreate, StateInit); err != nil {
		return err
	}
	return d.Driver.DeviceInit(int32(d.GlobalID))
}

// Commit drives device_commit and starts the device's offloader pool;
// afterward the device accepts commands.
func (d *Device) Commit(ctx context.Context, cfg offloader.Config, logger interfaces.Logger, obs interfaces.Observer) error {
	if err := d.transition(StateInit, StateCommit); err != nil {
		return err
	}
	if err := d.Driver.DeviceCommit(int32(d.GlobalID)); err != nil {
		return fmt.Errorf("device %d: commit: %w", d.GlobalID, err)
	}
	pool, err := offloader.NewPool(ctx, int32(d.GlobalID), d.Driver, cfg, logger, obs)
	if err != nil {
		return fmt.Errorf("device %d: offloader pool: %w", d.GlobalID, err)
	}
	d.Pool = pool
	return nil
}

// Area returns the device's primary memory area (region 0), the common
// case for this core (one backing arena per device).
func (d *Device) Area() *arena.Area {
	if len(d.Areas) == 0 {
		return nil
	}
	return d.Areas[0]
}

// Submit routes a command to the device's offloader pool; only valid
// between Commit and Stop.
func (d *Device) Submit(ctx context.Context, t driverapi.StreamType, instr driverapi.Instruction) error {
	if d.State() != StateCommit {
		return fmt.Errorf("device %d: not accepting commands in state %d", d.GlobalID, d.State())
	}
	return d.Pool.Submit(ctx, t, instr)
}

// Stop transitions to Stop, drains the offloader pool, then destroys the
// driver device.
func (d *Device) Stop(ctx context.Context) error {
	if err := d.transition(StateCommit, StateStop); err != nil {
		return err
	}
	if d.Pool != nil {
		d.Pool.Stop()
	}
	if d.BaseAddr != 0 {
		if err := d.Driver.MemoryDeallocate(int32(d.GlobalID), d.BaseAddr); err != nil {
			return fmt.Errorf("device %d: backing deallocation: %w", d.GlobalID, err)
		}
	}
	d.state.Store(int32(StateStopped))
	if err := d.Driver.DeviceDestroy(int32(d.GlobalID)); err != nil {
		return err
	}
	d.state.Store(int32(StateDestroyed))
	return nil
}

// NextThread returns a round-robin counter for worker-thread assignment
// within the device.
func (d *Device) NextThread(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return d.threadNext.Add(1) % n
}
