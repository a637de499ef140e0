// Package xkrt is the top-level runtime: a heterogeneous task-graph engine
// binding the dependency resolver (task/internal/depdomain), the coherency
// engine (internal/coherency), the per-device offloader (internal/offloader),
// and the host work-stealing team (internal/team) behind one programmatic
// entry point.
package xkrt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xkrt-go/xkrt/internal/arena"
	"github.com/xkrt-go/xkrt/internal/config"
	"github.com/xkrt-go/xkrt/internal/constants"
	"github.com/xkrt-go/xkrt/internal/device"
	"github.com/xkrt-go/xkrt/internal/driverapi"
	"github.com/xkrt-go/xkrt/internal/interfaces"
	"github.com/xkrt-go/xkrt/internal/logging"
	"github.com/xkrt-go/xkrt/internal/offloader"
	"github.com/xkrt-go/xkrt/internal/region"
	"github.com/xkrt-go/xkrt/internal/team"
)

// Runtime is one running instance of the engine: a host pseudo-device, zero
// or more accelerator devices, a host work-stealing team, and the datum
// registry backing dependency resolution and coherency.
type Runtime struct {
	cfg     config.Config
	logger  *logging.Logger
	metrics *Metrics
	obs     *MetricsObserver

	host    *device.Device
	devices []*device.Device // accelerator devices, index == global id

	team *team.Team

	datumsMu sync.RWMutex
	datums   map[region.DatumKey]*datum

	taskIDCounter atomic.Uint64
	closed        atomic.Bool
}

// Init brings up a Runtime per cfg: the host pseudo-device, every
// accelerator device named in cfg.Drivers (resolved against the supplied
// driver registry), and a host team sized to DefaultNumThreads, or to a
// single thread when the PauseProgressionThreads knob is set.
func Init(cfg config.Config, driverRegistry map[string]driverapi.Driver, logger *logging.Logger) (*Runtime, error) {
	if logger == nil {
		if cfg.Verbose {
			logger = logging.New(&logging.Config{Verbose: true})
		} else {
			logger = logging.Default()
		}
	}
	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(),
		datums:  make(map[region.DatumKey]*datum),
	}
	r.obs = NewMetricsObserver(r.metrics)

	ctx := context.Background()

	hostDrv, ok := driverRegistry["host"]
	if !ok {
		return nil, NewError("Init", ErrCodeDriverFailure, "driver registry missing required \"host\" entry")
	}
	host, err := r.bringUpDevice(ctx, device.HostID, "host", 0, hostDrv)
	if err != nil {
		return nil, err
	}
	r.host = host

	globalID := device.ID(0)
	for _, spec := range cfg.Drivers {
		drv, ok := driverRegistry[spec.Name]
		if !ok {
			return nil, NewError("Init", ErrCodeDriverFailure, fmt.Sprintf("driver registry missing %q named in DRIVERS", spec.Name))
		}
		for i := 0; i < spec.Count; i++ {
			d, err := r.bringUpDevice(ctx, globalID, spec.Name, int32(i), drv)
			if err != nil {
				return nil, err
			}
			r.devices = append(r.devices, d)
			globalID++
		}
	}

	nThreads := team.DefaultNumThreads()
	if cfg.PauseProgressionThreads {
		nThreads = 1
	}
	r.team = team.New(nThreads)

	r.logger.Infof("runtime initialized: %d accelerator device(s), %d team thread(s)", len(r.devices), nThreads)
	return r, nil
}

func (r *Runtime) bringUpDevice(ctx context.Context, globalID device.ID, driverType string, driverID int32, drv driverapi.Driver) (*device.Device, error) {
	d := device.New(globalID, driverType, driverID, drv)

	var memBytes uint64
	if info, err := drv.DeviceInfo(int32(globalID)); err == nil && info.MemoryBytes > 0 {
		memBytes = info.MemoryBytes * uint64(r.cfg.GPUMemPercent) / 100
	} else if globalID == device.HostID {
		// The host driver reports no DeviceInfo.MemoryBytes (there is no
		// single "device memory" figure for the CPU's own address space);
		// size its arena from the process memory budget instead.
		memBytes = arena.DefaultHostCapacity()
	} else {
		// Simulation drivers report no memory figure either; give them a
		// working arena rather than a zero-capacity one no fetch could
		// ever allocate from.
		memBytes = constants.DefaultDeviceCapacityFallback
	}

	if err := d.Create(ctx, memBytes); err != nil {
		return nil, WrapDriverError("Device.Create", int32(globalID), err)
	}
	if err := d.Init(ctx); err != nil {
		return nil, WrapDriverError("Device.Init", int32(globalID), err)
	}

	offCfg := offloader.Config{
		NumWorkers:     r.cfg.OffloaderWorkersOrDefault(),
		StreamsPerType: r.cfg.StreamsPerTypeOrDefault(),
		RingCapacity:   r.cfg.OffloaderCapacity,
		ConcurrencyLimit: map[driverapi.StreamType]int{
			driverapi.StreamH2D:   r.cfg.H2DPerStream,
			driverapi.StreamD2H:   r.cfg.D2HPerStream,
			driverapi.StreamD2D:   r.cfg.D2DPerStream,
			driverapi.StreamKernel: r.cfg.KernPerStream,
		},
	}
	if err := d.Commit(ctx, offCfg, r.logger.ForDevice(int32(globalID)), r.obs); err != nil {
		return nil, WrapDriverError("Device.Commit", int32(globalID), err)
	}
	return d, nil
}

// Close drives every device through Stop, stops the team, and marks the
// runtime closed; subsequent calls return ErrRuntimeClosed.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrRuntimeClosed
	}
	ctx := context.Background()
	for _, d := range r.devices {
		if err := d.Stop(ctx); err != nil {
			r.logger.Warnf("device %d stop: %v", d.GlobalID, err)
		}
	}
	if err := r.host.Stop(ctx); err != nil {
		r.logger.Warnf("host device stop: %v", err)
	}
	r.team.Close()
	r.metrics.Stop()
	return nil
}

// Reset tears down every datum registration (but not devices or the team),
// for reuse between independent computations without paying device-lifecycle
// cost again.
func (r *Runtime) Reset() {
	r.datumsMu.Lock()
	r.datums = make(map[region.DatumKey]*datum)
	r.datumsMu.Unlock()
	r.metrics.Reset()
}

// NDevices reports the number of committed accelerator devices (excludes
// the host pseudo-device).
func (r *Runtime) NDevices() int { return len(r.devices) }

// NDevicesMax sums MaxDevices() across every driver named in cfg.Drivers,
// the backend-reported ceiling independent of what was actually brought up.
func (r *Runtime) NDevicesMax(driverRegistry map[string]driverapi.Driver) int {
	total := 0
	for _, spec := range r.cfg.Drivers {
		if drv, ok := driverRegistry[spec.Name]; ok {
			total += drv.MaxDevices()
		}
	}
	return total
}

// DeviceGet returns the device with the given global id, or the host device
// for device.HostID.
func (r *Runtime) DeviceGet(globalID int32) (*device.Device, error) {
	if device.ID(globalID) == device.HostID {
		return r.host, nil
	}
	if globalID < 0 || int(globalID) >= len(r.devices) {
		return nil, NewDeviceError("DeviceGet", globalID, ErrCodeDeviceNotFound, "no such device")
	}
	return r.devices[globalID], nil
}

// DriverGet returns the driverapi.Driver backing a device.
func (r *Runtime) DriverGet(globalID int32) (driverapi.Driver, error) {
	d, err := r.DeviceGet(globalID)
	if err != nil {
		return nil, err
	}
	return d.Driver, nil
}

// Metrics returns the runtime's live metrics instance (for telemetry wiring
// and test assertions).
func (r *Runtime) Metrics() *Metrics { return r.metrics }

// Logger returns the runtime's configured logger.
func (r *Runtime) Logger() interfaces.Logger { return r.logger }

func (r *Runtime) nextTaskID() uint64 { return r.taskIDCounter.Add(1) }
