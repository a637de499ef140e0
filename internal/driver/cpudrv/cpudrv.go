// Package cpudrv implements a CPU-simulated accelerator driver: device
// "memory" is a plain Go byte slice, kernels run as ordinary goroutines
// (one per launch, with no limit on how many run at once), and transfers
// are memcpy performed off the calling goroutine, a bounded number at a
// time per device, to model asynchronous completion. Used by
// tests and cmd/xkrt-demo to exercise the full scheduler/coherency/
// offloader pipeline without real accelerator hardware.
package cpudrv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xkrt-go/xkrt/internal/driverapi"
)

// Driver simulates N accelerator devices, each with its own memory arena
// (a Go byte slice) and a bounded number of concurrent copy goroutines
// standing in for the device's copy engines. Kernel launches are not
// bounded.
type Driver struct {
	mu      sync.Mutex
	devices map[int32]*device
	workers int

	// UseIOUring enables the optional io_uring-backed async memcpy path
	// for transfers. Falls back to the plain goroutine path transparently
	// if ring creation fails.
	UseIOUring bool

	// MemoryBytes is the simulated per-device memory capacity reported by
	// DeviceInfo; zero leaves the figure unreported and the runtime picks
	// its own fallback. Tests shrink it to force eviction.
	MemoryBytes uint64
}

type device struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
	nextTok uint64
	sem     chan struct{} // bounds concurrent simulated copy work
}

type stream struct {
	mu        sync.Mutex
	completed []completion
}

type completion struct {
	handle driverapi.Handle
	err    error
}

// New creates a CPU-simulation driver with the given per-device worker
// concurrency (how many transfers a device runs at once).
func New(workersPerDevice int) *Driver {
	if workersPerDevice <= 0 {
		workersPerDevice = 4
	}
	return &Driver{devices: make(map[int32]*device), workers: workersPerDevice}
}

func (d *Driver) Name() string    { return "cpusim" }
func (d *Driver) MaxDevices() int { return 64 }

func (d *Driver) Init(context.Context, bool) error { return nil }
func (d *Driver) Finalize() error                  { return nil }

func (d *Driver) DeviceCreate(driverID int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := &device{regions: make(map[uintptr][]byte), sem: make(chan struct{}, d.workers)}
	d.devices[driverID] = dev
	return driverID, nil
}

func (d *Driver) DeviceInit(int32) error   { return nil }
func (d *Driver) DeviceCommit(int32) error { return nil }
func (d *Driver) DeviceDestroy(globalID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, globalID)
	return nil
}

func (d *Driver) DeviceInfo(globalID int32) (driverapi.DeviceInfo, error) {
	info := driverapi.DeviceInfo{GlobalID: globalID, DriverType: "cpusim", Name: fmt.Sprintf("cpusim-%d", globalID), MemoryBytes: d.MemoryBytes}
	// Simulated topology: the device itself at rank 0, every sibling
	// simulated device as a rank-1 peer (all share one process).
	info.Affinity[0] = 1 << uint(globalID)
	d.mu.Lock()
	for id := range d.devices {
		if id != globalID {
			info.Affinity[1] |= 1 << uint(id)
		}
	}
	d.mu.Unlock()
	return info, nil
}

func (d *Driver) dev(globalID int32) (*device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[globalID]
	if !ok {
		return nil, fmt.Errorf("cpudrv: unknown device %d", globalID)
	}
	return dev, nil
}

func (d *Driver) MemoryAllocate(globalID int32, bytes uint64) (uintptr, error) {
	dev, err := d.dev(globalID)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, bytes)
	dev.mu.Lock()
	dev.nextTok++
	tok := uintptr(dev.nextTok)
	dev.regions[tok] = buf
	dev.mu.Unlock()
	return tok, nil
}

func (d *Driver) MemoryDeallocate(globalID int32, addr uintptr) error {
	dev, err := d.dev(globalID)
	if err != nil {
		return err
	}
	dev.mu.Lock()
	delete(dev.regions, addr)
	dev.mu.Unlock()
	return nil
}

func (d *Driver) StreamCreate(int32, driverapi.StreamType, int) (driverapi.Handle, error) {
	return &stream{}, nil
}

func (d *Driver) StreamDelete(driverapi.Handle) error { return nil }

var tokenCounter atomic.Uint64

// TransferAsync simulates an async copy: the memcpy runs on a bounded
// worker goroutine (modeling a device copy engine), reporting through
// Progress once done. If UseIOUring is set, the completion is instead
// signaled via the io_uring-backed path in iouring_linux.go.
func (d *Driver) TransferAsync(sh driverapi.Handle, req driverapi.TransferRequest) (driverapi.Handle, error) {
	s := sh.(*stream)
	tok := tokenCounter.Add(1)

	run := func() error { return d.copy(req) }

	if d.UseIOUring {
		if submitIOUringCopy(d, s, tok, run) {
			return tok, nil
		}
	}

	go func() {
		dev := d.deviceForTransfer(req)
		if dev != nil {
			dev.sem <- struct{}{}
			defer func() { <-dev.sem }()
		}
		err := run()
		s.mu.Lock()
		s.completed = append(s.completed, completion{handle: tok, err: err})
		s.mu.Unlock()
	}()
	return tok, nil
}

func (d *Driver) deviceForTransfer(req driverapi.TransferRequest) *device {
	id := req.DstDevice
	if req.Kind == driverapi.TransferD2H {
		id = req.SrcDevice
	}
	dev, _ := d.dev(id)
	return dev
}

func (d *Driver) copy(req driverapi.TransferRequest) error {
	srcDev := req.SrcDevice
	dstDev := req.DstDevice

	var srcBuf, dstBuf []byte
	if req.Kind == driverapi.TransferH2D {
		srcBuf = hostRegion(req.SrcAddr)
	} else if sd, err := d.dev(srcDev); err == nil {
		sd.mu.Lock()
		srcBuf, _ = resolveRegion(sd.regions, uintptr(req.SrcAddr))
		sd.mu.Unlock()
	}
	if req.Kind == driverapi.TransferD2H {
		dstBuf = hostRegion(req.DstAddr)
	} else if dd, err := d.dev(dstDev); err == nil {
		dd.mu.Lock()
		dstBuf, _ = resolveRegion(dd.regions, uintptr(req.DstAddr))
		dd.mu.Unlock()
	}
	if srcBuf == nil || dstBuf == nil {
		return fmt.Errorf("cpudrv: transfer references unknown region (kind=%v src=%d dst=%d)", req.Kind, srcDev, dstDev)
	}

	ld := req.SrcLD
	if ld == 0 {
		ld = req.WidthBytes
	}
	dld := req.DstLD
	if dld == 0 {
		dld = req.WidthBytes
	}
	for row := uint64(0); row < req.Rows; row++ {
		so, do := row*ld, row*dld
		if so+req.WidthBytes > uint64(len(srcBuf)) || do+req.WidthBytes > uint64(len(dstBuf)) {
			return fmt.Errorf("cpudrv: transfer out of bounds at row %d", row)
		}
		copy(dstBuf[do:do+req.WidthBytes], srcBuf[so:so+req.WidthBytes])
	}
	return nil
}

// KernelLaunch runs the caller's launcher on a goroutine of its own. Unlike
// transfers, launches do not wait for a worker slot: every launch starts at
// once, however many are already running.
func (d *Driver) KernelLaunch(sh driverapi.Handle, k driverapi.KernelLaunch) (driverapi.Handle, error) {
	s := sh.(*stream)
	tok := tokenCounter.Add(1)
	go func() {
		err := k.Launch(context.Background())
		s.mu.Lock()
		s.completed = append(s.completed, completion{handle: tok, err: err})
		s.mu.Unlock()
	}()
	return tok, nil
}

func (d *Driver) Progress(sh driverapi.Handle, done func(instr driverapi.Handle, err error)) error {
	s := sh.(*stream)
	s.mu.Lock()
	pending := s.completed
	s.completed = nil
	s.mu.Unlock()
	for _, c := range pending {
		done(c.handle, c.err)
	}
	return nil
}

func (d *Driver) Wait(context.Context, driverapi.Handle) error { return nil }

var _ driverapi.Driver = (*Driver)(nil)

// hostRegion resolves a host-side transfer address. cpudrv does not own
// host memory itself (hostdrv does); host-facing transfers in tests and
// cmd/xkrt-demo register their host buffers through RegisterHostRegion.
var (
	hostMu      sync.Mutex
	hostRegions = map[uintptr][]byte{}
)

// RegisterHostRegion exposes a host buffer to cpudrv's H2D/D2H transfer
// simulation, keyed by the same synthetic token hostdrv.MemoryAllocate
// hands back, so both drivers agree on addressing without sharing memory
// directly.
func RegisterHostRegion(tok uintptr, buf []byte) {
	hostMu.Lock()
	hostRegions[tok] = buf
	hostMu.Unlock()
}

// UnregisterHostRegion reverses RegisterHostRegion.
func UnregisterHostRegion(tok uintptr) {
	hostMu.Lock()
	delete(hostRegions, tok)
	hostMu.Unlock()
}

// ShareHostRegion / UnshareHostRegion are the method forms the runtime's
// datum registration discovers by interface assertion, so registered host
// buffers become addressable by this driver's transfer engine.
func (d *Driver) ShareHostRegion(tok uintptr, buf []byte) { RegisterHostRegion(tok, buf) }

func (d *Driver) UnshareHostRegion(tok uintptr) { UnregisterHostRegion(tok) }

func hostRegion(addr uint64) []byte {
	hostMu.Lock()
	defer hostMu.Unlock()
	buf, _ := resolveRegion(hostRegions, uintptr(addr))
	return buf
}

func resolveRegion(regions map[uintptr][]byte, addr uintptr) ([]byte, bool) {
	if buf, ok := regions[addr]; ok {
		return buf, true
	}
	for base, buf := range regions {
		if addr > base && addr < base+uintptr(len(buf)) {
			return buf[addr-base:], true
		}
	}
	return nil, false
}
