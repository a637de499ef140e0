// Package hostdrv implements the "host" pseudo-device driver: the
// coherency/arena/offloader machinery's degenerate case where the device is
// the CPU's own memory. Transfers into/out of the host are ordinary
// memcpy; whether the host's bytes for a tile are current is tracked by the
// coherency tree (MemoryBlock.HostValid), not by this driver. The driver
// satisfies the full interface
// contract with the simplest possible implementation of each hook.
package hostdrv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xkrt-go/xkrt/internal/driverapi"
)

// Driver is the host pseudo-device: one logical device (global id fixed by
// the caller, conventionally constants.HostGlobalID), memory allocated from
// the Go heap, and synchronous memcpy transfers reported complete on the
// very next Progress call.
type Driver struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
	nextTok uint64

	streams map[driverapi.Handle]*stream
}

type stream struct {
	mu        sync.Mutex
	completed []completion
}

type completion struct {
	handle driverapi.Handle
	err    error
}

// New creates the host driver.
func New() *Driver {
	return &Driver{regions: make(map[uintptr][]byte), streams: make(map[driverapi.Handle]*stream)}
}

func (d *Driver) Name() string    { return "host" }
func (d *Driver) MaxDevices() int { return 1 }

func (d *Driver) Init(context.Context, bool) error { return nil }
func (d *Driver) Finalize() error                  { return nil }

func (d *Driver) DeviceCreate(driverID int32) (int32, error) { return driverID, nil }
func (d *Driver) DeviceInit(int32) error                     { return nil }
func (d *Driver) DeviceCommit(int32) error                   { return nil }
func (d *Driver) DeviceDestroy(int32) error                  { return nil }

func (d *Driver) DeviceInfo(globalID int32) (driverapi.DeviceInfo, error) {
	return driverapi.DeviceInfo{GlobalID: globalID, DriverType: "host", Name: "host", NumMemories: 1}, nil
}

// MemoryAllocate hands back a Go-heap buffer; the "address" handed to
// transfer requests is a synthetic token (not a real pointer dereferenced
// here), since this driver does all its copies at Go []byte level through
// the region table.
func (d *Driver) MemoryAllocate(_ int32, bytes uint64) (uintptr, error) {
	buf := make([]byte, bytes)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTok++
	tok := uintptr(d.nextTok)
	d.regions[tok] = buf
	return tok, nil
}

func (d *Driver) MemoryDeallocate(_ int32, addr uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.regions, addr)
	return nil
}

// RegisterHostRegion materializes a zero-filled buffer for a caller-chosen
// address, used by register_memory to make a user datum's address
// resolvable by this driver without ever dereferencing the caller's real
// pointer: datum bytes live in the driver's own buffer keyed at the
// registered address instead.
func (d *Driver) RegisterHostRegion(addr uintptr, bytes uint64) []byte {
	buf := make([]byte, bytes)
	d.mu.Lock()
	d.regions[addr] = buf
	d.mu.Unlock()
	return buf
}

// UnregisterHostRegion reverses RegisterHostRegion.
func (d *Driver) UnregisterHostRegion(addr uintptr) {
	d.mu.Lock()
	delete(d.regions, addr)
	d.mu.Unlock()
}

// HostRegion returns the buffer registered at addr (nil if none), for
// callers that seed or inspect a datum's bytes directly.
func (d *Driver) HostRegion(addr uintptr) []byte {
	buf, _ := d.slice(addr)
	return buf
}

// slice resolves a transfer address to a backing buffer. Most callers pass
// back exactly the token MemoryAllocate handed out, but device-arena-backed
// addresses (internal/coherency's AllocView.BaseOffset combined with the
// device's base token, see internal/device.Device.BaseAddr) land partway
// into a single large registration, so an exact-key miss falls back to a
// range scan over every registered region.
func (d *Driver) slice(addr uintptr) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return resolveRegion(d.regions, addr)
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

func (d *Driver) StreamCreate(int32, driverapi.StreamType, int) (driverapi.Handle, error) {
	s := &stream{}
	d.mu.Lock()
	d.streams[s] = s
	d.mu.Unlock()
	return s, nil
}

func (d *Driver) StreamDelete(h driverapi.Handle) error {
	d.mu.Lock()
	delete(d.streams, h)
	d.mu.Unlock()
	return nil
}

var tokenCounter atomic.Uint64

// TransferAsync performs the copy synchronously (host memcpy is cheap
// enough not to need real asynchrony) but reports completion through the
// normal Progress path so offloader callers see the same async contract as
// every other driver.
func (d *Driver) TransferAsync(sh driverapi.Handle, req driverapi.TransferRequest) (driverapi.Handle, error) {
	s := sh.(*stream)
	tok := tokenCounter.Add(1)

	err := d.copy(req)

	s.mu.Lock()
	s.completed = append(s.completed, completion{handle: tok, err: err})
	s.mu.Unlock()
	return tok, nil
}

func (d *Driver) copy(req driverapi.TransferRequest) error {
	src, ok := d.slice(uintptr(req.SrcAddr))
	if !ok {
		return fmt.Errorf("hostdrv: unknown src region %#x", req.SrcAddr)
	}
	dst, ok := d.slice(uintptr(req.DstAddr))
	if !ok {
		return fmt.Errorf("hostdrv: unknown dst region %#x", req.DstAddr)
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
		srcOff := row * ld
		dstOff := row * dld
		if srcOff+req.WidthBytes > uint64(len(src)) || dstOff+req.WidthBytes > uint64(len(dst)) {
			return fmt.Errorf("hostdrv: transfer out of bounds at row %d", row)
		}
		copy(dst[dstOff:dstOff+req.WidthBytes], src[srcOff:srcOff+req.WidthBytes])
	}
	return nil
}

// KernelLaunch just invokes the caller-supplied closure: the host device
// "executes" a kernel by running the Go function directly.
func (d *Driver) KernelLaunch(sh driverapi.Handle, k driverapi.KernelLaunch) (driverapi.Handle, error) {
	s := sh.(*stream)
	tok := tokenCounter.Add(1)
	err := k.Launch(context.Background())
	s.mu.Lock()
	s.completed = append(s.completed, completion{handle: tok, err: err})
	s.mu.Unlock()
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
