package xkrt

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/xkrt-go/xkrt/internal/arena"
	"github.com/xkrt-go/xkrt/internal/coherency"
	"github.com/xkrt-go/xkrt/internal/depdomain"
	"github.com/xkrt-go/xkrt/internal/device"
	"github.com/xkrt-go/xkrt/internal/driverapi"
	"github.com/xkrt-go/xkrt/internal/region"
)

// datum is the runtime's bookkeeping for one registered user memory region:
// its dependency domain (precedence edges) and coherency tree (replica
// tracking), keyed by region.DatumKey.
type datum struct {
	key    region.DatumKey
	extent region.Rect[int64]

	dom *depdomain.Domain
	coh *coherency.Tree

	// alloc is set only for datums created by MemoryDeviceAllocate/
	// MemoryHostAllocate/MemoryUnifiedAllocate (memory.go): it records the
	// arena chunk backing the allocation so the matching deallocate call can
	// free it. A datum from RegisterMemory (a caller-owned pointer) leaves
	// this nil; UnregisterMemory never frees device memory.
	alloc *allocation
}

// areaLookup resolves a coherency.DeviceID to its backing arena.Area,
// satisfying coherency.AreaLookup without the coherency package importing
// device (device already imports offloader and driverapi; coherency stays
// a leaf of the dependency graph).
func (r *Runtime) areaLookup(dev coherency.DeviceID) *arena.Area {
	d, err := r.DeviceGet(int32(dev))
	if err != nil {
		return nil
	}
	return d.Area()
}

// hostRegionRegistrar is implemented by hostdrv.Driver. RegisterMemory uses
// it (rather than importing hostdrv directly) to materialize a backing
// buffer for a datum's registered address, so later H2D/D2H transfers find
// something real at key.Addr without this runtime ever dereferencing the
// caller's actual pointer. Drivers that don't
// implement it (test doubles, drivers with no host role) are simply skipped.
type hostRegionRegistrar interface {
	RegisterHostRegion(addr uintptr, bytes uint64) []byte
	UnregisterHostRegion(addr uintptr)
}

// hostRegionSharer is implemented by accelerator simulation drivers
// (cpudrv) whose transfer engine resolves host-side addresses from its own
// registry rather than from the host driver's; registration pushes the
// host buffer to every such driver so H2D/D2H transfers on both sides see
// the same bytes.
type hostRegionSharer interface {
	ShareHostRegion(addr uintptr, buf []byte)
	UnshareHostRegion(addr uintptr)
}

func (r *Runtime) shareHostRegion(addr uintptr, buf []byte) {
	shared := map[driverapi.Driver]bool{}
	for _, d := range r.devices {
		if s, ok := d.Driver.(hostRegionSharer); ok && !shared[d.Driver] {
			shared[d.Driver] = true
			s.ShareHostRegion(addr, buf)
		}
	}
}

func (r *Runtime) unshareHostRegion(addr uintptr) {
	shared := map[driverapi.Driver]bool{}
	for _, d := range r.devices {
		if s, ok := d.Driver.(hostRegionSharer); ok && !shared[d.Driver] {
			shared[d.Driver] = true
			s.UnshareHostRegion(addr)
		}
	}
}

// RegisterMemory declares a user memory region as a datum the coherency
// engine will track, identified by (ld, sizeofElem, addr). The host holds
// the sole authoritative replica until the
// first DistributeAsync or device fetch.
func (r *Runtime) RegisterMemory(key region.DatumKey, extent region.Rect[int64]) error {
	r.datumsMu.Lock()
	defer r.datumsMu.Unlock()
	if _, exists := r.datums[key]; exists {
		return NewError("RegisterMemory", ErrCodeInvalidAccess, "datum already registered")
	}
	d := &datum{key: key, extent: extent, dom: depdomain.New(), coh: coherency.New(r.areaLookup)}
	d.coh.PreferForwarding = r.cfg.PreferForwarding
	d.coh.MaxEvictionRetries = r.cfg.MaxEvictionRetries
	d.coh.OnEviction = func(_ coherency.DeviceID, bytes uint64) { r.metrics.recordEviction(bytes, 1) }
	r.datums[key] = d

	if reg, ok := r.host.Driver.(hostRegionRegistrar); ok {
		buf := reg.RegisterHostRegion(key.Addr, datumByteSize(key, extent))
		r.shareHostRegion(key.Addr, buf)
	}

	r.logger.ForDatum(datumHash(key)).Debugf("registered (ld=%d sizeof=%d)", key.LD, key.SizeofElem)
	return nil
}

// hostAddr maps a rect of the datum's ruled plane back to its flat host
// address: base plus the row offset (rows are LD bytes apart) plus the
// byte offset within the row.
func (d *datum) hostAddr(r region.Rect[int64]) uint64 {
	ld := d.key.LD
	if ld == 0 {
		ld = uint64(d.extent[0].Len())
	}
	return uint64(d.key.Addr) + uint64(r[1].A)*ld + uint64(r[0].A)
}

func datumByteSize(key region.DatumKey, extent region.Rect[int64]) uint64 {
	rows := uint64(extent[1].Len())
	if key.LD > 0 {
		return rows * key.LD
	}
	return rows * uint64(extent[0].Len())
}

// UnregisterMemory drops a datum's tracking state.
// It does not free any device memory; callers must have already completed
// every task touching the datum.
func (r *Runtime) UnregisterMemory(key region.DatumKey) error {
	r.datumsMu.Lock()
	defer r.datumsMu.Unlock()
	if _, exists := r.datums[key]; !exists {
		return ErrDatumNotRegistered
	}
	if reg, ok := r.host.Driver.(hostRegionRegistrar); ok {
		reg.UnregisterHostRegion(key.Addr)
	}
	r.unshareHostRegion(key.Addr)
	delete(r.datums, key)
	return nil
}

// RegisterMemoryAsync registers every key/extent pair concurrently via
// errgroup, returning the first registration error encountered, if any.
func (r *Runtime) RegisterMemoryAsync(ctx context.Context, keys []region.DatumKey, extents []region.Rect[int64]) error {
	g, _ := errgroup.WithContext(ctx)
	for i := range keys {
		i := i
		g.Go(func() error { return r.RegisterMemory(keys[i], extents[i]) })
	}
	return g.Wait()
}

// UnregisterMemoryAsync is the concurrent counterpart of UnregisterMemory.
func (r *Runtime) UnregisterMemoryAsync(ctx context.Context, keys []region.DatumKey) error {
	g, _ := errgroup.WithContext(ctx)
	for i := range keys {
		i := i
		g.Go(func() error { return r.UnregisterMemory(keys[i]) })
	}
	return g.Wait()
}

func (r *Runtime) lookupDatum(key region.DatumKey) (*datum, error) {
	r.datumsMu.RLock()
	defer r.datumsMu.RUnlock()
	d, ok := r.datums[key]
	if !ok {
		return nil, ErrDatumNotRegistered
	}
	return d, nil
}

// DistributionPattern selects how DistributeAsync spreads a datum's initial
// ownership across devices.
type DistributionPattern int

const (
	// Cyclic1D assigns contiguous row bands round-robin across devices.
	Cyclic1D DistributionPattern = iota
	// Cyclic2D assigns contiguous column-then-row tiles round-robin across
	// devices, used for 2-D block-cyclic matrix distributions.
	Cyclic2D
)

// DistributeAsync declares the initial owning device of each tile of a
// datum's extent, row-cyclic (Cyclic1D) or tile-cyclic (Cyclic2D) across
// devices, without moving any data — later accesses fetch lazily from
// whichever device DistributeAsync declared as owner (ownership for these
// blocks is seeded, not computed).
func (r *Runtime) DistributeAsync(ctx context.Context, key region.DatumKey, devices []int32, pattern DistributionPattern, tileRows int64) error {
	d, err := r.lookupDatum(key)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return NewError("DistributeAsync", ErrCodeInvalidAccess, "no devices given")
	}
	if tileRows <= 0 {
		tileRows = 1
	}

	g, _ := errgroup.WithContext(ctx)
	rows := d.extent[1]
	cols := d.extent[0]
	tileIdx := 0
	for rowStart := rows.A; rowStart < rows.B; rowStart += tileRows {
		rowEnd := rowStart + tileRows
		if rowEnd > rows.B {
			rowEnd = rows.B
		}

		switch pattern {
		case Cyclic2D:
			colTiles := int64(len(devices))
			if colTiles < 1 {
				colTiles = 1
			}
			colWidth := (cols.B - cols.A) / colTiles
			if colWidth <= 0 {
				colWidth = cols.B - cols.A
			}
			for colStart := cols.A; colStart < cols.B; colStart += colWidth {
				colEnd := colStart + colWidth
				if colEnd > cols.B {
					colEnd = cols.B
				}
				dev := devices[tileIdx%len(devices)]
				tile := region.Rect[int64]{{A: colStart, B: colEnd}, {A: rowStart, B: rowEnd}}
				tileIdx++
				g.Go(func() error {
					d.coh.SeedOwnership(tile, coherency.DeviceID(dev))
					return nil
				})
			}
		default: // Cyclic1D
			dev := devices[tileIdx%len(devices)]
			tile := region.Rect[int64]{cols, {A: rowStart, B: rowEnd}}
			tileIdx++
			g.Go(func() error {
				d.coh.SeedOwnership(tile, coherency.DeviceID(dev))
				return nil
			})
		}
	}
	return g.Wait()
}

// CopyAsync issues a direct device-to-device (or device-to-host/host-to-
// device) copy of a datum's sub-region outside of task-graph scheduling,
// dispatched straight to the destination device's offloader (to the source
// device's for a device-to-host copy). On completion
// it reseeds ownership of sub at dstDevice via
// SeedOwnership, so later task accesses see the new replica as authoritative
// without needing a redundant fetch.
func (r *Runtime) CopyAsync(ctx context.Context, key region.DatumKey, sub region.Rect[int64], srcDevice, dstDevice int32, done func(error)) error {
	d, err := r.lookupDatum(key)
	if err != nil {
		return err
	}
	dst, err := r.DeviceGet(dstDevice)
	if err != nil {
		return err
	}
	src, err := r.DeviceGet(srcDevice)
	if err != nil {
		return err
	}

	kind := driverapi.TransferD2D
	stream := driverapi.StreamD2D
	switch {
	case device.ID(srcDevice) == device.HostID:
		kind, stream = driverapi.TransferH2D, driverapi.StreamH2D
	case device.ID(dstDevice) == device.HostID:
		kind, stream = driverapi.TransferD2H, driverapi.StreamD2H
	}

	// CopyAsync bypasses the coherency tree's arena-allocation/compaction
	// (installDeviceAllocation): there is no AllocView to carry a device's
	// chunk offset, so each endpoint's address is its device's driver base
	// token plus the datum-relative byte offset directly; the host endpoint
	// uses the datum's registered address the same way.
	off := uint64(sub[1].A)*key.LD + uint64(sub[0].A)
	srcAddr := off
	if device.ID(srcDevice) == device.HostID {
		srcAddr += uint64(key.Addr)
	} else {
		srcAddr += uint64(src.BaseAddr)
	}
	dstAddr := off
	if device.ID(dstDevice) == device.HostID {
		dstAddr += uint64(key.Addr)
	} else {
		dstAddr += uint64(dst.BaseAddr)
	}

	req := driverapi.TransferRequest{
		Kind:       kind,
		SrcDevice:  srcDevice,
		DstDevice:  dstDevice,
		SrcAddr:    srcAddr,
		DstAddr:    dstAddr,
		SrcLD:      key.LD,
		DstLD:      key.LD,
		WidthBytes: uint64(sub[0].Len()),
		Rows:       uint64(sub[1].Len()),
	}

	instr := driverapi.Instruction{
		Kind:     driverapi.InstrTransfer,
		Transfer: req,
		Callback: func(err error) {
			if err == nil {
				d.coh.SeedOwnership(sub, coherency.DeviceID(dstDevice))
			}
			if done != nil {
				done(err)
			}
		},
	}
	// D2H runs on the source device's copy engine; the host pseudo-device
	// cannot address accelerator memory.
	submitDev := dst
	if kind == driverapi.TransferD2H {
		submitDev = src
	}
	return submitDev.Submit(ctx, stream, instr)
}
