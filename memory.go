package xkrt

import (
	"github.com/xkrt-go/xkrt/internal/arena"
	"github.com/xkrt-go/xkrt/internal/coherency"
	"github.com/xkrt-go/xkrt/internal/constants"
	"github.com/xkrt-go/xkrt/internal/depdomain"
	"github.com/xkrt-go/xkrt/internal/device"
	"github.com/xkrt-go/xkrt/internal/region"
)

// allocation remembers which arena chunk a runtime-managed allocation carved
// out of its owning device, so the matching deallocate call knows what to
// free. A datum created by RegisterMemory (a caller-owned pointer) has no
// allocation record: UnregisterMemory never frees device memory.
type allocation struct {
	dev   device.ID
	chunk arena.ChunkID
}

// MemoryDeviceAllocate carves bytes out of globalID's arena, registers the
// resulting address as a datum the coherency engine tracks, and seeds
// globalID as its sole authoritative owner.
// The returned key is used exactly like a RegisterMemory key in subsequent
// AccessSpecs; MemoryDeviceDeallocate reverses both steps.
func (r *Runtime) MemoryDeviceAllocate(globalID int32, bytes uint64) (region.DatumKey, error) {
	d, err := r.DeviceGet(globalID)
	if err != nil {
		return region.DatumKey{}, err
	}
	area := d.Area()
	chunkID, ok := arena.AllocateWithEviction(area, bytes, constants.DefaultMaxEvictionRetries, func() bool { return false })
	if !ok {
		return region.DatumKey{}, NewDeviceError("MemoryDeviceAllocate", globalID, ErrCodeOutOfMemory, "device out of memory")
	}

	key := region.DatumKey{LD: bytes, SizeofElem: 1, Addr: d.BaseAddr + uintptr(area.Offset(chunkID))}
	extent := region.NewRect2D[int64](0, int64(bytes), 0, 1)

	if err := r.registerAllocation(key, extent, allocation{dev: device.ID(globalID), chunk: chunkID}); err != nil {
		area.Free(chunkID)
		return region.DatumKey{}, err
	}

	datum, _ := r.lookupDatum(key)
	datum.coh.SeedOwnership(extent, coherency.DeviceID(globalID))
	return key, nil
}

// MemoryDeviceDeallocate reverses MemoryDeviceAllocate: drops the datum and
// frees its backing chunk.
func (r *Runtime) MemoryDeviceDeallocate(key region.DatumKey) error {
	return r.deallocate(key)
}

// MemoryHostAllocate carves bytes out of the host pseudo-device's arena and
// registers it as a datum, host-authoritative from the start since a fresh
// coherency block starts with HostValid set.
func (r *Runtime) MemoryHostAllocate(bytes uint64) (region.DatumKey, error) {
	area := r.host.Area()
	chunkID, ok := area.Allocate(bytes)
	if !ok {
		return region.DatumKey{}, NewError("MemoryHostAllocate", ErrCodeOutOfMemory, "host arena out of memory")
	}

	key := region.DatumKey{LD: bytes, SizeofElem: 1, Addr: r.host.BaseAddr + uintptr(area.Offset(chunkID))}
	extent := region.NewRect2D[int64](0, int64(bytes), 0, 1)

	if err := r.registerAllocation(key, extent, allocation{dev: device.HostID, chunk: chunkID}); err != nil {
		area.Free(chunkID)
		return region.DatumKey{}, err
	}

	// Accelerator simulation drivers resolve host transfer addresses from
	// their own registry; hand them a view of this allocation's backing
	// bytes so H2D/D2H against it copy for real.
	if hr, ok := r.host.Driver.(interface{ HostRegion(uintptr) []byte }); ok {
		if buf := hr.HostRegion(key.Addr); buf != nil {
			if uint64(len(buf)) > bytes {
				buf = buf[:bytes]
			}
			r.shareHostRegion(key.Addr, buf)
		}
	}
	return key, nil
}

// MemoryHostDeallocate reverses MemoryHostAllocate.
func (r *Runtime) MemoryHostDeallocate(key region.DatumKey) error {
	return r.deallocate(key)
}

// MemoryUnifiedAllocate models unified memory as host memory
// that every access declares with task.ScopeUnified: schedule.go's
// issueFetches already skips the fetch machinery entirely for
// ScopeUnified accesses, treating them as visible everywhere without a
// transfer. This driver stack has no real page-migrating unified-memory
// hook (driverapi.Driver has none), so the backing store is the host arena;
// advise/prefetch hints therefore have no effect here and are not exposed.
func (r *Runtime) MemoryUnifiedAllocate(bytes uint64) (region.DatumKey, error) {
	return r.MemoryHostAllocate(bytes)
}

// MemoryUnifiedDeallocate reverses MemoryUnifiedAllocate.
func (r *Runtime) MemoryUnifiedDeallocate(key region.DatumKey) error {
	return r.MemoryHostDeallocate(key)
}

func (r *Runtime) registerAllocation(key region.DatumKey, extent region.Rect[int64], a allocation) error {
	r.datumsMu.Lock()
	defer r.datumsMu.Unlock()
	if _, exists := r.datums[key]; exists {
		return NewError("registerAllocation", ErrCodeInvalidAccess, "datum already registered")
	}
	d := &datum{key: key, extent: extent, dom: depdomain.New(), coh: coherency.New(r.areaLookup), alloc: &a}
	d.coh.PreferForwarding = r.cfg.PreferForwarding
	d.coh.MaxEvictionRetries = r.cfg.MaxEvictionRetries
	d.coh.OnEviction = func(_ coherency.DeviceID, bytes uint64) { r.metrics.recordEviction(bytes, 1) }
	r.datums[key] = d
	return nil
}

func (r *Runtime) deallocate(key region.DatumKey) error {
	r.datumsMu.Lock()
	d, ok := r.datums[key]
	if !ok {
		r.datumsMu.Unlock()
		return ErrDatumNotRegistered
	}
	delete(r.datums, key)
	r.datumsMu.Unlock()

	if d.alloc == nil {
		return nil
	}
	if d.alloc.dev == device.HostID {
		r.unshareHostRegion(key.Addr)
	}
	dev, err := r.DeviceGet(int32(d.alloc.dev))
	if err != nil {
		return err
	}
	dev.Area().Free(d.alloc.chunk)
	return nil
}
