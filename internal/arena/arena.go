// Package arena implements the per-device-memory-region allocator: a
// best-fit free list over address-ordered chunks, split on allocate,
// coalesce on free, with stable ChunkID indices so callers (coherency
// allocation views) never hold a chunk pointer — only an index plus a
// refcount on the chunk itself, so no cyclic pointers form between the
// arena and the coherency tree's allocation views.
package arena

import (
	"math"
	"runtime/debug"
	"sync"

	"github.com/xkrt-go/xkrt/internal/constants"
)

// ChunkID is a stable index into an Area's chunk table. -1 denotes "none".
type ChunkID int32

// NoChunk is the zero-value sentinel for "no chunk".
const NoChunk ChunkID = -1

type chunkState uint8

const (
	stateFree chunkState = iota
	stateAllocated
)

// chunk is one contiguous span of an area's backing memory. prev/next form
// an address-ordered doubly linked list over every chunk (free and
// allocated); freeLink threads only the free ones.
type chunk struct {
	offset uint64
	size   uint64
	state  chunkState

	prev, next ChunkID
	freeLink   ChunkID

	useCounter int32
}

// Area is one physical memory region of a device, allocated from with a
// best-fit free-list strategy.
type Area struct {
	mu sync.Mutex

	chunks    []chunk
	freeSlots []ChunkID // recycled table slots from coalesced-away chunks

	freeList ChunkID
	capacity uint64
	used     uint64
}

// DefaultHostCapacity sizes the host pseudo-device's arena as a fraction of
// the process's GOMEMLIMIT, the complement of the device arena's
// GPU_MEM_PERCENT knob for the one memory region with no driver-reported
// DeviceInfo.MemoryBytes to scale from. It queries (never sets) the limit
// via runtime/debug.SetMemoryLimit(-1): cmd/xkrt-demo's init is responsible
// for actually deriving GOMEMLIMIT from the cgroup via
// github.com/KimMachineGun/automemlimit, so this function only has to read
// back whatever the process was started with. Falls back to
// constants.DefaultHostCapacityFallback when no limit is in effect (the
// stdlib default of MaxInt64).
func DefaultHostCapacity() uint64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return constants.DefaultHostCapacityFallback
	}
	capacity := uint64(float64(limit) * constants.HostCapacityFraction)
	if capacity == 0 {
		return constants.DefaultHostCapacityFallback
	}
	return capacity
}

// NewArea creates an area spanning [0, capacity) as a single free chunk.
func NewArea(capacity uint64) *Area {
	a := &Area{capacity: capacity}
	a.chunks = append(a.chunks, chunk{
		offset: 0,
		size:   capacity,
		state:  stateFree,
		prev:   NoChunk,
		next:   NoChunk,
		freeLink: NoChunk,
	})
	a.freeList = 0
	return a
}

// Capacity returns the area's total byte capacity.
func (a *Area) Capacity() uint64 {
	return a.capacity
}

// Used returns the number of bytes currently allocated.
func (a *Area) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func align(size uint64) uint64 {
	const mask = uint64(constants.ArenaAlignment - 1)
	return (size + mask) &^ mask
}

func (a *Area) newSlot(c chunk) ChunkID {
	if n := len(a.freeSlots); n > 0 {
		id := a.freeSlots[n-1]
		a.freeSlots = a.freeSlots[:n-1]
		a.chunks[id] = c
		return id
	}
	a.chunks = append(a.chunks, c)
	return ChunkID(len(a.chunks) - 1)
}

func (a *Area) at(id ChunkID) *chunk { return &a.chunks[id] }

// Allocate reserves a chunk of at least size bytes using best fit,
// splitting the winning free chunk if the remainder is at least half the
// request. Returns NoChunk, false on failure (caller drives eviction
// retry).
func (a *Area) Allocate(size uint64) (ChunkID, bool) {
	size = align(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		best     ChunkID = NoChunk
		bestPrev ChunkID = NoChunk
		bestSize uint64
		prevFree ChunkID = NoChunk
	)
	for cur := a.freeList; cur != NoChunk; cur = a.at(cur).freeLink {
		curSize := a.at(cur).size
		if curSize >= size && (best == NoChunk || curSize < bestSize) {
			best = cur
			bestSize = curSize
			bestPrev = prevFree
		}
		prevFree = cur
	}

	if best == NoChunk {
		return NoChunk, false
	}

	if bestSize-size >= uint64(float64(size)*constants.ArenaSplitThresholdHalf) {
		c := a.at(best)
		remainder := chunk{
			offset:   c.offset + size,
			size:     c.size - size,
			state:    stateFree,
			prev:     best,
			next:     c.next,
			freeLink: c.freeLink,
		}
		remID := a.newSlot(remainder)
		c = a.at(best) // reslice: newSlot may have grown a.chunks
		if c.next != NoChunk {
			a.at(c.next).prev = remID
		}
		c.next = remID
		c.size = size
		c.freeLink = remID
	}

	c := a.at(best)
	if bestPrev == NoChunk {
		a.freeList = c.freeLink
	} else {
		a.at(bestPrev).freeLink = c.freeLink
	}
	c.state = stateAllocated
	c.freeLink = NoChunk
	c.useCounter = 0

	a.used += c.size
	return best, true
}

// Free returns chunk id to the area, coalescing with either address-adjacent
// neighbour that is also free.
func (a *Area) Free(id ChunkID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free(id)
}

func (a *Area) free(id ChunkID) {
	c := a.at(id)
	a.used -= c.size
	c.state = stateFree
	c.useCounter = 0

	deleteSelf := false

	if next := c.next; next != NoChunk && a.at(next).state == stateFree {
		nc := a.at(next)
		nc.prev = c.prev
		if c.prev != NoChunk {
			a.at(c.prev).next = next
		}
		nc.size += c.size
		nc.offset = c.offset
		deleteSelf = true
	}

	if prev := a.at(id).prev; prev != NoChunk {
		pc := a.at(prev)
		if pc.state == stateFree {
			if deleteSelf {
				// merge prev with the now-absorbed next (id is folded away)
				next := a.at(id).next
				nc := a.at(next)
				pc.size += nc.size
				pc.next = nc.next
				if nc.next != NoChunk {
					a.at(nc.next).prev = prev
				}
				pc.freeLink = nc.freeLink
				a.releaseSlot(next)
			} else {
				cur := a.at(id)
				pc.next = cur.next
				if cur.next != NoChunk {
					a.at(cur.next).prev = prev
				}
				pc.size += cur.size
				deleteSelf = true
			}
		} else if !deleteSelf {
			// insert id into the address-ordered free list right after the
			// nearest preceding free chunk (free list mirrors address order).
			search := prev
			for search != NoChunk && a.at(search).state != stateFree {
				search = a.at(search).prev
			}
			cur := a.at(id)
			if search == NoChunk {
				cur.freeLink = a.freeList
				a.freeList = id
			} else {
				sc := a.at(search)
				cur.freeLink = sc.freeLink
				sc.freeLink = id
			}
		}
	} else if !deleteSelf {
		a.at(id).freeLink = a.freeList
		a.freeList = id
	}

	if deleteSelf {
		a.releaseSlot(id)
	}
}

func (a *Area) releaseSlot(id ChunkID) {
	a.freeSlots = append(a.freeSlots, id)
}

// IncRef bumps id's use counter, returning the new value.
func (a *Area) IncRef(id ChunkID) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks[id].useCounter++
	return a.chunks[id].useCounter
}

// DecRef drops id's use counter; once it reaches zero the chunk is freed
// back to the area. Returns the new
// counter value (0 means the chunk was just freed).
func (a *Area) DecRef(id ChunkID) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &a.chunks[id]
	c.useCounter--
	n := c.useCounter
	if n <= 0 {
		a.free(id)
	}
	return n
}

// RefCount reports id's current use counter.
func (a *Area) RefCount(id ChunkID) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks[id].useCounter
}

// Offset returns the chunk's byte offset within the area.
func (a *Area) Offset(id ChunkID) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks[id].offset
}

// Size returns the chunk's byte size.
func (a *Area) Size(id ChunkID) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks[id].size
}

// AllocateWithEviction retries Allocate, invoking evict between attempts
// (the coherency engine's Evict hook) up to maxPasses times before
// reporting failure.
func AllocateWithEviction(a *Area, size uint64, maxPasses int, evict func() bool) (ChunkID, bool) {
	if id, ok := a.Allocate(size); ok {
		return id, true
	}
	for pass := 0; pass < maxPasses; pass++ {
		if !evict() {
			break
		}
		if id, ok := a.Allocate(size); ok {
			return id, true
		}
	}
	return NoChunk, false
}
