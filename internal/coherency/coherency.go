// Package coherency implements the per-user-datum coherency tree: a
// KHP-tree whose node payload (MemoryBlock) tracks, per spatial tile, which
// devices hold a valid replica and which allocation backs it on each device,
// driving the H2D/D2H/D2D fetch decisions the offloader executes.
package coherency

import (
	"sort"
	"sync"

	"github.com/xkrt-go/xkrt/internal/arena"
	"github.com/xkrt-go/xkrt/internal/constants"
	"github.com/xkrt-go/xkrt/internal/khptree"
	"github.com/xkrt-go/xkrt/internal/region"
	"github.com/xkrt-go/xkrt/task"
)

// DeviceID identifies a device's bit position in a MemoryBlock's coherency/
// fetching bitmasks. HostDevice is never represented by a bit: Coherency==0
// already means "host is authoritative".
type DeviceID int32

const HostDevice DeviceID = constants.HostGlobalID

func bit(dev DeviceID) uint32 { return uint32(1) << uint32(dev) }

// Forward is a D2D copy queued to launch once an in-flight fetch completes,
// redirecting the just-fetched data onward to a second requester that asked
// for it while it was already in flight.
type Forward struct {
	FromDevice DeviceID
	ToDevice   DeviceID
	SrcView    *AllocView // the FromDevice allocation the just-completed fetch filled
	ToView     *AllocView
	Region     region.Rect[int64]
}

// AllocView is one device-side sub-region backing a replica, referencing its
// owning arena chunk by stable ChunkID rather than a pointer, so no cycle
// forms between the tree and the arena's chunk table.
type AllocView struct {
	Device     DeviceID
	Area       *arena.Area
	Chunk      arena.ChunkID
	BaseOffset uint64
	LD         uint64

	Accesses []*task.Access
	Forwards []Forward
}

// Replica is one device's view of a MemoryBlock: up to AllocViewsMax backing
// allocations, each with its own coherency/fetching bit.
type Replica struct {
	Allocations [constants.AllocViewsMax]*AllocView
	Coherency   uint32
	Fetching    uint32
}

func (r *Replica) firstFreeSlot() int {
	for i, a := range r.Allocations {
		if a == nil {
			return i
		}
	}
	return -1
}

// MemoryBlock is the coherency tree's node payload: the per-tile replica
// state. The host has no bit in Coherency; HostValid records whether the
// host's bytes for this tile are current. A read fetch onto a device leaves
// HostValid set (the host copy it was sourced from is unchanged); only a
// device write clears it. Seeding device ownership leaves it as it is.
type MemoryBlock struct {
	Coherency uint32
	Fetching  uint32
	HostValid bool
	Replicas  map[DeviceID]*Replica
}

func newMemoryBlock() *MemoryBlock {
	return &MemoryBlock{HostValid: true, Replicas: make(map[DeviceID]*Replica)}
}

func (b *MemoryBlock) replica(dev DeviceID) *Replica {
	r, ok := b.Replicas[dev]
	if !ok {
		r = &Replica{}
		b.Replicas[dev] = r
	}
	return r
}

// Fetch is one pending transfer the caller must dispatch to the appropriate
// offloader stream; once the transfer lands the caller drives Tree.Complete
// with it exactly once.
type Fetch struct {
	Kind      string // "h2d", "d2h", "d2d"
	SrcDevice DeviceID
	DstDevice DeviceID
	Region    region.Rect[int64]
	SrcView   *AllocView // nil when SrcDevice == HostDevice (raw datum address used instead)
	DstView   *AllocView // nil when DstDevice == HostDevice
	Merged    bool

	// AbsorbedTickets counts the fetches MergeFetches folded into this one.
	// Each absorbed entry already holds a wait-counter ticket on the
	// requesting task, so the dispatcher retires 1+AbsorbedTickets tickets
	// when this transfer completes.
	AbsorbedTickets int
}

// MergeFetches coalesces contiguous fetches sharing (kind, src, dst, backing
// chunk) into a single wider transfer, marking the absorbed entries Merged
// so the caller suppresses them at launch.
// Horizontal adjacency is axis-0-contiguous at the same row range; vertical
// adjacency is axis-1-contiguous at the same byte range.
func MergeFetches(fetches []Fetch) []Fetch {
	sort.Slice(fetches, func(i, j int) bool {
		if fetches[i].Region[1].A != fetches[j].Region[1].A {
			return fetches[i].Region[1].A < fetches[j].Region[1].A
		}
		return fetches[i].Region[0].A < fetches[j].Region[0].A
	})

	for i := range fetches {
		if fetches[i].Merged {
			continue
		}
		for j := i + 1; j < len(fetches); j++ {
			if fetches[j].Merged || !sameStream(fetches[i], fetches[j]) {
				continue
			}
			if adjacent(fetches[i].Region, fetches[j].Region) {
				fetches[i].Region = fetches[i].Region.Union(fetches[j].Region)
				fetches[i].AbsorbedTickets += 1 + fetches[j].AbsorbedTickets
				fetches[j].Merged = true
			}
		}
	}
	return fetches
}

func sameStream(a, b Fetch) bool {
	if a.Kind != b.Kind || a.SrcDevice != b.SrcDevice || a.DstDevice != b.DstDevice {
		return false
	}
	if a.DstView == nil || b.DstView == nil {
		return a.DstView == b.DstView
	}
	return a.DstView.Chunk == b.DstView.Chunk && a.DstView.Area == b.DstView.Area
}

func adjacent(a, b region.Rect[int64]) bool {
	horizontal := a[1] == b[1] && a[0].B == b[0].A
	vertical := a[0] == b[0] && a[1].B == b[1].A
	return horizontal || vertical
}

// AreaLookup resolves a device's arena area, so the coherency tree never
// owns device memory directly.
type AreaLookup func(dev DeviceID) *arena.Area

// Tree is one coherency tree: one per registered user datum.
type Tree struct {
	mu   sync.Mutex
	khp  *khptree.Tree[*MemoryBlock]
	area AreaLookup

	// PreferForwarding governs D2D-vs-redundant-fetch when a block is
	// already mid-fetch to some other device.
	PreferForwarding bool

	// MaxEvictionRetries bounds Fetch's OOM-eviction retry loop.
	MaxEvictionRetries int

	// Evict is invoked when a device allocation fails; it should free at
	// least one chunk and report whether it made progress. Defaults to
	// evictDevice (a sweep over this tree's own blocks); replaceable for
	// tests or for engines coordinating eviction across several datums.
	Evict func(dev DeviceID) bool

	// OnEviction, when set, observes each successful eviction pass with the
	// number of bytes it returned to the device arena.
	OnEviction func(dev DeviceID, bytesFreed uint64)
}

// New builds an empty coherency tree over a user datum's address plane.
func New(area AreaLookup) *Tree {
	t := &Tree{
		area:               area,
		PreferForwarding:   true,
		MaxEvictionRetries: constants.DefaultMaxEvictionRetries,
	}
	t.khp = khptree.New(khptree.Config{
		Rebalance:      true,
		MaintainSize:   true,
		MaintainHeight: true,
	}, khptree.Hooks[*MemoryBlock]{
		NewNode: func(h region.Rect[int64], k int, inherit *khptree.Node[*MemoryBlock], aux interface{}) *MemoryBlock {
			if inherit == nil {
				return newMemoryBlock()
			}
			return cloneBlock(inherit.Payload)
		},
		// Insert only needs to partition the tree's nodes to match the
		// access's region; the actual coherency bookkeeping
		// happens in the OnIntersect pass partition() runs immediately after.
		OnInsert: func(n *khptree.Node[*MemoryBlock], aux interface{}) {},
	})
	t.Evict = t.evictDevice
	return t
}

// evictDevice is the default OOM-eviction hook: one pass over every block,
// dropping dev's replica allocations wherever the replica is not mid-fetch
// and the block's bytes survive elsewhere (on the host when HostValid is
// set, or on another device's replica). An allocation is dropped only when its
// backing chunk has no other view (use counter 1), so freeing it actually
// returns memory to the arena. Runs with the tree lock already held by the
// allocating Fetch, so it must not relock t.mu.
func (t *Tree) evictDevice(dev DeviceID) bool {
	db := bit(dev)
	progress := false
	var freed uint64
	t.khp.Walk(func(n *khptree.Node[*MemoryBlock]) {
		b := n.Payload
		rep, ok := b.Replicas[dev]
		if !ok || rep.Fetching != 0 {
			return
		}
		stale := b.Coherency&db == 0
		sharedElsewhere := b.Coherency&^db != 0
		if !stale && !sharedElsewhere && !b.HostValid {
			return // sole owner of these bytes: evicting would lose them
		}
		for i, view := range rep.Allocations {
			if view == nil {
				continue
			}
			if view.Area.RefCount(view.Chunk) != 1 {
				continue
			}
			freed += view.Area.Size(view.Chunk)
			view.Area.DecRef(view.Chunk)
			rep.Coherency &^= uint32(1) << uint(i)
			rep.Allocations[i] = nil
			progress = true
		}
		if rep.Coherency == 0 {
			b.Coherency &^= db
		}
	})
	if progress && t.OnEviction != nil {
		t.OnEviction(dev, freed)
	}
	return progress
}

// cloneBlock deep-copies a block's bitfields and per-device replica slot
// array when a node is split: the sliver inherits the parent's coherency
// state until the next fetch touches it.
func cloneBlock(src *MemoryBlock) *MemoryBlock {
	dst := newMemoryBlock()
	dst.Coherency = src.Coherency
	dst.Fetching = src.Fetching
	dst.HostValid = src.HostValid
	for dev, r := range src.Replicas {
		nr := &Replica{Coherency: r.Coherency, Fetching: r.Fetching}
		nr.Allocations = r.Allocations
		dst.Replicas[dev] = nr
	}
	return dst
}

// partitionEntry is one (block, covered sub-rect) pair from the tree's
// insert-then-intersect partitioning of an access's region.
type partitionEntry struct {
	node *khptree.Node[*MemoryBlock]
	rect region.Rect[int64]
}

func (t *Tree) partition(r region.Rect[int64]) []partitionEntry {
	t.khp.Insert(r, nil)

	var out []partitionEntry
	t.khp.Hooks.OnIntersect = func(n *khptree.Node[*MemoryBlock], h region.Rect[int64], aux interface{}) {
		out = append(out, partitionEntry{node: n, rect: n.Rect.Intersection(h)})
	}
	t.khp.Intersect(r, nil)
	return out
}

// upperLeftOf returns the partition entry with the smallest axis-0 then
// axis-1 start, used as the origin for Manhattan-distance view offsets.
func upperLeftOf(parts []partitionEntry) partitionEntry {
	best := parts[0]
	for _, p := range parts[1:] {
		if p.rect[0].A < best.rect[0].A || (p.rect[0].A == best.rect[0].A && p.rect[1].A < best.rect[1].A) {
			best = p
		}
	}
	return best
}

// Fetch drives the coherency protocol for a non-Unified-scope access: for
// each of access's decomposed rects it partitions the tree, decides sourcing
// for the W and R portions, and installs/reuses device allocations. It
// returns the transfers the caller must dispatch, having already bumped
// access.Task's wait counter by the same count plus any piggy-backed
// pending tickets.
func (t *Tree) Fetch(access *task.Access, target DeviceID) []Fetch {
	t.mu.Lock()

	var fetches []Fetch
	pending := 0
	for _, r := range access.RectList() {
		parts := t.partition(r)
		if target == HostDevice {
			if access.IsRead() {
				fetches = append(fetches, t.fetchToHost(parts)...)
			}
			if access.IsWrite() {
				t.invalidateForHostWrite(parts)
			}
		} else {
			rectFetches, rectPending := t.fetchToDevice(access, parts, target)
			fetches = append(fetches, rectFetches...)
			pending += rectPending
		}
	}
	t.mu.Unlock()

	if total := len(fetches) + pending; total > 0 {
		access.Task.BeginFetching(total)
	}
	return fetches
}

func (t *Tree) fetchToHost(parts []partitionEntry) []Fetch {
	var out []Fetch
	for _, p := range parts {
		b := p.node.Payload
		if b.HostValid || b.Coherency == 0 {
			continue // host copy already current
		}
		if b.Fetching != 0 {
			continue // already inbound to host from somewhere
		}
		src := firstSetBit(b.Coherency)
		srcRep := b.replica(DeviceID(src))
		view := srcRep.Allocations[firstNonNilSlot(srcRep)]

		b.Fetching = 1 // host has no dedicated bit; reuse nonzero as "in flight to host"
		out = append(out, Fetch{
			Kind:      "d2h",
			SrcDevice: DeviceID(src),
			DstDevice: HostDevice,
			Region:    p.rect,
			SrcView:   view,
		})
	}
	return out
}

// invalidateForHostWrite is the host-target counterpart of
// invalidateForWrite: a host write makes the host's copy the sole
// authoritative one, so every device replica of the touched blocks is
// dropped from coherency.
func (t *Tree) invalidateForHostWrite(parts []partitionEntry) {
	for _, p := range parts {
		b := p.node.Payload
		for _, rep := range b.Replicas {
			rep.Coherency = 0
		}
		b.Coherency = 0
		b.HostValid = true
	}
}

func (t *Tree) fetchToDevice(access *task.Access, parts []partitionEntry, target DeviceID) ([]Fetch, int) {
	views := t.installDeviceAllocation(parts, target)

	var out []Fetch
	pending := 0
	if access.IsRead() {
		reads, p := t.fetchReadPortion(access, parts, target, views)
		out = append(out, reads...)
		pending = p
	}
	if access.IsWrite() {
		t.invalidateForWrite(parts, target, views)
	}
	return out, pending
}

// installDeviceAllocation finds a continuous device allocation for the
// partition or allocates a fresh chunk: reuse an existing view on
// target already present on every block in the partition (same chunk id),
// else allocate fresh and install a view on each block at its Manhattan
// offset from the partition's upper-left block. The returned map carries,
// per block, the *exact* AllocView object installed into that block's own
// replica (not a detached copy) — callers must key off a block's own view
// rather than a single shared pointer, since allocBitOf identifies a
// replica's in-flight/coherent allocation by pointer identity and each
// block's view has its own BaseOffset.
func (t *Tree) installDeviceAllocation(parts []partitionEntry, target DeviceID) map[*khptree.Node[*MemoryBlock]]*AllocView {
	views := make(map[*khptree.Node[*MemoryBlock]]*AllocView, len(parts))

	if shared := sharedChunkView(parts, target); shared != nil {
		for _, p := range parts {
			rep := p.node.Payload.replica(target)
			views[p.node] = findViewByChunk(rep, shared.Chunk, shared.Area)
		}
		return views
	}

	anchor := upperLeftOf(parts)
	var totalBytes uint64
	for _, p := range parts {
		w := uint64(p.rect[0].Len())
		h := uint64(p.rect[1].Len())
		totalBytes += w * h
	}

	area := t.area(target)
	chunkID, ok := arena.AllocateWithEviction(area, totalBytes, t.evictRetries(), func() bool {
		if t.Evict == nil {
			return false
		}
		return t.Evict(target)
	})
	if !ok {
		panic("coherency: device out of memory after eviction retries")
	}

	ld := uint64(anchor.rect[0].Len())
	base := area.Offset(chunkID)

	for _, p := range parts {
		d := region.DistanceManhattan(anchor.rect, p.rect)
		b := p.node.Payload
		rep := b.replica(target)
		slot := rep.firstFreeSlot()
		if slot < 0 {
			panic("coherency: allocation replica cap exceeded (AllocViewsMax)")
		}
		view := &AllocView{Device: target, Area: area, Chunk: chunkID, LD: ld,
			BaseOffset: base + uint64(d[1])*ld + uint64(d[0])}
		area.IncRef(chunkID)
		rep.Allocations[slot] = view
		views[p.node] = view
	}
	return views
}

// findViewByChunk locates the replica's own allocation view backed by
// (chunk, area), the counterpart lookup to sharedChunkView's detection pass.
func findViewByChunk(rep *Replica, chunk arena.ChunkID, area *arena.Area) *AllocView {
	for _, a := range rep.Allocations {
		if a != nil && a.Chunk == chunk && a.Area == area {
			return a
		}
	}
	return nil
}

func (t *Tree) evictRetries() int {
	if t.MaxEvictionRetries > 0 {
		return t.MaxEvictionRetries
	}
	return constants.DefaultMaxEvictionRetries
}

// sharedChunkView finds a chunk already installed, on target, on every
// block of the partition.
func sharedChunkView(parts []partitionEntry, target DeviceID) *AllocView {
	first := parts[0].node.Payload.replica(target)
	for _, candidate := range first.Allocations {
		if candidate == nil {
			continue
		}
		coversAll := true
		for _, p := range parts[1:] {
			rep := p.node.Payload.replica(target)
			found := false
			for _, a := range rep.Allocations {
				if a != nil && a.Chunk == candidate.Chunk && a.Area == candidate.Area {
					found = true
					break
				}
			}
			if !found {
				coversAll = false
				break
			}
		}
		if coversAll {
			return candidate
		}
	}
	return nil
}

// fetchReadPortion decides, per block, how the R-portion of access is
// sourced. Two branches satisfy the access without handing the caller a
// Fetch to dispatch (same-device coalescing and D2D forwarding): those
// register access on the AllocView that will eventually complete, and
// report themselves in the returned pending count so Fetch still bumps the
// task's wait counter by one ticket that Complete later retires when the
// transfer they piggy-backed on lands.
func (t *Tree) fetchReadPortion(access *task.Access, parts []partitionEntry, target DeviceID, views map[*khptree.Node[*MemoryBlock]]*AllocView) ([]Fetch, int) {
	var out []Fetch
	pending := 0
	tb := bit(target)
	for _, p := range parts {
		b := p.node.Payload
		view := views[p.node]
		if b.Coherency&tb != 0 {
			continue // already coherent on target
		}
		rep := b.replica(target)
		if rep.Fetching != 0 {
			// Concurrent read already inbound to target: piggy-back on the
			// in-flight allocation instead of a redundant fetch.
			if inflight := firstFetchingView(rep); inflight != nil {
				inflight.Accesses = append(inflight.Accesses, access)
				pending++
			}
			continue
		}

		if src, ok := anyOtherCoherentDevice(b, target); ok {
			// A device seeded as owner (SeedOwnership) may hold coherency
			// without ever having materialized an allocation; its declared
			// content is still the host's initial bytes, so only a replica
			// with a real view can serve a device-to-device copy.
			if srcView := firstNonNilView(b.replica(src)); srcView != nil {
				markFetching(b, target, view)
				out = append(out, Fetch{Kind: "d2d", SrcDevice: src, DstDevice: target, Region: p.rect, SrcView: srcView, DstView: view})
				continue
			}
		}

		if fromDev, forwardView, ok := anyFetchingDevice(b, target); ok && t.PreferForwarding {
			forwardView.Forwards = append(forwardView.Forwards, Forward{
				FromDevice: fromDev,
				ToDevice:   target,
				SrcView:    forwardView,
				ToView:     view,
				Region:     p.rect,
			})
			view.Accesses = append(view.Accesses, access)
			markFetching(b, target, view)
			pending++
			continue
		}

		markFetching(b, target, view)
		out = append(out, Fetch{Kind: "h2d", SrcDevice: HostDevice, DstDevice: target, Region: p.rect, DstView: view})
	}
	return out, pending
}

// firstFetchingView returns the allocation on rep currently marked
// in-flight, if any.
func firstFetchingView(rep *Replica) *AllocView {
	for i, a := range rep.Allocations {
		if a != nil && rep.Fetching&(uint32(1)<<uint(i)) != 0 {
			return a
		}
	}
	return nil
}

func markFetching(b *MemoryBlock, target DeviceID, view *AllocView) {
	b.Fetching |= bit(target)
	rep := b.replica(target)
	rep.Fetching |= allocBitOf(rep, view)
}

func allocBitOf(rep *Replica, view *AllocView) uint32 {
	for i, a := range rep.Allocations {
		if a == view {
			return uint32(1) << uint(i)
		}
	}
	return 0
}

func anyOtherCoherentDevice(b *MemoryBlock, target DeviceID) (DeviceID, bool) {
	for dev := DeviceID(0); dev < 32; dev++ {
		if dev == target {
			continue
		}
		if b.Coherency&bit(dev) != 0 {
			return dev, true
		}
	}
	return 0, false
}

func anyFetchingDevice(b *MemoryBlock, target DeviceID) (DeviceID, *AllocView, bool) {
	for dev := DeviceID(0); dev < 32; dev++ {
		if dev == target {
			continue
		}
		if b.Fetching&bit(dev) == 0 {
			continue
		}
		rep := b.replica(dev)
		for _, a := range rep.Allocations {
			if a != nil && rep.Fetching != 0 {
				return dev, a, true
			}
		}
	}
	return 0, nil, false
}

// invalidateForWrite handles the W portion of a device fetch: preemptive
// invalidation of every other replica, immediate coherency of this one.
func (t *Tree) invalidateForWrite(parts []partitionEntry, target DeviceID, views map[*khptree.Node[*MemoryBlock]]*AllocView) {
	tb := bit(target)
	for _, p := range parts {
		b := p.node.Payload
		for dev, rep := range b.Replicas {
			if dev != target {
				rep.Coherency = 0
			}
		}
		b.Coherency = tb
		b.HostValid = false
		rep := b.replica(target)
		rep.Coherency |= allocBitOf(rep, views[p.node])
	}
}

func firstSetBit(mask uint32) int {
	for i := 0; i < 32; i++ {
		if mask&(uint32(1)<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}

func firstNonNilSlot(r *Replica) int {
	for i, a := range r.Allocations {
		if a != nil {
			return i
		}
	}
	return 0
}

func firstNonNilView(r *Replica) *AllocView {
	for _, a := range r.Allocations {
		if a != nil {
			return a
		}
	}
	return nil
}

// SeedOwnership declares dev as the initial authoritative owner of r without
// issuing any transfer, for the initial-distribution phase (see
// DistributeAsync): a fresh datum has no data anywhere yet, so ownership is
// just a coherency-bit assertion rather than something to fetch.
func (t *Tree) SeedOwnership(r region.Rect[int64], dev DeviceID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := t.partition(r)
	for _, p := range parts {
		b := p.node.Payload
		if dev == HostDevice {
			b.Coherency = 0
			b.HostValid = true
			continue
		}
		for other, rep := range b.Replicas {
			if other != dev {
				rep.Coherency = 0
			}
		}
		b.Coherency = bit(dev)
		// HostValid is deliberately left alone: seeding declares routing
		// ownership, it does not move bytes off the host.
	}
}

// Complete implements the "Fetch completion callback": under tree
// lock, clear the fetching bit and set the coherency bit for f's
// destination, collect the waiting accesses and pending forwards, then
// (outside the lock, via the returned values) the caller must decrement
// the task wait counter of each returned waiting access and re-submit each
// forward as a new Fetch.
func (t *Tree) Complete(f Fetch, touched []region.Rect[int64]) (waiting []*task.Access, forwards []Forward) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.DstDevice == HostDevice {
		// The host has no coherency bit of its own (Coherency==0 already
		// means "host authoritative"); completion only has to clear the
		// block-wide in-flight-to-host sentinel fetchToHost set. A host
		// target never carries its own AllocView, so there is nothing to
		// wake: concurrent D2H reads of the same block are not coalesced
		// by design: a host fetch is always host-triggered and synchronous
		// with respect to its requesting task's wait counter.
		for _, r := range touched {
			entries := t.partition(r)
			for _, p := range entries {
				p.node.Payload.Fetching = 0
				p.node.Payload.HostValid = true
			}
		}
		return nil, nil
	}

	// Every block in the touched region just received its bytes, so every
	// in-flight view of the destination's replica there is retired — not
	// just f.DstView. A merged transfer covers blocks whose own views are
	// distinct objects from the survivor's, and at most one transfer per
	// (block, device) is ever in flight (later requests coalesce), so no
	// unrelated transfer's bits can be cleared here.
	for _, r := range touched {
		entries := t.partition(r)
		for _, p := range entries {
			b := p.node.Payload
			rep := b.replica(f.DstDevice)
			for i, view := range rep.Allocations {
				if view == nil {
					continue
				}
				ab := uint32(1) << uint(i)
				if rep.Fetching&ab == 0 {
					continue
				}
				rep.Fetching &^= ab
				rep.Coherency |= ab
				waiting = append(waiting, view.Accesses...)
				view.Accesses = nil
				forwards = append(forwards, view.Forwards...)
				view.Forwards = nil
			}
			b.Fetching &^= bit(f.DstDevice)
			b.Coherency |= bit(f.DstDevice)
		}
	}
	return waiting, forwards
}

// WhoOwns tallies coherent bytes per device across each rect of access's
// decomposition and returns the bitmask of devices tied for the maximum
// byte count, the owner-computes router's input.
func (t *Tree) WhoOwns(access *task.Access) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	tally := map[DeviceID]int64{}
	for _, r := range access.RectList() {
		parts := t.partition(r)
		for _, p := range parts {
			b := p.node.Payload
			area := int64(p.rect[0].Len()) * int64(p.rect[1].Len())
			for dev := DeviceID(0); dev < 32; dev++ {
				if b.Coherency&bit(dev) != 0 {
					tally[dev] += area
				}
			}
		}
	}

	var max int64
	for _, n := range tally {
		if n > max {
			max = n
		}
	}
	var owners uint32
	for dev, n := range tally {
		if n == max && max > 0 {
			owners |= bit(dev)
		}
	}
	return owners
}
