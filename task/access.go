// Package task implements the task core: accesses, the state machine, and
// precedence-edge resolution against the per-datum dependency domain.
package task

import (
	"sync"
	"sync/atomic"

	"github.com/xkrt-go/xkrt/internal/region"
)

// Mode is the access's read/write intent.
type Mode uint8

const (
	ModeRead Mode = iota
	ModeWrite
	ModeReadWrite
	ModeVirtual // V bit: participates in dependency resolution, moves no memory
)

// Concurrency controls whether overlapping same-mode accesses still order.
type Concurrency uint8

const (
	ConcurrencySequential Concurrency = iota
	ConcurrencyConcurrent
	// ConcurrencyCommutative is declared for completeness but not
	// implemented — Resolve treats it identically to Sequential.
	ConcurrencyCommutative
)

// Scope selects whether the access goes through the coherency engine at all.
type Scope uint8

const (
	ScopeNonUnified Scope = iota
	ScopeUnified
)

// AccessType is the shape of the region the access denotes.
type AccessType uint8

const (
	TypeNull AccessType = iota
	TypePoint
	TypeInterval
	TypeMatrix
)

// AccessState is an access's own lifecycle, independent of its owning task's state.
type AccessState uint8

const (
	StateInit AccessState = iota
	StateFetching
	StateFetched
)

// Access is one declarative read/write/read-write intent a task holds over
// a user datum's region. Successor edges are append-only under the owning
// task's state lock (see Task.stateMu).
type Access struct {
	Task *Task

	Mode        Mode
	Detached    bool
	Concurrency Concurrency
	Scope       Scope
	Type        AccessType

	DatumKey region.DatumKey
	Region   region.Rect[int64]

	// Rects is access's decomposition onto the datum's ruled plane: up to
	// three rects for a TypeInterval
	// access (head/middle/tail), up to two for a TypeMatrix access
	// (left-of-wrap/right-of-wrap), or a single rect for TypePoint/TypeNull.
	// Resolve, Fetch, and WhoOwns all walk this list rather than Region
	// itself, so a row-wrapping access never conflicts or fetches on cells
	// only its bounding box covers. Nil is a
	// valid zero value — RectList falls back to []Rect{Region} for an access
	// built directly rather than through Runtime.TaskSpawn.
	Rects []region.Rect[int64]

	HostView   region.Rect[int64]
	DeviceView region.Rect[int64]

	state atomic.Uint32 // State

	mu         sync.Mutex
	successors []*Access
}

// State returns the access's current lifecycle state.
func (a *Access) State() AccessState { return AccessState(a.state.Load()) }

// SetState transitions the access's lifecycle state.
func (a *Access) SetState(s AccessState) { a.state.Store(uint32(s)) }

// IsWrite reports whether this access's mode includes a write.
func (a *Access) IsWrite() bool { return a.Mode == ModeWrite || a.Mode == ModeReadWrite }

// IsRead reports whether this access's mode includes a read.
func (a *Access) IsRead() bool { return a.Mode == ModeRead || a.Mode == ModeReadWrite }

// RectList returns a's decomposed rects, falling back to a single
// entry covering Region when Rects was never populated.
func (a *Access) RectList() []region.Rect[int64] {
	if len(a.Rects) > 0 {
		return a.Rects
	}
	return []region.Rect[int64]{a.Region}
}

// AddSuccessor appends succ to a's successor list, coalescing a redundant
// edge to the same predecessor task already last in the list (redundant
// "Precedence edge").
func (a *Access) AddSuccessor(succ *Access) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.successors); n > 0 && a.successors[n-1].Task == succ.Task {
		return
	}
	a.successors = append(a.successors, succ)
}

// Successors returns a snapshot of a's successor accesses.
func (a *Access) Successors() []*Access {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Access, len(a.successors))
	copy(out, a.successors)
	return out
}

// Split halves the access's region along its longest axis, used by moldable
// task splitting. Region becomes two disjoint halves covering the original
// extent; Rects and the successor list start empty; everything else,
// HostView and DeviceView included, is copied unchanged into both halves.
func (a *Access) Split() (lo, hi *Access) {
	r := a.Region
	axis := 0
	if r[1].Len() > r[0].Len() {
		axis = 1
	}
	mid := r[axis].A + r[axis].Len()/2

	loRect, hiRect := r, r
	loRect[axis].B = mid
	hiRect[axis].A = mid

	loCopy := *a
	hiCopy := *a
	loCopy.Region = loRect
	hiCopy.Region = hiRect
	// The unsplit access's Rects decomposition (if any) covers the whole,
	// now-stale extent; RectList falls back to each half's own Region.
	loCopy.Rects = nil
	hiCopy.Rects = nil
	loCopy.successors = nil
	hiCopy.successors = nil
	loCopy.mu = sync.Mutex{}
	hiCopy.mu = sync.Mutex{}

	return &loCopy, &hiCopy
}

// Conflicts reports whether a and o's regions overlap on the same datum and
// at least one holds a write.
func (a *Access) Conflicts(o *Access) bool {
	if a.DatumKey != o.DatumKey {
		return false
	}
	if !a.Region.Intersects(o.Region) {
		return false
	}
	return a.IsWrite() || o.IsWrite()
}
