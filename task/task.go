package task

import (
	"sync"
	"sync/atomic"
)

// State is the task's lifecycle state.
type State uint8

const (
	StateAllocated State = iota
	StateReady
	StateDataFetching
	StateDataFetched
	StateCompleted
)

// DepInfo is populated for tasks that participate in dependency resolution.
type DepInfo struct {
	WaitCounter atomic.Int32
	AccessCount int
}

// DetInfo is populated for tasks created with the Detachable flag (external
// scenario 5: completion gated on an external detach_decr, not kernel
// callback).
type DetInfo struct {
	DetachCounter atomic.Int32
}

// DevInfo is populated for device-targeted tasks.
type DevInfo struct {
	TargetDevice   int32 // explicit target, or constants.AutoAssignDeviceID
	OCRAccessIndex int   // index into Accesses to drive owner-computes-rule, or -1
	ElectedDevice  int32
}

// DomInfo is populated for tasks that own (or inherit) dependency/coherency
// domain maps — typically the root task that first touches a given datum.
type DomInfo struct {
	// DependencyDomains/CoherencyDomains are opaque to the task package: the
	// runtime's datum registry owns the concrete *depdomain.Domain and
	// *coherency.Tree values, keyed by region.DatumKey. Declared here as
	// interface{} to avoid an import cycle (coherency imports task for
	// Access); the runtime casts back to the concrete type at the one call
	// site that populates this field.
	DependencyDomains map[interface{}]interface{}
	CoherencyDomains  map[interface{}]interface{}
}

// MolInfo is populated for moldable tasks.
type MolInfo struct {
	SplitCondition func(t *Task) bool
}

// Task is one node of the runtime's dynamic task graph.
type Task struct {
	ID     uint64
	Parent *Task

	ChildrenCount atomic.Int32

	state   atomic.Uint32
	stateMu sync.Mutex

	FormatID uint32
	Accesses []*Access
	Args     []byte

	DepInfo *DepInfo
	DetInfo *DetInfo
	DevInfo *DevInfo
	DomInfo *DomInfo
	MolInfo *MolInfo

	// Body is the user kernel; run once DataFetched (or immediately after
	// Ready for tasks with no DepInfo).
	Body func(t *Task)

	// OnReady routes the task once it enters StateReady: host tasks to the
	// calling thread's team deque, device tasks via scheduler.Elect.
	OnReady func(t *Task)
}

// New creates a task in the Allocated state. Its DepInfo is allocated
// lazily by EnsureDepInfo, which seeds the wait counter at 1, matching the
// Commit contract: the creator holds the first decrement.
func New(id uint64, body func(t *Task)) *Task {
	t := &Task{ID: id, Body: body}
	t.state.Store(uint32(StateAllocated))
	return t
}

// State returns the task's current state.
func (t *Task) State() State { return State(t.state.Load()) }

// lockedBelowCompleted runs f while holding the task's state spinlock, iff
// the task's state is strictly before Completed; reports whether f ran.
// This is the single synchronization point the precedence-edge and
// state-machine invariants rely on.
func (t *Task) lockedBelowCompleted(f func()) bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if State(t.state.Load()) >= StateCompleted {
		return false
	}
	f()
	return true
}

// AddPrecedence establishes pred -> succ: under pred's state lock, if pred
// hasn't completed yet, bump succ's wait counter and append succ to pred's
// last access's successor list. If pred already
// completed, the dependency is already satisfied and nothing happens.
func AddPrecedence(predAccess, succAccess *Access) {
	pred := predAccess.Task
	added := pred.lockedBelowCompleted(func() {
		n := len(predAccess.Successors())
		predAccess.AddSuccessor(succAccess)
		// A coalesced redundant edge adds no successor, so no ticket either:
		// Complete releases exactly one ticket per listed successor.
		if len(predAccess.Successors()) > n && succAccess.Task.DepInfo != nil {
			succAccess.Task.DepInfo.WaitCounter.Add(1)
		}
	})
	_ = added
}

// EnsureDepInfo lazily allocates DepInfo, seeding the wait counter at 1 (the
// task's own "commit" ticket) the first time it's needed.
func (t *Task) EnsureDepInfo() *DepInfo {
	if t.DepInfo == nil {
		t.DepInfo = &DepInfo{}
		t.DepInfo.WaitCounter.Store(1)
	}
	return t.DepInfo
}

// Commit decrements the task's initial wait counter; when it reaches 0 the
// task enters Ready and is routed via OnReady.
func (t *Task) Commit() {
	t.releaseWaitTicket()
}

// releaseWaitTicket retires one dependency-phase ticket on the wait counter
// — either the task's own commit ticket (via Commit) or a completed
// predecessor's edge (via Complete's successor loop). On the decrement that
// brings the counter to 0 the task enters Ready, which is
// the only transition this phase of the counter ever drives; the counter is
// reused for a second, distinct phase once Ready starts issuing fetches
// (see fetchedDecrement) — conflating the two phases in one decrement path
// would let a predecessor's completion race Commit and jump the task
// straight to DataFetched before its own accesses ever got fetched.
func (t *Task) releaseWaitTicket() {
	di := t.EnsureDepInfo()
	if di.WaitCounter.Add(-1) == 0 {
		t.enterReady()
	}
}

// fetchedDecrement is called once per completed fetch (the "fetching
// counter"); on the decrement that reaches 0 the task becomes DataFetched
// and is ready for kernel submission.
func (t *Task) fetchedDecrement() {
	di := t.EnsureDepInfo()
	if di.WaitCounter.Add(-1) == 0 {
		t.state.Store(uint32(StateDataFetched))
		if t.OnReady != nil {
			t.OnReady(t)
		}
	}
}

// BeginFetching moves the task to DataFetching and bumps the wait counter by
// n, one ticket per fetch, each retired by a FetchCompleted call. n == 0
// changes nothing.
func (t *Task) BeginFetching(nFetches int) {
	if nFetches == 0 {
		return
	}
	di := t.EnsureDepInfo()
	t.state.Store(uint32(StateDataFetching))
	di.WaitCounter.Add(int32(nFetches))
}

// FetchCompleted must be called once per individual fetch issued under
// BeginFetching.
func (t *Task) FetchCompleted() { t.fetchedDecrement() }

func (t *Task) enterReady() {
	t.state.Store(uint32(StateReady))
	if t.DepInfo == nil || t.DepInfo.AccessCount == 0 {
		// no fetches pending: go straight to DataFetched-equivalent readiness
		t.state.Store(uint32(StateDataFetched))
	}
	if t.OnReady != nil {
		t.OnReady(t)
	}
}

// Complete transitions the task to Completed, decrements its parent's child
// counter, and for every successor access fires onSuccessor (the runtime's
// pre-fetch hook, handed the completed predecessor access so it can tell
// writes from reads) followed by the successor task's wait-counter
// decrement.
func (t *Task) Complete(onSuccessor func(pred, succ *Access)) {
	t.stateMu.Lock()
	t.state.Store(uint32(StateCompleted))
	t.stateMu.Unlock()

	if t.Parent != nil {
		t.Parent.ChildrenCount.Add(-1)
	}

	for _, access := range t.Accesses {
		for _, succ := range access.Successors() {
			if onSuccessor != nil {
				onSuccessor(access, succ)
			}
			succ.Task.releaseWaitTicket()
		}
	}
}

// DetachIncr/DetachDecr implement the Detachable flag: completion via
// Complete is deferred until an external thread balances every DetachIncr
// with a DetachDecr.
func (t *Task) DetachIncr() {
	if t.DetInfo == nil {
		t.DetInfo = &DetInfo{}
	}
	t.DetInfo.DetachCounter.Add(1)
}

// DetachDecr balances a DetachIncr; when the counter reaches 0 the caller
// should invoke Complete.
func (t *Task) DetachDecr() int32 {
	return t.DetInfo.DetachCounter.Add(-1)
}
