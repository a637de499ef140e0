package task

import (
	"testing"

	"github.com/xkrt-go/xkrt/internal/region"
)

func newTaskWithAccess(id uint64) (*Task, *Access) {
	t := New(id, nil)
	a := &Access{Task: t, Mode: ModeReadWrite, Type: TypeInterval, Region: region.NewRect2D[int64](0, 10, 0, 1)}
	t.Accesses = []*Access{a}
	t.EnsureDepInfo().AccessCount = 1
	return t, a
}

// TestCommitEntersReadyOnlyAfterAllPrecedingDecrements exercises the
// Commit contract: a task created with the default wait ticket reaches
// Ready the moment Commit balances it, and OnReady fires exactly once.
func TestCommitEntersReadyOnlyAfterAllPrecedingDecrements(t *testing.T) {
	tsk := New(1, nil)
	readyCount := 0
	tsk.OnReady = func(tt *Task) { readyCount++ }

	// No accesses and no DepInfo yet: Commit should bring it straight to
	// Ready, and since AccessCount==0 it collapses directly to DataFetched.
	tsk.Commit()

	if tsk.State() != StateDataFetched {
		t.Fatalf("state = %v, want DataFetched (no accesses => no fetch phase)", tsk.State())
	}
	if readyCount != 1 {
		t.Fatalf("OnReady fired %d times, want 1", readyCount)
	}
}

// TestAddPrecedenceSkipsCompletedPredecessor covers the recovered no-op
// path: a precedence edge to an already
// Completed predecessor must not bump the successor's wait counter.
func TestAddPrecedenceSkipsCompletedPredecessor(t *testing.T) {
	pred, predAccess := newTaskWithAccess(1)
	succ, succAccess := newTaskWithAccess(2)

	pred.state.Store(uint32(StateCompleted))

	before := succ.DepInfo.WaitCounter.Load()
	AddPrecedence(predAccess, succAccess)
	after := succ.DepInfo.WaitCounter.Load()

	if before != after {
		t.Fatalf("wait counter changed (%d -> %d) for an edge onto a completed predecessor", before, after)
	}
	if len(predAccess.Successors()) != 0 {
		t.Fatalf("successor list should stay empty when the predecessor already completed")
	}
}

// TestAddPrecedenceBumpsWaitCounterAndCoalescesRedundantEdges covers the
// live-predecessor path and redundant-edge coalescing.
func TestAddPrecedenceBumpsWaitCounterAndCoalescesRedundantEdges(t *testing.T) {
	pred, predAccess := newTaskWithAccess(1)
	succ, succAccess := newTaskWithAccess(2)

	before := succ.DepInfo.WaitCounter.Load()
	AddPrecedence(predAccess, succAccess)
	if got := succ.DepInfo.WaitCounter.Load(); got != before+1 {
		t.Fatalf("wait counter = %d, want %d", got, before+1)
	}
	if len(predAccess.Successors()) != 1 {
		t.Fatalf("successor list length = %d, want 1", len(predAccess.Successors()))
	}

	// adding the same successor access again should coalesce, not
	// append a second edge from the same predecessor access.
	_ = pred
	AddPrecedence(predAccess, succAccess)
	if len(predAccess.Successors()) != 1 {
		t.Fatalf("redundant edge to the same predecessor task should coalesce, got %d successors", len(predAccess.Successors()))
	}
}

// TestFetchingCycleAdvancesReadyToDataFetched exercises the fetching
// counter: BeginFetching(n) followed by n FetchCompleted calls must bring
// the task from Ready through DataFetching to DataFetched exactly once.
func TestFetchingCycleAdvancesReadyToDataFetched(t *testing.T) {
	tsk, _ := newTaskWithAccess(1)
	readyTransitions := 0
	tsk.OnReady = func(tt *Task) {
		if tt.State() == StateDataFetched {
			readyTransitions++
		}
	}

	tsk.Commit() // retires the initial commit ticket, enters Ready (AccessCount>0 skips the DataFetched collapse)
	if tsk.State() != StateReady {
		t.Fatalf("state after Commit = %v, want Ready", tsk.State())
	}

	tsk.BeginFetching(3)
	if tsk.State() != StateDataFetching {
		t.Fatalf("state = %v, want DataFetching mid-flight", tsk.State())
	}

	tsk.FetchCompleted()
	tsk.FetchCompleted()
	if tsk.State() != StateDataFetching {
		t.Fatalf("state advanced to %v before all fetches completed", tsk.State())
	}

	tsk.FetchCompleted()
	if tsk.State() != StateDataFetched {
		t.Fatalf("state = %v, want DataFetched after the final fetch", tsk.State())
	}
	if readyTransitions != 1 {
		t.Fatalf("OnReady(DataFetched) fired %d times, want 1", readyTransitions)
	}
}

// TestCompleteFulfillsSuccessorsAndDecrementsParent: completing a task must decrement its parent's child counter
// and retire every successor access's wait-counter ticket.
func TestCompleteFulfillsSuccessorsAndDecrementsParent(t *testing.T) {
	parent := New(1, nil)
	parent.ChildrenCount.Store(1)

	child, childAccess := newTaskWithAccess(2)
	child.Parent = parent

	succ, succAccess := newTaskWithAccess(3)
	AddPrecedence(childAccess, succAccess)
	if got := succ.DepInfo.WaitCounter.Load(); got != 2 {
		t.Fatalf("precondition: succ wait counter = %d, want 2 (1 commit ticket + 1 edge)", got)
	}

	var notified []*Access
	child.Complete(func(_, a *Access) { notified = append(notified, a) })

	if child.State() != StateCompleted {
		t.Fatalf("child state = %v, want Completed", child.State())
	}
	if got := parent.ChildrenCount.Load(); got != 0 {
		t.Fatalf("parent children count = %d, want 0", got)
	}
	if len(notified) != 1 || notified[0] != succAccess {
		t.Fatalf("expected exactly one onSuccessor callback for succAccess")
	}
	if got := succ.DepInfo.WaitCounter.Load(); got != 1 {
		t.Fatalf("succ wait counter after completion = %d, want 1 (commit ticket still outstanding)", got)
	}
}

// TestDetachableCompletionWaitsForExternalDecrement:
// DetachIncr/DetachDecr gate completion independent of the counter reaching
// zero through any other path.
func TestDetachableCompletionWaitsForExternalDecrement(t *testing.T) {
	tsk := New(1, nil)
	tsk.DetachIncr()
	tsk.DetachIncr()

	if got := tsk.DetachDecr(); got != 1 {
		t.Fatalf("after one decrement of two increments, counter = %d, want 1", got)
	}
	if got := tsk.DetachDecr(); got != 0 {
		t.Fatalf("after balancing decrement, counter = %d, want 0", got)
	}
}

func TestAccessConflictsRequiresSameDatumOverlapAndAWrite(t *testing.T) {
	key := region.DatumKey{Addr: 0x1000, LD: 8, SizeofElem: 4}
	otherKey := region.DatumKey{Addr: 0x2000, LD: 8, SizeofElem: 4}

	a := &Access{DatumKey: key, Mode: ModeWrite, Region: region.NewRect2D[int64](0, 10, 0, 1)}
	b := &Access{DatumKey: key, Mode: ModeRead, Region: region.NewRect2D[int64](5, 15, 0, 1)}
	c := &Access{DatumKey: key, Mode: ModeRead, Region: region.NewRect2D[int64](20, 30, 0, 1)}
	d := &Access{DatumKey: otherKey, Mode: ModeWrite, Region: region.NewRect2D[int64](0, 10, 0, 1)}

	if !a.Conflicts(b) {
		t.Fatal("overlapping regions with a write should conflict")
	}
	if a.Conflicts(c) {
		t.Fatal("disjoint regions must not conflict")
	}
	if a.Conflicts(d) {
		t.Fatal("same-shaped but different-datum regions must not conflict")
	}

	r1 := &Access{DatumKey: key, Mode: ModeRead, Region: region.NewRect2D[int64](0, 10, 0, 1)}
	r2 := &Access{DatumKey: key, Mode: ModeRead, Region: region.NewRect2D[int64](5, 15, 0, 1)}
	if r1.Conflicts(r2) {
		t.Fatal("two read-only overlapping accesses must not conflict")
	}
}

func TestAccessSplitProducesDisjointHalvesOnLongestAxis(t *testing.T) {
	a := &Access{Mode: ModeWrite, Region: region.NewRect2D[int64](0, 1024, 0, 1)}
	lo, hi := a.Split()

	if lo.Region[0].B != hi.Region[0].A {
		t.Fatalf("halves are not adjacent: lo ends at %d, hi starts at %d", lo.Region[0].B, hi.Region[0].A)
	}
	if lo.Region[0].A != 0 || hi.Region[0].B != 1024 {
		t.Fatalf("halves do not cover the original extent: [%d,%d) and [%d,%d)",
			lo.Region[0].A, lo.Region[0].B, hi.Region[0].A, hi.Region[0].B)
	}
	if lo.Mode != a.Mode || hi.Mode != a.Mode {
		t.Fatal("split halves must inherit the original access's mode")
	}
}
