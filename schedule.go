package xkrt

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/xkrt-go/xkrt/internal/coherency"
	"github.com/xkrt-go/xkrt/internal/constants"
	"github.com/xkrt-go/xkrt/internal/device"
	"github.com/xkrt-go/xkrt/internal/driverapi"
	"github.com/xkrt-go/xkrt/internal/region"
	"github.com/xkrt-go/xkrt/internal/scheduler"
	"github.com/xkrt-go/xkrt/internal/team"
	"github.com/xkrt-go/xkrt/task"
)

// AccessSpec is the caller-facing declaration of one access a spawned task
// holds over a registered datum. TaskSpawn
// decomposes TypeInterval/TypeMatrix specs onto the datum's ruled plane via
// region.IntervalToRects/MatrixToRects rather than resolving/fetching
// against a single bounding rect; Region is used as-is only for TypePoint
// and TypeNull, and otherwise derived as the decomposition's bounding box.
type AccessSpec struct {
	DatumKey    region.DatumKey
	Mode        task.Mode
	Concurrency task.Concurrency
	Scope       task.Scope
	Type        task.AccessType

	// Region is the access's rect for TypePoint/TypeNull. Ignored for
	// TypeInterval/TypeMatrix, which are declared via Addr/Size or
	// OffsetM/OffsetN/M/N below instead.
	Region region.Rect[int64]

	// Addr/Size declare a TypeInterval access as a flat byte range relative
	// to the datum's base address; the plane's ld and element size come
	// from DatumKey.
	Addr, Size uint64

	// OffsetM/OffsetN/M/N declare a TypeMatrix access as a sub-tile of the
	// datum in elements; the tile's ld and element size come from DatumKey.
	OffsetM, OffsetN, M, N uint64
}

// decomposeAccessSpec maps a declared access onto
// the ruled plane the dependency domain and coherency tree are indexed over:
// a TypeInterval access becomes up to three rects (head/middle/tail row
// bands), a TypeMatrix access up to two (split at a row-boundary wrap);
// TypePoint/TypeNull accesses are already a single rect. The returned
// bounding rect is the union of the decomposition, used for Access.Region
// (moldable split, Conflicts, and any caller inspecting the access's overall
// extent) while Resolve/Fetch/WhoOwns walk the full rect list.
func decomposeAccessSpec(s AccessSpec) (bounding region.Rect[int64], rects []region.Rect[int64]) {
	switch s.Type {
	case task.TypeInterval:
		out, n := region.IntervalToRectsI64(s.Addr, s.Size, s.DatumKey.LD, s.DatumKey.SizeofElem)
		rects = append(rects, out[:n]...)
	case task.TypeMatrix:
		tile := region.Tile{
			LD:         s.DatumKey.LD,
			SizeofElem: s.DatumKey.SizeofElem,
			OffsetM:    s.OffsetM,
			OffsetN:    s.OffsetN,
			M:          s.M,
			N:          s.N,
		}
		r0, r1, hasR1 := region.MatrixToRectsI64(tile)
		rects = append(rects, r0)
		if hasR1 {
			rects = append(rects, r1)
		}
	default:
		rects = []region.Rect[int64]{s.Region}
	}

	bounding = rects[0]
	for _, r := range rects[1:] {
		bounding = bounding.Union(r)
	}
	return bounding, rects
}

// TaskHandle is the caller's handle onto a spawned task, exposing the
// Commit/Wait/Detach surface without leaking the
// internal task package's Task type. pending tracks the number of leaf
// tasks not yet Completed: normally 1, but a moldable split bumps it once
// per clone so Wait still only unblocks once every
// resulting sub-task has completed.
type TaskHandle struct {
	t       *task.Task
	rt      *Runtime
	done    chan struct{}
	pending atomic.Int32
}

// Commit releases the task's initial wait ticket; once every predecessor
// this task was registered against (via AddPrecedence during access
// resolution) has also released its ticket, the task becomes Ready and is
// routed by onTaskReady.
func (h *TaskHandle) Commit() { h.t.Commit() }

// Wait blocks until the task (and every clone a moldable split produced)
// has completed. While blocked, the calling thread work-steals from the
// host team between exponentially backed-off completion checks: a waiter
// occupying a team thread keeps the graph draining rather than starving
// the team, and an external waiter lends a hand instead of idling.
func (h *TaskHandle) Wait() {
	const minBackoff = constants.DefaultTaskWaitBackoffInitial
	backoff := minBackoff
	for {
		select {
		case <-h.done:
			return
		default:
		}
		if h.rt.team.TryRun() {
			backoff = minBackoff
			continue
		}
		select {
		case <-h.done:
			return
		case <-time.After(backoff):
			if backoff < constants.DefaultTaskWaitBackoffMax {
				backoff = min(2*backoff, constants.DefaultTaskWaitBackoffMax)
			}
		}
	}
}

// DetachIncr marks one more external party that must DetachDecr before this
// task is allowed to complete.
func (h *TaskHandle) DetachIncr() { h.t.DetachIncr() }

// DetachDecr balances a DetachIncr; when the last one retires, the task
// finally runs through task.Complete.
func (h *TaskHandle) DetachDecr() {
	if h.t.DetachDecr() == 0 {
		h.rt.finishTask(h.t, h)
	}
}

// teamTask adapts a plain closure to team.Task's Run() contract.
type teamTask struct{ fn func() }

func (t teamTask) Run() { t.fn() }

// TaskSpawn creates a new task with the given accesses and body, resolving
// each access against its datum's dependency domain to install precedence
// edges against whatever last touched the same sub-region. The returned
// handle's Commit must be called once the
// caller has finished declaring the task's accesses, releasing its initial
// wait ticket.
// splitCondition, when non-nil, marks the task moldable: the device worker
// re-evaluates it against the task immediately
// before kernel submission and, while it reports true, halves the task's
// accesses and re-submits both halves in its place.
func (r *Runtime) TaskSpawn(parent *TaskHandle, targetDevice int32, ocrAccessIndex int, specs []AccessSpec, splitCondition func(t *task.Task) bool, body func()) (*TaskHandle, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}

	id := r.nextTaskID()
	t := task.New(id, nil)
	if parent != nil {
		t.Parent = parent.t
		parent.t.ChildrenCount.Add(1)
	}
	if splitCondition != nil {
		t.MolInfo = &task.MolInfo{SplitCondition: splitCondition}
	}

	accesses := make([]*task.Access, len(specs))
	for i, s := range specs {
		// Commutative ordering is declared but not scheduled; rejecting it
		// here keeps a task from silently running with sequential semantics
		// the caller didn't ask for.
		if s.Concurrency == task.ConcurrencyCommutative {
			return nil, NewError("TaskSpawn", ErrCodeInvalidAccess, "commutative access concurrency is not supported")
		}
		bounding, rects := decomposeAccessSpec(s)
		accesses[i] = &task.Access{
			Task:        t,
			Mode:        s.Mode,
			Concurrency: s.Concurrency,
			Scope:       s.Scope,
			Type:        s.Type,
			DatumKey:    s.DatumKey,
			Region:      bounding,
			Rects:       rects,
		}
	}
	t.Accesses = accesses
	if len(accesses) > 0 {
		t.EnsureDepInfo().AccessCount = len(accesses)
	}

	for i, a := range accesses {
		d, err := r.lookupDatum(specs[i].DatumKey)
		if err != nil {
			return nil, err
		}
		d.dom.Resolve(a)
	}

	if targetDevice != constants.AutoAssignDeviceID || ocrAccessIndex >= 0 {
		t.DevInfo = &task.DevInfo{TargetDevice: targetDevice, OCRAccessIndex: ocrAccessIndex, ElectedDevice: constants.AutoAssignDeviceID}
	}

	h := &TaskHandle{t: t, rt: r, done: make(chan struct{})}
	h.pending.Store(1)
	t.OnReady = func(tt *task.Task) { r.onTaskReady(tt, h, specs, body) }
	return h, nil
}

// onTaskReady implements task.Task.OnReady's two-phase contract: the first
// call (state Ready) elects a device and issues any coherency fetches the
// task's accesses require; the second call (state DataFetched, fired once
// every issued fetch has completed) actually runs the task body.
func (r *Runtime) onTaskReady(t *task.Task, h *TaskHandle, specs []AccessSpec, body func()) {
	switch t.State() {
	case task.StateReady:
		r.issueFetches(t, specs)
	case task.StateDataFetched:
		r.dispatchBody(t, h, body)
	}
}

func (r *Runtime) electDevice(t *task.Task) int32 {
	if r.NDevices() == 0 {
		// The round-robin fallback covers non-host devices only; with none
		// configured there is nothing to round-robin over, so every
		// auto-routed task stays on the host rather than aliasing onto a
		// phantom accelerator id 0.
		return int32(device.HostID)
	}

	target := int32(constants.AutoAssignDeviceID)
	ocrIdx := -1
	if t.DevInfo != nil {
		target = t.DevInfo.TargetDevice
		ocrIdx = t.DevInfo.OCRAccessIndex
	}
	if target == constants.HostPinnedDeviceID {
		return int32(device.HostID)
	}
	ownerQuery := func(idx int) uint32 {
		if idx < 0 || idx >= len(t.Accesses) {
			return 0
		}
		a := t.Accesses[idx]
		d, err := r.lookupDatum(a.DatumKey)
		if err != nil {
			return 0
		}
		return d.coh.WhoOwns(a)
	}
	// Elect counts the host among nDevices (its round-robin runs modulo
	// nDevices-1 over the accelerators), so hand it the full device count.
	return scheduler.Elect(ocrIdx, target, r.NDevices()+1, ownerQuery)
}

// issueFetches elects this task's device, then issues a coherency.Fetch per
// non-virtual, non-unified access and dispatches the resulting transfers to
// that device's offloader. An access with ScopeUnified opts out of the
// fetch machinery (it's already host-resident and visible everywhere).
func (r *Runtime) issueFetches(t *task.Task, specs []AccessSpec) {
	dev := r.electDevice(t)
	if t.DevInfo == nil && device.ID(dev) != device.HostID {
		// Auto-routed to an accelerator: record the election so the body is
		// dispatched to the same device the fetches below target.
		t.DevInfo = &task.DevInfo{TargetDevice: constants.AutoAssignDeviceID, OCRAccessIndex: -1, ElectedDevice: constants.AutoAssignDeviceID}
	}
	if t.DevInfo != nil {
		t.DevInfo.ElectedDevice = dev
	}

	// Hold one guard ticket across the whole issue loop so an early fetch
	// completing asynchronously can't drive the task to DataFetched while
	// later accesses are still being fetched. A task with nothing to fetch
	// still crosses Ready -> DataFetched when the guard retires.
	t.BeginFetching(1)
	for i, a := range t.Accesses {
		// Null and virtual accesses move no memory; unified-scope accesses
		// are already visible everywhere. None of the three touches the
		// coherency tree.
		if a.Type == task.TypeNull || a.Mode == task.ModeVirtual || specs[i].Scope == task.ScopeUnified {
			continue
		}
		d, err := r.lookupDatum(specs[i].DatumKey)
		if err != nil {
			continue
		}
		r.dispatchFetches(d, d.coh.Fetch(a, coherency.DeviceID(dev)), a)
	}
	t.FetchCompleted()
}

func streamForTransfer(k driverapi.TransferKind) driverapi.StreamType {
	switch k {
	case driverapi.TransferH2D:
		return driverapi.StreamH2D
	case driverapi.TransferD2H:
		return driverapi.StreamD2H
	default:
		return driverapi.StreamD2D
	}
}

func transferKindOf(kind string) driverapi.TransferKind {
	switch kind {
	case "h2d":
		return driverapi.TransferH2D
	case "d2h":
		return driverapi.TransferD2H
	default:
		return driverapi.TransferD2D
	}
}

// dispatchFetches submits a batch of coherency-issued fetches, first
// coalescing adjacent same-stream entries into wider transfers when the
// MERGE_TRANSFERS knob is on. Entries absorbed by the coalescing pass are
// suppressed at launch; the surviving transfer covers their region and
// carries their wait-counter tickets (Fetch.AbsorbedTickets), which
// completeFetch retires alongside its own.
func (r *Runtime) dispatchFetches(d *datum, fetches []coherency.Fetch, triggering *task.Access) {
	if r.cfg.MergeTransfers && len(fetches) > 1 {
		fetches = coherency.MergeFetches(fetches)
	}
	for _, f := range fetches {
		bytes := uint64(f.Region[0].Len()) * uint64(f.Region[1].Len())
		r.metrics.recordFetch(bytes, 0, f.Merged)
		if f.Merged {
			continue
		}
		r.dispatchFetch(d, f, triggering)
	}
}

// dispatchFetch submits one coherency-issued Fetch to its destination
// device's offloader. triggering is the access that caused this fetch (its
// task's wait counter was already bumped by coherency.Tree.Fetch); it may be
// nil for a Forward-derived fetch re-dispatched from completeFetch, which
// has no single originating access of its own.
func (r *Runtime) dispatchFetch(d *datum, f coherency.Fetch, triggering *task.Access) {
	dstDev, err := r.DeviceGet(int32(f.DstDevice))
	if err != nil {
		r.logger.Errorf("fetch dispatch: %v", err)
		r.completeFetch(d, f, triggering, err)
		return
	}

	req := driverapi.TransferRequest{
		Kind:       transferKindOf(f.Kind),
		SrcDevice:  int32(f.SrcDevice),
		DstDevice:  int32(f.DstDevice),
		WidthBytes: uint64(f.Region[0].Len()),
		Rows:       uint64(f.Region[1].Len()),
	}

	// A view's BaseOffset is arena-relative bookkeeping (internal/arena.Area
	// knows nothing about the driver's own address space); add the owning
	// device's driver-issued base token to recover an address the driver
	// actually resolves (internal/device.Device.BaseAddr). A nil view means
	// the host side of the transfer, addressed directly in the datum's own
	// registered address space instead (datum.go's RegisterMemory backs it
	// with the driver via hostdrv.RegisterHostRegion).
	if f.SrcView != nil {
		srcDev, err := r.DeviceGet(int32(f.SrcDevice))
		if err != nil {
			r.logger.Errorf("fetch dispatch: %v", err)
			r.completeFetch(d, f, triggering, err)
			return
		}
		req.SrcAddr = uint64(srcDev.BaseAddr) + f.SrcView.BaseOffset
		req.SrcLD = f.SrcView.LD
	} else {
		req.SrcAddr = d.hostAddr(f.Region)
		req.SrcLD = d.key.LD
	}

	if f.DstView != nil {
		req.DstAddr = uint64(dstDev.BaseAddr) + f.DstView.BaseOffset
		req.DstLD = f.DstView.LD
	} else {
		req.DstAddr = d.hostAddr(f.Region)
		req.DstLD = d.key.LD
	}

	instr := driverapi.Instruction{
		Kind:     driverapi.InstrTransfer,
		Transfer: req,
		Callback: func(err error) { r.completeFetch(d, f, triggering, err) },
	}

	// H2D and D2D run on the destination device's copy engine; D2H runs on
	// the source device's (the host pseudo-device cannot address accelerator
	// memory).
	submitDev := dstDev
	if req.Kind == driverapi.TransferD2H {
		srcDev, err := r.DeviceGet(int32(f.SrcDevice))
		if err != nil {
			r.logger.Errorf("fetch dispatch: %v", err)
			r.completeFetch(d, f, triggering, err)
			return
		}
		submitDev = srcDev
	}
	if err := submitDev.Submit(context.Background(), streamForTransfer(req.Kind), instr); err != nil {
		r.logger.Errorf("fetch submit: %v", err)
		r.completeFetch(d, f, triggering, err)
	}
}

// completeFetch runs the fetch-completion callback: retires the
// triggering access's fetch ticket, wakes any accesses that piggy-backed on
// the same in-flight view, and re-dispatches any forwards the completion
// unblocked.
func (r *Runtime) completeFetch(d *datum, f coherency.Fetch, triggering *task.Access, err error) {
	if err != nil {
		r.logger.Errorf("fetch %s device=%d failed: %v", f.Kind, f.DstDevice, err)
	}

	waiting, forwards := d.coh.Complete(f, []region.Rect[int64]{f.Region})
	if triggering != nil {
		// A transfer that absorbed coalesced neighbours carries their
		// tickets too; all of them retired by this one completion.
		for i := 0; i <= f.AbsorbedTickets; i++ {
			triggering.Task.FetchCompleted()
		}
	}
	for _, a := range waiting {
		a.Task.FetchCompleted()
	}
	batch := make([]coherency.Fetch, 0, len(forwards))
	for _, fw := range forwards {
		batch = append(batch, coherency.Fetch{Kind: "d2d", SrcDevice: fw.FromDevice, DstDevice: fw.ToDevice, Region: fw.Region, SrcView: fw.SrcView, DstView: fw.ToView})
	}
	if len(batch) > 0 {
		r.dispatchFetches(d, batch, nil)
	}
}

// dispatchBody runs a task's body once every declared access has reached
// DataFetched: host-elected tasks go on the host team's work-stealing
// deques, device-elected tasks submit as a kernel instruction on that
// device's offloader.
func (r *Runtime) dispatchBody(t *task.Task, h *TaskHandle, body func()) {
	if t.MolInfo != nil && t.MolInfo.SplitCondition != nil && t.MolInfo.SplitCondition(t) {
		r.splitMoldable(t, h, body)
		return
	}

	run := func() {
		if body != nil {
			body()
		}
		r.completeTask(t, h)
	}

	elected := int32(device.HostID)
	if t.DevInfo != nil {
		elected = t.DevInfo.ElectedDevice
		if elected == constants.AutoAssignDeviceID {
			// A task with no accesses skips issueFetches entirely, so its
			// election happens here instead. AutoAssignDeviceID doubles as
			// "not yet elected": re-electing an already host-routed task is
			// deterministic for every rule that can produce the host.
			elected = r.electDevice(t)
			t.DevInfo.ElectedDevice = elected
		}
	}

	if device.ID(elected) == device.HostID {
		tid := 0
		if n := len(r.team.Threads); n > 0 {
			tid = int(t.ID % uint64(n))
		}
		r.team.Spawn(tid, teamTask{fn: run})
		return
	}

	d, err := r.DeviceGet(elected)
	if err != nil {
		r.logger.Errorf("dispatch body: %v", err)
		return
	}
	instr := driverapi.Instruction{
		Kind: driverapi.InstrKernel,
		Kernel: driverapi.KernelLaunch{
			Launch: func(ctx context.Context) error { run(); return nil },
		},
	}
	if err := d.Submit(context.Background(), driverapi.StreamKernel, instr); err != nil {
		r.logger.Errorf("kernel submit: %v", err)
	}
}

// completeTask finishes a task unless it's Detachable, in which case
// completion is deferred to the last matching DetachDecr.
func (r *Runtime) completeTask(t *task.Task, h *TaskHandle) {
	if t.DetInfo != nil {
		return
	}
	r.finishTask(t, h)
}

func (r *Runtime) finishTask(t *task.Task, h *TaskHandle) {
	t.Complete(r.prefetchSuccessor)
	if h.pending.Add(-1) == 0 {
		close(h.done)
	}
}

// prefetchSuccessor stages a successor's data early: once a write access
// retires, a successor whose task already names a target device gets its
// region fetched onto that device now rather than when the successor is
// dispatched. The staging fetch runs under a throwaway internal task so the
// successor's own wait accounting is untouched; the successor's later fetch
// finds the blocks coherent, or coalesces onto the still-in-flight
// allocation. Off by default (TaskPrefetch knob).
func (r *Runtime) prefetchSuccessor(pred, succ *task.Access) {
	if r.cfg.TaskPrefetch == 0 || !pred.IsWrite() {
		return
	}
	st := succ.Task
	if st == nil || st.DevInfo == nil || st.State() >= task.StateReady {
		return
	}
	dev := st.DevInfo.TargetDevice
	if dev == constants.AutoAssignDeviceID || device.ID(dev) == device.HostID {
		return
	}
	if succ.Mode == task.ModeVirtual || succ.Type == task.TypeNull || succ.Scope == task.ScopeUnified {
		return
	}
	d, err := r.lookupDatum(succ.DatumKey)
	if err != nil {
		return
	}
	ghost := task.New(r.nextTaskID(), nil)
	a := &task.Access{
		Task:     ghost,
		Mode:     task.ModeRead,
		Type:     succ.Type,
		DatumKey: succ.DatumKey,
		Region:   succ.Region,
		Rects:    succ.RectList(),
	}
	ghost.Accesses = []*task.Access{a}
	r.dispatchFetches(d, d.coh.Fetch(a, coherency.DeviceID(dev)), a)
}

// splitMoldable halves a moldable task: t is reused in place as
// the lower half (its Accesses are replaced with the lower halves of its
// current accesses), a clone carries the upper halves, and each original
// access's successors are redistributed to whichever half(s) its region
// still conflicts with. A successor whose region spans
// both halves keeps an edge to each and gets a matching extra wait-counter
// ticket, since the original edge only accounted for one decrement. Both
// halves are already resident on the elected device (they're sub-regions of
// data the original task's fetches already brought in), so each is forced
// straight to DataFetched and re-dispatched, where it may split again.
func (r *Runtime) splitMoldable(t *task.Task, h *TaskHandle, body func()) {
	n := len(t.Accesses)
	loAccesses := make([]*task.Access, n)
	hiAccesses := make([]*task.Access, n)
	for i, a := range t.Accesses {
		lo, hi := a.Split()
		loAccesses[i] = lo
		hiAccesses[i] = hi

		for _, succ := range a.Successors() {
			matchLo := succ.Conflicts(lo)
			matchHi := succ.Conflicts(hi)
			switch {
			case matchLo && matchHi:
				lo.AddSuccessor(succ)
				hi.AddSuccessor(succ)
				succ.Task.EnsureDepInfo().WaitCounter.Add(1)
			case matchHi:
				hi.AddSuccessor(succ)
			default:
				// No longer conflicts with hi (or conflicts with neither, a
				// degenerate boundary case): keep the edge on lo so the
				// ticket it already holds is still retired exactly once.
				lo.AddSuccessor(succ)
			}
		}
	}

	hiTask := task.New(r.nextTaskID(), nil)
	hiTask.Parent = t.Parent
	if t.Parent != nil {
		t.Parent.ChildrenCount.Add(1)
	}
	hiTask.FormatID = t.FormatID
	hiTask.Args = t.Args
	hiTask.Accesses = hiAccesses
	hiTask.MolInfo = t.MolInfo
	if t.DevInfo != nil {
		hiTask.DevInfo = &task.DevInfo{TargetDevice: t.DevInfo.TargetDevice, OCRAccessIndex: -1, ElectedDevice: t.DevInfo.ElectedDevice}
	}
	for _, a := range hiAccesses {
		a.Task = hiTask
	}
	for _, a := range loAccesses {
		a.Task = t
	}
	t.Accesses = loAccesses

	// hiTask never goes through Resolve/Commit: it's a clone of an already-
	// DataFetched task, already known to hold valid data for its (sub-)
	// region. Commit on a fresh task (DepInfo.AccessCount == 0) collapses
	// straight to DataFetched, the same "no accesses to wait on" path a
	// dependency-free task takes (task.Task.enterReady).
	h.pending.Add(1)
	hiTask.Commit()

	r.dispatchBody(t, h, body)
	r.dispatchBody(hiTask, h, body)
}

// TeamTaskSpawn is the team-bound variant of TaskSpawn: the task always
// runs on the host team regardless of accelerator availability. Its
// accesses still resolve normally and, when a device last wrote the data,
// fetch it back to the host before the body runs.
func (r *Runtime) TeamTaskSpawn(parent *TaskHandle, specs []AccessSpec, body func()) (*TaskHandle, error) {
	return r.TaskSpawn(parent, constants.HostPinnedDeviceID, -1, specs, nil, body)
}

// TeamBarrier blocks the calling goroutine until every host team thread
// reaches the barrier.
func (r *Runtime) TeamBarrier() { r.team.Barrier() }

// TeamCriticalBegin/TeamCriticalEnd bracket a host team-wide critical
// section.
func (r *Runtime) TeamCriticalBegin() { r.team.CriticalBegin() }
func (r *Runtime) TeamCriticalEnd()   { r.team.CriticalEnd() }

// TeamParallelFor runs fn(i) for i in [0,n) across the host team with
// dynamic scheduling.
func (r *Runtime) TeamParallelFor(n int, fn func(i int)) { r.team.ParallelFor(n, fn) }

// team.Team in this runtime is a single process-wide pool created at Init
// time and torn down at Close; there is no dynamic team_create/team_join
// (internal/team has no notion of nested sub-teams — every host task
// already runs on the one team every device shares). A
// caller wanting team_create's isolation should spawn a second Runtime.
var _ team.Task = teamTask{}
