package xkrt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xkrt-go/xkrt/internal/config"
	"github.com/xkrt-go/xkrt/internal/constants"
	"github.com/xkrt-go/xkrt/internal/driver/cpudrv"
	"github.com/xkrt-go/xkrt/internal/driverapi"
	"github.com/xkrt-go/xkrt/internal/region"
	"github.com/xkrt-go/xkrt/task"
)

// newMultiDeviceRuntime brings up a runtime with a mock host driver plus
// nDevices CPU-simulated accelerators of the given per-device memory
// capacity, returning the mock so tests can seed and inspect datum bytes.
func newMultiDeviceRuntime(t *testing.T, nDevices int, deviceMemory uint64) (*Runtime, *MockDriver) {
	t.Helper()
	mock := NewMockDriver()
	drv := cpudrv.New(2)
	drv.MemoryBytes = deviceMemory
	cfg := config.Default()
	cfg.NGPUs = nDevices
	cfg.GPUMemPercent = 100
	cfg.Drivers = []config.DriverSpec{{Name: "cpu", Count: nDevices}}
	rt, err := Init(cfg, map[string]driverapi.Driver{"host": mock, "cpu": drv}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt, mock
}

// probeAccess builds a standalone read access over [a,b) x [rowA,rowB) of
// key's plane, for WhoOwns queries outside any spawned task.
func probeAccess(key region.DatumKey, a, b, rowA, rowB int64) *task.Access {
	tk := task.New(0, nil)
	acc := &task.Access{
		Task:     tk,
		Mode:     task.ModeRead,
		Type:     task.TypePoint,
		DatumKey: key,
		Region:   region.NewRect2D[int64](a, b, rowA, rowB),
	}
	tk.Accesses = []*task.Access{acc}
	return acc
}

// TestLinearChainCompletesInSubmissionOrder chains a thousand write tasks
// through one datum region and checks both liveness (every Wait returns)
// and ordering (completion order equals submission order, since each write
// strictly precedes the next).
func TestLinearChainCompletesInSubmissionOrder(t *testing.T) {
	rt := newHostOnlyRuntime(t)

	key := region.DatumKey{LD: 8, SizeofElem: 1, Addr: 0xD000}
	if err := rt.RegisterMemory(key, region.NewRect2D[int64](0, 8, 0, 1)); err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	defer rt.UnregisterMemory(key)

	const n = 1000
	var mu sync.Mutex
	var order []int

	handles := make([]*TaskHandle, n)
	for i := 0; i < n; i++ {
		i := i
		h, err := rt.TaskSpawn(nil, constants.AutoAssignDeviceID, -1, []AccessSpec{{
			DatumKey: key, Type: task.TypeInterval, Mode: task.ModeWrite,
			Addr: 0, Size: 8,
		}}, nil, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("TaskSpawn %d: %v", i, err)
		}
		handles[i] = h
	}
	for _, h := range handles {
		h.Commit()
	}
	for _, h := range handles {
		mustWait(t, h)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("ran %d tasks, want %d", len(order), n)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("completion order[%d] = %d, want %d", i, got, i)
		}
	}
}

// TestConcurrentReadersThenSingleWriter runs three read tasks of the same
// datum on three devices, then a write on device 0: the readers leave every
// device coherent (at most one inbound transfer each), and the write leaves
// device 0 as the sole owner.
func TestConcurrentReadersThenSingleWriter(t *testing.T) {
	rt, mock := newMultiDeviceRuntime(t, 3, 1<<20)

	key := region.DatumKey{LD: 64, SizeofElem: 1, Addr: 0xA000}
	if err := rt.RegisterMemory(key, region.NewRect2D[int64](0, 64, 0, 1)); err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	defer rt.UnregisterMemory(key)

	buf := mock.HostRegion(key.Addr)
	for i := range buf {
		buf[i] = byte(i)
	}

	var readers []*TaskHandle
	for dev := int32(0); dev < 3; dev++ {
		h, err := rt.TaskSpawn(nil, dev, -1, []AccessSpec{{
			DatumKey: key, Type: task.TypeInterval, Mode: task.ModeRead,
			Addr: 0, Size: 64,
		}}, nil, func() {})
		if err != nil {
			t.Fatalf("TaskSpawn reader dev=%d: %v", dev, err)
		}
		readers = append(readers, h)
	}
	for _, h := range readers {
		h.Commit()
	}
	for _, h := range readers {
		mustWait(t, h)
	}

	d, err := rt.lookupDatum(key)
	if err != nil {
		t.Fatalf("lookupDatum: %v", err)
	}
	owners := d.coh.WhoOwns(probeAccess(key, 0, 64, 0, 1))
	if owners != 0b111 {
		t.Fatalf("owners after three reads = %03b, want all three devices tied", owners)
	}

	transfers := rt.Metrics().CommandsH2D.Load() + rt.Metrics().CommandsD2D.Load()
	if transfers < 1 || transfers > 3 {
		t.Fatalf("reader transfers = %d, want 1..3 (at most one inbound per device)", transfers)
	}

	writer, err := rt.TaskSpawn(nil, 0, -1, []AccessSpec{{
		DatumKey: key, Type: task.TypeInterval, Mode: task.ModeWrite,
		Addr: 0, Size: 64,
	}}, nil, func() {})
	if err != nil {
		t.Fatalf("TaskSpawn writer: %v", err)
	}
	writer.Commit()
	mustWait(t, writer)

	owners = d.coh.WhoOwns(probeAccess(key, 0, 64, 0, 1))
	if owners != 0b001 {
		t.Fatalf("owners after write = %03b, want device 0 alone", owners)
	}
	if errs := rt.Metrics().CommandErrors.Load(); errs != 0 {
		t.Fatalf("command errors = %d, want 0", errs)
	}
}

// TestOutOfMemoryEvictionCompletesAllTasks pushes 1.5x the device arena's
// capacity through a single device in distinct tiles: every task must still
// complete, at least one eviction pass must fire, and the host's bytes must
// come through unscathed.
func TestOutOfMemoryEvictionCompletesAllTasks(t *testing.T) {
	rt, mock := newMultiDeviceRuntime(t, 1, 4096)

	key := region.DatumKey{LD: 64, SizeofElem: 1, Addr: 0xB000}
	if err := rt.RegisterMemory(key, region.NewRect2D[int64](0, 64, 0, 96)); err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	defer rt.UnregisterMemory(key)

	buf := mock.HostRegion(key.Addr)
	for i := range buf {
		buf[i] = byte(i % 251)
	}

	const tileBytes = 1024
	for i := 0; i < 6; i++ {
		h, err := rt.TaskSpawn(nil, 0, -1, []AccessSpec{{
			DatumKey: key, Type: task.TypeInterval, Mode: task.ModeRead,
			Addr: uint64(i * tileBytes), Size: tileBytes,
		}}, nil, func() {})
		if err != nil {
			t.Fatalf("TaskSpawn tile %d: %v", i, err)
		}
		h.Commit()
		mustWait(t, h)
	}

	if passes := rt.Metrics().EvictionPasses.Load(); passes == 0 {
		t.Fatal("expected at least one eviction pass: 6 KiB of tiles through a 4 KiB arena")
	}
	if errs := rt.Metrics().CommandErrors.Load(); errs != 0 {
		t.Fatalf("command errors = %d, want 0", errs)
	}
	for i := range buf {
		if buf[i] != byte(i%251) {
			t.Fatalf("host byte %d corrupted: got %d, want %d", i, buf[i], i%251)
		}
	}
}

// TestDetachableTaskCompletesOnlyAfterExternalDecrement spawns a task whose
// body registers a detachment: the kernel callback alone must not complete
// it; only the external DetachDecr may.
func TestDetachableTaskCompletesOnlyAfterExternalDecrement(t *testing.T) {
	rt := newHostOnlyRuntime(t)

	bodyRan := make(chan struct{})
	var h *TaskHandle
	h, err := rt.TaskSpawn(nil, constants.AutoAssignDeviceID, -1, nil, nil, func() {
		h.DetachIncr()
		close(bodyRan)
	})
	if err != nil {
		t.Fatalf("TaskSpawn: %v", err)
	}
	h.Commit()

	select {
	case <-bodyRan:
	case <-time.After(5 * time.Second):
		t.Fatal("body never ran")
	}

	select {
	case <-h.done:
		t.Fatal("task completed at kernel-callback time despite the outstanding detachment")
	case <-time.After(50 * time.Millisecond):
	}

	h.DetachDecr()
	mustWait(t, h)
}

// TestDistributeAsyncSeedsOwnershipAndRoutesViaOCR seeds a matrix's halves
// onto two devices, verifies owner-computes election follows the seeding,
// runs a write on each half and a cross-device read, and checks the final
// ownership picture.
func TestDistributeAsyncSeedsOwnershipAndRoutesViaOCR(t *testing.T) {
	rt, mock := newMultiDeviceRuntime(t, 2, 1<<20)

	key := region.DatumKey{LD: 64, SizeofElem: 1, Addr: 0xC000}
	if err := rt.RegisterMemory(key, region.NewRect2D[int64](0, 64, 0, 64)); err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	defer rt.UnregisterMemory(key)

	buf := mock.HostRegion(key.Addr)
	for i := range buf {
		buf[i] = byte(i % 253)
	}

	if err := rt.DistributeAsync(context.Background(), key, []int32{0, 1}, Cyclic1D, 32); err != nil {
		t.Fatalf("DistributeAsync: %v", err)
	}

	d, err := rt.lookupDatum(key)
	if err != nil {
		t.Fatalf("lookupDatum: %v", err)
	}
	if owners := d.coh.WhoOwns(probeAccess(key, 0, 64, 0, 32)); owners != 0b01 {
		t.Fatalf("top half owners = %02b, want device 0", owners)
	}
	if owners := d.coh.WhoOwns(probeAccess(key, 0, 64, 32, 64)); owners != 0b10 {
		t.Fatalf("bottom half owners = %02b, want device 1", owners)
	}

	// One writer per half, routed by owner-computes rather than an explicit
	// target: each must land on the half's seeded owner.
	const halfBytes = 64 * 32
	var writers []*TaskHandle
	for i := 0; i < 2; i++ {
		h, err := rt.TaskSpawn(nil, constants.AutoAssignDeviceID, 0, []AccessSpec{{
			DatumKey: key, Type: task.TypeInterval, Mode: task.ModeWrite,
			Addr: uint64(i * halfBytes), Size: halfBytes,
		}}, nil, func() {})
		if err != nil {
			t.Fatalf("TaskSpawn half %d: %v", i, err)
		}
		writers = append(writers, h)
	}
	for _, h := range writers {
		h.Commit()
	}
	for _, h := range writers {
		mustWait(t, h)
	}
	for i, h := range writers {
		if elected := h.t.DevInfo.ElectedDevice; elected != int32(i) {
			t.Fatalf("half %d elected device %d, want the seeded owner %d", i, elected, i)
		}
	}

	// A whole-matrix read on device 0 must pull the bottom half across from
	// device 1 (its sole owner after the write) without re-staging through
	// the host.
	d2dBefore := rt.Metrics().CommandsD2D.Load()
	reader, err := rt.TaskSpawn(nil, 0, -1, []AccessSpec{{
		DatumKey: key, Type: task.TypeInterval, Mode: task.ModeRead,
		Addr: 0, Size: 2 * halfBytes,
	}}, nil, func() {})
	if err != nil {
		t.Fatalf("TaskSpawn reader: %v", err)
	}
	reader.Commit()
	mustWait(t, reader)

	if rt.Metrics().CommandsD2D.Load() == d2dBefore {
		t.Fatal("whole-matrix read on device 0 should have issued a device-to-device copy of the bottom half")
	}
	if owners := d.coh.WhoOwns(probeAccess(key, 0, 64, 0, 64)); owners != 0b01 {
		t.Fatalf("whole-matrix owners after read = %02b, want device 0 (coherent everywhere)", owners)
	}
	if errs := rt.Metrics().CommandErrors.Load(); errs != 0 {
		t.Fatalf("command errors = %d, want 0", errs)
	}
}

// TestTeamTaskSpawnStaysOnHostAndFetchesBack pins a task to the host team
// even with an accelerator available; reading data a device last wrote must
// pull it back with a device-to-host copy before the body runs.
func TestTeamTaskSpawnStaysOnHostAndFetchesBack(t *testing.T) {
	rt, _ := newMultiDeviceRuntime(t, 1, 1<<20)

	key := region.DatumKey{LD: 64, SizeofElem: 1, Addr: 0xE000}
	if err := rt.RegisterMemory(key, region.NewRect2D[int64](0, 64, 0, 1)); err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	defer rt.UnregisterMemory(key)

	w, err := rt.TaskSpawn(nil, 0, -1, []AccessSpec{{
		DatumKey: key, Type: task.TypeInterval, Mode: task.ModeWrite,
		Addr: 0, Size: 64,
	}}, nil, func() {})
	if err != nil {
		t.Fatalf("TaskSpawn writer: %v", err)
	}
	w.Commit()
	mustWait(t, w)

	var ran bool
	h, err := rt.TeamTaskSpawn(nil, []AccessSpec{{
		DatumKey: key, Type: task.TypeInterval, Mode: task.ModeRead,
		Addr: 0, Size: 64,
	}}, func() { ran = true })
	if err != nil {
		t.Fatalf("TeamTaskSpawn: %v", err)
	}
	h.Commit()
	mustWait(t, h)

	if !ran {
		t.Fatal("team task body never ran")
	}
	if elected := h.t.DevInfo.ElectedDevice; elected != HostGlobalID {
		t.Fatalf("team task elected device %d, want the host", elected)
	}
	if rt.Metrics().CommandsD2H.Load() == 0 {
		t.Fatal("host read of device-written data should have issued a device-to-host copy")
	}
	if errs := rt.Metrics().CommandErrors.Load(); errs != 0 {
		t.Fatalf("command errors = %d, want 0", errs)
	}
}

// TestWaitInsideTaskBodyStealsChildWork pins the host team to a single
// thread and has a task body spawn and wait on a child: the waiting body
// occupies the team's only thread, so Wait must steal and run the child
// itself for either task to ever finish.
func TestWaitInsideTaskBodyStealsChildWork(t *testing.T) {
	cfg := config.Default()
	cfg.PauseProgressionThreads = true
	rt, err := Init(cfg, map[string]driverapi.Driver{"host": NewMockDriver()}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { rt.Close() })

	var childRan bool
	parent, err := rt.TaskSpawn(nil, constants.AutoAssignDeviceID, -1, nil, nil, func() {
		child, err := rt.TaskSpawn(nil, constants.AutoAssignDeviceID, -1, nil, nil, func() {
			childRan = true
		})
		if err != nil {
			t.Errorf("TaskSpawn child: %v", err)
			return
		}
		child.Commit()
		child.Wait()
	})
	if err != nil {
		t.Fatalf("TaskSpawn parent: %v", err)
	}
	parent.Commit()
	mustWait(t, parent)

	if !childRan {
		t.Fatal("child never ran: the waiting parent should have stolen it")
	}
}
