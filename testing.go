package xkrt

import (
	"context"
	"sync"

	"github.com/xkrt-go/xkrt/internal/driver/hostdrv"
	"github.com/xkrt-go/xkrt/internal/driverapi"
)

// MockDriver wraps hostdrv.Driver (a genuine host-memcpy implementation) and
// layers call counting on top, for tests that want to assert on how many
// times the runtime drove each driverapi.Driver hook without depending on
// a real accelerator. A real, working implementation rather than a stub
// that returns canned values, plus tracking of method calls for
// verification.
type MockDriver struct {
	inner *hostdrv.Driver

	mu               sync.RWMutex
	initCalls        int
	deviceCreateCalls int
	deviceCommitCalls int
	deviceDestroyCalls int
	transferCalls    int
	kernelLaunchCalls int
	failInit         error
	failTransfer     error
}

// NewMockDriver creates a MockDriver backed by a real host driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{inner: hostdrv.New()}
}

// FailInit makes the next Init call return err (err == nil clears it),
// for exercising runtime_init's error path without a real broken backend.
func (m *MockDriver) FailInit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInit = err
}

// FailNextTransfer makes the next TransferAsync call return err.
func (m *MockDriver) FailNextTransfer(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTransfer = err
}

func (m *MockDriver) Name() string    { return "mock" }
func (m *MockDriver) MaxDevices() int { return m.inner.MaxDevices() }

func (m *MockDriver) Init(ctx context.Context, useP2P bool) error {
	m.mu.Lock()
	m.initCalls++
	err := m.failInit
	m.failInit = nil
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.inner.Init(ctx, useP2P)
}

func (m *MockDriver) Finalize() error { return m.inner.Finalize() }

func (m *MockDriver) DeviceCreate(driverID int32) (int32, error) {
	m.mu.Lock()
	m.deviceCreateCalls++
	m.mu.Unlock()
	return m.inner.DeviceCreate(driverID)
}

func (m *MockDriver) DeviceInit(globalID int32) error { return m.inner.DeviceInit(globalID) }

func (m *MockDriver) DeviceCommit(globalID int32) error {
	m.mu.Lock()
	m.deviceCommitCalls++
	m.mu.Unlock()
	return m.inner.DeviceCommit(globalID)
}

func (m *MockDriver) DeviceDestroy(globalID int32) error {
	m.mu.Lock()
	m.deviceDestroyCalls++
	m.mu.Unlock()
	return m.inner.DeviceDestroy(globalID)
}

func (m *MockDriver) DeviceInfo(globalID int32) (driverapi.DeviceInfo, error) {
	info, err := m.inner.DeviceInfo(globalID)
	info.DriverType = "mock"
	return info, err
}

func (m *MockDriver) MemoryAllocate(globalID int32, bytes uint64) (uintptr, error) {
	return m.inner.MemoryAllocate(globalID, bytes)
}

func (m *MockDriver) MemoryDeallocate(globalID int32, addr uintptr) error {
	return m.inner.MemoryDeallocate(globalID, addr)
}

// RegisterHostRegion/UnregisterHostRegion delegate to the wrapped hostdrv.Driver,
// satisfying datum.go's hostRegionRegistrar so MockDriver-backed tests see the
// same register_memory addressing behavior as a real host driver.
func (m *MockDriver) RegisterHostRegion(addr uintptr, bytes uint64) []byte {
	return m.inner.RegisterHostRegion(addr, bytes)
}

func (m *MockDriver) UnregisterHostRegion(addr uintptr) {
	m.inner.UnregisterHostRegion(addr)
}

// HostRegion exposes the wrapped driver's backing buffer for a registered
// address, so tests can seed and inspect datum bytes.
func (m *MockDriver) HostRegion(addr uintptr) []byte {
	return m.inner.HostRegion(addr)
}

func (m *MockDriver) TransferAsync(sh driverapi.Handle, req driverapi.TransferRequest) (driverapi.Handle, error) {
	m.mu.Lock()
	m.transferCalls++
	err := m.failTransfer
	m.failTransfer = nil
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.inner.TransferAsync(sh, req)
}

func (m *MockDriver) KernelLaunch(sh driverapi.Handle, k driverapi.KernelLaunch) (driverapi.Handle, error) {
	m.mu.Lock()
	m.kernelLaunchCalls++
	m.mu.Unlock()
	return m.inner.KernelLaunch(sh, k)
}

func (m *MockDriver) StreamCreate(globalID int32, t driverapi.StreamType, capacity int) (driverapi.Handle, error) {
	return m.inner.StreamCreate(globalID, t, capacity)
}

func (m *MockDriver) StreamDelete(sh driverapi.Handle) error { return m.inner.StreamDelete(sh) }

func (m *MockDriver) Progress(sh driverapi.Handle, done func(instr driverapi.Handle, err error)) error {
	return m.inner.Progress(sh, done)
}

func (m *MockDriver) Wait(ctx context.Context, sh driverapi.Handle) error {
	return m.inner.Wait(ctx, sh)
}

// CallCounts returns how many times each tracked hook has been invoked,
// keyed by hook name, for test assertions.
func (m *MockDriver) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"init":           m.initCalls,
		"device_create":  m.deviceCreateCalls,
		"device_commit":  m.deviceCommitCalls,
		"device_destroy": m.deviceDestroyCalls,
		"transfer":       m.transferCalls,
		"kernel_launch":  m.kernelLaunchCalls,
	}
}

var _ driverapi.Driver = (*MockDriver)(nil)
