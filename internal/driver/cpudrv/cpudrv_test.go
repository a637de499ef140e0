package cpudrv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkrt-go/xkrt/internal/driverapi"
)

func TestTransferAsyncH2D(t *testing.T) {
	d := New(2)
	_, err := d.DeviceCreate(0)
	require.NoError(t, err)

	devAddr, err := d.MemoryAllocate(0, 32)
	require.NoError(t, err)

	hostBuf := []byte("0123456789abcdef0123456789abcdef")[:32]
	RegisterHostRegion(1, hostBuf)

	sh, err := d.StreamCreate(0, driverapi.StreamH2D, 4)
	require.NoError(t, err)

	_, err = d.TransferAsync(sh, driverapi.TransferRequest{
		Kind: driverapi.TransferH2D, SrcAddr: 1, DstAddr: uint64(devAddr), DstDevice: 0, WidthBytes: 32, Rows: 1,
	})
	require.NoError(t, err)

	var done bool
	var gotErr error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !done {
		_ = d.Progress(sh, func(instr driverapi.Handle, err error) {
			done = true
			gotErr = err
		})
	}
	require.True(t, done)
	require.NoError(t, gotErr)

	dev, _ := d.dev(0)
	dev.mu.Lock()
	got := append([]byte(nil), dev.regions[devAddr]...)
	dev.mu.Unlock()
	assert.Equal(t, hostBuf, got)
}

func TestKernelLaunchCompletesEveryLaunch(t *testing.T) {
	d := New(1)
	_, err := d.DeviceCreate(0)
	require.NoError(t, err)
	sh, err := d.StreamCreate(0, driverapi.StreamKernel, 4)
	require.NoError(t, err)

	const n = 5
	var completedCount int
	for i := 0; i < n; i++ {
		_, err := d.KernelLaunch(sh, driverapi.KernelLaunch{Launch: func(ctx context.Context) error { return nil }})
		_ = err
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && completedCount < n {
		_ = d.Progress(sh, func(instr driverapi.Handle, err error) { completedCount++ })
	}
	assert.Equal(t, n, completedCount)
}
