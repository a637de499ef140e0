package device

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkrt-go/xkrt/internal/driver/cpudrv"
	"github.com/xkrt-go/xkrt/internal/driverapi"
	"github.com/xkrt-go/xkrt/internal/logging"
	"github.com/xkrt-go/xkrt/internal/offloader"
)

func discardLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	drv := cpudrv.New(2)
	d := New(0, "cpu", 0, drv)
	assert.Equal(t, StateDeallocated, d.State())

	require.NoError(t, d.Create(ctx, 1<<20))
	assert.Equal(t, StateCreate, d.State())
	require.NoError(t, d.Init(ctx))
	assert.Equal(t, StateInit, d.State())

	cfg := offloader.Config{
		NumWorkers:       1,
		StreamsPerType:   1,
		RingCapacity:     8,
		ConcurrencyLimit: map[driverapi.StreamType]int{driverapi.StreamKernel: 2},
	}
	require.NoError(t, d.Commit(ctx, cfg, discardLogger(), nil))
	assert.Equal(t, StateCommit, d.State())
	require.NotNil(t, d.Area())

	done := make(chan struct{})
	err := d.Submit(ctx, driverapi.StreamKernel, driverapi.Instruction{
		Kind: driverapi.InstrKernel,
		Kernel: driverapi.KernelLaunch{Launch: func(ctx context.Context) error { return nil }},
		Callback: func(err error) { close(done) },
	})
	require.NoError(t, err)
	<-done

	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, StateDestroyed, d.State())
}

func TestDeviceRejectsSubmitBeforeCommit(t *testing.T) {
	drv := cpudrv.New(1)
	d := New(1, "cpu", 0, drv)
	err := d.Submit(context.Background(), driverapi.StreamKernel, driverapi.Instruction{})
	assert.Error(t, err)
}

func TestDeviceNextThreadWraps(t *testing.T) {
	d := New(0, "cpu", 0, cpudrv.New(1))
	seen := map[uint32]bool{}
	for i := 0; i < 6; i++ {
		seen[d.NextThread(3)] = true
	}
	assert.True(t, len(seen) <= 3)
}
