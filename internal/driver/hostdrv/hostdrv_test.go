package hostdrv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkrt-go/xkrt/internal/driverapi"
)

func TestTransferAsyncMemcpy(t *testing.T) {
	d := New()
	src, err := d.MemoryAllocate(0, 16)
	require.NoError(t, err)
	dst, err := d.MemoryAllocate(0, 16)
	require.NoError(t, err)

	srcBuf, _ := d.slice(src)
	copy(srcBuf, []byte("hello world!!!!!"))

	sh, err := d.StreamCreate(0, driverapi.StreamH2D, 4)
	require.NoError(t, err)

	_, err = d.TransferAsync(sh, driverapi.TransferRequest{
		SrcAddr: uint64(src), DstAddr: uint64(dst), WidthBytes: 16, Rows: 1,
	})
	require.NoError(t, err)

	var gotErr error
	var done bool
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !done {
		_ = d.Progress(sh, func(instr driverapi.Handle, err error) {
			done = true
			gotErr = err
		})
	}
	require.True(t, done)
	require.NoError(t, gotErr)

	dstBuf, _ := d.slice(dst)
	assert.Equal(t, "hello world!!!!!", string(dstBuf))
}

func TestKernelLaunchRunsSynchronously(t *testing.T) {
	d := New()
	sh, err := d.StreamCreate(0, driverapi.StreamKernel, 4)
	require.NoError(t, err)

	var ran bool
	_, err = d.KernelLaunch(sh, driverapi.KernelLaunch{Launch: func(ctx context.Context) error {
		ran = true
		return nil
	}})
	require.NoError(t, err)

	var done bool
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !done {
		_ = d.Progress(sh, func(instr driverapi.Handle, err error) { done = true })
	}
	require.True(t, done)
	assert.True(t, ran)
}
