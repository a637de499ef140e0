package xkrt

import (
	"context"
	"errors"
	"testing"

	"github.com/xkrt-go/xkrt/internal/driverapi"
)

func TestMockDriverTracksCallCounts(t *testing.T) {
	m := NewMockDriver()
	ctx := context.Background()

	if err := m.Init(ctx, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := m.DeviceCreate(0); err != nil {
		t.Fatalf("DeviceCreate: %v", err)
	}
	if err := m.DeviceCommit(0); err != nil {
		t.Fatalf("DeviceCommit: %v", err)
	}

	counts := m.CallCounts()
	if counts["init"] != 1 {
		t.Errorf("init calls = %d, want 1", counts["init"])
	}
	if counts["device_create"] != 1 {
		t.Errorf("device_create calls = %d, want 1", counts["device_create"])
	}
	if counts["device_commit"] != 1 {
		t.Errorf("device_commit calls = %d, want 1", counts["device_commit"])
	}
}

func TestMockDriverFailInit(t *testing.T) {
	m := NewMockDriver()
	want := errors.New("boom")
	m.FailInit(want)
	if err := m.Init(context.Background(), false); !errors.Is(err, want) {
		t.Errorf("Init error = %v, want %v", err, want)
	}
	// Failure is one-shot: the next call should succeed.
	if err := m.Init(context.Background(), false); err != nil {
		t.Errorf("second Init should succeed, got %v", err)
	}
}

func TestMockDriverFailNextTransfer(t *testing.T) {
	m := NewMockDriver()
	want := errors.New("transfer boom")
	m.FailNextTransfer(want)

	sh, err := m.StreamCreate(0, 0, 4)
	if err != nil {
		t.Fatalf("StreamCreate: %v", err)
	}
	if _, err := m.TransferAsync(sh, driverapi.TransferRequest{}); !errors.Is(err, want) {
		t.Errorf("TransferAsync error = %v, want %v", err, want)
	}
}
