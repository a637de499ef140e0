package xkrt

import (
	"errors"
	"testing"
)

func TestNewErrorFormatsOpAndMessage(t *testing.T) {
	err := NewError("RegisterMemory", ErrCodeInvalidAccess, "region out of bounds")

	if err.Op != "RegisterMemory" {
		t.Errorf("Op = %q, want RegisterMemory", err.Op)
	}
	if err.Code != ErrCodeInvalidAccess {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeInvalidAccess)
	}
	want := "xkrt: region out of bounds (op=RegisterMemory)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewDeviceErrorIncludesDeviceID(t *testing.T) {
	err := NewDeviceError("Fetch", 3, ErrCodeOutOfMemory, "arena exhausted")
	if err.DeviceID != 3 {
		t.Errorf("DeviceID = %d, want 3", err.DeviceID)
	}
	want := "xkrt: arena exhausted (op=Fetch)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewTaskErrorIncludesTaskID(t *testing.T) {
	err := NewTaskError("Commit", 42, ErrCodeInvalidAccess, "cyclic precedence")
	if err.TaskID != 42 {
		t.Errorf("TaskID = %d, want 42", err.TaskID)
	}
	if err.DeviceID != -1 {
		t.Errorf("DeviceID = %d, want -1 (no device context)", err.DeviceID)
	}
}

func TestWrapErrorPreservesInner(t *testing.T) {
	inner := errors.New("connection reset")
	err := WrapError("CopyAsync", ErrCodeDriverFailure, inner)
	if !errors.Is(err, inner) {
		t.Error("WrapError result should unwrap to the inner error")
	}
	if err.Code != ErrCodeDriverFailure {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeDriverFailure)
	}
}

func TestWrapErrorOnNilReturnsNil(t *testing.T) {
	if WrapError("op", ErrCodeTimeout, nil) != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestWrapErrorPropagatesStructuredFields(t *testing.T) {
	base := NewDeviceError("Fetch", 2, ErrCodeOutOfMemory, "arena exhausted")
	wrapped := WrapError("Resolve", ErrCodeInvalidAccess, base)
	if wrapped.DeviceID != 2 {
		t.Errorf("DeviceID = %d, want 2 (carried over from wrapped *Error)", wrapped.DeviceID)
	}
}

func TestWrapDriverErrorAttachesStack(t *testing.T) {
	inner := errors.New("EIO")
	err := WrapDriverError("TransferAsync", 1, inner)
	if err.Code != ErrCodeDriverFailure {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeDriverFailure)
	}
	if err.Inner == nil {
		t.Fatal("expected a stack-wrapped inner error")
	}
	if err.Inner.Error() != inner.Error() {
		t.Errorf("Inner.Error() = %q, want %q", err.Inner.Error(), inner.Error())
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewError("op1", ErrCodeTimeout, "slow")
	b := NewError("op2", ErrCodeTimeout, "also slow")
	if !errors.Is(a, b) {
		t.Error("two *Error values with the same Code should satisfy errors.Is")
	}
	c := NewError("op3", ErrCodeOutOfMemory, "oom")
	if errors.Is(a, c) {
		t.Error("errors.Is should not match across differing Codes")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTimeout, "operation timed out")
	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeOutOfMemory) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestSentinelErrorsCarryExpectedCodes(t *testing.T) {
	if !IsCode(ErrDatumNotRegistered, ErrCodeDatumNotRegistered) {
		t.Error("ErrDatumNotRegistered should carry ErrCodeDatumNotRegistered")
	}
	if !IsCode(ErrDeviceNotFound, ErrCodeDeviceNotFound) {
		t.Error("ErrDeviceNotFound should carry ErrCodeDeviceNotFound")
	}
	if !IsCode(ErrRuntimeClosed, ErrCodeClosed) {
		t.Error("ErrRuntimeClosed should carry ErrCodeClosed")
	}
}
