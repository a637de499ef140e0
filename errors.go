package xkrt

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Error is the runtime's structured error type, carrying enough context
// (operation, device/task identity, category) for callers to branch on via
// errors.Is/errors.As rather than string matching.
type Error struct {
	Op       string // operation that failed, e.g. "Fetch", "RegisterMemory"
	DeviceID int32  // device global id, -1 if not applicable
	TaskID   uint64 // task debug id, 0 if not applicable
	Code     ErrorCode
	Msg      string
	Inner    error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceID >= 0 {
		parts = append(parts, fmt.Sprintf("device=%d", e.DeviceID))
	}
	if e.TaskID != 0 {
		parts = append(parts, fmt.Sprintf("task=%d", e.TaskID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("xkrt: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("xkrt: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode is a coarse error category.
type ErrorCode string

const (
	ErrCodeInvalidAccess      ErrorCode = "invalid access"
	ErrCodeDatumNotRegistered ErrorCode = "datum not registered"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeOutOfMemory        ErrorCode = "out of memory"
	ErrCodeAllocViewsExceeded ErrorCode = "allocation replica cap exceeded"
	ErrCodeDriverFailure      ErrorCode = "driver failure"
	ErrCodeClosed             ErrorCode = "runtime closed"
	ErrCodeTimeout            ErrorCode = "timeout"
)

// NewError creates a plain structured error with no device/task context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DeviceID: -1, Code: code, Msg: msg}
}

// NewDeviceError creates an error scoped to a specific device.
func NewDeviceError(op string, deviceID int32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, Code: code, Msg: msg}
}

// NewTaskError creates an error scoped to a specific task.
func NewTaskError(op string, taskID uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DeviceID: -1, TaskID: taskID, Code: code, Msg: msg}
}

// WrapError wraps an existing error under a new op/code. Driver failures
// should wrap with pkgerrors.WithStack first so the stack trace survives
// into the fatal-error log line (see internal/driverapi).
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if xe, ok := inner.(*Error); ok {
		return &Error{Op: op, DeviceID: xe.DeviceID, TaskID: xe.TaskID, Code: code, Msg: xe.Msg, Inner: xe.Inner}
	}
	return &Error{Op: op, DeviceID: -1, Code: code, Msg: inner.Error(), Inner: inner}
}

// WrapDriverError wraps a driver hook-table error with a stack trace
// (github.com/pkg/errors); driver command failures are fatal unless the
// driver reported in-progress.
func WrapDriverError(op string, deviceID int32, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, DeviceID: deviceID, Code: ErrCodeDriverFailure, Msg: inner.Error(), Inner: pkgerrors.WithStack(inner)}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code == code
	}
	return false
}

var (
	ErrDatumNotRegistered = NewError("", ErrCodeDatumNotRegistered, "datum not registered")
	ErrDeviceNotFound     = NewError("", ErrCodeDeviceNotFound, "device not found")
	ErrRuntimeClosed      = NewError("", ErrCodeClosed, "runtime closed")
)
