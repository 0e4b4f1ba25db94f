package iosched

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-iosched/internal/blk"
	"github.com/ehrlich-b/go-iosched/internal/ioc"
)

// Error is a structured iosched error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "OPEN", "SUBMIT")
	Device uint32        // Device ID (0 if not applicable)
	Task   int           // Task pid (0 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Backend errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Device != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.Device))
	}
	if e.Task != 0 {
		parts = append(parts, fmt.Sprintf("task=%d", e.Task))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("iosched: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "iosched: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinels and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(SchedError); ok {
		return e.Code == ErrorCode(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeDeviceOffline      ErrorCode = "device offline"
	ErrCodeReadOnly           ErrorCode = "device is read-only"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeQueueFail          ErrorCode = "no scheduler context for task"
	ErrCodeUnknownElevator    ErrorCode = "unknown elevator"
	ErrCodeUnknownAttribute   ErrorCode = "unknown elevator attribute"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeNotSupported       ErrorCode = "not supported"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
)

// SchedError is a plain sentinel comparable with errors.Is against any
// structured Error carrying the same code
type SchedError string

func (e SchedError) Error() string {
	return "iosched: " + string(e)
}

const (
	ErrInvalidParameters  SchedError = SchedError(ErrCodeInvalidParameters)
	ErrDeviceNotFound     SchedError = SchedError(ErrCodeDeviceNotFound)
	ErrDeviceBusy         SchedError = SchedError(ErrCodeDeviceBusy)
	ErrDeviceOffline      SchedError = SchedError(ErrCodeDeviceOffline)
	ErrReadOnly           SchedError = SchedError(ErrCodeReadOnly)
	ErrInsufficientMemory SchedError = SchedError(ErrCodeInsufficientMemory)
	ErrQueueFail          SchedError = SchedError(ErrCodeQueueFail)
	ErrUnknownElevator    SchedError = SchedError(ErrCodeUnknownElevator)
	ErrUnknownAttribute   SchedError = SchedError(ErrCodeUnknownAttribute)
	ErrTimeout            SchedError = SchedError(ErrCodeTimeout)
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, devID uint32, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: devID,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with iosched context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		wrapped := *se
		wrapped.Op = op
		return &wrapped
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  mapErrToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrToCode maps errors of the internal packages to error codes
func mapErrToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, blk.ErrQueueFail):
		return ErrCodeQueueFail
	case errors.Is(err, blk.ErrQueueDead), errors.Is(err, blk.ErrNoElevator):
		return ErrCodeDeviceOffline
	case errors.Is(err, blk.ErrInvalidBio):
		return ErrCodeInvalidParameters
	case errors.Is(err, blk.ErrUnknownAttr):
		return ErrCodeUnknownAttribute
	case errors.Is(err, blk.ErrUnknownElevator):
		return ErrCodeUnknownElevator
	case errors.Is(err, ioc.ErrNoSlot):
		return ErrCodeInsufficientMemory
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.EROFS:
		return ErrCodeReadOnly
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Errno == errno
	}
	return false
}
