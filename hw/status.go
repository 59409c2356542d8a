// status.go defines the status codes returned by the hardware session API.

package hw

import (
	"fmt"
)

// Status is a status code of a hardware session call. Negative values are
// errors, positive values are warnings, zero is success. The numeric values
// follow the codec SDK ABI.
type Status int32

const (
	StatusOK Status = 0

	StatusErrUnknown                Status = -1
	StatusErrNullPtr                Status = -2
	StatusErrUnsupported            Status = -3
	StatusErrMemoryAlloc            Status = -4
	StatusErrNotEnoughBuffer        Status = -5
	StatusErrInvalidHandle          Status = -6
	StatusErrLockMemory             Status = -7
	StatusErrNotInitialized         Status = -8
	StatusErrNotFound               Status = -9
	StatusErrMoreData               Status = -10
	StatusErrMoreSurface            Status = -11
	StatusErrAborted                Status = -12
	StatusErrDeviceLost             Status = -13
	StatusErrIncompatibleVideoParam Status = -14
	StatusErrInvalidVideoParam      Status = -15
	StatusErrUndefinedBehavior      Status = -16
	StatusErrDeviceFailed           Status = -17
	StatusErrMoreBitstream          Status = -18
	StatusErrGPUHang                Status = -21
	StatusErrReallocSurface         Status = -22

	StatusWarnInExecution            Status = 1
	StatusWarnDeviceBusy             Status = 2
	StatusWarnVideoParamChanged      Status = 3
	StatusWarnPartialAcceleration    Status = 4
	StatusWarnIncompatibleVideoParam Status = 5
	StatusWarnValueNotChanged        Status = 6
	StatusWarnOutOfRange             Status = 7
	StatusWarnFilterSkipped          Status = 10
)

func (s Status) IsError() bool {
	return s < 0
}

func (s Status) IsWarning() bool {
	return s > 0
}

// IsTransient reports whether the call should simply be retried.
func (s Status) IsTransient() bool {
	switch s {
	case StatusWarnDeviceBusy, StatusWarnInExecution:
		return true
	}
	return false
}

// Err returns nil for success and warnings, and the status itself otherwise.
func (s Status) Err() error {
	if s.IsError() {
		return s
	}
	return nil
}

func (s Status) Error() string {
	return s.String()
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrUnknown:
		return "ERR_UNKNOWN"
	case StatusErrNullPtr:
		return "ERR_NULL_PTR"
	case StatusErrUnsupported:
		return "ERR_UNSUPPORTED"
	case StatusErrMemoryAlloc:
		return "ERR_MEMORY_ALLOC"
	case StatusErrNotEnoughBuffer:
		return "ERR_NOT_ENOUGH_BUFFER"
	case StatusErrInvalidHandle:
		return "ERR_INVALID_HANDLE"
	case StatusErrLockMemory:
		return "ERR_LOCK_MEMORY"
	case StatusErrNotInitialized:
		return "ERR_NOT_INITIALIZED"
	case StatusErrNotFound:
		return "ERR_NOT_FOUND"
	case StatusErrMoreData:
		return "ERR_MORE_DATA"
	case StatusErrMoreSurface:
		return "ERR_MORE_SURFACE"
	case StatusErrAborted:
		return "ERR_ABORTED"
	case StatusErrDeviceLost:
		return "ERR_DEVICE_LOST"
	case StatusErrIncompatibleVideoParam:
		return "ERR_INCOMPATIBLE_VIDEO_PARAM"
	case StatusErrInvalidVideoParam:
		return "ERR_INVALID_VIDEO_PARAM"
	case StatusErrUndefinedBehavior:
		return "ERR_UNDEFINED_BEHAVIOR"
	case StatusErrDeviceFailed:
		return "ERR_DEVICE_FAILED"
	case StatusErrMoreBitstream:
		return "ERR_MORE_BITSTREAM"
	case StatusErrGPUHang:
		return "ERR_GPU_HANG"
	case StatusErrReallocSurface:
		return "ERR_REALLOC_SURFACE"
	case StatusWarnInExecution:
		return "WRN_IN_EXECUTION"
	case StatusWarnDeviceBusy:
		return "WRN_DEVICE_BUSY"
	case StatusWarnVideoParamChanged:
		return "WRN_VIDEO_PARAM_CHANGED"
	case StatusWarnPartialAcceleration:
		return "WRN_PARTIAL_ACCELERATION"
	case StatusWarnIncompatibleVideoParam:
		return "WRN_INCOMPATIBLE_VIDEO_PARAM"
	case StatusWarnValueNotChanged:
		return "WRN_VALUE_NOT_CHANGED"
	case StatusWarnOutOfRange:
		return "WRN_OUT_OF_RANGE"
	case StatusWarnFilterSkipped:
		return "WRN_FILTER_SKIPPED"
	}
	return fmt.Sprintf("<unexpected_status_%d>", int32(s))
}
