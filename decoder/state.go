package decoder

import (
	"errors"
	"fmt"
)

type State int

const (
	StateUninitialized = State(iota)
	StateRunning
	StateReinitializing
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateReinitializing:
		return "reinitializing"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("<unexpected_%d>", int(s))
}

// Status is the flow-control outcome of Decode and Flush. Failures are
// reported through the accompanying error and StatusError.
type Status int

const (
	StatusOK = Status(iota)
	StatusNeedMoreData
	StatusFlushed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNeedMoreData:
		return "need_more_data"
	case StatusFlushed:
		return "flushed"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("<unexpected_%d>", int(s))
}

var (
	ErrClosed = errors.New("decoder is closed")
	ErrBusy   = errors.New("the device stays busy")
	ErrSync   = errors.New("the decoded frame is not ready in time")
)

// ErrFatal wraps the error that made the decoder unusable (see StateFailed).
type ErrFatal struct {
	Err error
}

func (e ErrFatal) Error() string {
	return fmt.Sprintf("the decoder failed: %v", e.Err)
}

func (e ErrFatal) Unwrap() error {
	return e.Err
}

type Stats struct {
	FramesIn        uint64
	FramesOut       uint64
	FramesDiscarded uint64
	BytesIn         uint64
	Reinits         uint64
	BusyRetries     uint64
}
