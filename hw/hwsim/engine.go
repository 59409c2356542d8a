// engine.go implements the simulated engine and its fault injection.

// Package hwsim implements hw.Engine in-process, without any real codec.
//
// The decoder splits the byte-stream into access units and "decodes" each
// of them into a flat frame; the encoder produces byte-stream access units
// with real parameter sets; the VPP performs the requested processing in
// software. The engine honors the asynchronous contract (sync points, lock
// counts, allocator callbacks) and lets tests inject statuses into any call.
package hwsim

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

// Op is an engine call fault injection can target.
type Op int

const (
	OpOpen = Op(iota)
	OpDecodeHeader
	OpInit
	OpReset
	OpDecodeFrameAsync
	OpEncodeFrameAsync
	OpRunFrameVPPAsync
	OpSyncOperation
	OpAlloc
	EndOfOp
)

func (op Op) String() string {
	switch op {
	case OpOpen:
		return "Open"
	case OpDecodeHeader:
		return "DecodeHeader"
	case OpInit:
		return "Init"
	case OpReset:
		return "Reset"
	case OpDecodeFrameAsync:
		return "DecodeFrameAsync"
	case OpEncodeFrameAsync:
		return "EncodeFrameAsync"
	case OpRunFrameVPPAsync:
		return "RunFrameVPPAsync"
	case OpSyncOperation:
		return "SyncOperation"
	case OpAlloc:
		return "Alloc"
	}
	return fmt.Sprintf("<unexpected_%d>", int(op))
}

type Config struct {
	// Delay is the amount of decoded frames the decoder keeps before
	// returning the first output, like a decoder reordering B-frames.
	Delay int

	// NumFrameMin is the amount of surfaces the components need on their own.
	NumFrameMin uint16

	// SyncLatency is the amount of StatusWarnInExecution replies of
	// SyncOperation with a zero timeout before the operation completes.
	SyncLatency int

	// PicStruct is the picture structure of the decoded frames; zero
	// means progressive.
	PicStruct hw.PicStruct

	Version hw.Version
}

func DefaultConfig() Config {
	return Config{
		NumFrameMin: 4,
		Version:     hw.Version{Major: 2, Minor: 9},
	}
}

type Engine struct {
	config Config

	locker   xsync.Mutex
	sessions []*Session
	faults   map[Op][]hw.Status
	consumed [][]byte

	OpenCount  atomic.Uint64
	CloseCount atomic.Uint64
}

var _ hw.Engine = (*Engine)(nil)

func New(cfg Config) *Engine {
	if cfg.NumFrameMin == 0 {
		cfg.NumFrameMin = DefaultConfig().NumFrameMin
	}
	if cfg.PicStruct == hw.PicStructUnknown {
		cfg.PicStruct = hw.PicStructProgressive
	}
	if cfg.Version == (hw.Version{}) {
		cfg.Version = DefaultConfig().Version
	}
	return &Engine{
		config: cfg,
		faults: map[Op][]hw.Status{},
	}
}

func (e *Engine) String() string {
	return "hwsim"
}

func (e *Engine) Open(
	ctx context.Context,
	impl hw.Implementation,
) (hw.Session, error) {
	logger.Debugf(ctx, "hwsim: Open(ctx, %s)", impl)
	if st := e.popFault(ctx, OpOpen); st.IsError() {
		return nil, fmt.Errorf("unable to open a session: %w", st)
	}
	s := newSession(e, impl)
	e.locker.Do(ctx, func() {
		e.sessions = append(e.sessions, s)
	})
	e.OpenCount.Inc()
	return s, nil
}

// Sessions returns all the sessions ever opened.
func (e *Engine) Sessions(ctx context.Context) []*Session {
	return xsync.DoR1(ctx, &e.locker, func() []*Session {
		return append([]*Session(nil), e.sessions...)
	})
}

// InjectFault makes the next count calls of op return st (without doing
// anything else).
func (e *Engine) InjectFault(ctx context.Context, op Op, st hw.Status, count int) {
	e.locker.Do(ctx, func() {
		for i := 0; i < count; i++ {
			e.faults[op] = append(e.faults[op], st)
		}
	})
}

// PendingFaults returns the amount of injected faults not fired yet.
func (e *Engine) PendingFaults(ctx context.Context, op Op) int {
	return xsync.DoR1(ctx, &e.locker, func() int {
		return len(e.faults[op])
	})
}

func (e *Engine) popFault(ctx context.Context, op Op) hw.Status {
	return xsync.DoR1(ctx, &e.locker, func() hw.Status {
		queue := e.faults[op]
		if len(queue) == 0 {
			return hw.StatusOK
		}
		st := queue[0]
		e.faults[op] = queue[1:]
		logger.Debugf(ctx, "hwsim: injecting %s into %s", st, op)
		return st
	})
}

// ConsumedChunks returns every piece of bitstream the decoders consumed,
// in order.
func (e *Engine) ConsumedChunks(ctx context.Context) [][]byte {
	return xsync.DoR1(ctx, &e.locker, func() [][]byte {
		return append([][]byte(nil), e.consumed...)
	})
}

func (e *Engine) recordConsumed(ctx context.Context, chunk []byte) {
	e.locker.Do(ctx, func() {
		e.consumed = append(e.consumed, append([]byte(nil), chunk...))
	})
}
