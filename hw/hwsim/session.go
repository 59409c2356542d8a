package hwsim

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type operation struct {
	remainingLatency int
	complete         func(ctx context.Context)
}

type Session struct {
	engine *Engine
	impl   hw.Implementation

	locker        xsync.Mutex
	closed        bool
	allocator     hw.FrameAllocator
	handleType    hw.HandleType
	handle        hw.Handle
	parent        *Session
	children      map[*Session]struct{}
	operations    map[hw.SyncPoint]*operation
	nextSyncPoint hw.SyncPoint

	decode *decodeComponent
	encode *encodeComponent
	vpp    *vppComponent

	CloseCount   atomic.Uint64
	JoinCount    atomic.Uint64
	DisjoinCount atomic.Uint64
	SyncCount    atomic.Uint64
}

var _ hw.Session = (*Session)(nil)

func newSession(e *Engine, impl hw.Implementation) *Session {
	s := &Session{
		engine:     e,
		impl:       impl,
		children:   map[*Session]struct{}{},
		operations: map[hw.SyncPoint]*operation{},
	}
	s.decode = &decodeComponent{session: s}
	s.encode = &encodeComponent{session: s}
	s.vpp = &vppComponent{session: s}
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("hwsim.Session(%X)", types.GetObjectID(s))
}

func (s *Session) Close(ctx context.Context) hw.Status {
	logger.Debugf(ctx, "hwsim: Close: %s", s)
	s.CloseCount.Inc()
	s.engine.CloseCount.Inc()

	st := xsync.DoR1(ctx, &s.locker, func() hw.Status {
		if s.closed {
			return hw.StatusErrInvalidHandle
		}
		if len(s.children) > 0 {
			return hw.StatusErrUndefinedBehavior
		}
		s.closed = true
		return hw.StatusOK
	})
	if st.IsError() {
		return st
	}
	for _, c := range []interface{ close(context.Context) }{s.decode, s.encode, s.vpp} {
		c.close(ctx)
	}
	s.locker.Do(ctx, func() {
		s.operations = map[hw.SyncPoint]*operation{}
	})
	return hw.StatusOK
}

// IsClosed reports whether Close succeeded.
func (s *Session) IsClosed(ctx context.Context) bool {
	return xsync.DoR1(ctx, &s.locker, func() bool {
		return s.closed
	})
}

func (s *Session) QueryVersion(ctx context.Context) (hw.Version, hw.Status) {
	return s.engine.config.Version, hw.StatusOK
}

func (s *Session) QueryImplementation(ctx context.Context) (hw.Implementation, hw.Status) {
	return hw.ImplementationSoftware, hw.StatusOK
}

func (s *Session) Join(ctx context.Context, child hw.Session) hw.Status {
	c, ok := child.(*Session)
	if !ok || c == s {
		return hw.StatusErrUnsupported
	}
	st := xsync.DoR1(ctx, &c.locker, func() hw.Status {
		if c.parent != nil {
			return hw.StatusErrUndefinedBehavior
		}
		c.parent = s
		return hw.StatusOK
	})
	if st.IsError() {
		return st
	}
	s.locker.Do(ctx, func() {
		s.children[c] = struct{}{}
	})
	s.JoinCount.Inc()
	return hw.StatusOK
}

func (s *Session) Disjoin(ctx context.Context) hw.Status {
	parent := xsync.DoR1(ctx, &s.locker, func() *Session {
		p := s.parent
		s.parent = nil
		return p
	})
	if parent == nil {
		return hw.StatusErrUndefinedBehavior
	}
	parent.locker.Do(ctx, func() {
		delete(parent.children, s)
	})
	s.DisjoinCount.Inc()
	return hw.StatusOK
}

func (s *Session) SetHandle(ctx context.Context, handleType hw.HandleType, handle hw.Handle) hw.Status {
	return xsync.DoR1(ctx, &s.locker, func() hw.Status {
		if s.handle != 0 {
			return hw.StatusErrUndefinedBehavior
		}
		s.handleType, s.handle = handleType, handle
		return hw.StatusOK
	})
}

// Handle returns what was set through SetHandle.
func (s *Session) Handle(ctx context.Context) (hw.HandleType, hw.Handle) {
	return xsync.DoR2(ctx, &s.locker, func() (hw.HandleType, hw.Handle) {
		return s.handleType, s.handle
	})
}

func (s *Session) SetFrameAllocator(ctx context.Context, allocator hw.FrameAllocator) hw.Status {
	s.locker.Do(ctx, func() {
		s.allocator = allocator
	})
	return hw.StatusOK
}

func (s *Session) getAllocator(ctx context.Context) hw.FrameAllocator {
	return xsync.DoR1(ctx, &s.locker, func() hw.FrameAllocator {
		return s.allocator
	})
}

func (s *Session) alloc(ctx context.Context, req *hw.FrameAllocRequest) (hw.FrameAllocResponse, hw.Status) {
	if st := s.engine.popFault(ctx, OpAlloc); st.IsError() {
		return hw.FrameAllocResponse{}, st
	}
	allocator := s.getAllocator(ctx)
	if allocator == nil {
		return hw.FrameAllocResponse{}, hw.StatusErrInvalidVideoParam
	}
	return allocator.Alloc(ctx, req)
}

// withPlanes calls fn with the planes of the surface, locking it through
// the allocator if it is not addressable.
func (s *Session) withPlanes(
	ctx context.Context,
	fs *hw.FrameSurface,
	fn func(planes [][]byte, pitches []int) hw.Status,
) hw.Status {
	if fs.Data.Planes != nil {
		return fn(fs.Data.Planes, fs.Data.Pitches)
	}
	allocator := s.getAllocator(ctx)
	if allocator == nil || fs.Data.MemID == 0 {
		return hw.StatusErrLockMemory
	}
	var data hw.FrameData
	if st := allocator.Lock(ctx, fs.Data.MemID, &data); st.IsError() {
		return st
	}
	st := fn(data.Planes, data.Pitches)
	if unlockSt := allocator.Unlock(ctx, fs.Data.MemID, &data); unlockSt.IsError() && !st.IsError() {
		st = unlockSt
	}
	return st
}

// submit registers an asynchronous operation and returns its sync point.
func (s *Session) submit(ctx context.Context, complete func(ctx context.Context)) hw.SyncPoint {
	return xsync.DoR1(ctx, &s.locker, func() hw.SyncPoint {
		s.nextSyncPoint++
		s.operations[s.nextSyncPoint] = &operation{
			remainingLatency: s.engine.config.SyncLatency,
			complete:         complete,
		}
		return s.nextSyncPoint
	})
}

// PendingOperations returns the amount of submitted and not synced operations.
func (s *Session) PendingOperations(ctx context.Context) int {
	return xsync.DoR1(ctx, &s.locker, func() int {
		return len(s.operations)
	})
}

func (s *Session) SyncOperation(
	ctx context.Context,
	syncPoint hw.SyncPoint,
	timeout time.Duration,
) hw.Status {
	s.SyncCount.Inc()
	if st := s.engine.popFault(ctx, OpSyncOperation); st != hw.StatusOK {
		return st
	}
	op := xsync.DoR1(ctx, &s.locker, func() *operation {
		return s.operations[syncPoint]
	})
	if op == nil {
		return hw.StatusErrNullPtr
	}
	if op.remainingLatency > 0 {
		op.remainingLatency--
		if timeout > 0 {
			if err := internal.Sleep(ctx, min(timeout, time.Millisecond)); err != nil {
				return hw.StatusErrAborted
			}
		}
		return hw.StatusWarnInExecution
	}
	s.locker.Do(ctx, func() {
		delete(s.operations, syncPoint)
	})
	if op.complete != nil {
		op.complete(ctx)
	}
	return hw.StatusOK
}

func (s *Session) Decode() hw.DecodeComponent {
	return s.decode
}

func (s *Session) Encode() hw.EncodeComponent {
	return s.encode
}

func (s *Session) VPP() hw.VPPComponent {
	return s.vpp
}
