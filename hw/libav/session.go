package libav

import (
	"context"
	"time"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
)

// version is what the session reports: the API level the components
// follow, not the version of libav.
var version = hw.Version{Major: 2, Minor: 0}

type Session struct {
	engine *Engine

	locker        xsync.Mutex
	closed        bool
	allocator     hw.FrameAllocator
	handleType    hw.HandleType
	handle        hw.Handle
	nextSyncPoint hw.SyncPoint
	completions   map[hw.SyncPoint]func(ctx context.Context)

	decode *decodeComponent
}

var _ hw.Session = (*Session)(nil)

func newSession(e *Engine) *Session {
	s := &Session{
		engine:      e,
		completions: map[hw.SyncPoint]func(ctx context.Context){},
	}
	s.decode = &decodeComponent{session: s}
	return s
}

func (s *Session) String() string {
	return "libav.Session"
}

func (s *Session) Close(ctx context.Context) hw.Status {
	logger.Debugf(ctx, "libav: Close")
	closed := xsync.DoR1(ctx, &s.locker, func() bool {
		if s.closed {
			return false
		}
		s.closed = true
		return true
	})
	if !closed {
		return hw.StatusErrNotInitialized
	}
	s.decode.close(ctx)
	s.engine.forget(ctx, s)
	return hw.StatusOK
}

func (s *Session) QueryVersion(ctx context.Context) (hw.Version, hw.Status) {
	return version, hw.StatusOK
}

func (s *Session) QueryImplementation(ctx context.Context) (hw.Implementation, hw.Status) {
	return hw.ImplementationSoftware, hw.StatusOK
}

// Join is not supported: every libav session has its own codec contexts
// and nothing to share a scheduler for.
func (s *Session) Join(ctx context.Context, child hw.Session) hw.Status {
	return hw.StatusErrUnsupported
}

func (s *Session) Disjoin(ctx context.Context) hw.Status {
	return hw.StatusErrUnsupported
}

func (s *Session) SetHandle(ctx context.Context, handleType hw.HandleType, handle hw.Handle) hw.Status {
	s.locker.Do(ctx, func() {
		s.handleType, s.handle = handleType, handle
	})
	return hw.StatusOK
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

// submit registers a completed operation; libav decodes synchronously, so
// the sync point only defers the unlock of the output surface.
func (s *Session) submit(ctx context.Context, complete func(ctx context.Context)) hw.SyncPoint {
	return xsync.DoR1(ctx, &s.locker, func() hw.SyncPoint {
		s.nextSyncPoint++
		s.completions[s.nextSyncPoint] = complete
		return s.nextSyncPoint
	})
}

func (s *Session) SyncOperation(
	ctx context.Context,
	syncPoint hw.SyncPoint,
	timeout time.Duration,
) hw.Status {
	complete, ok := xsync.DoR2(ctx, &s.locker, func() (func(ctx context.Context), bool) {
		complete, ok := s.completions[syncPoint]
		delete(s.completions, syncPoint)
		return complete, ok
	})
	if !ok {
		return hw.StatusErrNullPtr
	}
	if complete != nil {
		complete(ctx)
	}
	return hw.StatusOK
}

func (s *Session) Decode() hw.DecodeComponent {
	return s.decode
}

func (s *Session) Encode() hw.EncodeComponent {
	return hw.UnsupportedEncode{}
}

func (s *Session) VPP() hw.VPPComponent {
	return hw.UnsupportedVPP{}
}
