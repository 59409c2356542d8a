package vpl

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

// MinVersion is the API version requested from the dispatcher.
var MinVersion = hw.Version{Major: 1, Minor: 35}

type Engine struct {
	lib *library

	OpenCount  atomic.Uint64
	CloseCount atomic.Uint64
}

var _ hw.Engine = (*Engine)(nil)

// New loads the library and returns an engine on top of it.
func New() (*Engine, error) {
	if err := Load(); err != nil {
		return nil, err
	}
	return &Engine{lib: loaded}, nil
}

func (e *Engine) String() string {
	if e.lib == nil {
		return "vpl(<not loaded>)"
	}
	return fmt.Sprintf("vpl(%s)", e.lib.path)
}

func (e *Engine) Open(ctx context.Context, impl hw.Implementation) (hw.Session, error) {
	if e.lib == nil {
		return nil, ErrNotLoaded
	}
	version := packVersion(MinVersion)
	var native uintptr
	if st := hw.Status(e.lib.init(uint32(impl), &version, &native)); st.IsError() {
		return nil, fmt.Errorf("unable to initialize a %s session: %w", impl, st)
	}
	logger.Debugf(ctx, "vpl: opened session %X (%s)", native, impl)
	e.OpenCount.Inc()
	return &Session{engine: e, native: native}, nil
}

type Session struct {
	engine *Engine
	native uintptr

	locker xsync.Mutex
	closed bool
}

var _ hw.Session = (*Session)(nil)

func (s *Session) String() string {
	return fmt.Sprintf("vpl.Session(%X)", s.native)
}

func (s *Session) lib() *library {
	return s.engine.lib
}

func (s *Session) Close(ctx context.Context) hw.Status {
	return xsync.DoR1(ctx, &s.locker, func() hw.Status {
		if s.closed {
			return hw.StatusErrNotInitialized
		}
		s.closed = true
		s.engine.CloseCount.Inc()
		return hw.Status(s.lib().close(s.native))
	})
}

func (s *Session) QueryVersion(ctx context.Context) (hw.Version, hw.Status) {
	var version uint32
	st := hw.Status(s.lib().queryVersion(s.native, &version))
	return unpackVersion(version), st
}

func (s *Session) QueryImplementation(ctx context.Context) (hw.Implementation, hw.Status) {
	var impl uint32
	st := hw.Status(s.lib().queryIMPL(s.native, &impl))
	return hw.Implementation(impl), st
}

func (s *Session) Join(ctx context.Context, child hw.Session) hw.Status {
	c, ok := child.(*Session)
	if !ok {
		return hw.StatusErrUnsupported
	}
	return hw.Status(s.lib().joinSession(s.native, c.native))
}

func (s *Session) Disjoin(ctx context.Context) hw.Status {
	return hw.Status(s.lib().disjoinSession(s.native))
}

func (s *Session) SetHandle(ctx context.Context, handleType hw.HandleType, handle hw.Handle) hw.Status {
	return hw.Status(s.lib().setHandle(s.native, uint32(handleType), uintptr(handle)))
}

// SetFrameAllocator is not supported: the components are not bound, so
// there is nothing to allocate video memory for.
func (s *Session) SetFrameAllocator(ctx context.Context, allocator hw.FrameAllocator) hw.Status {
	logger.Debugf(ctx, "vpl: the frame allocator is not supported")
	return hw.StatusErrUnsupported
}

func (s *Session) SyncOperation(ctx context.Context, syncPoint hw.SyncPoint, timeout time.Duration) hw.Status {
	return hw.Status(s.lib().syncOperation(s.native, uintptr(syncPoint), uint32(timeout.Milliseconds())))
}

func (s *Session) Decode() hw.DecodeComponent {
	return hw.UnsupportedDecode{}
}

func (s *Session) Encode() hw.EncodeComponent {
	return hw.UnsupportedEncode{}
}

func (s *Session) VPP() hw.VPPComponent {
	return hw.UnsupportedVPP{}
}
