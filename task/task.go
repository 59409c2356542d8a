// task.go implements Task: the owner of one hardware session bound to pipeline stages.

// Package task implements Task and Aggregator: the owners of hardware
// sessions and of the device buffers the sessions allocate through the
// allocator callbacks.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/msdk/display"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

var (
	ErrClosed        = errors.New("task is closed")
	ErrNoRequest     = errors.New("no allocation request is set")
	ErrNoFreeBuffers = errors.New("all buffers of the task are in use")
)

type Task struct {
	aggregator *Aggregator
	sessionRef SessionRef
	taskType   atomic.Uint32
	closeOnce  sync.Once

	locker      xsync.Mutex
	closer      *astikit.Closer
	request     *hw.FrameAllocRequest
	videoParam  *hw.VideoParam
	videoMemory bool
	closed      bool

	// buffer bookkeeping, used only if owner is nil
	owner    *Task
	response *hw.FrameAllocResponse
	buffers  map[hw.MemID]display.Buffer
	freeIDs  []hw.MemID
	acquired map[hw.MemID]struct{}
	images   map[hw.MemID]display.Image
}

var _ surface.BufferProvider = (*Task)(nil)

// New opens a private session (the Task owns it) and registers the Task
// within the aggregator.
func New(
	ctx context.Context,
	agg *Aggregator,
	taskType Type,
) (_ret *Task, _err error) {
	logger.Debugf(ctx, "New(ctx, %s)", taskType)
	defer func() { logger.Debugf(ctx, "/New(ctx, %s): %v %v", taskType, _ret, _err) }()

	ref, err := agg.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to create a session: %w", err)
	}
	t := newTask(agg, ref, taskType)
	agg.AddTask(ctx, t)
	return t, nil
}

// NewWithSession makes a Task on top of a session of another Task. The
// session stays open while the new Task is alive, even if its owner is
// closed first; it is closed by whichever of them is closed last.
func NewWithSession(
	ctx context.Context,
	agg *Aggregator,
	session hw.Session,
	taskType Type,
) (_ret *Task, _err error) {
	logger.Debugf(ctx, "NewWithSession(ctx, %p, %s)", session, taskType)
	defer func() { logger.Debugf(ctx, "/NewWithSession(ctx, %p, %s): %v %v", session, taskType, _ret, _err) }()

	if session == nil {
		return nil, fmt.Errorf("session is nil")
	}
	t := newTask(agg, BorrowedSession{HW: session}, taskType)
	agg.AddTask(ctx, t)
	return t, nil
}

func newTask(
	agg *Aggregator,
	ref SessionRef,
	taskType Type,
) *Task {
	t := &Task{
		aggregator: agg,
		sessionRef: ref,
		closer:     astikit.NewCloser(),
		buffers:    map[hw.MemID]display.Buffer{},
		acquired:   map[hw.MemID]struct{}{},
		images:     map[hw.MemID]display.Image{},
	}
	t.taskType.Store(uint32(taskType))
	return t
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%X, %s, %s)", types.GetObjectID(t), t.Type(), t.sessionRef)
}

func (t *Task) Aggregator() *Aggregator {
	return t.aggregator
}

func (t *Task) Session() hw.Session {
	return t.sessionRef.Session()
}

func (t *Task) SessionRef() SessionRef {
	return t.sessionRef
}

// IsSessionOwner reports whether the Task has opened its session. The
// session is closed when the last Task using it is closed.
func (t *Task) IsSessionOwner() bool {
	_, ok := t.sessionRef.(OwnedSession)
	return ok
}

func (t *Task) Type() Type {
	return Type(t.taskType.Load())
}

// AddType marks the Task as also serving the given stages. Flags are only
// ever added.
func (t *Task) AddType(flags Type) {
	for {
		old := t.taskType.Load()
		if t.taskType.CompareAndSwap(old, old|uint32(flags)) {
			return
		}
	}
}

func (t *Task) HasType(flags Type) bool {
	return t.Type().Has(flags)
}

func (t *Task) Display() display.Display {
	return t.aggregator.Display()
}

// SetRequest stores the negotiated allocation request; later stages read
// and extend it through GetRequest.
func (t *Task) SetRequest(ctx context.Context, req hw.FrameAllocRequest) {
	logger.Tracef(ctx, "SetRequest(ctx, %s)", req)
	t.locker.Do(ctx, func() {
		t.request = &req
	})
}

func (t *Task) GetRequest(ctx context.Context) (hw.FrameAllocRequest, bool) {
	return xsync.DoR2(ctx, &t.locker, func() (hw.FrameAllocRequest, bool) {
		if t.request == nil {
			return hw.FrameAllocRequest{}, false
		}
		return *t.request, true
	})
}

func (t *Task) SetVideoParam(ctx context.Context, par *hw.VideoParam) {
	logger.Tracef(ctx, "SetVideoParam(ctx, %s)", spew.Sdump(par))
	t.locker.Do(ctx, func() {
		t.videoParam = par.Clone()
	})
}

func (t *Task) GetVideoParam(ctx context.Context) *hw.VideoParam {
	return xsync.DoR1(ctx, &t.locker, func() *hw.VideoParam {
		if t.videoParam == nil {
			return nil
		}
		return t.videoParam.Clone()
	})
}

// FrameInfo returns the geometry of the buffers the Task allocates.
func (t *Task) FrameInfo() hw.FrameInfo {
	return xsync.DoR1(context.TODO(), &t.locker, func() hw.FrameInfo {
		switch {
		case t.owner != nil:
			return t.owner.FrameInfo()
		case t.request != nil:
			return t.request.Info
		case t.videoParam != nil:
			return t.videoParam.FrameInfo
		}
		return hw.FrameInfo{}
	})
}

// UseVideoMemory installs the allocator callbacks on the session, so the
// session requests device buffers through this Task.
func (t *Task) UseVideoMemory(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "UseVideoMemory")
	defer func() { logger.Debugf(ctx, "/UseVideoMemory: %v", _err) }()

	if err := t.Session().SetFrameAllocator(ctx, t.aggregator.allocator()).Err(); err != nil {
		return fmt.Errorf("unable to set the frame allocator: %w", err)
	}
	t.locker.Do(ctx, func() {
		t.videoMemory = true
	})
	return nil
}

func (t *Task) IsVideoMemory() bool {
	return xsync.DoR1(context.TODO(), &t.locker, func() bool {
		return t.videoMemory
	})
}

// AdoptResponse makes the Task use the buffers of peer instead of its own;
// the Task becomes a borrower and never frees them.
func (t *Task) AdoptResponse(ctx context.Context, peer *Task) error {
	logger.Debugf(ctx, "AdoptResponse(ctx, %s)", peer)
	if peer == t {
		return fmt.Errorf("a task cannot borrow from itself")
	}
	for p := peer; p != nil; p = p.owner {
		if p == t {
			return fmt.Errorf("borrowing from %s would make a cycle", peer)
		}
	}
	return xsync.DoR1(ctx, &t.locker, func() error {
		if t.response != nil {
			return fmt.Errorf("the task has already allocated its own buffers")
		}
		t.owner = peer
		return nil
	})
}

// IsBorrower reports whether the Task uses the buffers of a peer.
func (t *Task) IsBorrower() bool {
	return xsync.DoR1(context.TODO(), &t.locker, func() bool {
		return t.owner != nil
	})
}

// Close unregisters the Task and releases what it owns: the idle buffers
// (buffers still referenced by surfaces are destroyed on their release)
// and its use of the session, which is closed if no other Task uses it.
func (t *Task) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", t)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", t, _err) }()

	var errs []error
	t.closeOnce.Do(func() {
		t.aggregator.RemoveTask(ctx, t)

		t.aggregator.Do(ctx, t, func() {
			if err := t.aggregator.releaseSession(ctx, t); err != nil {
				errs = append(errs, err)
			}
		})

		t.locker.Do(ctx, func() {
			t.closed = true
			t.destroyIdleBuffersLocked(ctx)
			if err := t.closer.Close(); err != nil {
				errs = append(errs, err)
			}
		})
	})
	return errors.Join(errs...)
}

func (t *Task) IsClosed() bool {
	return xsync.DoR1(context.TODO(), &t.locker, func() bool {
		return t.closed
	})
}

// OnClose registers a callback invoked when the Task is closed.
func (t *Task) OnClose(fn func()) {
	t.closer.Add(fn)
}

// Reaches reports whether the session of the Task accesses the pixels of
// s on its own: system memory Surfaces, or buffers allocated by the Task
// (or the Task it borrows from). Other Surfaces have to be mapped by the
// caller before they are submitted.
func (t *Task) Reaches(ctx context.Context, s *surface.Surface) bool {
	if s.Residency() == surface.ResidencySystem {
		return true
	}
	provider, ok := s.Provider().(*Task)
	if !ok {
		return false
	}
	if provider == t {
		return true
	}
	owner := t.getOwner(ctx)
	return owner != nil && owner == provider
}
