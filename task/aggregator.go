// aggregator.go implements Aggregator: the registry of the Tasks of one pipeline.

package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/msdk/display"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/xsync"
)

type AggregatorOptions struct {
	Implementation hw.Implementation `yaml:"implementation"`

	// JoinSessions makes every new session join the first session of the
	// aggregator, so they share one scheduler.
	JoinSessions bool `yaml:"join_sessions"`
}

// Aggregator keeps the live Tasks of one pipeline and the Task the next
// allocator callback belongs to.
//
// The hardware calls the allocator callbacks without telling which Task
// they are for, so each call that may trigger them must go through Do,
// which makes that Task current for the duration of the call.
type Aggregator struct {
	engine  hw.Engine
	display display.Display
	options AggregatorOptions

	locker   xsync.Mutex
	tasks    []*Task
	sessions map[hw.Session]*sessionUsers

	callLocker  xsync.Mutex
	currentTask *Task
}

func NewAggregator(
	ctx context.Context,
	engine hw.Engine,
	disp display.Display,
	opts AggregatorOptions,
) *Aggregator {
	logger.Debugf(ctx, "NewAggregator(ctx, %s, %v, %#+v)", engine, disp, opts)
	return &Aggregator{
		engine:   engine,
		display:  disp,
		options:  opts,
		sessions: map[hw.Session]*sessionUsers{},
	}
}

func (a *Aggregator) String() string {
	return fmt.Sprintf("Aggregator(%X)", types.GetObjectID(a))
}

func (a *Aggregator) Engine() hw.Engine {
	return a.engine
}

func (a *Aggregator) Display() display.Display {
	return a.display
}

// CreateSession opens a new session and binds the display to it.
func (a *Aggregator) CreateSession(ctx context.Context) (_ret OwnedSession, _err error) {
	logger.Debugf(ctx, "CreateSession")
	defer func() { logger.Debugf(ctx, "/CreateSession: %v", _err) }()

	session, err := a.engine.Open(ctx, a.options.Implementation)
	if err != nil {
		return OwnedSession{}, fmt.Errorf("unable to open a session on %s: %w", a.engine, err)
	}
	if version, st := session.QueryVersion(ctx); !st.IsError() {
		logger.Debugf(ctx, "session API version: %s", version)
	}

	if a.display != nil {
		if err := session.SetHandle(ctx, a.display.HandleType(), a.display.Handle()).Err(); err != nil {
			_ = session.Close(ctx)
			return OwnedSession{}, fmt.Errorf("unable to set the display handle: %w", err)
		}
	}

	ref := OwnedSession{HW: session}
	if !a.options.JoinSessions {
		return ref, nil
	}
	parent := a.firstOwnedSession(ctx)
	if parent == nil {
		return ref, nil
	}
	if err := parent.Join(ctx, session).Err(); err != nil {
		logger.Warnf(ctx, "unable to join the new session to the parent session: %v", err)
		return ref, nil
	}
	ref.Joined = true
	return ref, nil
}

func (a *Aggregator) firstOwnedSession(ctx context.Context) hw.Session {
	return xsync.DoR1(ctx, &a.locker, func() hw.Session {
		for _, t := range a.tasks {
			if ref, ok := t.sessionRef.(OwnedSession); ok && !ref.Joined {
				return ref.HW
			}
		}
		return nil
	})
}

// sessionUsers counts the Tasks using one session. The session is closed
// through owner when the count drops to zero, whichever Task is the last.
type sessionUsers struct {
	owner *OwnedSession
	count int
}

// AddTask registers t and counts it as a user of its session.
func (a *Aggregator) AddTask(ctx context.Context, t *Task) {
	logger.Debugf(ctx, "AddTask(ctx, %s)", t)
	a.locker.Do(ctx, func() {
		a.tasks = append(a.tasks, t)
		session := t.Session()
		users := a.sessions[session]
		if users == nil {
			users = &sessionUsers{}
			a.sessions[session] = users
		}
		if owned, ok := t.sessionRef.(OwnedSession); ok {
			users.owner = &owned
		}
		users.count++
	})
}

// releaseSession drops t from the users of its session and closes the
// session if t was the last user. A session nobody owns here (borrowed
// from outside the aggregator) is never closed.
func (a *Aggregator) releaseSession(ctx context.Context, t *Task) error {
	session := t.Session()
	owner, last := xsync.DoR2(ctx, &a.locker, func() (*OwnedSession, bool) {
		users := a.sessions[session]
		if users == nil {
			return nil, false
		}
		users.count--
		if users.count > 0 {
			return users.owner, false
		}
		delete(a.sessions, session)
		return users.owner, true
	})
	if !last {
		if t.IsSessionOwner() {
			logger.Debugf(ctx, "the session of %s is still used by other tasks, not closing it yet", t)
		}
		return nil
	}
	if owner == nil {
		return nil
	}
	return owner.release(ctx)
}

// SessionUsers returns the amount of live Tasks using session.
func (a *Aggregator) SessionUsers(ctx context.Context, session hw.Session) int {
	return xsync.DoR1(ctx, &a.locker, func() int {
		if users := a.sessions[session]; users != nil {
			return users.count
		}
		return 0
	})
}

func (a *Aggregator) RemoveTask(ctx context.Context, t *Task) {
	logger.Debugf(ctx, "RemoveTask(ctx, %s)", t)
	a.locker.Do(ctx, func() {
		for idx, candidate := range a.tasks {
			if candidate == t {
				a.tasks = append(a.tasks[:idx], a.tasks[idx+1:]...)
				return
			}
		}
	})
	if xatomic.LoadPointer(&a.currentTask) == t {
		xatomic.StorePointer(&a.currentTask, nil)
	}
}

func (a *Aggregator) Tasks(ctx context.Context) []*Task {
	return xsync.DoR1(ctx, &a.locker, func() []*Task {
		return append([]*Task(nil), a.tasks...)
	})
}

// GetLastTask returns the most recently added Task, so a new stage can
// find its upstream peer.
func (a *Aggregator) GetLastTask(ctx context.Context) *Task {
	return xsync.DoR1(ctx, &a.locker, func() *Task {
		if len(a.tasks) == 0 {
			return nil
		}
		return a.tasks[len(a.tasks)-1]
	})
}

func (a *Aggregator) SetCurrentTask(t *Task) {
	xatomic.StorePointer(&a.currentTask, t)
}

func (a *Aggregator) GetCurrentTask() *Task {
	return xatomic.LoadPointer(&a.currentTask)
}

// Do makes t current and calls fn. Calls are serialized per Aggregator.
// Do must not be called from within fn.
func (a *Aggregator) Do(
	ctx context.Context,
	t *Task,
	fn func(),
) {
	a.callLocker.Do(ctx, func() {
		prev := xatomic.SwapPointer(&a.currentTask, t)
		defer xatomic.StorePointer(&a.currentTask, prev)
		fn()
	})
}

func (a *Aggregator) mustCurrentTask(ctx context.Context) *Task {
	t := a.GetCurrentTask()
	internal.Assert(ctx, t != nil, "an allocator callback is called with no current task")
	return t
}

// Close closes all the Tasks still registered.
func (a *Aggregator) Close(ctx context.Context) error {
	logger.Debugf(ctx, "Close: %s", a)
	tasks := a.Tasks(ctx)
	var errs []error
	for idx := len(tasks) - 1; idx >= 0; idx-- {
		if err := tasks[idx].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unable to close %s: %w", tasks[idx], err))
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) allocator() hw.FrameAllocator {
	return allocatorTrampoline{aggregator: a}
}

// allocatorTrampoline forwards the allocator callbacks of a session to the
// current Task of the aggregator.
type allocatorTrampoline struct {
	aggregator *Aggregator
}

var _ hw.FrameAllocator = allocatorTrampoline{}

func (a allocatorTrampoline) Alloc(ctx context.Context, req *hw.FrameAllocRequest) (hw.FrameAllocResponse, hw.Status) {
	return a.aggregator.mustCurrentTask(ctx).Alloc(ctx, req)
}

func (a allocatorTrampoline) Lock(ctx context.Context, mid hw.MemID, data *hw.FrameData) hw.Status {
	return a.aggregator.mustCurrentTask(ctx).Lock(ctx, mid, data)
}

func (a allocatorTrampoline) Unlock(ctx context.Context, mid hw.MemID, data *hw.FrameData) hw.Status {
	return a.aggregator.mustCurrentTask(ctx).Unlock(ctx, mid, data)
}

func (a allocatorTrampoline) GetHandle(ctx context.Context, mid hw.MemID) (hw.Handle, hw.Status) {
	return a.aggregator.mustCurrentTask(ctx).GetHandle(ctx, mid)
}

func (a allocatorTrampoline) Free(ctx context.Context, resp *hw.FrameAllocResponse) hw.Status {
	return a.aggregator.mustCurrentTask(ctx).Free(ctx, resp)
}
