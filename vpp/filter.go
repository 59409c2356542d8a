// Package vpp implements the video post-processing stage: scaling, color
// conversion and the optional operations (deinterlacing, denoising,
// detail enhancement, rotation, composition and frame rate conversion)
// run by the hardware in one pass per output Surface.
package vpp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/surfacepool"
	"github.com/xaionaro-go/msdk/task"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

var (
	ErrClosed = errors.New("the filter is closed")
	ErrBusy   = errors.New("the device stays busy")
	ErrSync   = errors.New("the processed frame is not ready in time")
)

type Filter struct {
	aggregator *task.Aggregator
	params     Params
	closer     *astikit.Closer

	locker      xsync.Mutex
	closed      bool
	task        *task.Task
	pool        *surfacepool.Pool
	operations  []hw.ExtBuffer
	inInfo      hw.FrameInfo
	outInfo     hw.FrameInfo
	initialized bool
	nextPTS     typing.Optional[time.Duration]

	FramesIn  atomic.Uint64
	FramesOut atomic.Uint64
	Resets    atomic.Uint64
}

// New creates a filter; the hardware is initialized on the first Process,
// once the input format is known.
func New(
	ctx context.Context,
	agg *task.Aggregator,
	params Params,
) (_ret *Filter, _err error) {
	logger.Debugf(ctx, "New")
	defer func() { logger.Debugf(ctx, "/New: %v %v", _ret, _err) }()

	if agg == nil {
		return nil, fmt.Errorf("the task aggregator is not set")
	}
	var ops []hw.ExtBuffer
	for _, op := range params.Operations {
		if op == nil {
			return nil, fmt.Errorf("a nil operation")
		}
		ops = setOperation(ops, op)
	}
	f := &Filter{
		aggregator: agg,
		params:     params.withDefaults(),
		closer:     astikit.NewCloser(),
		operations: ops,
	}
	internal.SetFinalizerClose(ctx, f)
	return f, nil
}

func (f *Filter) String() string {
	return fmt.Sprintf("Filter(%X)", types.GetObjectID(f))
}

// Task returns the Task of the output Surfaces, nil before the first Process.
func (f *Filter) Task(ctx context.Context) *task.Task {
	return xsync.DoR1(ctx, &f.locker, func() *task.Task {
		return f.task
	})
}

func (f *Filter) Pool(ctx context.Context) *surfacepool.Pool {
	return xsync.DoR1(ctx, &f.locker, func() *surfacepool.Pool {
		return f.pool
	})
}

// OutputInfo returns the format of the output Surfaces, zero before the
// first Process.
func (f *Filter) OutputInfo(ctx context.Context) hw.FrameInfo {
	return xsync.DoR1(ctx, &f.locker, func() hw.FrameInfo {
		return f.outInfo
	})
}

// Operations returns the current set of processing blocks.
func (f *Filter) Operations(ctx context.Context) []hw.ExtBuffer {
	return xsync.DoR1(ctx, &f.locker, func() []hw.ExtBuffer {
		return append([]hw.ExtBuffer(nil), f.operations...)
	})
}

// SetOperation adds the processing block op, or replaces the block of the
// same kind. A running filter is reset to apply it.
func (f *Filter) SetOperation(ctx context.Context, op hw.ExtBuffer) (_err error) {
	logger.Debugf(ctx, "SetOperation(ctx, %s)", op.ExtBufferID())
	defer func() { logger.Debugf(ctx, "/SetOperation(ctx, %s): %v", op.ExtBufferID(), _err) }()
	return xsync.DoR1(ctx, &f.locker, func() error {
		if f.closed {
			return ErrClosed
		}
		f.operations = setOperation(f.operations, op)
		return f.applyOperationsLocked(ctx)
	})
}

// RemoveOperation drops the processing block of the given kind; it is a
// no-op if there is none.
func (f *Filter) RemoveOperation(ctx context.Context, id hw.ExtBufferID) (_err error) {
	logger.Debugf(ctx, "RemoveOperation(ctx, %s)", id)
	defer func() { logger.Debugf(ctx, "/RemoveOperation(ctx, %s): %v", id, _err) }()
	return xsync.DoR1(ctx, &f.locker, func() error {
		if f.closed {
			return ErrClosed
		}
		ops, removed := removeOperation(f.operations, id)
		if !removed {
			return nil
		}
		f.operations = ops
		return f.applyOperationsLocked(ctx)
	})
}

func (f *Filter) applyOperationsLocked(ctx context.Context) error {
	if !f.initialized {
		return nil
	}
	return f.resetLocked(ctx, f.inInfo)
}

func (f *Filter) ioPattern(in *surface.Surface) hw.IOPattern {
	var p hw.IOPattern
	if in.Residency() == surface.ResidencySystem {
		p |= hw.IOPatternInSystemMemory
	} else {
		p |= hw.IOPatternInVideoMemory
	}
	if f.params.SystemMemory || f.aggregator.Display() == nil {
		p |= hw.IOPatternOutSystemMemory
	} else {
		p |= hw.IOPatternOutVideoMemory
	}
	return p
}

func (f *Filter) videoParamLocked(ioPattern hw.IOPattern, inInfo hw.FrameInfo) *hw.VideoParam {
	return &hw.VideoParam{
		AsyncDepth: f.params.AsyncDepth,
		IOPattern:  ioPattern,
		VPPIn:      inInfo,
		VPPOut:     outputInfo(f.params.Output, inInfo, f.operations),
		ExtParams:  append([]hw.ExtBuffer(nil), f.operations...),
	}
}

// initLocked creates the Task, the output pool and initializes the
// component for the format of in.
func (f *Filter) initLocked(ctx context.Context, in *surface.Surface) (_err error) {
	logger.Debugf(ctx, "initLocked")
	defer func() { logger.Debugf(ctx, "/initLocked: %v", _err) }()

	inInfo := in.Info()
	par := f.videoParamLocked(f.ioPattern(in), inInfo)

	t, err := task.New(ctx, f.aggregator, task.TypeVPPOut)
	if err != nil {
		return fmt.Errorf("unable to create a task: %w", err)
	}
	if peer, ok := in.Provider().(*task.Task); ok {
		// the Surfaces of the peer are our input
		peer.AddType(task.TypeVPPIn)
	}
	if err := f.setupLocked(ctx, t, par); err != nil {
		f.closeTaskLocked(ctx, t, f.pool)
		f.pool = nil
		return err
	}
	f.task = t
	f.inInfo = inInfo
	f.initialized = true
	return nil
}

func (f *Filter) setupLocked(ctx context.Context, t *task.Task, par *hw.VideoParam) error {
	if par.IOPattern.OutVideoMemory() {
		if err := t.UseVideoMemory(ctx); err != nil {
			return err
		}
	}

	var (
		reqs [2]hw.FrameAllocRequest
		st   hw.Status
	)
	f.aggregator.Do(ctx, t, func() {
		st = t.Session().VPP().Query(ctx, par, &hw.VideoParam{})
	})
	if st.IsError() {
		return fmt.Errorf("the processing is not supported: %w", st)
	}
	f.aggregator.Do(ctx, t, func() {
		reqs, st = t.Session().VPP().QueryIOSurf(ctx, par)
	})
	if st.IsError() {
		return fmt.Errorf("unable to query the surface requirements: %w", st)
	}
	logger.Debugf(ctx, "surface requirements: in %s, out %s", reqs[0], reqs[1])
	t.SetRequest(ctx, reqs[1])
	t.SetVideoParam(ctx, par)

	pool, err := surfacepool.New(ctx, surfacepool.Config{
		Provider:  t,
		Display:   f.aggregator.Display(),
		Info:      reqs[1].Info,
		Residency: surface.ResidencySystem,
	})
	if err != nil {
		return fmt.Errorf("unable to create a surface pool: %w", err)
	}
	f.pool = pool

	f.aggregator.Do(ctx, t, func() {
		st = t.Session().VPP().Init(ctx, par)
	})
	if st.IsError() {
		return fmt.Errorf("unable to initialize the processing component: %w", st)
	}

	effective := &hw.VideoParam{}
	f.aggregator.Do(ctx, t, func() {
		st = t.Session().VPP().GetVideoParam(ctx, effective)
	})
	if st.IsError() {
		return fmt.Errorf("unable to get the effective parameters: %w", st)
	}
	logger.Tracef(ctx, "effective parameters: %s", spew.Sdump(effective))
	t.SetVideoParam(ctx, effective)
	f.outInfo = effective.VPPOut
	return nil
}

// resetLocked applies the current operations and input format to the
// running component. If the output Surfaces cannot hold the new output
// the Task is recreated.
func (f *Filter) resetLocked(ctx context.Context, inInfo hw.FrameInfo) (_err error) {
	logger.Debugf(ctx, "resetLocked")
	defer func() { logger.Debugf(ctx, "/resetLocked: %v", _err) }()

	f.Resets.Inc()
	cur := f.task.GetVideoParam(ctx)
	par := f.videoParamLocked(cur.IOPattern, inInfo)

	var st hw.Status
	f.aggregator.Do(ctx, f.task, func() {
		st = f.task.Session().VPP().Reset(ctx, par)
	})
	switch {
	case st == hw.StatusErrIncompatibleVideoParam:
		logger.Debugf(ctx, "the output %s does not fit %s, recreating the task", par.VPPOut, f.outInfo)
		t := f.task
		f.closeTaskLocked(ctx, t, f.pool)
		f.task, f.pool = nil, nil
		t, err := task.New(ctx, f.aggregator, task.TypeVPPOut)
		if err != nil {
			f.initialized = false
			return fmt.Errorf("unable to create a task: %w", err)
		}
		if err := f.setupLocked(ctx, t, par); err != nil {
			f.closeTaskLocked(ctx, t, f.pool)
			f.pool = nil
			f.initialized = false
			return err
		}
		f.task = t
	case st.IsError():
		return fmt.Errorf("unable to reset the processing component: %w", st)
	default:
		f.task.SetVideoParam(ctx, par)
		f.outInfo = par.VPPOut
	}
	f.inInfo = inInfo
	f.nextPTS = typing.Optional[time.Duration]{}
	return nil
}

func (f *Filter) closeTaskLocked(ctx context.Context, t *task.Task, pool *surfacepool.Pool) {
	if t == nil {
		return
	}
	f.aggregator.Do(ctx, t, func() {
		if st := t.Session().VPP().Close(ctx); st.IsError() && st != hw.StatusErrNotInitialized {
			logger.Warnf(ctx, "unable to close the processing component: %v", st)
		}
	})
	if pool != nil {
		if err := pool.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close %s: %v", pool, err)
		}
	}
	if err := t.Close(ctx); err != nil {
		logger.Errorf(ctx, "unable to close %s: %v", t, err)
	}
}

// Close releases the Task and the idle output Surfaces; Surfaces handed
// out keep their buffers until released.
func (f *Filter) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", f)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", f, _err) }()
	return xsync.DoR1(ctx, &f.locker, func() error {
		if f.closed {
			return nil
		}
		f.closed = true
		f.closeTaskLocked(ctx, f.task, f.pool)
		f.task, f.pool = nil, nil
		f.initialized = false
		return f.closer.Close()
	})
}

// OnClose registers a callback invoked when the filter is closed.
func (f *Filter) OnClose(fn func()) {
	f.closer.Add(fn)
}
