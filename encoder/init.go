package encoder

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/task"
	"github.com/xaionaro-go/msdk/vpp"
)

// shareableTask returns the Task the encoder may share its session and
// buffers with: the last registered Task, if it provides the Surfaces of in
// in the same format and memory.
func (e *Encoder) shareableTask(ctx context.Context, in *surface.Surface) *task.Task {
	last := e.aggregator.GetLastTask(ctx)
	if last == nil {
		return nil
	}
	provider, ok := in.Provider().(*task.Task)
	if !ok || provider != last {
		return nil
	}
	if last.FrameInfo().FourCC != in.Info().FourCC {
		return nil
	}
	if !last.IsVideoMemory() {
		return nil
	}
	return last
}

// initLocked binds the encoder to the format of the first picture.
func (e *Encoder) initLocked(ctx context.Context, in *surface.Surface) (_err error) {
	logger.Debugf(ctx, "initLocked")
	defer func() { logger.Debugf(ctx, "/initLocked: %v", _err) }()

	inInfo := in.Info()
	if peer := e.shareableTask(ctx, in); peer != nil {
		t, err := task.NewWithSession(ctx, e.aggregator, peer.Session(), task.TypeEncoder)
		if err != nil {
			return fmt.Errorf("unable to create a task: %w", err)
		}
		if err := t.AdoptResponse(ctx, peer); err != nil {
			_ = t.Close(ctx)
			return fmt.Errorf("unable to borrow the buffers of %s: %w", peer, err)
		}
		peer.AddType(task.TypeEncoder)
		logger.Debugf(ctx, "sharing the session of %s", peer)
		e.task = t
	} else {
		t, err := task.New(ctx, e.aggregator, task.TypeEncoder)
		if err != nil {
			return fmt.Errorf("unable to create a task: %w", err)
		}
		e.task = t
	}

	if err := e.setupLocked(ctx, in, inInfo); err != nil {
		e.closeTaskLocked(ctx)
		return err
	}
	e.inInfo = inInfo
	e.initialized = true
	return nil
}

func (e *Encoder) ioPattern(in *surface.Surface) hw.IOPattern {
	if e.task.IsBorrower() && in.Residency() == surface.ResidencyDevice {
		return hw.IOPatternInVideoMemory
	}
	// everything else reaches the session mapped
	return hw.IOPatternInSystemMemory
}

func (e *Encoder) setupLocked(ctx context.Context, in *surface.Surface, inInfo hw.FrameInfo) error {
	t := e.task
	par := e.params.videoParam(e.ioPattern(in), inInfo)

	supported := &hw.VideoParam{}
	var st hw.Status
	e.aggregator.Do(ctx, t, func() {
		st = t.Session().Encode().Query(ctx, par, supported)
	})
	switch {
	case st == hw.StatusWarnIncompatibleVideoParam && supported.FrameInfo.FourCC != inInfo.FourCC:
		if t.IsBorrower() {
			return fmt.Errorf("the shared session cannot encode %s", inInfo.FourCC)
		}
		logger.Debugf(ctx, "converting %s to %s", inInfo.FourCC, supported.FrameInfo.FourCC)
		converter, err := vpp.New(ctx, e.aggregator, vpp.Params{
			Output: vpp.OutputInfo{
				FourCC:    supported.FrameInfo.FourCC,
				FrameRate: e.params.FrameRate,
			},
			AsyncDepth:  e.params.AsyncDepth,
			SyncTimeout: e.params.SyncTimeout,
			SyncRetries: e.params.SyncRetries,
			BusyRetries: e.params.BusyRetries,
		})
		if err != nil {
			return fmt.Errorf("unable to create the converter: %w", err)
		}
		e.converter = converter
		par.FrameInfo = convertedInfo(inInfo, supported.FrameInfo.FourCC)
		par.IOPattern = hw.IOPatternInSystemMemory
	case st.IsError():
		return fmt.Errorf("the encoding is not supported: %w", st)
	case st.IsWarning():
		logger.Warnf(ctx, "the parameters were adjusted: %v", st)
	}

	var req hw.FrameAllocRequest
	e.aggregator.Do(ctx, t, func() {
		req, st = t.Session().Encode().QueryIOSurf(ctx, par)
	})
	if st.IsError() {
		return fmt.Errorf("unable to query the surface requirements: %w", st)
	}
	logger.Debugf(ctx, "surface requirements: %s", req)
	if !t.IsBorrower() {
		t.SetRequest(ctx, req)
	}
	t.SetVideoParam(ctx, par)

	e.aggregator.Do(ctx, t, func() {
		st = t.Session().Encode().Init(ctx, par)
	})
	if st.IsError() {
		return fmt.Errorf("unable to initialize the encode component: %w", st)
	}

	effective := &hw.VideoParam{}
	e.aggregator.Do(ctx, t, func() {
		st = t.Session().Encode().GetVideoParam(ctx, effective)
	})
	if st.IsError() {
		return fmt.Errorf("unable to get the effective parameters: %w", st)
	}
	logger.Tracef(ctx, "effective parameters: %s", spew.Sdump(effective))
	t.SetVideoParam(ctx, effective)
	return nil
}

// convertedInfo is the format the converter produces for in.
func convertedInfo(in hw.FrameInfo, fourCC hw.FourCC) hw.FrameInfo {
	out := in
	out.FourCC = fourCC
	out.Width = hw.Align16(in.CropW)
	out.Height = hw.Align16(in.CropH)
	out.CropX, out.CropY = 0, 0
	return out
}
