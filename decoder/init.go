package decoder

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/surfacepool"
	"github.com/xaionaro-go/msdk/task"
)

func (d *Decoder) ioPattern() hw.IOPattern {
	switch d.params.Memory {
	case MemoryTypeSystem:
		return hw.IOPatternOutSystemMemory
	case MemoryTypeVideo:
		return hw.IOPatternOutVideoMemory
	}
	if d.aggregator.Display() != nil {
		return hw.IOPatternOutVideoMemory
	}
	return hw.IOPatternOutSystemMemory
}

// decodeHeaderLocked parses the stream headers at the front of the
// accumulator; ok is false if they are not there yet.
func (d *Decoder) decodeHeaderLocked(ctx context.Context, t *task.Task) (_ *hw.VideoParam, ok bool, _err error) {
	par := d.params.baseVideoParam(d.ioPattern())
	var st hw.Status
	d.aggregator.Do(ctx, t, func() {
		st = t.Session().Decode().DecodeHeader(ctx, d.accumulator.Bitstream(), par)
	})
	switch {
	case st == hw.StatusErrMoreData:
		return nil, false, nil
	case st.IsError():
		return nil, false, fmt.Errorf("unable to parse the stream headers: %w", st)
	}
	return par, true, nil
}

// initLocked initializes the hardware once the stream headers arrived.
func (d *Decoder) initLocked(ctx context.Context) (_ bool, _err error) {
	logger.Debugf(ctx, "initLocked")
	defer func() { logger.Debugf(ctx, "/initLocked: %v", _err) }()

	if d.task == nil {
		t, err := task.New(ctx, d.aggregator, task.TypeDecoder)
		if err != nil {
			return false, fmt.Errorf("unable to create a task: %w", err)
		}
		d.task = t
	}

	par, ok, err := d.decodeHeaderLocked(ctx, d.task)
	if err != nil || !ok {
		if d.accumulator.Len() > 0 {
			logger.Debugf(ctx, "no stream headers within %s", humanize.Bytes(uint64(d.accumulator.Len())))
		}
		return false, err
	}
	if err := d.setupLocked(ctx, par); err != nil {
		return false, err
	}
	d.state = StateRunning
	return true, nil
}

// setupLocked binds the Task to the geometry of par: allocation request,
// Surface pool and the decode component initialization.
func (d *Decoder) setupLocked(ctx context.Context, par *hw.VideoParam) error {
	t := d.task
	if par.IOPattern.OutVideoMemory() && !t.IsVideoMemory() {
		if err := t.UseVideoMemory(ctx); err != nil {
			return err
		}
	}

	var (
		req hw.FrameAllocRequest
		st  hw.Status
	)
	d.aggregator.Do(ctx, t, func() {
		req, st = t.Session().Decode().QueryIOSurf(ctx, par)
	})
	if st.IsError() {
		return fmt.Errorf("unable to query the surface requirements: %w", st)
	}
	logger.Debugf(ctx, "surface requirements: %s", req)
	if oldReq, ok := t.GetRequest(ctx); !ok || !oldReq.Info.Fits(req.Info) {
		t.SetRequest(ctx, req)
	}
	t.SetVideoParam(ctx, par)

	if d.pool == nil {
		pool, err := surfacepool.New(ctx, surfacepool.Config{
			Provider:  t,
			Display:   d.aggregator.Display(),
			Info:      req.Info,
			Residency: surface.ResidencySystem,
		})
		if err != nil {
			return fmt.Errorf("unable to create a surface pool: %w", err)
		}
		d.pool = pool
	}

	d.aggregator.Do(ctx, t, func() {
		st = t.Session().Decode().Init(ctx, par)
	})
	if st.IsError() {
		return fmt.Errorf("unable to initialize the decode component: %w", st)
	}
	if st.IsWarning() {
		logger.Warnf(ctx, "the decode component initialized with a warning: %v", st)
	}

	effective := &hw.VideoParam{}
	d.aggregator.Do(ctx, t, func() {
		st = t.Session().Decode().GetVideoParam(ctx, effective)
	})
	if st.IsError() {
		return fmt.Errorf("unable to get the effective parameters: %w", st)
	}
	logger.Tracef(ctx, "effective parameters: %s", spew.Sdump(effective))
	t.SetVideoParam(ctx, effective)
	return nil
}

// reinitLocked handles a geometry change within the stream. The bytes
// the hardware rejected stay in the accumulator and are decoded after the
// reinitialization, so nothing is submitted twice.
func (d *Decoder) reinitLocked(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "reinitLocked")
	defer func() { logger.Debugf(ctx, "/reinitLocked: %v", _err) }()

	d.state = StateReinitializing
	d.reinits.Inc()

	// the pictures of the old geometry still within the hardware
	if _, err := d.drainLocked(ctx, false); err != nil {
		return fmt.Errorf("unable to drain the decoder: %w", err)
	}

	d.aggregator.Do(ctx, d.task, func() {
		if st := d.task.Session().Decode().Close(ctx); st.IsError() {
			logger.Warnf(ctx, "unable to close the decode component: %v", st)
		}
	})

	par, ok, err := d.decodeHeaderLocked(ctx, d.task)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("the stream changed its parameters, but there are no new headers")
	}
	if paramSets := bitstream.ParameterSets(d.params.CodecID, d.accumulator.Bytes()); len(paramSets) > 0 {
		d.reframer.SetParameterSets(paramSets)
	}

	var (
		req hw.FrameAllocRequest
		st  hw.Status
	)
	d.aggregator.Do(ctx, d.task, func() {
		req, st = d.task.Session().Decode().QueryIOSurf(ctx, par)
	})
	if st.IsError() {
		return fmt.Errorf("unable to query the surface requirements: %w", st)
	}
	oldReq, _ := d.task.GetRequest(ctx)
	if !oldReq.Info.Fits(req.Info) || oldReq.NumFrameSuggested < req.NumFrameSuggested {
		logger.Debugf(ctx, "the buffers of %s are too small for %s, recreating the task", d.task, req)
		d.closeTaskLocked(ctx)
		t, err := task.New(ctx, d.aggregator, task.TypeDecoder)
		if err != nil {
			return fmt.Errorf("unable to create a task: %w", err)
		}
		d.task = t
	}
	if err := d.setupLocked(ctx, par); err != nil {
		return err
	}
	d.state = StateRunning
	return nil
}
