package vpp

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xsync"
)

// Process runs the operations on the picture of in and returns the
// output frames: none while a composition waits for its other inputs,
// several if the frame rate goes up. The caller owns the returned frames;
// in stays owned by the caller as well.
func (f *Filter) Process(
	ctx context.Context,
	in *frame.Frame,
) (_ret []*frame.Frame, _err error) {
	logger.Tracef(ctx, "Process(ctx, %s)", in)
	defer func() { logger.Tracef(ctx, "/Process(ctx, %s): %d %v", in, len(_ret), _err) }()
	return xsync.DoA2R2(ctx, &f.locker, f.processLocked, ctx, in)
}

func (f *Filter) processLocked(
	ctx context.Context,
	in *frame.Frame,
) ([]*frame.Frame, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if in == nil || in.Surface == nil {
		return nil, fmt.Errorf("the input frame has no surface")
	}
	f.FramesIn.Inc()
	s := in.Surface

	info := s.Info()
	switch {
	case !f.initialized:
		if err := f.initLocked(ctx, s); err != nil {
			return nil, err
		}
	case info.FourCC != f.inInfo.FourCC ||
		info.CropW != f.inInfo.CropW || info.CropH != f.inInfo.CropH ||
		info.PicStruct != f.inInfo.PicStruct:
		logger.Debugf(ctx, "the input changed: %s -> %s", f.inInfo, info)
		if err := f.resetLocked(ctx, info); err != nil {
			return nil, err
		}
	}

	if !f.task.Reaches(ctx, s) {
		if _, err := s.Map(ctx); err != nil {
			return nil, fmt.Errorf("unable to map %s: %w", s, err)
		}
		defer func() {
			if err := s.Unmap(ctx); err != nil {
				logger.Errorf(ctx, "unable to unmap %s: %v", s, err)
			}
		}()
	}
	s.HW().Data.TimeStamp = in.Timestamp()

	var (
		outputs     []*frame.Frame
		known       []bool
		busyRetries int
	)
	fail := func(out *surface.Surface, err error) ([]*frame.Frame, error) {
		if out != nil {
			out.Unref(ctx)
		}
		frame.ReleaseAll(ctx, outputs)
		return nil, err
	}
	for {
		out, err := f.pool.GetSurface(ctx)
		if err != nil {
			return fail(nil, err)
		}

		var (
			syncPoint hw.SyncPoint
			st        hw.Status
		)
		f.aggregator.Do(ctx, f.task, func() {
			syncPoint, st = f.task.Session().VPP().RunFrameVPPAsync(ctx, s.HW(), out.HW())
		})
		logger.Tracef(ctx, "RunFrameVPPAsync: %v", st)

		switch {
		case st == hw.StatusWarnDeviceBusy:
			out.Unref(ctx)
			busyRetries++
			if busyRetries > f.params.BusyRetries {
				return fail(nil, fmt.Errorf("%w: %d retries", ErrBusy, busyRetries))
			}
			if err := internal.Sleep(ctx, busyRetryInterval); err != nil {
				return fail(nil, err)
			}
			continue
		case st == hw.StatusErrMoreData:
			out.Unref(ctx)
			return f.finishLocked(in, outputs, known), nil
		case st == hw.StatusErrMoreSurface:
		case st.IsError():
			return fail(out, fmt.Errorf("unable to process %s: %w", in, st))
		}
		busyRetries = 0

		if err := f.syncLocked(ctx, syncPoint); err != nil {
			return fail(out, err)
		}
		outputs = append(outputs, f.newOutputFrame(in, out))
		known = append(known, out.HW().Data.TimeStamp != hw.TimestampUnknown)
		if st != hw.StatusErrMoreSurface {
			return f.finishLocked(in, outputs, known), nil
		}
	}
}

func (f *Filter) syncLocked(ctx context.Context, syncPoint hw.SyncPoint) error {
	session := f.task.Session()
	for attempt := 1; ; attempt++ {
		st := session.SyncOperation(ctx, syncPoint, f.params.SyncTimeout)
		switch {
		case st == hw.StatusWarnInExecution:
			if attempt >= f.params.SyncRetries {
				return fmt.Errorf("%w: still executing after %d attempts", ErrSync, attempt)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		case st.IsError():
			return fmt.Errorf("unable to sync the processed frame: %w", st)
		default:
			return nil
		}
	}
}

func (f *Filter) newOutputFrame(in *frame.Frame, out *surface.Surface) *frame.Frame {
	info := out.Info()
	r := &frame.Frame{
		PTS:         frame.NoPTS,
		DTS:         frame.NoPTS,
		Duration:    frameDuration(info),
		IsSyncPoint: in.IsSyncPoint,
		Surface:     out,
		Interlace:   frame.InterlaceModeFromPicStruct(info.PicStruct),
		Flags:       in.Flags,
	}
	if r.Duration <= 0 {
		r.Duration = in.Duration
	}
	switch ts := out.HW().Data.TimeStamp; {
	case ts == hw.TimestampUnknown:
	case ts == in.Timestamp():
		r.PTS = in.PTS
	default:
		r.PTS = hw.DurationFromTimestamp(ts)
	}
	return r
}

// finishLocked assigns timestamps to the outputs the hardware left without
// one. Outputs preceding a timestamped one are placed one frame duration
// apart before it, the rest continue after the previous output.
func (f *Filter) finishLocked(
	in *frame.Frame,
	outputs []*frame.Frame,
	known []bool,
) []*frame.Frame {
	for idx := len(outputs) - 2; idx >= 0; idx-- {
		if !known[idx] && known[idx+1] && outputs[idx+1].HasPTS() {
			outputs[idx].PTS = outputs[idx+1].PTS - outputs[idx].Duration
			known[idx] = true
		}
	}
	for idx, out := range outputs {
		if known[idx] {
			continue
		}
		switch {
		case idx > 0 && outputs[idx-1].HasPTS():
			out.PTS = outputs[idx-1].PTS + outputs[idx-1].Duration
		case f.nextPTS.IsSet():
			out.PTS = f.nextPTS.Get()
		default:
			out.PTS = in.PTS
		}
	}
	if len(outputs) > 0 {
		last := outputs[len(outputs)-1]
		if last.HasPTS() && last.Duration > 0 {
			f.nextPTS = typing.Opt(last.PTS + last.Duration)
		}
	}
	f.FramesOut.Add(uint64(len(outputs)))
	return outputs
}
