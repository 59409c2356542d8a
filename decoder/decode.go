package decoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/surfacepool"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xsync"
)

// Decode feeds one input frame. StatusNeedMoreData is not a failure: the
// decoder wants more input before it produces a picture (it is also the
// reply to a frame that was dropped). The pictures are collected by
// PopDecoded.
func (d *Decoder) Decode(
	ctx context.Context,
	input *frame.Frame,
) (_ret Status, _err error) {
	logger.Tracef(ctx, "Decode(ctx, %s)", input)
	defer func() { logger.Tracef(ctx, "/Decode(ctx, %s): %s %v", input, _ret, _err) }()
	return xsync.DoA2R2(ctx, &d.locker, d.decodeLocked, ctx, input)
}

func (d *Decoder) checkUsableLocked() error {
	switch d.state {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return d.failure
	}
	return nil
}

func (d *Decoder) decodeLocked(
	ctx context.Context,
	input *frame.Frame,
) (Status, error) {
	if err := d.checkUsableLocked(); err != nil {
		return StatusError, err
	}
	if input == nil {
		return StatusError, fmt.Errorf("the input frame is nil, use Flush to drain the decoder")
	}
	d.framesIn.Inc()

	if d.needSyncPoint {
		if !input.IsSyncPoint {
			logger.Debugf(ctx, "dropping %s: waiting for a sync point after a reset", input)
			d.discardLocked(&frame.Frame{PTS: input.PTS, DTS: input.DTS, Duration: input.Duration, Flags: input.Flags})
			return StatusNeedMoreData, nil
		}
		d.needSyncPoint = false
	}

	err := d.accumulator.AppendFunc(input.Timestamp(), func(dst []byte) ([]byte, error) {
		return d.reframer.Reframe(dst, input.Data)
	})
	if err != nil {
		d.discardLocked(&frame.Frame{PTS: input.PTS, DTS: input.DTS, Duration: input.Duration, Flags: input.Flags})
		return StatusError, fmt.Errorf("unable to reframe %s: %w", input, err)
	}
	d.bytesIn.Add(uint64(len(input.Data)))
	d.addPendingLocked(input)

	if d.state == StateUninitialized {
		ok, err := d.initLocked(ctx)
		if err != nil {
			return d.failLocked(ctx, err)
		}
		if !ok {
			return StatusNeedMoreData, nil
		}
	}

	produced, err := d.decodeLoopLocked(ctx, d.accumulator.Bitstream(), false)
	switch {
	case errors.Is(err, errReinitialized):
		return StatusNeedMoreData, nil
	case err != nil:
		return StatusError, err
	case produced > 0:
		return StatusOK, nil
	}
	return StatusNeedMoreData, nil
}

var errReinitialized = errors.New("the decoder was reinitialized")

// decodeLoopLocked submits bs (nil to drain) until the hardware asks for
// more data and returns the amount of delivered pictures.
func (d *Decoder) decodeLoopLocked(
	ctx context.Context,
	bs *hw.Bitstream,
	final bool,
) (int, error) {
	produced := 0
	busyRetries := 0
	for {
		if bs != nil {
			d.accumulator.Prepare()
		}
		work, err := d.workSurfaceLocked(ctx)
		if err != nil {
			if errors.Is(err, surfacepool.ErrExhausted) {
				_, err = d.failLocked(ctx, err)
			}
			return produced, err
		}

		var (
			out       *hw.FrameSurface
			syncPoint hw.SyncPoint
			st        hw.Status
		)
		d.aggregator.Do(ctx, d.task, func() {
			out, syncPoint, st = d.task.Session().Decode().DecodeFrameAsync(ctx, bs, work.HW())
		})
		if work.IsLocked() {
			// the hardware owns it now; the pool gets it back once unlocked
			d.work = nil
			work.Unref(ctx)
		}
		logger.Tracef(ctx, "DecodeFrameAsync: %v (out: %s)", st, out)

		switch {
		case st == hw.StatusWarnDeviceBusy:
			busyRetries++
			d.busyRetries.Inc()
			if busyRetries > d.params.BusyRetries {
				return produced, fmt.Errorf("%w: %d retries", ErrBusy, busyRetries)
			}
			if err := internal.Sleep(ctx, busyRetryInterval); err != nil {
				return produced, err
			}
			continue
		case st == hw.StatusErrMoreSurface:
			continue
		case st == hw.StatusErrMoreData:
			return produced, nil
		case st == hw.StatusErrIncompatibleVideoParam, st == hw.StatusWarnIncompatibleVideoParam:
			if bs == nil {
				// nothing new to decode with the new parameters
				return produced, nil
			}
			if err := d.reinitLocked(ctx); err != nil {
				return d.failOnReinitLocked(ctx, produced, err)
			}
			return produced, errReinitialized
		case st.IsError():
			return produced, fmt.Errorf("unable to decode: %w", st)
		case st.IsWarning():
			logger.Debugf(ctx, "DecodeFrameAsync warning: %v", st)
		}
		busyRetries = 0

		if out == nil || syncPoint == hw.SyncPointNone {
			continue
		}
		if err := d.deliverLocked(ctx, out, syncPoint, final); err != nil {
			return produced, err
		}
		produced++
	}
}

func (d *Decoder) failOnReinitLocked(ctx context.Context, produced int, err error) (int, error) {
	_, err = d.failLocked(ctx, fmt.Errorf("unable to reinitialize: %w", err))
	return produced, err
}

// workSurfaceLocked returns an unlocked Surface for the next submission.
func (d *Decoder) workSurfaceLocked(ctx context.Context) (*surface.Surface, error) {
	if d.work != nil && !d.work.IsLocked() {
		return d.work, nil
	}
	if d.work != nil {
		d.work.Unref(ctx)
		d.work = nil
	}
	s, err := d.pool.GetSurface(ctx)
	if err != nil {
		return nil, err
	}
	d.work = s
	return s, nil
}

// deliverLocked waits for the picture and moves it to the decoded list.
func (d *Decoder) deliverLocked(
	ctx context.Context,
	out *hw.FrameSurface,
	syncPoint hw.SyncPoint,
	final bool,
) error {
	// referenced before the sync, so the pool cannot reclaim it once unlocked
	s := d.pool.FindSurface(ctx, out).Ref()
	if err := d.syncLocked(ctx, syncPoint, final); err != nil {
		s.Unref(ctx)
		return err
	}

	info := s.Info()
	pending := d.takePendingLocked(ctx, s.HW().Data.TimeStamp)
	f := &frame.Frame{
		PTS:       hw.DurationFromTimestamp(s.HW().Data.TimeStamp),
		DTS:       frame.NoPTS,
		Surface:   s,
		Interlace: frame.InterlaceModeFromPicStruct(info.PicStruct),
	}
	if pending != nil {
		f.PTS = pending.PTS
		f.DTS = pending.DTS
		f.Duration = pending.Duration
		f.IsSyncPoint = pending.IsSyncPoint
		f.Flags = pending.Flags
	} else {
		f.PTS = d.extrapolatePTSLocked(f.PTS)
	}
	if f.Duration <= 0 && d.frameDuration.IsSet() {
		f.Duration = d.frameDuration.Get()
	}
	if s.HW().Data.Corrupted != 0 {
		f.Flags |= frame.FlagCorrupted
	}

	if d.isPartialFrameLocked(f.PTS) {
		logger.Debugf(ctx, "discarding %s: off the frame grid", f)
		f.Release(ctx)
		d.discardLocked(f)
		return nil
	}
	if f.PTS >= 0 {
		d.lastPTS = typing.Opt(f.PTS)
	}
	d.decoded = append([]*frame.Frame{f}, d.decoded...)
	d.framesOut.Inc()
	return nil
}

// syncLocked waits for the operation; the wait is bounded unless final.
func (d *Decoder) syncLocked(ctx context.Context, syncPoint hw.SyncPoint, final bool) error {
	session := d.task.Session()
	for attempt := 1; ; attempt++ {
		st := session.SyncOperation(ctx, syncPoint, d.params.SyncTimeout)
		switch {
		case st == hw.StatusWarnInExecution:
			if !final && attempt >= d.params.SyncRetries {
				return fmt.Errorf("%w: still executing after %d attempts", ErrSync, attempt)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		case st.IsError():
			return fmt.Errorf("unable to sync the decoded frame: %w", st)
		default:
			return nil
		}
	}
}

// drainLocked collects the pictures the hardware still holds.
func (d *Decoder) drainLocked(ctx context.Context, final bool) (int, error) {
	if d.task == nil || d.state == StateUninitialized {
		return 0, nil
	}
	return d.decodeLoopLocked(ctx, nil, final)
}

// Flush drains the hardware: it returns StatusOK if it produced pictures
// and StatusFlushed once there is nothing left.
func (d *Decoder) Flush(ctx context.Context) (_ret Status, _err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %s %v", _ret, _err) }()
	return xsync.DoA1R2(ctx, &d.locker, d.flushLocked, ctx)
}

func (d *Decoder) flushLocked(ctx context.Context) (Status, error) {
	if err := d.checkUsableLocked(); err != nil {
		return StatusError, err
	}
	produced, err := d.drainLocked(ctx, true)
	if err != nil {
		return StatusError, err
	}
	if produced > 0 {
		return StatusOK, nil
	}
	// the inputs that never became a picture
	d.discardPendingLocked(ctx)
	return StatusFlushed, nil
}

// Reset abandons the stream position (a seek): the pending frames are
// discarded, the buffered bitstream is dropped and the next input has to
// be a sync point. The Task and its Surfaces are kept.
func (d *Decoder) Reset(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Reset")
	defer func() { logger.Debugf(ctx, "/Reset: %v", _err) }()
	return xsync.DoA1R1(ctx, &d.locker, d.resetLocked, ctx)
}

func (d *Decoder) resetLocked(ctx context.Context) error {
	if err := d.checkUsableLocked(); err != nil {
		return err
	}
	d.discardPendingLocked(ctx)
	d.accumulator.Clear()
	d.reframer.Reset()
	d.needSyncPoint = true
	d.firstPTS = typing.Optional[time.Duration]{}
	d.lastPTS = typing.Optional[time.Duration]{}

	if d.state != StateRunning {
		return nil
	}
	par := d.task.GetVideoParam(ctx)
	var st hw.Status
	d.aggregator.Do(ctx, d.task, func() {
		st = d.task.Session().Decode().Reset(ctx, par)
	})
	if st.IsError() {
		return fmt.Errorf("unable to reset the decode component: %w", st)
	}
	return nil
}
