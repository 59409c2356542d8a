package encoder

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-ng/container/heap"
	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
)

// Encode compresses the picture of in. It returns the access units the
// hardware completed, which may be none. in stays owned by the caller.
func (e *Encoder) Encode(
	ctx context.Context,
	in *frame.Frame,
) (_ret []*frame.EncodedFrame, _err error) {
	logger.Tracef(ctx, "Encode(ctx, %s)", in)
	defer func() { logger.Tracef(ctx, "/Encode(ctx, %s): %d %v", in, len(_ret), _err) }()
	return xsync.DoA2R2(ctx, &e.locker, e.encodeLocked, ctx, in)
}

func (e *Encoder) encodeLocked(
	ctx context.Context,
	in *frame.Frame,
) ([]*frame.EncodedFrame, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if in == nil || in.Surface == nil {
		return nil, fmt.Errorf("the input frame has no surface")
	}
	e.framesIn.Inc()

	info := in.Surface.Info()
	switch {
	case !e.initialized:
		if err := e.initLocked(ctx, in.Surface); err != nil {
			return nil, err
		}
	case info.FourCC != e.inInfo.FourCC || info.CropW != e.inInfo.CropW || info.CropH != e.inInfo.CropH:
		logger.Debugf(ctx, "the input changed: %s -> %s", e.inInfo, info)
		result, err := e.drainLocked(ctx)
		if err != nil {
			return nil, err
		}
		e.closeTaskLocked(ctx)
		if err := e.initLocked(ctx, in.Surface); err != nil {
			return result, err
		}
		encoded, err := e.encodeFrameLocked(ctx, in)
		return append(result, encoded...), err
	}
	return e.encodeFrameLocked(ctx, in)
}

func (e *Encoder) encodeFrameLocked(
	ctx context.Context,
	in *frame.Frame,
) ([]*frame.EncodedFrame, error) {
	if e.converter == nil {
		return e.encodePictureLocked(ctx, in)
	}
	converted, err := e.converter.Process(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("unable to convert %s: %w", in, err)
	}
	defer frame.ReleaseAll(ctx, converted)

	var result []*frame.EncodedFrame
	for _, f := range converted {
		encoded, err := e.encodePictureLocked(ctx, f)
		result = append(result, encoded...)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Encoder) encodePictureLocked(
	ctx context.Context,
	in *frame.Frame,
) ([]*frame.EncodedFrame, error) {
	s := in.Surface
	if !e.task.Reaches(ctx, s) {
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

	ctrl := &hw.EncodeCtrl{}
	if e.forceKeyFrame {
		ctrl.FrameType = hw.FrameTypeI | hw.FrameTypeIDR | hw.FrameTypeREF
		e.forceKeyFrame = false
	}
	encoded, ok, err := e.submitLocked(ctx, ctrl, s.HW(), in.PTS)
	if err != nil || !ok {
		return nil, err
	}
	return []*frame.EncodedFrame{encoded}, nil
}

// submitLocked runs one encode call; ok is false if the hardware needs
// more pictures before it produces an access unit. A nil s drains the
// hardware.
func (e *Encoder) submitLocked(
	ctx context.Context,
	ctrl *hw.EncodeCtrl,
	s *hw.FrameSurface,
	pts time.Duration,
) (_ *frame.EncodedFrame, ok bool, _err error) {
	bs := frame.GetBitstream(e.bufferSize)
	defer func() { frame.PutBitstream(bs) }()

	busyRetries := 0
	for {
		var (
			syncPoint hw.SyncPoint
			st        hw.Status
		)
		e.aggregator.Do(ctx, e.task, func() {
			syncPoint, st = e.task.Session().Encode().EncodeFrameAsync(ctx, ctrl, s, bs)
		})
		logger.Tracef(ctx, "EncodeFrameAsync: %v", st)
		accepted := st == hw.StatusErrMoreData || (!st.IsError() && st != hw.StatusWarnDeviceBusy)
		if s != nil && pts >= 0 && accepted {
			heap.Push(&e.ptsQueue, int64(pts))
		}

		switch {
		case st == hw.StatusWarnDeviceBusy:
			busyRetries++
			e.busyRetries.Inc()
			if busyRetries > e.params.BusyRetries {
				return nil, false, fmt.Errorf("%w: %d retries", ErrBusy, busyRetries)
			}
			if err := internal.Sleep(ctx, busyRetryInterval); err != nil {
				return nil, false, err
			}
			continue
		case st == hw.StatusErrNotEnoughBuffer:
			e.bufferSize *= 2
			logger.Debugf(ctx, "growing the bitstream buffer to %s", humanize.Bytes(uint64(e.bufferSize)))
			frame.PutBitstream(bs)
			bs = frame.GetBitstream(e.bufferSize)
			continue
		case st == hw.StatusErrMoreData:
			return nil, false, nil
		case st.IsError():
			return nil, false, fmt.Errorf("unable to encode: %w", st)
		}

		if err := e.syncLocked(ctx, syncPoint, s == nil); err != nil {
			return nil, false, err
		}
		return e.newEncodedFrameLocked(bs), true, nil
	}
}

// syncLocked waits for the operation; the wait is bounded unless final
// (draining).
func (e *Encoder) syncLocked(ctx context.Context, syncPoint hw.SyncPoint, final bool) error {
	session := e.task.Session()
	for attempt := 1; ; attempt++ {
		st := session.SyncOperation(ctx, syncPoint, e.params.SyncTimeout)
		switch {
		case st == hw.StatusWarnInExecution:
			if !final && attempt >= e.params.SyncRetries {
				return fmt.Errorf("%w: still executing after %d attempts", ErrSync, attempt)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		case st.IsError():
			return fmt.Errorf("unable to sync the encoded frame: %w", st)
		default:
			return nil
		}
	}
}

func (e *Encoder) newEncodedFrameLocked(bs *hw.Bitstream) *frame.EncodedFrame {
	f := &frame.EncodedFrame{
		PTS:        hw.DurationFromTimestamp(bs.TimeStamp),
		DTS:        frame.NoPTS,
		Data:       append([]byte(nil), bs.Payload()...),
		IsKeyFrame: bs.FrameType&hw.FrameTypeIDR != 0,
		FrameType:  bs.FrameType,
	}
	if len(e.ptsQueue) > 0 {
		f.DTS = time.Duration(heap.Pop(&e.ptsQueue))
	}
	if f.IsKeyFrame {
		e.keyFrames.Inc()
		if len(e.headers) == 0 {
			e.headers = bitstream.ParameterSets(e.params.CodecID, f.Data)
		}
	}
	e.framesOut.Inc()
	e.bytesOut.Add(uint64(len(f.Data)))
	return f
}

// drainLocked collects the access units the hardware still holds.
func (e *Encoder) drainLocked(ctx context.Context) ([]*frame.EncodedFrame, error) {
	if !e.initialized {
		return nil, nil
	}
	var result []*frame.EncodedFrame
	for {
		encoded, ok, err := e.submitLocked(ctx, nil, nil, frame.NoPTS)
		if err != nil {
			return result, err
		}
		if !ok {
			return result, nil
		}
		result = append(result, encoded)
	}
}

// Flush returns the access units of the pictures submitted so far.
func (e *Encoder) Flush(ctx context.Context) (_ret []*frame.EncodedFrame, _err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %d %v", len(_ret), _err) }()
	return xsync.DoR2(ctx, &e.locker, func() ([]*frame.EncodedFrame, error) {
		if e.closed {
			return nil, ErrClosed
		}
		return e.drainLocked(ctx)
	})
}
