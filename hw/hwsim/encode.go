package hwsim

import (
	"context"
	"image/color"

	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal/pixfmt"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
)

type encodeComponent struct {
	session *Session

	locker      xsync.Mutex
	initialized bool
	param       *hw.VideoParam
	frameCount  uint64
	sps         []byte
	pps         []byte
}

var _ hw.EncodeComponent = (*encodeComponent)(nil)

func (e *encodeComponent) engine() *Engine {
	return e.session.engine
}

func (e *encodeComponent) Query(ctx context.Context, in, out *hw.VideoParam) hw.Status {
	if out == nil {
		return hw.StatusErrNullPtr
	}
	if in == nil {
		*out = hw.VideoParam{CodecID: hw.CodecIDAVC, FrameInfo: hw.FrameInfo{FourCC: hw.FourCCNV12}}
		return hw.StatusOK
	}
	*out = *in.Clone()
	if in.CodecID != hw.CodecIDAVC {
		out.CodecID = 0
		return hw.StatusErrUnsupported
	}
	if in.FrameInfo.FourCC != hw.FourCCNV12 {
		out.FrameInfo.FourCC = hw.FourCCNV12
		return hw.StatusWarnIncompatibleVideoParam
	}
	return hw.StatusOK
}

func (e *encodeComponent) QueryIOSurf(ctx context.Context, par *hw.VideoParam) (hw.FrameAllocRequest, hw.Status) {
	if par == nil {
		return hw.FrameAllocRequest{}, hw.StatusErrNullPtr
	}
	memType := hw.MemTypeFromEncode | hw.MemTypeExternalFrame
	if par.IOPattern.InVideoMemory() {
		memType |= hw.MemTypeDecoderTarget
	} else {
		memType |= hw.MemTypeSystemMemory
	}
	numMin := e.engine().config.NumFrameMin
	return hw.FrameAllocRequest{
		Info:              par.FrameInfo,
		Type:              memType,
		NumFrameMin:       numMin,
		NumFrameSuggested: numMin + par.AsyncDepth,
	}, hw.StatusOK
}

func (e *encodeComponent) validate(par *hw.VideoParam) hw.Status {
	if par == nil {
		return hw.StatusErrNullPtr
	}
	if par.CodecID != hw.CodecIDAVC {
		return hw.StatusErrUnsupported
	}
	if par.FrameInfo.FourCC != hw.FourCCNV12 {
		return hw.StatusErrInvalidVideoParam
	}
	if par.FrameInfo.CropW == 0 || par.FrameInfo.CropH == 0 {
		return hw.StatusErrInvalidVideoParam
	}
	return hw.StatusOK
}

func (e *encodeComponent) Init(ctx context.Context, par *hw.VideoParam) hw.Status {
	if st := e.engine().popFault(ctx, OpInit); st != hw.StatusOK {
		return st
	}
	if st := e.validate(par); st.IsError() {
		return st
	}
	return xsync.DoR1(ctx, &e.locker, func() hw.Status {
		if e.initialized {
			return hw.StatusErrUndefinedBehavior
		}
		e.applyLocked(par)
		e.initialized = true
		return hw.StatusOK
	})
}

func (e *encodeComponent) applyLocked(par *hw.VideoParam) {
	e.param = par.Clone()
	e.frameCount = 0
	e.sps = BuildAVCSPS(int(par.FrameInfo.CropW), int(par.FrameInfo.CropH), par.FrameInfo.PicStruct.IsInterlaced())
	e.pps = BuildAVCPPS()
}

func (e *encodeComponent) Reset(ctx context.Context, par *hw.VideoParam) hw.Status {
	if st := e.engine().popFault(ctx, OpReset); st != hw.StatusOK {
		return st
	}
	if st := e.validate(par); st.IsError() {
		return st
	}
	return xsync.DoR1(ctx, &e.locker, func() hw.Status {
		if !e.initialized {
			return hw.StatusErrNotInitialized
		}
		if !e.param.FrameInfo.Fits(par.FrameInfo) {
			return hw.StatusErrIncompatibleVideoParam
		}
		e.applyLocked(par)
		return hw.StatusOK
	})
}

func (e *encodeComponent) Close(ctx context.Context) hw.Status {
	return xsync.DoR1(ctx, &e.locker, func() hw.Status {
		if !e.initialized {
			return hw.StatusErrNotInitialized
		}
		e.initialized = false
		return hw.StatusOK
	})
}

func (e *encodeComponent) close(ctx context.Context) {
	e.locker.Do(ctx, func() {
		e.initialized = false
	})
}

func (e *encodeComponent) GetVideoParam(ctx context.Context, par *hw.VideoParam) hw.Status {
	if par == nil {
		return hw.StatusErrNullPtr
	}
	return xsync.DoR1(ctx, &e.locker, func() hw.Status {
		if !e.initialized {
			return hw.StatusErrNotInitialized
		}
		*par = *e.param.Clone()
		return hw.StatusOK
	})
}

func (e *encodeComponent) isKeyFrameLocked(ctrl *hw.EncodeCtrl) bool {
	if ctrl != nil && ctrl.FrameType&(hw.FrameTypeIDR|hw.FrameTypeI) != 0 {
		return true
	}
	if e.frameCount == 0 {
		return true
	}
	gop := uint64(e.param.GopPicSize)
	return gop > 0 && e.frameCount%gop == 0
}

// averageColor returns the mean color of the visible part of the surface.
func averageColor(info hw.FrameInfo, planes [][]byte, pitches []int) (color.YCbCr, error) {
	img, err := pixfmt.ToImage(info.FourCC, planes, pitches, info.CropRect())
	if err != nil {
		return color.YCbCr{}, err
	}
	bounds := img.Bounds()
	var sumY, sumCb, sumCr, n uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.YCbCrModel.Convert(img.At(x, y)).(color.YCbCr)
			sumY += uint64(c.Y)
			sumCb += uint64(c.Cb)
			sumCr += uint64(c.Cr)
			n++
		}
	}
	if n == 0 {
		return color.YCbCr{}, nil
	}
	return color.YCbCr{Y: uint8(sumY / n), Cb: uint8(sumCb / n), Cr: uint8(sumCr / n)}, nil
}

func (e *encodeComponent) EncodeFrameAsync(
	ctx context.Context,
	ctrl *hw.EncodeCtrl,
	surface *hw.FrameSurface,
	bs *hw.Bitstream,
) (hw.SyncPoint, hw.Status) {
	if st := e.engine().popFault(ctx, OpEncodeFrameAsync); st != hw.StatusOK {
		return hw.SyncPointNone, st
	}
	return xsync.DoR2(ctx, &e.locker, func() (hw.SyncPoint, hw.Status) {
		return e.encodeFrameAsyncLocked(ctx, ctrl, surface, bs)
	})
}

func (e *encodeComponent) encodeFrameAsyncLocked(
	ctx context.Context,
	ctrl *hw.EncodeCtrl,
	surface *hw.FrameSurface,
	bs *hw.Bitstream,
) (hw.SyncPoint, hw.Status) {
	if !e.initialized {
		return hw.SyncPointNone, hw.StatusErrNotInitialized
	}
	if surface == nil {
		// the frames are encoded right away, nothing is buffered
		return hw.SyncPointNone, hw.StatusErrMoreData
	}
	if bs == nil {
		return hw.SyncPointNone, hw.StatusErrNullPtr
	}

	var pictureColor color.YCbCr
	st := e.session.withPlanes(ctx, surface, func(planes [][]byte, pitches []int) hw.Status {
		c, err := averageColor(surface.Info, planes, pitches)
		if err != nil {
			logger.Debugf(ctx, "hwsim: unable to read the surface: %v", err)
			return hw.StatusErrUnsupported
		}
		pictureColor = c
		return hw.StatusOK
	})
	if st.IsError() {
		return hw.SyncPointNone, st
	}

	keyFrame := e.isKeyFrameLocked(ctrl)
	var nals [][]byte
	if opt, _ := e.param.ExtParam(hw.ExtBufferIDCodingOption).(*hw.ExtCodingOption); opt != nil && opt.AUDelimiter {
		nals = append(nals, []byte{0x09, 0xf0})
	}
	if keyFrame {
		nals = append(nals, e.sps, e.pps)
	}
	nals = append(nals, buildSlice(keyFrame, uint8(e.frameCount), pictureColor))

	var au []byte
	for _, nal := range nals {
		au = append(au, bitstream.StartCode...)
		au = append(au, nal...)
	}

	end := int(bs.DataOffset+bs.DataLength) + len(au)
	if end > cap(bs.Data) {
		return hw.SyncPointNone, hw.StatusErrNotEnoughBuffer
	}
	bs.Data = bs.Data[:end]
	copy(bs.Data[end-len(au):], au)
	bs.DataLength += uint32(len(au))
	bs.TimeStamp = surface.Data.TimeStamp
	bs.DecodeTimeStamp = int64(surface.Data.TimeStamp)
	if keyFrame {
		bs.FrameType = hw.FrameTypeI | hw.FrameTypeIDR | hw.FrameTypeREF
	} else {
		bs.FrameType = hw.FrameTypeP | hw.FrameTypeREF
	}
	e.frameCount++

	surface.Data.Locked++
	return e.session.submit(ctx, func(ctx context.Context) {
		if surface.Data.Locked > 0 {
			surface.Data.Locked--
		}
	}), hw.StatusOK
}
