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

type decodeComponent struct {
	session *Session

	locker      xsync.Mutex
	initialized bool
	param       *hw.VideoParam
	response    *hw.FrameAllocResponse
	queue       []*hw.FrameSurface
	frameOrder  uint32
}

var _ hw.DecodeComponent = (*decodeComponent)(nil)

func (d *decodeComponent) engine() *Engine {
	return d.session.engine
}

// parseHeader finds the sequence header in b and returns the frame info it
// describes; ok is false if b has no sequence header.
func (d *decodeComponent) parseHeader(codecID hw.CodecID, b []byte) (_ hw.FrameInfo, ok bool, _err error) {
	if codecID != hw.CodecIDAVC {
		return hw.FrameInfo{}, false, nil
	}
	sps, ok, err := bitstream.FindAVCSPS(b)
	if err != nil || !ok {
		return hw.FrameInfo{}, false, err
	}
	picStruct := d.engine().config.PicStruct
	height := hw.Align16(uint16(sps.Height))
	if picStruct.IsInterlaced() {
		height = hw.Align32(uint16(sps.Height))
	}
	return hw.FrameInfo{
		FourCC:         hw.FourCCNV12,
		ChromaFormat:   hw.ChromaFormatYUV420,
		BitDepthLuma:   8,
		BitDepthChroma: 8,
		Width:          hw.Align16(uint16(sps.Width)),
		Height:         height,
		CropW:          uint16(sps.Width),
		CropH:          uint16(sps.Height),
		PicStruct:      picStruct,
	}, true, nil
}

func (d *decodeComponent) DecodeHeader(
	ctx context.Context,
	bs *hw.Bitstream,
	par *hw.VideoParam,
) hw.Status {
	if st := d.engine().popFault(ctx, OpDecodeHeader); st != hw.StatusOK {
		return st
	}
	if bs == nil || par == nil {
		return hw.StatusErrNullPtr
	}
	switch par.CodecID {
	case hw.CodecIDAVC:
	case hw.CodecIDHEVC:
		// no HEVC header parser here: the geometry has to come from the container
		if par.FrameInfo.Width == 0 || par.FrameInfo.Height == 0 {
			return hw.StatusErrUnsupported
		}
		if par.FrameInfo.FourCC == 0 {
			par.FrameInfo.FourCC = hw.FourCCNV12
		}
		return hw.StatusOK
	default:
		return hw.StatusErrUnsupported
	}

	info, ok, err := d.parseHeader(par.CodecID, bs.Payload())
	if err != nil {
		logger.Debugf(ctx, "hwsim: DecodeHeader: %v", err)
		return hw.StatusErrUndefinedBehavior
	}
	if !ok {
		return hw.StatusErrMoreData
	}
	info.FrameRateExtN = par.FrameInfo.FrameRateExtN
	info.FrameRateExtD = par.FrameInfo.FrameRateExtD
	par.FrameInfo = info
	return hw.StatusOK
}

func (d *decodeComponent) Query(ctx context.Context, in, out *hw.VideoParam) hw.Status {
	if out == nil {
		return hw.StatusErrNullPtr
	}
	if in == nil {
		*out = hw.VideoParam{CodecID: hw.CodecIDAVC}
		return hw.StatusOK
	}
	switch in.CodecID {
	case hw.CodecIDAVC, hw.CodecIDHEVC:
	default:
		return hw.StatusErrUnsupported
	}
	*out = *in.Clone()
	return hw.StatusOK
}

func (d *decodeComponent) QueryIOSurf(ctx context.Context, par *hw.VideoParam) (hw.FrameAllocRequest, hw.Status) {
	if par == nil {
		return hw.FrameAllocRequest{}, hw.StatusErrNullPtr
	}
	memType := hw.MemTypeFromDecode | hw.MemTypeExternalFrame
	if par.IOPattern.OutVideoMemory() {
		memType |= hw.MemTypeDecoderTarget
	} else {
		memType |= hw.MemTypeSystemMemory
	}
	numMin := d.engine().config.NumFrameMin + uint16(d.engine().config.Delay)
	return hw.FrameAllocRequest{
		Info:              par.FrameInfo,
		Type:              memType,
		NumFrameMin:       numMin,
		NumFrameSuggested: numMin + par.AsyncDepth,
	}, hw.StatusOK
}

func (d *decodeComponent) Init(ctx context.Context, par *hw.VideoParam) hw.Status {
	if st := d.engine().popFault(ctx, OpInit); st != hw.StatusOK {
		return st
	}
	if par == nil {
		return hw.StatusErrNullPtr
	}
	if par.FrameInfo.Width == 0 || par.FrameInfo.Height == 0 {
		return hw.StatusErrInvalidVideoParam
	}
	if _, ok := par.FrameInfo.FourCC.Layout(int(par.FrameInfo.Width), int(par.FrameInfo.Height)); !ok {
		return hw.StatusErrInvalidVideoParam
	}
	return xsync.DoR1(ctx, &d.locker, func() hw.Status {
		if d.initialized {
			return hw.StatusErrUndefinedBehavior
		}
		if par.IOPattern.OutVideoMemory() {
			req, st := d.QueryIOSurf(ctx, par)
			if st.IsError() {
				return st
			}
			resp, st := d.session.alloc(ctx, &req)
			if st.IsError() {
				return st
			}
			d.response = &resp
		}
		d.param = par.Clone()
		d.initialized = true
		d.frameOrder = 0
		return hw.StatusOK
	})
}

func (d *decodeComponent) Reset(ctx context.Context, par *hw.VideoParam) hw.Status {
	if st := d.engine().popFault(ctx, OpReset); st != hw.StatusOK {
		return st
	}
	return xsync.DoR1(ctx, &d.locker, func() hw.Status {
		if !d.initialized {
			return hw.StatusErrNotInitialized
		}
		if par != nil {
			if !d.param.FrameInfo.Fits(par.FrameInfo) {
				return hw.StatusErrIncompatibleVideoParam
			}
			d.param = par.Clone()
		}
		d.dropQueueLocked()
		return hw.StatusOK
	})
}

func (d *decodeComponent) dropQueueLocked() {
	for _, s := range d.queue {
		if s.Data.Locked > 0 {
			s.Data.Locked--
		}
	}
	d.queue = nil
}

func (d *decodeComponent) Close(ctx context.Context) hw.Status {
	return xsync.DoR1(ctx, &d.locker, func() hw.Status {
		return d.closeLocked(ctx)
	})
}

func (d *decodeComponent) closeLocked(ctx context.Context) hw.Status {
	if !d.initialized {
		return hw.StatusErrNotInitialized
	}
	d.dropQueueLocked()
	d.initialized = false
	if d.response == nil {
		return hw.StatusOK
	}
	resp := d.response
	d.response = nil
	allocator := d.session.getAllocator(ctx)
	if allocator == nil {
		return hw.StatusOK
	}
	return allocator.Free(ctx, resp)
}

func (d *decodeComponent) close(ctx context.Context) {
	d.locker.Do(ctx, func() {
		if d.initialized {
			d.closeLocked(ctx)
		}
	})
}

func (d *decodeComponent) GetVideoParam(ctx context.Context, par *hw.VideoParam) hw.Status {
	if par == nil {
		return hw.StatusErrNullPtr
	}
	return xsync.DoR1(ctx, &d.locker, func() hw.Status {
		if !d.initialized {
			return hw.StatusErrNotInitialized
		}
		*par = *d.param.Clone()
		return hw.StatusOK
	})
}

func (d *decodeComponent) DecodeFrameAsync(
	ctx context.Context,
	bs *hw.Bitstream,
	work *hw.FrameSurface,
) (*hw.FrameSurface, hw.SyncPoint, hw.Status) {
	if st := d.engine().popFault(ctx, OpDecodeFrameAsync); st != hw.StatusOK {
		return nil, hw.SyncPointNone, st
	}
	var (
		out       *hw.FrameSurface
		syncPoint hw.SyncPoint
		st        hw.Status
	)
	d.locker.Do(ctx, func() {
		out, syncPoint, st = d.decodeFrameAsyncLocked(ctx, bs, work)
	})
	return out, syncPoint, st
}

func (d *decodeComponent) decodeFrameAsyncLocked(
	ctx context.Context,
	bs *hw.Bitstream,
	work *hw.FrameSurface,
) (*hw.FrameSurface, hw.SyncPoint, hw.Status) {
	if !d.initialized {
		return nil, hw.SyncPointNone, hw.StatusErrNotInitialized
	}

	if bs == nil {
		if len(d.queue) == 0 {
			return nil, hw.SyncPointNone, hw.StatusErrMoreData
		}
		return d.outputLocked(ctx)
	}

	if work == nil {
		return nil, hw.SyncPointNone, hw.StatusErrNullPtr
	}
	if work.Data.Locked > 0 {
		return nil, hw.SyncPointNone, hw.StatusErrMoreSurface
	}

	codecID := d.param.CodecID
	payload := bs.Payload()
	auLen := bitstream.AccessUnitLength(codecID, payload)
	if auLen == 0 {
		return nil, hw.SyncPointNone, hw.StatusErrMoreData
	}
	au := payload[:auLen]

	info, ok, err := d.parseHeader(codecID, au)
	if err != nil {
		logger.Debugf(ctx, "hwsim: DecodeFrameAsync: %v", err)
		return nil, hw.SyncPointNone, hw.StatusErrUndefinedBehavior
	}
	if ok && (info.CropW != d.param.FrameInfo.CropW || info.CropH != d.param.FrameInfo.CropH) {
		logger.Debugf(ctx, "hwsim: the stream changed its geometry: %s -> %s", d.param.FrameInfo, info)
		return nil, hw.SyncPointNone, hw.StatusErrIncompatibleVideoParam
	}

	pictureColor := color.YCbCr{Y: 0x80, Cb: 0x80, Cr: 0x80}
	for _, nal := range bitstream.FindNALUnits(au) {
		nalBytes := nal.Bytes(au)
		if bitstream.IsVCL(codecID, bitstream.NALType(codecID, nalBytes)) {
			pictureColor = sliceColor(nalBytes)
		}
	}

	frameInfo := d.param.FrameInfo
	width := min(int(frameInfo.CropW), int(work.Info.Width))
	height := min(int(frameInfo.CropH), int(work.Info.Height))
	if width == 0 || height == 0 {
		width, height = int(frameInfo.CropW), int(frameInfo.CropH)
	}
	st := d.session.withPlanes(ctx, work, func(planes [][]byte, pitches []int) hw.Status {
		if err := pixfmt.Fill(work.Info.FourCC, planes, pitches, width, height, pictureColor); err != nil {
			logger.Debugf(ctx, "hwsim: unable to fill the surface: %v", err)
			return hw.StatusErrUnsupported
		}
		return hw.StatusOK
	})
	if st.IsError() {
		return nil, hw.SyncPointNone, st
	}

	bs.Consume(uint32(auLen))
	d.engine().recordConsumed(ctx, au)

	work.Info.CropX, work.Info.CropY = frameInfo.CropX, frameInfo.CropY
	work.Info.CropW, work.Info.CropH = frameInfo.CropW, frameInfo.CropH
	work.Info.PicStruct = frameInfo.PicStruct
	work.Info.FrameRateExtN, work.Info.FrameRateExtD = frameInfo.FrameRateExtN, frameInfo.FrameRateExtD
	work.Data.TimeStamp = bs.TimeStamp
	work.Data.FrameOrder = d.frameOrder
	work.Data.Corrupted = 0
	work.Data.Locked++
	d.frameOrder++
	d.queue = append(d.queue, work)

	if len(d.queue) > d.engine().config.Delay {
		return d.outputLocked(ctx)
	}
	if bitstream.AccessUnitLength(codecID, bs.Payload()) > 0 {
		return nil, hw.SyncPointNone, hw.StatusErrMoreSurface
	}
	return nil, hw.SyncPointNone, hw.StatusErrMoreData
}

func (d *decodeComponent) outputLocked(ctx context.Context) (*hw.FrameSurface, hw.SyncPoint, hw.Status) {
	out := d.queue[0]
	d.queue = d.queue[1:]
	syncPoint := d.session.submit(ctx, func(ctx context.Context) {
		if out.Data.Locked > 0 {
			out.Data.Locked--
		}
	})
	logger.Tracef(ctx, "hwsim: decoded %s", out)
	return out, syncPoint, hw.StatusOK
}
