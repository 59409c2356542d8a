package libav

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal/pixfmt"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
)

// timeBase is the clock of hw.Bitstream and hw.FrameData timestamps.
var timeBase = astiav.NewRational(1, hw.TimestampClockRate)

var codecIDs = map[hw.CodecID]astiav.CodecID{
	hw.CodecIDAVC:   astiav.CodecIDH264,
	hw.CodecIDHEVC:  astiav.CodecIDHevc,
	hw.CodecIDMPEG2: astiav.CodecIDMpeg2Video,
	hw.CodecIDVC1:   astiav.CodecIDVc1,
	hw.CodecIDVP8:   astiav.CodecIDVp8,
	hw.CodecIDVP9:   astiav.CodecIDVp9,
	hw.CodecIDAV1:   astiav.CodecIDAv1,
	hw.CodecIDJPEG:  astiav.CodecIDMjpeg,
}

// CodecIDToAstiav returns the libav codec of the given codec.
func CodecIDToAstiav(codecID hw.CodecID) (astiav.CodecID, bool) {
	id, ok := codecIDs[codecID]
	return id, ok
}

type decodeComponent struct {
	session *Session

	locker       xsync.Mutex
	initialized  bool
	param        *hw.VideoParam
	response     *hw.FrameAllocResponse
	codecContext *astiav.CodecContext
	packet       *astiav.Packet
	pending      []*astiav.Frame
	draining     bool
	frameOrder   uint32
}

var _ hw.DecodeComponent = (*decodeComponent)(nil)

func (d *decodeComponent) engine() *Engine {
	return d.session.engine
}

func (d *decodeComponent) DecodeHeader(
	ctx context.Context,
	bs *hw.Bitstream,
	par *hw.VideoParam,
) hw.Status {
	if bs == nil || par == nil {
		return hw.StatusErrNullPtr
	}
	if _, ok := CodecIDToAstiav(par.CodecID); !ok {
		return hw.StatusErrUnsupported
	}
	if par.CodecID != hw.CodecIDAVC {
		// only AVC headers are parsed here, the rest has to come from the container
		if par.FrameInfo.Width == 0 || par.FrameInfo.Height == 0 {
			return hw.StatusErrUnsupported
		}
		if par.FrameInfo.FourCC == 0 {
			par.FrameInfo.FourCC = hw.FourCCNV12
		}
		return hw.StatusOK
	}

	sps, ok, err := bitstream.FindAVCSPS(bs.Payload())
	if err != nil {
		logger.Debugf(ctx, "libav: DecodeHeader: %v", err)
		return hw.StatusErrUndefinedBehavior
	}
	if !ok {
		return hw.StatusErrMoreData
	}
	par.FrameInfo = hw.FrameInfo{
		FourCC:         hw.FourCCNV12,
		ChromaFormat:   hw.ChromaFormatYUV420,
		BitDepthLuma:   8,
		BitDepthChroma: 8,
		Width:          hw.Align16(uint16(sps.Width)),
		Height:         hw.Align16(uint16(sps.Height)),
		CropW:          uint16(sps.Width),
		CropH:          uint16(sps.Height),
		PicStruct:      hw.PicStructProgressive,
		FrameRateExtN:  par.FrameInfo.FrameRateExtN,
		FrameRateExtD:  par.FrameInfo.FrameRateExtD,
	}
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
	if _, ok := CodecIDToAstiav(in.CodecID); !ok {
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
	numMin := d.engine().config.NumFrameMin
	return hw.FrameAllocRequest{
		Info:              par.FrameInfo,
		Type:              memType,
		NumFrameMin:       numMin,
		NumFrameSuggested: numMin + par.AsyncDepth,
	}, hw.StatusOK
}

func (d *decodeComponent) Init(ctx context.Context, par *hw.VideoParam) hw.Status {
	if par == nil {
		return hw.StatusErrNullPtr
	}
	if par.FrameInfo.Width == 0 || par.FrameInfo.Height == 0 {
		return hw.StatusErrInvalidVideoParam
	}
	return xsync.DoR1(ctx, &d.locker, func() hw.Status {
		if d.initialized {
			return hw.StatusErrUndefinedBehavior
		}
		if err := d.openLocked(ctx, par.CodecID); err != nil {
			logger.Errorf(ctx, "libav: unable to open the decoder: %v", err)
			return hw.StatusErrUnsupported
		}
		if par.IOPattern.OutVideoMemory() {
			req, st := d.QueryIOSurf(ctx, par)
			if st.IsError() {
				d.freeCodecLocked()
				return st
			}
			allocator := d.session.getAllocator(ctx)
			if allocator == nil {
				d.freeCodecLocked()
				return hw.StatusErrInvalidVideoParam
			}
			resp, st := allocator.Alloc(ctx, &req)
			if st.IsError() {
				d.freeCodecLocked()
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

func (d *decodeComponent) openLocked(ctx context.Context, codecID hw.CodecID) error {
	id, ok := CodecIDToAstiav(codecID)
	if !ok {
		return fmt.Errorf("codec %s is not supported", codecID)
	}
	codec := astiav.FindDecoder(id)
	if codec == nil {
		return fmt.Errorf("libav has no decoder for %s", id)
	}
	codecContext := astiav.AllocCodecContext(codec)
	if codecContext == nil {
		return fmt.Errorf("unable to allocate a codec context for %s", codec.Name())
	}
	codecContext.SetTimeBase(timeBase)
	if n := d.engine().config.ThreadCount; n > 0 {
		codecContext.SetThreadCount(n)
	}
	if err := codecContext.Open(codec, nil); err != nil {
		codecContext.Free()
		return fmt.Errorf("unable to open %s: %w", codec.Name(), err)
	}
	logger.Debugf(ctx, "libav: opened decoder %s", codec.Name())
	d.codecContext = codecContext
	d.packet = astiav.AllocPacket()
	d.draining = false
	return nil
}

func (d *decodeComponent) freeCodecLocked() {
	d.dropPendingLocked()
	if d.packet != nil {
		d.packet.Free()
		d.packet = nil
	}
	if d.codecContext != nil {
		d.codecContext.Free()
		d.codecContext = nil
	}
}

func (d *decodeComponent) dropPendingLocked() {
	for _, f := range d.pending {
		f.Free()
	}
	d.pending = nil
}

// Reset drops everything buffered in the decoder; a geometry that does not
// fit the allocated surfaces requires Close and Init.
func (d *decodeComponent) Reset(ctx context.Context, par *hw.VideoParam) hw.Status {
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
		d.dropPendingLocked()
		d.codecContext.FlushBuffers()
		d.draining = false
		return hw.StatusOK
	})
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
	d.initialized = false
	d.freeCodecLocked()
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
	if work != nil && work.Data.Locked > 0 {
		return nil, hw.SyncPointNone, hw.StatusErrMoreSurface
	}

	if bs == nil {
		if !d.draining {
			d.draining = true
			if err := d.codecContext.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
				logger.Debugf(ctx, "libav: unable to start draining: %v", err)
			}
			if st := d.receiveLocked(ctx); st.IsError() {
				return nil, hw.SyncPointNone, st
			}
		}
		if len(d.pending) == 0 {
			return nil, hw.SyncPointNone, hw.StatusErrMoreData
		}
		if work == nil {
			return nil, hw.SyncPointNone, hw.StatusErrMoreSurface
		}
		return d.outputLocked(ctx, work)
	}
	if work == nil {
		return nil, hw.SyncPointNone, hw.StatusErrNullPtr
	}

	codecID := d.param.CodecID
	for len(d.pending) == 0 {
		payload := bs.Payload()
		auLen := bitstream.AccessUnitLength(codecID, payload)
		if auLen == 0 {
			return nil, hw.SyncPointNone, hw.StatusErrMoreData
		}
		if st := d.sendLocked(ctx, payload[:auLen], bs.TimeStamp); st.IsError() {
			return nil, hw.SyncPointNone, st
		}
		bs.Consume(uint32(auLen))
		if st := d.receiveLocked(ctx); st.IsError() {
			return nil, hw.SyncPointNone, st
		}
	}
	return d.outputLocked(ctx, work)
}

func (d *decodeComponent) sendLocked(ctx context.Context, au []byte, ts uint64) hw.Status {
	d.draining = false
	defer d.packet.Unref()
	if err := d.packet.FromData(au); err != nil {
		logger.Debugf(ctx, "libav: unable to fill a packet: %v", err)
		return hw.StatusErrMemoryAlloc
	}
	if ts == hw.TimestampUnknown {
		d.packet.SetPts(astiav.NoPtsValue)
	} else {
		d.packet.SetPts(int64(ts))
	}
	d.packet.SetDts(astiav.NoPtsValue)
	err := d.codecContext.SendPacket(d.packet)
	switch {
	case err == nil:
		return hw.StatusOK
	case errors.Is(err, astiav.ErrEagain), errors.Is(err, astiav.ErrEof):
		logger.Errorf(ctx, "libav: the decoder refused a packet: %v", err)
		return hw.StatusErrUndefinedBehavior
	default:
		// a broken access unit is skipped like the hardware does
		logger.Debugf(ctx, "libav: access unit dropped: %v", err)
		return hw.StatusOK
	}
}

func (d *decodeComponent) receiveLocked(ctx context.Context) hw.Status {
	for {
		f := astiav.AllocFrame()
		err := d.codecContext.ReceiveFrame(f)
		if err != nil {
			f.Free()
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return hw.StatusOK
			}
			logger.Errorf(ctx, "libav: unable to receive a frame: %v", err)
			return hw.StatusErrUndefinedBehavior
		}
		d.pending = append(d.pending, f)
	}
}

// outputLocked writes the oldest decoded picture into work.
func (d *decodeComponent) outputLocked(
	ctx context.Context,
	work *hw.FrameSurface,
) (*hw.FrameSurface, hw.SyncPoint, hw.Status) {
	f := d.pending[0]
	d.pending = d.pending[1:]
	defer f.Free()

	img, err := f.Data().GuessImageFormat()
	if err != nil {
		logger.Errorf(ctx, "libav: unsupported pixel format %s: %v", f.PixelFormat(), err)
		return nil, hw.SyncPointNone, hw.StatusErrUnsupported
	}
	if err := f.Data().ToImage(img); err != nil {
		logger.Errorf(ctx, "libav: unable to read the picture: %v", err)
		return nil, hw.SyncPointNone, hw.StatusErrUndefinedBehavior
	}

	frameInfo := d.param.FrameInfo
	st := d.session.withPlanes(ctx, work, func(planes [][]byte, pitches []int) hw.Status {
		err := pixfmt.FromImage(
			work.Info.FourCC, planes, pitches,
			int(work.Info.Width), int(work.Info.Height),
			image.Point{}, img,
		)
		if err != nil {
			logger.Debugf(ctx, "libav: unable to write the surface: %v", err)
			return hw.StatusErrUnsupported
		}
		return hw.StatusOK
	})
	if st.IsError() {
		return nil, hw.SyncPointNone, st
	}

	work.Info.CropX, work.Info.CropY = 0, 0
	work.Info.CropW = uint16(min(f.Width(), int(work.Info.Width)))
	work.Info.CropH = uint16(min(f.Height(), int(work.Info.Height)))
	work.Info.PicStruct = hw.PicStructProgressive
	work.Info.FrameRateExtN, work.Info.FrameRateExtD = frameInfo.FrameRateExtN, frameInfo.FrameRateExtD
	work.Data.TimeStamp = hw.TimestampUnknown
	if pts := f.Pts(); pts != astiav.NoPtsValue && pts >= 0 {
		work.Data.TimeStamp = uint64(pts)
	}
	work.Data.FrameOrder = d.frameOrder
	work.Data.Corrupted = 0
	work.Data.Locked++
	d.frameOrder++

	syncPoint := d.session.submit(ctx, func(ctx context.Context) {
		if work.Data.Locked > 0 {
			work.Data.Locked--
		}
	})
	logger.Tracef(ctx, "libav: decoded %s", work)
	return work, syncPoint, hw.StatusOK
}
