package hwsim

import (
	"context"
	"image"
	"image/color"
	"image/draw"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/transform"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal/pixfmt"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
)

type vppComponent struct {
	session *Session

	locker      xsync.Mutex
	initialized bool
	param       *hw.VideoParam
	response    *hw.FrameAllocResponse

	inputCount     uint64
	outputCount    uint64
	pendingOutputs uint64
	firstTimestamp uint64

	canvas         *image.RGBA
	compositeIndex int
}

var _ hw.VPPComponent = (*vppComponent)(nil)

func (v *vppComponent) engine() *Engine {
	return v.session.engine
}

func (v *vppComponent) Query(ctx context.Context, in, out *hw.VideoParam) hw.Status {
	if out == nil {
		return hw.StatusErrNullPtr
	}
	if in == nil {
		*out = hw.VideoParam{}
		return hw.StatusOK
	}
	*out = *in.Clone()
	return v.validate(in)
}

func (v *vppComponent) validate(par *hw.VideoParam) hw.Status {
	if par == nil {
		return hw.StatusErrNullPtr
	}
	for _, info := range []hw.FrameInfo{par.VPPIn, par.VPPOut} {
		if info.CropW == 0 || info.CropH == 0 {
			return hw.StatusErrInvalidVideoParam
		}
		if _, ok := info.FourCC.Layout(int(info.Width), int(info.Height)); !ok {
			return hw.StatusErrInvalidVideoParam
		}
	}
	return hw.StatusOK
}

func (v *vppComponent) QueryIOSurf(ctx context.Context, par *hw.VideoParam) ([2]hw.FrameAllocRequest, hw.Status) {
	if par == nil {
		return [2]hw.FrameAllocRequest{}, hw.StatusErrNullPtr
	}
	numMin := v.engine().config.NumFrameMin
	inType := hw.MemTypeFromVPPIn | hw.MemTypeExternalFrame
	if par.IOPattern.InVideoMemory() {
		inType |= hw.MemTypeProcessorTarget
	} else {
		inType |= hw.MemTypeSystemMemory
	}
	outType := hw.MemTypeFromVPPOut | hw.MemTypeExternalFrame
	if par.IOPattern.OutVideoMemory() {
		outType |= hw.MemTypeProcessorTarget
	} else {
		outType |= hw.MemTypeSystemMemory
	}
	return [2]hw.FrameAllocRequest{
		{Info: par.VPPIn, Type: inType, NumFrameMin: numMin, NumFrameSuggested: numMin + par.AsyncDepth},
		{Info: par.VPPOut, Type: outType, NumFrameMin: numMin, NumFrameSuggested: numMin + par.AsyncDepth},
	}, hw.StatusOK
}

func (v *vppComponent) Init(ctx context.Context, par *hw.VideoParam) hw.Status {
	if st := v.engine().popFault(ctx, OpInit); st != hw.StatusOK {
		return st
	}
	if st := v.validate(par); st.IsError() {
		return st
	}
	return xsync.DoR1(ctx, &v.locker, func() hw.Status {
		if v.initialized {
			return hw.StatusErrUndefinedBehavior
		}
		if par.IOPattern.OutVideoMemory() {
			reqs, st := v.QueryIOSurf(ctx, par)
			if st.IsError() {
				return st
			}
			resp, st := v.session.alloc(ctx, &reqs[1])
			if st.IsError() {
				return st
			}
			v.response = &resp
		}
		v.applyLocked(par)
		v.initialized = true
		return hw.StatusOK
	})
}

func (v *vppComponent) applyLocked(par *hw.VideoParam) {
	v.param = par.Clone()
	v.inputCount, v.outputCount, v.pendingOutputs = 0, 0, 0
	v.canvas = nil
	v.compositeIndex = 0
}

func (v *vppComponent) Reset(ctx context.Context, par *hw.VideoParam) hw.Status {
	if st := v.engine().popFault(ctx, OpReset); st != hw.StatusOK {
		return st
	}
	if st := v.validate(par); st.IsError() {
		return st
	}
	return xsync.DoR1(ctx, &v.locker, func() hw.Status {
		if !v.initialized {
			return hw.StatusErrNotInitialized
		}
		if !v.param.VPPOut.Fits(par.VPPOut) {
			return hw.StatusErrIncompatibleVideoParam
		}
		v.applyLocked(par)
		return hw.StatusOK
	})
}

func (v *vppComponent) Close(ctx context.Context) hw.Status {
	return xsync.DoR1(ctx, &v.locker, func() hw.Status {
		return v.closeLocked(ctx)
	})
}

func (v *vppComponent) closeLocked(ctx context.Context) hw.Status {
	if !v.initialized {
		return hw.StatusErrNotInitialized
	}
	v.initialized = false
	if v.response == nil {
		return hw.StatusOK
	}
	resp := v.response
	v.response = nil
	allocator := v.session.getAllocator(ctx)
	if allocator == nil {
		return hw.StatusOK
	}
	return allocator.Free(ctx, resp)
}

func (v *vppComponent) close(ctx context.Context) {
	v.locker.Do(ctx, func() {
		if v.initialized {
			v.closeLocked(ctx)
		}
	})
}

func (v *vppComponent) GetVideoParam(ctx context.Context, par *hw.VideoParam) hw.Status {
	if par == nil {
		return hw.StatusErrNullPtr
	}
	return xsync.DoR1(ctx, &v.locker, func() hw.Status {
		if !v.initialized {
			return hw.StatusErrNotInitialized
		}
		*par = *v.param.Clone()
		return hw.StatusOK
	})
}

// frameRateConversion returns the conversion block if the output frame rate
// differs from the input one.
func (v *vppComponent) frameRateConversion() *hw.ExtVPPFrameRateConversion {
	frc, _ := v.param.ExtParam(hw.ExtBufferIDVPPFrameRateConv).(*hw.ExtVPPFrameRateConversion)
	if frc == nil {
		return nil
	}
	in, out := v.param.VPPIn, v.param.VPPOut
	if in.FrameRateExtN == 0 || in.FrameRateExtD == 0 || out.FrameRateExtN == 0 || out.FrameRateExtD == 0 {
		return nil
	}
	if uint64(in.FrameRateExtN)*uint64(out.FrameRateExtD) == uint64(out.FrameRateExtN)*uint64(in.FrameRateExtD) {
		return nil
	}
	return frc
}

// outputsUntil returns how many output frames correspond to the first n input frames.
func (v *vppComponent) outputsUntil(n uint64) uint64 {
	in, out := v.param.VPPIn, v.param.VPPOut
	return n * uint64(out.FrameRateExtN) * uint64(in.FrameRateExtD) /
		(uint64(out.FrameRateExtD) * uint64(in.FrameRateExtN))
}

func (v *vppComponent) RunFrameVPPAsync(
	ctx context.Context,
	in *hw.FrameSurface,
	out *hw.FrameSurface,
) (hw.SyncPoint, hw.Status) {
	if st := v.engine().popFault(ctx, OpRunFrameVPPAsync); st != hw.StatusOK {
		return hw.SyncPointNone, st
	}
	return xsync.DoR2(ctx, &v.locker, func() (hw.SyncPoint, hw.Status) {
		return v.runFrameVPPAsyncLocked(ctx, in, out)
	})
}

func (v *vppComponent) runFrameVPPAsyncLocked(
	ctx context.Context,
	in *hw.FrameSurface,
	out *hw.FrameSurface,
) (hw.SyncPoint, hw.Status) {
	if !v.initialized {
		return hw.SyncPointNone, hw.StatusErrNotInitialized
	}
	if out == nil {
		return hw.SyncPointNone, hw.StatusErrNullPtr
	}
	if in == nil {
		return hw.SyncPointNone, hw.StatusErrMoreData
	}

	frc := v.frameRateConversion()
	if v.pendingOutputs == 0 {
		n := uint64(1)
		if frc != nil {
			n = v.outputsUntil(v.inputCount+1) - v.outputsUntil(v.inputCount)
		}
		v.inputCount++
		if n == 0 {
			return hw.SyncPointNone, hw.StatusErrMoreData
		}
		v.pendingOutputs = n
	}

	var img image.Image
	st := v.session.withPlanes(ctx, in, func(planes [][]byte, pitches []int) hw.Status {
		var err error
		img, err = pixfmt.ToImage(in.Info.FourCC, planes, pitches, in.Info.CropRect())
		if err != nil {
			logger.Debugf(ctx, "hwsim: unable to read the input surface: %v", err)
			return hw.StatusErrUnsupported
		}
		return hw.StatusOK
	})
	if st.IsError() {
		return hw.SyncPointNone, st
	}
	img = v.processLocked(in.Info, img)

	outInfo := v.param.VPPOut
	if composite, _ := v.param.ExtParam(hw.ExtBufferIDVPPComposite).(*hw.ExtVPPComposite); composite != nil && len(composite.Streams) > 0 {
		if v.compositeIndex == 0 || v.canvas == nil {
			v.canvas = image.NewRGBA(image.Rect(0, 0, int(outInfo.CropW), int(outInfo.CropH)))
			bg := color.YCbCr{Y: uint8(composite.Y), Cb: uint8(composite.U), Cr: uint8(composite.V)}
			draw.Draw(v.canvas, v.canvas.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
		}
		stream := composite.Streams[v.compositeIndex]
		scaled := transform.Resize(img, stream.Rect.Dx(), stream.Rect.Dy(), transform.Linear)
		if stream.GlobalAlphaEnable {
			mask := image.NewUniform(color.Alpha{A: uint8(stream.GlobalAlpha)})
			draw.DrawMask(v.canvas, stream.Rect, scaled, image.Point{}, mask, image.Point{}, draw.Over)
		} else {
			draw.Draw(v.canvas, stream.Rect, scaled, image.Point{}, draw.Src)
		}
		v.compositeIndex++
		if v.compositeIndex < len(composite.Streams) {
			v.pendingOutputs = 0
			return hw.SyncPointNone, hw.StatusErrMoreData
		}
		v.compositeIndex = 0
		img = v.canvas
	} else if img.Bounds().Dx() != int(outInfo.CropW) || img.Bounds().Dy() != int(outInfo.CropH) {
		img = transform.Resize(img, int(outInfo.CropW), int(outInfo.CropH), transform.Linear)
	}

	st = v.session.withPlanes(ctx, out, func(planes [][]byte, pitches []int) hw.Status {
		err := pixfmt.FromImage(
			outInfo.FourCC, planes, pitches,
			int(outInfo.CropX)+int(outInfo.CropW), int(outInfo.CropY)+int(outInfo.CropH),
			image.Pt(int(outInfo.CropX), int(outInfo.CropY)),
			img,
		)
		if err != nil {
			logger.Debugf(ctx, "hwsim: unable to write the output surface: %v", err)
			return hw.StatusErrUnsupported
		}
		return hw.StatusOK
	})
	if st.IsError() {
		return hw.SyncPointNone, st
	}

	out.Info.FourCC = outInfo.FourCC
	out.Info.CropX, out.Info.CropY = outInfo.CropX, outInfo.CropY
	out.Info.CropW, out.Info.CropH = outInfo.CropW, outInfo.CropH
	out.Info.FrameRateExtN, out.Info.FrameRateExtD = outInfo.FrameRateExtN, outInfo.FrameRateExtD
	out.Info.PicStruct = outInfo.PicStruct
	if out.Info.PicStruct == hw.PicStructUnknown {
		out.Info.PicStruct = in.Info.PicStruct
	}
	if v.param.ExtParam(hw.ExtBufferIDVPPDeinterlacing) != nil {
		out.Info.PicStruct = hw.PicStructProgressive
	}

	out.Data.TimeStamp = in.Data.TimeStamp
	if frc != nil {
		if v.outputCount == 0 {
			v.firstTimestamp = in.Data.TimeStamp
		}
		if frc.Algorithm&hw.FrameRateConversionDistributedTimestamp != 0 && v.firstTimestamp != hw.TimestampUnknown {
			out.Data.TimeStamp = v.firstTimestamp + v.outputCount*hw.TimestampClockRate*uint64(outInfo.FrameRateExtD)/uint64(outInfo.FrameRateExtN)
		} else if v.pendingOutputs > 1 {
			// only the last output of an input preserves its timestamp
			out.Data.TimeStamp = hw.TimestampUnknown
		}
	}
	out.Data.FrameOrder = uint32(v.outputCount)
	v.outputCount++
	v.pendingOutputs--

	in.Data.Locked++
	out.Data.Locked++
	syncPoint := v.session.submit(ctx, func(ctx context.Context) {
		if in.Data.Locked > 0 {
			in.Data.Locked--
		}
		if out.Data.Locked > 0 {
			out.Data.Locked--
		}
	})
	if v.pendingOutputs > 0 {
		return syncPoint, hw.StatusErrMoreSurface
	}
	return syncPoint, hw.StatusOK
}

// processLocked applies the filters which do not depend on the output geometry.
func (v *vppComponent) processLocked(inInfo hw.FrameInfo, img image.Image) image.Image {
	bounds := img.Bounds()
	if _, ok := v.param.ExtParam(hw.ExtBufferIDVPPDeinterlacing).(*hw.ExtVPPDeinterlacing); ok && inInfo.PicStruct.IsInterlaced() {
		// bob: keep one field and stretch it back
		field := transform.Resize(img, bounds.Dx(), (bounds.Dy()+1)/2, transform.NearestNeighbor)
		img = transform.Resize(field, bounds.Dx(), bounds.Dy(), transform.Linear)
	}
	if denoise, _ := v.param.ExtParam(hw.ExtBufferIDVPPDenoise).(*hw.ExtVPPDenoise); denoise != nil && denoise.Strength > 0 {
		img = blur.Gaussian(img, float64(denoise.Strength)/25)
	}
	if detail, _ := v.param.ExtParam(hw.ExtBufferIDVPPDetail).(*hw.ExtVPPDetail); detail != nil && detail.Strength > 0 {
		img = effect.Sharpen(img)
	}
	if procAmp, _ := v.param.ExtParam(hw.ExtBufferIDVPPProcAmp).(*hw.ExtVPPProcAmp); procAmp != nil {
		// zero means "unchanged" for every field
		if procAmp.Brightness != 0 {
			img = adjust.Brightness(img, procAmp.Brightness/100)
		}
		if procAmp.Contrast != 0 && procAmp.Contrast != 1 {
			img = adjust.Contrast(img, procAmp.Contrast-1)
		}
		if procAmp.Hue != 0 {
			img = adjust.Hue(img, int(procAmp.Hue))
		}
		if procAmp.Saturation != 0 && procAmp.Saturation != 1 {
			img = adjust.Saturation(img, procAmp.Saturation-1)
		}
	}
	if rotation, _ := v.param.ExtParam(hw.ExtBufferIDVPPRotation).(*hw.ExtVPPRotation); rotation != nil && rotation.Angle != hw.Angle0 {
		img = transform.Rotate(img, float64(rotation.Angle), &transform.RotationOptions{ResizeBounds: true})
	}
	return img
}
