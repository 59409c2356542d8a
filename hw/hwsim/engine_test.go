package hwsim

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal/pixfmt"
)

func newSystemSurface(t *testing.T, info hw.FrameInfo) *hw.FrameSurface {
	layout, ok := info.FourCC.Layout(int(info.Width), int(info.Height))
	require.True(t, ok)
	fs := &hw.FrameSurface{Info: info}
	for idx := range layout.Pitches {
		fs.Data.Planes = append(fs.Data.Planes, make([]byte, layout.Pitches[idx]*layout.Heights[idx]))
	}
	fs.Data.Pitches = layout.Pitches
	return fs
}

func fillSurface(t *testing.T, fs *hw.FrameSurface, c color.Color) {
	require.NoError(t, pixfmt.Fill(fs.Info.FourCC, fs.Data.Planes, fs.Data.Pitches, int(fs.Info.Width), int(fs.Info.Height), c))
}

func surfaceColor(t *testing.T, fs *hw.FrameSurface) color.YCbCr {
	img, err := pixfmt.ToImage(fs.Info.FourCC, fs.Data.Planes, fs.Data.Pitches, image.Rect(0, 0, 1, 1))
	require.NoError(t, err)
	return color.YCbCrModel.Convert(img.At(0, 0)).(color.YCbCr)
}

func openDecoder(
	t *testing.T,
	cfg Config,
	stream StreamBuilder,
) (context.Context, *Engine, *Session, hw.FrameInfo) {
	ctx := context.Background()
	e := New(cfg)
	sess, err := e.Open(ctx, hw.ImplementationSoftware)
	require.NoError(t, err)
	s := sess.(*Session)

	par := &hw.VideoParam{CodecID: hw.CodecIDAVC, IOPattern: hw.IOPatternOutSystemMemory}
	bs := &hw.Bitstream{Data: stream.AccessUnit(0)}
	bs.DataLength = uint32(len(bs.Data))
	require.Equal(t, hw.StatusOK, s.Decode().DecodeHeader(ctx, bs, par))
	require.Equal(t, uint32(len(bs.Data)), bs.DataLength, "DecodeHeader must not consume")
	require.Equal(t, hw.StatusOK, s.Decode().Init(ctx, par))
	return ctx, e, s, par.FrameInfo
}

func TestDecodeHeader(t *testing.T) {
	for _, tc := range []struct {
		name           string
		width, height  int
		expectedWidth  uint16
		expectedHeight uint16
	}{
		{name: "aligned", width: 320, height: 240, expectedWidth: 320, expectedHeight: 240},
		{name: "cropped", width: 100, height: 60, expectedWidth: 112, expectedHeight: 64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, info := openDecoder(t, DefaultConfig(), StreamBuilder{Width: tc.width, Height: tc.height})
			require.Equal(t, hw.FourCCNV12, info.FourCC)
			require.Equal(t, tc.expectedWidth, info.Width)
			require.Equal(t, tc.expectedHeight, info.Height)
			require.Equal(t, uint16(tc.width), info.CropW)
			require.Equal(t, uint16(tc.height), info.CropH)
			require.Equal(t, hw.PicStructProgressive, info.PicStruct)
		})
	}
}

func TestDecodeFrameAsync(t *testing.T) {
	stream := StreamBuilder{Width: 64, Height: 48, GopSize: 2}
	ctx, e, s, info := openDecoder(t, DefaultConfig(), stream)

	var data []byte
	for idx := 0; idx < 3; idx++ {
		data = append(data, stream.AccessUnit(idx)...)
	}
	bs := &hw.Bitstream{Data: data, DataLength: uint32(len(data)), TimeStamp: 9000}

	for idx := 0; idx < 3; idx++ {
		work := newSystemSurface(t, info)
		out, syncPoint, st := s.Decode().DecodeFrameAsync(ctx, bs, work)
		require.Equal(t, hw.StatusOK, st)
		require.Same(t, work, out)
		require.NotEqual(t, hw.SyncPointNone, syncPoint)
		require.Equal(t, uint16(1), out.Data.Locked)
		require.Equal(t, uint32(idx), out.Data.FrameOrder)

		require.Equal(t, hw.StatusOK, s.SyncOperation(ctx, syncPoint, 0))
		require.Zero(t, out.Data.Locked)
		require.Equal(t, FrameColor(idx).Y, surfaceColor(t, out).Y)
	}
	require.Zero(t, bs.DataLength)

	_, _, st := s.Decode().DecodeFrameAsync(ctx, bs, newSystemSurface(t, info))
	require.Equal(t, hw.StatusErrMoreData, st)
	_, _, st = s.Decode().DecodeFrameAsync(ctx, nil, nil)
	require.Equal(t, hw.StatusErrMoreData, st)

	consumed := e.ConsumedChunks(ctx)
	require.Len(t, consumed, 3)
	for idx, chunk := range consumed {
		require.Equal(t, stream.AccessUnit(idx), chunk)
	}
}

func TestDecodeFrameAsyncDelay(t *testing.T) {
	stream := StreamBuilder{Width: 64, Height: 48}
	cfg := DefaultConfig()
	cfg.Delay = 1
	ctx, _, s, info := openDecoder(t, cfg, stream)

	data := append(stream.AccessUnit(0), stream.AccessUnit(1)...)
	bs := &hw.Bitstream{Data: data, DataLength: uint32(len(data))}

	first := newSystemSurface(t, info)
	out, _, st := s.Decode().DecodeFrameAsync(ctx, bs, first)
	require.Equal(t, hw.StatusErrMoreSurface, st)
	require.Nil(t, out)

	// the work surface is locked by the decoder now
	_, _, st = s.Decode().DecodeFrameAsync(ctx, bs, first)
	require.Equal(t, hw.StatusErrMoreSurface, st)

	out, syncPoint, st := s.Decode().DecodeFrameAsync(ctx, bs, newSystemSurface(t, info))
	require.Equal(t, hw.StatusOK, st)
	require.Same(t, first, out)
	require.Equal(t, hw.StatusOK, s.SyncOperation(ctx, syncPoint, 0))

	out, syncPoint, st = s.Decode().DecodeFrameAsync(ctx, nil, nil)
	require.Equal(t, hw.StatusOK, st)
	require.NotNil(t, out)
	require.Equal(t, hw.StatusOK, s.SyncOperation(ctx, syncPoint, 0))

	_, _, st = s.Decode().DecodeFrameAsync(ctx, nil, nil)
	require.Equal(t, hw.StatusErrMoreData, st)
}

func TestDecodeFrameAsyncIncompatible(t *testing.T) {
	ctx, e, s, info := openDecoder(t, DefaultConfig(), StreamBuilder{Width: 64, Height: 48})

	data := StreamBuilder{Width: 128, Height: 96}.AccessUnit(0)
	bs := &hw.Bitstream{Data: data, DataLength: uint32(len(data))}
	_, _, st := s.Decode().DecodeFrameAsync(ctx, bs, newSystemSurface(t, info))
	require.Equal(t, hw.StatusErrIncompatibleVideoParam, st)
	require.Equal(t, uint32(len(data)), bs.DataLength)
	require.Empty(t, e.ConsumedChunks(ctx))

	par := &hw.VideoParam{CodecID: hw.CodecIDAVC}
	require.Equal(t, hw.StatusOK, s.Decode().DecodeHeader(ctx, bs, par))
	require.Equal(t, hw.StatusErrIncompatibleVideoParam, s.Decode().Reset(ctx, par))
}

func TestInjectFault(t *testing.T) {
	stream := StreamBuilder{Width: 64, Height: 48}
	ctx, e, s, info := openDecoder(t, DefaultConfig(), stream)

	e.InjectFault(ctx, OpDecodeFrameAsync, hw.StatusWarnDeviceBusy, 2)
	require.Equal(t, 2, e.PendingFaults(ctx, OpDecodeFrameAsync))

	data := stream.AccessUnit(0)
	bs := &hw.Bitstream{Data: data, DataLength: uint32(len(data))}
	work := newSystemSurface(t, info)
	for i := 0; i < 2; i++ {
		_, _, st := s.Decode().DecodeFrameAsync(ctx, bs, work)
		require.Equal(t, hw.StatusWarnDeviceBusy, st)
		require.Equal(t, uint32(len(data)), bs.DataLength)
	}
	_, _, st := s.Decode().DecodeFrameAsync(ctx, bs, work)
	require.Equal(t, hw.StatusOK, st)
	require.Zero(t, e.PendingFaults(ctx, OpDecodeFrameAsync))

	e.InjectFault(ctx, OpOpen, hw.StatusErrDeviceFailed, 1)
	_, err := e.Open(ctx, hw.ImplementationSoftware)
	require.ErrorIs(t, err, hw.StatusErrDeviceFailed)
}

func TestSyncLatency(t *testing.T) {
	stream := StreamBuilder{Width: 64, Height: 48}
	cfg := DefaultConfig()
	cfg.SyncLatency = 2
	ctx, _, s, info := openDecoder(t, cfg, stream)

	data := stream.AccessUnit(0)
	bs := &hw.Bitstream{Data: data, DataLength: uint32(len(data))}
	out, syncPoint, st := s.Decode().DecodeFrameAsync(ctx, bs, newSystemSurface(t, info))
	require.Equal(t, hw.StatusOK, st)
	require.Equal(t, hw.StatusWarnInExecution, s.SyncOperation(ctx, syncPoint, 0))
	require.Equal(t, hw.StatusWarnInExecution, s.SyncOperation(ctx, syncPoint, 0))
	require.Equal(t, uint16(1), out.Data.Locked)
	require.Equal(t, hw.StatusOK, s.SyncOperation(ctx, syncPoint, 0))
	require.Zero(t, out.Data.Locked)
	require.Zero(t, s.PendingOperations(ctx))
	require.Equal(t, hw.StatusErrNullPtr, s.SyncOperation(ctx, syncPoint, 0))
}

func TestSessionJoinClose(t *testing.T) {
	ctx := context.Background()
	e := New(DefaultConfig())
	parent, err := e.Open(ctx, hw.ImplementationAuto)
	require.NoError(t, err)
	child, err := e.Open(ctx, hw.ImplementationAuto)
	require.NoError(t, err)

	require.Equal(t, hw.StatusOK, parent.Join(ctx, child))
	require.Equal(t, hw.StatusErrUndefinedBehavior, parent.Close(ctx))
	require.Equal(t, hw.StatusOK, child.Disjoin(ctx))
	require.Equal(t, hw.StatusErrUndefinedBehavior, child.Disjoin(ctx))
	require.Equal(t, hw.StatusOK, child.Close(ctx))
	require.Equal(t, hw.StatusOK, parent.Close(ctx))
	require.Equal(t, hw.StatusErrInvalidHandle, parent.Close(ctx))

	require.Equal(t, uint64(2), e.OpenCount.Load())
	require.Len(t, e.Sessions(ctx), 2)
	require.True(t, parent.(*Session).IsClosed(ctx))
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	ctx := context.Background()
	e := New(DefaultConfig())
	sess, err := e.Open(ctx, hw.ImplementationSoftware)
	require.NoError(t, err)

	info := hw.FrameInfo{FourCC: hw.FourCCNV12, Width: 64, Height: 48, CropW: 64, CropH: 48}
	par := &hw.VideoParam{
		CodecID:   hw.CodecIDAVC,
		IOPattern: hw.IOPatternInSystemMemory,
		FrameInfo: info,
		ExtParams: []hw.ExtBuffer{&hw.ExtCodingOption{AUDelimiter: true}},
	}
	require.Equal(t, hw.StatusOK, sess.Encode().Init(ctx, par))

	colors := []color.YCbCr{{Y: 50, Cb: 100, Cr: 150}, {Y: 200, Cb: 90, Cr: 60}}
	var stream []byte
	for idx, c := range colors {
		in := newSystemSurface(t, info)
		fillSurface(t, in, c)
		in.Data.TimeStamp = uint64(idx) * 3000

		bs := &hw.Bitstream{Data: make([]byte, 0, 1024)}
		syncPoint, st := sess.Encode().EncodeFrameAsync(ctx, nil, in, bs)
		require.Equal(t, hw.StatusOK, st)
		require.Equal(t, uint16(1), in.Data.Locked)
		require.Equal(t, hw.StatusOK, sess.SyncOperation(ctx, syncPoint, 0))
		require.Zero(t, in.Data.Locked)
		require.Equal(t, in.Data.TimeStamp, bs.TimeStamp)
		if idx == 0 {
			require.NotZero(t, bs.FrameType&hw.FrameTypeIDR)
		} else {
			require.Zero(t, bs.FrameType&hw.FrameTypeIDR)
		}
		stream = append(stream, bs.Payload()...)
	}

	_, st := sess.Encode().EncodeFrameAsync(ctx, nil, newSystemSurface(t, info), &hw.Bitstream{Data: make([]byte, 0, 4)})
	require.Equal(t, hw.StatusErrNotEnoughBuffer, st)
	_, st = sess.Encode().EncodeFrameAsync(ctx, nil, nil, &hw.Bitstream{})
	require.Equal(t, hw.StatusErrMoreData, st)

	decSession, err := e.Open(ctx, hw.ImplementationSoftware)
	require.NoError(t, err)
	bs := &hw.Bitstream{Data: stream, DataLength: uint32(len(stream))}
	decPar := &hw.VideoParam{CodecID: hw.CodecIDAVC, IOPattern: hw.IOPatternOutSystemMemory}
	require.Equal(t, hw.StatusOK, decSession.Decode().DecodeHeader(ctx, bs, decPar))
	require.Equal(t, uint16(64), decPar.FrameInfo.CropW)
	require.Equal(t, hw.StatusOK, decSession.Decode().Init(ctx, decPar))
	for _, c := range colors {
		out, syncPoint, st := decSession.Decode().DecodeFrameAsync(ctx, bs, newSystemSurface(t, decPar.FrameInfo))
		require.Equal(t, hw.StatusOK, st)
		require.Equal(t, hw.StatusOK, decSession.SyncOperation(ctx, syncPoint, 0))
		require.Equal(t, c, surfaceColor(t, out))
	}
}

func openVPP(t *testing.T, par *hw.VideoParam) (context.Context, hw.Session) {
	ctx := context.Background()
	sess, err := New(DefaultConfig()).Open(ctx, hw.ImplementationSoftware)
	require.NoError(t, err)
	par.IOPattern = hw.IOPatternInSystemMemory | hw.IOPatternOutSystemMemory
	require.Equal(t, hw.StatusOK, sess.VPP().Init(ctx, par))
	return ctx, sess
}

func TestVPPScaleAndConvert(t *testing.T) {
	in := hw.FrameInfo{FourCC: hw.FourCCNV12, Width: 64, Height: 48, CropW: 64, CropH: 48}
	out := hw.FrameInfo{FourCC: hw.FourCCBGRA, Width: 32, Height: 24, CropW: 32, CropH: 24}
	ctx, sess := openVPP(t, &hw.VideoParam{VPPIn: in, VPPOut: out})

	src := newSystemSurface(t, in)
	c := color.YCbCr{Y: 120, Cb: 80, Cr: 170}
	fillSurface(t, src, c)
	src.Data.TimeStamp = 1234
	dst := newSystemSurface(t, out)

	syncPoint, st := sess.VPP().RunFrameVPPAsync(ctx, src, dst)
	require.Equal(t, hw.StatusOK, st)
	require.Equal(t, uint16(1), src.Data.Locked)
	require.Equal(t, uint16(1), dst.Data.Locked)
	require.Equal(t, hw.StatusOK, sess.SyncOperation(ctx, syncPoint, 0))
	require.Zero(t, src.Data.Locked)
	require.Zero(t, dst.Data.Locked)
	require.Equal(t, uint64(1234), dst.Data.TimeStamp)

	expected := color.RGBAModel.Convert(c).(color.RGBA)
	img, err := pixfmt.ToImage(dst.Info.FourCC, dst.Data.Planes, dst.Data.Pitches, dst.Info.CropRect())
	require.NoError(t, err)
	got := color.RGBAModel.Convert(img.At(16, 12)).(color.RGBA)
	require.InDelta(t, float64(expected.R), float64(got.R), 3)
	require.InDelta(t, float64(expected.G), float64(got.G), 3)
	require.InDelta(t, float64(expected.B), float64(got.B), 3)
}

func TestVPPFrameRateConversion(t *testing.T) {
	for _, tc := range []struct {
		name     string
		outRateN uint32
		statuses []hw.Status
	}{
		{name: "double", outRateN: 60, statuses: []hw.Status{hw.StatusErrMoreSurface, hw.StatusOK, hw.StatusErrMoreSurface, hw.StatusOK}},
		{name: "half", outRateN: 15, statuses: []hw.Status{hw.StatusErrMoreData, hw.StatusOK, hw.StatusErrMoreData, hw.StatusOK}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := hw.FrameInfo{FourCC: hw.FourCCNV12, Width: 16, Height: 16, CropW: 16, CropH: 16, FrameRateExtN: 30, FrameRateExtD: 1}
			out := in
			out.FrameRateExtN = tc.outRateN
			ctx, sess := openVPP(t, &hw.VideoParam{
				VPPIn:     in,
				VPPOut:    out,
				ExtParams: []hw.ExtBuffer{&hw.ExtVPPFrameRateConversion{Algorithm: hw.FrameRateConversionDistributedTimestamp}},
			})

			src := newSystemSurface(t, in)
			var timestamps []uint64
			for _, expected := range tc.statuses {
				dst := newSystemSurface(t, out)
				syncPoint, st := sess.VPP().RunFrameVPPAsync(ctx, src, dst)
				require.Equal(t, expected, st)
				if syncPoint != hw.SyncPointNone {
					require.Equal(t, hw.StatusOK, sess.SyncOperation(ctx, syncPoint, 0))
					timestamps = append(timestamps, dst.Data.TimeStamp)
				}
				if st != hw.StatusErrMoreSurface {
					src.Data.TimeStamp += 3000
				}
			}
			step := uint64(hw.TimestampClockRate) / uint64(tc.outRateN)
			for idx, ts := range timestamps {
				require.Equal(t, timestamps[0]+uint64(idx)*step, ts)
			}
		})
	}
}

func TestVPPRotate(t *testing.T) {
	in := hw.FrameInfo{FourCC: hw.FourCCBGRA, Width: 32, Height: 16, CropW: 32, CropH: 16}
	out := hw.FrameInfo{FourCC: hw.FourCCBGRA, Width: 16, Height: 32, CropW: 16, CropH: 32}
	ctx, sess := openVPP(t, &hw.VideoParam{
		VPPIn:     in,
		VPPOut:    out,
		ExtParams: []hw.ExtBuffer{&hw.ExtVPPRotation{Angle: hw.Angle90}},
	})

	src := newSystemSurface(t, in)
	fillSurface(t, src, color.RGBA{R: 255, A: 255})
	dst := newSystemSurface(t, out)
	syncPoint, st := sess.VPP().RunFrameVPPAsync(ctx, src, dst)
	require.Equal(t, hw.StatusOK, st)
	require.Equal(t, hw.StatusOK, sess.SyncOperation(ctx, syncPoint, 0))
	require.Equal(t, uint16(16), dst.Info.CropW)
	require.Equal(t, uint16(32), dst.Info.CropH)
	// BGRA: red is the third byte
	center := dst.Data.Planes[0][16*dst.Data.Pitches[0]+8*4:]
	require.InDelta(t, 255, float64(center[2]), 2)
}
