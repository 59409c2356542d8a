package encoder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/nareix/joy4/codec/h264parser"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/display/softdisplay"
	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/hw/hwsim"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/surfacepool"
	"github.com/xaionaro-go/msdk/task"
)

const frameDuration = 40 * time.Millisecond

type testEnv struct {
	ctx    context.Context
	engine *hwsim.Engine
	agg    *task.Aggregator
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.Background()
	engine := hwsim.New(hwsim.DefaultConfig())
	agg := task.NewAggregator(ctx, engine, softdisplay.New(), task.AggregatorOptions{})
	t.Cleanup(func() { _ = agg.Close(ctx) })
	return &testEnv{ctx: ctx, engine: engine, agg: agg}
}

func (env *testEnv) newEncoder(t *testing.T, params Params) *Encoder {
	e, err := New(env.ctx, env.agg, params)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(env.ctx) })
	return e
}

func testInfo(fourCC hw.FourCC, w, h uint16) hw.FrameInfo {
	return hw.FrameInfo{
		FourCC:    fourCC,
		Width:     hw.Align16(w),
		Height:    hw.Align16(h),
		CropW:     w,
		CropH:     h,
		PicStruct: hw.PicStructProgressive,
	}
}

func (env *testEnv) newInput(t *testing.T, info hw.FrameInfo, idx int) *frame.Frame {
	s, err := surface.New(env.ctx, nil, info, surface.ResidencySystem)
	require.NoError(t, err)
	require.NoError(t, s.FromImage(env.ctx, image.NewUniform(color.YCbCr{Y: uint8(16 + idx*10), Cb: 128, Cr: 128})))
	f := &frame.Frame{
		PTS:      time.Duration(idx) * frameDuration,
		DTS:      frame.NoPTS,
		Duration: frameDuration,
		Surface:  s,
	}
	t.Cleanup(func() { f.Release(env.ctx) })
	return f
}

func (env *testEnv) encode(t *testing.T, e *Encoder, in *frame.Frame) *frame.EncodedFrame {
	encoded, err := e.Encode(env.ctx, in)
	require.NoError(t, err)
	require.Len(t, encoded, 1)
	return encoded[0]
}

func TestEncodeSystemMemory(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEncoder(t, Params{GopSize: 3})

	_, err := e.Headers(env.ctx)
	require.ErrorIs(t, err, ErrNoHeaders)

	info := testInfo(hw.FourCCNV12, 64, 48)
	var keyFrames []int
	for idx := 0; idx < 7; idx++ {
		f := env.encode(t, e, env.newInput(t, info, idx))
		require.Equal(t, time.Duration(idx)*frameDuration, f.PTS)
		require.Equal(t, f.PTS, f.DTS)
		require.True(t, bytes.HasPrefix(f.Data, bitstream.StartCode))
		if f.IsKeyFrame {
			keyFrames = append(keyFrames, idx)
			require.NotEmpty(t, bitstream.ParameterSets(hw.CodecIDAVC, f.Data))
		}
	}
	require.Equal(t, []int{0, 3, 6}, keyFrames)

	tk := e.Task(env.ctx)
	require.False(t, tk.IsBorrower())
	require.True(t, tk.IsSessionOwner())
	require.Nil(t, e.Converter(env.ctx))

	headers, err := e.Headers(env.ctx)
	require.NoError(t, err)
	require.Len(t, headers, 2)

	codecData, err := e.CodecData(env.ctx)
	require.NoError(t, err)
	parsed, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(codecData)
	require.NoError(t, err)
	require.Equal(t, []int{64, 48}, []int{parsed.Width(), parsed.Height()})

	flushed, err := e.Flush(env.ctx)
	require.NoError(t, err)
	require.Empty(t, flushed)

	stats := e.Stats()
	require.Equal(t, uint64(7), stats.FramesIn)
	require.Equal(t, uint64(7), stats.FramesOut)
	require.Equal(t, uint64(3), stats.KeyFrames)
	require.NotZero(t, stats.BytesOut)
}

func TestEncodeSharesSessionWithProducer(t *testing.T) {
	env := newTestEnv(t)
	info := testInfo(hw.FourCCNV12, 64, 48)

	peer, err := task.New(env.ctx, env.agg, task.TypeDecoder)
	require.NoError(t, err)
	require.NoError(t, peer.UseVideoMemory(env.ctx))
	peer.SetRequest(env.ctx, hw.FrameAllocRequest{
		Info:              info,
		Type:              hw.MemTypeDecoderTarget | hw.MemTypeFromDecode,
		NumFrameMin:       4,
		NumFrameSuggested: 4,
	})
	pool, err := surfacepool.New(env.ctx, surfacepool.Config{Provider: peer})
	require.NoError(t, err)
	defer pool.Close(env.ctx)

	e := env.newEncoder(t, Params{})
	for idx := 0; idx < 3; idx++ {
		s, err := pool.GetSurface(env.ctx)
		require.NoError(t, err)
		require.NoError(t, s.FromImage(env.ctx, image.NewUniform(color.Gray{Y: 128})))
		in := &frame.Frame{PTS: time.Duration(idx) * frameDuration, DTS: frame.NoPTS, Surface: s}
		f := env.encode(t, e, in)
		require.Equal(t, idx == 0, f.IsKeyFrame)
		in.Release(env.ctx)
	}

	tk := e.Task(env.ctx)
	require.True(t, tk.IsBorrower())
	require.False(t, tk.IsSessionOwner())
	require.Same(t, peer.Session(), tk.Session())
	require.True(t, peer.HasType(task.TypeEncoder))
	require.Equal(t, uint64(1), env.engine.OpenCount.Load())

	require.NoError(t, e.Close(env.ctx))
	require.False(t, peer.IsClosed())
	require.Zero(t, env.engine.CloseCount.Load())
	require.Equal(t, []*task.Task{peer}, env.agg.Tasks(env.ctx))
}

func TestEncodeConvertsFormat(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEncoder(t, Params{})

	info := testInfo(hw.FourCCBGRA, 64, 48)
	for idx := 0; idx < 2; idx++ {
		f := env.encode(t, e, env.newInput(t, info, idx))
		require.Equal(t, time.Duration(idx)*frameDuration, f.PTS)
	}

	converter := e.Converter(env.ctx)
	require.NotNil(t, converter)
	require.Equal(t, hw.FourCCNV12, converter.OutputInfo(env.ctx).FourCC)
	require.Equal(t, uint64(2), converter.FramesOut.Load())
	require.Equal(t, hw.FourCCNV12, e.Task(env.ctx).GetVideoParam(env.ctx).FrameInfo.FourCC)

	require.NoError(t, e.Close(env.ctx))
	require.Empty(t, env.agg.Tasks(env.ctx))
}

func TestEncodeRequestKeyFrame(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEncoder(t, Params{GopSize: 100})

	info := testInfo(hw.FourCCNV12, 64, 48)
	var keyFrames []int
	for idx := 0; idx < 5; idx++ {
		if idx == 2 {
			e.RequestKeyFrame(env.ctx)
		}
		if f := env.encode(t, e, env.newInput(t, info, idx)); f.IsKeyFrame {
			keyFrames = append(keyFrames, idx)
		}
	}
	require.Equal(t, []int{0, 2}, keyFrames)
}

func TestEncodeAUDelimiter(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		t.Run(map[bool]string{false: "disabled", true: "enabled"}[enabled], func(t *testing.T) {
			env := newTestEnv(t)
			e := env.newEncoder(t, Params{AUDelimiter: enabled})
			f := env.encode(t, e, env.newInput(t, testInfo(hw.FourCCNV12, 64, 48), 0))
			nals := bitstream.FindNALUnits(f.Data)
			require.NotEmpty(t, nals)
			first := bitstream.NALType(hw.CodecIDAVC, nals[0].Bytes(f.Data))
			require.Equal(t, enabled, first == bitstream.AVCNALTypeAUD)
		})
	}
}

func TestEncodeGrowsBuffer(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEncoder(t, Params{})
	e.bufferSize = 4

	f := env.encode(t, e, env.newInput(t, testInfo(hw.FourCCNV12, 64, 48), 0))
	require.Greater(t, len(f.Data), 4)
	require.True(t, f.IsKeyFrame)
}

func TestEncodeDeviceBusy(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEncoder(t, Params{BusyRetries: 3})
	info := testInfo(hw.FourCCNV12, 64, 48)

	env.encode(t, e, env.newInput(t, info, 0))
	env.engine.InjectFault(env.ctx, hwsim.OpEncodeFrameAsync, hw.StatusWarnDeviceBusy, 2)
	env.encode(t, e, env.newInput(t, info, 1))
	require.Equal(t, uint64(2), e.Stats().BusyRetries)

	env.engine.InjectFault(env.ctx, hwsim.OpEncodeFrameAsync, hw.StatusWarnDeviceBusy, 10)
	_, err := e.Encode(env.ctx, env.newInput(t, info, 2))
	require.ErrorIs(t, err, ErrBusy)
}

func TestEncodeSyncRetries(t *testing.T) {
	for _, tc := range []struct {
		name        string
		syncRetries int
		expectedErr error
	}{
		{name: "completes_in_time", syncRetries: 10},
		{name: "stays_in_execution", syncRetries: 2, expectedErr: ErrSync},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := hwsim.DefaultConfig()
			cfg.SyncLatency = 5
			engine := hwsim.New(cfg)
			agg := task.NewAggregator(ctx, engine, softdisplay.New(), task.AggregatorOptions{})
			t.Cleanup(func() { _ = agg.Close(ctx) })
			env := &testEnv{ctx: ctx, engine: engine, agg: agg}
			e := env.newEncoder(t, Params{SyncRetries: tc.syncRetries})

			encoded, err := e.Encode(ctx, env.newInput(t, testInfo(hw.FourCCNV12, 64, 48), 0))
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				require.Empty(t, encoded)
				return
			}
			require.NoError(t, err)
			require.Len(t, encoded, 1)
			require.True(t, encoded[0].IsKeyFrame)
		})
	}
}

func TestEncodeInputChange(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEncoder(t, Params{GopSize: 100})

	env.encode(t, e, env.newInput(t, testInfo(hw.FourCCNV12, 64, 48), 0))
	env.encode(t, e, env.newInput(t, testInfo(hw.FourCCNV12, 64, 48), 1))
	first := e.Task(env.ctx)

	f := env.encode(t, e, env.newInput(t, testInfo(hw.FourCCNV12, 32, 32), 2))
	require.True(t, f.IsKeyFrame)
	require.True(t, first.IsClosed())
	require.NotSame(t, first, e.Task(env.ctx))

	codecData, err := e.CodecData(env.ctx)
	require.NoError(t, err)
	parsed, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(codecData)
	require.NoError(t, err)
	require.Equal(t, []int{32, 32}, []int{parsed.Width(), parsed.Height()})
}

func TestEncodeClose(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEncoder(t, Params{})
	env.encode(t, e, env.newInput(t, testInfo(hw.FourCCNV12, 64, 48), 0))

	closed := false
	e.OnClose(func() { closed = true })
	require.NoError(t, e.Close(env.ctx))
	require.NoError(t, e.Close(env.ctx))
	require.True(t, closed)
	require.Empty(t, env.agg.Tasks(env.ctx))
	require.Equal(t, uint64(1), env.engine.CloseCount.Load())

	_, err := e.Encode(env.ctx, env.newInput(t, testInfo(hw.FourCCNV12, 64, 48), 1))
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.Flush(env.ctx)
	require.ErrorIs(t, err, ErrClosed)
}
