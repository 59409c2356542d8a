package vpp

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/display/softdisplay"
	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/hw/hwsim"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/surfacepool"
	"github.com/xaionaro-go/msdk/task"
)

var (
	red  = color.YCbCr{Y: 81, Cb: 90, Cr: 240}
	blue = color.YCbCr{Y: 41, Cb: 240, Cr: 110}
)

func testInputInfo() hw.FrameInfo {
	return hw.FrameInfo{
		FourCC:        hw.FourCCNV12,
		Width:         64,
		Height:        48,
		CropW:         64,
		CropH:         48,
		FrameRateExtN: 25,
		FrameRateExtD: 1,
		PicStruct:     hw.PicStructProgressive,
	}
}

func newTestAggregator(t *testing.T) (context.Context, *task.Aggregator) {
	ctx := context.Background()
	agg := task.NewAggregator(ctx, hwsim.New(hwsim.DefaultConfig()), softdisplay.New(), task.AggregatorOptions{})
	t.Cleanup(func() { _ = agg.Close(ctx) })
	return ctx, agg
}

func newTestFilter(t *testing.T, ctx context.Context, agg *task.Aggregator, params Params) *Filter {
	f, err := New(ctx, agg, params)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(ctx) })
	return f
}

func newInput(t *testing.T, ctx context.Context, info hw.FrameInfo, c color.YCbCr, pts time.Duration) *frame.Frame {
	s, err := surface.New(ctx, nil, info, surface.ResidencySystem)
	require.NoError(t, err)
	require.NoError(t, s.FromImage(ctx, image.NewUniform(c)))
	t.Cleanup(func() { s.Unref(ctx) })
	return &frame.Frame{
		PTS:         pts,
		DTS:         frame.NoPTS,
		Duration:    40 * time.Millisecond,
		IsSyncPoint: true,
		Surface:     s,
		Interlace:   frame.InterlaceModeFromPicStruct(info.PicStruct),
	}
}

func colorAt(t *testing.T, ctx context.Context, f *frame.Frame, x, y int) color.YCbCr {
	img, err := f.Surface.ToImage(ctx)
	require.NoError(t, err)
	min := img.Bounds().Min
	return color.YCbCrModel.Convert(img.At(min.X+x, min.Y+y)).(color.YCbCr)
}

func requireColor(t *testing.T, expected, actual color.YCbCr) {
	require.InDelta(t, expected.Y, actual.Y, 3)
	require.InDelta(t, expected.Cb, actual.Cb, 3)
	require.InDelta(t, expected.Cr, actual.Cr, 3)
}

func TestFilterScale(t *testing.T) {
	ctx, agg := newTestAggregator(t)
	f := newTestFilter(t, ctx, agg, Params{Output: OutputInfo{Width: 32, Height: 24}})

	in := newInput(t, ctx, testInputInfo(), red, 80*time.Millisecond)
	outs, err := f.Process(ctx, in)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	out := outs[0]
	defer out.Release(ctx)

	require.Equal(t, 80*time.Millisecond, out.PTS)
	require.Equal(t, 40*time.Millisecond, out.Duration)
	require.Equal(t, frame.InterlaceProgressive, out.Interlace)
	require.True(t, out.Surface.IsFromProvider())
	info := out.Surface.Info()
	require.Equal(t, []uint16{32, 24}, []uint16{info.CropW, info.CropH})
	requireColor(t, red, colorAt(t, ctx, out, 16, 12))

	require.Equal(t, task.TypeVPPOut, f.Task(ctx).Type())
	require.Equal(t, uint16(32), f.OutputInfo(ctx).CropW)
	require.Equal(t, uint64(1), f.FramesOut.Load())
}

func TestFilterSystemMemory(t *testing.T) {
	ctx, agg := newTestAggregator(t)
	f := newTestFilter(t, ctx, agg, Params{SystemMemory: true})

	outs, err := f.Process(ctx, newInput(t, ctx, testInputInfo(), blue, 0))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	defer frame.ReleaseAll(ctx, outs)
	require.Equal(t, surface.ResidencySystem, outs[0].Surface.Residency())
	requireColor(t, blue, colorAt(t, ctx, outs[0], 0, 0))
}

func TestFilterInputFromAnotherTask(t *testing.T) {
	ctx, agg := newTestAggregator(t)

	peer, err := task.New(ctx, agg, task.TypeDecoder)
	require.NoError(t, err)
	require.NoError(t, peer.UseVideoMemory(ctx))
	peer.SetRequest(ctx, hw.FrameAllocRequest{
		Info:              testInputInfo(),
		Type:              hw.MemTypeDecoderTarget | hw.MemTypeFromDecode,
		NumFrameMin:       2,
		NumFrameSuggested: 2,
	})
	pool, err := surfacepool.New(ctx, surfacepool.Config{Provider: peer})
	require.NoError(t, err)
	s, err := pool.GetSurface(ctx)
	require.NoError(t, err)
	require.NoError(t, s.FromImage(ctx, image.NewUniform(red)))
	in := &frame.Frame{PTS: 0, DTS: frame.NoPTS, Surface: s}
	defer in.Release(ctx)

	f := newTestFilter(t, ctx, agg, Params{Output: OutputInfo{FourCC: hw.FourCCBGRA}})
	outs, err := f.Process(ctx, in)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	defer frame.ReleaseAll(ctx, outs)

	require.True(t, peer.HasType(task.TypeVPPIn))
	require.False(t, f.Task(ctx).Reaches(ctx, s))
	require.False(t, s.IsMapped(ctx))
	require.Equal(t, hw.FourCCBGRA, outs[0].Surface.Info().FourCC)
	requireColor(t, red, colorAt(t, ctx, outs[0], 8, 8))
}

func TestFilterFrameRateConversion(t *testing.T) {
	const frameDuration = 40 * time.Millisecond
	for _, tc := range []struct {
		name      string
		frameRate int
		algorithm hw.FrameRateConversionAlgorithm
		expected  [][]time.Duration
	}{
		{
			name:      "double_preserve",
			frameRate: 50,
			algorithm: hw.FrameRateConversionPreserveTimestamp,
			expected: [][]time.Duration{
				{-20 * time.Millisecond, 0},
				{20 * time.Millisecond, 40 * time.Millisecond},
				{60 * time.Millisecond, 80 * time.Millisecond},
			},
		},
		{
			name:      "double_distributed",
			frameRate: 50,
			algorithm: hw.FrameRateConversionDistributedTimestamp,
			expected: [][]time.Duration{
				{0, 20 * time.Millisecond},
				{40 * time.Millisecond, 60 * time.Millisecond},
				{80 * time.Millisecond, 100 * time.Millisecond},
			},
		},
		{
			name:      "halve",
			frameRate: 0,
			algorithm: hw.FrameRateConversionPreserveTimestamp,
			expected: [][]time.Duration{
				nil,
				{40 * time.Millisecond},
				nil,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, agg := newTestAggregator(t)
			params := Params{
				Operations: []hw.ExtBuffer{&hw.ExtVPPFrameRateConversion{Algorithm: tc.algorithm}},
			}
			params.Output.FrameRate.Num, params.Output.FrameRate.Den = tc.frameRate, 1
			if tc.frameRate == 0 {
				params.Output.FrameRate.Num, params.Output.FrameRate.Den = 25, 2
			}
			f := newTestFilter(t, ctx, agg, params)

			for idx, expected := range tc.expected {
				outs, err := f.Process(ctx, newInput(t, ctx, testInputInfo(), red, time.Duration(idx)*frameDuration))
				require.NoError(t, err)
				var ptss []time.Duration
				for _, out := range outs {
					ptss = append(ptss, out.PTS)
				}
				require.Equal(t, expected, ptss)
				frame.ReleaseAll(ctx, outs)
			}
		})
	}
}

func TestFilterOperations(t *testing.T) {
	ctx, agg := newTestAggregator(t)
	f := newTestFilter(t, ctx, agg, Params{
		Operations: []hw.ExtBuffer{&hw.ExtVPPDenoise{Strength: 10}},
	})

	// before the first frame the set just changes
	require.NoError(t, f.SetOperation(ctx, &hw.ExtVPPDenoise{Strength: 20}))
	require.Len(t, f.Operations(ctx), 1)
	require.Zero(t, f.Resets.Load())

	outs, err := f.Process(ctx, newInput(t, ctx, testInputInfo(), red, 0))
	require.NoError(t, err)
	frame.ReleaseAll(ctx, outs)
	initialTask := f.Task(ctx)

	require.NoError(t, f.SetOperation(ctx, &hw.ExtVPPDetail{Strength: 50}))
	require.Equal(t, uint64(1), f.Resets.Load())
	par := f.Task(ctx).GetVideoParam(ctx)
	require.NotNil(t, par.ExtParam(hw.ExtBufferIDVPPDetail))
	require.Equal(t, uint16(20), par.ExtParam(hw.ExtBufferIDVPPDenoise).(*hw.ExtVPPDenoise).Strength)

	require.NoError(t, f.RemoveOperation(ctx, hw.ExtBufferIDVPPDenoise))
	require.Equal(t, uint64(2), f.Resets.Load())
	require.Nil(t, f.Task(ctx).GetVideoParam(ctx).ExtParam(hw.ExtBufferIDVPPDenoise))
	require.NoError(t, f.RemoveOperation(ctx, hw.ExtBufferIDVPPDenoise))
	require.Equal(t, uint64(2), f.Resets.Load())
	require.Same(t, initialTask, f.Task(ctx))

	// the rotated output does not fit the allocated Surfaces
	require.NoError(t, f.SetOperation(ctx, &hw.ExtVPPRotation{Angle: hw.Angle90}))
	require.NotSame(t, initialTask, f.Task(ctx))
	require.True(t, initialTask.IsClosed())
	require.Equal(t, []uint16{48, 64}, []uint16{f.OutputInfo(ctx).CropW, f.OutputInfo(ctx).CropH})

	outs, err = f.Process(ctx, newInput(t, ctx, testInputInfo(), blue, 40*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	defer frame.ReleaseAll(ctx, outs)
	info := outs[0].Surface.Info()
	require.Equal(t, []uint16{48, 64}, []uint16{info.CropW, info.CropH})
	requireColor(t, blue, colorAt(t, ctx, outs[0], 24, 32))
}

func TestFilterDeinterlace(t *testing.T) {
	ctx, agg := newTestAggregator(t)
	f := newTestFilter(t, ctx, agg, Params{
		Operations: []hw.ExtBuffer{&hw.ExtVPPDeinterlacing{Mode: hw.DeinterlacingModeBOB}},
	})

	info := testInputInfo()
	info.PicStruct = hw.PicStructFieldTFF
	in := newInput(t, ctx, info, red, 0)
	require.True(t, in.Interlace.IsInterlaced())

	outs, err := f.Process(ctx, in)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	defer frame.ReleaseAll(ctx, outs)
	require.Equal(t, frame.InterlaceProgressive, outs[0].Interlace)
	requireColor(t, red, colorAt(t, ctx, outs[0], 10, 10))
}

func TestFilterComposite(t *testing.T) {
	ctx, agg := newTestAggregator(t)
	f := newTestFilter(t, ctx, agg, Params{
		Operations: []hw.ExtBuffer{&hw.ExtVPPComposite{
			Y: 16, U: 128, V: 128,
			Streams: []hw.CompositeStream{
				{Rect: image.Rect(0, 0, 32, 48)},
				{Rect: image.Rect(32, 0, 64, 48)},
			},
		}},
	})

	outs, err := f.Process(ctx, newInput(t, ctx, testInputInfo(), red, 0))
	require.NoError(t, err)
	require.Empty(t, outs)

	outs, err = f.Process(ctx, newInput(t, ctx, testInputInfo(), blue, 0))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	defer frame.ReleaseAll(ctx, outs)
	requireColor(t, red, colorAt(t, ctx, outs[0], 8, 24))
	requireColor(t, blue, colorAt(t, ctx, outs[0], 56, 24))
}

func TestFilterSyncRetries(t *testing.T) {
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
			agg := task.NewAggregator(ctx, hwsim.New(cfg), softdisplay.New(), task.AggregatorOptions{})
			t.Cleanup(func() { _ = agg.Close(ctx) })
			f := newTestFilter(t, ctx, agg, Params{SyncRetries: tc.syncRetries})

			outs, err := f.Process(ctx, newInput(t, ctx, testInputInfo(), red, 0))
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				require.Empty(t, outs)
				require.Zero(t, f.FramesOut.Load())
				return
			}
			require.NoError(t, err)
			require.Len(t, outs, 1)
			defer frame.ReleaseAll(ctx, outs)
			requireColor(t, red, colorAt(t, ctx, outs[0], 0, 0))
		})
	}
}

func TestFilterClose(t *testing.T) {
	ctx, agg := newTestAggregator(t)
	f := newTestFilter(t, ctx, agg, Params{})

	outs, err := f.Process(ctx, newInput(t, ctx, testInputInfo(), red, 0))
	require.NoError(t, err)
	require.Len(t, outs, 1)

	closed := false
	f.OnClose(func() { closed = true })
	require.NoError(t, f.Close(ctx))
	require.NoError(t, f.Close(ctx))
	require.True(t, closed)
	require.Empty(t, agg.Tasks(ctx))

	_, err = f.Process(ctx, newInput(t, ctx, testInputInfo(), red, 0))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, f.SetOperation(ctx, &hw.ExtVPPDenoise{}), ErrClosed)

	// the output outlives the filter
	requireColor(t, red, colorAt(t, ctx, outs[0], 0, 0))
	frame.ReleaseAll(ctx, outs)
}
