package surfacepool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/display/softdisplay"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/hw/hwsim"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/task"
)

var testInfo = hw.FrameInfo{FourCC: hw.FourCCNV12, Width: 64, Height: 48, CropW: 64, CropH: 48}

func newTestTask(t *testing.T, count uint16) (context.Context, *task.Task, *softdisplay.Display) {
	ctx := context.Background()
	disp := softdisplay.New()
	agg := task.NewAggregator(ctx, hwsim.New(hwsim.DefaultConfig()), disp, task.AggregatorOptions{})
	tk, err := task.New(ctx, agg, task.TypeDecoder)
	require.NoError(t, err)
	require.NoError(t, tk.UseVideoMemory(ctx))
	tk.SetRequest(ctx, hw.FrameAllocRequest{
		Info:              testInfo,
		Type:              hw.MemTypeDecoderTarget | hw.MemTypeFromDecode,
		NumFrameMin:       count,
		NumFrameSuggested: count,
	})
	t.Cleanup(func() { _ = agg.Close(ctx) })
	return ctx, tk, disp
}

func TestPoolUnrefReturnsToFree(t *testing.T) {
	ctx, tk, disp := newTestTask(t, 3)
	p, err := New(ctx, Config{Provider: tk})
	require.NoError(t, err)

	s, err := p.GetSurface(ctx)
	require.NoError(t, err)
	require.True(t, s.IsFromProvider())
	require.Equal(t, Stats{Used: 1, Allocated: 1}, p.Stats(ctx))

	s.Unref(ctx)
	require.False(t, s.IsDestroyed(ctx))
	require.Equal(t, Stats{Free: 1, Allocated: 1, Reclaimed: 1}, p.Stats(ctx))
	_, acquired, _ := tk.BufferStats(ctx)
	require.Equal(t, 1, acquired)
	require.Equal(t, 3, disp.LiveBuffers(ctx))

	again, err := p.GetSurface(ctx)
	require.NoError(t, err)
	require.Same(t, s, again)
	require.Equal(t, int64(1), again.RefCount())
	require.Equal(t, uint64(1), p.AllocatedCount.Load())
}

func TestPoolFIFO(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{Info: testInfo, Residency: surface.ResidencySystem})
	require.NoError(t, err)

	var surfaces []*surface.Surface
	for i := 0; i < 3; i++ {
		s, err := p.GetSurface(ctx)
		require.NoError(t, err)
		surfaces = append(surfaces, s)
	}
	for _, s := range surfaces {
		s.Unref(ctx)
	}
	for _, expected := range surfaces {
		s, err := p.GetSurface(ctx)
		require.NoError(t, err)
		require.Same(t, expected, s)
	}
}

func TestPoolExhaustion(t *testing.T) {
	t.Run("device", func(t *testing.T) {
		ctx := context.Background()
		disp := softdisplay.New()
		p, err := New(ctx, Config{Display: disp, Info: testInfo, Residency: surface.ResidencyDevice})
		require.NoError(t, err)

		s, err := p.GetSurface(ctx)
		require.NoError(t, err)
		require.Equal(t, surface.ResidencyDevice, s.Residency())

		disp.FailAllocations.Store(true)
		_, err = p.GetSurface(ctx)
		require.ErrorIs(t, err, ErrExhausted)
		require.ErrorIs(t, err, softdisplay.ErrInjected)
		require.Equal(t, Stats{Used: 1, Allocated: 1}, p.Stats(ctx))
	})
	t.Run("task", func(t *testing.T) {
		ctx, tk, _ := newTestTask(t, 2)
		p, err := New(ctx, Config{Provider: tk})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err := p.GetSurface(ctx)
			require.NoError(t, err)
		}
		_, err = p.GetSurface(ctx)
		require.ErrorIs(t, err, ErrExhausted)
		require.ErrorIs(t, err, task.ErrNoFreeBuffers)
		require.Equal(t, Stats{Used: 2, Allocated: 2}, p.Stats(ctx))
	})
}

func TestPoolLockedSurface(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{Info: testInfo, Residency: surface.ResidencySystem})
	require.NoError(t, err)

	s, err := p.GetSurface(ctx)
	require.NoError(t, err)
	s.HW().Data.Locked = 1
	s.Unref(ctx)
	require.Equal(t, Stats{Used: 1, Allocated: 1}, p.Stats(ctx))

	other, err := p.GetSurface(ctx)
	require.NoError(t, err)
	require.NotSame(t, s, other)
	require.Equal(t, uint64(2), p.AllocatedCount.Load())

	s.HW().Data.Locked = 0
	p.GC(ctx)
	require.Equal(t, Stats{Used: 1, Free: 1, Allocated: 2, Reclaimed: 1}, p.Stats(ctx))
}

func TestPoolFindSurface(t *testing.T) {
	ctx, tk, _ := newTestTask(t, 2)
	p, err := New(ctx, Config{Provider: tk})
	require.NoError(t, err)

	s, err := p.GetSurface(ctx)
	require.NoError(t, err)
	require.Same(t, s, p.FindSurface(ctx, s.HW()))

	byMemID := &hw.FrameSurface{Data: hw.FrameData{MemID: s.MemID()}}
	require.Same(t, s, p.FindSurface(ctx, byMemID))

	require.Panics(t, func() {
		p.FindSurface(ctx, &hw.FrameSurface{})
	})
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	disp := softdisplay.New()
	p, err := New(ctx, Config{Display: disp, Info: testInfo, Residency: surface.ResidencyDevice})
	require.NoError(t, err)

	kept, err := p.GetSurface(ctx)
	require.NoError(t, err)
	released, err := p.GetSurface(ctx)
	require.NoError(t, err)
	released.Unref(ctx)
	require.Equal(t, 2, disp.LiveBuffers(ctx))

	require.NoError(t, p.Close(ctx))
	require.Equal(t, 1, disp.LiveBuffers(ctx))
	_, err = p.GetSurface(ctx)
	require.ErrorIs(t, err, ErrClosed)

	kept.Unref(ctx)
	require.Zero(t, disp.LiveBuffers(ctx))
}

func TestPoolUnsupportedFormat(t *testing.T) {
	_, err := New(context.Background(), Config{Info: hw.FrameInfo{FourCC: hw.FourCC(1), Width: 16, Height: 16}})
	require.ErrorIs(t, err, surface.ErrUnsupportedFormat)
}
