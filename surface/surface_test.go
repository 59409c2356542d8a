package surface

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/display/softdisplay"
	"github.com/xaionaro-go/msdk/hw"
)

func testInfo(fourCC hw.FourCC) hw.FrameInfo {
	return hw.FrameInfo{
		FourCC: fourCC,
		Width:  32,
		Height: 16,
		CropW:  32,
		CropH:  16,
	}
}

func TestSurfaceNew(t *testing.T) {
	ctx := context.Background()
	disp := softdisplay.New()

	for _, residency := range []Residency{ResidencySystem, ResidencyDevice} {
		t.Run(residency.String(), func(t *testing.T) {
			s, err := New(ctx, disp, testInfo(hw.FourCCNV12), residency)
			require.NoError(t, err)
			require.Equal(t, int64(1), s.RefCount())
			require.Equal(t, residency, s.Residency())
			require.Equal(t, residency == ResidencySystem, s.IsMapped(ctx))

			planes, err := s.Map(ctx)
			require.NoError(t, err)
			require.Len(t, planes, 2)
			require.Len(t, planes[0], 32*16)
			require.Len(t, planes[1], 32*8)
			require.NoError(t, s.Unmap(ctx))

			s.Unref(ctx)
			require.True(t, s.IsDestroyed(ctx))
		})
	}
	require.Zero(t, disp.LiveBuffers(ctx))
}

func TestSurfaceNewUnsupportedFormat(t *testing.T) {
	ctx := context.Background()
	info := testInfo(hw.FourCC(0x12345678))
	_, err := New(ctx, softdisplay.New(), info, ResidencySystem)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestSurfaceNewAllocationFailure(t *testing.T) {
	ctx := context.Background()
	disp := softdisplay.New()
	disp.FailAllocations.Store(true)
	_, err := New(ctx, disp, testInfo(hw.FourCCNV12), ResidencyDevice)
	require.ErrorIs(t, err, softdisplay.ErrInjected)
	require.Zero(t, disp.LiveBuffers(ctx))
}

func TestSurfaceMapNesting(t *testing.T) {
	ctx := context.Background()
	disp := softdisplay.New()
	s, err := New(ctx, disp, testInfo(hw.FourCCNV12), ResidencyDevice)
	require.NoError(t, err)
	defer s.Unref(ctx)

	require.ErrorIs(t, s.Unmap(ctx), ErrNotMapped)

	p0, err := s.Map(ctx)
	require.NoError(t, err)
	p1, err := s.Map(ctx)
	require.NoError(t, err)
	require.Same(t, &p0[0][0], &p1[0][0])
	require.Equal(t, uint64(1), disp.MapCount.Load())

	require.NoError(t, s.Unmap(ctx))
	require.True(t, s.IsMapped(ctx))
	require.NoError(t, s.Unmap(ctx))
	require.False(t, s.IsMapped(ctx))
	require.Equal(t, uint64(1), disp.UnmapCount.Load())
}

func TestSurfaceMapFailure(t *testing.T) {
	ctx := context.Background()
	disp := softdisplay.New()
	s, err := New(ctx, disp, testInfo(hw.FourCCNV12), ResidencyDevice)
	require.NoError(t, err)
	defer s.Unref(ctx)

	disp.FailMaps.Store(true)
	_, err = s.Map(ctx)
	require.ErrorIs(t, err, softdisplay.ErrInjected)
	require.False(t, s.IsMapped(ctx))
}

type testReleaseHandler struct {
	keep     bool
	released []*Surface
}

func (h *testReleaseHandler) OnSurfaceRelease(ctx context.Context, s *Surface) bool {
	h.released = append(h.released, s)
	return h.keep
}

func TestSurfaceReleaseHandler(t *testing.T) {
	ctx := context.Background()
	disp := softdisplay.New()

	for _, keep := range []bool{true, false} {
		s, err := New(ctx, disp, testInfo(hw.FourCCNV12), ResidencyDevice)
		require.NoError(t, err)
		h := &testReleaseHandler{keep: keep}
		s.SetReleaseHandler(h)

		s.Ref()
		s.Unref(ctx)
		require.Empty(t, h.released)

		s.Unref(ctx)
		require.Equal(t, []*Surface{s}, h.released)
		require.Equal(t, !keep, s.IsDestroyed(ctx))
		if keep {
			s.Destroy(ctx)
		}
	}
	require.Zero(t, disp.LiveBuffers(ctx))
}

func TestSurfaceUnrefBelowZero(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, nil, testInfo(hw.FourCCNV12), ResidencySystem)
	require.NoError(t, err)
	s.Unref(ctx)
	require.Panics(t, func() {
		s.Unref(ctx)
	})
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	disp := softdisplay.New()
	a, err := New(ctx, disp, testInfo(hw.FourCCNV12), ResidencyDevice)
	require.NoError(t, err)
	b, err := New(ctx, disp, testInfo(hw.FourCCNV12), ResidencyDevice)
	require.NoError(t, err)

	var slot *Surface
	Replace(ctx, &slot, a)
	require.Equal(t, a, slot)
	require.Equal(t, int64(2), a.RefCount())

	Replace(ctx, &slot, b)
	require.Equal(t, b, slot)
	require.Equal(t, int64(1), a.RefCount())
	require.Equal(t, int64(2), b.RefCount())

	Replace(ctx, &slot, nil)
	require.Nil(t, slot)
	require.Equal(t, int64(1), b.RefCount())

	a.Unref(ctx)
	b.Unref(ctx)
	require.Zero(t, disp.LiveBuffers(ctx))
}

func TestSurfaceImageRoundtrip(t *testing.T) {
	ctx := context.Background()

	for _, fourCC := range []hw.FourCC{hw.FourCCNV12, hw.FourCCBGRA} {
		t.Run(fourCC.String(), func(t *testing.T) {
			s, err := New(ctx, softdisplay.New(), testInfo(fourCC), ResidencyDevice)
			require.NoError(t, err)
			defer s.Unref(ctx)

			src := image.NewRGBA(image.Rect(0, 0, 32, 16))
			for y := 0; y < 16; y++ {
				for x := 0; x < 32; x++ {
					src.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
				}
			}
			require.NoError(t, s.FromImage(ctx, src))

			img, err := s.ToImage(ctx)
			require.NoError(t, err)
			require.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())

			r, g, b, _ := img.At(5, 5).RGBA()
			require.InDelta(t, 200, r>>8, 3)
			require.InDelta(t, 100, g>>8, 3)
			require.InDelta(t, 50, b>>8, 3)
			require.False(t, s.IsMapped(ctx))
		})
	}
}
