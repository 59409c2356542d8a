package softdisplay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/display"
	"github.com/xaionaro-go/msdk/hw"
)

func TestBufferLifecycle(t *testing.T) {
	ctx := context.Background()
	d := New()

	buffers, err := d.CreateBuffers(ctx, hw.FourCCNV12, 32, 16, 2)
	require.NoError(t, err)
	require.Len(t, buffers, 2)
	require.NotEqual(t, buffers[0].ID(), buffers[1].ID())
	require.Equal(t, 2, d.LiveBuffers(ctx))

	img, err := d.DeriveImage(ctx, buffers[0])
	require.NoError(t, err)
	planes, err := d.MapImage(ctx, img)
	require.NoError(t, err)
	require.Len(t, planes, 2)
	require.Len(t, planes[0], 32*16)
	require.Len(t, planes[1], 32*8)
	planes[0][0] = 42

	_, err = d.MapImage(ctx, img)
	require.Error(t, err)
	require.NoError(t, d.UnmapImage(ctx, img))
	require.Error(t, d.UnmapImage(ctx, img))

	// the content survives unmapping
	img, err = d.DeriveImage(ctx, buffers[0])
	require.NoError(t, err)
	planes, err = d.MapImage(ctx, img)
	require.NoError(t, err)
	require.Equal(t, byte(42), planes[0][0])
	require.NoError(t, d.UnmapImage(ctx, img))
	require.Equal(t, uint64(2), d.MapCount.Load())
	require.Equal(t, uint64(2), d.UnmapCount.Load())

	require.NoError(t, d.DestroyBuffers(ctx, buffers))
	require.Zero(t, d.LiveBuffers(ctx))
	require.Error(t, d.DestroyBuffers(ctx, buffers[:1]))

	_, err = d.DeriveImage(ctx, buffers[1])
	require.Error(t, err)
}

func TestCreateBuffersErrors(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name    string
		fourCC  hw.FourCC
		count   int
		inject  bool
		isCause error
	}{
		{name: "unsupported_format", fourCC: hw.FourCC(1), count: 1},
		{name: "zero_count", fourCC: hw.FourCCNV12, count: 0},
		{name: "injected", fourCC: hw.FourCCNV12, count: 1, inject: true, isCause: ErrInjected},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := New()
			d.FailAllocations.Store(tc.inject)
			_, err := d.CreateBuffers(ctx, tc.fourCC, 16, 16, tc.count)
			var allocErr display.ErrAllocation
			require.True(t, errors.As(err, &allocErr))
			require.Equal(t, tc.count, allocErr.Count)
			if tc.isCause != nil {
				require.ErrorIs(t, err, tc.isCause)
			}
			require.Zero(t, d.LiveBuffers(ctx))
		})
	}
}

func TestFailMaps(t *testing.T) {
	ctx := context.Background()
	d := New()
	buffers, err := d.CreateBuffers(ctx, hw.FourCCBGRA, 8, 8, 1)
	require.NoError(t, err)

	d.FailMaps.Store(true)
	_, err = d.DeriveImage(ctx, buffers[0])
	require.ErrorIs(t, err, ErrInjected)
}
