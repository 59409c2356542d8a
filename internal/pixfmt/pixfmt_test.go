package pixfmt

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/hw"
)

func allocPlanes(t *testing.T, fourCC hw.FourCC, w, h int) ([][]byte, []int) {
	layout, ok := fourCC.Layout(w, h)
	require.True(t, ok)
	planes := make([][]byte, len(layout.Pitches))
	for idx, pitch := range layout.Pitches {
		planes[idx] = make([]byte, pitch*layout.Heights[idx])
	}
	return planes, layout.Pitches
}

func TestFillToImage(t *testing.T) {
	for _, tc := range []struct {
		name   string
		fourCC hw.FourCC
		color  color.Color
	}{
		{name: "nv12", fourCC: hw.FourCCNV12, color: color.YCbCr{Y: 100, Cb: 50, Cr: 200}},
		{name: "bgra", fourCC: hw.FourCCBGRA, color: color.RGBA{R: 10, G: 20, B: 30, A: 255}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			planes, pitches := allocPlanes(t, tc.fourCC, 16, 8)
			require.NoError(t, Fill(tc.fourCC, planes, pitches, 16, 8, tc.color))

			img, err := ToImage(tc.fourCC, planes, pitches, image.Rect(2, 2, 10, 6))
			require.NoError(t, err)
			require.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())
			require.Equal(t, tc.color, img.ColorModel().Convert(img.At(3, 1)))
		})
	}
}

func TestFromImageClips(t *testing.T) {
	planes, pitches := allocPlanes(t, hw.FourCCBGRA, 8, 8)
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	red := color.RGBA{R: 255, A: 255}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src.SetRGBA(x, y, red)
		}
	}

	require.NoError(t, FromImage(hw.FourCCBGRA, planes, pitches, 8, 8, image.Pt(6, 6), src))
	img, err := ToImage(hw.FourCCBGRA, planes, pitches, image.Rect(0, 0, 8, 8))
	require.NoError(t, err)
	require.Equal(t, red, img.At(7, 7))
	require.Equal(t, color.RGBA{}, img.At(5, 5))

	require.NoError(t, FromImage(hw.FourCCBGRA, planes, pitches, 8, 8, image.Pt(8, 8), src))
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := ToImage(hw.FourCCYUY2, [][]byte{{}}, []int{0}, image.Rect(0, 0, 1, 1))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	err = Fill(hw.FourCCP010, nil, nil, 1, 1, color.Black)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = ToImage(hw.FourCCNV12, [][]byte{{}}, []int{0}, image.Rect(0, 0, 1, 1))
	require.Error(t, err)
}
