// Package pixfmt converts frame planes to and from Go images.
package pixfmt

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/xaionaro-go/msdk/hw"
)

var ErrUnsupportedFormat = errors.New("unsupported pixel format")

// ToImage copies the rect of the planes into a new image: *image.YCbCr for
// NV12, *image.RGBA for BGRA.
func ToImage(
	fourCC hw.FourCC,
	planes [][]byte,
	pitches []int,
	rect image.Rectangle,
) (image.Image, error) {
	switch fourCC {
	case hw.FourCCNV12:
		if len(planes) < 2 || len(pitches) < 2 {
			return nil, fmt.Errorf("NV12 requires 2 planes, got %d", len(planes))
		}
		return nv12ToYCbCr(planes, pitches, rect), nil
	case hw.FourCCBGRA:
		if len(planes) < 1 || len(pitches) < 1 {
			return nil, fmt.Errorf("BGRA requires 1 plane, got %d", len(planes))
		}
		return bgraToRGBA(planes[0], pitches[0], rect), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, fourCC)
	}
}

// FromImage writes img into the planes with its top left corner placed at
// origin; pixels outside width x height are dropped.
func FromImage(
	fourCC hw.FourCC,
	planes [][]byte,
	pitches []int,
	width, height int,
	origin image.Point,
	img image.Image,
) error {
	bounds := img.Bounds()
	w := min(bounds.Dx(), width-origin.X)
	h := min(bounds.Dy(), height-origin.Y)
	if w <= 0 || h <= 0 {
		return nil
	}

	switch fourCC {
	case hw.FourCCNV12:
		if len(planes) < 2 || len(pitches) < 2 {
			return fmt.Errorf("NV12 requires 2 planes, got %d", len(planes))
		}
		luma, chroma := planes[0], planes[1]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.YCbCrModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.YCbCr)
				dx, dy := origin.X+x, origin.Y+y
				luma[dy*pitches[0]+dx] = c.Y
				if dx%2 == 0 && dy%2 == 0 {
					off := (dy/2)*pitches[1] + (dx/2)*2
					chroma[off] = c.Cb
					chroma[off+1] = c.Cr
				}
			}
		}
	case hw.FourCCBGRA:
		if len(planes) < 1 || len(pitches) < 1 {
			return fmt.Errorf("BGRA requires 1 plane, got %d", len(planes))
		}
		rgba, ok := img.(*image.RGBA)
		if !ok {
			rgba = image.NewRGBA(image.Rect(0, 0, w, h))
			draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
			bounds = rgba.Bounds()
		}
		for y := 0; y < h; y++ {
			src := rgba.Pix[(bounds.Min.Y-rgba.Rect.Min.Y+y)*rgba.Stride+(bounds.Min.X-rgba.Rect.Min.X)*4:]
			dst := planes[0][(origin.Y+y)*pitches[0]+origin.X*4:]
			for x := 0; x < w; x++ {
				dst[x*4+0] = src[x*4+2]
				dst[x*4+1] = src[x*4+1]
				dst[x*4+2] = src[x*4+0]
				dst[x*4+3] = src[x*4+3]
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, fourCC)
	}
	return nil
}

// Fill paints the whole frame with one color.
func Fill(
	fourCC hw.FourCC,
	planes [][]byte,
	pitches []int,
	width, height int,
	c color.Color,
) error {
	switch fourCC {
	case hw.FourCCNV12:
		if len(planes) < 2 || len(pitches) < 2 {
			return fmt.Errorf("NV12 requires 2 planes, got %d", len(planes))
		}
		ycc := color.YCbCrModel.Convert(c).(color.YCbCr)
		for y := 0; y < height; y++ {
			row := planes[0][y*pitches[0]:]
			for x := 0; x < width; x++ {
				row[x] = ycc.Y
			}
		}
		for y := 0; y < (height+1)/2; y++ {
			row := planes[1][y*pitches[1]:]
			for x := 0; x < (width+1)/2; x++ {
				row[x*2] = ycc.Cb
				row[x*2+1] = ycc.Cr
			}
		}
	case hw.FourCCBGRA:
		if len(planes) < 1 || len(pitches) < 1 {
			return fmt.Errorf("BGRA requires 1 plane, got %d", len(planes))
		}
		rgba := color.RGBAModel.Convert(c).(color.RGBA)
		for y := 0; y < height; y++ {
			row := planes[0][y*pitches[0]:]
			for x := 0; x < width; x++ {
				row[x*4+0] = rgba.B
				row[x*4+1] = rgba.G
				row[x*4+2] = rgba.R
				row[x*4+3] = rgba.A
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, fourCC)
	}
	return nil
}

func nv12ToYCbCr(planes [][]byte, pitches []int, rect image.Rectangle) *image.YCbCr {
	w, h := rect.Dx(), rect.Dy()
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for y := 0; y < h; y++ {
		sy := rect.Min.Y + y
		copy(img.Y[y*img.YStride:y*img.YStride+w], planes[0][sy*pitches[0]+rect.Min.X:])
	}
	for y := 0; y < (h+1)/2; y++ {
		sy := rect.Min.Y/2 + y
		for x := 0; x < (w+1)/2; x++ {
			off := sy*pitches[1] + (rect.Min.X/2+x)*2
			img.Cb[y*img.CStride+x] = planes[1][off]
			img.Cr[y*img.CStride+x] = planes[1][off+1]
		}
	}
	return img
}

func bgraToRGBA(plane []byte, pitch int, rect image.Rectangle) *image.RGBA {
	w, h := rect.Dx(), rect.Dy()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := plane[(rect.Min.Y+y)*pitch+rect.Min.X*4:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			dst[x*4+0] = src[x*4+2]
			dst[x*4+1] = src[x*4+1]
			dst[x*4+2] = src[x*4+0]
			dst[x*4+3] = src[x*4+3]
		}
	}
	return img
}
