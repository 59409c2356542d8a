package surface

import (
	"context"
	"fmt"
	"image"

	"github.com/xaionaro-go/msdk/internal/pixfmt"
)

// ToImage copies the visible pixels into a Go image: *image.YCbCr for NV12
// and *image.RGBA for BGRA. The Surface is mapped for the duration of the call.
func (s *Surface) ToImage(ctx context.Context) (_ret image.Image, _err error) {
	info := s.Info()
	if _, ok := info.FourCC.Layout(int(info.Width), int(info.Height)); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, info.FourCC)
	}
	planes, err := s.Map(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Unmap(ctx); err != nil && _err == nil {
			_err = err
		}
	}()

	crop := info.CropRect()
	if crop.Empty() {
		crop = image.Rect(0, 0, int(info.Width), int(info.Height))
	}
	img, err := pixfmt.ToImage(info.FourCC, planes, s.hwSurface.Data.Pitches, crop)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	return img, nil
}

// FromImage writes img into the Surface starting at the top left corner of
// the visible rectangle. Pixels outside the Surface are dropped.
func (s *Surface) FromImage(ctx context.Context, img image.Image) (_err error) {
	info := s.Info()
	planes, err := s.Map(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Unmap(ctx); err != nil && _err == nil {
			_err = err
		}
	}()

	err = pixfmt.FromImage(
		info.FourCC,
		planes, s.hwSurface.Data.Pitches,
		int(info.Width), int(info.Height),
		info.CropRect().Min,
		img,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	return nil
}
