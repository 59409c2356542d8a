// display.go defines the interface of a display/device backend.

// Package display describes the device backend (VA display, D3D11 device,
// ...) that owns device-resident frame buffers.
package display

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/types"
)

// Buffer is one device-resident frame buffer.
type Buffer interface {
	// ID is the native buffer identifier (e.g. a VASurfaceID).
	ID() hw.Handle
	FourCC() hw.FourCC
	Width() int
	Height() int
}

// Image is a CPU-accessible view derived from a Buffer.
type Image interface {
	ID() hw.Handle
	Layout() hw.PlaneLayout
}

// Display is an opaque device handle able to create and map device buffers.
type Display interface {
	fmt.Stringer
	Type() types.HardwareDeviceType
	Handle() hw.Handle
	HandleType() hw.HandleType

	CreateBuffers(ctx context.Context, fourCC hw.FourCC, width, height int, count int) ([]Buffer, error)
	DestroyBuffers(ctx context.Context, buffers []Buffer) error

	// DeriveImage, MapImage and UnmapImage are the mapped-access sequence:
	// derive an image of the buffer, map it to get its planes, unmap and
	// release it when done.
	DeriveImage(ctx context.Context, buffer Buffer) (Image, error)
	MapImage(ctx context.Context, image Image) ([][]byte, error)
	UnmapImage(ctx context.Context, image Image) error
}

// ErrAllocation is returned when the backend cannot create buffers.
type ErrAllocation struct {
	FourCC hw.FourCC
	Width  int
	Height int
	Count  int
	Err    error
}

func (e ErrAllocation) Error() string {
	return fmt.Sprintf("unable to allocate %d buffers of %s %dx%d: %v", e.Count, e.FourCC, e.Width, e.Height, e.Err)
}

func (e ErrAllocation) Unwrap() error {
	return e.Err
}
