// soft_display.go implements a display backend that emulates device buffers in host memory.

// Package softdisplay implements display.Display on top of host memory.
//
// Buffers are not CPU-addressable until derived and mapped, exactly like
// device buffers, so the map/unmap contract is exercised even without a GPU.
package softdisplay

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/msdk/display"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

// ErrInjected is returned by operations failed on purpose (see Display.FailAllocations).
var ErrInjected = errors.New("injected failure")

type buffer struct {
	id      hw.Handle
	fourCC  hw.FourCC
	width   int
	height  int
	layout  hw.PlaneLayout
	data    []byte
	derived int
	mapped  int
}

var _ display.Buffer = (*buffer)(nil)

func (b *buffer) ID() hw.Handle     { return b.id }
func (b *buffer) FourCC() hw.FourCC { return b.fourCC }
func (b *buffer) Width() int        { return b.width }
func (b *buffer) Height() int       { return b.height }

func (b *buffer) String() string {
	return fmt.Sprintf("buffer#%d(%s %dx%d)", b.id, b.fourCC, b.width, b.height)
}

type image struct {
	buffer *buffer
	mapped bool
}

var _ display.Image = (*image)(nil)

func (img *image) ID() hw.Handle          { return img.buffer.id }
func (img *image) Layout() hw.PlaneLayout { return img.buffer.layout }

// Display emulates a device in host memory.
type Display struct {
	locker  xsync.Mutex
	buffers map[hw.Handle]*buffer
	nextID  hw.Handle

	// FailAllocations makes CreateBuffers fail.
	FailAllocations atomic.Bool
	// FailMaps makes DeriveImage fail.
	FailMaps atomic.Bool

	CreatedCount   atomic.Uint64
	DestroyedCount atomic.Uint64
	MapCount       atomic.Uint64
	UnmapCount     atomic.Uint64
}

var _ display.Display = (*Display)(nil)

func New() *Display {
	return &Display{
		buffers: map[hw.Handle]*buffer{},
		nextID:  1,
	}
}

func (d *Display) String() string {
	return "SoftDisplay"
}

func (d *Display) Type() types.HardwareDeviceType {
	return types.HardwareDeviceTypeSoftware
}

func (d *Display) Handle() hw.Handle {
	return hw.Handle(types.GetObjectID(d))
}

func (d *Display) HandleType() hw.HandleType {
	return hw.HandleTypeSoftwareDisplay
}

// LiveBuffers returns the amount of created and not yet destroyed buffers.
func (d *Display) LiveBuffers(ctx context.Context) int {
	return xsync.DoR1(ctx, &d.locker, func() int {
		return len(d.buffers)
	})
}

func (d *Display) CreateBuffers(
	ctx context.Context,
	fourCC hw.FourCC,
	width, height int,
	count int,
) (_ret []display.Buffer, _err error) {
	logger.Tracef(ctx, "CreateBuffers(ctx, %s, %d, %d, %d)", fourCC, width, height, count)
	defer func() { logger.Tracef(ctx, "/CreateBuffers(ctx, %s, %d, %d, %d): %v", fourCC, width, height, count, _err) }()

	layout, ok := fourCC.Layout(width, height)
	if !ok {
		return nil, display.ErrAllocation{FourCC: fourCC, Width: width, Height: height, Count: count, Err: fmt.Errorf("unsupported format %s", fourCC)}
	}
	if d.FailAllocations.Load() {
		return nil, display.ErrAllocation{FourCC: fourCC, Width: width, Height: height, Count: count, Err: ErrInjected}
	}
	if count <= 0 || width <= 0 || height <= 0 {
		return nil, display.ErrAllocation{FourCC: fourCC, Width: width, Height: height, Count: count, Err: fmt.Errorf("invalid request")}
	}

	logger.Debugf(ctx, "allocating %d buffers of %s each", count, humanize.Bytes(uint64(layout.Size())))
	return xsync.DoR1(ctx, &d.locker, func() []display.Buffer {
		result := make([]display.Buffer, 0, count)
		for i := 0; i < count; i++ {
			b := &buffer{
				id:     d.nextID,
				fourCC: fourCC,
				width:  width,
				height: height,
				layout: layout,
				data:   make([]byte, layout.Size()),
			}
			d.nextID++
			d.buffers[b.id] = b
			result = append(result, b)
		}
		d.CreatedCount.Add(uint64(count))
		return result
	}), nil
}

func (d *Display) DestroyBuffers(
	ctx context.Context,
	buffers []display.Buffer,
) error {
	logger.Tracef(ctx, "DestroyBuffers(ctx, %d)", len(buffers))
	return xsync.DoR1(ctx, &d.locker, func() error {
		var errs []error
		for _, b := range buffers {
			sb, ok := d.buffers[b.ID()]
			if !ok {
				errs = append(errs, fmt.Errorf("buffer %d is not known (double destroy?)", b.ID()))
				continue
			}
			if sb.mapped > 0 {
				logger.Warnf(ctx, "destroying %s while it is still mapped", sb)
			}
			delete(d.buffers, b.ID())
			d.DestroyedCount.Inc()
		}
		return errors.Join(errs...)
	})
}

func (d *Display) DeriveImage(
	ctx context.Context,
	b display.Buffer,
) (display.Image, error) {
	if d.FailMaps.Load() {
		return nil, fmt.Errorf("unable to derive an image of buffer %d: %w", b.ID(), ErrInjected)
	}
	return xsync.DoR2(ctx, &d.locker, func() (display.Image, error) {
		sb, ok := d.buffers[b.ID()]
		if !ok {
			return nil, fmt.Errorf("buffer %d is not known", b.ID())
		}
		sb.derived++
		return &image{buffer: sb}, nil
	})
}

func (d *Display) MapImage(
	ctx context.Context,
	img display.Image,
) ([][]byte, error) {
	si, ok := img.(*image)
	if !ok {
		return nil, fmt.Errorf("image %T does not belong to this display", img)
	}
	return xsync.DoR2(ctx, &d.locker, func() ([][]byte, error) {
		if si.mapped {
			return nil, fmt.Errorf("image of buffer %d is already mapped", si.buffer.id)
		}
		si.mapped = true
		si.buffer.mapped++
		d.MapCount.Inc()

		planes := make([][]byte, 0, len(si.buffer.layout.Pitches))
		offset := 0
		for idx, pitch := range si.buffer.layout.Pitches {
			size := pitch * si.buffer.layout.Heights[idx]
			planes = append(planes, si.buffer.data[offset:offset+size:offset+size])
			offset += size
		}
		return planes, nil
	})
}

func (d *Display) UnmapImage(
	ctx context.Context,
	img display.Image,
) error {
	si, ok := img.(*image)
	if !ok {
		return fmt.Errorf("image %T does not belong to this display", img)
	}
	return xsync.DoR1(ctx, &d.locker, func() error {
		if !si.mapped {
			return fmt.Errorf("image of buffer %d is not mapped", si.buffer.id)
		}
		si.mapped = false
		si.buffer.mapped--
		si.buffer.derived--
		d.UnmapCount.Inc()
		return nil
	})
}
