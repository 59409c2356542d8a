// surface.go implements Surface, a refcounted wrapper of one frame buffer.

// Package surface implements Surface: a wrapper around one frame buffer that
// is either resident in system memory or on the device.
package surface

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/msdk/display"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type Residency int

const (
	UndefinedResidency Residency = iota
	ResidencySystem
	ResidencyDevice
	EndOfResidency
)

func (r Residency) String() string {
	switch r {
	case UndefinedResidency:
		return "<undefined>"
	case ResidencySystem:
		return "system"
	case ResidencyDevice:
		return "device"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(r))
	}
}

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrNotMapped         = errors.New("surface is not mapped")
	ErrDestroyed         = errors.New("surface is destroyed")
)

// BufferProvider hands out device buffers it already owns (a Task does).
type BufferProvider interface {
	AcquireMemID(ctx context.Context) (hw.MemID, error)
	ReleaseMemID(ctx context.Context, mid hw.MemID)
	Buffer(mid hw.MemID) display.Buffer
	FrameInfo() hw.FrameInfo
	Display() display.Display
}

// ReleaseHandler is notified when the last reference of a Surface is
// dropped. If it returns true it took the Surface back (a pool did), and
// the Surface is not destroyed.
type ReleaseHandler interface {
	OnSurfaceRelease(ctx context.Context, s *Surface) bool
}

type Surface struct {
	refCount  atomic.Int64
	locker    xsync.Mutex
	residency Residency
	hwSurface hw.FrameSurface
	display   display.Display
	provider  BufferProvider
	buffer    display.Buffer
	image     display.Image
	mapCount  int
	planes    [][]byte
	destroyed bool

	releaseHandler *ReleaseHandler
}

// New allocates a standalone Surface which owns its buffer.
func New(
	ctx context.Context,
	disp display.Display,
	info hw.FrameInfo,
	residency Residency,
) (_ret *Surface, _err error) {
	logger.Tracef(ctx, "New(ctx, %v, %s, %s)", disp, info, residency)
	defer func() { logger.Tracef(ctx, "/New(ctx, %v, %s, %s): %p %v", disp, info, residency, _ret, _err) }()

	layout, ok := info.FourCC.Layout(int(info.Width), int(info.Height))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, info.FourCC)
	}

	s := &Surface{
		residency: residency,
		display:   disp,
	}
	s.hwSurface.Info = info

	switch residency {
	case ResidencySystem:
		s.planes = allocPlanes(layout)
		s.hwSurface.Data.Planes = s.planes
		s.hwSurface.Data.Pitches = layout.Pitches
	case ResidencyDevice:
		if disp == nil {
			return nil, fmt.Errorf("a device-resident surface requires a display")
		}
		buffers, err := disp.CreateBuffers(ctx, info.FourCC, int(info.Width), int(info.Height), 1)
		if err != nil {
			return nil, fmt.Errorf("unable to create a device buffer: %w", err)
		}
		s.buffer = buffers[0]
		s.hwSurface.Data.MemID = hw.MemID(s.buffer.ID())
	default:
		return nil, fmt.Errorf("unexpected residency %s", residency)
	}

	s.refCount.Store(1)
	return s, nil
}

// NewFromProvider binds a Surface to a buffer the provider (a Task) already
// owns. Releasing such Surface returns the buffer to the provider and never
// destroys it.
func NewFromProvider(
	ctx context.Context,
	provider BufferProvider,
) (_ret *Surface, _err error) {
	logger.Tracef(ctx, "NewFromProvider")
	defer func() { logger.Tracef(ctx, "/NewFromProvider: %p %v", _ret, _err) }()

	mid, err := provider.AcquireMemID(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to acquire a buffer: %w", err)
	}
	s := &Surface{
		residency: ResidencyDevice,
		display:   provider.Display(),
		provider:  provider,
		buffer:    provider.Buffer(mid),
	}
	s.hwSurface.Info = provider.FrameInfo()
	s.hwSurface.Data.MemID = mid
	s.refCount.Store(1)
	return s, nil
}

func allocPlanes(layout hw.PlaneLayout) [][]byte {
	data := make([]byte, layout.Size())
	planes := make([][]byte, 0, len(layout.Pitches))
	offset := 0
	for idx, pitch := range layout.Pitches {
		size := pitch * layout.Heights[idx]
		planes = append(planes, data[offset:offset+size:offset+size])
		offset += size
	}
	return planes
}

func (s *Surface) String() string {
	if s == nil {
		return "Surface(<nil>)"
	}
	return fmt.Sprintf("Surface(%X, %s, mid:%d)", types.GetObjectID(s), s.residency, s.hwSurface.Data.MemID)
}

// HW returns the structure handed to the hardware session. The session
// updates it in place (pixels, timestamp, lock count).
func (s *Surface) HW() *hw.FrameSurface {
	return &s.hwSurface
}

func (s *Surface) Info() hw.FrameInfo {
	return s.hwSurface.Info
}

// SetCrop updates the visible rectangle.
func (s *Surface) SetCrop(rect image.Rectangle) {
	s.hwSurface.Info.CropX = uint16(rect.Min.X)
	s.hwSurface.Info.CropY = uint16(rect.Min.Y)
	s.hwSurface.Info.CropW = uint16(rect.Dx())
	s.hwSurface.Info.CropH = uint16(rect.Dy())
}

func (s *Surface) CropRect() image.Rectangle {
	return s.hwSurface.Info.CropRect()
}

func (s *Surface) Residency() Residency {
	return s.residency
}

func (s *Surface) MemID() hw.MemID {
	return s.hwSurface.Data.MemID
}

func (s *Surface) Display() display.Display {
	return s.display
}

// IsFromProvider reports whether the buffer belongs to a Task.
func (s *Surface) IsFromProvider() bool {
	return s.provider != nil
}

// Provider returns the Task the buffer belongs to, if any.
func (s *Surface) Provider() BufferProvider {
	return s.provider
}

// IsLocked reports whether the hardware still references the Surface.
func (s *Surface) IsLocked() bool {
	return s.hwSurface.Data.Locked > 0
}

// Handle returns the device handle of the buffer (zero for system memory).
func (s *Surface) Handle() hw.Handle {
	if s.buffer == nil {
		return 0
	}
	return s.buffer.ID()
}

func (s *Surface) RefCount() int64 {
	return s.refCount.Load()
}

// Ref adds a reference and returns the Surface for convenience.
func (s *Surface) Ref() *Surface {
	s.refCount.Inc()
	return s
}

// Unref drops a reference. Dropping the last one returns the Surface to
// its ReleaseHandler, or destroys it if there is none (or it declined).
func (s *Surface) Unref(ctx context.Context) {
	n := s.refCount.Dec()
	internal.Assert(ctx, n >= 0, "negative reference count", s)
	if n > 0 {
		return
	}
	if h := xatomic.LoadPointer(&s.releaseHandler); h != nil {
		if (*h).OnSurfaceRelease(ctx, s) {
			return
		}
	}
	s.Destroy(ctx)
}

// SetReleaseHandler sets who is notified about the last Unref; nil to reset.
func (s *Surface) SetReleaseHandler(h ReleaseHandler) {
	if h == nil {
		xatomic.StorePointer(&s.releaseHandler, nil)
		return
	}
	xatomic.StorePointer(&s.releaseHandler, &h)
}

// Destroy releases the buffer regardless of the reference count; it is used
// by owners (pools) tearing down Surfaces nobody references anymore.
func (s *Surface) Destroy(ctx context.Context) {
	s.locker.Do(ctx, func() {
		s.destroyLocked(ctx)
	})
}

func (s *Surface) destroyLocked(ctx context.Context) {
	if s.destroyed {
		return
	}
	logger.Tracef(ctx, "destroying %s", s)
	if s.mapCount > 0 {
		logger.Warnf(ctx, "%s is destroyed while still mapped %d times", s, s.mapCount)
		s.mapCount = 1
		if err := s.unmapLocked(ctx); err != nil {
			logger.Errorf(ctx, "unable to unmap %s: %v", s, err)
		}
	}
	switch {
	case s.provider != nil:
		s.provider.ReleaseMemID(ctx, s.hwSurface.Data.MemID)
	case s.buffer != nil:
		if err := s.display.DestroyBuffers(ctx, []display.Buffer{s.buffer}); err != nil {
			logger.Errorf(ctx, "unable to destroy the buffer of %s: %v", s, err)
		}
	}
	s.buffer = nil
	s.planes = nil
	s.hwSurface.Data.Planes = nil
	s.destroyed = true
}

func (s *Surface) IsDestroyed(ctx context.Context) bool {
	return xsync.DoR1(ctx, &s.locker, func() bool {
		return s.destroyed
	})
}

// Map makes the pixel planes addressable; every Map must be paired with an
// Unmap. For system memory it just returns the planes.
func (s *Surface) Map(ctx context.Context) (_ret [][]byte, _err error) {
	logger.Tracef(ctx, "Map: %s", s)
	defer func() { logger.Tracef(ctx, "/Map: %s: %v", s, _err) }()
	return xsync.DoA1R2(ctx, &s.locker, s.mapLocked, ctx)
}

func (s *Surface) mapLocked(ctx context.Context) ([][]byte, error) {
	if s.destroyed {
		return nil, ErrDestroyed
	}
	if s.residency == ResidencySystem {
		return s.planes, nil
	}
	if s.mapCount > 0 {
		s.mapCount++
		return s.planes, nil
	}
	img, err := s.display.DeriveImage(ctx, s.buffer)
	if err != nil {
		return nil, fmt.Errorf("unable to derive an image of %s: %w", s, err)
	}
	planes, err := s.display.MapImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("unable to map the image of %s: %w", s, err)
	}
	s.image = img
	s.planes = planes
	s.mapCount = 1
	s.hwSurface.Data.Planes = planes
	s.hwSurface.Data.Pitches = img.Layout().Pitches
	return planes, nil
}

// Unmap invalidates the planes returned by Map.
func (s *Surface) Unmap(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Unmap: %s", s)
	defer func() { logger.Tracef(ctx, "/Unmap: %s: %v", s, _err) }()
	return xsync.DoA1R1(ctx, &s.locker, s.unmapLocked, ctx)
}

func (s *Surface) unmapLocked(ctx context.Context) error {
	if s.residency == ResidencySystem {
		return nil
	}
	if s.mapCount == 0 {
		return ErrNotMapped
	}
	s.mapCount--
	if s.mapCount > 0 {
		return nil
	}
	img := s.image
	s.image = nil
	s.planes = nil
	s.hwSurface.Data.Planes = nil
	if err := s.display.UnmapImage(ctx, img); err != nil {
		return fmt.Errorf("unable to unmap the image of %s: %w", s, err)
	}
	return nil
}

// IsMapped reports whether the planes are addressable right now.
func (s *Surface) IsMapped(ctx context.Context) bool {
	return xsync.DoR1(ctx, &s.locker, func() bool {
		return s.residency == ResidencySystem || s.mapCount > 0
	})
}

// Replace stores newSurface into *slot (taking a reference) and drops the
// reference of the Surface previously stored there.
func Replace(
	ctx context.Context,
	slot **Surface,
	newSurface *Surface,
) {
	if newSurface != nil {
		newSurface.Ref()
	}
	old := xatomic.SwapPointer(slot, newSurface)
	if old != nil {
		old.Unref(ctx)
	}
}
