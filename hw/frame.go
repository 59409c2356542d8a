// frame.go defines the frame/surface structures exchanged with the hardware session.

package hw

import (
	"fmt"
	"image"
	"strings"
)

// FourCC is a pixel format code as understood by the hardware session.
type FourCC uint32

func makeFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	FourCCNV12 = makeFourCC('N', 'V', '1', '2')
	FourCCYV12 = makeFourCC('Y', 'V', '1', '2')
	FourCCP010 = makeFourCC('P', '0', '1', '0')
	FourCCYUY2 = makeFourCC('Y', 'U', 'Y', '2')
	FourCCUYVY = makeFourCC('U', 'Y', 'V', 'Y')
	FourCCBGRA = makeFourCC('R', 'G', 'B', '4')
	FourCCAYUV = makeFourCC('A', 'Y', 'U', 'V')
)

func (f FourCC) String() string {
	if f == 0 {
		return "<none>"
	}
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// FourCCFromString parses the four-character code ("NV12", "RGB4") or the
// common name of the format ("bgra").
func FourCCFromString(s string) (FourCC, error) {
	if s == "" {
		return 0, nil
	}
	if strings.EqualFold(s, "bgra") {
		return FourCCBGRA, nil
	}
	for _, f := range []FourCC{FourCCNV12, FourCCYV12, FourCCP010, FourCCYUY2, FourCCUYVY, FourCCBGRA, FourCCAYUV} {
		if strings.EqualFold(f.String(), s) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format '%s'", s)
}

func (f *FourCC) UnmarshalText(b []byte) error {
	v, err := FourCCFromString(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func (f FourCC) MarshalText() ([]byte, error) {
	if f == 0 {
		return []byte{}, nil
	}
	return []byte(f.String()), nil
}

// PlaneLayout describes how a frame of the given geometry is laid out in memory.
type PlaneLayout struct {
	Pitches []int
	Heights []int
}

func (l PlaneLayout) Size() int {
	var size int
	for idx := range l.Pitches {
		size += l.Pitches[idx] * l.Heights[idx]
	}
	return size
}

// Layout returns the plane layout of the format; the second value is false
// for formats this module cannot address on the CPU.
func (f FourCC) Layout(width, height int) (PlaneLayout, bool) {
	switch f {
	case FourCCNV12:
		return PlaneLayout{
			Pitches: []int{width, width},
			Heights: []int{height, (height + 1) / 2},
		}, true
	case FourCCP010:
		return PlaneLayout{
			Pitches: []int{width * 2, width * 2},
			Heights: []int{height, (height + 1) / 2},
		}, true
	case FourCCYV12:
		return PlaneLayout{
			Pitches: []int{width, (width + 1) / 2, (width + 1) / 2},
			Heights: []int{height, (height + 1) / 2, (height + 1) / 2},
		}, true
	case FourCCYUY2, FourCCUYVY:
		return PlaneLayout{
			Pitches: []int{width * 2},
			Heights: []int{height},
		}, true
	case FourCCBGRA, FourCCAYUV:
		return PlaneLayout{
			Pitches: []int{width * 4},
			Heights: []int{height},
		}, true
	}
	return PlaneLayout{}, false
}

// PicStruct is the picture structure (progressive or field order) of a frame.
type PicStruct uint16

const (
	PicStructUnknown       PicStruct = 0x00
	PicStructProgressive   PicStruct = 0x01
	PicStructFieldTFF      PicStruct = 0x02
	PicStructFieldBFF      PicStruct = 0x04
	PicStructFieldRepeated PicStruct = 0x10
	PicStructFrameDoubling PicStruct = 0x20
	PicStructFrameTripling PicStruct = 0x40
)

func (p PicStruct) IsInterlaced() bool {
	return p&(PicStructFieldTFF|PicStructFieldBFF) != 0
}

func (p PicStruct) String() string {
	switch {
	case p == PicStructUnknown:
		return "unknown"
	case p&PicStructFieldTFF != 0:
		return "tff"
	case p&PicStructFieldBFF != 0:
		return "bff"
	case p&PicStructProgressive != 0:
		return "progressive"
	}
	return fmt.Sprintf("<unexpected_picstruct_%X>", uint16(p))
}

type ChromaFormat uint16

const (
	ChromaFormatMonochrome ChromaFormat = 0
	ChromaFormatYUV420     ChromaFormat = 1
	ChromaFormatYUV422     ChromaFormat = 2
	ChromaFormatYUV444     ChromaFormat = 3
)

// FrameInfo is the format and geometry of a frame.
//
// Width and Height are the allocated (aligned) dimensions; the Crop* fields
// describe the visible rectangle.
type FrameInfo struct {
	FourCC         FourCC
	ChromaFormat   ChromaFormat
	BitDepthLuma   uint16
	BitDepthChroma uint16
	Width          uint16
	Height         uint16
	CropX          uint16
	CropY          uint16
	CropW          uint16
	CropH          uint16
	FrameRateExtN  uint32
	FrameRateExtD  uint32
	AspectRatioW   uint16
	AspectRatioH   uint16
	PicStruct      PicStruct
}

func (i FrameInfo) CropRect() image.Rectangle {
	return image.Rect(
		int(i.CropX), int(i.CropY),
		int(i.CropX)+int(i.CropW), int(i.CropY)+int(i.CropH),
	)
}

func (i FrameInfo) String() string {
	return fmt.Sprintf("%s %dx%d (crop %dx%d+%d+%d) %s",
		i.FourCC, i.Width, i.Height, i.CropW, i.CropH, i.CropX, i.CropY, i.PicStruct,
	)
}

// SameGeometry reports whether both infos describe the same allocation.
func (i FrameInfo) SameGeometry(other FrameInfo) bool {
	return i.FourCC == other.FourCC && i.Width == other.Width && i.Height == other.Height
}

// Fits reports whether a frame described by other fits into an allocation of i.
func (i FrameInfo) Fits(other FrameInfo) bool {
	return i.FourCC == other.FourCC && i.Width >= other.Width && i.Height >= other.Height
}

// Align16 rounds v up to a multiple of 16.
func Align16(v uint16) uint16 {
	return (v + 15) &^ 15
}

// Align32 rounds v up to a multiple of 32.
func Align32(v uint16) uint16 {
	return (v + 31) &^ 31
}

// MemID identifies one buffer handed out through a FrameAllocator.
type MemID uintptr

// Handle is an opaque native handle (device buffer id, display pointer, ...).
type Handle uintptr

// FrameData is the memory part of a FrameSurface.
type FrameData struct {
	// Locked is the hardware lock count: non-zero while the session still
	// references the surface (as a reference frame or pending output).
	Locked     uint16
	MemID      MemID
	Planes     [][]byte
	Pitches    []int
	TimeStamp  uint64
	FrameOrder uint32
	Corrupted  uint16
}

// FrameSurface is the surface structure the hardware session reads from and
// writes into.
type FrameSurface struct {
	Info FrameInfo
	Data FrameData
}

func (s *FrameSurface) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("FrameSurface(mid:%d, locked:%d, ts:%d, %s)", s.Data.MemID, s.Data.Locked, s.Data.TimeStamp, s.Info)
}
