// Package frame defines the units exchanged between pipeline stages: a
// Frame carries either bitstream bytes (decoder input) or a Surface
// (decoder/filter output, encoder input); an EncodedFrame carries the
// bitstream produced by an encoder.
package frame

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/surface"
)

// NoPTS marks a timestamp as unknown; any negative value is treated so.
const NoPTS = time.Duration(-1)

type InterlaceMode int

const (
	UndefinedInterlaceMode InterlaceMode = iota
	InterlaceProgressive
	InterlaceTopFieldFirst
	InterlaceBottomFieldFirst
	EndOfInterlaceMode
)

func (m InterlaceMode) String() string {
	switch m {
	case UndefinedInterlaceMode:
		return "<undefined>"
	case InterlaceProgressive:
		return "progressive"
	case InterlaceTopFieldFirst:
		return "tff"
	case InterlaceBottomFieldFirst:
		return "bff"
	default:
		return fmt.Sprintf("<unexpected_%d>", int(m))
	}
}

func (m InterlaceMode) IsInterlaced() bool {
	return m == InterlaceTopFieldFirst || m == InterlaceBottomFieldFirst
}

// InterlaceModeFromPicStruct maps the picture structure reported by the
// hardware to the pipeline's interlace flag.
func InterlaceModeFromPicStruct(p hw.PicStruct) InterlaceMode {
	switch {
	case p&hw.PicStructFieldTFF != 0:
		return InterlaceTopFieldFirst
	case p&hw.PicStructFieldBFF != 0:
		return InterlaceBottomFieldFirst
	case p == hw.PicStructUnknown:
		return UndefinedInterlaceMode
	default:
		return InterlaceProgressive
	}
}

// PicStruct is the reverse of InterlaceModeFromPicStruct.
func (m InterlaceMode) PicStruct() hw.PicStruct {
	switch m {
	case InterlaceProgressive:
		return hw.PicStructProgressive
	case InterlaceTopFieldFirst:
		return hw.PicStructFieldTFF
	case InterlaceBottomFieldFirst:
		return hw.PicStructFieldBFF
	}
	return hw.PicStructUnknown
}

type Flags uint32

const (
	FlagCorrupted Flags = 1 << iota
	FlagDiscontinuity
	FlagEndOfStream
)

func (f Flags) Has(flags Flags) bool {
	return f&flags == flags
}

// Frame is one picture travelling through the pipeline.
type Frame struct {
	PTS         time.Duration
	DTS         time.Duration
	Duration    time.Duration
	IsSyncPoint bool

	// Data is the bitstream of one access unit (or a part of it).
	Data []byte

	// Surface is the decoded picture; the Frame holds one reference.
	Surface *surface.Surface

	Interlace InterlaceMode
	Flags     Flags
}

// NewInput returns a Frame wrapping bitstream bytes.
func NewInput(data []byte, pts, duration time.Duration, isSyncPoint bool) *Frame {
	return &Frame{
		PTS:         pts,
		DTS:         NoPTS,
		Duration:    duration,
		IsSyncPoint: isSyncPoint,
		Data:        data,
	}
}

func (f *Frame) String() string {
	if f == nil {
		return "<nil>"
	}
	if f.Surface != nil {
		return fmt.Sprintf("Frame(pts:%v, %s, %s)", f.PTS, f.Interlace, f.Surface)
	}
	return fmt.Sprintf("Frame(pts:%v, dts:%v, sync:%t, size:%d)", f.PTS, f.DTS, f.IsSyncPoint, len(f.Data))
}

func (f *Frame) HasPTS() bool {
	return f.PTS >= 0
}

// Timestamp returns the PTS in hardware units.
func (f *Frame) Timestamp() uint64 {
	if !f.HasPTS() {
		return hw.TimestampUnknown
	}
	return hw.TimestampFromDuration(f.PTS)
}

// Release drops the reference the Frame holds on its Surface.
func (f *Frame) Release(ctx context.Context) {
	if f == nil || f.Surface == nil {
		return
	}
	f.Surface.Unref(ctx)
	f.Surface = nil
}

// ReleaseAll releases every frame of frames.
func ReleaseAll(ctx context.Context, frames []*Frame) {
	for _, f := range frames {
		f.Release(ctx)
	}
}

// EncodedFrame is one access unit produced by an encoder.
type EncodedFrame struct {
	PTS        time.Duration
	DTS        time.Duration
	Data       []byte
	IsKeyFrame bool
	FrameType  hw.FrameType
}

func (f *EncodedFrame) String() string {
	return fmt.Sprintf("EncodedFrame(pts:%v, key:%t, size:%d)", f.PTS, f.IsKeyFrame, len(f.Data))
}
