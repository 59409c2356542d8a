package vpp

import (
	"time"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/types"
)

const (
	defaultAsyncDepth  = 4
	defaultSyncTimeout = 100 * time.Millisecond
	defaultBusyRetries = 1000
	defaultSyncRetries = 100
	busyRetryInterval  = time.Millisecond
)

// OutputInfo is the requested output; zero fields are taken from the input.
type OutputInfo struct {
	FourCC    hw.FourCC      `yaml:"fourcc"`
	Width     uint16         `yaml:"width"`
	Height    uint16         `yaml:"height"`
	FrameRate types.Rational `yaml:"frame_rate"`
}

type Params struct {
	Output OutputInfo `yaml:"output"`

	// Operations are the initial processing blocks, at most one per
	// hw.ExtBufferID.
	Operations []hw.ExtBuffer `yaml:"-"`

	// SystemMemory makes the output Surfaces system memory Surfaces even
	// if a display is available.
	SystemMemory bool   `yaml:"system_memory"`
	AsyncDepth   uint16 `yaml:"async_depth"`

	SyncTimeout time.Duration `yaml:"sync_timeout"`
	// SyncRetries bounds the waits for one output picture.
	SyncRetries int `yaml:"sync_retries"`
	BusyRetries int `yaml:"busy_retries"`
}

func (p Params) withDefaults() Params {
	if p.AsyncDepth == 0 {
		p.AsyncDepth = defaultAsyncDepth
	}
	if p.SyncTimeout <= 0 {
		p.SyncTimeout = defaultSyncTimeout
	}
	if p.SyncRetries <= 0 {
		p.SyncRetries = defaultSyncRetries
	}
	if p.BusyRetries <= 0 {
		p.BusyRetries = defaultBusyRetries
	}
	return p
}

// setOperation returns ops with op replacing the block of the same kind.
func setOperation(ops []hw.ExtBuffer, op hw.ExtBuffer) []hw.ExtBuffer {
	result := make([]hw.ExtBuffer, 0, len(ops)+1)
	replaced := false
	for _, cur := range ops {
		if cur.ExtBufferID() == op.ExtBufferID() {
			result = append(result, op)
			replaced = true
			continue
		}
		result = append(result, cur)
	}
	if !replaced {
		result = append(result, op)
	}
	return result
}

func removeOperation(ops []hw.ExtBuffer, id hw.ExtBufferID) ([]hw.ExtBuffer, bool) {
	result := make([]hw.ExtBuffer, 0, len(ops))
	for _, cur := range ops {
		if cur.ExtBufferID() == id {
			continue
		}
		result = append(result, cur)
	}
	return result, len(result) != len(ops)
}

func findOperation[T hw.ExtBuffer](ops []hw.ExtBuffer, id hw.ExtBufferID) (T, bool) {
	for _, cur := range ops {
		if cur.ExtBufferID() != id {
			continue
		}
		v, ok := cur.(T)
		return v, ok
	}
	var zero T
	return zero, false
}

// outputInfo derives the output geometry from the input and the
// operations: rotation by a right angle swaps the sides, deinterlacing
// makes the output progressive.
func outputInfo(out OutputInfo, in hw.FrameInfo, ops []hw.ExtBuffer) hw.FrameInfo {
	width, height := in.CropW, in.CropH
	if rotation, ok := findOperation[*hw.ExtVPPRotation](ops, hw.ExtBufferIDVPPRotation); ok {
		if rotation.Angle == hw.Angle90 || rotation.Angle == hw.Angle270 {
			width, height = height, width
		}
	}
	if out.Width != 0 {
		width = out.Width
	}
	if out.Height != 0 {
		height = out.Height
	}

	info := hw.FrameInfo{
		FourCC:         in.FourCC,
		ChromaFormat:   in.ChromaFormat,
		BitDepthLuma:   in.BitDepthLuma,
		BitDepthChroma: in.BitDepthChroma,
		Width:          hw.Align16(width),
		Height:         hw.Align16(height),
		CropW:          width,
		CropH:          height,
		FrameRateExtN:  in.FrameRateExtN,
		FrameRateExtD:  in.FrameRateExtD,
		AspectRatioW:   in.AspectRatioW,
		AspectRatioH:   in.AspectRatioH,
		PicStruct:      in.PicStruct,
	}
	if out.FourCC != 0 {
		info.FourCC = out.FourCC
	}
	if out.FrameRate.IsValid() {
		info.FrameRateExtN = uint32(out.FrameRate.Num)
		info.FrameRateExtD = uint32(out.FrameRate.Den)
	}
	if _, ok := findOperation[*hw.ExtVPPDeinterlacing](ops, hw.ExtBufferIDVPPDeinterlacing); ok {
		info.PicStruct = hw.PicStructProgressive
	}
	if info.PicStruct.IsInterlaced() {
		info.Height = hw.Align32(height)
	}
	return info
}

func frameDuration(info hw.FrameInfo) time.Duration {
	return types.Rational{Num: int(info.FrameRateExtN), Den: int(info.FrameRateExtD)}.FrameDuration()
}
