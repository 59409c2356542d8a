package hw

import (
	"context"
)

// UnsupportedDecode is a DecodeComponent of an engine that cannot decode.
type UnsupportedDecode struct{}

var _ DecodeComponent = UnsupportedDecode{}

func (UnsupportedDecode) DecodeHeader(context.Context, *Bitstream, *VideoParam) Status {
	return StatusErrUnsupported
}
func (UnsupportedDecode) Query(context.Context, *VideoParam, *VideoParam) Status {
	return StatusErrUnsupported
}
func (UnsupportedDecode) QueryIOSurf(context.Context, *VideoParam) (FrameAllocRequest, Status) {
	return FrameAllocRequest{}, StatusErrUnsupported
}
func (UnsupportedDecode) Init(context.Context, *VideoParam) Status  { return StatusErrUnsupported }
func (UnsupportedDecode) Reset(context.Context, *VideoParam) Status { return StatusErrUnsupported }
func (UnsupportedDecode) Close(context.Context) Status              { return StatusErrNotInitialized }
func (UnsupportedDecode) GetVideoParam(context.Context, *VideoParam) Status {
	return StatusErrNotInitialized
}
func (UnsupportedDecode) DecodeFrameAsync(
	context.Context, *Bitstream, *FrameSurface,
) (*FrameSurface, SyncPoint, Status) {
	return nil, SyncPointNone, StatusErrUnsupported
}

// UnsupportedEncode is an EncodeComponent of an engine that cannot encode.
type UnsupportedEncode struct{}

var _ EncodeComponent = UnsupportedEncode{}

func (UnsupportedEncode) Query(context.Context, *VideoParam, *VideoParam) Status {
	return StatusErrUnsupported
}
func (UnsupportedEncode) QueryIOSurf(context.Context, *VideoParam) (FrameAllocRequest, Status) {
	return FrameAllocRequest{}, StatusErrUnsupported
}
func (UnsupportedEncode) Init(context.Context, *VideoParam) Status  { return StatusErrUnsupported }
func (UnsupportedEncode) Reset(context.Context, *VideoParam) Status { return StatusErrUnsupported }
func (UnsupportedEncode) Close(context.Context) Status              { return StatusErrNotInitialized }
func (UnsupportedEncode) GetVideoParam(context.Context, *VideoParam) Status {
	return StatusErrNotInitialized
}
func (UnsupportedEncode) EncodeFrameAsync(
	context.Context, *EncodeCtrl, *FrameSurface, *Bitstream,
) (SyncPoint, Status) {
	return SyncPointNone, StatusErrUnsupported
}

// UnsupportedVPP is a VPPComponent of an engine without post-processing.
type UnsupportedVPP struct{}

var _ VPPComponent = UnsupportedVPP{}

func (UnsupportedVPP) Query(context.Context, *VideoParam, *VideoParam) Status {
	return StatusErrUnsupported
}
func (UnsupportedVPP) QueryIOSurf(context.Context, *VideoParam) ([2]FrameAllocRequest, Status) {
	return [2]FrameAllocRequest{}, StatusErrUnsupported
}
func (UnsupportedVPP) Init(context.Context, *VideoParam) Status  { return StatusErrUnsupported }
func (UnsupportedVPP) Reset(context.Context, *VideoParam) Status { return StatusErrUnsupported }
func (UnsupportedVPP) Close(context.Context) Status              { return StatusErrNotInitialized }
func (UnsupportedVPP) GetVideoParam(context.Context, *VideoParam) Status {
	return StatusErrNotInitialized
}
func (UnsupportedVPP) RunFrameVPPAsync(context.Context, *FrameSurface, *FrameSurface) (SyncPoint, Status) {
	return SyncPointNone, StatusErrUnsupported
}
