// session.go defines the interfaces of a hardware codec session and its components.

// Package hw describes the boundary to the hardware codec SDK: a session
// with decode, encode and video post-processing components, and the
// allocator callbacks the session uses to request device buffers.
package hw

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Implementation selects the kind of engine implementation to open.
type Implementation uint32

const (
	ImplementationAuto     Implementation = 0x0000
	ImplementationSoftware Implementation = 0x0001
	ImplementationHardware Implementation = 0x0002
	ImplementationAutoAny  Implementation = 0x0003

	ImplementationViaVAAPI Implementation = 0x0400
	ImplementationViaD3D11 Implementation = 0x0300
	ImplementationViaAny   Implementation = 0x0200
)

func (i Implementation) String() string {
	var base string
	switch i & 0x00ff {
	case ImplementationAuto:
		base = "auto"
	case ImplementationSoftware:
		base = "software"
	case ImplementationHardware:
		base = "hardware"
	case ImplementationAutoAny:
		base = "auto_any"
	default:
		base = fmt.Sprintf("<unexpected_%X>", uint32(i&0xff))
	}
	switch i & 0xff00 {
	case ImplementationViaVAAPI:
		return base + "|vaapi"
	case ImplementationViaD3D11:
		return base + "|d3d11"
	case ImplementationViaAny:
		return base + "|any"
	}
	return base
}

// ImplementationFromString parses the output of Implementation.String.
func ImplementationFromString(s string) (Implementation, error) {
	base, via, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "|")
	var i Implementation
	switch base {
	case "", "auto":
		i = ImplementationAuto
	case "software":
		i = ImplementationSoftware
	case "hardware":
		i = ImplementationHardware
	case "auto_any":
		i = ImplementationAutoAny
	default:
		return 0, fmt.Errorf("unknown implementation '%s'", base)
	}
	switch via {
	case "":
	case "vaapi":
		i |= ImplementationViaVAAPI
	case "d3d11":
		i |= ImplementationViaD3D11
	case "any":
		i |= ImplementationViaAny
	default:
		return 0, fmt.Errorf("unknown acceleration API '%s'", via)
	}
	return i, nil
}

func (i *Implementation) UnmarshalText(b []byte) error {
	v, err := ImplementationFromString(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

func (i Implementation) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// HandleType is the kind of native handle passed through Session.SetHandle.
type HandleType uint32

const (
	HandleTypeVADisplay       HandleType = 4
	HandleTypeD3D11Device     HandleType = 3
	HandleTypeSoftwareDisplay HandleType = 0x100
)

// Engine opens hardware sessions.
type Engine interface {
	fmt.Stringer
	Open(ctx context.Context, impl Implementation) (Session, error)
}

// Session is one hardware codec session.
type Session interface {
	Close(ctx context.Context) Status
	QueryVersion(ctx context.Context) (Version, Status)
	QueryImplementation(ctx context.Context) (Implementation, Status)

	// Join attaches child to this session so both share one scheduler.
	Join(ctx context.Context, child Session) Status
	// Disjoin detaches this session from its parent.
	Disjoin(ctx context.Context) Status

	SetHandle(ctx context.Context, handleType HandleType, handle Handle) Status
	SetFrameAllocator(ctx context.Context, allocator FrameAllocator) Status

	// SyncOperation waits up to timeout for the operation identified by
	// syncPoint; StatusWarnInExecution means it is still running.
	SyncOperation(ctx context.Context, syncPoint SyncPoint, timeout time.Duration) Status

	Decode() DecodeComponent
	Encode() EncodeComponent
	VPP() VPPComponent
}

// DecodeComponent is the decode part of a Session.
type DecodeComponent interface {
	DecodeHeader(ctx context.Context, bs *Bitstream, par *VideoParam) Status
	Query(ctx context.Context, in, out *VideoParam) Status
	QueryIOSurf(ctx context.Context, par *VideoParam) (FrameAllocRequest, Status)
	Init(ctx context.Context, par *VideoParam) Status
	Reset(ctx context.Context, par *VideoParam) Status
	Close(ctx context.Context) Status
	GetVideoParam(ctx context.Context, par *VideoParam) Status

	// DecodeFrameAsync consumes bs (nil to drain) into the work surface and
	// may return a decoded surface (possibly a different, previously
	// submitted one) with a sync point to wait for.
	DecodeFrameAsync(
		ctx context.Context,
		bs *Bitstream,
		work *FrameSurface,
	) (out *FrameSurface, syncPoint SyncPoint, status Status)
}

// EncodeComponent is the encode part of a Session.
type EncodeComponent interface {
	Query(ctx context.Context, in, out *VideoParam) Status
	QueryIOSurf(ctx context.Context, par *VideoParam) (FrameAllocRequest, Status)
	Init(ctx context.Context, par *VideoParam) Status
	Reset(ctx context.Context, par *VideoParam) Status
	Close(ctx context.Context) Status
	GetVideoParam(ctx context.Context, par *VideoParam) Status

	// EncodeFrameAsync encodes surface (nil to drain) into bs.
	EncodeFrameAsync(
		ctx context.Context,
		ctrl *EncodeCtrl,
		surface *FrameSurface,
		bs *Bitstream,
	) (syncPoint SyncPoint, status Status)
}

// VPPComponent is the video post-processing part of a Session.
type VPPComponent interface {
	Query(ctx context.Context, in, out *VideoParam) Status
	// QueryIOSurf returns the input and the output requests.
	QueryIOSurf(ctx context.Context, par *VideoParam) ([2]FrameAllocRequest, Status)
	Init(ctx context.Context, par *VideoParam) Status
	Reset(ctx context.Context, par *VideoParam) Status
	Close(ctx context.Context) Status
	GetVideoParam(ctx context.Context, par *VideoParam) Status

	RunFrameVPPAsync(
		ctx context.Context,
		in *FrameSurface,
		out *FrameSurface,
	) (syncPoint SyncPoint, status Status)
}

// FrameAllocator is the set of callbacks a Session uses to obtain and
// access device buffers. The session calls it synchronously from within
// Init/Reset/Close and the submit calls.
type FrameAllocator interface {
	Alloc(ctx context.Context, req *FrameAllocRequest) (FrameAllocResponse, Status)
	Lock(ctx context.Context, mid MemID, data *FrameData) Status
	Unlock(ctx context.Context, mid MemID, data *FrameData) Status
	GetHandle(ctx context.Context, mid MemID) (Handle, Status)
	Free(ctx context.Context, resp *FrameAllocResponse) Status
}
