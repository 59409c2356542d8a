// params.go defines the parameter structures of the hardware session API.

package hw

import (
	"fmt"
	"time"
)

type CodecID uint32

var (
	CodecIDAVC   = CodecID(makeFourCC('A', 'V', 'C', ' '))
	CodecIDHEVC  = CodecID(makeFourCC('H', 'E', 'V', 'C'))
	CodecIDMPEG2 = CodecID(makeFourCC('M', 'P', 'G', '2'))
	CodecIDVC1   = CodecID(makeFourCC('V', 'C', '1', ' '))
	CodecIDVP8   = CodecID(makeFourCC('V', 'P', '8', ' '))
	CodecIDVP9   = CodecID(makeFourCC('V', 'P', '9', ' '))
	CodecIDAV1   = CodecID(makeFourCC('A', 'V', '1', ' '))
	CodecIDJPEG  = CodecID(makeFourCC('J', 'P', 'E', 'G'))
)

func (c CodecID) String() string {
	return FourCC(c).String()
}

// CodecIDFromString parses names like "h264", "avc", "hevc", "h265", "vp9".
func CodecIDFromString(s string) (CodecID, error) {
	switch s {
	case "":
		return 0, nil
	case "h264", "avc", "AVC":
		return CodecIDAVC, nil
	case "h265", "hevc", "HEVC":
		return CodecIDHEVC, nil
	case "mpeg2", "MPEG2":
		return CodecIDMPEG2, nil
	case "vc1", "VC1":
		return CodecIDVC1, nil
	case "vp8", "VP8":
		return CodecIDVP8, nil
	case "vp9", "VP9":
		return CodecIDVP9, nil
	case "av1", "AV1":
		return CodecIDAV1, nil
	case "jpeg", "mjpeg", "JPEG":
		return CodecIDJPEG, nil
	}
	return 0, fmt.Errorf("unknown codec '%s'", s)
}

func (c *CodecID) UnmarshalText(b []byte) error {
	v, err := CodecIDFromString(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c CodecID) MarshalText() ([]byte, error) {
	switch c {
	case 0:
		return []byte{}, nil
	case CodecIDAVC:
		return []byte("h264"), nil
	case CodecIDHEVC:
		return []byte("hevc"), nil
	case CodecIDMPEG2:
		return []byte("mpeg2"), nil
	case CodecIDVC1:
		return []byte("vc1"), nil
	case CodecIDVP8:
		return []byte("vp8"), nil
	case CodecIDVP9:
		return []byte("vp9"), nil
	case CodecIDAV1:
		return []byte("av1"), nil
	case CodecIDJPEG:
		return []byte("jpeg"), nil
	}
	return nil, fmt.Errorf("unknown codec %s", c)
}

// IOPattern tells the session where the input and output surfaces reside.
type IOPattern uint16

const (
	IOPatternInVideoMemory   IOPattern = 0x01
	IOPatternInSystemMemory  IOPattern = 0x02
	IOPatternOutVideoMemory  IOPattern = 0x10
	IOPatternOutSystemMemory IOPattern = 0x20
)

func (p IOPattern) InVideoMemory() bool  { return p&IOPatternInVideoMemory != 0 }
func (p IOPattern) OutVideoMemory() bool { return p&IOPatternOutVideoMemory != 0 }

// MemType describes the kind of memory requested through the allocator.
type MemType uint16

const (
	MemTypeDecoderTarget   MemType = 0x0010
	MemTypeProcessorTarget MemType = 0x0020
	MemTypeSystemMemory    MemType = 0x0040
	MemTypeFromEncode      MemType = 0x0100
	MemTypeFromDecode      MemType = 0x0200
	MemTypeFromVPPIn       MemType = 0x0400
	MemTypeFromVPPOut      MemType = 0x0800
	MemTypeInternalFrame   MemType = 0x0001
	MemTypeExternalFrame   MemType = 0x0002
	MemTypeExportFrame     MemType = 0x0008
)

func (t MemType) IsVideoMemory() bool {
	return t&(MemTypeDecoderTarget|MemTypeProcessorTarget) != 0
}

func (t MemType) String() string {
	var r string
	add := func(flag MemType, name string) {
		if t&flag == 0 {
			return
		}
		if r != "" {
			r += "|"
		}
		r += name
	}
	add(MemTypeDecoderTarget, "decoder_target")
	add(MemTypeProcessorTarget, "processor_target")
	add(MemTypeSystemMemory, "system")
	add(MemTypeFromEncode, "from_encode")
	add(MemTypeFromDecode, "from_decode")
	add(MemTypeFromVPPIn, "from_vppin")
	add(MemTypeFromVPPOut, "from_vppout")
	add(MemTypeInternalFrame, "internal")
	add(MemTypeExternalFrame, "external")
	add(MemTypeExportFrame, "export")
	if r == "" {
		return "none"
	}
	return r
}

// ExtBufferID identifies the kind of an extension parameter block.
type ExtBufferID uint32

var (
	ExtBufferIDVPPDeinterlacing   = ExtBufferID(makeFourCC('V', 'P', 'D', 'I'))
	ExtBufferIDVPPDenoise         = ExtBufferID(makeFourCC('D', 'N', 'I', 'S'))
	ExtBufferIDVPPDetail          = ExtBufferID(makeFourCC('D', 'E', 'T', ' '))
	ExtBufferIDVPPComposite       = ExtBufferID(makeFourCC('V', 'C', 'M', 'P'))
	ExtBufferIDVPPRotation        = ExtBufferID(makeFourCC('R', 'O', 'T', ' '))
	ExtBufferIDVPPFrameRateConv   = ExtBufferID(makeFourCC('F', 'R', 'C', ' '))
	ExtBufferIDVPPProcAmp         = ExtBufferID(makeFourCC('P', 'A', 'M', 'P'))
	ExtBufferIDCodingOption       = ExtBufferID(makeFourCC('C', 'D', 'O', 'P'))
	ExtBufferIDEncoderResetOption = ExtBufferID(makeFourCC('E', 'N', 'R', 'O'))
)

func (id ExtBufferID) String() string {
	return FourCC(id).String()
}

// ExtBuffer is an extension parameter block attached to VideoParam.
type ExtBuffer interface {
	ExtBufferID() ExtBufferID
}

// RateControlMethod of an encoder.
type RateControlMethod uint16

const (
	RateControlCBR  RateControlMethod = 1
	RateControlVBR  RateControlMethod = 2
	RateControlCQP  RateControlMethod = 3
	RateControlAVBR RateControlMethod = 4
	RateControlICQ  RateControlMethod = 9
)

// VideoParam is the set of parameters a component is initialized with.
type VideoParam struct {
	CodecID      CodecID
	CodecProfile uint16
	CodecLevel   uint16
	AsyncDepth   uint16
	IOPattern    IOPattern
	FrameInfo    FrameInfo

	// decode
	ExtendedPicStruct bool
	DecodedOrder      bool

	// encode
	TargetUsage       uint16
	GopPicSize        uint16
	GopRefDist        uint16
	IdrInterval       uint16
	NumRefFrame       uint16
	RateControlMethod RateControlMethod
	TargetKbps        uint16
	MaxKbps           uint16
	QPI               uint16
	QPP               uint16
	QPB               uint16

	// vpp
	VPPIn  FrameInfo
	VPPOut FrameInfo

	ExtParams []ExtBuffer
}

// ExtParam returns the extension buffer with the given id, if attached.
func (p *VideoParam) ExtParam(id ExtBufferID) ExtBuffer {
	for _, b := range p.ExtParams {
		if b.ExtBufferID() == id {
			return b
		}
	}
	return nil
}

func (p *VideoParam) Clone() *VideoParam {
	if p == nil {
		return nil
	}
	r := *p
	r.ExtParams = append([]ExtBuffer(nil), p.ExtParams...)
	return &r
}

// FrameAllocRequest is what a component asks an allocator for.
type FrameAllocRequest struct {
	Info              FrameInfo
	Type              MemType
	NumFrameMin       uint16
	NumFrameSuggested uint16
}

func (r FrameAllocRequest) String() string {
	return fmt.Sprintf("{%s, type:%s, min:%d, suggested:%d}", r.Info, r.Type, r.NumFrameMin, r.NumFrameSuggested)
}

// FrameAllocResponse is what an allocator answers a FrameAllocRequest with.
type FrameAllocResponse struct {
	MemIDs         []MemID
	NumFrameActual uint16
}

// DataFlag of a Bitstream.
type DataFlag uint16

const (
	DataFlagEndOfStream   DataFlag = 0x0001
	DataFlagCompleteFrame DataFlag = 0x0002
)

// FrameType of an encoded frame.
type FrameType uint16

const (
	FrameTypeUnknown FrameType = 0x0000
	FrameTypeI       FrameType = 0x0001
	FrameTypeP       FrameType = 0x0002
	FrameTypeB       FrameType = 0x0004
	FrameTypeREF     FrameType = 0x0040
	FrameTypeIDR     FrameType = 0x0080
)

// Bitstream is a compressed-data buffer exchanged with decode/encode components.
//
// Data[DataOffset:DataOffset+DataLength] is the payload; the component
// advances DataOffset/DataLength as it consumes input.
type Bitstream struct {
	Data            []byte
	DataOffset      uint32
	DataLength      uint32
	TimeStamp       uint64
	DecodeTimeStamp int64
	FrameType       FrameType
	DataFlag        DataFlag
}

// Payload returns the not yet consumed bytes.
func (b *Bitstream) Payload() []byte {
	if b == nil {
		return nil
	}
	return b.Data[b.DataOffset : b.DataOffset+b.DataLength]
}

// Consume marks n bytes as consumed.
func (b *Bitstream) Consume(n uint32) {
	if n > b.DataLength {
		n = b.DataLength
	}
	b.DataOffset += n
	b.DataLength -= n
}

// EncodeCtrl carries per-frame encoder controls.
type EncodeCtrl struct {
	FrameType FrameType
}

// SyncPoint is a completion token returned by asynchronous submit calls.
type SyncPoint uint64

const SyncPointNone SyncPoint = 0

// TimestampUnknown marks a Bitstream/FrameData timestamp as not set.
const TimestampUnknown = ^uint64(0)

// TimestampClockRate is the clock rate of hardware timestamps.
const TimestampClockRate = 90000

// TimestampFromDuration converts a pipeline timestamp into hardware units.
func TimestampFromDuration(d time.Duration) uint64 {
	if d < 0 {
		return TimestampUnknown
	}
	ns := uint64(d)
	return ns/100000*9 + ns%100000*9/100000
}

// DurationFromTimestamp converts a hardware timestamp into a pipeline timestamp.
func DurationFromTimestamp(ts uint64) time.Duration {
	if ts == TimestampUnknown {
		return -1
	}
	return time.Duration(ts * uint64(time.Second) / TimestampClockRate)
}
