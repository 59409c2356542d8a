// annexb.go implements scanning of byte-stream (Annex B) NAL units.

// Package bitstream reframes compressed video into the byte-stream form the
// hardware decoder expects and accumulates it between decode calls.
package bitstream

import (
	"github.com/xaionaro-go/msdk/hw"
)

// StartCode is the 4-byte Annex B start code.
var StartCode = []byte{0, 0, 0, 1}

// NALUnit locates one NAL unit within a byte-stream buffer.
type NALUnit struct {
	// StartCodeOffset is where the start code (with its leading zero, if
	// any) begins.
	StartCodeOffset int
	// Offset is where the NAL header begins.
	Offset int
	// Size is the size of the NAL unit without the start code.
	Size int
}

func (n NALUnit) Bytes(b []byte) []byte {
	return b[n.Offset : n.Offset+n.Size]
}

// End is the offset right after the NAL unit.
func (n NALUnit) End() int {
	return n.Offset + n.Size
}

// FindNALUnits returns the NAL units of a byte-stream buffer. Bytes before
// the first start code are skipped.
func FindNALUnits(b []byte) []NALUnit {
	var result []NALUnit
	i := 0
	for {
		scOffset, offset := findStartCode(b, i)
		if offset < 0 {
			break
		}
		if len(result) > 0 {
			prev := &result[len(result)-1]
			prev.Size = scOffset - prev.Offset
		}
		result = append(result, NALUnit{
			StartCodeOffset: scOffset,
			Offset:          offset,
			Size:            len(b) - offset,
		})
		i = offset
	}
	return result
}

// findStartCode returns the offset of the start code found at or after
// from, and the offset of the NAL header following it; (-1, -1) if none.
func findStartCode(b []byte, from int) (int, int) {
	for i := from; i+3 <= len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		switch {
		case b[i+2] == 1:
			if i > 0 && b[i-1] == 0 && i-1 >= from {
				return i - 1, i + 3
			}
			return i, i + 3
		case b[i+2] == 0 && i+4 <= len(b) && b[i+3] == 1:
			return i, i + 4
		}
	}
	return -1, -1
}

// IsByteStream reports whether b starts with a start code.
func IsByteStream(b []byte) bool {
	switch {
	case len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1:
		return true
	case len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1:
		return true
	}
	return false
}

// NALType returns the NAL unit type of the codec-specific NAL header.
func NALType(codecID hw.CodecID, nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	switch codecID {
	case hw.CodecIDHEVC:
		return int(nal[0]>>1) & 0x3f
	default:
		return int(nal[0] & 0x1f)
	}
}

const (
	AVCNALTypeSlice    = 1
	AVCNALTypeIDR      = 5
	AVCNALTypeSEI      = 6
	AVCNALTypeSPS      = 7
	AVCNALTypePPS      = 8
	AVCNALTypeAUD      = 9
	HEVCNALTypeIDRWRAD = 19
	HEVCNALTypeIDRNLP  = 20
	HEVCNALTypeCRA     = 21
	HEVCNALTypeVPS     = 32
	HEVCNALTypeSPS     = 33
	HEVCNALTypePPS     = 34
	HEVCNALTypeAUD     = 35
)

// IsVCL reports whether the NAL unit type carries slice data.
func IsVCL(codecID hw.CodecID, nalType int) bool {
	switch codecID {
	case hw.CodecIDHEVC:
		return nalType >= 0 && nalType <= 31
	default:
		return nalType >= AVCNALTypeSlice && nalType <= AVCNALTypeIDR
	}
}

// IsKeyFrameNAL reports whether the NAL unit type starts a random access point.
func IsKeyFrameNAL(codecID hw.CodecID, nalType int) bool {
	switch codecID {
	case hw.CodecIDHEVC:
		return nalType >= 16 && nalType <= HEVCNALTypeCRA
	default:
		return nalType == AVCNALTypeIDR
	}
}

// AccessUnitLength returns the length of the first access unit of a
// byte-stream buffer: all NAL units up to and including the first one with
// slice data. Zero means b holds no complete access unit. Codecs without
// NAL units have one access unit per buffer.
func AccessUnitLength(codecID hw.CodecID, b []byte) int {
	switch codecID {
	case hw.CodecIDAVC, hw.CodecIDHEVC:
	default:
		return len(b)
	}
	for _, nal := range FindNALUnits(b) {
		if IsVCL(codecID, NALType(codecID, nal.Bytes(b))) {
			return nal.End()
		}
	}
	return 0
}

// IsParameterSetNAL reports whether the NAL unit type is a VPS, SPS or PPS.
func IsParameterSetNAL(codecID hw.CodecID, nalType int) bool {
	switch codecID {
	case hw.CodecIDHEVC:
		return nalType >= HEVCNALTypeVPS && nalType <= HEVCNALTypePPS
	default:
		return nalType == AVCNALTypeSPS || nalType == AVCNALTypePPS
	}
}

// ParameterSets returns copies of the parameter set NAL units preceding the
// first slice of a byte-stream buffer.
func ParameterSets(codecID hw.CodecID, b []byte) [][]byte {
	var result [][]byte
	for _, nal := range FindNALUnits(b) {
		nalBytes := nal.Bytes(b)
		nalType := NALType(codecID, nalBytes)
		if IsVCL(codecID, nalType) {
			break
		}
		if IsParameterSetNAL(codecID, nalType) {
			result = append(result, append([]byte(nil), nalBytes...))
		}
	}
	return result
}
