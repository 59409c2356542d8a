package bitstream

import (
	"encoding/binary"
	"fmt"
)

// HEVCDecoderConfRecord is the part of an hvcC record needed for reframing.
type HEVCDecoderConfRecord struct {
	GeneralProfileIDC uint8
	GeneralLevelIDC   uint8
	LengthSize        int
	Arrays            []HEVCNALArray
}

type HEVCNALArray struct {
	NALType int
	NALUs   [][]byte
}

// ParameterSets returns the NAL units of all arrays in VPS, SPS, PPS, SEI order.
func (r HEVCDecoderConfRecord) ParameterSets() [][]byte {
	var result [][]byte
	for _, nalType := range []int{HEVCNALTypeVPS, HEVCNALTypeSPS, HEVCNALTypePPS} {
		for _, a := range r.Arrays {
			if a.NALType == nalType {
				result = append(result, a.NALUs...)
			}
		}
	}
	for _, a := range r.Arrays {
		switch a.NALType {
		case HEVCNALTypeVPS, HEVCNALTypeSPS, HEVCNALTypePPS:
		default:
			result = append(result, a.NALUs...)
		}
	}
	return result
}

const hevcConfRecordHeaderSize = 23

func ParseHEVCDecoderConfRecord(b []byte) (HEVCDecoderConfRecord, error) {
	var r HEVCDecoderConfRecord
	if len(b) < hevcConfRecordHeaderSize {
		return r, fmt.Errorf("%w: the record is %d bytes, expected at least %d", ErrTruncated, len(b), hevcConfRecordHeaderSize)
	}
	if b[0] != 1 {
		return r, fmt.Errorf("unsupported configuration version %d", b[0])
	}
	r.GeneralProfileIDC = b[1] & 0x1f
	r.GeneralLevelIDC = b[12]
	r.LengthSize = int(b[21]&0x3) + 1
	numArrays := int(b[22])

	pos := hevcConfRecordHeaderSize
	for i := 0; i < numArrays; i++ {
		if pos+3 > len(b) {
			return r, fmt.Errorf("%w: array #%d header", ErrTruncated, i)
		}
		a := HEVCNALArray{NALType: int(b[pos] & 0x3f)}
		numNALUs := int(binary.BigEndian.Uint16(b[pos+1:]))
		pos += 3
		for j := 0; j < numNALUs; j++ {
			if pos+2 > len(b) {
				return r, fmt.Errorf("%w: array #%d NAL #%d length", ErrTruncated, i, j)
			}
			size := int(binary.BigEndian.Uint16(b[pos:]))
			pos += 2
			if pos+size > len(b) {
				return r, fmt.Errorf("%w: array #%d NAL #%d", ErrTruncated, i, j)
			}
			a.NALUs = append(a.NALUs, b[pos:pos+size])
			pos += size
		}
		r.Arrays = append(r.Arrays, a)
	}
	return r, nil
}
