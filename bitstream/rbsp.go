package bitstream

import (
	"fmt"

	"github.com/nareix/joy4/codec/h264parser"
	"github.com/xaionaro-go/msdk/hw"
)

// EscapeRBSP inserts the emulation prevention bytes.
func EscapeRBSP(rbsp []byte) []byte {
	r := make([]byte, 0, len(rbsp)+len(rbsp)/64)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			r = append(r, 3)
			zeros = 0
		}
		r = append(r, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return r
}

// UnescapeRBSP drops the emulation prevention bytes.
func UnescapeRBSP(b []byte) []byte {
	r := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		r = append(r, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return r
}

// FindAVCSPS parses the first SPS of the byte-stream buffer b; ok is false
// if there is none.
func FindAVCSPS(b []byte) (_ h264parser.SPSInfo, ok bool, _err error) {
	for _, nal := range FindNALUnits(b) {
		nalBytes := nal.Bytes(b)
		if NALType(hw.CodecIDAVC, nalBytes) != AVCNALTypeSPS {
			continue
		}
		sps, err := h264parser.ParseSPS(UnescapeRBSP(nalBytes))
		if err != nil {
			return h264parser.SPSInfo{}, false, fmt.Errorf("unable to parse the SPS: %w", err)
		}
		return sps, true, nil
	}
	return h264parser.SPSInfo{}, false, nil
}
