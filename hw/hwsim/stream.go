// stream.go implements the H.264 access units the simulated engine produces and understands.

package hwsim

import (
	"fmt"
	"image/color"

	"github.com/nareix/joy4/codec/h264parser"
	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/hw"
)

// bitWriter writes the RBSP of a parameter set MSB first.
type bitWriter struct {
	buf   []byte
	nbits uint
}

func (w *bitWriter) writeBit(b uint) {
	if w.nbits%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[len(w.buf)-1] |= 0x80 >> (w.nbits % 8)
	}
	w.nbits++
}

func (w *bitWriter) writeBits(v uint, n uint) {
	for i := n; i > 0; i-- {
		w.writeBit((v >> (i - 1)) & 1)
	}
}

// writeUE writes an unsigned Exp-Golomb value.
func (w *bitWriter) writeUE(v uint) {
	v++
	var size uint
	for tmp := v; tmp > 1; tmp >>= 1 {
		size++
	}
	w.writeBits(0, size)
	w.writeBits(v, size+1)
}

func (w *bitWriter) writeTrailingBits() {
	w.writeBit(1)
	for w.nbits%8 != 0 {
		w.writeBit(0)
	}
}

// BuildAVCSPS returns a Baseline profile SPS NAL unit (with its header)
// describing a width x height picture.
func BuildAVCSPS(width, height int, interlaced bool) []byte {
	mbWidth := (width + 15) / 16
	mapUnitHeight := 16
	if interlaced {
		mapUnitHeight = 32
	}
	mapHeight := (height + mapUnitHeight - 1) / mapUnitHeight

	w := &bitWriter{}
	w.writeBits(66, 8) // profile_idc
	w.writeBits(0xc0, 8)
	w.writeBits(30, 8) // level_idc
	w.writeUE(0)       // seq_parameter_set_id
	w.writeUE(0)       // log2_max_frame_num_minus4
	w.writeUE(2)       // pic_order_cnt_type
	w.writeUE(1)       // max_num_ref_frames
	w.writeBit(0)
	w.writeUE(uint(mbWidth - 1))
	w.writeUE(uint(mapHeight - 1))
	if interlaced {
		w.writeBit(0) // frame_mbs_only_flag
		w.writeBit(0) // mb_adaptive_frame_field_flag
	} else {
		w.writeBit(1)
	}
	w.writeBit(1) // direct_8x8_inference_flag

	cropRight := (mbWidth*16 - width) / 2
	cropBottom := (mapHeight*mapUnitHeight - height) / 2
	if interlaced {
		cropBottom = (mapHeight*mapUnitHeight - height) / 4
	}
	if cropRight != 0 || cropBottom != 0 {
		w.writeBit(1)
		w.writeUE(0)
		w.writeUE(uint(cropRight))
		w.writeUE(0)
		w.writeUE(uint(cropBottom))
	} else {
		w.writeBit(0)
	}
	w.writeBit(0) // vui_parameters_present_flag
	w.writeTrailingBits()

	return append([]byte{0x67}, bitstream.EscapeRBSP(w.buf)...)
}

// BuildAVCPPS returns the PPS NAL unit matching BuildAVCSPS.
func BuildAVCPPS() []byte {
	w := &bitWriter{}
	w.writeUE(0) // pic_parameter_set_id
	w.writeUE(0) // seq_parameter_set_id
	w.writeBit(0)
	w.writeBit(0)
	w.writeUE(0) // num_slice_groups_minus1
	w.writeUE(0)
	w.writeUE(0)
	w.writeBit(0)
	w.writeBits(0, 2)
	w.writeUE(0) // pic_init_qp_minus26
	w.writeUE(0)
	w.writeUE(0)
	w.writeBit(1)
	w.writeBit(0)
	w.writeBit(0)
	w.writeTrailingBits()
	return append([]byte{0x68}, bitstream.EscapeRBSP(w.buf)...)
}

// buildSlice returns a slice NAL unit carrying the color of the picture.
func buildSlice(keyFrame bool, frameNum uint8, c color.YCbCr) []byte {
	header := byte(0x41)
	if keyFrame {
		header = 0x65
	}
	return append([]byte{header}, bitstream.EscapeRBSP([]byte{frameNum, c.Y, c.Cb, c.Cr, 0x80})...)
}

// sliceColor returns the color carried by a slice made by buildSlice; slices
// produced elsewhere decode into mid-gray.
func sliceColor(nal []byte) color.YCbCr {
	gray := color.YCbCr{Y: 0x80, Cb: 0x80, Cr: 0x80}
	if len(nal) < 2 {
		return gray
	}
	payload := bitstream.UnescapeRBSP(nal[1:])
	if len(payload) != 5 || payload[4] != 0x80 {
		return gray
	}
	return color.YCbCr{Y: payload[1], Cb: payload[2], Cr: payload[3]}
}

// StreamBuilder produces an H.264 byte-stream the simulated decoder
// decodes into flat frames of known colors.
type StreamBuilder struct {
	Width      int
	Height     int
	Interlaced bool
	// GopSize is the distance between keyframes; 0 means only the first
	// access unit is a keyframe.
	GopSize int
}

// FrameColor is the color of the frame #idx.
func FrameColor(idx int) color.YCbCr {
	return color.YCbCr{
		Y:  uint8(16 + (idx*37)%220),
		Cb: uint8(64 + (idx*11)%128),
		Cr: uint8(192 - (idx*7)%128),
	}
}

func (b StreamBuilder) IsKeyFrame(idx int) bool {
	if idx == 0 {
		return true
	}
	return b.GopSize > 0 && idx%b.GopSize == 0
}

// ParameterSets returns the SPS and the PPS.
func (b StreamBuilder) ParameterSets() (sps, pps []byte) {
	return BuildAVCSPS(b.Width, b.Height, b.Interlaced), BuildAVCPPS()
}

// AccessUnitNALs returns the NAL units of the access unit #idx; keyframes
// are preceded by the parameter sets.
func (b StreamBuilder) AccessUnitNALs(idx int) [][]byte {
	var nals [][]byte
	key := b.IsKeyFrame(idx)
	if key {
		sps, pps := b.ParameterSets()
		nals = append(nals, sps, pps)
	}
	return append(nals, buildSlice(key, uint8(idx), FrameColor(idx)))
}

// AccessUnit returns the access unit #idx in the byte-stream format.
func (b StreamBuilder) AccessUnit(idx int) []byte {
	var r []byte
	for _, nal := range b.AccessUnitNALs(idx) {
		r = append(r, bitstream.StartCode...)
		r = append(r, nal...)
	}
	return r
}

// AccessUnitLengthPrefixed returns the access unit #idx with 4-byte NAL
// lengths and without the parameter sets (which go to the avcC record).
func (b StreamBuilder) AccessUnitLengthPrefixed(idx int) []byte {
	var r []byte
	for _, nal := range b.AccessUnitNALs(idx) {
		switch bitstream.NALType(hw.CodecIDAVC, nal) {
		case bitstream.AVCNALTypeSPS, bitstream.AVCNALTypePPS:
			continue
		}
		r = append(r, byte(len(nal)>>24), byte(len(nal)>>16), byte(len(nal)>>8), byte(len(nal)))
		r = append(r, nal...)
	}
	return r
}

// AVCDecoderConfRecord returns the avcC record of the stream.
func (b StreamBuilder) AVCDecoderConfRecord() ([]byte, error) {
	sps, pps := b.ParameterSets()
	codecData, err := h264parser.NewCodecDataFromSPSAndPPS(sps, pps)
	if err != nil {
		return nil, fmt.Errorf("unable to build the avcC record: %w", err)
	}
	return codecData.AVCDecoderConfRecordBytes(), nil
}
