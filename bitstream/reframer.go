package bitstream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nareix/joy4/codec/h264parser"
	"github.com/xaionaro-go/msdk/hw"
)

// StreamFormat is how access units are framed on input.
type StreamFormat int

const (
	StreamFormatAuto = StreamFormat(iota)
	StreamFormatByteStream
	StreamFormatLengthPrefixed
)

func (f StreamFormat) String() string {
	switch f {
	case StreamFormatAuto:
		return "auto"
	case StreamFormatByteStream:
		return "byte-stream"
	case StreamFormatLengthPrefixed:
		return "length-prefixed"
	}
	return fmt.Sprintf("<unexpected_%d>", int(f))
}

func (f *StreamFormat) UnmarshalText(b []byte) error {
	for _, candidate := range []StreamFormat{StreamFormatAuto, StreamFormatByteStream, StreamFormatLengthPrefixed} {
		if candidate.String() == string(b) {
			*f = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown stream format '%s'", b)
}

func (f StreamFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

var ErrTruncated = errors.New("truncated NAL unit")

// Reframer converts input access units into the byte-stream form.
type Reframer interface {
	// Reframe appends the byte-stream form of the access unit to dst.
	Reframe(dst []byte, au []byte) ([]byte, error)
	// Reset makes the next access unit carry the parameter sets again.
	Reset()
	// ParameterSets returns the parameter sets inserted after a Reset.
	ParameterSets() [][]byte
	// SetParameterSets replaces them, for streams that changed them in-band.
	SetParameterSets(paramSets [][]byte)
}

// NewReframer returns a Reframer for the codec. codecData is the
// out-of-band codec configuration (avcC, hvcC or byte-stream parameter
// sets), it may be empty.
func NewReframer(
	codecID hw.CodecID,
	format StreamFormat,
	codecData []byte,
) (Reframer, error) {
	switch codecID {
	case hw.CodecIDAVC, hw.CodecIDHEVC:
	default:
		return &passthroughReframer{}, nil
	}

	if format == StreamFormatAuto {
		format = StreamFormatByteStream
		if len(codecData) > 0 && !IsByteStream(codecData) {
			format = StreamFormatLengthPrefixed
		}
	}

	var (
		paramSets  [][]byte
		lengthSize = 4
	)
	switch {
	case len(codecData) == 0:
	case IsByteStream(codecData):
		for _, nal := range FindNALUnits(codecData) {
			paramSets = append(paramSets, nal.Bytes(codecData))
		}
	case codecID == hw.CodecIDAVC:
		var record h264parser.AVCDecoderConfRecord
		if _, err := record.Unmarshal(codecData); err != nil {
			return nil, fmt.Errorf("unable to parse the AVC decoder configuration record: %w", err)
		}
		lengthSize = int(record.LengthSizeMinusOne&0x3) + 1
		paramSets = append(paramSets, record.SPS...)
		paramSets = append(paramSets, record.PPS...)
	case codecID == hw.CodecIDHEVC:
		record, err := ParseHEVCDecoderConfRecord(codecData)
		if err != nil {
			return nil, fmt.Errorf("unable to parse the HEVC decoder configuration record: %w", err)
		}
		lengthSize = record.LengthSize
		paramSets = record.ParameterSets()
	}

	switch format {
	case StreamFormatByteStream:
		return &byteStreamReframer{paramSets: paramSets}, nil
	case StreamFormatLengthPrefixed:
		return &lengthPrefixedReframer{
			byteStreamReframer: byteStreamReframer{paramSets: paramSets},
			lengthSize:         lengthSize,
		}, nil
	}
	return nil, fmt.Errorf("unexpected stream format %s", format)
}

type passthroughReframer struct{}

func (*passthroughReframer) Reframe(dst []byte, au []byte) ([]byte, error) {
	return append(dst, au...), nil
}
func (*passthroughReframer) Reset()                   {}
func (*passthroughReframer) ParameterSets() [][]byte  { return nil }
func (*passthroughReframer) SetParameterSets([][]byte) {}

type byteStreamReframer struct {
	paramSets     [][]byte
	paramSetsSent bool
}

func (r *byteStreamReframer) Reset() {
	r.paramSetsSent = false
}

func (r *byteStreamReframer) ParameterSets() [][]byte {
	return r.paramSets
}

func (r *byteStreamReframer) SetParameterSets(paramSets [][]byte) {
	r.paramSets = paramSets
}

func (r *byteStreamReframer) appendParameterSets(dst []byte) []byte {
	if r.paramSetsSent {
		return dst
	}
	r.paramSetsSent = true
	for _, ps := range r.paramSets {
		dst = append(dst, StartCode...)
		dst = append(dst, ps...)
	}
	return dst
}

func (r *byteStreamReframer) Reframe(dst []byte, au []byte) ([]byte, error) {
	if !IsByteStream(au) {
		return dst, fmt.Errorf("the access unit does not start with a start code")
	}
	dst = r.appendParameterSets(dst)
	return append(dst, au...), nil
}

// lengthPrefixedReframer converts avcC/hvcC framed access units.
type lengthPrefixedReframer struct {
	byteStreamReframer
	lengthSize int
}

func (r *lengthPrefixedReframer) Reframe(dst []byte, au []byte) (_ []byte, _err error) {
	if r.lengthSize == 4 {
		if _, typ := h264parser.SplitNALUs(au); typ == h264parser.NALU_ANNEXB {
			// some muxers do not convert the stream despite the avcC record
			return r.byteStreamReframer.Reframe(dst, au)
		}
	}

	// a rejected access unit never reaches the hardware, so the parameter
	// sets still have to precede the next one
	wasSent := r.paramSetsSent
	defer func() {
		if _err != nil {
			r.paramSetsSent = wasSent
		}
	}()

	dst = r.appendParameterSets(dst)
	for len(au) > 0 {
		if len(au) < r.lengthSize {
			return dst, fmt.Errorf("%w: %d bytes left, while the length prefix is %d bytes", ErrTruncated, len(au), r.lengthSize)
		}
		var size int
		switch r.lengthSize {
		case 1:
			size = int(au[0])
		case 2:
			size = int(binary.BigEndian.Uint16(au))
		case 3:
			size = int(au[0])<<16 | int(au[1])<<8 | int(au[2])
		case 4:
			size = int(binary.BigEndian.Uint32(au))
		}
		au = au[r.lengthSize:]
		if size > len(au) {
			return dst, fmt.Errorf("%w: expected %d bytes, got %d", ErrTruncated, size, len(au))
		}
		dst = append(dst, StartCode...)
		dst = append(dst, au[:size]...)
		au = au[size:]
	}
	return dst, nil
}
