package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4"
	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/decoder"
	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/hw"
)

// source yields the access units of one video stream; ReadFrame returns
// io.EOF at the end.
type source interface {
	// Configure fills in what the container knows about the stream.
	Configure(params *decoder.Params)
	ReadFrame() (*frame.Frame, error)
	Close() error
}

type mp4Source struct {
	file     *os.File
	demuxer  *mp4.Demuxer
	videoIdx int8
	codec    h264parser.CodecData
}

var _ source = (*mp4Source)(nil)

func openMP4(path string) (_ *mp4Source, _err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _err != nil {
			f.Close()
		}
	}()

	demuxer := mp4.NewDemuxer(f)
	streams, err := demuxer.Streams()
	if err != nil {
		return nil, fmt.Errorf("unable to read the streams of '%s': %w", path, err)
	}
	for idx, stream := range streams {
		if stream.Type() != av.H264 {
			continue
		}
		return &mp4Source{
			file:     f,
			demuxer:  demuxer,
			videoIdx: int8(idx),
			codec:    stream.(h264parser.CodecData),
		}, nil
	}
	return nil, errors.New("no H.264 stream found")
}

func (s *mp4Source) Configure(params *decoder.Params) {
	params.CodecID = hw.CodecIDAVC
	params.StreamFormat = bitstream.StreamFormatLengthPrefixed
	params.CodecData = s.codec.AVCDecoderConfRecordBytes()
	if params.Width == 0 || params.Height == 0 {
		params.Width, params.Height = uint16(s.codec.Width()), uint16(s.codec.Height())
	}
}

func (s *mp4Source) ReadFrame() (*frame.Frame, error) {
	for {
		pkt, err := s.demuxer.ReadPacket()
		if err != nil {
			return nil, err
		}
		if pkt.Idx != s.videoIdx {
			continue
		}
		f := frame.NewInput(pkt.Data, pkt.Time+pkt.CompositionTime, 0, pkt.IsKeyFrame)
		f.DTS = pkt.Time
		return f, nil
	}
}

func (s *mp4Source) Close() error {
	return s.file.Close()
}

// isEOF reports the normal end of a source.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
