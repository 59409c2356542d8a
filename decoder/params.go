package decoder

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/types"
)

// MemoryType selects where the decoded pictures live.
type MemoryType int

const (
	MemoryTypeAuto = MemoryType(iota)
	MemoryTypeSystem
	MemoryTypeVideo
)

func (t MemoryType) String() string {
	switch t {
	case MemoryTypeAuto:
		return "auto"
	case MemoryTypeSystem:
		return "system"
	case MemoryTypeVideo:
		return "video"
	}
	return fmt.Sprintf("<unexpected_%d>", int(t))
}

func (t *MemoryType) UnmarshalText(b []byte) error {
	for _, candidate := range []MemoryType{MemoryTypeAuto, MemoryTypeSystem, MemoryTypeVideo} {
		if candidate.String() == string(b) {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown memory type '%s'", b)
}

func (t MemoryType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// OutputOrder selects the order the hardware returns the pictures in.
type OutputOrder int

const (
	OutputOrderDisplay = OutputOrder(iota)
	OutputOrderDecode
)

func (o OutputOrder) String() string {
	switch o {
	case OutputOrderDisplay:
		return "display"
	case OutputOrderDecode:
		return "decode"
	}
	return fmt.Sprintf("<unexpected_%d>", int(o))
}

func (o *OutputOrder) UnmarshalText(b []byte) error {
	switch string(b) {
	case "display":
		*o = OutputOrderDisplay
	case "decode":
		*o = OutputOrderDecode
	default:
		return fmt.Errorf("unknown output order '%s'", b)
	}
	return nil
}

func (o OutputOrder) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

const (
	defaultAsyncDepth  = 4
	defaultSyncTimeout = 100 * time.Millisecond
	defaultBusyRetries = 1000
	defaultSyncRetries = 100
	busyRetryInterval  = time.Millisecond
)

type Params struct {
	CodecID      hw.CodecID             `yaml:"codec"`
	StreamFormat bitstream.StreamFormat `yaml:"stream_format"`

	// CodecData is the out-of-band codec configuration (avcC, hvcC or
	// byte-stream parameter sets).
	CodecData []byte `yaml:"-"`

	// FrameRate is the nominal frame rate; it is also the source of the
	// frame duration if the input frames do not carry one.
	FrameRate types.Rational `yaml:"frame_rate"`

	// Width and Height are the geometry hints for codecs whose headers
	// the hardware cannot parse on its own.
	Width  uint16 `yaml:"width"`
	Height uint16 `yaml:"height"`

	Memory      MemoryType  `yaml:"memory"`
	AsyncDepth  uint16      `yaml:"async_depth"`
	LiveMode    bool        `yaml:"live_mode"`
	OutputOrder OutputOrder `yaml:"output_order"`

	// KeepPartialFrames disables discarding of the frames whose timestamp
	// is off the frame grid.
	KeepPartialFrames bool `yaml:"keep_partial_frames"`

	SyncTimeout time.Duration `yaml:"sync_timeout"`
	SyncRetries int           `yaml:"sync_retries"`
	BusyRetries int           `yaml:"busy_retries"`
}

func (p Params) withDefaults() Params {
	if p.AsyncDepth == 0 {
		p.AsyncDepth = defaultAsyncDepth
	}
	if p.LiveMode {
		p.AsyncDepth = 1
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

// baseVideoParam returns the parameters the header parsing starts from.
func (p Params) baseVideoParam(ioPattern hw.IOPattern) *hw.VideoParam {
	par := &hw.VideoParam{
		CodecID:      p.CodecID,
		AsyncDepth:   p.AsyncDepth,
		IOPattern:    ioPattern,
		DecodedOrder: p.OutputOrder == OutputOrderDecode,
		FrameInfo: hw.FrameInfo{
			Width:  p.Width,
			Height: p.Height,
			CropW:  p.Width,
			CropH:  p.Height,
		},
	}
	if p.FrameRate.IsValid() {
		par.FrameInfo.FrameRateExtN = uint32(p.FrameRate.Num)
		par.FrameInfo.FrameRateExtD = uint32(p.FrameRate.Den)
	}
	return par
}
