package encoder

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/types"
)

// RateControl selects how the bitrate is governed.
type RateControl int

const (
	RateControlCBR = RateControl(iota)
	RateControlVBR
	RateControlCQP
)

func (r RateControl) String() string {
	switch r {
	case RateControlCBR:
		return "cbr"
	case RateControlVBR:
		return "vbr"
	case RateControlCQP:
		return "cqp"
	}
	return fmt.Sprintf("<unexpected_%d>", int(r))
}

func (r *RateControl) UnmarshalText(b []byte) error {
	for _, candidate := range []RateControl{RateControlCBR, RateControlVBR, RateControlCQP} {
		if candidate.String() == string(b) {
			*r = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown rate control '%s'", b)
}

func (r RateControl) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r RateControl) method() hw.RateControlMethod {
	switch r {
	case RateControlVBR:
		return hw.RateControlVBR
	case RateControlCQP:
		return hw.RateControlCQP
	}
	return hw.RateControlCBR
}

const (
	defaultAsyncDepth    = 4
	defaultGopSize       = 60
	defaultTargetKbps    = 4000
	defaultQP            = 26
	defaultSyncTimeout   = 100 * time.Millisecond
	defaultBusyRetries   = 1000
	defaultSyncRetries   = 100
	busyRetryInterval    = time.Millisecond
	minBitstreamCapacity = 64 * 1024
)

type Params struct {
	CodecID   hw.CodecID     `yaml:"codec"`
	FrameRate types.Rational `yaml:"frame_rate"`

	// GopSize is the distance between key frames in frames.
	GopSize     uint16      `yaml:"gop_size"`
	RateControl RateControl `yaml:"rate_control"`
	TargetKbps  uint16      `yaml:"target_kbps"`
	MaxKbps     uint16      `yaml:"max_kbps"`
	// QP is used by RateControlCQP only.
	QP uint16 `yaml:"qp"`

	// AUDelimiter makes every access unit start with a delimiter NAL unit.
	AUDelimiter bool `yaml:"au_delimiter"`

	AsyncDepth  uint16        `yaml:"async_depth"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
	// SyncRetries bounds the waits for an access unit of Encode; Flush
	// waits until the hardware completes.
	SyncRetries int `yaml:"sync_retries"`
	BusyRetries int `yaml:"busy_retries"`
}

func (p Params) withDefaults() Params {
	if p.CodecID == 0 {
		p.CodecID = hw.CodecIDAVC
	}
	if p.GopSize == 0 {
		p.GopSize = defaultGopSize
	}
	if p.TargetKbps == 0 {
		p.TargetKbps = defaultTargetKbps
	}
	if p.QP == 0 {
		p.QP = defaultQP
	}
	if p.AsyncDepth == 0 {
		p.AsyncDepth = defaultAsyncDepth
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

func (p Params) videoParam(ioPattern hw.IOPattern, info hw.FrameInfo) *hw.VideoParam {
	par := &hw.VideoParam{
		CodecID:           p.CodecID,
		AsyncDepth:        p.AsyncDepth,
		IOPattern:         ioPattern,
		FrameInfo:         info,
		GopPicSize:        p.GopSize,
		GopRefDist:        1,
		RateControlMethod: p.RateControl.method(),
		TargetKbps:        p.TargetKbps,
		MaxKbps:           p.MaxKbps,
	}
	if p.RateControl == RateControlCQP {
		par.QPI, par.QPP, par.QPB = p.QP, p.QP, p.QP
	}
	if p.FrameRate.IsValid() {
		par.FrameInfo.FrameRateExtN = uint32(p.FrameRate.Num)
		par.FrameInfo.FrameRateExtD = uint32(p.FrameRate.Den)
	}
	if p.AUDelimiter {
		par.ExtParams = append(par.ExtParams, &hw.ExtCodingOption{AUDelimiter: true})
	}
	return par
}

type Stats struct {
	FramesIn    uint64
	FramesOut   uint64
	KeyFrames   uint64
	BytesOut    uint64
	BusyRetries uint64
}
