package config

import (
	"fmt"

	"github.com/xaionaro-go/msdk/hw"
)

// Operations are the post-processing blocks in the form they are written
// in the config; zero values are disabled blocks.
type Operations struct {
	// Rotate is the clockwise rotation in degrees.
	Rotate      uint16       `yaml:"rotate,omitempty"`
	Denoise     uint16       `yaml:"denoise,omitempty"`
	Detail      uint16       `yaml:"detail,omitempty"`
	Deinterlace bool         `yaml:"deinterlace,omitempty"`
	FrameRate   FrameRateOpt `yaml:"frame_rate_conversion,omitempty"`
	ProcAmp     *ProcAmp     `yaml:"procamp,omitempty"`
}

type FrameRateOpt string

const (
	FrameRateOptNone        = FrameRateOpt("")
	FrameRateOptPreserve    = FrameRateOpt("preserve")
	FrameRateOptDistributed = FrameRateOpt("distributed")
)

type ProcAmp struct {
	Brightness float64 `yaml:"brightness"`
	Contrast   float64 `yaml:"contrast"`
	Hue        float64 `yaml:"hue"`
	Saturation float64 `yaml:"saturation"`
}

// ExtBuffers converts the operations into the blocks the filter accepts.
func (o Operations) ExtBuffers() ([]hw.ExtBuffer, error) {
	var result []hw.ExtBuffer
	switch angle := hw.Angle(o.Rotate); angle {
	case hw.Angle0:
	case hw.Angle90, hw.Angle180, hw.Angle270:
		result = append(result, &hw.ExtVPPRotation{Angle: angle})
	default:
		return nil, fmt.Errorf("rotation by %d degrees is not supported", o.Rotate)
	}
	if o.Denoise > 100 {
		return nil, fmt.Errorf("denoise strength %d is out of [0, 100]", o.Denoise)
	}
	if o.Denoise > 0 {
		result = append(result, &hw.ExtVPPDenoise{Strength: o.Denoise})
	}
	if o.Detail > 100 {
		return nil, fmt.Errorf("detail strength %d is out of [0, 100]", o.Detail)
	}
	if o.Detail > 0 {
		result = append(result, &hw.ExtVPPDetail{Strength: o.Detail})
	}
	if o.Deinterlace {
		result = append(result, &hw.ExtVPPDeinterlacing{Mode: hw.DeinterlacingModeBOB})
	}
	switch o.FrameRate {
	case FrameRateOptNone:
	case FrameRateOptPreserve:
		result = append(result, &hw.ExtVPPFrameRateConversion{Algorithm: hw.FrameRateConversionPreserveTimestamp})
	case FrameRateOptDistributed:
		result = append(result, &hw.ExtVPPFrameRateConversion{Algorithm: hw.FrameRateConversionDistributedTimestamp})
	default:
		return nil, fmt.Errorf("unknown frame rate conversion '%s'", o.FrameRate)
	}
	if o.ProcAmp != nil {
		result = append(result, &hw.ExtVPPProcAmp{
			Brightness: o.ProcAmp.Brightness,
			Contrast:   o.ProcAmp.Contrast,
			Hue:        o.ProcAmp.Hue,
			Saturation: o.ProcAmp.Saturation,
		})
	}
	return result, nil
}
