// ext_buffers.go defines the extension parameter blocks understood by the components.

package hw

import (
	"image"
)

type DeinterlacingMode uint16

const (
	DeinterlacingModeBOB           DeinterlacingMode = 1
	DeinterlacingModeAdvanced      DeinterlacingMode = 2
	DeinterlacingModeAdvancedNoRef DeinterlacingMode = 11
)

type ExtVPPDeinterlacing struct {
	Mode DeinterlacingMode
}

func (*ExtVPPDeinterlacing) ExtBufferID() ExtBufferID { return ExtBufferIDVPPDeinterlacing }

// ExtVPPDenoise strength is within [0, 100].
type ExtVPPDenoise struct {
	Strength uint16
}

func (*ExtVPPDenoise) ExtBufferID() ExtBufferID { return ExtBufferIDVPPDenoise }

// ExtVPPDetail strength is within [0, 100].
type ExtVPPDetail struct {
	Strength uint16
}

func (*ExtVPPDetail) ExtBufferID() ExtBufferID { return ExtBufferIDVPPDetail }

type Angle uint16

const (
	Angle0   Angle = 0
	Angle90  Angle = 90
	Angle180 Angle = 180
	Angle270 Angle = 270
)

type ExtVPPRotation struct {
	Angle Angle
}

func (*ExtVPPRotation) ExtBufferID() ExtBufferID { return ExtBufferIDVPPRotation }

type FrameRateConversionAlgorithm uint16

const (
	FrameRateConversionPreserveTimestamp    FrameRateConversionAlgorithm = 0x0001
	FrameRateConversionDistributedTimestamp FrameRateConversionAlgorithm = 0x0002
	FrameRateConversionInterpolation        FrameRateConversionAlgorithm = 0x0004
)

type ExtVPPFrameRateConversion struct {
	Algorithm FrameRateConversionAlgorithm
}

func (*ExtVPPFrameRateConversion) ExtBufferID() ExtBufferID { return ExtBufferIDVPPFrameRateConv }

// CompositeStream places one input stream onto the composited output.
type CompositeStream struct {
	Rect              image.Rectangle
	GlobalAlpha       uint16
	GlobalAlphaEnable bool
}

type ExtVPPComposite struct {
	Y, U, V uint16
	Streams []CompositeStream
}

func (*ExtVPPComposite) ExtBufferID() ExtBufferID { return ExtBufferIDVPPComposite }

type ExtVPPProcAmp struct {
	Brightness float64
	Contrast   float64
	Hue        float64
	Saturation float64
}

func (*ExtVPPProcAmp) ExtBufferID() ExtBufferID { return ExtBufferIDVPPProcAmp }

// ExtCodingOption carries the encoder options that do not fit VideoParam.
type ExtCodingOption struct {
	AUDelimiter   bool
	PicTimingSEI  bool
	RepeatHeaders bool
}

func (*ExtCodingOption) ExtBufferID() ExtBufferID { return ExtBufferIDCodingOption }
