// Package encoder implements a hardware video encoder on top of a Task. It
// shares the session and the buffers of the stage producing its input when
// the formats match, and interposes a vpp.Filter when they do not.
package encoder

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/go-ng/xsort"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/task"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/msdk/vpp"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

var (
	ErrClosed    = errors.New("encoder is closed")
	ErrBusy      = errors.New("the device stays busy")
	ErrSync      = errors.New("the encoded frame is not ready in time")
	ErrNoHeaders = errors.New("no key frame was encoded yet")
)

type Encoder struct {
	aggregator *task.Aggregator
	params     Params
	closer     *astikit.Closer

	locker        xsync.Mutex
	closed        bool
	initialized   bool
	task          *task.Task
	converter     *vpp.Filter
	inInfo        hw.FrameInfo
	headers       [][]byte
	forceKeyFrame bool
	bufferSize    int

	// ptsQueue is the min-heap of the timestamps of the submitted
	// pictures; encoded frames take their DTS from it.
	ptsQueue xsort.OrderedAsc[int64]

	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	keyFrames   atomic.Uint64
	bytesOut    atomic.Uint64
	busyRetries atomic.Uint64
}

// New creates an encoder; the hardware is initialized on the first Encode,
// once the format of the input pictures is known.
func New(
	ctx context.Context,
	agg *task.Aggregator,
	params Params,
) (_ret *Encoder, _err error) {
	params = params.withDefaults()
	ctx = logger.CtxWithField(ctx, "codec", params.CodecID.String())
	logger.Debugf(ctx, "New")
	defer func() { logger.Debugf(ctx, "/New: %v %v", _ret, _err) }()

	if agg == nil {
		return nil, fmt.Errorf("the task aggregator is not set")
	}
	e := &Encoder{
		aggregator: agg,
		params:     params,
		closer:     astikit.NewCloser(),
		bufferSize: minBitstreamCapacity,
	}
	internal.SetFinalizerClose(ctx, e)
	return e, nil
}

func (e *Encoder) String() string {
	return fmt.Sprintf("Encoder(%X, %s)", types.GetObjectID(e), e.params.CodecID)
}

func (e *Encoder) Params() Params {
	return e.params
}

// Task returns the Task the encoder submits pictures with, nil before the
// first Encode.
func (e *Encoder) Task(ctx context.Context) *task.Task {
	return xsync.DoR1(ctx, &e.locker, func() *task.Task {
		return e.task
	})
}

// Converter returns the filter converting the input pictures into the
// format of the encoder, nil if the input is encoded as is.
func (e *Encoder) Converter(ctx context.Context) *vpp.Filter {
	return xsync.DoR1(ctx, &e.locker, func() *vpp.Filter {
		return e.converter
	})
}

// Headers returns the parameter sets (SPS and PPS for AVC) the stream
// starts with.
func (e *Encoder) Headers(ctx context.Context) ([][]byte, error) {
	return xsync.DoR2(ctx, &e.locker, func() ([][]byte, error) {
		if len(e.headers) == 0 {
			return nil, ErrNoHeaders
		}
		result := make([][]byte, 0, len(e.headers))
		for _, h := range e.headers {
			result = append(result, append([]byte(nil), h...))
		}
		return result, nil
	})
}

// CodecData returns the AVCDecoderConfigurationRecord of the stream, for
// containers which keep the parameter sets out of band.
func (e *Encoder) CodecData(ctx context.Context) ([]byte, error) {
	headers, err := e.Headers(ctx)
	if err != nil {
		return nil, err
	}
	if e.params.CodecID != hw.CodecIDAVC {
		return nil, fmt.Errorf("codec data of %s is not supported", e.params.CodecID)
	}
	var sps, pps []byte
	for _, h := range headers {
		switch bitstream.NALType(e.params.CodecID, h) {
		case bitstream.AVCNALTypeSPS:
			sps = h
		case bitstream.AVCNALTypePPS:
			pps = h
		}
	}
	if sps == nil || pps == nil {
		return nil, fmt.Errorf("incomplete parameter sets: sps:%t pps:%t", sps != nil, pps != nil)
	}
	codecData, err := h264parser.NewCodecDataFromSPSAndPPS(sps, pps)
	if err != nil {
		return nil, fmt.Errorf("unable to build the codec data: %w", err)
	}
	return codecData.AVCDecoderConfRecordBytes(), nil
}

// RequestKeyFrame makes the next encoded picture an IDR frame.
func (e *Encoder) RequestKeyFrame(ctx context.Context) {
	e.locker.Do(ctx, func() {
		e.forceKeyFrame = true
	})
}

func (e *Encoder) Stats() Stats {
	return Stats{
		FramesIn:    e.framesIn.Load(),
		FramesOut:   e.framesOut.Load(),
		KeyFrames:   e.keyFrames.Load(),
		BytesOut:    e.bytesOut.Load(),
		BusyRetries: e.busyRetries.Load(),
	}
}

// Close releases the Task and the converter. Closing the encoder never
// touches the Task whose buffers it borrowed.
func (e *Encoder) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", e)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", e, _err) }()
	return xsync.DoR1(ctx, &e.locker, func() error {
		if e.closed {
			return nil
		}
		e.closed = true
		e.closeTaskLocked(ctx)
		return e.closer.Close()
	})
}

// OnClose registers a callback invoked when the encoder is closed.
func (e *Encoder) OnClose(fn func()) {
	e.closer.Add(fn)
}

func (e *Encoder) closeTaskLocked(ctx context.Context) {
	if e.task != nil {
		e.aggregator.Do(ctx, e.task, func() {
			if st := e.task.Session().Encode().Close(ctx); st.IsError() && st != hw.StatusErrNotInitialized {
				logger.Warnf(ctx, "unable to close the encode component: %v", st)
			}
		})
		if err := e.task.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close %s: %v", e.task, err)
		}
		e.task = nil
	}
	if e.converter != nil {
		if err := e.converter.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close %s: %v", e.converter, err)
		}
		e.converter = nil
	}
	e.initialized = false
	e.headers = nil
	e.ptsQueue = e.ptsQueue[:0]
}
