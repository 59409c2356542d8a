// Package decoder implements a hardware video decoder on top of a Task: it
// reframes the input bitstream, drives the asynchronous decode calls,
// matches the decoded Surfaces to the input frames and reinitializes itself
// when the stream changes its geometry.
package decoder

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/msdk/bitstream"
	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/sort"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/surfacepool"
	"github.com/xaionaro-go/msdk/task"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type Decoder struct {
	aggregator *task.Aggregator
	params     Params
	closer     *astikit.Closer

	locker        xsync.Mutex
	state         State
	failure       error
	task          *task.Task
	pool          *surfacepool.Pool
	reframer      bitstream.Reframer
	accumulator   bitstream.Accumulator
	work          *surface.Surface
	needSyncPoint bool
	firstPTS      typing.Optional[time.Duration]
	lastPTS       typing.Optional[time.Duration]
	frameDuration typing.Optional[time.Duration]

	// pending is a min-heap by PTS of the input frames without output.
	pending sort.FramesByPTS
	// decoded is most-recent-first.
	decoded   []*frame.Frame
	discarded []*frame.Frame

	framesIn        atomic.Uint64
	framesOut       atomic.Uint64
	framesDiscarded atomic.Uint64
	bytesIn         atomic.Uint64
	reinits         atomic.Uint64
	busyRetries     atomic.Uint64
}

// New creates a decoder; the hardware is initialized on the first Decode,
// once the stream headers are known.
func New(
	ctx context.Context,
	agg *task.Aggregator,
	params Params,
) (_ret *Decoder, _err error) {
	ctx = logger.CtxWithField(ctx, "codec", params.CodecID.String())
	logger.Debugf(ctx, "New")
	defer func() { logger.Debugf(ctx, "/New: %v %v", _ret, _err) }()

	if agg == nil {
		return nil, fmt.Errorf("the task aggregator is not set")
	}
	if params.CodecID == 0 {
		return nil, fmt.Errorf("the codec is not set")
	}
	reframer, err := bitstream.NewReframer(params.CodecID, params.StreamFormat, params.CodecData)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the bitstream reframer: %w", err)
	}

	d := &Decoder{
		aggregator: agg,
		params:     params.withDefaults(),
		closer:     astikit.NewCloser(),
		reframer:   reframer,
	}
	if d.params.FrameRate.IsValid() {
		d.frameDuration = typing.Opt(d.params.FrameRate.FrameDuration())
	}
	internal.SetFinalizerClose(ctx, d)
	return d, nil
}

func (d *Decoder) String() string {
	return fmt.Sprintf("Decoder(%X, %s)", types.GetObjectID(d), d.params.CodecID)
}

func (d *Decoder) Params() Params {
	return d.params
}

func (d *Decoder) State(ctx context.Context) State {
	return xsync.DoR1(ctx, &d.locker, func() State {
		return d.state
	})
}

// Task returns the Task the decoder currently decodes with; it changes on
// a reinitialization that needs bigger buffers.
func (d *Decoder) Task(ctx context.Context) *task.Task {
	return xsync.DoR1(ctx, &d.locker, func() *task.Task {
		return d.task
	})
}

// Pool returns the pool of the output Surfaces, nil before initialization.
func (d *Decoder) Pool(ctx context.Context) *surfacepool.Pool {
	return xsync.DoR1(ctx, &d.locker, func() *surfacepool.Pool {
		return d.pool
	})
}

// DecodedFrames returns the frames ready for delivery, most recent first.
// The frames still belong to the decoder.
func (d *Decoder) DecodedFrames(ctx context.Context) []*frame.Frame {
	return xsync.DoR1(ctx, &d.locker, func() []*frame.Frame {
		return append([]*frame.Frame(nil), d.decoded...)
	})
}

// PopDecoded hands over the oldest decoded frame (nil if there is none).
// The caller owns the Surface reference of the frame (see frame.Release).
func (d *Decoder) PopDecoded(ctx context.Context) *frame.Frame {
	return xsync.DoR1(ctx, &d.locker, func() *frame.Frame {
		if len(d.decoded) == 0 {
			return nil
		}
		f := d.decoded[len(d.decoded)-1]
		d.decoded[len(d.decoded)-1] = nil
		d.decoded = d.decoded[:len(d.decoded)-1]
		return f
	})
}

// PendingFrames returns the input frames without output yet, by PTS.
func (d *Decoder) PendingFrames(ctx context.Context) []*frame.Frame {
	return xsync.DoR1(ctx, &d.locker, func() []*frame.Frame {
		result := append([]*frame.Frame(nil), d.pending...)
		sortFramesByPTS(result)
		return result
	})
}

// DiscardedFrames returns the input frames dropped without output.
func (d *Decoder) DiscardedFrames(ctx context.Context) []*frame.Frame {
	return xsync.DoR1(ctx, &d.locker, func() []*frame.Frame {
		return append([]*frame.Frame(nil), d.discarded...)
	})
}

// PopDiscarded returns the discarded frames and forgets them.
func (d *Decoder) PopDiscarded(ctx context.Context) []*frame.Frame {
	return xsync.DoR1(ctx, &d.locker, func() []*frame.Frame {
		result := d.discarded
		d.discarded = nil
		return result
	})
}

// BufferedBytes returns the amount of bitstream bytes not consumed by the
// hardware yet.
func (d *Decoder) BufferedBytes(ctx context.Context) int {
	return xsync.DoR1(ctx, &d.locker, func() int {
		return d.accumulator.Len()
	})
}

func (d *Decoder) Stats() Stats {
	return Stats{
		FramesIn:        d.framesIn.Load(),
		FramesOut:       d.framesOut.Load(),
		FramesDiscarded: d.framesDiscarded.Load(),
		BytesIn:         d.bytesIn.Load(),
		Reinits:         d.reinits.Load(),
		BusyRetries:     d.busyRetries.Load(),
	}
}

// Close releases the decoded frames nobody popped, the Surfaces and the
// Task. Surfaces handed out keep their buffers until released.
func (d *Decoder) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", d)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", d, _err) }()
	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.state == StateClosed {
			return nil
		}
		d.state = StateClosed
		d.releaseFramesLocked(ctx)
		d.closeTaskLocked(ctx)
		return d.closer.Close()
	})
}

// OnClose registers a callback invoked when the decoder is closed.
func (d *Decoder) OnClose(fn func()) {
	d.closer.Add(fn)
}

func (d *Decoder) releaseFramesLocked(ctx context.Context) {
	for _, f := range d.decoded {
		f.Release(ctx)
	}
	d.decoded = nil
	d.discardPendingLocked(ctx)
	d.accumulator.Clear()
}

// closeTaskLocked tears down the pool and the Task; Surfaces still
// referenced elsewhere survive until their last release.
func (d *Decoder) closeTaskLocked(ctx context.Context) {
	if d.work != nil {
		d.work.Unref(ctx)
		d.work = nil
	}
	if d.task != nil {
		d.aggregator.Do(ctx, d.task, func() {
			if st := d.task.Session().Decode().Close(ctx); st.IsError() && st != hw.StatusErrNotInitialized {
				logger.Warnf(ctx, "unable to close the decode component: %v", st)
			}
		})
	}
	if d.pool != nil {
		if err := d.pool.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close %s: %v", d.pool, err)
		}
		d.pool = nil
	}
	if d.task != nil {
		if err := d.task.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close %s: %v", d.task, err)
		}
		d.task = nil
	}
}

// failLocked makes the decoder unusable and releases its Task.
func (d *Decoder) failLocked(ctx context.Context, err error) (Status, error) {
	logger.Errorf(ctx, "%s failed: %v", d, err)
	d.closeTaskLocked(ctx)
	d.state = StateFailed
	d.failure = ErrFatal{Err: err}
	return StatusError, d.failure
}
