package decoder

import (
	"context"
	"slices"
	"time"

	"github.com/go-ng/container/heap"
	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/typing"
)

// ptsTolerance absorbs the rounding of timestamps converted between time
// bases: one tick of the hardware clock.
const ptsTolerance = time.Second/hw.TimestampClockRate + 1

func sortFramesByPTS(frames []*frame.Frame) {
	slices.SortStableFunc(frames, func(a, b *frame.Frame) int {
		switch {
		case a.PTS < b.PTS:
			return -1
		case a.PTS > b.PTS:
			return 1
		}
		return 0
	})
}

// addPendingLocked remembers the timing of an input frame until the
// hardware returns the picture for it.
func (d *Decoder) addPendingLocked(f *frame.Frame) {
	pending := &frame.Frame{
		PTS:         f.PTS,
		DTS:         f.DTS,
		Duration:    f.Duration,
		IsSyncPoint: f.IsSyncPoint,
		Flags:       f.Flags,
	}
	if f.HasPTS() && !d.firstPTS.IsSet() {
		d.firstPTS = typing.Opt(f.PTS)
	}
	if f.Duration > 0 && !d.frameDuration.IsSet() {
		d.frameDuration = typing.Opt(f.Duration)
	}
	heap.Push(&d.pending, pending)
}

// takePendingLocked returns the pending frame the hardware timestamp
// belongs to, or the oldest one if there is no exact match. It returns nil
// if all the pending frames are later than timestamp: the picture came
// from an input frame that already gave its timing to another picture
// (an input carrying more than one access unit).
func (d *Decoder) takePendingLocked(ctx context.Context, timestamp uint64) *frame.Frame {
	if len(d.pending) == 0 {
		return nil
	}
	if timestamp == hw.TimestampUnknown {
		return heap.Pop(&d.pending)
	}
	var skipped []*frame.Frame
	var match *frame.Frame
	for len(d.pending) > 0 {
		f := heap.Pop(&d.pending)
		if f.Timestamp() == timestamp {
			match = f
			break
		}
		skipped = append(skipped, f)
	}
	for _, f := range skipped {
		heap.Push(&d.pending, f)
	}
	if match != nil {
		return match
	}
	if d.pending[0].PTS > hw.DurationFromTimestamp(timestamp)+ptsTolerance {
		logger.Debugf(ctx, "no pending frame with timestamp %d, all of them are later", timestamp)
		return nil
	}
	logger.Debugf(ctx, "no pending frame with timestamp %d, taking the oldest one", timestamp)
	return heap.Pop(&d.pending)
}

// extrapolatePTSLocked returns the PTS of a picture no pending frame
// accounts for: pts, unless it does not follow the previous picture, in
// which case the picture is placed one frame after it.
func (d *Decoder) extrapolatePTSLocked(pts time.Duration) time.Duration {
	if !d.lastPTS.IsSet() || !d.frameDuration.IsSet() {
		return pts
	}
	if pts >= 0 && pts > d.lastPTS.Get() {
		return pts
	}
	return d.lastPTS.Get() + d.frameDuration.Get()
}

func (d *Decoder) discardLocked(f *frame.Frame) {
	d.discarded = append(d.discarded, f)
	d.framesDiscarded.Inc()
}

// discardPendingLocked moves every pending frame to the discarded list,
// oldest first.
func (d *Decoder) discardPendingLocked(ctx context.Context) {
	if len(d.pending) == 0 {
		return
	}
	logger.Debugf(ctx, "discarding %d pending frames", len(d.pending))
	for len(d.pending) > 0 {
		d.discardLocked(heap.Pop(&d.pending))
	}
}

// isPartialFrameLocked reports whether pts is off the frame grid started
// by the first frame. Such pictures are what the hardware read ahead of a
// geometry change or a seek, they are not delivered.
//
// This is an approximation: streams with a variable frame rate do not
// have the grid, so the check is off while the frame duration is unknown.
func (d *Decoder) isPartialFrameLocked(pts time.Duration) bool {
	if d.params.KeepPartialFrames || pts < 0 {
		return false
	}
	if !d.firstPTS.IsSet() || !d.frameDuration.IsSet() {
		return false
	}
	duration := d.frameDuration.Get()
	if duration <= 0 {
		return false
	}
	offset := pts - d.firstPTS.Get()
	if offset < 0 {
		offset = -offset
	}
	remainder := offset % duration
	return remainder > ptsTolerance && duration-remainder > ptsTolerance
}
