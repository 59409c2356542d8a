// allocator.go implements the buffer side of Task: the allocator callbacks and the surface.BufferProvider.

package task

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/msdk/display"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/xsync"
)

// Alloc answers an allocation request of the session. The first call
// creates the buffers, every later call returns the very same response.
func (t *Task) Alloc(
	ctx context.Context,
	req *hw.FrameAllocRequest,
) (_ret hw.FrameAllocResponse, _st hw.Status) {
	logger.Debugf(ctx, "Alloc(ctx, %s): %s", req, t)
	defer func() { logger.Debugf(ctx, "/Alloc(ctx, %s): %s: %v", req, t, _st) }()

	if owner := t.getOwner(ctx); owner != nil {
		return owner.Alloc(ctx, req)
	}
	return xsync.DoA2R2(ctx, &t.locker, t.allocLocked, ctx, req)
}

func (t *Task) allocLocked(
	ctx context.Context,
	req *hw.FrameAllocRequest,
) (hw.FrameAllocResponse, hw.Status) {
	if t.response != nil {
		logger.Tracef(ctx, "returning the cached response of %d buffers", len(t.response.MemIDs))
		return *t.response, hw.StatusOK
	}
	if t.closed {
		return hw.FrameAllocResponse{}, hw.StatusErrNotInitialized
	}
	if req == nil {
		req = t.request
	}
	if req == nil {
		return hw.FrameAllocResponse{}, hw.StatusErrNullPtr
	}
	if req.Type&hw.MemTypeSystemMemory != 0 {
		return hw.FrameAllocResponse{}, hw.StatusErrUnsupported
	}
	if t.request == nil {
		r := *req
		t.request = &r
	}

	count := int(max(req.NumFrameSuggested, req.NumFrameMin))
	info := req.Info
	disp := t.aggregator.Display()
	if disp == nil {
		logger.Errorf(ctx, "%s has no display to allocate device buffers on", t.aggregator)
		return hw.FrameAllocResponse{}, hw.StatusErrUnsupported
	}
	buffers, err := disp.CreateBuffers(ctx, info.FourCC, int(info.Width), int(info.Height), count)
	if err != nil {
		logger.Errorf(ctx, "unable to allocate %d buffers for %s: %v", count, t, err)
		return hw.FrameAllocResponse{}, hw.StatusErrMemoryAlloc
	}
	if layout, ok := info.FourCC.Layout(int(info.Width), int(info.Height)); ok {
		logger.Debugf(ctx, "allocated %d buffers of %s for %s", count, humanize.Bytes(uint64(layout.Size()*count)), t)
	}

	resp := &hw.FrameAllocResponse{
		MemIDs:         make([]hw.MemID, 0, count),
		NumFrameActual: uint16(count),
	}
	for _, b := range buffers {
		mid := hw.MemID(b.ID())
		t.buffers[mid] = b
		t.freeIDs = append(t.freeIDs, mid)
		resp.MemIDs = append(resp.MemIDs, mid)
	}
	t.response = resp
	return *resp, hw.StatusOK
}

// Response returns the cached allocation response, if any.
func (t *Task) Response(ctx context.Context) (hw.FrameAllocResponse, bool) {
	if owner := t.getOwner(ctx); owner != nil {
		return owner.Response(ctx)
	}
	return xsync.DoR2(ctx, &t.locker, func() (hw.FrameAllocResponse, bool) {
		if t.response == nil {
			return hw.FrameAllocResponse{}, false
		}
		return *t.response, true
	})
}

// Free is called by the session when it does not need the buffers anymore.
// The response stays cached for the lifetime of the Task, so the buffers
// are only released on Close; a borrower never releases anything.
func (t *Task) Free(
	ctx context.Context,
	resp *hw.FrameAllocResponse,
) hw.Status {
	logger.Debugf(ctx, "Free: %s", t)
	if t.getOwner(ctx) != nil {
		logger.Tracef(ctx, "the buffers are borrowed, not freeing")
		return hw.StatusOK
	}
	return xsync.DoR1(ctx, &t.locker, func() hw.Status {
		if t.response == nil {
			return hw.StatusErrInvalidHandle
		}
		if t.closed {
			t.destroyIdleBuffersLocked(ctx)
		}
		return hw.StatusOK
	})
}

// Lock makes the buffer addressable by the session and fills data with
// its planes.
func (t *Task) Lock(
	ctx context.Context,
	mid hw.MemID,
	data *hw.FrameData,
) hw.Status {
	logger.Tracef(ctx, "Lock(ctx, %d)", mid)
	if owner := t.getOwner(ctx); owner != nil {
		return owner.Lock(ctx, mid, data)
	}
	return xsync.DoA3R1(ctx, &t.locker, t.lockLocked, ctx, mid, data)
}

func (t *Task) lockLocked(
	ctx context.Context,
	mid hw.MemID,
	data *hw.FrameData,
) hw.Status {
	b, ok := t.buffers[mid]
	if !ok {
		return hw.StatusErrInvalidHandle
	}
	if _, ok := t.images[mid]; ok {
		return hw.StatusErrLockMemory
	}
	disp := t.aggregator.Display()
	img, err := disp.DeriveImage(ctx, b)
	if err != nil {
		logger.Errorf(ctx, "unable to derive an image of buffer %d: %v", mid, err)
		return hw.StatusErrLockMemory
	}
	planes, err := disp.MapImage(ctx, img)
	if err != nil {
		logger.Errorf(ctx, "unable to map an image of buffer %d: %v", mid, err)
		return hw.StatusErrLockMemory
	}
	t.images[mid] = img
	if data != nil {
		data.Planes = planes
		data.Pitches = img.Layout().Pitches
	}
	return hw.StatusOK
}

func (t *Task) Unlock(
	ctx context.Context,
	mid hw.MemID,
	data *hw.FrameData,
) hw.Status {
	logger.Tracef(ctx, "Unlock(ctx, %d)", mid)
	if owner := t.getOwner(ctx); owner != nil {
		return owner.Unlock(ctx, mid, data)
	}
	return xsync.DoA3R1(ctx, &t.locker, t.unlockLocked, ctx, mid, data)
}

func (t *Task) unlockLocked(
	ctx context.Context,
	mid hw.MemID,
	data *hw.FrameData,
) hw.Status {
	img, ok := t.images[mid]
	if !ok {
		return hw.StatusErrInvalidHandle
	}
	delete(t.images, mid)
	if data != nil {
		data.Planes = nil
		data.Pitches = nil
	}
	if err := t.aggregator.Display().UnmapImage(ctx, img); err != nil {
		logger.Errorf(ctx, "unable to unmap an image of buffer %d: %v", mid, err)
		return hw.StatusErrLockMemory
	}
	return hw.StatusOK
}

func (t *Task) GetHandle(
	ctx context.Context,
	mid hw.MemID,
) (hw.Handle, hw.Status) {
	if owner := t.getOwner(ctx); owner != nil {
		return owner.GetHandle(ctx, mid)
	}
	return xsync.DoR2(ctx, &t.locker, func() (hw.Handle, hw.Status) {
		b, ok := t.buffers[mid]
		if !ok {
			return 0, hw.StatusErrInvalidHandle
		}
		return b.ID(), hw.StatusOK
	})
}

// AcquireMemID hands out an idle buffer to a Surface, allocating the
// buffers according to the request if the session has not done it yet.
func (t *Task) AcquireMemID(ctx context.Context) (_ret hw.MemID, _err error) {
	logger.Tracef(ctx, "AcquireMemID: %s", t)
	defer func() { logger.Tracef(ctx, "/AcquireMemID: %s: %d %v", t, _ret, _err) }()

	if owner := t.getOwner(ctx); owner != nil {
		return owner.AcquireMemID(ctx)
	}
	return xsync.DoA1R2(ctx, &t.locker, t.acquireMemIDLocked, ctx)
}

func (t *Task) acquireMemIDLocked(ctx context.Context) (hw.MemID, error) {
	if t.closed {
		return 0, ErrClosed
	}
	if t.response == nil {
		if t.request == nil {
			return 0, ErrNoRequest
		}
		if _, st := t.allocLocked(ctx, t.request); st.IsError() {
			return 0, fmt.Errorf("unable to allocate buffers: %w", st)
		}
	}
	if len(t.freeIDs) == 0 {
		return 0, fmt.Errorf("%w (total: %d)", ErrNoFreeBuffers, len(t.buffers))
	}
	mid := t.freeIDs[0]
	t.freeIDs = t.freeIDs[1:]
	t.acquired[mid] = struct{}{}
	return mid, nil
}

// ReleaseMemID returns a buffer handed out by AcquireMemID. If the Task is
// already closed, the buffer is destroyed.
func (t *Task) ReleaseMemID(ctx context.Context, mid hw.MemID) {
	logger.Tracef(ctx, "ReleaseMemID(ctx, %d): %s", mid, t)
	if owner := t.getOwner(ctx); owner != nil {
		owner.ReleaseMemID(ctx, mid)
		return
	}
	t.locker.Do(ctx, func() {
		if _, ok := t.acquired[mid]; !ok {
			logger.Errorf(ctx, "buffer %d was not acquired from %s", mid, t)
			return
		}
		delete(t.acquired, mid)
		if !t.closed {
			t.freeIDs = append(t.freeIDs, mid)
			return
		}
		t.destroyBuffersLocked(ctx, []hw.MemID{mid})
	})
}

// Buffer returns the device buffer behind the memory id.
func (t *Task) Buffer(mid hw.MemID) display.Buffer {
	if owner := t.getOwner(context.TODO()); owner != nil {
		return owner.Buffer(mid)
	}
	return xsync.DoR1(context.TODO(), &t.locker, func() display.Buffer {
		return t.buffers[mid]
	})
}

// BufferStats returns the amount of buffers: total, handed out and idle.
func (t *Task) BufferStats(ctx context.Context) (total, acquired, idle int) {
	if owner := t.getOwner(ctx); owner != nil {
		return owner.BufferStats(ctx)
	}
	t.locker.Do(ctx, func() {
		total, acquired, idle = len(t.buffers), len(t.acquired), len(t.freeIDs)
	})
	return
}

func (t *Task) getOwner(ctx context.Context) *Task {
	return xsync.DoR1(ctx, &t.locker, func() *Task {
		return t.owner
	})
}

func (t *Task) destroyIdleBuffersLocked(ctx context.Context) {
	if t.owner != nil || len(t.freeIDs) == 0 {
		return
	}
	ids := t.freeIDs
	t.freeIDs = nil
	t.destroyBuffersLocked(ctx, ids)
}

func (t *Task) destroyBuffersLocked(ctx context.Context, ids []hw.MemID) {
	buffers := make([]display.Buffer, 0, len(ids))
	for _, mid := range ids {
		if img, ok := t.images[mid]; ok {
			logger.Warnf(ctx, "buffer %d is still locked by the session", mid)
			if err := t.aggregator.Display().UnmapImage(ctx, img); err != nil {
				logger.Errorf(ctx, "unable to unmap buffer %d: %v", mid, err)
			}
			delete(t.images, mid)
		}
		b, ok := t.buffers[mid]
		if !ok {
			continue
		}
		delete(t.buffers, mid)
		buffers = append(buffers, b)
	}
	if len(buffers) == 0 {
		return
	}
	logger.Debugf(ctx, "destroying %d buffers of %s", len(buffers), t)
	if err := t.aggregator.Display().DestroyBuffers(ctx, buffers); err != nil {
		logger.Errorf(ctx, "unable to destroy the buffers: %v", err)
	}
}
