// Package surfacepool implements a cache of Surfaces with used and free
// lists. A Surface handed out by the pool goes back to the free list once
// nobody references it and the hardware no longer locks it.
package surfacepool

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/msdk/display"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/internal"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/surface"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

var (
	ErrExhausted = errors.New("unable to get a surface from the pool")
	ErrClosed    = errors.New("pool is closed")
)

// Provider is a source of Task-owned buffers (see task.Task).
type Provider interface {
	surface.BufferProvider
	IsVideoMemory() bool
}

type Config struct {
	// Provider makes the pool bind its Surfaces to the buffers of the
	// Task, if the Task uses video memory.
	Provider Provider

	// Display, Info and Residency describe standalone Surfaces; they are
	// used if Provider is nil or it uses system memory.
	Display   display.Display
	Info      hw.FrameInfo
	Residency surface.Residency
}

type allocMode int

const (
	allocModeFromProvider allocMode = iota
	allocModeDevice
	allocModeSystem
)

func (m allocMode) String() string {
	switch m {
	case allocModeFromProvider:
		return "from_task"
	case allocModeDevice:
		return "device"
	case allocModeSystem:
		return "system"
	}
	return fmt.Sprintf("<unexpected_%d>", int(m))
}

type Pool struct {
	config Config
	mode   allocMode

	locker xsync.Mutex
	free   []*surface.Surface
	used   []*surface.Surface
	closed bool

	AllocatedCount atomic.Uint64
	ReclaimedCount atomic.Uint64
}

var _ surface.ReleaseHandler = (*Pool)(nil)

func New(
	ctx context.Context,
	cfg Config,
) (_ret *Pool, _err error) {
	p := &Pool{config: cfg}
	switch {
	case cfg.Provider != nil && cfg.Provider.IsVideoMemory():
		p.mode = allocModeFromProvider
	case cfg.Residency == surface.ResidencyDevice:
		if cfg.Display == nil {
			return nil, fmt.Errorf("a device-resident pool requires a display")
		}
		p.mode = allocModeDevice
	default:
		p.mode = allocModeSystem
	}
	if p.mode != allocModeFromProvider && cfg.Provider != nil && cfg.Info.FourCC == 0 {
		p.config.Info = cfg.Provider.FrameInfo()
	}
	if p.mode != allocModeFromProvider {
		if _, ok := p.config.Info.FourCC.Layout(int(p.config.Info.Width), int(p.config.Info.Height)); !ok {
			return nil, fmt.Errorf("%w: %s", surface.ErrUnsupportedFormat, p.config.Info.FourCC)
		}
	}
	logger.Debugf(ctx, "created %s", p)
	return p, nil
}

func (p *Pool) String() string {
	return fmt.Sprintf("SurfacePool(%X, %s)", types.GetObjectID(p), p.mode)
}

// GetSurface returns a Surface with a single reference owned by the caller.
func (p *Pool) GetSurface(ctx context.Context) (_ret *surface.Surface, _err error) {
	logger.Tracef(ctx, "GetSurface: %s", p)
	defer func() { logger.Tracef(ctx, "/GetSurface: %s: %v %v", p, _ret, _err) }()
	return xsync.DoA1R2(ctx, &p.locker, p.getSurfaceLocked, ctx)
}

func (p *Pool) getSurfaceLocked(ctx context.Context) (*surface.Surface, error) {
	if p.closed {
		return nil, fmt.Errorf("%w: %w", ErrExhausted, ErrClosed)
	}
	p.gcLocked(ctx)

	var s *surface.Surface
	if len(p.free) > 0 {
		s = p.free[0]
		p.free[0] = nil
		p.free = p.free[1:]
		s.Ref()
	} else {
		var err error
		s, err = p.allocate(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
		}
		s.SetReleaseHandler(p)
		p.AllocatedCount.Inc()
	}
	p.used = append(p.used, s)
	return s, nil
}

func (p *Pool) allocate(ctx context.Context) (*surface.Surface, error) {
	switch p.mode {
	case allocModeFromProvider:
		return surface.NewFromProvider(ctx, p.config.Provider)
	case allocModeDevice:
		return surface.New(ctx, p.config.Display, p.config.Info, surface.ResidencyDevice)
	default:
		return surface.New(ctx, p.config.Display, p.config.Info, surface.ResidencySystem)
	}
}

// gcLocked moves to the free list the used Surfaces nobody references and
// the hardware does not lock anymore.
func (p *Pool) gcLocked(ctx context.Context) {
	kept := p.used[:0]
	for _, s := range p.used {
		if s.RefCount() == 0 && !s.IsLocked() {
			p.putSurfaceLocked(ctx, s)
			continue
		}
		kept = append(kept, s)
	}
	for idx := len(kept); idx < len(p.used); idx++ {
		p.used[idx] = nil
	}
	p.used = kept
}

func (p *Pool) putSurfaceLocked(ctx context.Context, s *surface.Surface) {
	logger.Tracef(ctx, "putSurface: %s", s)
	p.free = append(p.free, s)
	p.ReclaimedCount.Inc()
}

// OnSurfaceRelease implements surface.ReleaseHandler: the last reference
// of a pooled Surface is dropped.
func (p *Pool) OnSurfaceRelease(ctx context.Context, s *surface.Surface) bool {
	return xsync.DoR1(ctx, &p.locker, func() bool {
		if p.closed {
			return false
		}
		if s.IsLocked() {
			// still used by the hardware, the next GC pass reclaims it
			return true
		}
		for idx, candidate := range p.used {
			if candidate != s {
				continue
			}
			p.used = append(p.used[:idx], p.used[idx+1:]...)
			p.putSurfaceLocked(ctx, s)
			return true
		}
		return false
	})
}

// GC runs a reclaim pass without requesting a Surface.
func (p *Pool) GC(ctx context.Context) {
	p.locker.Do(ctx, func() {
		p.gcLocked(ctx)
	})
}

// FindSurface returns the used Surface the hardware refers to by hwSurface.
// The hardware may only return surfaces it was given, so a miss is a bug.
func (p *Pool) FindSurface(ctx context.Context, hwSurface *hw.FrameSurface) *surface.Surface {
	s := xsync.DoR1(ctx, &p.locker, func() *surface.Surface {
		for _, s := range p.used {
			if s.HW() == hwSurface {
				return s
			}
		}
		if hwSurface == nil || hwSurface.Data.MemID == 0 {
			return nil
		}
		for _, s := range p.used {
			if s.MemID() == hwSurface.Data.MemID {
				return s
			}
		}
		return nil
	})
	internal.Assert(ctx, s != nil, "the surface returned by the hardware is not in the used list", hwSurface)
	return s
}

type Stats struct {
	Used      int
	Free      int
	Allocated uint64
	Reclaimed uint64
}

func (p *Pool) Stats(ctx context.Context) Stats {
	return xsync.DoR1(ctx, &p.locker, func() Stats {
		return Stats{
			Used:      len(p.used),
			Free:      len(p.free),
			Allocated: p.AllocatedCount.Load(),
			Reclaimed: p.ReclaimedCount.Load(),
		}
	})
}

// Close destroys the free Surfaces. The used ones are detached from the
// pool and get destroyed when their last reference is dropped.
func (p *Pool) Close(ctx context.Context) error {
	logger.Debugf(ctx, "Close: %s", p)
	p.locker.Do(ctx, func() {
		if p.closed {
			return
		}
		p.closed = true
		for _, s := range p.free {
			s.SetReleaseHandler(nil)
			s.Destroy(ctx)
		}
		p.free = nil
		for _, s := range p.used {
			s.SetReleaseHandler(nil)
			if s.RefCount() == 0 {
				s.Destroy(ctx)
			}
		}
		p.used = nil
	})
	return nil
}
