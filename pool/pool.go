// Package pool provides a typed wrapper over sync.Pool for the buffers the
// pipeline recycles between frames.
package pool

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

// ReuseMemory disables recycling when false, which helps to catch
// use-after-put bugs.
var ReuseMemory = true

type Pool[T any] struct {
	sync.Pool
	ResetFunc func(*T)

	AllocCount atomic.Uint64
	ReuseCount atomic.Uint64
}

// NewPool creates a pool; freeFunc (if not nil) is attached as a finalizer
// to every allocated item, for items wrapping non-Go memory.
func NewPool[T any](
	allocFunc func() *T,
	resetFunc func(*T),
	freeFunc func(*T),
) *Pool[T] {
	p := &Pool[T]{
		ResetFunc: resetFunc,
	}
	p.Pool.New = func() any {
		p.AllocCount.Inc()
		v := allocFunc()
		if freeFunc != nil {
			runtime.SetFinalizer(v, func(v *T) {
				freeFunc(v)
			})
		}
		return v
	}
	return p
}

func (p *Pool[T]) Get() *T {
	return p.Pool.Get().(*T)
}

func (p *Pool[T]) Put(items ...*T) {
	if !ReuseMemory {
		return
	}
	for _, item := range items {
		if p.ResetFunc != nil {
			p.ResetFunc(item)
		}
		p.ReuseCount.Inc()
		p.Pool.Put(item)
	}
}
