package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type item struct {
	buf []byte
}

func TestPool(t *testing.T) {
	p := NewPool(
		func() *item { return &item{buf: make([]byte, 0, 16)} },
		func(it *item) { it.buf = it.buf[:0] },
		nil,
	)

	it := p.Get()
	require.Equal(t, uint64(1), p.AllocCount.Load())
	it.buf = append(it.buf, 1, 2, 3)

	p.Put(it)
	require.Equal(t, uint64(1), p.ReuseCount.Load())
	require.Empty(t, it.buf)
	require.Equal(t, 16, cap(it.buf))
}

func TestPoolNoReuse(t *testing.T) {
	ReuseMemory = false
	t.Cleanup(func() { ReuseMemory = true })

	p := NewPool(func() *item { return &item{} }, nil, nil)
	p.Put(p.Get())
	require.Zero(t, p.ReuseCount.Load())
}
